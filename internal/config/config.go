// Package config loads relay and peer settings from the environment and
// scene files that seed a headless peer.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"musical-multiverse/network/internal/telemetry"
)

var (
	ErrInvalidAddr     = errors.New("config: listen address is required")
	ErrInvalidTickRate = errors.New("config: tick rate must be between 1 and 240")
	ErrInvalidURL      = errors.New("config: relay url must be ws:// or wss://")
	ErrEmptyRoom       = errors.New("config: room is required")
	ErrInvalidLogLevel = errors.New("config: unknown log level")
)

const maxTickRate = 240

// RelayConfig configures the relay server.
type RelayConfig struct {
	Addr              string        `env:"MULTIVERSE_ADDR"               envDefault:":4444"`
	DBPath            string        `env:"MULTIVERSE_DB_PATH"`
	LogLevel          string        `env:"MULTIVERSE_LOG_LEVEL"          envDefault:"info"`
	LogJSONPath       string        `env:"MULTIVERSE_LOG_JSON_PATH"`
	TickRate          int           `env:"MULTIVERSE_TICK_RATE"          envDefault:"30"`
	HeartbeatInterval time.Duration `env:"MULTIVERSE_HEARTBEAT_INTERVAL" envDefault:"2s"`
	Backlog           int           `env:"MULTIVERSE_BACKLOG"            envDefault:"256"`
	AllowedOrigins    []string      `env:"MULTIVERSE_ALLOWED_ORIGINS"    envSeparator:","`
	EnablePprof       bool          `env:"MULTIVERSE_ENABLE_PPROF"`
}

// PeerConfig configures a headless peer.
type PeerConfig struct {
	ServerURL     string `env:"MULTIVERSE_SERVER_URL"     envDefault:"ws://localhost:4444/ws"`
	Room          string `env:"MULTIVERSE_ROOM"           envDefault:"default"`
	ParticipantID string `env:"MULTIVERSE_PARTICIPANT_ID"`
	TickRate      int    `env:"MULTIVERSE_TICK_RATE"      envDefault:"30"`
	Scene         string `env:"MULTIVERSE_SCENE"`
	LogLevel      string `env:"MULTIVERSE_LOG_LEVEL"      envDefault:"info"`
	LogJSONPath   string `env:"MULTIVERSE_LOG_JSON_PATH"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Addr:              ":4444",
		LogLevel:          "info",
		TickRate:          30,
		HeartbeatInterval: 2 * time.Second,
		Backlog:           256,
	}
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		ServerURL: "ws://localhost:4444/ws",
		Room:      "default",
		TickRate:  30,
		LogLevel:  "info",
	}
}

// LoadRelay parses the relay environment and validates the result.
func LoadRelay() (RelayConfig, error) {
	var cfg RelayConfig
	if err := env.Parse(&cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadPeer parses the peer environment, fills a generated participant id
// when none is set and validates the result.
func LoadPeer() (PeerConfig, error) {
	var cfg PeerConfig
	if err := env.Parse(&cfg); err != nil {
		return PeerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	cfg = cfg.WithParticipant()
	return cfg, cfg.Validate()
}

func (c RelayConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrInvalidAddr
	}
	if err := validateTickRate(c.TickRate); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("config: backlog must be positive, got %d", c.Backlog)
	}
	return validateLogLevel(c.LogLevel)
}

func (c PeerConfig) Validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, c.ServerURL)
	}
	if strings.TrimSpace(c.Room) == "" {
		return ErrEmptyRoom
	}
	if err := validateTickRate(c.TickRate); err != nil {
		return err
	}
	return validateLogLevel(c.LogLevel)
}

// WithParticipant returns c with a generated participant id when unset.
func (c PeerConfig) WithParticipant() PeerConfig {
	if strings.TrimSpace(c.ParticipantID) == "" {
		c.ParticipantID = uuid.NewString()
	}
	return c
}

func validateTickRate(rate int) error {
	if rate < 1 || rate > maxTickRate {
		return fmt.Errorf("%w: %d", ErrInvalidTickRate, rate)
	}
	return nil
}

func validateLogLevel(level string) error {
	if _, ok := telemetry.ParseLevel(level); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
	return nil
}
