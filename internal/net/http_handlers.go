package net

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"musical-multiverse/network/internal/net/ws"
	"musical-multiverse/network/internal/observability"
	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/telemetry"
)

type HTTPHandlerConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// MetricsHandler serves /metrics when set, typically promhttp over the
	// registry backing Metrics.
	MetricsHandler    nethttp.Handler
	TickRate          int
	HeartbeatInterval time.Duration
	Backlog           int
	AllowedOrigins    []string
	Observability     observability.Config
}

func NewHTTPHandler(hub *relay.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string         `json:"status"`
			ServerTime int64          `json:"serverTime"`
			Rooms      map[string]int `json:"rooms"`
			TickRate   int            `json:"tickRate"`
			Heartbeat  int64          `json:"heartbeatMillis"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Rooms:      hub.Diagnostics(),
			TickRate:   cfg.TickRate,
			Heartbeat:  cfg.HeartbeatInterval.Milliseconds(),
		}
		writeJSON(w, logger, payload)
	})

	// /sessions lists room names, most recently active first. ?detail=1
	// returns participant counts and activity times as well.
	mux.HandleFunc("/sessions", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		sessions, err := hub.Sessions(r.Context())
		if err != nil {
			logger.Printf("[relay] [warn] list sessions: %v", err)
			httpError(w, "failed to list sessions", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.URL.Query().Get("detail") != "" {
			if sessions == nil {
				sessions = []relay.SessionInfo{}
			}
			writeJSON(w, logger, sessions)
			return
		}
		names := make([]string, 0, len(sessions))
		for _, session := range sessions {
			names = append(names, session.Name)
		}
		writeJSON(w, logger, names)
	})

	if cfg.MetricsHandler != nil {
		mux.Handle("/metrics", cfg.MetricsHandler)
	}

	observability.Mount(mux, cfg.Observability)

	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{
		Logger:            logger,
		Metrics:           cfg.Metrics,
		Backlog:           cfg.Backlog,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
	})
	mux.HandleFunc("/ws", wsHandler.Handle)

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("[relay] [warn] encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
