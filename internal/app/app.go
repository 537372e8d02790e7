// Package app wires the relay server and the headless peer from their
// configuration. Both runners block until ctx is cancelled or a component
// fails, then shut everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"musical-multiverse/network/internal/config"
	"musical-multiverse/network/internal/entity"
	servernet "musical-multiverse/network/internal/net"
	"musical-multiverse/network/internal/observability"
	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/router"
	"musical-multiverse/network/internal/session"
	"musical-multiverse/network/internal/store/sqlite"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/internal/tick"
	"musical-multiverse/network/internal/transport/ws"
	"musical-multiverse/network/logging"
	loggingSinks "musical-multiverse/network/logging/sinks"
)

const (
	shutdownTimeout      = 5 * time.Second
	defaultStatsInterval = 10 * time.Second
)

// Options carries process-level collaborators that do not come from the
// environment.
type Options struct {
	// Stdout receives console logs. Nil selects os.Stdout.
	Stdout io.Writer
	// Listener overrides RelayConfig.Addr, letting callers bind port 0.
	Listener net.Listener
	// Registry backs /metrics. Nil creates a fresh registry with the Go and
	// process collectors.
	Registry *prometheus.Registry
	// StatsInterval is how often a peer logs its session summary.
	StatsInterval time.Duration
	// OnConnected is called with the peer session once it has joined.
	OnConnected func(*session.Session)
}

type runtime struct {
	logger telemetry.Logger
	router *logging.Router
}

func newRuntime(stdout io.Writer, app, level, jsonPath string) (*runtime, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	zlevel, ok := telemetry.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
	console := telemetry.NewConsoleLogger(stdout, app, zlevel)
	logger := telemetry.WrapZerolog(console)

	logConfig := logging.DefaultConfig()
	if severity, err := logging.ParseSeverity(level); err == nil {
		logConfig.MinimumSeverity = severity
	} else {
		logConfig.MinimumSeverity = logging.SeverityError
	}
	logConfig.Fields = map[string]any{"app": app}

	named := []logging.NamedSink{{Name: "console", Sink: loggingSinks.NewZerologSink(console)}}
	if jsonPath != "" {
		file, err := os.OpenFile(jsonPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json log %s: %w", jsonPath, err)
		}
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
		logConfig.JSON.FilePath = jsonPath
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logConfig, named,
		logging.WithFallback(log.New(stdout, "[logging] ", log.LstdFlags)))
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	return &runtime{logger: logger, router: router}, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.router.Close(ctx); err != nil {
		r.logger.Printf("[app] [warn] failed to close logging router: %v", err)
	}
}

// RunRelay serves the relay until ctx is cancelled.
func RunRelay(ctx context.Context, cfg config.RelayConfig, opts Options) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rt, err := newRuntime(opts.Stdout, "relay", cfg.LogLevel, cfg.LogJSONPath)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics, err := telemetry.NewPrometheusMetrics(registry, "multiverse")
	if err != nil {
		return err
	}

	hubCfg := relay.HubConfig{
		Logger:    logger,
		Publisher: rt.router,
		Metrics:   metrics,
	}
	if cfg.DBPath != "" {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := store.Close(); cerr != nil {
				logger.Printf("[app] [warn] failed to close store: %v", cerr)
			}
		}()
		hubCfg.Store = store
		logger.Printf("[app] persisting rooms to %s", cfg.DBPath)
	}
	hub := relay.NewHub(hubCfg)
	defer hub.Close()

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:            logger,
		Metrics:           metrics,
		MetricsHandler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		TickRate:          cfg.TickRate,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Backlog:           cfg.Backlog,
		AllowedOrigins:    cfg.AllowedOrigins,
		Observability:     observability.Config{EnablePprof: cfg.EnablePprof},
	})

	listener := opts.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Addr, err)
		}
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("[app] relay listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Close members first so hijacked websocket connections end.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Printf("[app] relay stopped")
		return nil
	})
	return g.Wait()
}

// RunPeer joins cfg.Room as a headless participant, seeds the scene's
// nodes and keeps the session alive until ctx is cancelled.
func RunPeer(ctx context.Context, cfg config.PeerConfig, opts Options) error {
	cfg = cfg.WithParticipant()
	if err := cfg.Validate(); err != nil {
		return err
	}
	var scene config.Scene
	if cfg.Scene != "" {
		loaded, err := config.LoadScene(cfg.Scene)
		if err != nil {
			return err
		}
		scene = loaded
	}

	rt, err := newRuntime(opts.Stdout, "peer", cfg.LogLevel, cfg.LogJSONPath)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger
	metrics := telemetry.NewMemoryMetrics()

	wsCfg := ws.DefaultConfig()
	wsCfg.URL = cfg.ServerURL
	wsCfg.Logger = logger
	wsCfg.Publisher = rt.router
	wsCfg.Metrics = metrics
	client, err := ws.New(wsCfg)
	if err != nil {
		return err
	}

	loopCfg := tick.DefaultLoopConfig()
	loopCfg.TickRate = cfg.TickRate
	sess, err := session.New(session.Config{
		ParticipantID: cfg.ParticipantID,
		Transport:     client,
		Loop:          loopCfg,
		Logger:        logger,
		Publisher:     rt.router,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	sess.OnNodeChange(func(n router.Notification) {
		logger.Printf("[peer] node %s id=%s origin=%s", n.Action, n.ID, n.Origin)
	})
	sess.OnPlayerChange(func(n router.Notification) {
		logger.Printf("[peer] player %s id=%s", n.Action, n.ID)
	})
	sess.OnModificationChange(func(m session.Modification) {
		logger.Printf("[peer] node %s modified=%t by %s", m.NodeID, m.IsModified, m.ParticipantID)
	})

	if err := sess.Connect(ctx, cfg.Room); err != nil {
		return err
	}
	logger.Printf("[peer] joined room=%s participant=%s", cfg.Room, cfg.ParticipantID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		setup := make(chan error, 1)
		err := sess.Do(gctx, func() {
			setup <- seed(sess, scene)
		})
		if err != nil {
			return err
		}
		if err := <-setup; err != nil {
			return err
		}
		if len(scene.Nodes) > 0 {
			logger.Printf("[peer] seeded %d scene nodes", len(scene.Nodes))
		}
		if opts.OnConnected != nil {
			opts.OnConnected(sess)
		}
		return nil
	})
	g.Go(func() error {
		interval := opts.StatsInterval
		if interval <= 0 {
			interval = defaultStatsInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := sess.Stats()
				logger.Printf("[peer] tick=%d nodes=%d players=%d pending=%d rtt=%s",
					stats.Tick, stats.Nodes, stats.Players, stats.PendingEntries, client.RTT())
			}
		}
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil && !errors.Is(err, session.ErrClosed) {
		logger.Printf("[peer] [warn] close session: %v", err)
	}
	logger.Printf("[peer] left room=%s", cfg.Room)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// seed announces the local player and creates scene nodes the room does
// not already hold. It runs on the session loop.
func seed(sess *session.Session, scene config.Scene) error {
	if err := sess.UpdatePlayerState(entity.PlayerState{}); err != nil {
		return err
	}
	for _, state := range scene.NodeStates() {
		if _, exists := sess.Node(state.ID); exists {
			continue
		}
		if err := sess.CreateNode(entity.NewNode(state)); err != nil {
			return fmt.Errorf("create node %s: %w", state.ID, err)
		}
	}
	return nil
}
