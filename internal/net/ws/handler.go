package ws

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"musical-multiverse/network/internal/net/proto"
	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/telemetry"
)

const (
	MetricMalformedFrames = "relay_malformed_frames_total"
	MetricRejectedJoins   = "relay_rejected_joins_total"

	defaultBacklog           = 256
	defaultHeartbeatInterval = 2 * time.Second
	defaultWriteTimeout      = 5 * time.Second
)

type HandlerConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Backlog bounds frames queued per connection before updates are
	// dropped for that participant.
	Backlog int
	// HeartbeatInterval is the client's heartbeat cadence. A connection
	// silent for three intervals is closed.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

type Handler struct {
	hub       *relay.Hub
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	upgrader  websocket.Upgrader
	backlog   int
	heartbeat time.Duration
	write     time.Duration
}

func NewHandler(hub *relay.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	write := cfg.WriteTimeout
	if write <= 0 {
		write = defaultWriteTimeout
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}

	return &Handler{
		hub:       hub,
		logger:    logger,
		metrics:   metrics,
		upgrader:  upgrader,
		backlog:   backlog,
		heartbeat: heartbeat,
		write:     write,
	}
}

// Handle upgrades the request, waits for the participant's hello, sends the
// room snapshot and then relays frames until the connection ends.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[relay] upgrade failed: %v", err)
		return
	}

	idle := 3 * h.heartbeat
	room, participant, err := h.readHello(conn, idle)
	if err != nil {
		h.metrics.Add(MetricRejectedJoins, 1)
		h.logger.Printf("[relay] [warn] rejecting connection from %s: %v", r.RemoteAddr, err)
		h.refuse(conn, err.Error())
		return
	}

	sub := newSession(conn, participant, h.backlog, h.write, h.logger)
	ctx := r.Context()
	snapshot, err := h.hub.Join(ctx, room, participant, sub)
	if err != nil {
		h.metrics.Add(MetricRejectedJoins, 1)
		h.logger.Printf("[relay] [warn] join room=%s participant=%s failed: %v", room, participant, err)
		h.refuse(conn, err.Error())
		return
	}
	defer func() {
		h.hub.Leave(room, participant, sub)
		sub.Close()
		sub.wait()
		_ = conn.Close()
	}()

	data, err := proto.EncodeSnapshot(room, snapshot)
	if err != nil {
		h.logger.Printf("[relay] [error] encode snapshot room=%s: %v", room, err)
		return
	}
	if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	sub.start()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("[relay] connection room=%s participant=%s ended: %v", room, participant, err)
			}
			return
		}

		msg, err := proto.Decode(payload)
		if err != nil {
			h.metrics.Add(MetricMalformedFrames, 1)
			h.logger.Printf("[relay] discarding malformed frame from %s: %v", participant, err)
			continue
		}

		switch msg.Type {
		case proto.TypeUpdate:
			if msg.Update == nil {
				h.metrics.Add(MetricMalformedFrames, 1)
				continue
			}
			update := *msg.Update
			update.Origin = participant
			if err := h.hub.Broadcast(context.WithoutCancel(ctx), room, participant, update, len(payload)); err != nil {
				h.metrics.Add(MetricMalformedFrames, 1)
				if errors.Is(err, relay.ErrNotJoined) {
					return
				}
			}
		case proto.TypeHeartbeat:
			reply, err := proto.EncodeHeartbeat(proto.Heartbeat{
				SentAt:     msg.SentAt,
				ServerTime: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			sub.enqueue(reply)
		case proto.TypeHello:
			h.logger.Printf("[relay] ignoring repeated hello from %s", participant)
		default:
			h.logger.Printf("[relay] unknown message type %q from %s", msg.Type, participant)
		}
	}
}

func (h *Handler) readHello(conn *websocket.Conn, timeout time.Duration) (string, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return "", "", err
	}
	msg, err := proto.Decode(payload)
	if err != nil {
		return "", "", err
	}
	if msg.Type != proto.TypeHello {
		return "", "", errors.New("expected hello")
	}
	room := strings.TrimSpace(msg.Room)
	participant := strings.TrimSpace(msg.Participant)
	if room == "" {
		return "", "", relay.ErrEmptyRoom
	}
	if participant == "" {
		return "", "", relay.ErrEmptyParticipant
	}
	return room, participant, nil
}

func (h *Handler) refuse(conn *websocket.Conn, reason string) {
	if data, err := proto.EncodeError(reason); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(h.write))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "join refused")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(h.write))
	_ = conn.Close()
}
