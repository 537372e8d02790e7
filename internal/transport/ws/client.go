// Package ws is the websocket client transport. It speaks the relay's
// framed protocol, keeps the link alive with heartbeats and re-establishes
// it with exponential backoff when it drops.
package ws

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"musical-multiverse/network/internal/net/proto"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/internal/transport"
	"musical-multiverse/network/logging"
	lognet "musical-multiverse/network/logging/network"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	defaultOutbox            = 256
	defaultHandshakeTimeout  = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second

	MetricRTTMillis = "transport_rtt_millis"
)

var ErrHandshake = errors.New("ws: handshake failed")

type Config struct {
	// URL is the relay websocket endpoint, for example ws://localhost:4444/ws.
	URL               string
	Outbox            int
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Backoff           BackoffConfig
	Dialer            *websocket.Dialer
	Logger            telemetry.Logger
	Publisher         logging.Publisher
	Metrics           telemetry.Metrics
}

func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:4444/ws",
		Outbox:            defaultOutbox,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HandshakeTimeout:  defaultHandshakeTimeout,
		WriteTimeout:      defaultWriteTimeout,
		Backoff:           DefaultBackoffConfig(),
	}
}

// Client is a reconnecting relay client.
type Client struct {
	cfg       Config
	dialer    *websocket.Dialer
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
	rng       *rand.Rand

	outbox chan replica.Update

	mu          sync.Mutex
	room        string
	participant string
	deliver     transport.Deliver
	cancel      context.CancelFunc
	reconnect   []func()
	connected   bool
	closed      bool

	rtt atomic.Int64
	wg  sync.WaitGroup
}

var (
	_ transport.Transport   = (*Client)(nil)
	_ transport.Reconnecter = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		return nil, fmt.Errorf("ws: relay url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("ws: invalid relay url: %w", err)
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = defaults.Outbox
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = defaults.Backoff
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Client{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger,
		publisher: publisher,
		metrics:   metrics,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		outbox:    make(chan replica.Update, cfg.Outbox),
	}, nil
}

// OnReconnect registers fn to run after the link has been re-established
// and the fresh room snapshot delivered.
func (c *Client) OnReconnect(fn func()) {
	if c == nil || fn == nil {
		return
	}
	c.mu.Lock()
	c.reconnect = append(c.reconnect, fn)
	c.mu.Unlock()
}

// RTT reports the last measured heartbeat round trip.
func (c *Client) RTT() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.rtt.Load()) * time.Millisecond
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the relay, joins room and delivers the room snapshot. The
// first dial is not retried; later drops are.
func (c *Client) Connect(ctx context.Context, room, participant string, deliver transport.Deliver) error {
	if c == nil {
		return transport.ErrNotConnected
	}
	if deliver == nil {
		return fmt.Errorf("ws: deliver callback is required")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	c.room, c.participant, c.deliver = room, participant, deliver
	c.mu.Unlock()

	conn, snapshot, err := c.dial(ctx)
	if err != nil {
		return err
	}
	deliver(snapshot)

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return transport.ErrClosed
	}
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	c.logger.Printf("[transport] connected url=%s room=%s participant=%s entries=%d", c.cfg.URL, room, participant, len(snapshot.Entries))
	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

// Send queues update for the writer. It never blocks; a full outbox drops
// the update.
func (c *Client) Send(update replica.Update) bool {
	if c == nil || update.Empty() {
		return false
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.outbox <- update:
		return true
	default:
		c.metrics.Add(transport.MetricDropped, uint64(len(update.Entries)))
		return false
	}
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, replica.Update, error) {
	c.mu.Lock()
	room, participant := c.room, c.participant
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, replica.Update{}, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	hello, err := proto.EncodeHello(proto.Hello{Room: room, Participant: participant})
	if err != nil {
		conn.Close()
		return nil, replica.Update{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, replica.Update{}, fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, replica.Update{}, fmt.Errorf("%w: read snapshot: %v", ErrHandshake, err)
	}
	msg, err := proto.Decode(payload)
	if err != nil {
		conn.Close()
		return nil, replica.Update{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	switch msg.Type {
	case proto.TypeSnapshot:
	case proto.TypeError:
		conn.Close()
		return nil, replica.Update{}, fmt.Errorf("%w: relay refused: %s", ErrHandshake, msg.Reason)
	default:
		conn.Close()
		return nil, replica.Update{}, fmt.Errorf("%w: expected snapshot, got %s", ErrHandshake, msg.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var snapshot replica.Update
	if msg.Update != nil {
		snapshot = *msg.Update
	}
	return conn, snapshot, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.serve(ctx, conn)
		c.setConnected(false)
		if ctx.Err() != nil {
			c.logger.Printf("[transport] closed url=%s", c.cfg.URL)
			return
		}
		c.logger.Printf("[transport] [warn] link lost url=%s: %v", c.cfg.URL, err)
		lognet.TransportDrop(ctx, c.publisher, 0, c.actor(),
			lognet.TransportPayload{Reason: "link lost"}, map[string]any{"error": err.Error()})

		conn = c.redial(ctx)
		if conn == nil {
			return
		}
		c.setConnected(true)
		c.metrics.Add(transport.MetricReconnect, 1)
		c.mu.Lock()
		hooks := append([]func(){}, c.reconnect...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (c *Client) redial(ctx context.Context) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		conn, snapshot, err := c.dial(ctx)
		if err != nil {
			c.logger.Printf("[transport] [warn] reconnect attempt=%d failed: %v", attempt, err)
			continue
		}
		c.mu.Lock()
		deliver := c.deliver
		c.mu.Unlock()
		deliver(snapshot)
		c.logger.Printf("[transport] reconnected attempt=%d entries=%d", attempt, len(snapshot.Entries))
		return conn
	}
}

// serve pumps one connection until it fails or ctx ends. Only this
// goroutine writes to conn.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readErr <- c.read(conn)
	}()
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return ctx.Err()
		case err := <-readErr:
			return err
		case update := <-c.outbox:
			data, err := proto.EncodeUpdate(update)
			if err != nil {
				c.logger.Printf("[transport] [warn] encode update: %v", err)
				continue
			}
			if err := c.write(conn, data); err != nil {
				c.metrics.Add(transport.MetricDropped, uint64(len(update.Entries)))
				return err
			}
			c.metrics.Add(transport.MetricSent, uint64(len(update.Entries)))
		case now := <-heartbeat.C:
			data, err := proto.EncodeHeartbeat(proto.Heartbeat{SentAt: now.UnixMilli()})
			if err != nil {
				continue
			}
			if err := c.write(conn, data); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) read(conn *websocket.Conn) error {
	idle := 3 * c.cfg.HeartbeatInterval
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := proto.Decode(payload)
		if err != nil {
			c.logger.Printf("[transport] [warn] discarding malformed frame: %v", err)
			continue
		}
		switch msg.Type {
		case proto.TypeUpdate, proto.TypeSnapshot:
			if msg.Update == nil || msg.Update.Empty() {
				continue
			}
			c.metrics.Add(transport.MetricReceived, uint64(len(msg.Update.Entries)))
			c.mu.Lock()
			deliver := c.deliver
			c.mu.Unlock()
			deliver(*msg.Update)
		case proto.TypeHeartbeat:
			if msg.SentAt > 0 {
				rtt := time.Now().UnixMilli() - msg.SentAt
				if rtt >= 0 {
					c.rtt.Store(rtt)
					c.metrics.Store(MetricRTTMillis, uint64(rtt))
				}
			}
		case proto.TypeError:
			c.logger.Printf("[transport] [warn] relay error: %s", msg.Reason)
		default:
			c.logger.Printf("[transport] unknown frame type %q", msg.Type)
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) actor() logging.EntityRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return logging.EntityRef{ID: c.participant, Kind: logging.EntityKindPeer}
}
