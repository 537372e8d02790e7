package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"musical-multiverse/network/internal/net/proto"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
)

// session is one participant's connection as seen by the relay hub. Frames
// are queued without blocking and written by a single writer goroutine.
type session struct {
	conn         *websocket.Conn
	participant  string
	frames       chan []byte
	done         chan struct{}
	once         sync.Once
	writeMu      sync.Mutex
	writeTimeout time.Duration
	logger       telemetry.Logger
	wg           sync.WaitGroup
}

func newSession(conn *websocket.Conn, participant string, backlog int, writeTimeout time.Duration, logger telemetry.Logger) *session {
	return &session{
		conn:         conn,
		participant:  participant,
		frames:       make(chan []byte, backlog),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Send implements relay.Subscriber.
func (s *session) Send(update replica.Update) bool {
	data, err := proto.EncodeUpdate(update)
	if err != nil {
		s.logger.Printf("[relay] [warn] encode update for %s: %v", s.participant, err)
		return false
	}
	return s.enqueue(data)
}

// Close implements relay.Subscriber. The writer sends a close frame and
// tears the connection down, which ends the handler's read loop.
func (s *session) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- data:
		return true
	default:
		return false
	}
}

func (s *session) start() {
	s.wg.Add(1)
	go s.writeLoop()
}

func (s *session) wait() {
	s.wg.Wait()
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeTimeout))
			_ = s.conn.Close()
			return
		case data := <-s.frames:
			if err := s.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Printf("[relay] write to %s failed: %v", s.participant, err)
				s.Close()
			}
		}
	}
}

// WriteMessage serializes writes on the underlying connection.
func (s *session) WriteMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}
