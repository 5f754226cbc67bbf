package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig tunes client sessions.
type WebSocketConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns the session defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the dashboard is served same-host; origin stays permissive
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and attaches the client to the bus.
func ServeWS(bus *Bus, logger *zap.Logger, cfg WebSocketConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		NewSession(bus, conn, logger, cfg)
	}
}

// Session adapts one WebSocket client into a bus subscriber. Clients
// receive every event; inbound messages are ping/pong and subscription
// adjustments.
type Session struct {
	bus    *Bus
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *zap.Logger
	id     string

	mu     sync.Mutex
	closed bool
}

func NewSession(bus *Bus, conn *websocket.Conn, logger *zap.Logger, cfg WebSocketConfig) *Session {
	if cfg.WriteTimeout <= 0 {
		cfg = DefaultWebSocketConfig()
	}
	s := &Session{bus: bus, conn: conn, cfg: cfg, logger: logger}
	s.id = bus.Subscribe(s)

	go s.readPump()
	go s.pingLoop()
	return s
}

func (s *Session) ID() string { return s.id }

// Send implements Sink. The bus pump is the only steady caller, so a
// plain mutex around the socket write is enough.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close detaches the client from the bus and closes the socket.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.Unsubscribe(s.id)
	s.conn.Close()
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed",
					zap.String("subscriber_id", s.id),
					zap.Error(err))
			}
			return
		}
		if messageType == websocket.TextMessage {
			s.handleClientMessage(message)
		}
	}
}

type clientMessage struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId"`
}

func (s *Session) handleClientMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn("invalid client message",
			zap.String("subscriber_id", s.id),
			zap.Error(err))
		return
	}

	switch msg.Type {
	case "ping":
		pong, err := json.Marshal(map[string]any{"type": "pong", "timestamp": time.Now().UTC()})
		if err == nil {
			_ = s.Send(pong)
		}
	case "subscribe":
		if msg.AuctionID != "" {
			s.bus.Watch(s.id, msg.AuctionID)
		}
	case "unsubscribe":
		if msg.AuctionID != "" {
			s.bus.Unwatch(s.id, msg.AuctionID)
		}
	default:
		s.logger.Debug("unknown client message type",
			zap.String("type", msg.Type),
			zap.String("subscriber_id", s.id))
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err := s.conn.WriteMessage(websocket.PingMessage, nil)
		s.mu.Unlock()
		if err != nil {
			s.Close()
			return
		}
	}
}
