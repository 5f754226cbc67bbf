package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/upstream"
)

// Ready states mirror EventSource semantics.
const (
	ReadyConnecting = "connecting"
	ReadyOpen       = "open"
	ReadyClosed     = "closed"
)

// errStreamDone stops a connection for good (terminal auction event).
var errStreamDone = errors.New("stream finished")

// EventSink receives what the streams deliver. Implemented by the
// monitor.
type EventSink interface {
	HandleStreamUpdate(ctx context.Context, auctionID string, snapshot *auction.Snapshot)
	HandleStreamClosed(ctx context.Context, auctionID string)

	// HandleStreamFallback fires after the reconnect budget is spent;
	// the auction is left to polling.
	HandleStreamFallback(ctx context.Context, auctionID string)
}

// Metrics is the slice of the registry the streams feed.
type Metrics interface {
	RecordReconnect(ctx context.Context)
	RecordStreamFallback(ctx context.Context)
	SetStreamConnections(n int64)
}

// ConnectionStatus describes one live stream for the ops surface.
type ConnectionStatus struct {
	ProductID         string `json:"productId"`
	ReadyState        string `json:"readyState"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

type Status struct {
	Connections int                `json:"connections"`
	Streams     []ConnectionStatus `json:"streams"`
}

// Options carries the manager's optional collaborators.
type Options struct {
	Clock   auction.Clock
	Metrics Metrics

	// Client overrides the streaming HTTP client; it must not carry a
	// global timeout or it would sever idle streams.
	Client *http.Client
}

// Manager keeps at most one live event stream per auction, reconnecting
// with exponential backoff and falling back to polling once the budget
// of consecutive failures is spent.
type Manager struct {
	cfg     config.StreamConfig
	client  *http.Client
	cookies upstream.CookieSource
	sink    EventSink
	logger  *zap.Logger
	clock   auction.Clock
	metrics Metrics

	mu    sync.Mutex
	base  context.Context
	conns map[string]*connection
	wg    sync.WaitGroup
}

type connection struct {
	productID string
	cancel    context.CancelFunc

	mu       sync.Mutex
	state    string
	attempts int
}

func (c *connection) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) snapshot() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		ProductID:         c.productID,
		ReadyState:        c.state,
		ReconnectAttempts: c.attempts,
	}
}

func (c *connection) bumpAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *connection) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

func NewManager(cfg config.StreamConfig, cookies upstream.CookieSource, sink EventSink, logger *zap.Logger, opts Options) *Manager {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = auction.RealClock{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Manager{
		cfg:     cfg,
		client:  client,
		cookies: cookies,
		sink:    sink,
		logger:  logger,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		base:    context.Background(),
		conns:   make(map[string]*connection),
	}
}

// Start records the lifetime context new streams derive from.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = ctx
}

// Connect opens a stream for the auction. A second Connect for the
// same auction is a no-op: one stream per auction.
func (m *Manager) Connect(auctionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[auctionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.base)
	conn := &connection{productID: auctionID, cancel: cancel, state: ReadyConnecting}
	m.conns[auctionID] = conn
	m.reportConnectionsLocked()

	m.wg.Add(1)
	go m.run(ctx, conn)
}

// Disconnect tears the auction's stream down. Unknown ids are ignored.
func (m *Manager) Disconnect(auctionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[auctionID]; ok {
		conn.cancel()
		delete(m.conns, auctionID)
		m.reportConnectionsLocked()
	}
}

// Connected reports whether the auction's stream is currently open and
// delivering.
func (m *Manager) Connected(auctionID string) bool {
	m.mu.Lock()
	conn, ok := m.conns[auctionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return conn.snapshot().ReadyState == ReadyOpen
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	streams := make([]ConnectionStatus, 0, len(m.conns))
	for _, conn := range m.conns {
		streams = append(streams, conn.snapshot())
	}
	return Status{Connections: len(streams), Streams: streams}
}

// Stop tears down every stream and waits for the readers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for id, conn := range m.conns {
		conn.cancel()
		delete(m.conns, id)
	}
	m.reportConnectionsLocked()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, conn *connection) {
	defer m.wg.Done()
	defer m.drop(conn)
	defer conn.setState(ReadyClosed)

	bo := m.newBackoff()
	for {
		sawEvent, err := m.consume(ctx, conn)
		if ctx.Err() != nil || errors.Is(err, errStreamDone) {
			return
		}
		if sawEvent {
			bo.Reset()
		}

		attempts := conn.bumpAttempts()
		if m.metrics != nil {
			m.metrics.RecordReconnect(ctx)
		}
		if attempts >= m.cfg.MaxReconnects {
			m.logger.Warn("stream reconnect budget spent, falling back to polling",
				zap.String("product_id", conn.productID),
				zap.Int("attempts", attempts),
				zap.Error(err))
			if m.metrics != nil {
				m.metrics.RecordStreamFallback(ctx)
			}
			m.sink.HandleStreamFallback(ctx, conn.productID)
			return
		}

		wait := bo.NextBackOff()
		m.logger.Debug("stream reconnecting",
			zap.String("product_id", conn.productID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume opens the stream and dispatches events until it breaks. It
// reports whether at least one event arrived on this connection.
func (m *Manager) consume(ctx context.Context, conn *connection) (bool, error) {
	conn.setState(ReadyConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		upstream.ExpandTemplate(m.cfg.URL, conn.productID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if m.cookies != nil {
		if blob := m.cookies.Cookies(); blob != "" {
			req.Header.Set("Cookie", blob)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	conn.setState(ReadyOpen)
	defer conn.setState(ReadyConnecting)

	sawEvent := false
	err = readEvents(resp.Body, func(ev Event) error {
		sawEvent = true
		conn.resetAttempts()
		return m.dispatch(ctx, conn.productID, ev)
	})
	if err == nil {
		err = errors.New("stream closed by server")
	}
	return sawEvent, err
}

func (m *Manager) dispatch(ctx context.Context, productID string, ev Event) error {
	switch ev.Name {
	case m.cfg.Events.AuctionClosed:
		m.sink.HandleStreamClosed(ctx, productID)
		return errStreamDone
	case m.cfg.Events.BidUpdate:
		snap, err := upstream.ParseSnapshot([]byte(ev.Data), m.clock.Now())
		if err != nil {
			m.logger.Warn("dropping malformed stream update",
				zap.String("product_id", productID),
				zap.Error(err))
			return nil
		}
		m.sink.HandleStreamUpdate(ctx, productID, snap)
	default:
		// heartbeats and unknown events just keep the connection warm
	}
	return nil
}

// drop removes the connection if it is still the registered one; a
// Disconnect/Connect cycle may have replaced it already.
func (m *Manager) drop(conn *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.conns[conn.productID]; ok && current == conn {
		delete(m.conns, conn.productID)
		m.reportConnectionsLocked()
	}
}

func (m *Manager) reportConnectionsLocked() {
	if m.metrics != nil {
		m.metrics.SetStreamConnections(int64(len(m.conns)))
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
