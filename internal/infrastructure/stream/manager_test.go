package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

type recordingSink struct {
	mu        sync.Mutex
	updates   []*auction.Snapshot
	updateIDs []string
	closed    []string
	fallbacks []string
}

func (r *recordingSink) HandleStreamUpdate(ctx context.Context, auctionID string, snapshot *auction.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, snapshot)
	r.updateIDs = append(r.updateIDs, auctionID)
}

func (r *recordingSink) HandleStreamClosed(ctx context.Context, auctionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, auctionID)
}

func (r *recordingSink) HandleStreamFallback(ctx context.Context, auctionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, auctionID)
}

func (r *recordingSink) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recordingSink) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func (r *recordingSink) fallbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fallbacks)
}

func testStreamConfig(base string) config.StreamConfig {
	return config.StreamConfig{
		URL:            base + "/stream/{id}",
		MaxReconnects:  5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     8 * time.Millisecond,
		Events: config.StreamEventsConfig{
			BidUpdate:     "bidUpdate",
			AuctionClosed: "auctionClosed",
			Heartbeat:     "heartbeat",
		},
	}
}

// sseServer feeds whatever is pushed into the returned channel to every
// connected client.
func sseServer(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	events := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, open := <-events:
				if !open {
					return
				}
				fmt.Fprint(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(events) })
	return srv, events
}

func newTestManager(t *testing.T, cfg config.StreamConfig, sink EventSink) *Manager {
	t.Helper()
	m := NewManager(cfg, nil, sink, zaptest.NewLogger(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(m.Stop)
	m.Start(ctx)
	return m
}

func TestReadEvents(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive comment",
		"event: bidUpdate",
		"data: {\"id\":1}",
		"",
		"event: note",
		"data: first",
		"data: second",
		"",
		"data: nameless",
		"",
		"",
	}, "\n")

	var got []Event
	err := readEvents(strings.NewReader(input), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, Event{Name: "bidUpdate", Data: `{"id":1}`}, got[0])
	assert.Equal(t, Event{Name: "note", Data: "first\nsecond"}, got[1])
	assert.Equal(t, Event{Name: "", Data: "nameless"}, got[2])
}

func TestReadEventsStopsOnHandlerError(t *testing.T) {
	input := "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"
	calls := 0
	err := readEvents(strings.NewReader(input), func(ev Event) error {
		calls++
		return errStreamDone
	})
	assert.ErrorIs(t, err, errStreamDone)
	assert.Equal(t, 1, calls)
}

func TestManagerDeliversBidUpdates(t *testing.T) {
	srv, events := sseServer(t)
	sink := &recordingSink{}
	m := newTestManager(t, testStreamConfig(srv.URL), sink)

	m.Connect("12345")
	require.Eventually(t, func() bool { return m.Connected("12345") },
		2*time.Second, 5*time.Millisecond)

	events <- "event: bidUpdate\ndata: {\"id\":12345,\"currentPrice\":55,\"bidCount\":7,\"userState\":{\"isWinning\":false,\"nextBid\":60}}\n\n"

	require.Eventually(t, func() bool { return sink.updateCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "12345", sink.updateIDs[0])
	assert.Equal(t, 55, sink.updates[0].CurrentBid)
	assert.Equal(t, 60, sink.updates[0].NextBid)
	assert.Equal(t, 7, sink.updates[0].BidCount)
}

func TestManagerHeartbeatsAreIgnored(t *testing.T) {
	srv, events := sseServer(t)
	sink := &recordingSink{}
	m := newTestManager(t, testStreamConfig(srv.URL), sink)

	m.Connect("1")
	require.Eventually(t, func() bool { return m.Connected("1") },
		2*time.Second, 5*time.Millisecond)

	events <- "event: heartbeat\ndata: ping\n\n"
	events <- "event: bidUpdate\ndata: {\"id\":1,\"currentPrice\":5}\n\n"

	require.Eventually(t, func() bool { return sink.updateCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.closedCount())
	assert.Zero(t, sink.fallbackCount())
}

func TestManagerClosedEventIsTerminal(t *testing.T) {
	srv, events := sseServer(t)
	sink := &recordingSink{}
	m := newTestManager(t, testStreamConfig(srv.URL), sink)

	m.Connect("777")
	require.Eventually(t, func() bool { return m.Connected("777") },
		2*time.Second, 5*time.Millisecond)

	events <- "event: auctionClosed\ndata: {}\n\n"

	require.Eventually(t, func() bool { return sink.closedCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Status().Connections == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.fallbackCount(), "a closed auction is not a failure")
}

func TestManagerFallsBackAfterReconnectBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	m := newTestManager(t, testStreamConfig(srv.URL), sink)

	m.Connect("12345")
	require.Eventually(t, func() bool { return sink.fallbackCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	assert.Equal(t, []string{"12345"}, sink.fallbacks)
	sink.mu.Unlock()

	assert.Equal(t, int32(5), hits.Load(), "fallback fires after exactly five consecutive failures")
	require.Eventually(t, func() bool { return m.Status().Connections == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestManagerEventResetsFailureBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n != 4 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: bidUpdate\ndata: {\"id\":9,\"currentPrice\":5}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	sink := &recordingSink{}
	m := newTestManager(t, testStreamConfig(srv.URL), sink)

	m.Connect("9")
	require.Eventually(t, func() bool { return sink.fallbackCount() == 1 },
		3*time.Second, 5*time.Millisecond)

	// three failures, one delivering connection, then five more failures
	assert.Equal(t, int32(9), hits.Load())
	assert.Equal(t, 1, sink.updateCount())
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	srv, _ := sseServer(t)
	sink := &recordingSink{}
	m := newTestManager(t, testStreamConfig(srv.URL), sink)

	m.Connect("1")
	m.Connect("1")
	assert.Equal(t, 1, m.Status().Connections)

	m.Disconnect("1")
	assert.Zero(t, m.Status().Connections)
	m.Disconnect("1")
}

func TestManagerSendsSessionCookie(t *testing.T) {
	var gotCookie atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie.Store(r.Header.Get("Cookie"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testStreamConfig(srv.URL)
	cfg.MaxReconnects = 1
	sink := &recordingSink{}
	m := NewManager(cfg, staticCookies("session=abc"), sink, zaptest.NewLogger(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer m.Stop()
	m.Start(ctx)

	m.Connect("1")
	require.Eventually(t, func() bool { return sink.fallbackCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "session=abc", gotCookie.Load())
}

type staticCookies string

func (s staticCookies) Cookies() string { return string(s) }
