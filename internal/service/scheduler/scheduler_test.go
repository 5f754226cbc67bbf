package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

type captureSink struct {
	mu      sync.Mutex
	calls   []string
	outcome Outcome
	err     error
}

func (c *captureSink) UpdateAuction(ctx context.Context, id string) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, id)
	return c.outcome, c.err
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxRequestsPerSecond: 10,
		DefaultInterval:      6 * time.Second,
		ErrorCap:             60 * time.Second,
		SafetyInterval:       30 * time.Second,
	}
}

func newTestScheduler(t *testing.T, sink UpdateSink, clock auction.Clock) *Scheduler {
	t.Helper()
	return New(testSchedulerConfig(), sink, zaptest.NewLogger(t), Options{Clock: clock})
}

func TestPollIntervalTable(t *testing.T) {
	tests := []struct {
		timeRemaining int
		want          time.Duration
	}{
		{0, 2 * time.Second},
		{29, 2 * time.Second},
		{30, 3 * time.Second},
		{59, 3 * time.Second},
		{60, 5 * time.Second},
		{299, 5 * time.Second},
		{300, 10 * time.Second},
		{599, 10 * time.Second},
		{600, 6 * time.Second},
		{86400, 6 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pollIntervalFor(tt.timeRemaining, 6*time.Second),
			"timeRemaining=%d", tt.timeRemaining)
	}
}

func TestPriorityRanking(t *testing.T) {
	// losing outranks winning at the same distance from close
	assert.Less(t, priorityFor(600, false), priorityFor(600, true))

	// near-close outranks far-from-close
	assert.Less(t, priorityFor(20, true), priorityFor(600, true))

	// urgency saturates once the auction is within 200s of close
	assert.Equal(t, priorityFor(200, true), priorityFor(10, true))

	assert.Equal(t, 100, priorityFor(600, true))
	assert.Equal(t, 50, priorityFor(600, false))
	assert.Equal(t, -50, priorityFor(0, false))
}

func TestRateWindowCapsAndRolls(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w := rateWindow{limit: 10}

	for i := 0; i < 10; i++ {
		assert.True(t, w.allow(now), "request %d should pass", i+1)
	}
	assert.False(t, w.allow(now), "11th request in the window must be refused")
	assert.Equal(t, now.Add(time.Second), w.resetAt())

	assert.True(t, w.allow(now.Add(time.Second)), "a new window admits again")
}

func TestClaimDueOrdersByUrgency(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)

	s.Add("far-winning", 600, true)
	s.Add("far-losing", 600, false)
	s.Add("endgame", 20, true)

	var order []string
	for {
		id, ok := s.claimDue(context.Background())
		if !ok {
			break
		}
		order = append(order, id)
		// keep the claimed item from being due again
		s.rearm(id, Outcome{TimeRemaining: 600, IsWinning: true}, nil)
	}
	assert.Equal(t, []string{"endgame", "far-losing", "far-winning"}, order)
}

func TestClaimDueDefersOverRateCap(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	cfg := testSchedulerConfig()
	cfg.MaxRequestsPerSecond = 2
	s := New(cfg, &captureSink{}, zaptest.NewLogger(t), Options{Clock: clock})

	s.Add("a", 600, true)
	s.Add("b", 600, true)
	s.Add("c", 600, true)

	claimed := make(map[string]bool)
	for {
		id, ok := s.claimDue(context.Background())
		if !ok {
			break
		}
		claimed[id] = true
		s.rearm(id, Outcome{TimeRemaining: 600, IsWinning: true}, nil)
	}
	assert.Len(t, claimed, 2)
	assert.Equal(t, int64(1), s.Status().Deferred)
	assert.Equal(t, 3, s.Len(), "deferred items stay queued")

	// the deferred item becomes due when the window rolls
	clock.Advance(time.Second)
	id, ok := s.claimDue(context.Background())
	require.True(t, ok)
	assert.False(t, claimed[id], "the deferred item is the one left behind")
}

func TestRearmAppliesIntervalTable(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)
	s.Add("a", 600, true)

	s.rearm("a", Outcome{TimeRemaining: 45, IsWinning: false}, nil)

	it := s.items["a"]
	assert.Equal(t, 3*time.Second, it.interval)
	assert.Equal(t, clock.Now().Add(3*time.Second), it.nextPoll)
	assert.Equal(t, -50, it.priority)
	assert.Zero(t, it.errors)
}

func TestRearmDoublesIntervalOnFailure(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)
	s.Add("a", 600, true)

	wantIntervals := []time.Duration{
		12 * time.Second,
		24 * time.Second,
		48 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, want := range wantIntervals {
		s.rearm("a", Outcome{}, apperrors.NewConnectionError("refused"))
		assert.Equal(t, want, s.items["a"].interval, "failure %d", i+1)
		assert.Equal(t, i+1, s.items["a"].errors)
	}

	s.rearm("a", Outcome{TimeRemaining: 600, IsWinning: true}, nil)
	assert.Equal(t, 6*time.Second, s.items["a"].interval)
	assert.Zero(t, s.items["a"].errors)
}

func TestRearmRelaxesWhileStreamHealthy(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)
	s.Add("a", 600, true)

	s.rearm("a", Outcome{TimeRemaining: 20, StreamHealthy: true}, nil)
	assert.Equal(t, 30*time.Second, s.items["a"].interval,
		"a healthy stream demotes polling to the safety net")

	s.rearm("a", Outcome{TimeRemaining: 20}, nil)
	assert.Equal(t, 2*time.Second, s.items["a"].interval)
}

func TestRearmRemovesEndedAuction(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)
	s.Add("a", 600, true)

	s.rearm("a", Outcome{Ended: true}, nil)
	assert.False(t, s.Contains("a"))
	assert.Zero(t, s.Len())
}

func TestAddReplacesExistingEntry(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)

	s.Add("a", 600, true)
	s.rearm("a", Outcome{}, apperrors.NewConnectionError("refused"))
	require.Equal(t, 1, s.items["a"].errors)

	s.Add("a", 20, false)
	assert.Equal(t, 1, s.Len(), "re-adding must not duplicate")
	assert.Zero(t, s.items["a"].errors, "re-adding resets the error streak")
	assert.Equal(t, clock.Now(), s.items["a"].nextPoll)
}

func TestRemoveUnknownIsANoop(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, &captureSink{}, clock)
	s.Remove("ghost")
	assert.Zero(t, s.Len())
}

func TestWorkerPollsAddedAuctions(t *testing.T) {
	sink := &captureSink{outcome: Outcome{TimeRemaining: 86400, IsWinning: true}}
	s := newTestScheduler(t, sink, auction.RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	s.Add("a", 86400, true)
	s.Add("b", 86400, true)
	s.Add("c", 86400, true)

	require.Eventually(t, func() bool { return sink.count() >= 3 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerDropsEndedAuction(t *testing.T) {
	sink := &captureSink{outcome: Outcome{Ended: true}}
	s := newTestScheduler(t, sink, auction.RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Add("a", 20, false)
	require.Eventually(t, func() bool { return s.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestLegacyIntervals(t *testing.T) {
	l := NewLegacy(testSchedulerConfig(), &captureSink{}, zaptest.NewLogger(t))
	assert.Equal(t, 2*time.Second, l.intervalFor(30))
	assert.Equal(t, 2*time.Second, l.intervalFor(0))
	assert.Equal(t, 6*time.Second, l.intervalFor(31))
}

func TestLegacyPollsOnItsTimer(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.DefaultInterval = 20 * time.Millisecond
	sink := &captureSink{outcome: Outcome{TimeRemaining: 86400}}
	l := NewLegacy(cfg, sink, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Add("a", 86400, false)
	require.Eventually(t, func() bool { return sink.count() >= 2 },
		2*time.Second, 5*time.Millisecond)

	l.Remove("a")
	assert.False(t, l.Contains("a"))
	l.Stop()

	settled := sink.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, sink.count(), "removed auction must not poll again")
}

func TestLegacyReparentsTimersArmedBeforeStart(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.DefaultInterval = 10 * time.Millisecond
	sink := &captureSink{outcome: Outcome{TimeRemaining: 86400}}
	l := NewLegacy(cfg, sink, zaptest.NewLogger(t))

	l.Add("a", 86400, false)

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	require.Eventually(t, func() bool { return sink.count() >= 1 },
		2*time.Second, 5*time.Millisecond)

	// cancelling the run context must reach the pre-Start timer
	cancel()
	l.wg.Wait()

	settled := sink.count()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, settled, sink.count())
}

func TestLegacyClearsTimerWhenAuctionEnds(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.DefaultInterval = 10 * time.Millisecond
	sink := &captureSink{outcome: Outcome{Ended: true}}
	l := NewLegacy(cfg, sink, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Add("a", 86400, false)
	require.Eventually(t, func() bool { return !l.Contains("a") },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.count())
}
