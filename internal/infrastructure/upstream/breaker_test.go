package upstream_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/upstream"
)

type stubGateway struct {
	getErr    error
	snapshot  *auction.Snapshot
	bidResult *upstream.BidResult
	bidErr    error
	getCalls  int
	bidCalls  int
}

func (s *stubGateway) GetAuctionData(ctx context.Context, id string) (*auction.Snapshot, error) {
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.snapshot != nil {
		return s.snapshot, nil
	}
	return &auction.Snapshot{CurrentBid: 10, NextBid: 15}, nil
}

func (s *stubGateway) PlaceBid(ctx context.Context, productID, amount int) (*upstream.BidResult, error) {
	s.bidCalls++
	if s.bidErr != nil {
		return nil, s.bidErr
	}
	if s.bidResult != nil {
		return s.bidResult, nil
	}
	return &upstream.BidResult{Success: true, Amount: amount}, nil
}

type spyBreakerMetrics struct {
	mu           sync.Mutex
	states       []int64
	fastFailures int
}

func (s *spyBreakerMetrics) SetBreakerState(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, n)
}

func (s *spyBreakerMetrics) RecordFastFailure(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fastFailures++
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:  5,
		OpenTimeout:       60 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

func newTestBreaker(t *testing.T, next upstream.Gateway, clock auction.Clock, opts upstream.BreakerOptions) *upstream.Breaker {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock
	}
	return upstream.NewBreaker(next, testBreakerConfig(), zaptest.NewLogger(t), opts)
}

func tripBreaker(t *testing.T, b *upstream.Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_, err := b.GetAuctionData(context.Background(), "57947099")
		require.Error(t, err)
	}
	require.Equal(t, upstream.StateOpen, b.Stats().State)
}

func TestBreakerOpensAfterFifthConsecutiveFailure(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{getErr: apperrors.NewConnectionError("dial tcp: connection refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	for i := 0; i < 4; i++ {
		_, err := b.GetAuctionData(context.Background(), "57947099")
		require.Error(t, err)
		assert.Equal(t, upstream.StateClosed, b.Stats().State, "call %d should not trip", i+1)
	}

	_, err := b.GetAuctionData(context.Background(), "57947099")
	require.Error(t, err)

	stats := b.Stats()
	assert.Equal(t, upstream.StateOpen, stats.State)
	assert.Equal(t, int64(5), stats.TotalRequests)
	assert.Equal(t, int64(5), stats.FailedRequests)
	assert.Equal(t, clock.Now().Add(60*time.Second), stats.NextAttemptTime)
	assert.Equal(t, clock.Now(), stats.LastFailureTime)
}

func TestBreakerFastFailsWhileOpen(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	spy := &spyBreakerMetrics{}
	gw := &stubGateway{getErr: apperrors.NewConnectionError("refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{Metrics: spy})
	tripBreaker(t, b)

	callsBefore := gw.getCalls
	_, err := b.GetAuctionData(context.Background(), "57947099")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCircuitOpen, apperrors.GetCode(err))
	assert.Equal(t, callsBefore, gw.getCalls, "open breaker must not reach upstream")

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.FastFailures)
	// fast failures are counted apart from passed-through requests
	assert.Equal(t, int64(5), stats.TotalRequests)
	assert.Equal(t, 1, spy.fastFailures)
}

func TestBreakerRecoveryAfterOpenTimeout(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{getErr: apperrors.NewConnectionError("refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})
	tripBreaker(t, b)

	gw.getErr = nil
	clock.Advance(60 * time.Second)

	_, err := b.GetAuctionData(context.Background(), "57947099")
	require.NoError(t, err)
	assert.Equal(t, upstream.StateHalfOpen, b.Stats().State, "one probe success is not enough")

	_, err = b.GetAuctionData(context.Background(), "57947099")
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, upstream.StateClosed, stats.State)
	assert.Equal(t, int64(1), stats.SuccessfulRecoveries)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{getErr: apperrors.NewConnectionError("refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})
	tripBreaker(t, b)

	clock.Advance(61 * time.Second)
	_, err := b.GetAuctionData(context.Background(), "57947099")
	require.Error(t, err)

	stats := b.Stats()
	assert.Equal(t, upstream.StateOpen, stats.State)
	assert.Equal(t, clock.Now().Add(60*time.Second), stats.NextAttemptTime)
}

func TestBreakerBusinessOutcomesDoNotTrip(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	rejections := []string{
		apperrors.CodeDuplicateBidAmount,
		apperrors.CodeBidTooLow,
		apperrors.CodeAuctionEnded,
		apperrors.CodeOutbid,
	}
	for _, code := range rejections {
		gw.bidResult = &upstream.BidResult{Success: false, ErrorType: code, Amount: 50}
		for i := 0; i < 6; i++ {
			_, err := b.PlaceBid(context.Background(), 1, 50)
			require.NoError(t, err)
		}
	}

	gw.getErr = apperrors.NewAuctionEndedError("auction no longer exists upstream")
	for i := 0; i < 6; i++ {
		_, err := b.GetAuctionData(context.Background(), "1")
		require.Error(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, upstream.StateClosed, stats.State)
	assert.Zero(t, stats.FailedRequests)
	assert.Equal(t, int64(30), stats.SuccessfulRequests)
}

func TestBreakerCountsFailedBidResults(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{bidResult: &upstream.BidResult{
		Success:   false,
		ErrorType: apperrors.CodeConnectionError,
		Retryable: true,
		Amount:    50,
	}}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	for i := 0; i < 5; i++ {
		_, err := b.PlaceBid(context.Background(), 1, 50)
		require.NoError(t, err)
	}
	assert.Equal(t, upstream.StateOpen, b.Stats().State)

	_, err := b.PlaceBid(context.Background(), 1, 50)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCircuitOpen, apperrors.GetCode(err))
	assert.Equal(t, 5, gw.bidCalls)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	fail := func(n int) {
		gw.getErr = apperrors.NewServerError("boom")
		for i := 0; i < n; i++ {
			_, err := b.GetAuctionData(context.Background(), "1")
			require.Error(t, err)
		}
	}
	succeed := func() {
		gw.getErr = nil
		_, err := b.GetAuctionData(context.Background(), "1")
		require.NoError(t, err)
	}

	fail(4)
	succeed()
	fail(4)
	assert.Equal(t, upstream.StateClosed, b.Stats().State)

	fail(1)
	assert.Equal(t, upstream.StateOpen, b.Stats().State)
}

func TestBreakerIgnoresCanceledCalls(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{getErr: fmt.Errorf("snapshot request: %w", context.Canceled)}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	for i := 0; i < 10; i++ {
		_, err := b.GetAuctionData(context.Background(), "1")
		require.Error(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, upstream.StateClosed, stats.State)
	assert.Zero(t, stats.TotalRequests)
}

func TestBreakerDisabledIsAPassThrough(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{getErr: apperrors.NewConnectionError("refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{
		Enabled: func() bool { return false },
	})

	for i := 0; i < 10; i++ {
		_, err := b.GetAuctionData(context.Background(), "1")
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeConnectionError, apperrors.GetCode(err))
	}

	stats := b.Stats()
	assert.False(t, stats.Enabled)
	assert.Equal(t, upstream.StateClosed, stats.State)
	assert.Zero(t, stats.TotalRequests)
	assert.Equal(t, 10, gw.getCalls)
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	b.ForceOpen()
	_, err := b.GetAuctionData(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCircuitOpen, apperrors.GetCode(err))
	assert.Zero(t, gw.getCalls)

	b.ForceClose()
	_, err = b.GetAuctionData(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.getCalls)
}

func TestBreakerResetMetricsKeepsState(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{getErr: apperrors.NewConnectionError("refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})
	tripBreaker(t, b)

	b.ResetMetrics()

	stats := b.Stats()
	assert.Equal(t, upstream.StateOpen, stats.State)
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.FailedRequests)
	assert.Zero(t, stats.FastFailures)
	assert.Zero(t, stats.SuccessfulRecoveries)
}

func TestBreakerSuccessRate(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{})

	for i := 0; i < 3; i++ {
		_, err := b.GetAuctionData(context.Background(), "1")
		require.NoError(t, err)
	}
	gw.getErr = apperrors.NewServerError("boom")
	_, err := b.GetAuctionData(context.Background(), "1")
	require.Error(t, err)

	assert.InDelta(t, 75.0, b.Stats().SuccessRate, 0.01)
}

func TestBreakerReportsStateGauge(t *testing.T) {
	clock := auction.NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	spy := &spyBreakerMetrics{}
	gw := &stubGateway{getErr: apperrors.NewConnectionError("refused")}
	b := newTestBreaker(t, gw, clock, upstream.BreakerOptions{Metrics: spy})

	tripBreaker(t, b)
	gw.getErr = nil
	clock.Advance(60 * time.Second)
	for i := 0; i < 2; i++ {
		_, err := b.GetAuctionData(context.Background(), "1")
		require.NoError(t, err)
	}

	// constructor closed, trip open, probe half-open, recovery closed
	assert.Equal(t, []int64{0, 2, 1, 0}, spy.states)
}
