package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerStats is the operator-facing view of the breaker.
type BreakerStats struct {
	Enabled              bool      `json:"enabled"`
	State                State     `json:"state"`
	TotalRequests        int64     `json:"totalRequests"`
	SuccessfulRequests   int64     `json:"successfulRequests"`
	FailedRequests       int64     `json:"failedRequests"`
	FastFailures         int64     `json:"fastFailures"`
	SuccessfulRecoveries int64     `json:"successfulRecoveries"`
	SuccessRate          float64   `json:"successRate"`
	LastFailureTime      time.Time `json:"lastFailureTime"`
	NextAttemptTime      time.Time `json:"nextAttemptTime"`
}

// BreakerMetrics is the slice of the metrics registry the breaker feeds.
type BreakerMetrics interface {
	SetBreakerState(n int64)
	RecordFastFailure(ctx context.Context)
}

// BreakerOptions carries the breaker's optional collaborators.
type BreakerOptions struct {
	// Enabled gates the breaker; nil means always on. When it reports
	// false the breaker is a pure pass-through and counts nothing.
	Enabled func() bool
	Metrics BreakerMetrics
	Clock   auction.Clock
}

// Breaker protects the upstream site from hammering during outages.
// Business outcomes (duplicate bid, bid too low, auction ended, outbid)
// prove the site answered and never count as failures.
type Breaker struct {
	next    Gateway
	cfg     config.BreakerConfig
	logger  *zap.Logger
	clock   auction.Clock
	enabled func() bool
	metrics BreakerMetrics

	mu             sync.Mutex
	state          State
	failures       int
	halfOpenStreak int
	lastFailureAt  time.Time
	nextAttemptAt  time.Time

	totalRequests        int64
	successfulRequests   int64
	failedRequests       int64
	fastFailures         int64
	successfulRecoveries int64
}

func NewBreaker(next Gateway, cfg config.BreakerConfig, logger *zap.Logger, opts BreakerOptions) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	if opts.Clock == nil {
		opts.Clock = auction.RealClock{}
	}

	b := &Breaker{
		next:    next,
		cfg:     cfg,
		logger:  logger,
		clock:   opts.Clock,
		enabled: opts.Enabled,
		metrics: opts.Metrics,
		state:   StateClosed,
	}
	if b.metrics != nil {
		b.metrics.SetBreakerState(stateGauge(StateClosed))
	}
	return b
}

func (b *Breaker) GetAuctionData(ctx context.Context, id string) (*auction.Snapshot, error) {
	if !b.isEnabled() {
		return b.next.GetAuctionData(ctx, id)
	}
	if err := b.allow(ctx); err != nil {
		return nil, err
	}

	snapshot, err := b.next.GetAuctionData(ctx, id)
	if err != nil && errors.Is(err, context.Canceled) {
		return snapshot, err
	}
	b.record(err == nil || !countsAsFailure(apperrors.GetCode(err)))
	return snapshot, err
}

func (b *Breaker) PlaceBid(ctx context.Context, productID, amount int) (*BidResult, error) {
	if !b.isEnabled() {
		return b.next.PlaceBid(ctx, productID, amount)
	}
	if err := b.allow(ctx); err != nil {
		return nil, err
	}

	result, err := b.next.PlaceBid(ctx, productID, amount)
	if err != nil {
		// Context cancellation carries no upstream verdict.
		return result, err
	}
	b.record(result.Success || !countsAsFailure(result.ErrorType))
	return result, nil
}

// Stats reports the breaker state and counters.
func (b *Breaker) Stats() BreakerStats {
	enabled := b.isEnabled()

	b.mu.Lock()
	defer b.mu.Unlock()

	var rate float64
	if b.totalRequests > 0 {
		rate = float64(b.successfulRequests) / float64(b.totalRequests) * 100
	}
	return BreakerStats{
		Enabled:              enabled,
		State:                b.state,
		TotalRequests:        b.totalRequests,
		SuccessfulRequests:   b.successfulRequests,
		FailedRequests:       b.failedRequests,
		FastFailures:         b.fastFailures,
		SuccessfulRecoveries: b.successfulRecoveries,
		SuccessRate:          rate,
		LastFailureTime:      b.lastFailureAt,
		NextAttemptTime:      b.nextAttemptAt,
	}
}

// ForceOpen trips the breaker manually.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip("forced open")
}

// ForceClose resets the breaker to closed.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenStreak = 0
	b.transition(StateClosed)
	b.logger.Info("circuit breaker force-closed")
}

// ResetMetrics zeroes the counters without touching the state machine.
func (b *Breaker) ResetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests = 0
	b.successfulRequests = 0
	b.failedRequests = 0
	b.fastFailures = 0
	b.successfulRecoveries = 0
}

func (b *Breaker) isEnabled() bool {
	return b.enabled == nil || b.enabled()
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock.Now().Before(b.nextAttemptAt) {
			b.fastFailures++
			if b.metrics != nil {
				b.metrics.RecordFastFailure(ctx)
			}
			return apperrors.NewCircuitOpenError(b.nextAttemptAt)
		}
		b.halfOpenStreak = 0
		b.transition(StateHalfOpen)
		b.logger.Info("circuit breaker half-open, probing upstream")
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	if success {
		b.successfulRequests++
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.halfOpenStreak++
			if b.halfOpenStreak >= b.cfg.HalfOpenSuccesses {
				b.failures = 0
				b.successfulRecoveries++
				b.transition(StateClosed)
				b.logger.Info("circuit breaker closed after recovery",
					zap.Int64("recoveries", b.successfulRecoveries))
			}
		}
		return
	}

	b.failedRequests++
	b.failures++
	b.lastFailureAt = b.clock.Now()

	switch b.state {
	case StateHalfOpen:
		b.trip("half-open probe failed")
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip("failure threshold reached")
		}
	}
}

// trip opens the circuit; callers hold b.mu.
func (b *Breaker) trip(reason string) {
	b.nextAttemptAt = b.clock.Now().Add(b.cfg.OpenTimeout)
	b.transition(StateOpen)
	b.logger.Warn("circuit breaker opened",
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
		zap.Time("next_attempt", b.nextAttemptAt))
}

func (b *Breaker) transition(next State) {
	b.state = next
	if b.metrics != nil {
		b.metrics.SetBreakerState(stateGauge(next))
	}
}

func stateGauge(s State) int64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

func countsAsFailure(code string) bool {
	switch code {
	case apperrors.CodeConnectionError,
		apperrors.CodeServerError,
		apperrors.CodeUnknownError,
		apperrors.CodeAuthenticationError:
		return true
	}
	return false
}
