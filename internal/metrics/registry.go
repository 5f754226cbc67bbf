package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all engine metrics
type Registry struct {
	meter metric.Meter

	// Monitor metrics
	UpdateCounter     metric.Int64Counter
	BidOutcomeCounter metric.Int64Counter
	BidDuration       metric.Float64Histogram
	ActiveAuctions    metric.Int64ObservableGauge

	// Scheduler metrics
	PollDuration  metric.Float64Histogram
	QueueDepth    metric.Int64ObservableGauge
	DeferredPolls metric.Int64Counter

	// Stream metrics
	StreamConnections metric.Int64ObservableGauge
	ReconnectCounter  metric.Int64Counter
	FallbackCounter   metric.Int64Counter

	// Upstream / breaker metrics
	BreakerState metric.Int64ObservableGauge
	FastFailures metric.Int64Counter

	// Infrastructure metrics
	EventsDropped metric.Int64Counter
	StoreErrors   metric.Int64Counter
	StoreFallback metric.Int64ObservableGauge
	CookiePresent metric.Int64ObservableGauge

	// State for observable metrics
	mu                sync.RWMutex
	activeAuctions    int64
	queueDepth        int64
	streamConnections int64
	breakerState      int64
	storeFallback     int64
	cookiePresent     int64
}

// NewRegistry creates a metrics registry bound to the global meter provider
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{
		meter: otel.Meter(meterName),
	}

	if err := r.initMonitorMetrics(); err != nil {
		return nil, err
	}
	if err := r.initSchedulerMetrics(); err != nil {
		return nil, err
	}
	if err := r.initStreamMetrics(); err != nil {
		return nil, err
	}
	if err := r.initInfraMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initMonitorMetrics() error {
	var err error

	r.UpdateCounter, err = r.meter.Int64Counter(
		"amb.monitor.updates_total",
		metric.WithDescription("Snapshot updates by source and merge result"),
	)
	if err != nil {
		return err
	}

	r.BidOutcomeCounter, err = r.meter.Int64Counter(
		"amb.monitor.bid_outcomes_total",
		metric.WithDescription("Bid attempts by outcome and strategy"),
	)
	if err != nil {
		return err
	}

	r.BidDuration, err = r.meter.Float64Histogram(
		"amb.monitor.bid_duration",
		metric.WithDescription("Bid placement round-trip in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000, 15000),
	)
	if err != nil {
		return err
	}

	r.ActiveAuctions, err = r.meter.Int64ObservableGauge(
		"amb.monitor.active_auctions",
		metric.WithDescription("Auctions currently monitored"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeAuctions)
			return nil
		}),
	)

	return err
}

func (r *Registry) initSchedulerMetrics() error {
	var err error

	r.PollDuration, err = r.meter.Float64Histogram(
		"amb.scheduler.poll_duration",
		metric.WithDescription("Poll round-trip in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return err
	}

	r.QueueDepth, err = r.meter.Int64ObservableGauge(
		"amb.scheduler.queue_depth",
		metric.WithDescription("Current depth of the polling queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.queueDepth)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.DeferredPolls, err = r.meter.Int64Counter(
		"amb.scheduler.deferred_total",
		metric.WithDescription("Polls deferred by the global rate cap"),
	)

	return err
}

func (r *Registry) initStreamMetrics() error {
	var err error

	r.StreamConnections, err = r.meter.Int64ObservableGauge(
		"amb.stream.connections",
		metric.WithDescription("Open event stream connections"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.streamConnections)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.ReconnectCounter, err = r.meter.Int64Counter(
		"amb.stream.reconnects_total",
		metric.WithDescription("Stream reconnect attempts"),
	)
	if err != nil {
		return err
	}

	r.FallbackCounter, err = r.meter.Int64Counter(
		"amb.stream.fallbacks_total",
		metric.WithDescription("Stream connections abandoned in favor of polling"),
	)

	return err
}

func (r *Registry) initInfraMetrics() error {
	var err error

	r.BreakerState, err = r.meter.Int64ObservableGauge(
		"amb.breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed 1=half-open 2=open)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.breakerState)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.FastFailures, err = r.meter.Int64Counter(
		"amb.breaker.fast_failures_total",
		metric.WithDescription("Calls rejected while the breaker was open"),
	)
	if err != nil {
		return err
	}

	r.EventsDropped, err = r.meter.Int64Counter(
		"amb.events.dropped_total",
		metric.WithDescription("Events dropped from lagging subscriber queues"),
	)
	if err != nil {
		return err
	}

	r.StoreErrors, err = r.meter.Int64Counter(
		"amb.store.errors_total",
		metric.WithDescription("Backend store errors by operation"),
	)
	if err != nil {
		return err
	}

	r.StoreFallback, err = r.meter.Int64ObservableGauge(
		"amb.store.fallback_active",
		metric.WithDescription("1 while the in-memory fallback store is active"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.storeFallback)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.CookiePresent, err = r.meter.Int64ObservableGauge(
		"amb.auth.cookie_present",
		metric.WithDescription("1 while upstream session cookies are loaded"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.cookiePresent)
			return nil
		}),
	)

	return err
}

// RecordUpdate counts one snapshot update attempt.
func (r *Registry) RecordUpdate(ctx context.Context, source, result string) {
	r.UpdateCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordBidOutcome counts one bid attempt and its latency.
func (r *Registry) RecordBidOutcome(ctx context.Context, outcome, strategy string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("strategy", strategy),
	)
	r.BidOutcomeCounter.Add(ctx, 1, attrs)
	r.BidDuration.Record(ctx, durationMs, attrs)
}

func (r *Registry) RecordPoll(ctx context.Context, durationMs float64) {
	r.PollDuration.Record(ctx, durationMs)
}

func (r *Registry) RecordDeferredPoll(ctx context.Context) {
	r.DeferredPolls.Add(ctx, 1)
}

func (r *Registry) RecordReconnect(ctx context.Context) {
	r.ReconnectCounter.Add(ctx, 1)
}

func (r *Registry) RecordStreamFallback(ctx context.Context) {
	r.FallbackCounter.Add(ctx, 1)
}

func (r *Registry) RecordFastFailure(ctx context.Context) {
	r.FastFailures.Add(ctx, 1)
}

func (r *Registry) RecordEventDropped(ctx context.Context) {
	r.EventsDropped.Add(ctx, 1)
}

func (r *Registry) RecordStoreError(ctx context.Context, op string) {
	r.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// Setters feed the observable gauges.
func (r *Registry) SetActiveAuctions(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeAuctions = n
}

func (r *Registry) SetQueueDepth(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepth = n
}

func (r *Registry) SetStreamConnections(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamConnections = n
}

func (r *Registry) SetBreakerState(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerState = n
}

func (r *Registry) SetStoreFallback(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeFallback = boolGauge(active)
}

func (r *Registry) SetCookiePresent(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cookiePresent = boolGauge(present)
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
