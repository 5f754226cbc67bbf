package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/store"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/stream"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/auctiondeck/auction-monitor-backend/internal/service/monitor"
)

// Process-level gauges scraped at /metrics. The per-operation series
// live in the OTel registry; these sample component snapshots so a
// plain Prometheus scrape sees the shape of the system.
var (
	monitoredAuctions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "monitored_auctions",
			Help:      "Number of auctions currently monitored",
		},
	)

	endedPendingSweep = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "ended_pending_sweep",
			Help:      "Ended auctions retained until the retention sweep",
		},
	)

	pollQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "poll_queue_depth",
			Help:      "Auctions in the polling queue",
		},
	)

	pollsDeferred = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "polls_deferred_total",
			Help:      "Polls deferred by the global rate cap",
		},
	)

	streamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "stream_connections",
			Help:      "Live upstream event stream connections",
		},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	breakerFastFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "breaker_fast_failures_total",
			Help:      "Requests rejected without reaching the upstream",
		},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "event_subscribers",
			Help:      "Subscribers attached to the event bus",
		},
	)

	eventsLagged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "events_lagged_total",
			Help:      "Events dropped on saturated subscriber queues",
		},
	)

	storeFallback = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amb",
			Name:      "store_fallback",
			Help:      "1 while the state store serves from process memory",
		},
	)
)

type samplerDeps struct {
	svc     *monitor.Service
	sched   pollingScheduler
	streams *stream.Manager
	breaker *upstream.Breaker
	bus     *events.Bus
	store   *store.Store
}

// startSampler copies component snapshots into the Prometheus gauges
// every few seconds.
func startSampler(ctx context.Context, deps samplerDeps) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			sample(deps)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func sample(deps samplerDeps) {
	mem := deps.svc.GetMemoryStats()
	monitoredAuctions.Set(float64(mem.Monitoring))
	endedPendingSweep.Set(float64(mem.PendingSweep))

	schedStatus := deps.sched.Status()
	pollQueueDepth.Set(float64(schedStatus.Depth))
	pollsDeferred.Set(float64(schedStatus.Deferred))

	streamConnections.Set(float64(deps.streams.Status().Connections))

	breakerStats := deps.breaker.Stats()
	breakerState.Set(float64(breakerStateValue(breakerStats.State)))
	breakerFastFailures.Set(float64(breakerStats.FastFailures))

	busStats := deps.bus.Stats()
	eventSubscribers.Set(float64(busStats.Subscribers))
	eventsLagged.Set(float64(busStats.Lagged))

	if deps.store.InFallback() {
		storeFallback.Set(1)
	} else {
		storeFallback.Set(0)
	}
}

func breakerStateValue(s upstream.State) int {
	switch s {
	case upstream.StateOpen:
		return 2
	case upstream.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
