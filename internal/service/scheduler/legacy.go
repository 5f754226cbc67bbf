package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

const endgameThreshold = 30

// Legacy drives polling with one timer goroutine per auction: the
// default interval until the endgame, then 2s. A shared limiter keeps
// the global request cap. The queue scheduler supersedes this mode;
// it stays selectable by feature flag.
type Legacy struct {
	cfg     config.SchedulerConfig
	sink    UpdateSink
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	base    context.Context
	entries map[string]*legacyEntry
	wg      sync.WaitGroup
}

type legacyEntry struct {
	cancel        context.CancelFunc
	timeRemaining int
}

func NewLegacy(cfg config.SchedulerConfig, sink UpdateSink, logger *zap.Logger) *Legacy {
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = 10
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 6 * time.Second
	}
	return &Legacy{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		base:    context.Background(),
		entries: make(map[string]*legacyEntry),
	}
}

// Start records the lifetime context all auction timers derive from.
// Timers armed before Start are restarted under the new context so
// cancelling it reaches every poller.
func (l *Legacy) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base = ctx
	for id, e := range l.entries {
		e.cancel()
		cctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		l.wg.Add(1)
		go l.runAuction(cctx, id, e.timeRemaining)
	}
}

// Add starts a timer for the auction. Re-adding restarts its timer.
// isWinning only matters to the queue scheduler's ordering.
func (l *Legacy) Add(id string, timeRemaining int, isWinning bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[id]; ok {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(l.base)
	l.entries[id] = &legacyEntry{cancel: cancel, timeRemaining: timeRemaining}

	l.wg.Add(1)
	go l.runAuction(ctx, id, timeRemaining)
}

// Remove clears the auction's timer. Unknown ids are ignored.
func (l *Legacy) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.cancel()
		delete(l.entries, id)
	}
}

func (l *Legacy) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

func (l *Legacy) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Legacy) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Mode: "legacy", Depth: len(l.entries)}
}

// Stop clears every timer and waits for the pollers to exit.
func (l *Legacy) Stop() {
	l.mu.Lock()
	for id, e := range l.entries {
		e.cancel()
		delete(l.entries, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Legacy) runAuction(ctx context.Context, id string, timeRemaining int) {
	defer l.wg.Done()

	timer := time.NewTimer(l.intervalFor(timeRemaining))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		outcome, err := l.sink.UpdateAuction(ctx, id)
		if err == nil && outcome.Ended {
			l.Remove(id)
			return
		}
		if err != nil {
			l.logger.Warn("poll failed",
				zap.String("auction_id", id),
				zap.Error(err))
			timer.Reset(l.cfg.DefaultInterval)
			continue
		}
		timer.Reset(l.intervalFor(outcome.TimeRemaining))
	}
}

func (l *Legacy) intervalFor(timeRemaining int) time.Duration {
	if timeRemaining <= endgameThreshold {
		return 2 * time.Second
	}
	return l.cfg.DefaultInterval
}
