package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

const (
	priorityBase    = 100
	losingPenalty   = 50
	urgencyCeiling  = 100
	urgencyHorizon  = 300
	maxPollInterval = 60 * time.Second
)

// Outcome is what one update cycle reports back for re-arming.
type Outcome struct {
	TimeRemaining int
	IsWinning     bool
	Ended         bool

	// StreamHealthy relaxes polling to the safety interval while the
	// auction's event stream is delivering.
	StreamHealthy bool
}

// UpdateSink runs one update cycle for an auction. The scheduler never
// touches auction state itself.
type UpdateSink interface {
	UpdateAuction(ctx context.Context, id string) (Outcome, error)
}

// Metrics is the slice of the registry the scheduler feeds.
type Metrics interface {
	RecordPoll(ctx context.Context, durationMs float64)
	RecordDeferredPoll(ctx context.Context)
	SetQueueDepth(n int64)
}

// ItemStatus describes one queued auction for the ops surface.
type ItemStatus struct {
	ID           string        `json:"id"`
	NextPoll     time.Time     `json:"nextPoll"`
	Priority     int           `json:"priority"`
	Interval     time.Duration `json:"interval"`
	PollErrors   int           `json:"pollErrors"`
	DueInSeconds float64       `json:"dueInSeconds"`
}

// Status is a point-in-time view of the queue.
type Status struct {
	Mode     string       `json:"mode"`
	Depth    int          `json:"depth"`
	Deferred int64        `json:"deferred"`
	Items    []ItemStatus `json:"items"`
}

// Options carries the scheduler's optional collaborators.
type Options struct {
	Clock   auction.Clock
	Metrics Metrics
}

// Scheduler drives polling from a single worker over a priority queue.
// A second-granularity counter enforces the global upstream request
// cap; items that would exceed it are deferred, never dropped.
type Scheduler struct {
	cfg     config.SchedulerConfig
	sink    UpdateSink
	logger  *zap.Logger
	clock   auction.Clock
	metrics Metrics

	mu       sync.Mutex
	queue    pollQueue
	items    map[string]*item
	window   rateWindow
	deferred int64

	wake chan struct{}
	done chan struct{}
}

func New(cfg config.SchedulerConfig, sink UpdateSink, logger *zap.Logger, opts Options) *Scheduler {
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = 10
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 6 * time.Second
	}
	if cfg.ErrorCap <= 0 {
		cfg.ErrorCap = maxPollInterval
	}
	if cfg.SafetyInterval < 30*time.Second {
		cfg.SafetyInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = auction.RealClock{}
	}

	return &Scheduler{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		items:   make(map[string]*item),
		window:  rateWindow{limit: cfg.MaxRequestsPerSecond},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. It returns immediately; the worker runs
// until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Done is closed once the worker has drained and exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Add schedules an auction for an immediate first poll. Adding an
// already-scheduled auction re-keys it in place.
func (s *Scheduler) Add(id string, timeRemaining int, isWinning bool) {
	s.mu.Lock()
	now := s.clock.Now()
	if it, ok := s.items[id]; ok {
		it.nextPoll = now
		it.priority = priorityFor(timeRemaining, isWinning)
		it.interval = s.intervalFor(timeRemaining)
		it.errors = 0
		heap.Fix(&s.queue, it.index)
	} else {
		it := &item{
			id:       id,
			nextPoll: now,
			priority: priorityFor(timeRemaining, isWinning),
			interval: s.intervalFor(timeRemaining),
		}
		heap.Push(&s.queue, it)
		s.items[id] = it
	}
	s.reportDepthLocked()
	s.mu.Unlock()
	s.kick()
}

// Remove drops an auction from the queue. Unknown ids are ignored.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		s.removeLocked(it)
	}
}

func (s *Scheduler) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Status reports the queue contents for the ops surface.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	items := make([]ItemStatus, 0, len(s.queue))
	for _, it := range s.queue {
		items = append(items, ItemStatus{
			ID:           it.id,
			NextPoll:     it.nextPoll,
			Priority:     it.priority,
			Interval:     it.interval,
			PollErrors:   it.errors,
			DueInSeconds: it.nextPoll.Sub(now).Seconds(),
		})
	}
	return Status{Mode: "queue", Depth: len(items), Deferred: s.deferred, Items: items}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer.C:
		}

		for {
			id, ok := s.claimDue(ctx)
			if !ok {
				break
			}
			s.poll(ctx, id)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// nextWait reports how long the worker should sleep before the next
// item is due. An empty queue parks until Add kicks the worker.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return time.Hour
	}
	wait := s.queue[0].nextPoll.Sub(s.clock.Now())
	if wait < 0 {
		return 0
	}
	return wait
}

// claimDue pops the next due auction, charging it against the rate
// window. Items over the cap are pushed to the start of the next
// window and counted as deferred.
func (s *Scheduler) claimDue(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.queue) == 0 {
			return "", false
		}
		now := s.clock.Now()
		top := s.queue[0]
		if top.nextPoll.After(now) {
			return "", false
		}

		if !s.window.allow(now) {
			top.nextPoll = s.window.resetAt()
			heap.Fix(&s.queue, top.index)
			s.deferred++
			if s.metrics != nil {
				s.metrics.RecordDeferredPoll(ctx)
			}
			s.logger.Debug("poll deferred by rate cap",
				zap.String("auction_id", top.id),
				zap.Time("next_poll", top.nextPoll))
			continue
		}
		return top.id, true
	}
}

func (s *Scheduler) poll(ctx context.Context, id string) {
	started := time.Now()
	outcome, err := s.sink.UpdateAuction(ctx, id)
	if s.metrics != nil {
		s.metrics.RecordPoll(ctx, float64(time.Since(started).Milliseconds()))
	}
	s.rearm(id, outcome, err)
}

// rearm re-keys the item after a poll: success resets the error streak
// and applies the interval table; failure doubles the interval up to
// the cap. Ended auctions leave the queue.
func (s *Scheduler) rearm(id string, outcome Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return
	}
	if err == nil && outcome.Ended {
		s.removeLocked(it)
		return
	}

	if err != nil {
		it.errors++
		it.interval *= 2
		if it.interval > s.cfg.ErrorCap {
			it.interval = s.cfg.ErrorCap
		}
		s.logger.Warn("poll failed, backing off",
			zap.String("auction_id", id),
			zap.Int("consecutive_errors", it.errors),
			zap.Duration("interval", it.interval),
			zap.Error(err))
	} else {
		it.errors = 0
		it.interval = s.intervalFor(outcome.TimeRemaining)
		if outcome.StreamHealthy && it.interval < s.cfg.SafetyInterval {
			it.interval = s.cfg.SafetyInterval
		}
		it.priority = priorityFor(outcome.TimeRemaining, outcome.IsWinning)
	}

	it.nextPoll = s.clock.Now().Add(it.interval)
	heap.Fix(&s.queue, it.index)
}

func (s *Scheduler) removeLocked(it *item) {
	heap.Remove(&s.queue, it.index)
	delete(s.items, it.id)
	s.reportDepthLocked()
}

func (s *Scheduler) reportDepthLocked() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(int64(len(s.items)))
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) intervalFor(timeRemaining int) time.Duration {
	return pollIntervalFor(timeRemaining, s.cfg.DefaultInterval)
}

// pollIntervalFor is the endgame interval table.
func pollIntervalFor(timeRemaining int, defaultInterval time.Duration) time.Duration {
	switch {
	case timeRemaining < 30:
		return 2 * time.Second
	case timeRemaining < 60:
		return 3 * time.Second
	case timeRemaining < 300:
		return 5 * time.Second
	case timeRemaining < 600:
		return 10 * time.Second
	default:
		return defaultInterval
	}
}

// priorityFor ranks urgency: losing auctions and auctions near close
// poll ahead of winning, not-soon ones. Lower is more urgent.
func priorityFor(timeRemaining int, isWinning bool) int {
	p := priorityBase
	if !isWinning {
		p -= losingPenalty
	}
	urgency := urgencyHorizon - timeRemaining
	if urgency < 0 {
		urgency = 0
	}
	if urgency > urgencyCeiling {
		urgency = urgencyCeiling
	}
	return p - urgency
}

// rateWindow is a second-granularity request counter.
type rateWindow struct {
	start time.Time
	count int
	limit int
}

// allow charges one request against the current window, rolling the
// window forward once a full second has elapsed.
func (w *rateWindow) allow(now time.Time) bool {
	if now.Sub(w.start) >= time.Second {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// resetAt is when the current window expires and deferred items become
// eligible again.
func (w *rateWindow) resetAt() time.Time {
	return w.start.Add(time.Second)
}
