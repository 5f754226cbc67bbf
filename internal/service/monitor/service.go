package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/flags"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/store"
)

// tracked is one auction's in-memory registration. The record mutex
// serializes all record mutation; the bid mutex enforces the one
// in-flight bid per auction.
type tracked struct {
	mu     sync.Mutex
	record *auction.Record

	// pidKey is ProductID as a string, the key streams are opened under.
	pidKey string

	// removedAt is set on explicit removal; the record lingers until the
	// retention window passes so final events reach subscribers.
	removedAt time.Time

	bidMu sync.Mutex
}

// retire marks the tracked auction removed. Callers hold t.mu.
func (t *tracked) retiredLocked() bool {
	return !t.removedAt.IsZero()
}

// Service is the auction monitor: the single writer of every record
// and the orchestrator of polling, streaming, bidding, and fan-out.
type Service struct {
	cfg     config.MonitorConfig
	store   Store
	gateway Gateway
	flags   Flags
	auth    Auth
	bus     Publisher
	logger  *zap.Logger
	clock   auction.Clock
	metrics Metrics

	// Attached after construction; the scheduler and stream manager
	// call back through the sink interfaces, not into each other.
	sched   Schedule
	streams Streams

	mu        sync.RWMutex
	auctions  map[string]*tracked
	byProduct map[string]string

	settingsMu sync.RWMutex
	settings   auction.Settings

	// base is the lifetime context detached bid attempts run under.
	base context.Context
}

// Options carries the service's optional collaborators.
type Options struct {
	Clock   auction.Clock
	Metrics Metrics
}

func NewService(cfg config.MonitorConfig, st Store, gw Gateway, fl Flags, vault Auth, bus Publisher, logger *zap.Logger, opts Options) *Service {
	if cfg.Retention < 60*time.Second {
		cfg.Retention = 60 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = auction.RealClock{}
	}

	return &Service{
		cfg:       cfg,
		store:     st,
		gateway:   gw,
		flags:     fl,
		auth:      vault,
		bus:       bus,
		logger:    logger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		auctions:  make(map[string]*tracked),
		byProduct: make(map[string]string),
		settings:  settingsFromConfig(cfg),
		base:      context.Background(),
	}
}

// Attach wires the scheduler and stream manager once they exist; they
// are constructed after the service because they call back into it.
func (s *Service) Attach(sched Schedule, streams Streams) {
	s.sched = sched
	s.streams = streams
}

func settingsFromConfig(cfg config.MonitorConfig) auction.Settings {
	st := auction.DefaultSettings()
	if cfg.DefaultStrategy != "" {
		st.DefaultStrategy = auction.Strategy(cfg.DefaultStrategy)
	}
	if cfg.DefaultIncrement > 0 {
		st.DefaultIncrement = cfg.DefaultIncrement
	}
	if cfg.DefaultMaxBid > 0 {
		st.DefaultMaxBid = cfg.DefaultMaxBid
	}
	if cfg.SnipeTiming > 0 {
		st.SnipeTiming = cfg.SnipeTiming
	}
	if cfg.BidBuffer >= 0 {
		st.BidBuffer = cfg.BidBuffer
	}
	if cfg.RetryAttempts > 0 {
		st.RetryAttempts = cfg.RetryAttempts
	}
	return st
}

// Initialize loads persisted auctions and re-arms scheduling and
// streaming for the ones still live. Already-ended records are dropped.
func (s *Service) Initialize(ctx context.Context) error {
	if persisted, _ := s.store.GetSettings(ctx); persisted != nil {
		if err := persisted.Validate(); err == nil {
			s.settingsMu.Lock()
			s.settings = *persisted
			s.settingsMu.Unlock()
		}
	}

	records, _ := s.store.GetAllAuctions(ctx)
	restored := 0
	for _, rec := range records {
		if rec.IsTerminal() {
			_ = s.store.RemoveAuction(ctx, rec.ID)
			continue
		}
		t := &tracked{record: rec, pidKey: strconv.Itoa(rec.ProductID)}
		s.mu.Lock()
		s.auctions[rec.ID] = t
		s.byProduct[t.pidKey] = rec.ID
		s.mu.Unlock()

		s.sched.Add(rec.ID, rec.Data.TimeRemaining, rec.Data.IsWinning)
		if rec.UseStream && s.flags.Enabled(flags.UseStream) {
			s.streams.Connect(t.pidKey)
		}
		restored++
	}

	s.reportActive()
	s.logger.Info("monitor initialized",
		zap.Int("restored", restored),
		zap.Int("persisted", len(records)))
	return nil
}

// Start launches the retention janitor and the periodic state flush.
func (s *Service) Start(ctx context.Context) {
	s.base = ctx
	go s.janitor(ctx)
	go s.flushLoop(ctx)
}

// AddAuction begins monitoring an auction. Adding one that is already
// monitored is a no-op reporting added=false.
func (s *Service) AddAuction(ctx context.Context, id string, cfg *auction.Config, meta auction.Metadata) (bool, error) {
	if id == "" {
		return false, apperrors.NewValidationError("auction id is required")
	}

	bidCfg := s.Settings().DefaultConfig()
	if cfg != nil {
		bidCfg = *cfg
	}
	if bidCfg.Increment == 0 {
		bidCfg.Increment = s.Settings().DefaultIncrement
	}
	if err := bidCfg.Validate(); err != nil {
		return false, err
	}

	productID, err := auction.ProductIDFromURL(meta.URL, id)
	if err != nil {
		return false, apperrors.NewValidationError(
			fmt.Sprintf("cannot derive product id for auction %s", id)).WithCause(err)
	}

	rec := auction.NewRecord(id, productID, bidCfg, meta, s.clock.Now())
	rec.UseStream = s.flags.Enabled(flags.UseStream)
	t := &tracked{record: rec, pidKey: strconv.Itoa(productID)}

	s.mu.Lock()
	if existing, ok := s.auctions[id]; ok {
		existing.mu.Lock()
		live := !existing.record.IsTerminal() && !existing.retiredLocked()
		existing.mu.Unlock()
		if live {
			s.mu.Unlock()
			return false, nil
		}
		// A terminal record awaiting its retention sweep gives way to a
		// fresh registration.
		delete(s.byProduct, existing.pidKey)
	}
	s.auctions[id] = t
	s.byProduct[t.pidKey] = id
	s.mu.Unlock()

	_ = s.store.SaveAuction(ctx, rec)
	s.sched.Add(id, 0, false)
	if rec.UseStream {
		s.streams.Connect(t.pidKey)
	}

	s.reportActive()
	s.publish(ctx, events.KindAuctionState, id, s.snapshotRecord(t))
	s.logger.Info("auction added",
		zap.String("auction_id", id),
		zap.Int("product_id", productID),
		zap.String("strategy", string(bidCfg.Strategy)),
		zap.Int("max_bid", bidCfg.MaxBid))
	return true, nil
}

// RemoveAuction stops monitoring. The record lingers in memory for the
// retention window so subscribers see its final events. Removing an
// unknown or already-removed auction reports removed=false.
func (s *Service) RemoveAuction(ctx context.Context, id string) bool {
	s.mu.RLock()
	t, ok := s.auctions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	if t.retiredLocked() {
		t.mu.Unlock()
		return false
	}
	t.removedAt = s.clock.Now()
	t.mu.Unlock()

	s.sched.Remove(id)
	s.streams.Disconnect(t.pidKey)
	_ = s.store.RemoveAuction(ctx, id)

	s.reportActive()
	s.logger.Info("auction removed", zap.String("auction_id", id))
	return true
}

// UpdateAuctionConfig merges a partial config, validating the result
// before anything mutates. Raising maxBid clears the reached latch.
func (s *Service) UpdateAuctionConfig(ctx context.Context, id string, patch auction.ConfigPatch) (*auction.Config, error) {
	t := s.lookup(id)
	if t == nil {
		return nil, apperrors.NewNotMonitoredError(id)
	}

	t.mu.Lock()
	merged := t.record.Config.Merge(patch)
	if err := merged.Validate(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if merged.MaxBid > t.record.Config.MaxBid {
		t.record.MaxBidReached = false
	}
	t.record.Config = merged
	rec := *t.record
	t.mu.Unlock()

	_ = s.store.SaveAuction(ctx, &rec)
	s.publish(ctx, events.KindAuctionState, id, rec)
	s.logger.Info("auction config updated",
		zap.String("auction_id", id),
		zap.String("strategy", string(merged.Strategy)),
		zap.Int("max_bid", merged.MaxBid))
	return &merged, nil
}

// GetAuction returns a copy of the record, or nil when unknown.
func (s *Service) GetAuction(id string) *auction.Record {
	t := s.lookup(id)
	if t == nil {
		return nil
	}
	rec := s.snapshotRecord(t)
	return &rec
}

// GetMonitoredAuctions returns copies of every tracked record,
// terminal ones awaiting their sweep included.
func (s *Service) GetMonitoredAuctions() []*auction.Record {
	s.mu.RLock()
	ts := make([]*tracked, 0, len(s.auctions))
	for _, t := range s.auctions {
		ts = append(ts, t)
	}
	s.mu.RUnlock()

	out := make([]*auction.Record, 0, len(ts))
	for _, t := range ts {
		rec := s.snapshotRecord(t)
		out = append(out, &rec)
	}
	return out
}

// GetMonitoredCount reports how many auctions are actively monitored.
func (s *Service) GetMonitoredCount() int {
	return int(s.countActive())
}

func (s *Service) GetMemoryStats() MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := MemoryStats{Tracked: len(s.auctions)}
	for _, t := range s.auctions {
		t.mu.Lock()
		if t.record.IsTerminal() || t.retiredLocked() {
			stats.PendingSweep++
		} else {
			stats.Monitoring++
		}
		t.mu.Unlock()
	}
	return stats
}

// GetBidHistory returns the auction's recorded bid attempts, newest
// first.
func (s *Service) GetBidHistory(ctx context.Context, id string, limit int) ([]auction.HistoryEntry, error) {
	if s.lookup(id) == nil {
		return nil, apperrors.NewNotMonitoredError(id)
	}
	return s.store.GetBidHistory(ctx, id, limit)
}

// Settings returns the current global settings.
func (s *Service) Settings() auction.Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// SaveSettings validates, persists, and applies new global settings.
func (s *Service) SaveSettings(ctx context.Context, settings auction.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return err
	}
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
	s.logger.Info("settings updated",
		zap.Int("snipe_timing", settings.SnipeTiming),
		zap.Int("bid_buffer", settings.BidBuffer),
		zap.Int("retry_attempts", settings.RetryAttempts))
	return nil
}

// SetCookies installs a fresh upstream session and clears auth-error
// flags so bidding resumes on the next update cycle.
func (s *Service) SetCookies(ctx context.Context, blob string) error {
	if err := s.auth.SetCookies(ctx, blob); err != nil {
		return err
	}
	if blob == "" {
		return nil
	}

	for _, t := range s.trackedList() {
		t.mu.Lock()
		if t.record.AuthError {
			t.record.AuthError = false
			rec := *t.record
			t.mu.Unlock()
			_ = s.store.SaveAuction(ctx, &rec)
			continue
		}
		t.mu.Unlock()
	}
	return nil
}

func (s *Service) GetAuthStatus() auth.Status {
	return s.auth.Status()
}

// Shutdown stops the streams, flushes every record, and persists the
// system state. The scheduler stops with the lifetime context.
func (s *Service) Shutdown(ctx context.Context) {
	s.streams.Stop()

	for _, t := range s.trackedList() {
		rec := s.snapshotRecord(t)
		_ = s.store.SaveAuction(ctx, &rec)
	}
	s.flushSystemState(ctx)
	s.logger.Info("monitor shut down", zap.Int("tracked", len(s.trackedList())))
}

// janitor sweeps terminal and removed records once their retention
// window has passed.
func (s *Service) janitor(ctx context.Context) {
	interval := s.cfg.Retention / 4
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.Retention)

	s.mu.Lock()
	for id, t := range s.auctions {
		t.mu.Lock()
		expired := (!t.removedAt.IsZero() && t.removedAt.Before(cutoff)) ||
			(t.record.EndedAt != nil && t.record.EndedAt.Before(cutoff))
		t.mu.Unlock()
		if expired {
			delete(s.auctions, id)
			delete(s.byProduct, t.pidKey)
			s.logger.Debug("swept retained auction", zap.String("auction_id", id))
		}
	}
	s.mu.Unlock()

	s.reportActive()
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushSystemState(ctx)
		}
	}
}

func (s *Service) flushSystemState(ctx context.Context) {
	active := make([]string, 0)
	for _, t := range s.trackedList() {
		t.mu.Lock()
		if !t.record.IsTerminal() && !t.retiredLocked() {
			active = append(active, t.record.ID)
		}
		t.mu.Unlock()
	}
	_ = s.store.SaveSystemState(ctx, store.SystemState{
		MonitoredCount: len(active),
		ActiveAuctions: active,
		UpdatedAt:      s.clock.Now(),
	})
}

func (s *Service) lookup(id string) *tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auctions[id]
}

func (s *Service) lookupByProduct(pid string) *tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byProduct[pid]; ok {
		return s.auctions[id]
	}
	return nil
}

func (s *Service) trackedList() []*tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tracked, 0, len(s.auctions))
	for _, t := range s.auctions {
		out = append(out, t)
	}
	return out
}

func (s *Service) snapshotRecord(t *tracked) auction.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.record
}

func (s *Service) countActive() int64 {
	var n int64
	for _, t := range s.trackedList() {
		t.mu.Lock()
		if !t.record.IsTerminal() && !t.retiredLocked() {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (s *Service) reportActive() {
	if s.metrics != nil {
		s.metrics.SetActiveAuctions(s.countActive())
	}
}

func (s *Service) publish(ctx context.Context, kind events.Kind, auctionID string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.NewEnvelope(kind, auctionID, data, s.clock.Now().UTC()))
}
