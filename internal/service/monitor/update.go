package monitor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/flags"
	"github.com/auctiondeck/auction-monitor-backend/internal/service/scheduler"
)

// UpdateAuction runs one poll cycle: fetch a snapshot through the
// gateway, merge it, react. It implements scheduler.UpdateSink.
func (s *Service) UpdateAuction(ctx context.Context, id string) (scheduler.Outcome, error) {
	t := s.lookup(id)
	if t == nil {
		return scheduler.Outcome{Ended: true}, nil
	}

	t.mu.Lock()
	done := t.record.IsTerminal() || t.retiredLocked()
	t.mu.Unlock()
	if done {
		return scheduler.Outcome{Ended: true}, nil
	}

	snapshot, err := s.gateway.GetAuctionData(ctx, id)
	if err != nil {
		return s.handlePollError(ctx, t, err)
	}

	outcome := s.applyUpdate(ctx, t, snapshot, auction.SourcePoll)
	if !outcome.Ended {
		outcome.StreamHealthy = s.streams.Connected(t.pidKey)
	}
	return outcome, nil
}

func (s *Service) handlePollError(ctx context.Context, t *tracked, err error) (scheduler.Outcome, error) {
	if errors.Is(err, context.Canceled) {
		return scheduler.Outcome{}, err
	}

	switch apperrors.GetCode(err) {
	case apperrors.CodeAuctionEnded:
		// The listing is gone upstream; never poll it again.
		s.concludeFromSignal(ctx, t, "listing removed upstream")
		return scheduler.Outcome{Ended: true}, nil

	case apperrors.CodeAuthenticationError:
		s.flagAuthError(ctx, t)
	}

	t.mu.Lock()
	t.record.ConsecutivePollErrors++
	errs := t.record.ConsecutivePollErrors
	id := t.record.ID
	t.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordUpdate(ctx, string(auction.SourcePoll), "error")
	}
	s.logger.Warn("auction update failed",
		zap.String("auction_id", id),
		zap.Int("consecutive_errors", errs),
		zap.Error(err))
	return scheduler.Outcome{}, err
}

// applyUpdate is the single merge point for both transports. It
// serializes on the record mutex, enforces monotonicity, persists,
// emits, and triggers the bidding decision.
func (s *Service) applyUpdate(ctx context.Context, t *tracked, snapshot *auction.Snapshot, source auction.UpdateSource) scheduler.Outcome {
	t.mu.Lock()
	rec := t.record
	if rec.IsTerminal() || t.retiredLocked() {
		t.mu.Unlock()
		return scheduler.Outcome{Ended: true}
	}

	hadData := !rec.LastUpdate.IsZero()
	wasWinning := rec.Data.IsWinning

	if err := rec.ApplySnapshot(*snapshot, source); err != nil {
		outcome := scheduler.Outcome{
			TimeRemaining: rec.Data.TimeRemaining,
			IsWinning:     rec.Data.IsWinning,
		}
		id := rec.ID
		t.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordUpdate(ctx, string(source), "rejected")
		}
		s.logger.Debug("snapshot rejected",
			zap.String("auction_id", id),
			zap.String("source", string(source)),
			zap.Error(err))
		return outcome
	}

	if source == auction.SourcePoll {
		rec.ConsecutivePollErrors = 0
	}

	closed := rec.Data.Closed()
	if closed {
		rec.MarkEnded(s.clock.Now())
	}
	snap := *rec
	t.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordUpdate(ctx, string(source), "merged")
	}
	_ = s.store.SaveAuction(ctx, &snap)

	if hadData && wasWinning && !snap.Data.IsWinning && !closed {
		s.publish(ctx, events.KindOutbid, snap.ID, events.OutbidPayload{
			CurrentAmount:  snap.Data.CurrentBid,
			MinimumNextBid: snap.Data.NextBid,
		})
	}
	s.publish(ctx, events.KindAuctionState, snap.ID, snap)

	if closed {
		s.conclude(ctx, t, snap)
		return scheduler.Outcome{Ended: true}
	}

	go s.executeAutoBid(s.base, t)

	return scheduler.Outcome{
		TimeRemaining: snap.Data.TimeRemaining,
		IsWinning:     snap.Data.IsWinning,
	}
}

// conclude finishes an auction that merged a closed snapshot: stop its
// transports and tell subscribers how it ended. The record stays in
// memory until the retention sweep.
func (s *Service) conclude(ctx context.Context, t *tracked, rec auction.Record) {
	s.sched.Remove(rec.ID)
	s.streams.Disconnect(t.pidKey)

	s.publish(ctx, events.KindAuctionEnded, rec.ID, events.AuctionEndedPayload{
		FinalPrice: rec.Data.CurrentBid,
		Won:        rec.Data.IsWinning,
	})
	s.reportActive()
	s.logger.Info("auction ended",
		zap.String("auction_id", rec.ID),
		zap.Int("final_price", rec.Data.CurrentBid),
		zap.Bool("won", rec.Data.IsWinning))
}

// concludeFromSignal ends an auction without a closing snapshot (gone
// listing, terminal stream event).
func (s *Service) concludeFromSignal(ctx context.Context, t *tracked, reason string) {
	t.mu.Lock()
	if t.record.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.record.Data.IsClosed = true
	t.record.Data.TimeRemaining = 0
	t.record.MarkEnded(s.clock.Now())
	rec := *t.record
	t.mu.Unlock()

	_ = s.store.SaveAuction(ctx, &rec)
	s.publish(ctx, events.KindAuctionState, rec.ID, rec)
	s.conclude(ctx, t, rec)
	s.logger.Info("auction concluded",
		zap.String("auction_id", rec.ID),
		zap.String("reason", reason))
}

// flagAuthError latches the record's auth flag and demands a login.
// The auction keeps monitoring; bidding resumes once SetCookies clears
// the flag.
func (s *Service) flagAuthError(ctx context.Context, t *tracked) {
	t.mu.Lock()
	if t.record.AuthError {
		t.mu.Unlock()
		return
	}
	t.record.AuthError = true
	rec := *t.record
	t.mu.Unlock()

	_ = s.store.SaveAuction(ctx, &rec)
	s.publish(ctx, events.KindAuthRequired, "", events.AuthRequiredPayload{
		Reason: "upstream rejected the session",
	})
	s.logger.Warn("authentication required", zap.String("auction_id", rec.ID))
}

// HandleStreamUpdate merges a pushed snapshot. Implements
// stream.EventSink.
func (s *Service) HandleStreamUpdate(ctx context.Context, productID string, snapshot *auction.Snapshot) {
	t := s.lookupByProduct(productID)
	if t == nil {
		return
	}
	s.applyUpdate(ctx, t, snapshot, auction.SourceStream)
}

// HandleStreamClosed reacts to the stream's terminal event.
func (s *Service) HandleStreamClosed(ctx context.Context, productID string) {
	t := s.lookupByProduct(productID)
	if t == nil {
		return
	}
	s.concludeFromSignal(ctx, t, "stream reported auction closed")
}

// HandleStreamFallback drops the auction to poll-only mode after the
// stream's reconnect budget is spent. Re-keying the scheduler entry
// returns it to the standard interval table immediately.
func (s *Service) HandleStreamFallback(ctx context.Context, productID string) {
	t := s.lookupByProduct(productID)
	if t == nil {
		return
	}

	t.mu.Lock()
	t.record.UseStream = false
	t.record.FallbackPolling = true
	rec := *t.record
	t.mu.Unlock()

	_ = s.store.SaveAuction(ctx, &rec)
	s.sched.Add(rec.ID, rec.Data.TimeRemaining, rec.Data.IsWinning)
	s.publish(ctx, events.KindAuctionState, rec.ID, rec)
	s.logger.Warn("stream abandoned, polling only",
		zap.String("auction_id", rec.ID),
		zap.String("product_id", productID))
}

// EnableStream re-opens the stream for an auction after a fallback.
func (s *Service) EnableStream(ctx context.Context, id string) error {
	t := s.lookup(id)
	if t == nil {
		return apperrors.NewNotMonitoredError(id)
	}
	if !s.flags.Enabled(flags.UseStream) {
		return apperrors.NewValidationError("streaming is disabled by feature flag")
	}

	t.mu.Lock()
	t.record.UseStream = true
	t.record.FallbackPolling = false
	rec := *t.record
	t.mu.Unlock()

	_ = s.store.SaveAuction(ctx, &rec)
	s.streams.Connect(t.pidKey)
	s.logger.Info("stream re-enabled", zap.String("auction_id", id))
	return nil
}
