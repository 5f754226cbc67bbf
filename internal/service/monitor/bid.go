package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/upstream"
)

const (
	bidRetryInitial = time.Second
	bidRetryCap     = 10 * time.Second
)

// bidPlan is the decision snapshot executeAutoBid computes under the
// record mutex and acts on outside it.
type bidPlan struct {
	id        string
	productID int
	amount    int
	strategy  auction.Strategy
}

// executeAutoBid runs the bidding decision for one auction after a
// merged update. At most one bid per auction is in flight; a second
// decision arriving while one runs is simply skipped, since the next
// update cycle re-evaluates from fresher state anyway.
func (s *Service) executeAutoBid(ctx context.Context, t *tracked) {
	settings := s.Settings()

	t.mu.Lock()
	rec := t.record
	if t.retiredLocked() || rec.IsTerminal() || rec.Data.IsClosed ||
		!rec.Config.Enabled || rec.Config.Strategy == auction.StrategyManual ||
		rec.Data.IsWinning || rec.MaxBidReached || rec.AuthError {
		t.mu.Unlock()
		return
	}

	increment := rec.Config.Increment
	if increment <= 0 {
		increment = settings.DefaultIncrement
	}
	amount := rec.Data.NextBid
	if fromIncrement := rec.Data.CurrentBid + increment; fromIncrement > amount {
		amount = fromIncrement
	}
	amount += settings.BidBuffer

	if amount > rec.Config.MaxBid {
		rec.MaxBidReached = true
		snap := *rec
		t.mu.Unlock()

		_ = s.store.SaveAuction(ctx, &snap)
		s.publish(ctx, events.KindMaxBidReached, snap.ID, events.MaxBidReachedPayload{
			MaxBid:  snap.Config.MaxBid,
			NextBid: snap.Data.NextBid,
		})
		s.logger.Info("max bid reached, holding",
			zap.String("auction_id", snap.ID),
			zap.Int("required", amount),
			zap.Int("max_bid", snap.Config.MaxBid))
		return
	}

	if rec.Config.Strategy == auction.StrategySniping && rec.Data.TimeRemaining > settings.SnipeTiming {
		t.mu.Unlock()
		return
	}

	plan := bidPlan{
		id:        rec.ID,
		productID: rec.ProductID,
		amount:    amount,
		strategy:  rec.Config.Strategy,
	}
	t.mu.Unlock()

	if err := auction.ValidateBidAmount(plan.amount); err != nil {
		s.logger.Error("refusing out-of-range bid",
			zap.String("auction_id", plan.id),
			zap.Int("amount", plan.amount),
			zap.Error(err))
		return
	}

	if !t.bidMu.TryLock() {
		return
	}
	defer t.bidMu.Unlock()

	s.placeBidWithRetry(ctx, t, plan, settings.RetryAttempts)
}

// placeBidWithRetry drives one bid attempt through the gateway,
// retrying transport-class failures on a 1s, 2s, 4s schedule capped at
// 10s. Business outcomes never retry here: OUTBID feeds the next
// update cycle, everything else is final. Callers hold the bid mutex.
func (s *Service) placeBidWithRetry(ctx context.Context, t *tracked, plan bidPlan, maxAttempts int) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = bidRetryInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = bidRetryCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		started := time.Now()
		result, err := s.gateway.PlaceBid(ctx, plan.productID, plan.amount)
		elapsed := float64(time.Since(started).Milliseconds())

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Fast failure from the open breaker, or a request that
			// never produced an upstream verdict.
			code := apperrors.GetCode(err)
			s.recordAttempt(ctx, plan, false, code, err.Error())
			if s.metrics != nil {
				s.metrics.RecordBidOutcome(ctx, code, string(plan.strategy), elapsed)
			}
			if apperrors.IsRetryable(err) && attempt < maxAttempts {
				if !s.sleepBackoff(ctx, bo.NextBackOff()) {
					return
				}
				continue
			}
			s.publish(ctx, events.KindBidFailed, plan.id, events.BidFailedPayload{
				Amount:    plan.amount,
				ErrorType: code,
				Message:   err.Error(),
				Retryable: apperrors.IsRetryable(err),
			})
			return
		}

		s.recordAttempt(ctx, plan, result.Success, result.ErrorType, result.Message)
		if s.metrics != nil {
			outcome := result.ErrorType
			if result.Success {
				outcome = "success"
			}
			s.metrics.RecordBidOutcome(ctx, outcome, string(plan.strategy), elapsed)
		}

		if result.Success {
			s.publish(ctx, events.KindBidPlaced, plan.id, events.BidPlacedPayload{
				Amount:   plan.amount,
				Strategy: string(plan.strategy),
				Message:  result.Message,
			})
			s.logger.Info("bid placed",
				zap.String("auction_id", plan.id),
				zap.Int("amount", plan.amount),
				zap.String("strategy", string(plan.strategy)))
			return
		}

		switch result.ErrorType {
		case apperrors.CodeOutbid:
			s.absorbOutbid(ctx, t, result)
			return

		case apperrors.CodeAuthenticationError:
			s.flagAuthError(ctx, t)
			return

		case apperrors.CodeConnectionError, apperrors.CodeServerError, apperrors.CodeUnknownError:
			if attempt < maxAttempts {
				if !s.sleepBackoff(ctx, bo.NextBackOff()) {
					return
				}
				continue
			}
			s.publishBidFailed(ctx, plan, result)
			return

		default:
			// DUPLICATE_BID_AMOUNT, BID_TOO_LOW, AUCTION_ENDED: final.
			s.publishBidFailed(ctx, plan, result)
			return
		}
	}
}

// absorbOutbid folds the standing state an OUTBID response reveals
// into the record, so the next update cycle can re-bid at the new
// minimum without waiting for a snapshot.
func (s *Service) absorbOutbid(ctx context.Context, t *tracked, result *upstream.BidResult) {
	t.mu.Lock()
	rec := t.record
	if result.CurrentAmount > rec.Data.CurrentBid {
		rec.Data.CurrentBid = result.CurrentAmount
	}
	if result.MinimumNextBid > rec.Data.NextBid {
		rec.Data.NextBid = result.MinimumNextBid
	}
	rec.Data.IsWinning = false
	snap := *rec
	t.mu.Unlock()

	_ = s.store.SaveAuction(ctx, &snap)
	s.publish(ctx, events.KindOutbid, snap.ID, events.OutbidPayload{
		CurrentAmount:  snap.Data.CurrentBid,
		MinimumNextBid: snap.Data.NextBid,
	})
	s.logger.Info("outbid by a standing maximum",
		zap.String("auction_id", snap.ID),
		zap.Int("current_bid", snap.Data.CurrentBid),
		zap.Int("next_bid", snap.Data.NextBid))
}

// PlaceBidNow places a one-off manual bid, bypassing the strategy but
// honoring the amount bounds, the configured maximum when there is
// one, and the single-flight rule.
func (s *Service) PlaceBidNow(ctx context.Context, id string, amount int) (*upstream.BidResult, error) {
	t := s.lookup(id)
	if t == nil {
		return nil, apperrors.NewNotMonitoredError(id)
	}
	if err := auction.ValidateBidAmount(amount); err != nil {
		return nil, err
	}

	t.mu.Lock()
	rec := t.record
	if rec.IsTerminal() || t.retiredLocked() {
		t.mu.Unlock()
		return nil, apperrors.NewAuctionEndedError("auction is no longer live")
	}
	if rec.Config.MaxBid > 0 && amount > rec.Config.MaxBid {
		maxBid := rec.Config.MaxBid
		t.mu.Unlock()
		return nil, apperrors.NewValidationError(
			"amount exceeds the configured maximum bid").WithDetails(map[string]interface{}{
			"amount": amount, "maxBid": maxBid,
		})
	}
	if rec.Data.NextBid > 0 && amount < rec.Data.NextBid {
		nextBid := rec.Data.NextBid
		t.mu.Unlock()
		return nil, apperrors.NewBidTooLowError(
			"amount is below the minimum acceptable next bid").WithDetails(map[string]interface{}{
			"amount": amount, "nextBid": nextBid,
		})
	}
	plan := bidPlan{
		id:        rec.ID,
		productID: rec.ProductID,
		amount:    amount,
		strategy:  auction.StrategyManual,
	}
	t.mu.Unlock()

	if !t.bidMu.TryLock() {
		return nil, apperrors.NewRateLimitError("a bid for this auction is already in flight")
	}
	defer t.bidMu.Unlock()

	started := time.Now()
	result, err := s.gateway.PlaceBid(ctx, plan.productID, plan.amount)
	elapsed := float64(time.Since(started).Milliseconds())
	if err != nil {
		return nil, err
	}

	s.recordAttempt(ctx, plan, result.Success, result.ErrorType, result.Message)
	if s.metrics != nil {
		outcome := result.ErrorType
		if result.Success {
			outcome = "success"
		}
		s.metrics.RecordBidOutcome(ctx, outcome, string(plan.strategy), elapsed)
	}

	switch {
	case result.Success:
		s.publish(ctx, events.KindBidPlaced, plan.id, events.BidPlacedPayload{
			Amount:   plan.amount,
			Strategy: string(plan.strategy),
			Message:  result.Message,
		})
	case result.ErrorType == apperrors.CodeOutbid:
		s.absorbOutbid(ctx, t, result)
	case result.ErrorType == apperrors.CodeAuthenticationError:
		s.flagAuthError(ctx, t)
	default:
		s.publishBidFailed(ctx, plan, result)
	}
	return result, nil
}

func (s *Service) recordAttempt(ctx context.Context, plan bidPlan, success bool, errorType, message string) {
	entry := auction.HistoryEntry{
		Timestamp: s.clock.Now(),
		Amount:    plan.amount,
		Success:   success,
		Strategy:  plan.strategy,
	}
	if !success {
		entry.Error = message
		entry.ErrorType = errorType
	}
	_ = s.store.AppendBidHistory(ctx, plan.id, entry)
}

func (s *Service) publishBidFailed(ctx context.Context, plan bidPlan, result *upstream.BidResult) {
	s.publish(ctx, events.KindBidFailed, plan.id, events.BidFailedPayload{
		Amount:    plan.amount,
		ErrorType: result.ErrorType,
		Message:   result.Message,
		Retryable: result.Retryable,
	})
	s.logger.Info("bid failed",
		zap.String("auction_id", plan.id),
		zap.Int("amount", plan.amount),
		zap.String("error_type", result.ErrorType))
}

// sleepBackoff waits out one retry delay; false means the context died
// first.
func (s *Service) sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
