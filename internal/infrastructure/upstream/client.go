package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

// CookieSource supplies the current session cookie blob on every request.
type CookieSource interface {
	Cookies() string
}

// Gateway is the upstream surface the monitor calls. Client implements
// it directly; Breaker wraps another Gateway.
type Gateway interface {
	// GetAuctionData fetches and normalizes one auction snapshot.
	GetAuctionData(ctx context.Context, id string) (*auction.Snapshot, error)

	// PlaceBid submits a bid. The result always carries the outcome
	// taxonomy; the error return is reserved for context cancellation.
	PlaceBid(ctx context.Context, productID, amount int) (*BidResult, error)
}

// Client talks to the auction site over HTTP.
type Client struct {
	httpClient *http.Client
	cfg        config.UpstreamConfig
	cookies    CookieSource
	clock      auction.Clock
	logger     *zap.Logger
}

func NewClient(cfg config.UpstreamConfig, cookies CookieSource, logger *zap.Logger) *Client {
	return NewClientWithClock(cfg, cookies, logger, auction.RealClock{})
}

func NewClientWithClock(cfg config.UpstreamConfig, cookies CookieSource, logger *zap.Logger, clock auction.Clock) *Client {
	if clock == nil {
		clock = auction.RealClock{}
	}
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		cookies:    cookies,
		clock:      clock,
		logger:     logger,
	}
}

func (c *Client) GetAuctionData(ctx context.Context, id string) (*auction.Snapshot, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeoutOr(c.cfg.GetTimeout, 10*time.Second))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ExpandTemplate(c.cfg.ProductURL, id), nil)
	if err != nil {
		return nil, apperrors.NewUnknownError("building snapshot request").WithCause(err)
	}
	c.decorate(req, id)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.NewConnectionError("snapshot request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apperrors.NewConnectionError("reading snapshot response").WithCause(err)
	}

	if !isSuccessStatus(resp.StatusCode) {
		return nil, classifySnapshotStatus(resp.StatusCode, body)
	}

	snapshot, err := ParseSnapshot(body, c.clock.Now())
	if err != nil {
		return nil, err
	}

	c.logger.Debug("snapshot fetched",
		zap.String("auction_id", id),
		zap.Int("current_bid", snapshot.CurrentBid),
		zap.Int("time_remaining", snapshot.TimeRemaining))
	return snapshot, nil
}

type bidRequest struct {
	ProductID int `json:"productId"`
	Bid       int `json:"bid"`
}

func (c *Client) PlaceBid(ctx context.Context, productID, amount int) (*BidResult, error) {
	payload, err := json.Marshal(bidRequest{ProductID: productID, Bid: amount})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeoutOr(c.cfg.BidTimeout, 15*time.Second))
	defer cancel()

	idStr := strconv.Itoa(productID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ExpandTemplate(c.cfg.BidURL, idStr), bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewUnknownError("building bid request").WithCause(err)
	}
	c.decorate(req, idStr)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.logger.Warn("bid request failed",
			zap.Int("product_id", productID),
			zap.Int("amount", amount),
			zap.Error(err))
		return connectionFailure(amount, err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return connectionFailure(amount, err), nil
	}

	result := classifyBidResponse(resp.StatusCode, body, amount)
	if result.Success {
		c.logger.Info("bid accepted",
			zap.Int("product_id", productID),
			zap.Int("amount", amount))
	} else {
		c.logger.Info("bid rejected",
			zap.Int("product_id", productID),
			zap.Int("amount", amount),
			zap.String("error_type", result.ErrorType),
			zap.String("message", result.Message))
	}
	return result, nil
}

// decorate applies the session cookie, user agent, and product Referer
// the site requires.
func (c *Client) decorate(req *http.Request, productRef string) {
	if blob := c.cookies.Cookies(); blob != "" {
		req.Header.Set("Cookie", blob)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.RefererURL != "" {
		req.Header.Set("Referer", ExpandTemplate(c.cfg.RefererURL, productRef))
	}
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
