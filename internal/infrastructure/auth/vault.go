package auth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/store"
)

// Store is the slice of the state store the vault persists through.
// The store owns encryption; the vault only ever sees plaintext.
type Store interface {
	SaveCookies(ctx context.Context, blob string) error
	GetCookies(ctx context.Context) (string, error)
	RemoveCookies(ctx context.Context) error
}

// Publisher lets the vault demand a fresh login from subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev events.Envelope)
}

// Metrics is the slice of the registry the vault feeds.
type Metrics interface {
	SetCookiePresent(present bool)
}

// Status is the coarse auth view the API layer gets.
type Status struct {
	Authenticated bool `json:"authenticated"`
	CookieCount   int  `json:"cookieCount"`
}

// Vault holds the upstream session cookie blob. The blob is swapped
// whole (copy-on-write), so hot-path readers always see a consistent
// value without locking.
type Vault struct {
	store     Store
	publisher Publisher
	metrics   Metrics
	logger    *zap.Logger

	blob atomic.Pointer[string]
}

func NewVault(st Store, publisher Publisher, metrics Metrics, logger *zap.Logger) *Vault {
	v := &Vault{
		store:     st,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
	empty := ""
	v.blob.Store(&empty)
	return v
}

// Recover loads persisted cookies on process start. A blob that fails
// decryption (secret rotation, tampering) clears the credentials and
// prompts subscribers for a fresh login.
func (v *Vault) Recover(ctx context.Context) {
	blob, err := v.store.GetCookies(ctx)
	if err != nil {
		if errors.Is(err, store.ErrCookieDecrypt) {
			v.clear()
			v.logger.Warn("persisted cookies unreadable, login required")
			v.demandLogin(ctx, "stored session could not be decrypted")
		}
		return
	}
	if blob == "" {
		v.clear()
		return
	}

	v.blob.Store(&blob)
	if v.metrics != nil {
		v.metrics.SetCookiePresent(true)
	}
	v.logger.Info("upstream session recovered from store",
		zap.Int("cookie_count", countCookies(blob)))
}

// SetCookies replaces the session. The empty blob logs the user out.
func (v *Vault) SetCookies(ctx context.Context, blob string) error {
	if blob == "" {
		v.clear()
		return v.store.RemoveCookies(ctx)
	}

	if err := v.store.SaveCookies(ctx, blob); err != nil {
		return err
	}
	v.blob.Store(&blob)
	if v.metrics != nil {
		v.metrics.SetCookiePresent(true)
	}
	v.logger.Info("upstream session updated",
		zap.Int("cookie_count", countCookies(blob)))
	return nil
}

// Cookies implements upstream.CookieSource.
func (v *Vault) Cookies() string {
	return *v.blob.Load()
}

// Status reports whether a session is loaded and how many cookie pairs
// it carries.
func (v *Vault) Status() Status {
	blob := v.Cookies()
	return Status{
		Authenticated: blob != "",
		CookieCount:   countCookies(blob),
	}
}

// Invalidate drops the in-memory and persisted session, used when the
// upstream rejects it outright.
func (v *Vault) Invalidate(ctx context.Context, reason string) {
	v.clear()
	if err := v.store.RemoveCookies(ctx); err != nil {
		v.logger.Warn("removing persisted cookies failed", zap.Error(err))
	}
	v.demandLogin(ctx, reason)
}

func (v *Vault) clear() {
	empty := ""
	v.blob.Store(&empty)
	if v.metrics != nil {
		v.metrics.SetCookiePresent(false)
	}
}

func (v *Vault) demandLogin(ctx context.Context, reason string) {
	if v.publisher == nil {
		return
	}
	v.publisher.Publish(ctx, events.NewEnvelope(events.KindAuthRequired, "",
		events.AuthRequiredPayload{Reason: reason}, time.Now().UTC()))
}

func countCookies(blob string) int {
	if blob == "" {
		return 0
	}
	count := 0
	for _, part := range strings.Split(blob, ";") {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	return count
}
