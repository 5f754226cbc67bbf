package flags

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

// Flag names. These double as environment variable names: an exported
// AMB-less variable with the exact flag name pins the flag and wins
// over the store and the default.
const (
	UseStream         = "USE_STREAM"
	UsePollingQueue   = "USE_POLLING_QUEUE"
	UseCircuitBreaker = "USE_CIRCUIT_BREAKER"
)

// Store is the slice of the state store the registry persists to.
type Store interface {
	GetFlag(ctx context.Context, name string) (value, ok bool)
	SetFlag(ctx context.Context, name string, value bool) error
}

type flag struct {
	value  atomic.Bool
	def    bool
	pinned bool // set from the environment; never refreshed
}

// Registry resolves named boolean toggles. Resolution order is
// environment, then store, then default. Reads are lock-free; a
// background refresher picks up out-of-process store toggles.
type Registry struct {
	store  Store
	logger *zap.Logger
	cfg    config.FlagsConfig
	flags  map[string]*flag
}

func NewRegistry(store Store, cfg config.FlagsConfig, logger *zap.Logger) *Registry {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}

	r := &Registry{
		store:  store,
		logger: logger,
		cfg:    cfg,
		flags:  make(map[string]*flag),
	}
	r.register(UseStream, true)
	r.register(UsePollingQueue, true)
	r.register(UseCircuitBreaker, true)
	return r
}

func (r *Registry) register(name string, def bool) {
	f := &flag{def: def}
	f.value.Store(def)
	if raw, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			f.value.Store(parsed)
			f.pinned = true
			r.logger.Info("feature flag pinned by environment",
				zap.String("flag", name),
				zap.Bool("value", parsed))
		} else {
			r.logger.Warn("ignoring unparseable flag environment variable",
				zap.String("flag", name),
				zap.String("value", raw))
		}
	}
	r.flags[name] = f
}

// Resolve loads store-persisted values for every flag the environment
// did not pin. Called once at startup, before components read flags.
func (r *Registry) Resolve(ctx context.Context) {
	for name, f := range r.flags {
		if f.pinned {
			continue
		}
		if value, ok := r.store.GetFlag(ctx, name); ok {
			f.value.Store(value)
		}
	}
}

// Start launches the background refresher so toggles flipped directly
// in the store take effect without a restart.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

func (r *Registry) refresh(ctx context.Context) {
	for name, f := range r.flags {
		if f.pinned {
			continue
		}
		value, ok := r.store.GetFlag(ctx, name)
		if !ok {
			value = f.def
		}
		if f.value.Swap(value) != value {
			r.logger.Info("feature flag changed",
				zap.String("flag", name),
				zap.Bool("value", value))
		}
	}
}

// Enabled reports the flag's current value. Unknown names are false.
func (r *Registry) Enabled(name string) bool {
	if f, ok := r.flags[name]; ok {
		return f.value.Load()
	}
	return false
}

// Set flips a flag at runtime and persists it. Environment-pinned
// flags cannot be overridden.
func (r *Registry) Set(ctx context.Context, name string, value bool) bool {
	f, ok := r.flags[name]
	if !ok || f.pinned {
		return false
	}
	if err := r.store.SetFlag(ctx, name, value); err != nil {
		r.logger.Warn("persisting feature flag failed",
			zap.String("flag", name),
			zap.Error(err))
	}
	f.value.Store(value)
	r.logger.Info("feature flag set",
		zap.String("flag", name),
		zap.Bool("value", value))
	return true
}

// All reports every flag's current value for the ops surface.
func (r *Registry) All() map[string]bool {
	out := make(map[string]bool, len(r.flags))
	for name, f := range r.flags {
		out[name] = f.value.Load()
	}
	return out
}
