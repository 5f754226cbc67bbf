package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

// ErrCookieDecrypt is returned when a persisted cookie blob fails
// authentication, typically after a secret change. The blob is cleared.
var ErrCookieDecrypt = errors.New("stored cookies failed decryption")

// MetricsRecorder is the slice of the metrics registry the store feeds.
type MetricsRecorder interface {
	RecordStoreError(ctx context.Context, op string)
	SetStoreFallback(active bool)
}

// SystemState is a small operational snapshot flushed periodically and
// on shutdown.
type SystemState struct {
	MonitoredCount int       `json:"monitoredCount"`
	ActiveAuctions []string  `json:"activeAuctions"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Stats reports store health for the ops surface.
type Stats struct {
	Healthy         bool `json:"healthy"`
	InFallback      bool `json:"inFallback"`
	MemoryItems     int  `json:"memoryItems"`
	MemoryHistories int  `json:"memoryHistories"`
}

// Store persists auction records, cookies, bid history, and settings.
// All operations are served by Redis while it is reachable and by a
// process-local map otherwise. Backend failures never propagate to
// callers: writes are absorbed, reads come back empty. Fallback writes
// are not replayed when Redis returns.
type Store struct {
	redis   Backend
	memory  *MemoryBackend
	sealer  *sealer
	logger  *zap.Logger
	clock   auction.Clock
	metrics MetricsRecorder

	inFallback        atomic.Bool
	reconnectInterval time.Duration
	pingTimeout       time.Duration
}

type Options struct {
	Redis   config.RedisConfig
	Secret  string
	Logger  *zap.Logger
	Clock   auction.Clock
	Metrics MetricsRecorder
}

func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Clock == nil {
		opts.Clock = auction.RealClock{}
	}

	sealer, err := newSealer(opts.Secret)
	if err != nil {
		return nil, err
	}

	s := &Store{
		memory:            NewMemoryBackend(opts.Clock),
		sealer:            sealer,
		logger:            opts.Logger,
		clock:             opts.Clock,
		metrics:           opts.Metrics,
		reconnectInterval: opts.Redis.ReconnectInterval,
		pingTimeout:       opts.Redis.DialTimeout,
	}
	if s.reconnectInterval <= 0 {
		s.reconnectInterval = 5 * time.Second
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = 5 * time.Second
	}

	if opts.Redis.Addr == "" {
		s.inFallback.Store(true)
		opts.Logger.Info("no redis address configured, using in-memory store only")
		return s, nil
	}

	backend, err := NewRedisBackend(opts.Redis, opts.Logger)
	if err != nil {
		return nil, err
	}
	s.redis = backend

	pingCtx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		s.enterFallback(context.Background(), "startup", err)
	} else {
		opts.Logger.Info("redis store initialized", zap.String("addr", opts.Redis.Addr))
	}

	return s, nil
}

// Start launches the background reconnect probe. It exits when ctx is
// canceled.
func (s *Store) Start(ctx context.Context) {
	if s.redis == nil {
		return
	}
	go s.reconnectLoop(ctx)
}

func (s *Store) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFallback.Load() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
			err := s.redis.Ping(pingCtx)
			cancel()
			if err != nil {
				continue
			}
			s.inFallback.Store(false)
			if s.metrics != nil {
				s.metrics.SetStoreFallback(false)
			}
			// Fallback contents are intentionally not replayed; writes
			// made during the outage are lost.
			s.logger.Info("redis restored, leaving in-memory fallback")
		}
	}
}

func (s *Store) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// IsHealthy reports whether the Redis backend is reachable. The store
// keeps serving callers from memory when it is not.
func (s *Store) IsHealthy() bool {
	return s.redis != nil && !s.inFallback.Load()
}

// InFallback reports whether operations are currently served from memory.
func (s *Store) InFallback() bool {
	return s.inFallback.Load()
}

func (s *Store) GetStats() Stats {
	items, histories := s.memory.Len()
	return Stats{
		Healthy:         s.IsHealthy(),
		InFallback:      s.InFallback(),
		MemoryItems:     items,
		MemoryHistories: histories,
	}
}

// SaveAuction overwrites the record and refreshes its retention window.
// Backend failures are absorbed.
func (s *Store) SaveAuction(ctx context.Context, record *auction.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling auction %s: %w", record.ID, err)
	}
	s.write(ctx, "save_auction", func(b Backend) error {
		return b.Set(ctx, KeyAuction(record.ID), data, AuctionTTL)
	})
	return nil
}

// GetAuction returns nil when the record is absent or the backend
// cannot be read.
func (s *Store) GetAuction(ctx context.Context, id string) (*auction.Record, error) {
	var data []byte
	err := s.do(ctx, "get_auction", func(b Backend) error {
		var readErr error
		data, readErr = b.Get(ctx, KeyAuction(id))
		return readErr
	})
	if err != nil {
		return nil, nil
	}

	var record auction.Record
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("dropping corrupt auction record",
			zap.String("auction_id", id),
			zap.Error(err))
		return nil, nil
	}
	return &record, nil
}

// GetAllAuctions loads every persisted record in a single pipelined
// round-trip.
func (s *Store) GetAllAuctions(ctx context.Context) ([]*auction.Record, error) {
	var blobs [][]byte
	err := s.do(ctx, "get_all_auctions", func(b Backend) error {
		keys, err := b.Keys(ctx, AuctionPrefix)
		if err != nil {
			return err
		}
		var readErr error
		blobs, readErr = b.GetMany(ctx, keys)
		return readErr
	})
	if err != nil {
		return nil, nil
	}

	records := make([]*auction.Record, 0, len(blobs))
	for _, blob := range blobs {
		if blob == nil {
			continue
		}
		var record auction.Record
		if err := json.Unmarshal(blob, &record); err != nil {
			s.logger.Warn("skipping corrupt auction record", zap.Error(err))
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

func (s *Store) RemoveAuction(ctx context.Context, id string) error {
	s.write(ctx, "remove_auction", func(b Backend) error {
		return b.Delete(ctx, KeyAuction(id))
	})
	return nil
}

// SaveCookies encrypts the blob before persisting it.
func (s *Store) SaveCookies(ctx context.Context, blob string) error {
	sealed, err := s.sealer.Seal([]byte(blob))
	if err != nil {
		return fmt.Errorf("sealing cookies: %w", err)
	}
	s.write(ctx, "save_cookies", func(b Backend) error {
		return b.Set(ctx, CookieKey, []byte(sealed), CookieTTL)
	})
	return nil
}

// GetCookies returns the decrypted blob, or "" when none are stored.
// A blob that fails authentication is deleted and reported as
// ErrCookieDecrypt so callers can demand a fresh login.
func (s *Store) GetCookies(ctx context.Context) (string, error) {
	var data []byte
	err := s.do(ctx, "get_cookies", func(b Backend) error {
		var readErr error
		data, readErr = b.Get(ctx, CookieKey)
		return readErr
	})
	if err != nil {
		return "", nil
	}

	plaintext, err := s.sealer.Open(string(data))
	if err != nil {
		s.logger.Warn("clearing undecryptable cookie blob", zap.Error(err))
		s.write(ctx, "clear_cookies", func(b Backend) error {
			return b.Delete(ctx, CookieKey)
		})
		return "", ErrCookieDecrypt
	}
	return string(plaintext), nil
}

func (s *Store) RemoveCookies(ctx context.Context) error {
	s.write(ctx, "remove_cookies", func(b Backend) error {
		return b.Delete(ctx, CookieKey)
	})
	return nil
}

// AppendBidHistory records one bid attempt, keeping the newest
// MaxHistoryEntries per auction.
func (s *Store) AppendBidHistory(ctx context.Context, id string, entry auction.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	s.write(ctx, "append_bid_history", func(b Backend) error {
		return b.AppendHistory(ctx, KeyBidHistory(id), entry.Timestamp.UnixMilli(), data, MaxHistoryEntries, HistoryTTL)
	})
	return nil
}

// GetBidHistory returns up to limit entries, newest first. The limit is
// clamped to MaxHistoryEntries.
func (s *Store) GetBidHistory(ctx context.Context, id string, limit int) ([]auction.HistoryEntry, error) {
	if limit <= 0 || limit > MaxHistoryEntries {
		limit = MaxHistoryEntries
	}

	var blobs [][]byte
	err := s.do(ctx, "get_bid_history", func(b Backend) error {
		var readErr error
		blobs, readErr = b.History(ctx, KeyBidHistory(id), limit)
		return readErr
	})
	if err != nil {
		return nil, nil
	}

	entries := make([]auction.HistoryEntry, 0, len(blobs))
	for _, blob := range blobs {
		var entry auction.HistoryEntry
		if err := json.Unmarshal(blob, &entry); err != nil {
			s.logger.Warn("skipping corrupt history entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) SaveSystemState(ctx context.Context, state SystemState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling system state: %w", err)
	}
	s.write(ctx, "save_system_state", func(b Backend) error {
		return b.Set(ctx, SystemStateKey, data, 0)
	})
	return nil
}

func (s *Store) GetSystemState(ctx context.Context) (*SystemState, error) {
	var data []byte
	err := s.do(ctx, "get_system_state", func(b Backend) error {
		var readErr error
		data, readErr = b.Get(ctx, SystemStateKey)
		return readErr
	})
	if err != nil {
		return nil, nil
	}

	var state SystemState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings auction.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	s.write(ctx, "save_settings", func(b Backend) error {
		return b.Set(ctx, SettingsKey, data, 0)
	})
	return nil
}

func (s *Store) GetSettings(ctx context.Context) (*auction.Settings, error) {
	var data []byte
	err := s.do(ctx, "get_settings", func(b Backend) error {
		var readErr error
		data, readErr = b.Get(ctx, SettingsKey)
		return readErr
	})
	if err != nil {
		return nil, nil
	}

	var settings auction.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, nil
	}
	return &settings, nil
}

// SetFlag persists a feature flag value.
func (s *Store) SetFlag(ctx context.Context, name string, value bool) error {
	s.write(ctx, "set_flag", func(b Backend) error {
		return b.Set(ctx, KeyFlag(name), []byte(strconv.FormatBool(value)), 0)
	})
	return nil
}

// GetFlag reads a persisted flag; ok is false when the flag is unset or
// unreadable.
func (s *Store) GetFlag(ctx context.Context, name string) (value, ok bool) {
	var data []byte
	err := s.do(ctx, "get_flag", func(b Backend) error {
		var readErr error
		data, readErr = b.Get(ctx, KeyFlag(name))
		return readErr
	})
	if err != nil {
		return false, false
	}

	parsed, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, false
	}
	return parsed, true
}

// do runs fn against the active backend. A Redis failure other than a
// key miss flips the store into fallback and re-runs fn against memory.
func (s *Store) do(ctx context.Context, op string, fn func(Backend) error) error {
	if s.redis != nil && !s.inFallback.Load() {
		err := fn(s.redis)
		if err == nil || IsNotFound(err) {
			return err
		}
		s.enterFallback(ctx, op, err)
	}
	return fn(s.memory)
}

// write is do for callers that absorb backend errors entirely.
func (s *Store) write(ctx context.Context, op string, fn func(Backend) error) {
	if err := s.do(ctx, op, fn); err != nil && !IsNotFound(err) {
		s.logger.Error("store write failed", zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) enterFallback(ctx context.Context, op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordStoreError(ctx, op)
	}
	if s.inFallback.CompareAndSwap(false, true) {
		s.logger.Warn("redis unavailable, switching to in-memory fallback",
			zap.String("op", op),
			zap.Error(err))
		if s.metrics != nil {
			s.metrics.SetStoreFallback(true)
		}
	}
}
