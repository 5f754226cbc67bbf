package store

import (
	"context"
	"errors"
	"time"
)

// Key prefixes for consistent store key naming
const (
	AuctionPrefix    = "auction:"
	BidHistoryPrefix = "bid_history:"
	FlagPrefix       = "feature:"
	CookieKey        = "auth:cookies"
	SystemStateKey   = "system:state"
	SettingsKey      = "system:settings"
)

// Retention windows per record class
const (
	AuctionTTL = 1 * time.Hour
	CookieTTL  = 24 * time.Hour
	HistoryTTL = 7 * 24 * time.Hour
)

// MaxHistoryEntries caps the retained bid history per auction.
const MaxHistoryEntries = 100

// Backend is the raw keyspace a Store delegates to. Two implementations
// exist: Redis and the in-process fallback map.
type Backend interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value, refreshing its TTL; ttl <= 0 means no expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Keys lists all keys under a prefix
	Keys(ctx context.Context, prefix string) ([]string, error)

	// GetMany retrieves several keys in a single round-trip; missing
	// keys yield nil entries in the same positions
	GetMany(ctx context.Context, keys []string) ([][]byte, error)

	// AppendHistory adds one entry to a score-ordered sequence and
	// trims it to the newest keep entries
	AppendHistory(ctx context.Context, key string, score int64, value []byte, keep int, ttl time.Duration) error

	// History returns up to limit entries, newest first
	History(ctx context.Context, key string, limit int) ([][]byte, error)

	// Ping reports backend reachability
	Ping(ctx context.Context) error

	// Close releases backend resources
	Close() error
}

// ErrKeyNotFound is returned when a store key doesn't exist
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "store key not found: " + e.Key
}

// IsNotFound reports whether err is a key miss rather than a backend failure.
func IsNotFound(err error) bool {
	var notFound ErrKeyNotFound
	return errors.As(err, &notFound)
}

// KeyAuction builds the record key for one auction.
func KeyAuction(id string) string { return AuctionPrefix + id }

// KeyBidHistory builds the history key for one auction.
func KeyBidHistory(id string) string { return BidHistoryPrefix + id }

// KeyFlag builds the persistence key for a named feature flag.
func KeyFlag(name string) string { return FlagPrefix + name }
