package monitor

import (
	"context"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/events"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/store"
	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/upstream"
)

// Store is the slice of the state store the monitor uses.
type Store interface {
	SaveAuction(ctx context.Context, record *auction.Record) error
	GetAuction(ctx context.Context, id string) (*auction.Record, error)
	GetAllAuctions(ctx context.Context) ([]*auction.Record, error)
	RemoveAuction(ctx context.Context, id string) error
	AppendBidHistory(ctx context.Context, id string, entry auction.HistoryEntry) error
	GetBidHistory(ctx context.Context, id string, limit int) ([]auction.HistoryEntry, error)
	SaveSettings(ctx context.Context, settings auction.Settings) error
	GetSettings(ctx context.Context) (*auction.Settings, error)
	SaveSystemState(ctx context.Context, state store.SystemState) error
}

// Gateway reaches the auction site; in production it is the circuit
// breaker wrapping the HTTP client.
type Gateway interface {
	GetAuctionData(ctx context.Context, id string) (*auction.Snapshot, error)
	PlaceBid(ctx context.Context, productID, amount int) (*upstream.BidResult, error)
}

// Schedule arms and disarms polling for one auction. Implemented by
// both scheduler modes.
type Schedule interface {
	Add(id string, timeRemaining int, isWinning bool)
	Remove(id string)
}

// Streams manages per-auction event streams, keyed by the product id
// the stream URL is built from.
type Streams interface {
	Connect(productID string)
	Disconnect(productID string)
	Connected(productID string) bool
	Stop()
}

// Publisher fans events out to subscribers without blocking.
type Publisher interface {
	Publish(ctx context.Context, ev events.Envelope)
}

// Flags resolves runtime feature toggles.
type Flags interface {
	Enabled(name string) bool
}

// Auth holds the upstream session.
type Auth interface {
	SetCookies(ctx context.Context, blob string) error
	Cookies() string
	Status() auth.Status
}

// Metrics is the slice of the registry the monitor feeds.
type Metrics interface {
	RecordUpdate(ctx context.Context, source, result string)
	RecordBidOutcome(ctx context.Context, outcome, strategy string, durationMs float64)
	SetActiveAuctions(n int64)
}

// MemoryStats describes the monitor's in-memory registry for the ops
// surface.
type MemoryStats struct {
	Tracked      int `json:"tracked"`
	Monitoring   int `json:"monitoring"`
	PendingSweep int `json:"pendingSweep"`
}
