package auction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Record is the per-auction document owned by the monitor and persisted
// by the store. All mutation goes through the monitor's update pipeline.
type Record struct {
	ID        string   `json:"id"`
	ProductID int      `json:"productId"`
	Config    Config   `json:"config"`
	Metadata  Metadata `json:"metadata"`
	Status    Status   `json:"status"`

	// Last merged snapshot
	Data         Snapshot     `json:"data"`
	LastUpdate   time.Time    `json:"lastUpdate"`
	UpdateSource UpdateSource `json:"updateSource,omitempty"`

	// Transport state
	UseStream       bool `json:"useStream"`
	FallbackPolling bool `json:"fallbackPolling"`

	// Bidding state
	MaxBidReached bool `json:"maxBidReached"`
	AuthError     bool `json:"authError"`

	ConsecutivePollErrors int `json:"consecutivePollErrors"`

	CreatedAt time.Time `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Metadata carries display information supplied by the caller.
type Metadata struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Image string `json:"image,omitempty"`
}

// Snapshot is a normalized, transport-independent view of an auction's
// current upstream state. Monetary values are whole non-negative units.
type Snapshot struct {
	CurrentBid        int       `json:"currentBid"`
	NextBid           int       `json:"nextBid"`
	RetailPrice       int       `json:"retailPrice,omitempty"`
	BidCount          int       `json:"bidCount"`
	BidderCount       int       `json:"bidderCount,omitempty"`
	IsWinning         bool      `json:"isWinning"`
	IsWatching        bool      `json:"isWatching,omitempty"`
	IsClosed          bool      `json:"isClosed"`
	TimeRemaining     int       `json:"timeRemaining"`
	CloseTime         time.Time `json:"closeTime"`
	ExtensionInterval int       `json:"extensionInterval,omitempty"`
	Title             string    `json:"title,omitempty"`
	ObservedAt        time.Time `json:"observedAt"`
}

type Status int

const (
	StatusMonitoring Status = iota
	StatusEnded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusMonitoring:
		return "monitoring"
	case StatusEnded:
		return "ended"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status persists as its string form so stored records survive enum reordering.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v {
	case "monitoring":
		*s = StatusMonitoring
	case "ended":
		*s = StatusEnded
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("unknown auction status %q", v)
	}
	return nil
}

// UpdateSource identifies which transport produced the last merged snapshot.
type UpdateSource string

const (
	SourceStream UpdateSource = "stream"
	SourcePoll   UpdateSource = "poll"
)

// Merge rejection reasons; the monitor logs and counts these.
var (
	ErrStaleUpdate   = errors.New("snapshot older than last merged update")
	ErrBidRegression = errors.New("snapshot current bid regresses")
)

// NewRecord creates a monitoring record. The caller has already validated
// the config.
func NewRecord(id string, productID int, cfg Config, meta Metadata, now time.Time) *Record {
	return &Record{
		ID:        id,
		ProductID: productID,
		Config:    cfg,
		Metadata:  meta,
		Status:    StatusMonitoring,
		CreatedAt: now,
	}
}

// ApplySnapshot merges a snapshot into the record. Stale snapshots and
// current-bid regressions are rejected; the caller decides how to react.
func (r *Record) ApplySnapshot(s Snapshot, source UpdateSource) error {
	if !r.LastUpdate.IsZero() && s.ObservedAt.Before(r.LastUpdate) {
		return ErrStaleUpdate
	}
	if s.CurrentBid < r.Data.CurrentBid {
		return ErrBidRegression
	}

	// Partial payloads (stream deltas) must not wipe fields the upstream
	// only sends on full snapshots.
	if s.NextBid == 0 {
		s.NextBid = r.Data.NextBid
	}
	if s.CloseTime.IsZero() {
		s.CloseTime = r.Data.CloseTime
	}
	if s.ExtensionInterval == 0 {
		s.ExtensionInterval = r.Data.ExtensionInterval
	}
	if s.BidderCount == 0 {
		s.BidderCount = r.Data.BidderCount
	}
	if s.RetailPrice == 0 {
		s.RetailPrice = r.Data.RetailPrice
	}
	if s.Title == "" {
		s.Title = r.Data.Title
	}

	r.Data = s
	r.UpdateSource = source
	r.LastUpdate = s.ObservedAt
	return nil
}

// MarkEnded transitions the record to its terminal state.
func (r *Record) MarkEnded(now time.Time) {
	r.Status = StatusEnded
	ended := now
	r.EndedAt = &ended
}

// IsTerminal reports whether the record has left the monitoring state.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusEnded
}

// Closed reports whether the latest snapshot says the auction is over.
func (s Snapshot) Closed() bool {
	return s.IsClosed || (!s.CloseTime.IsZero() && s.TimeRemaining == 0)
}

var productIDPattern = regexp.MustCompile(`(\d+)/?$`)

// ProductIDFromURL extracts the numeric product identifier from an auction
// page URL, falling back to the auction id when it is numeric itself.
func ProductIDFromURL(url, auctionID string) (int, error) {
	if m := productIDPattern.FindStringSubmatch(url); m != nil {
		if id, err := strconv.Atoi(m[1]); err == nil {
			return id, nil
		}
	}
	if id, err := strconv.Atoi(auctionID); err == nil {
		return id, nil
	}
	return 0, fmt.Errorf("no numeric product id in %q", url)
}
