package events

import "time"

// Kind names an event on the wire.
type Kind string

const (
	KindAuctionState  Kind = "auctionState"
	KindBidPlaced     Kind = "bidPlaced"
	KindBidFailed     Kind = "bidFailed"
	KindOutbid        Kind = "outbid"
	KindAuctionEnded  Kind = "auctionEnded"
	KindMaxBidReached Kind = "maxBidReached"
	KindAuthRequired  Kind = "authRequired"
)

// Envelope is the frame every subscriber receives.
type Envelope struct {
	Type      Kind      `json:"type"`
	AuctionID string    `json:"auctionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func NewEnvelope(kind Kind, auctionID string, data any, at time.Time) Envelope {
	return Envelope{Type: kind, AuctionID: auctionID, Timestamp: at, Data: data}
}

// BidPlacedPayload rides on bidPlaced.
type BidPlacedPayload struct {
	Amount   int    `json:"amount"`
	Strategy string `json:"strategy"`
	Message  string `json:"message,omitempty"`
}

// BidFailedPayload rides on bidFailed.
type BidFailedPayload struct {
	Amount    int    `json:"amount"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable"`
}

// OutbidPayload rides on outbid.
type OutbidPayload struct {
	CurrentAmount  int `json:"currentAmount"`
	MinimumNextBid int `json:"minimumNextBid"`
}

// AuctionEndedPayload rides on auctionEnded.
type AuctionEndedPayload struct {
	FinalPrice int  `json:"finalPrice"`
	Won        bool `json:"won"`
}

// MaxBidReachedPayload rides on maxBidReached.
type MaxBidReachedPayload struct {
	MaxBid  int `json:"maxBid"`
	NextBid int `json:"nextBid"`
}

// AuthRequiredPayload rides on authRequired.
type AuthRequiredPayload struct {
	Reason string `json:"reason"`
}
