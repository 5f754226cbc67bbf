package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
	apperrors "github.com/auctiondeck/auction-monitor-backend/internal/domain/errors"
)

const maxBodySize = 1 << 20

// productPayload mirrors the site's product JSON. Stream deltas reuse
// the same shape but omit most fields.
type productPayload struct {
	ID                int        `json:"id"`
	Title             string     `json:"title"`
	CurrentPrice      flexNumber `json:"currentPrice"`
	RetailPrice       flexNumber `json:"retailPrice"`
	BidCount          int        `json:"bidCount"`
	BidderCount       int        `json:"bidderCount"`
	MarketStatus      string     `json:"marketStatus"`
	IsClosed          bool       `json:"isClosed"`
	CloseTime         closeTime  `json:"closeTime"`
	ExtensionInterval int        `json:"extensionInterval"`
	UserState         userState  `json:"userState"`
}

type userState struct {
	IsWinning  bool       `json:"isWinning"`
	IsWatching bool       `json:"isWatching"`
	NextBid    flexNumber `json:"nextBid"`
}

type closeTime struct {
	Value flexTime `json:"value"`
}

type productEnvelope struct {
	Product *productPayload `json:"product"`
}

// ParseSnapshot normalizes an upstream product payload, bare or wrapped
// in {"product": ...}, into a snapshot observed at now.
func ParseSnapshot(data []byte, now time.Time) (*auction.Snapshot, error) {
	var envelope productEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Product != nil {
		return snapshotFrom(envelope.Product, now)
	}

	var payload productPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperrors.NewUnknownError("malformed snapshot payload").WithCause(err)
	}
	return snapshotFrom(&payload, now)
}

func snapshotFrom(p *productPayload, now time.Time) (*auction.Snapshot, error) {
	currentBid, err := auction.ParseMoney(p.CurrentPrice.String())
	if err != nil {
		return nil, err
	}
	nextBid, err := auction.ParseMoney(p.UserState.NextBid.String())
	if err != nil {
		return nil, err
	}
	retail, err := auction.ParseMoney(p.RetailPrice.String())
	if err != nil {
		return nil, err
	}

	closeAt := p.CloseTime.Value.Time
	return &auction.Snapshot{
		CurrentBid:        currentBid,
		NextBid:           nextBid,
		RetailPrice:       retail,
		BidCount:          p.BidCount,
		BidderCount:       p.BidderCount,
		IsWinning:         p.UserState.IsWinning,
		IsWatching:        p.UserState.IsWatching,
		IsClosed:          p.IsClosed || strings.EqualFold(p.MarketStatus, "closed"),
		TimeRemaining:     remainingSeconds(closeAt, now),
		CloseTime:         closeAt,
		ExtensionInterval: p.ExtensionInterval,
		Title:             p.Title,
		ObservedAt:        now,
	}, nil
}

// remainingSeconds is max(0, floor((closeTime - now) in seconds)).
func remainingSeconds(closeAt, now time.Time) int {
	if closeAt.IsZero() {
		return 0
	}
	d := closeAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// flexTime accepts RFC3339 strings and epoch milliseconds, both of
// which the site emits for closeTime.value.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `""` {
		f.Time = time.Time{}
		return nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parsing close time %q: %w", s, err)
		}
		f.Time = t
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("parsing close time %s: %w", trimmed, err)
	}
	f.Time = time.UnixMilli(ms).UTC()
	return nil
}

// flexNumber accepts JSON numbers and quoted numbers.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "null" {
		s = ""
	}
	*n = flexNumber(s)
	return nil
}

func (n flexNumber) String() string { return string(n) }

// ExpandTemplate substitutes the {id} placeholder in a configured URL
// template.
func ExpandTemplate(template, id string) string {
	return strings.ReplaceAll(template, "{id}", id)
}
