package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize is the per-subscriber high-water mark.
const DefaultQueueSize = 256

// Sink delivers marshaled envelopes to one subscriber. A Sink that
// returns an error is dropped from future delivery.
type Sink interface {
	Send(data []byte) error
}

// Metrics is the slice of the registry the bus feeds.
type Metrics interface {
	RecordEventDropped(ctx context.Context)
}

// Stats reports bus occupancy for the ops surface.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Lagged      int64 `json:"lagged"`
}

type subscriber struct {
	id    string
	sink  Sink
	queue chan []byte
	done  chan struct{}
	lag   atomic.Int64
}

// Bus fans events out to subscribers. Delivery is best-effort and
// ordered per subscriber; publishing never blocks the caller. When a
// subscriber's queue is full the oldest queued event gives way to the
// newest.
type Bus struct {
	logger  *zap.Logger
	metrics Metrics
	size    int

	mu        sync.Mutex
	subs      map[string]*subscriber
	byAuction map[string]map[string]struct{}
	all       map[string]struct{}
}

func NewBus(logger *zap.Logger, metrics Metrics) *Bus {
	return &Bus{
		logger:    logger,
		metrics:   metrics,
		size:      DefaultQueueSize,
		subs:      make(map[string]*subscriber),
		byAuction: make(map[string]map[string]struct{}),
		all:       make(map[string]struct{}),
	}
}

// Subscribe registers a sink and returns its subscriber id. With no
// auction ids the sink receives every event; otherwise only events for
// the named auctions plus the global ones.
func (b *Bus) Subscribe(sink Sink, auctionIDs ...string) string {
	sub := &subscriber{
		id:    uuid.NewString(),
		sink:  sink,
		queue: make(chan []byte, b.size),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	if len(auctionIDs) == 0 {
		b.all[sub.id] = struct{}{}
	} else {
		for _, id := range auctionIDs {
			b.watchLocked(sub.id, id)
		}
	}
	b.mu.Unlock()

	go b.pump(sub)
	return sub.id
}

// Unsubscribe removes the subscriber and stops its delivery goroutine.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
		delete(b.all, subID)
		for auctionID, set := range b.byAuction {
			delete(set, subID)
			if len(set) == 0 {
				delete(b.byAuction, auctionID)
			}
		}
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
	}
}

// Watch adds an auction to the subscriber's filter.
func (b *Bus) Watch(subID, auctionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[subID]; !ok {
		return
	}
	b.watchLocked(subID, auctionID)
}

// Unwatch removes an auction from the subscriber's filter.
func (b *Bus) Unwatch(subID, auctionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.byAuction[auctionID]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(b.byAuction, auctionID)
		}
	}
}

func (b *Bus) watchLocked(subID, auctionID string) {
	set, ok := b.byAuction[auctionID]
	if !ok {
		set = make(map[string]struct{})
		b.byAuction[auctionID] = set
	}
	set[subID] = struct{}{}
}

// Publish fans the envelope out. Events without an auction id (auth
// prompts) go to every subscriber.
func (b *Bus) Publish(ctx context.Context, ev Envelope) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("dropping unmarshalable event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.AuctionID == "" {
		for _, sub := range b.subs {
			b.enqueue(ctx, sub, data)
		}
		return
	}

	delivered := make(map[string]struct{})
	for subID := range b.byAuction[ev.AuctionID] {
		if sub, ok := b.subs[subID]; ok {
			b.enqueue(ctx, sub, data)
			delivered[subID] = struct{}{}
		}
	}
	for subID := range b.all {
		if _, done := delivered[subID]; done {
			continue
		}
		if sub, ok := b.subs[subID]; ok {
			b.enqueue(ctx, sub, data)
		}
	}
}

// enqueue never blocks: a full queue sheds its oldest event, never the
// newest, and the subscriber's lag counter records the loss.
func (b *Bus) enqueue(ctx context.Context, sub *subscriber, data []byte) {
	select {
	case sub.queue <- data:
		return
	default:
	}

	select {
	case <-sub.queue:
		sub.lag.Add(1)
		if b.metrics != nil {
			b.metrics.RecordEventDropped(ctx)
		}
	default:
	}
	select {
	case sub.queue <- data:
	default:
	}
}

func (b *Bus) pump(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.queue:
			if err := sub.sink.Send(data); err != nil {
				b.logger.Warn("dropping failed subscriber",
					zap.String("subscriber_id", sub.id),
					zap.Error(err))
				b.Unsubscribe(sub.id)
				return
			}
		}
	}
}

// Lag reports how many events a subscriber has shed.
func (b *Bus) Lag(subID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[subID]; ok {
		return sub.lag.Load()
	}
	return 0
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lagged int64
	for _, sub := range b.subs {
		lagged += sub.lag.Load()
	}
	return Stats{Subscribers: len(b.subs), Lagged: lagged}
}

// Close drops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscriber)
	b.byAuction = make(map[string]map[string]struct{})
	b.all = make(map[string]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}
