// Package events provides the typed event bus binding the protocol core
// to off-chain indexers. Every externally observable state change (rewards
// publication, harvest, exit-queue entry, checkpoint, claim) is published
// here; the payload structs in types.go are the indexing contract.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of event published on the bus.
type Type string

// Protocol event types.
const (
	TypeRewardsUpdated      Type = "keeper.rewardsUpdated"
	TypeHarvested           Type = "keeper.harvested"
	TypeOracleAdded         Type = "keeper.oracleAdded"
	TypeOracleRemoved       Type = "keeper.oracleRemoved"
	TypeDeposited           Type = "vault.deposited"
	TypeRedeemed            Type = "vault.redeemed"
	TypeExitQueueEntered    Type = "vault.exitQueueEntered"
	TypeExitedAssetsClaimed Type = "vault.exitedAssetsClaimed"
	TypeCheckpointCreated   Type = "vault.checkpointCreated"
	TypeMevEscrowHarvested  Type = "escrow.harvested"
	TypeFeeRecipientUpdated Type = "vault.feeRecipientUpdated"
)

// Event is a message published on the bus.
type Event struct {
	Type      Type
	Data      interface{}
	Timestamp time.Time
}

// Subscription represents a subscription to one or more event types.
type Subscription struct {
	id     uint64
	types  map[Type]struct{}
	ch     chan Event
	bus    *Bus
	closed atomic.Bool
}

// Chan returns a read-only channel that receives events matching the
// subscription's event types.
func (s *Subscription) Chan() <-chan Event {
	return s.ch
}

// Unsubscribe removes this subscription from the bus and closes the
// underlying channel. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
}

// Bus is a publish/subscribe fan-out for protocol events. All methods
// are safe for concurrent use. Publishing never blocks: if a
// subscriber's channel is full the event is dropped for that
// subscriber, so a slow indexer cannot stall a state transition.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
}

// NewBus creates a Bus. bufferSize controls the channel buffer for each
// subscription; values below 1 are raised to 1 so non-blocking publish
// can always deliver to an idle subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates a subscription receiving events matching any of the
// given types. Subscribing to no types receives every event.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub := &Subscription{
			ch:    make(chan Event),
			types: make(map[Type]struct{}),
		}
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}

	b.nextID++
	typeSet := make(map[Type]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	sub := &Subscription{
		id:    b.nextID,
		types: typeSet,
		ch:    make(chan Event, b.bufferSize),
		bus:   b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber without
// blocking. Events are dropped per-subscriber when a channel is full.
func (b *Bus) Publish(eventType Type, data interface{}) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.closed.Load() {
			continue
		}
		if len(sub.types) > 0 {
			if _, ok := sub.types[eventType]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is saturated; drop.
		}
	}
}

// SubscriberCount returns the number of active subscriptions matching
// the given event type.
func (b *Bus) SubscriberCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if len(sub.types) == 0 {
			n++
			continue
		}
		if _, ok := sub.types[eventType]; ok {
			n++
		}
	}
	return n
}

// Close shuts down the bus, closing every subscription channel.
// Publishing on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}
