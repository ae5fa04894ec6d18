// Copyright 2025 Webb Technologies
//
// In-process event bus
// Carries the typed progress events that the WebSocket API streams to
// clients. Publishing never blocks: the bus is the optimistic path only, and
// durability always lives in the store.

package events

import (
	"sync"
)

// Kind names an event stream a client can filter on.
type Kind string

const (
	KindLeavesStore     Kind = "leaves_store"
	KindTxQueue         Kind = "tx_queue"
	KindSignatureBridge Kind = "signature_bridge"
	KindSigningBackend  Kind = "signing_backend"
	KindPrivateTx       Kind = "private_tx"
	KindError           Kind = "error"
)

// Event is one typed bus message; Data marshals as the "event" field on the
// wire.
type Event struct {
	Kind Kind `json:"kind"`
	Data any  `json:"event"`
}

// Subscription receives events until Unsubscribe is called. A subscriber
// that falls behind its buffer loses events rather than stalling producers.
type Subscription struct {
	C  <-chan Event
	id int
	bus *Bus
	ch  chan Event
}

// Unsubscribe detaches and closes the channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // nil means all kinds
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. kinds narrows the stream; empty means
// everything.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	var filter map[Kind]bool
	if len(kinds) > 0 {
		filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = &subscriber{ch: ch, kinds: filter}
	return &Subscription{C: ch, id: id, bus: b, ch: ch}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is full; drop rather than stall the producer.
		}
	}
}
