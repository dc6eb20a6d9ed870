// Package eventbus broadcasts modem-derived events to subscribers such as
// WebSocket clients and the webhook dispatcher (spec §4.5).
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Kind identifies the category of an Event.
type Kind string

// Event kinds, per spec §4.5.
const (
	KindIncomingSms          Kind = "incoming_sms"
	KindDeliveryReport       Kind = "delivery_report"
	KindOutgoingSmsCompleted Kind = "outgoing_sms_completed"
	KindOutgoingSmsFailed    Kind = "outgoing_sms_failed"
	KindSignalStrength       Kind = "signal_strength"
	KindNetworkRegistration  Kind = "network_registration"
	KindGnssFix              Kind = "gnss_fix"
	KindModemLinkState       Kind = "modem_link_state"
)

// Event is a single published occurrence, tagged with a monotonic ID
// assigned at publish time so subscribers observe a single linearized log.
type Event struct {
	ID      uint64
	Kind    Kind
	Payload any
}

// LagPolicy determines subscriber behaviour when its queue is full.
type LagPolicy int

const (
	// Drop discards the oldest queued event and increments Dropped (default).
	Drop LagPolicy = iota
	// Disconnect severs the subscriber.
	Disconnect
)

// DefaultQueueDepth is the default bounded per-subscriber queue size.
const DefaultQueueDepth = 256

// Bus is a broadcast channel with per-subscriber filtering and lag policy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	nextID      uint64
	queueDepth  int
}

// New creates a Bus whose subscribers default to a queueDepth-deep queue.
// A queueDepth of 0 selects DefaultQueueDepth.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
		queueDepth:  queueDepth,
	}
}

// Subscriber receives events from a Bus, subject to an optional Kind filter
// and a LagPolicy applied when its queue is full.
type Subscriber struct {
	C       <-chan Event
	c       chan Event
	bus     *Bus
	filter  map[Kind]bool
	policy  LagPolicy
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Subscribe attaches a new Subscriber to the bus, using the bus's own
// default queue depth. kinds, if non-empty, restricts delivery to those
// event kinds; an empty kinds set receives everything. Unknown kinds are
// simply never published, so filtering on them is harmless.
func (b *Bus) Subscribe(policy LagPolicy, kinds ...Kind) *Subscriber {
	return b.SubscribeDepth(0, policy, kinds...)
}

// SubscribeDepth attaches a new Subscriber with its own queue depth,
// overriding the bus's default (e.g. so a single webhook worker can carry
// a dedicated backlog instead of sharing the bus's general-purpose depth,
// spec §4.6). depth <= 0 selects the bus's own default.
func (b *Bus) SubscribeDepth(depth int, policy LagPolicy, kinds ...Kind) *Subscriber {
	if depth <= 0 {
		depth = b.queueDepth
	}
	c := make(chan Event, depth)
	var filter map[Kind]bool
	if len(kinds) > 0 {
		filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}
	s := &Subscriber{C: c, c: c, bus: b, filter: filter, policy: policy}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches the subscriber from the bus and closes its channel.
func (s *Subscriber) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
	s.mu.Lock()
	if !s.closed {
		close(s.c)
		s.closed = true
	}
	s.mu.Unlock()
}

// Dropped returns the number of events discarded for this subscriber under
// the Drop lag policy.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) accepts(k Kind) bool {
	if s.filter == nil {
		return true
	}
	return s.filter[k]
}

// Publish assigns the event a monotonic ID and delivers it to every
// subscriber whose filter accepts its kind. Publish never blocks: a full
// queue is handled per the subscriber's LagPolicy.
func (b *Bus) Publish(k Kind, payload any) Event {
	id := atomic.AddUint64(&b.nextID, 1)
	ev := Event{ID: id, Kind: k, Payload: payload}

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.accepts(k) {
			continue
		}
		s.deliver(ev)
	}
	return ev
}

func (s *Subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.c <- ev:
		return
	default:
	}
	switch s.policy {
	case Disconnect:
		close(s.c)
		s.closed = true
		go s.bus.remove(s)
	default: // Drop
		select {
		case <-s.c:
			s.dropped++
		default:
		}
		select {
		case s.c <- ev:
		default:
			s.dropped++
		}
	}
}

// remove detaches a subscriber that disconnected itself due to overflow.
// Its channel is already closed by deliver, so this only updates the
// subscriber set.
func (b *Bus) remove(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}
