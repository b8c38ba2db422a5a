// Package insights implements the channel-lifecycle event bus spec.md §6/§7
// describes: a typed, multi-consumer, non-blocking broadcast of
// ChannelsCreated / ChannelsReady / ChannelsSynced / ChannelsRetired /
// ChannelsClosed events. Shaped after the teacher's EngineEvent accumulate-
// and-emit pattern in the pack's go-nitro engine (CompletedObjectives /
// FailedObjectives / ReceivedVouchers collected per run-loop iteration and
// posted to a single toApi channel) but generalised to multiple independent
// subscribers, each with its own queue, so a slow consumer can never stall
// the channel manager that posts events.
package insights

import (
	"math/big"
	"sync"

	"github.com/graphprotocol/graph-payments/gpptypes"
)

// Kind identifies which event a Channel insight carries.
type Kind int

const (
	ChannelsCreated Kind = iota
	ChannelsReady
	ChannelsSynced
	ChannelsRetired
	ChannelsClosed
)

func (k Kind) String() string {
	switch k {
	case ChannelsCreated:
		return "ChannelsCreated"
	case ChannelsReady:
		return "ChannelsReady"
	case ChannelsSynced:
		return "ChannelsSynced"
	case ChannelsRetired:
		return "ChannelsRetired"
	case ChannelsClosed:
		return "ChannelsClosed"
	default:
		return "UnknownInsight"
	}
}

// Snapshot is the minimal channel projection an insight carries for
// created/ready/synced/closed events.
type Snapshot struct {
	ChannelID gpptypes.Destination
	ContextID gpptypes.Destination
	TurnNum   uint64
	Outcome   []byte
}

// Retirement is the per-allocation retirement report a ChannelsRetired
// insight carries.
type Retirement struct {
	ContextID  gpptypes.Destination
	Amount     *big.Int
	ChannelIDs []gpptypes.Destination
}

// Event is a single posted insight. Exactly one of Snapshots or Retirements
// is populated, matching the Kind.
type Event struct {
	Kind        Kind
	Snapshots   []Snapshot
	Retirements []Retirement
}

// outputQueueSize only bounds how many already-pumped events sit in a
// subscriber's output channel waiting to be read; it is not a cap on
// backlog. An unbounded subscriber queue (see subscriber below) sits in
// front of it, so a slow consumer never loses an event.
const outputQueueSize = 256

// subscriber decouples Post (producer, never blocks) from the consumer's
// read rate with an unbounded in-memory queue plus a pump goroutine, so
// Post is simultaneously non-blocking and genuinely at-least-once: nothing
// is ever dropped, only delayed behind a slow reader.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
}

func newSubscriber() *subscriber {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Event, outputQueueSize),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// post enqueues ev without ever blocking the caller.
func (s *subscriber) post(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued events into the buffered output channel in order,
// blocking only itself (never Post) when the consumer is behind. It is the
// sole writer to out, so it alone closes out once done fires.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	close(s.done)
}

// Bus is a non-blocking, at-least-once, in-order-per-subscriber broadcast
// of Events. The zero value is not usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// New creates an empty insights bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber and returns a channel of Events
// together with an Unsubscribe function. No event posted while subscribed
// is ever dropped, regardless of how far the consumer falls behind.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := newSubscriber()
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			existing.close()
		}
	}
	return sub.out, unsubscribe
}

// Post broadcasts ev to every current subscriber without blocking.
func (b *Bus) Post(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.post(ev)
	}
}

// Filtered returns a channel that only ever receives events of the given
// kind, the Go equivalent of spec.md's filtered projections
// (channelsCreated / Ready / Synced / Retired / Closed).
func (b *Bus) Filtered(kind Kind) (<-chan Event, func()) {
	src, unsubscribe := b.Subscribe()
	out := make(chan Event, outputQueueSize)

	go func() {
		defer close(out)
		for ev := range src {
			if ev.Kind == kind {
				out <- ev
			}
		}
	}()

	return out, unsubscribe
}
