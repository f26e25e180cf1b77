// Package eventsbus implements the EventsBus: broadcast
// pub/sub keyed by WorkerId, with a bounded per-subscriber buffer. A
// subscriber that falls behind receives a Lagged marker instead of
// blocking the publisher — the same non-blocking-send-or-drop shape the
// teacher uses for its ChannelPartitionSink (internal/gossip in the
// teacher repo), generalized from a single dropped-counter to a
// resumable Lagged(n) signal, because completions are
// also durable in the oplog so a caller that misses one can always
// re-lookup instead of losing the result.
package eventsbus

import (
	"context"
	"sync"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// InvocationError is the error shape carried by a failed
// InvocationCompleted event ("Events").
type InvocationError struct {
	Kind    model.ErrorKind
	Message string
	Stderr  string
}

// InvocationResult is Ok(response) or Err(InvocationError), never both.
type InvocationResult struct {
	Response []byte
	Err      *InvocationError
}

// InvocationCompleted is published once per terminal entry appended for
// an invocation.
type InvocationCompleted struct {
	WorkerId       model.WorkerId
	IdempotencyKey model.IdempotencyKey
	Result         InvocationResult
}

// Envelope is what a Subscription receives: either a completed
// invocation or a Lagged marker reporting how many events this
// subscriber missed while its buffer was full.
type Envelope struct {
	Completed *InvocationCompleted
	Lagged    int // > 0 means this many events were dropped before this one
}

type subscriberState struct {
	ch     chan Envelope
	missed int
}

// Bus is a per-node broadcast bus, topic-keyed by WorkerId.
type Bus struct {
	mu          sync.Mutex
	capacity    int
	historySize int
	nextID      uint64
	subs        map[model.WorkerId]map[uint64]*subscriberState
	history     map[model.WorkerId][]InvocationCompleted
}

// New returns a Bus whose per-subscriber channel buffer holds capacity
// events ("limits.event_broadcast_capacity") and whose
// recent-history ring per worker holds historySize events (
// "limits.event_history_size"), for late subscribers that want a short
// backfill instead of only future events.
func New(capacity, historySize int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		capacity:    capacity,
		historySize: historySize,
		subs:        make(map[model.WorkerId]map[uint64]*subscriberState),
		history:     make(map[model.WorkerId][]InvocationCompleted),
	}
}

// Subscription is a live subscription to a single WorkerId's events.
type Subscription struct {
	id     uint64
	worker model.WorkerId
	bus    *Bus
	ch     chan Envelope
}

// Events returns the channel to receive envelopes on.
func (s *Subscription) Events() <-chan Envelope { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.bus.unsubscribe(s.worker, s.id) }

// Subscribe registers a new subscription for worker.
func (b *Bus) Subscribe(worker model.WorkerId) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	st := &subscriberState{ch: make(chan Envelope, b.capacity)}
	if b.subs[worker] == nil {
		b.subs[worker] = make(map[uint64]*subscriberState)
	}
	b.subs[worker][id] = st
	return &Subscription{id: id, worker: worker, bus: b, ch: st.ch}
}

func (b *Bus) unsubscribe(worker model.WorkerId, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[worker]; ok {
		if st, ok := set[id]; ok {
			close(st.ch)
			delete(set, id)
		}
		if len(set) == 0 {
			delete(b.subs, worker)
		}
	}
}

// Publish broadcasts completed to every current subscriber of its
// WorkerId. Never blocks: a subscriber whose buffer is full accumulates
// a lag count and receives a single Lagged envelope ahead of the next
// event it can actually accept.
func (b *Bus) Publish(completed InvocationCompleted) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := append(b.history[completed.WorkerId], completed)
	if b.historySize > 0 && len(hist) > b.historySize {
		hist = hist[len(hist)-b.historySize:]
	}
	b.history[completed.WorkerId] = hist

	for _, st := range b.subs[completed.WorkerId] {
		b.deliver(st, completed)
	}
}

func (b *Bus) deliver(st *subscriberState, completed InvocationCompleted) {
	if st.missed > 0 {
		select {
		case st.ch <- Envelope{Lagged: st.missed}:
			st.missed = 0
		default:
			st.missed++
			return
		}
	}
	select {
	case st.ch <- Envelope{Completed: &completed}:
	default:
		st.missed++
	}
}

// RecentHistory returns up to historySize most recent completions for
// worker, oldest first — used to serve log-stream-style readers that
// attach after the fact without missing what already happened.
func (b *Bus) RecentHistory(worker model.WorkerId) []InvocationCompleted {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := b.history[worker]
	out := make([]InvocationCompleted, len(hist))
	copy(out, hist)
	return out
}

// WaitFor blocks until an InvocationCompleted for key arrives on sub, ctx
// is canceled, or the subscription observes it missed events (in which
// case the caller should re-lookup the idempotency registry rather than
// keep waiting,).
func WaitFor(ctx context.Context, sub *Subscription, key model.IdempotencyKey) (InvocationCompleted, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return InvocationCompleted{}, false, ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return InvocationCompleted{}, false, nil
			}
			if env.Lagged > 0 {
				return InvocationCompleted{}, true, nil
			}
			if env.Completed != nil && env.Completed.IdempotencyKey == key {
				return *env.Completed, false, nil
			}
		}
	}
}
