// Package queue implements the InvocationQueue: a FIFO of
// QueuedWorkerInvocation items consumed one at a time by the invocation
// loop. Worker.Invoke enqueues under the instance-slot lock (lock order
// instance->queue->results->status->update-state); the loop's Pop and
// PushFront, cancellation and reply-carrying items do not, so this
// package guards the queue's own slice with its own lock.
package queue

import (
	"sync"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// ItemKind discriminates QueuedWorkerInvocation.
type ItemKind uint8

const (
	ItemExternal ItemKind = iota
	ItemGetFileSystemNode
	ItemReadFile
	ItemAwaitReadyToProcessCommands
)

// Item is a single queued unit of work. Exactly one of the kind-specific
// fields is meaningful, matching the tagged-union style used for
// OplogEntry (internal/model.OplogEntry) elsewhere in this codebase.
type Item struct {
	Kind ItemKind

	// ItemExternal
	Invocation model.PendingWorkerInvocationRecord
	Canceled   bool

	// AlreadyInvoked marks an External item whose ExportedFunctionInvoked
	// oplog entry was already committed by a previous process (the worker
	// crashed or stopped between that entry and its terminator). The loop
	// must re-execute the call live but skip re-appending the invocation
	// entry it finds already in the log, keeping the invocation
	// exactly-once-across-crash.
	AlreadyInvoked bool

	// ItemGetFileSystemNode / ItemReadFile
	Path string

	// Reply is closed (or written to, for GetFileSystemNode and ReadFile) by the loop once the
	// item has been processed. Typed as any so this package doesn't need
	// to know the host-filesystem result shape.
	Reply chan any
}

// Queue is a FIFO of Items for a single worker.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	notify chan struct{} // buffered(1); signaled on Enqueue, for a parked loop to wake on
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends item to the back of the queue. Callers enqueueing an
// External invocation must append the PendingWorkerInvocation oplog entry
// first and only call Enqueue if that append succeeded —
// this package has no oplog access and can't enforce that ordering
// itself, so it's the caller's (internal/worker's) responsibility.
func (q *Queue) Enqueue(item *Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever an item is
// enqueued. The invocation loop selects on it while parked with an empty
// queue ( Live: "set waiting_for_command; recv()").
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// PushFront puts item back at the head of the queue, ahead of anything
// already waiting. Used when a loop restart (OOM ReacquirePermits) must
// resume the invocation it was in the middle of without losing its
// place in line.
func (q *Queue) PushFront(item *Item) {
	q.mu.Lock()
	q.items = append([]*Item{item}, q.items...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the front item, or (nil, false) if empty.
func (q *Queue) Pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Empty reports whether the queue currently has no items — used by
// stop_if_idle ("checks waiting_for_command && queue.empty()").
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the current queue depth, for the queue-depth metric.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CancelInvocation marks every still-queued External item whose key
// equals k as canceled. Items already popped by the loop are unaffected
// ("Items already picked up by the loop cannot be
// cancelled"). Returns the number of items marked.
func (q *Queue) CancelInvocation(k model.IdempotencyKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if item.Kind == ItemExternal && item.Invocation.IdempotencyKey == k && !item.Canceled {
			item.Canceled = true
			n++
		}
	}
	return n
}
