package queue

import (
	"testing"
	"time"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

func TestEnqueuePopIsFIFO(t *testing.T) {
	q := New()
	first := &Item{Kind: ItemExternal, Invocation: model.PendingWorkerInvocationRecord{IdempotencyKey: "1"}}
	second := &Item{Kind: ItemExternal, Invocation: model.PendingWorkerInvocationRecord{IdempotencyKey: "2"}}
	q.Enqueue(first)
	q.Enqueue(second)

	got, ok := q.Pop()
	if !ok || got != first {
		t.Fatalf("expected first enqueued item to pop first")
	}
	got, ok = q.Pop()
	if !ok || got != second {
		t.Fatalf("expected second enqueued item to pop next")
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected queue to be empty after popping both items")
	}
}

func TestPushFrontJumpsAheadOfQueued(t *testing.T) {
	q := New()
	queued := &Item{Kind: ItemExternal, Invocation: model.PendingWorkerInvocationRecord{IdempotencyKey: "queued"}}
	resumed := &Item{Kind: ItemExternal, Invocation: model.PendingWorkerInvocationRecord{IdempotencyKey: "resumed"}}
	q.Enqueue(queued)
	q.PushFront(resumed)

	got, _ := q.Pop()
	if got != resumed {
		t.Fatal("expected PushFront item to pop before the previously queued item")
	}
}

func TestEmptyAndLen(t *testing.T) {
	q := New()
	if !q.Empty() {
		t.Fatal("expected a new queue to be empty")
	}
	q.Enqueue(&Item{Kind: ItemExternal})
	if q.Empty() {
		t.Fatal("expected queue to be non-empty after Enqueue")
	}
	if q.Len() != 1 {
		t.Errorf("expected queue length 1, got %d", q.Len())
	}
}

func TestCancelInvocationMarksOnlyMatchingQueuedItems(t *testing.T) {
	q := New()
	a := &Item{Kind: ItemExternal, Invocation: model.PendingWorkerInvocationRecord{IdempotencyKey: "a"}}
	b := &Item{Kind: ItemExternal, Invocation: model.PendingWorkerInvocationRecord{IdempotencyKey: "b"}}
	q.Enqueue(a)
	q.Enqueue(b)

	n := q.CancelInvocation("a")
	if n != 1 {
		t.Fatalf("expected 1 item canceled, got %d", n)
	}
	if !a.Canceled {
		t.Error("expected item a to be marked canceled")
	}
	if b.Canceled {
		t.Error("expected item b to remain uncanceled")
	}
}

func TestNotifySignalsOnEnqueue(t *testing.T) {
	q := New()
	q.Enqueue(&Item{Kind: ItemExternal})

	select {
	case <-q.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected Notify channel to signal after Enqueue")
	}
}
