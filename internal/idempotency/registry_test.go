package idempotency

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
)

func newTestLog(t *testing.T) *oplog.Oplog {
	t.Helper()
	ctx := context.Background()
	storage := external.NewInMemoryOplogStorage()
	owner := model.OwnedWorkerId{WorkerId: model.WorkerId{WorkerName: "w1"}}
	log, err := oplog.Open(ctx, storage, owner, zap.NewNop())
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}
	return log
}

func TestLookup_UnknownKeyIsNew(t *testing.T) {
	log := newTestLog(t)
	r := New(log)
	rec := model.NewWorkerStatusRecord()

	res, err := r.Lookup(context.Background(), rec, model.IdempotencyKey("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != LookupNew {
		t.Errorf("expected LookupNew, got %s", res.Status)
	}
}

func TestLookup_PendingInvocationReportsPending(t *testing.T) {
	log := newTestLog(t)
	r := New(log)
	k := model.IdempotencyKey("k")
	rec := model.NewWorkerStatusRecord()
	rec.PendingInvocations = []model.PendingWorkerInvocationRecord{{IdempotencyKey: k}}

	res, err := r.Lookup(context.Background(), rec, k)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != LookupPending {
		t.Errorf("expected LookupPending, got %s", res.Status)
	}
}

func TestLookup_CompletedInvocationMaterializesResponse(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	r := New(log)
	k := model.IdempotencyKey("k")

	ref, err := log.PutPayload(ctx, []byte("result-bytes"))
	if err != nil {
		t.Fatalf("PutPayload: %v", err)
	}
	idx, err := log.Append(ctx, model.OplogEntry{Kind: model.KindExportedFunctionCompleted, ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{ResponseRef: ref}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Commit(ctx, model.DurableOnly); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec := model.NewWorkerStatusRecord()
	rec.InvocationResults = map[model.IdempotencyKey]model.OplogIndex{k: idx}

	res, err := r.Lookup(ctx, rec, k)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != LookupComplete {
		t.Errorf("expected LookupComplete, got %s", res.Status)
	}
	if string(res.Response) != "result-bytes" {
		t.Errorf("expected response %q, got %q", "result-bytes", res.Response)
	}
}

func TestLookup_ErrorEntryMaterializesAsCompleteWithErr(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	r := New(log)
	k := model.IdempotencyKey("k")

	idx, err := log.Append(ctx, model.OplogEntry{Kind: model.KindError, Error: &model.ErrorEntry{Kind: model.ErrorKindRuntime, Message: "trapped"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Commit(ctx, model.DurableOnly); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec := model.NewWorkerStatusRecord()
	rec.InvocationResults = map[model.IdempotencyKey]model.OplogIndex{k: idx}

	res, err := r.Lookup(ctx, rec, k)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != LookupComplete || res.Err == nil {
		t.Errorf("expected a completed result carrying an error, got status=%s err=%v", res.Status, res.Err)
	}
}

func TestLookup_InterruptedEntryReportsInterrupted(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)
	r := New(log)
	k := model.IdempotencyKey("k")

	idx, err := log.Append(ctx, model.OplogEntry{Kind: model.KindInterrupted})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Commit(ctx, model.DurableOnly); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec := model.NewWorkerStatusRecord()
	rec.InvocationResults = map[model.IdempotencyKey]model.OplogIndex{k: idx}

	res, err := r.Lookup(ctx, rec, k)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != LookupInterrupted {
		t.Errorf("expected LookupInterrupted, got %s", res.Status)
	}
}
