package oplog

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/model"
)

func testOwner() model.OwnedWorkerId {
	return model.OwnedWorkerId{WorkerId: model.WorkerId{WorkerName: "w1"}}
}

func TestAppendIsNotVisibleBeforeCommit(t *testing.T) {
	ctx := context.Background()
	storage := external.NewInMemoryOplogStorage()
	log, err := Open(ctx, storage, testOwner(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idx, err := log.Append(ctx, model.OplogEntry{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if idx != model.FirstOplogIndex {
		t.Errorf("expected first append to get index %d, got %d", model.FirstOplogIndex, idx)
	}

	if stored, _ := storage.CurrentIndex(ctx, testOwner()); stored != model.NoOplogIndex {
		t.Errorf("expected storage to see no committed entries yet, got current index %d", stored)
	}
	if log.CurrentIndex() != idx {
		t.Errorf("expected Oplog.CurrentIndex to reflect the uncommitted append, got %d", log.CurrentIndex())
	}
}

func TestCommitFlushesPendingEntriesInOrder(t *testing.T) {
	ctx := context.Background()
	storage := external.NewInMemoryOplogStorage()
	log, err := Open(ctx, storage, testOwner(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := log.Append(ctx, model.OplogEntry{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}}); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if _, err := log.Append(ctx, model.OplogEntry{Kind: model.KindExportedFunctionInvoked, ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{FunctionName: "f"}}); err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	indices, err := log.Commit(ctx, model.DurableOnly)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 2 {
		t.Errorf("expected committed indices [1 2], got %v", indices)
	}

	entry, err := log.Read(ctx, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if entry.Kind != model.KindExportedFunctionInvoked || entry.ExportedFunctionInvoked.FunctionName != "f" {
		t.Errorf("expected to read back the ExportedFunctionInvoked entry, got %+v", entry)
	}
}

func TestCommitWithNothingPendingIsNoop(t *testing.T) {
	ctx := context.Background()
	storage := external.NewInMemoryOplogStorage()
	log, err := Open(ctx, storage, testOwner(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	indices, err := log.Commit(ctx, model.DurableOnly)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if indices != nil {
		t.Errorf("expected nil indices from an empty commit, got %v", indices)
	}
}

func TestPutAndGetPayloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	storage := external.NewInMemoryOplogStorage()
	log, err := Open(ctx, storage, testOwner(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ref, err := log.PutPayload(ctx, []byte("payload-bytes"))
	if err != nil {
		t.Fatalf("PutPayload: %v", err)
	}
	data, err := log.GetPayload(ctx, ref)
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if string(data) != "payload-bytes" {
		t.Errorf("expected round-tripped payload %q, got %q", "payload-bytes", data)
	}
}

func TestOpenResumesFromExistingCurrentIndex(t *testing.T) {
	ctx := context.Background()
	storage := external.NewInMemoryOplogStorage()
	owner := testOwner()

	first, err := Open(ctx, storage, owner, zap.NewNop())
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	if _, err := first.Append(ctx, model.OplogEntry{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := first.Commit(ctx, model.DurableOnly); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	second, err := Open(ctx, storage, owner, zap.NewNop())
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	if second.CurrentIndex() != model.FirstOplogIndex {
		t.Errorf("expected a freshly opened Oplog to resume at index %d, got %d", model.FirstOplogIndex, second.CurrentIndex())
	}
}
