package status

import (
	"context"
	"testing"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

func mustRecompute(t *testing.T, log Reader) *model.WorkerStatusRecord {
	t.Helper()
	rec, err := RecomputeFromScratch(context.Background(), log, nil)
	if err != nil {
		t.Fatalf("RecomputeFromScratch: %v", err)
	}
	return rec
}

func TestRecomputeFromScratch_CreateSetsIdleAndVersion(t *testing.T) {
	log := &fakeLog{entries: []model.OplogEntry{
		{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 3, ComponentSize: 1024}},
	}}
	rec := mustRecompute(t, log)

	if rec.Status != model.WorkerStatusIdle {
		t.Errorf("expected Idle, got %s", rec.Status)
	}
	if rec.ComponentVersion != 3 || rec.ComponentVersionForReplay != 3 {
		t.Errorf("expected version 3/3, got %d/%d", rec.ComponentVersion, rec.ComponentVersionForReplay)
	}
}

func TestRecomputeFromScratch_InvokeThenCompleteRecordsResult(t *testing.T) {
	k := model.IdempotencyKey("K1")
	log := &fakeLog{entries: []model.OplogEntry{
		{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}},
		{Kind: model.KindExportedFunctionInvoked, ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{IdempotencyKey: k, FunctionName: "echo"}},
		{Kind: model.KindExportedFunctionCompleted, ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{}},
	}}
	rec := mustRecompute(t, log)

	if rec.Status != model.WorkerStatusIdle {
		t.Errorf("expected Idle after completion, got %s", rec.Status)
	}
	if idx, ok := rec.InvocationResults[k]; !ok || idx != 3 {
		t.Errorf("expected invocation_results[%s]=3, got %d ok=%v", k, idx, ok)
	}
}

func TestRecomputeFromScratch_CancelRemovesPending(t *testing.T) {
	k := model.IdempotencyKey("K2")
	log := &fakeLog{entries: []model.OplogEntry{
		{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}},
		{Kind: model.KindPendingWorkerInvocation, PendingWorkerInvocation: &model.PendingWorkerInvocationRecord{IdempotencyKey: k}},
		{Kind: model.KindCancelPendingInvocation, CancelPendingInvocation: &model.CancelPendingInvocationEntry{IdempotencyKey: k}},
	}}
	rec := mustRecompute(t, log)

	if len(rec.PendingInvocations) != 0 {
		t.Errorf("expected no pending invocations after cancel, got %d", len(rec.PendingInvocations))
	}
}

// TestRevertByTwoInvocations exercises seed scenario S4:
// three completed invocations, then a Revert covering the last two.
func TestRevertByTwoInvocations(t *testing.T) {
	k1, k2, k3 := model.IdempotencyKey("K1"), model.IdempotencyKey("K2"), model.IdempotencyKey("K3")
	entries := []model.OplogEntry{
		{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}},                                                                 // 1
		{Kind: model.KindExportedFunctionInvoked, ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{IdempotencyKey: k1}},                // 2
		{Kind: model.KindExportedFunctionCompleted, ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{}},                            // 3
		{Kind: model.KindExportedFunctionInvoked, ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{IdempotencyKey: k2}},                // 4
		{Kind: model.KindExportedFunctionCompleted, ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{}},                            // 5 (index 5, matches spec's example)
		{Kind: model.KindExportedFunctionInvoked, ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{IdempotencyKey: k3}},                // 6
		{Kind: model.KindExportedFunctionCompleted, ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{}},                            // 7
	}
	// Revert the last two completed invocations: region covers indices 4..7
	// (everything after the first completion at index 3).
	entries = append(entries, model.OplogEntry{Kind: model.KindRevert, Revert: &model.RevertEntry{Region: model.OplogRegion{Start: 4, End: 7}}}) // 8

	log := &fakeLog{entries: entries}
	rec := mustRecompute(t, log)

	if _, ok := rec.InvocationResults[k1]; !ok {
		t.Errorf("expected first completion (%s) to survive the revert", k1)
	}
	if _, ok := rec.InvocationResults[k2]; ok {
		t.Errorf("expected second completion (%s) to be reverted away", k2)
	}
	if _, ok := rec.InvocationResults[k3]; ok {
		t.Errorf("expected third completion (%s) to be reverted away", k3)
	}
	if len(rec.DeletedRegions) != 1 || rec.DeletedRegions[0] != (model.OplogRegion{Start: 4, End: 7}) {
		t.Errorf("expected one deleted region [4,7], got %v", rec.DeletedRegions)
	}
}

func TestUpdateIncremental_DetachesOnRevert(t *testing.T) {
	old := model.NewWorkerStatusRecord()
	old.Status = model.WorkerStatusIdle

	_, ok := UpdateIncremental(old, []Indexed{
		{Index: 2, Entry: model.OplogEntry{Kind: model.KindRevert, Revert: &model.RevertEntry{Region: model.OplogRegion{Start: 1, End: 1}}}},
	}, nil)
	if ok {
		t.Fatal("expected UpdateIncremental to report detached on a Revert entry")
	}
}

func TestUpdateIncremental_DetachesOnSnapshotUpdate(t *testing.T) {
	old := model.NewWorkerStatusRecord()

	_, ok := UpdateIncremental(old, []Indexed{
		{Index: 2, Entry: model.OplogEntry{Kind: model.KindSuccessfulUpdate, SuccessfulUpdate: &model.SuccessfulUpdateEntry{TargetVersion: 2, SnapshotBased: true}}},
	}, nil)
	if ok {
		t.Fatal("expected UpdateIncremental to report detached on a snapshot-based SuccessfulUpdate")
	}
}

func TestUpdateIncremental_DoesNotDetachOnPlainSuccessfulUpdate(t *testing.T) {
	old := model.NewWorkerStatusRecord()

	rec, ok := UpdateIncremental(old, []Indexed{
		{Index: 2, Entry: model.OplogEntry{Kind: model.KindSuccessfulUpdate, SuccessfulUpdate: &model.SuccessfulUpdateEntry{TargetVersion: 2, SnapshotBased: false}}},
	}, nil)
	if !ok {
		t.Fatal("expected a non-snapshot SuccessfulUpdate to fold incrementally")
	}
	if rec.ComponentVersion != 2 {
		t.Errorf("expected component_version=2, got %d", rec.ComponentVersion)
	}
	if rec.ComponentVersionForReplay != 0 {
		t.Errorf("expected component_version_for_replay untouched by a non-snapshot update, got %d", rec.ComponentVersionForReplay)
	}
}

// TestDeterministicReplay is Testable Property 1: two
// recomputations over the same oplog prefix must produce byte-identical
// (here: hash-identical) records.
func TestDeterministicReplay(t *testing.T) {
	log := &fakeLog{entries: []model.OplogEntry{
		{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}},
		{Kind: model.KindExportedFunctionInvoked, ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{IdempotencyKey: "K1"}},
		{Kind: model.KindExportedFunctionCompleted, ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{}},
	}}

	a := mustRecompute(t, log)
	b := mustRecompute(t, log)

	hashA, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	hashB, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hashA != hashB {
		t.Errorf("expected two recomputes over the same prefix to hash equal, got %s != %s", hashA, hashB)
	}
}
