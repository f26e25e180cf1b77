package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/admission"
	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/loop"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
)

func testConfig() Config {
	return Config{
		Storage:           external.NewInMemoryOplogStorage(),
		Components:        external.NewInMemoryComponentService(),
		Engine:            runtime.NewInMemoryEngine(),
		WorkerService:     external.NewInMemoryWorkerService(),
		Scheduler:         external.NewInMemorySchedulerService(),
		Admission:         admission.NewController(1024 * 1024 * 1024),
		HostAPI:           loop.HostAPI{},
		MemoryCoefficient: 1.2,
		DefaultRetry: model.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Multiplier:  2.0,
		},
		OOMRetry: model.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Multiplier:  2.0,
		},
		Durability:       model.DurableOnly,
		EventBusCapacity: 8,
		EventHistorySize: 16,
		DriftCheckEvery:  1,
		Logger:           zap.NewNop(),
	}
}

func testOwner(name string) model.OwnedWorkerId {
	return model.OwnedWorkerId{
		ProjectId: model.ProjectId{UUID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa")},
		WorkerId: model.WorkerId{
			ComponentId: model.ComponentId{UUID: uuid.MustParse("00000000-0000-0000-0000-000000000001")},
			WorkerName:  name,
		},
	}
}

func TestGetOrCreate_NewWorkerRequiresCreateEntry(t *testing.T) {
	r := New(testConfig())
	if _, err := r.GetOrCreate(context.Background(), testOwner("w1"), nil); err == nil {
		t.Fatal("expected GetOrCreate for a brand-new worker with no CreateEntry to fail")
	}
}

func TestGetOrCreate_CreatesOnceAndReusesAfterward(t *testing.T) {
	r := New(testConfig())
	owner := testOwner("w1")

	w1, err := r.GetOrCreate(context.Background(), owner, &model.CreateEntry{ComponentVersion: 1})
	if err != nil {
		t.Fatalf("GetOrCreate (create): %v", err)
	}
	w2, err := r.GetOrCreate(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("GetOrCreate (reuse): %v", err)
	}
	if w1 != w2 {
		t.Error("expected the same Worker instance to be returned on repeated GetOrCreate calls")
	}

	ids := r.All()
	if len(ids) != 1 || ids[0] != owner.WorkerId {
		t.Errorf("expected All() to report exactly [%s], got %v", owner.WorkerId, ids)
	}
}

func TestGet_ReturnsNilForUntouchedWorker(t *testing.T) {
	r := New(testConfig())
	if w := r.Get(testOwner("never-touched").WorkerId); w != nil {
		t.Error("expected Get to return nil for a WorkerId this registry has never seen")
	}
}

func TestStopAll_DoesNotPanicWithNoRunningInstances(t *testing.T) {
	r := New(testConfig())
	owner := testOwner("w1")
	if _, err := r.GetOrCreate(context.Background(), owner, &model.CreateEntry{ComponentVersion: 1}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	r.StopAll()
}
