// Package integration exercises internal/executor end to end: a real
// Oplog over in-memory storage, a real StatusDeriver/Guard, a real
// InvocationQueue/IdempotencyRegistry/EventsBus, and the InvocationLoop
// driven through internal/worker.Worker — wired exactly the way
// cmd/golem-worker-executor/main.go wires them, against
// runtime.InMemoryEngine instead of a real bytecode engine.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/admission"
	"github.com/golemcloud/golem-worker-executor/internal/executor"
	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/loop"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
	"github.com/golemcloud/golem-worker-executor/internal/worker"
)

const testFunctionName = "echo"

var testComponentId = model.ComponentId{UUID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}

func testOwner(name string) model.OwnedWorkerId {
	return model.OwnedWorkerId{
		ProjectId: model.ProjectId{UUID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa")},
		WorkerId:  model.WorkerId{ComponentId: testComponentId, WorkerName: name},
	}
}

// harness bundles one node's worth of collaborators for a test.
type harness struct {
	registry   *executor.Registry
	storage    external.OplogStorage
	components *external.InMemoryComponentService
	engine     *runtime.InMemoryEngine
}

// newEngineAndComponents builds the component registry new workers run
// against: version 1 always registered, version 2 registered only when
// withV2 is true (the update-scenario tests need a second version to
// update into).
func newEngineAndComponents(withV2 bool) (*runtime.InMemoryEngine, *external.InMemoryComponentService) {
	engine := runtime.NewInMemoryEngine()
	handlers := map[string]runtime.HandlerFunc{
		testFunctionName: func(_ context.Context, params []byte, _ runtime.HostCallBridge) runtime.InvokeResult {
			return runtime.InvokeResult{Response: params}
		},
		"crash": func(_ context.Context, _ []byte, _ runtime.HostCallBridge) runtime.InvokeResult {
			return runtime.InvokeResult{Trap: &runtime.Trap{Kind: model.ErrorKindInvocationFailed, Message: "boom"}}
		},
	}
	components := external.NewInMemoryComponentService()
	codeV1 := engine.RegisterComponent("echo-component-v1", handlers)
	components.Register(testComponentId, 1, external.ComponentMetadata{
		Version:               1,
		Size:                  1024,
		TotalLinearMemorySize: 65536,
	}, codeV1)

	if withV2 {
		codeV2 := engine.RegisterComponent("echo-component-v2", map[string]runtime.HandlerFunc{
			testFunctionName: func(_ context.Context, params []byte, _ runtime.HostCallBridge) runtime.InvokeResult {
				return runtime.InvokeResult{Response: append([]byte("v2:"), params...)}
			},
		})
		components.Register(testComponentId, 2, external.ComponentMetadata{
			Version:               2,
			Size:                  1024,
			TotalLinearMemorySize: 65536,
		}, codeV2)
	}

	return engine, components
}

func registryConfig(storage external.OplogStorage, components external.ComponentService, engine runtime.Engine, logger *zap.Logger) executor.Config {
	return executor.Config{
		Storage:           storage,
		Components:        components,
		Engine:            engine,
		WorkerService:     external.NewInMemoryWorkerService(),
		Scheduler:         external.NewInMemorySchedulerService(),
		Admission:         admission.NewController(4 * 1024 * 1024 * 1024),
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
		EventBusCapacity: 16,
		EventHistorySize: 32,
		DriftCheckEvery:  1,
		Logger:           logger,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	storage := external.NewInMemoryOplogStorage()
	engine, components := newEngineAndComponents(false)
	reg := executor.New(registryConfig(storage, components, engine, zap.NewNop()))
	return &harness{registry: reg, storage: storage, components: components, engine: engine}
}

// restart discards h's in-memory Registry and builds a fresh one over the
// same storage (and the same component/engine configuration, standing in
// for a node reloading the same persisted component bytecode), simulating
// a process crash and restart: every Worker GetOrCreate returns afterward
// must derive its status from scratch by replaying the durable oplog.
func (h *harness) restart() {
	h.registry = executor.New(registryConfig(h.storage, h.components, h.engine, zap.NewNop()))
}

func (h *harness) getOrCreate(t *testing.T, ctx context.Context, owner model.OwnedWorkerId) *worker.Worker {
	t.Helper()
	w, err := h.registry.GetOrCreate(ctx, owner, &model.CreateEntry{ComponentVersion: 1, ComponentSize: 1024})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return w
}

// S1: create a worker and invoke a single exported function; the result
// must come back synchronously from invoke_and_await.
func TestWorkerLifecycle_CreateAndInvoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("s1"))

	res, err := w.InvokeAndAwait(ctx, model.IdempotencyKey("k1"), testFunctionName, []byte("hello"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("InvokeAndAwait: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("invocation failed: %v", res.Err)
	}
	if string(res.Response) != "hello" {
		t.Errorf("expected echoed response %q, got %q", "hello", res.Response)
	}
}

// S2: invoking twice with the same idempotency key must not re-execute
// the function; the second call returns the memoized result.
func TestWorkerLifecycle_IdempotentReinvocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("s2"))

	k := model.IdempotencyKey("dup-key")
	first, err := w.InvokeAndAwait(ctx, k, testFunctionName, []byte("once"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("first InvokeAndAwait: %v", err)
	}

	second, err := w.InvokeAndAwait(ctx, k, testFunctionName, []byte("once"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("second InvokeAndAwait: %v", err)
	}
	if string(second.Response) != string(first.Response) {
		t.Errorf("expected memoized response %q, got %q", first.Response, second.Response)
	}
}

// S3: GetOrCreate called twice for the same WorkerId returns the same
// in-memory Worker on this node; a worker is never double-created.
func TestWorkerLifecycle_GetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	owner := testOwner("s3")

	w1 := h.getOrCreate(t, ctx, owner)
	w2, err := h.registry.GetOrCreate(ctx, owner, nil)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if w1 != w2 {
		t.Error("expected GetOrCreate to return the same Worker instance on repeated calls")
	}
}

// S4: reverting by a count of invocations rolls back exactly that many
// completed invocations' results, matching internal/status's
// TestRevertByTwoInvocations region math, now driven through the Worker
// facade end to end.
func TestWorkerLifecycle_RevertLastTwoInvocations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("s4"))

	var keys []model.IdempotencyKey
	for i := 0; i < 3; i++ {
		k := model.IdempotencyKey(string(rune('a' + i)))
		keys = append(keys, k)
		if _, err := w.InvokeAndAwait(ctx, k, testFunctionName, []byte("x"), model.InvocationContext{}); err != nil {
			t.Fatalf("InvokeAndAwait %d: %v", i, err)
		}
	}

	if err := w.Revert(ctx, worker.RevertTarget{Kind: worker.RevertTargetLastInvocations, N: 2}); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	snap := w.Status.Snapshot()
	if _, ok := snap.InvocationResults[keys[0]]; !ok {
		t.Errorf("expected first invocation result %s to survive the revert", keys[0])
	}
	if _, ok := snap.InvocationResults[keys[1]]; ok {
		t.Errorf("expected second invocation result %s to be reverted away", keys[1])
	}
	if _, ok := snap.InvocationResults[keys[2]]; ok {
		t.Errorf("expected third invocation result %s to be reverted away", keys[2])
	}
}

// S5: reverting to an index inside an already-deleted region is rejected
// as InvalidRequest rather than silently accepted.
func TestWorkerLifecycle_RevertIntoDeletedRegionIsInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("s5"))

	for i := 0; i < 2; i++ {
		k := model.IdempotencyKey(string(rune('a' + i)))
		if _, err := w.InvokeAndAwait(ctx, k, testFunctionName, []byte("x"), model.InvocationContext{}); err != nil {
			t.Fatalf("InvokeAndAwait %d: %v", i, err)
		}
	}
	if err := w.Revert(ctx, worker.RevertTarget{Kind: worker.RevertTargetLastInvocations, N: 1}); err != nil {
		t.Fatalf("first Revert: %v", err)
	}

	snap := w.Status.Snapshot()
	deleted := snap.DeletedRegions[0]

	err := w.Revert(ctx, worker.RevertTarget{Kind: worker.RevertTargetExplicit, ExplicitIndex: deleted.Start})
	if err == nil {
		t.Fatal("expected reverting into an already-deleted region to fail")
	}
	if _, ok := err.(*worker.InvalidRequest); !ok {
		t.Errorf("expected *worker.InvalidRequest, got %T: %v", err, err)
	}
}

// S6: interrupting a worker with no running instance is a safe no-op —
// get_or_create_suspended must still answer with the last cached status.
func TestWorkerLifecycle_InterruptWithoutRunningInstanceIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("s6"))

	w.Interrupt(model.InterruptKindInterrupt)

	snap := w.GetOrCreateSuspended(ctx)
	if snap.Status != model.WorkerStatusIdle {
		t.Errorf("expected Idle status for a never-started worker, got %s", snap.Status)
	}
}

// A trap in the exported function must surface as an invocation error,
// not a silent empty response.
func TestWorkerLifecycle_TrapSurfacesAsInvocationError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("trap"))

	res, err := w.InvokeAndAwait(ctx, model.IdempotencyKey("trap-key"), "crash", nil, model.InvocationContext{})
	if err != nil {
		t.Fatalf("InvokeAndAwait: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected a trapped invocation to surface as a non-nil error")
	}
}

// countExportedFunctionInvoked walks w's full oplog and counts
// ExportedFunctionInvoked entries whose key is k.
func countExportedFunctionInvoked(t *testing.T, ctx context.Context, w *worker.Worker, k model.IdempotencyKey) int {
	t.Helper()
	n := 0
	end := w.Log.CurrentIndex()
	for idx := model.FirstOplogIndex; idx <= end; idx = idx.Next() {
		entry, err := w.Log.Read(ctx, idx)
		if err != nil {
			t.Fatalf("read index %d: %v", idx, err)
		}
		if entry.Kind == model.KindExportedFunctionInvoked && entry.ExportedFunctionInvoked.IdempotencyKey == k {
			n++
		}
	}
	return n
}

// S1/S2: a process crash loses every in-memory Worker, but a fresh
// Registry built over the same durable oplog storage must recover the
// worker's full invocation history and answer subsequent calls correctly
// — invoke_and_await before the crash, get_or_create_suspended and a
// second invoke_and_await after.
func TestWorkerLifecycle_SurvivesRegistryRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	owner := testOwner("crash-restart")

	w := h.getOrCreate(t, ctx, owner)
	first, err := w.InvokeAndAwait(ctx, model.IdempotencyKey("before-crash"), testFunctionName, []byte("before"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("InvokeAndAwait before restart: %v", err)
	}
	if string(first.Response) != "before" {
		t.Fatalf("expected echoed response %q, got %q", "before", first.Response)
	}

	h.restart()

	recovered := h.getOrCreate(t, ctx, owner)
	if recovered == w {
		t.Fatal("expected restart to produce a new in-memory Worker, not reuse the pre-crash one")
	}

	snap := recovered.GetOrCreateSuspended(ctx)
	if _, ok := snap.InvocationResults[model.IdempotencyKey("before-crash")]; !ok {
		t.Fatal("expected the pre-crash invocation result to survive recovery from the durable oplog")
	}

	second, err := recovered.InvokeAndAwait(ctx, model.IdempotencyKey("after-crash"), testFunctionName, []byte("after"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("InvokeAndAwait after restart: %v", err)
	}
	if second.Err != nil {
		t.Fatalf("invocation after restart failed: %v", second.Err)
	}
	if string(second.Response) != "after" {
		t.Errorf("expected echoed response %q, got %q", "after", second.Response)
	}

	memoized, err := recovered.InvokeAndAwait(ctx, model.IdempotencyKey("before-crash"), testFunctionName, []byte("before"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("re-InvokeAndAwait of pre-crash key: %v", err)
	}
	if string(memoized.Response) != string(first.Response) {
		t.Errorf("expected the pre-crash key to still return its memoized response %q, got %q", first.Response, memoized.Response)
	}
}

// S3: two concurrent callers racing invoke_and_await against the very
// same new IdempotencyKey must still produce exactly one
// ExportedFunctionInvoked entry in the oplog and one execution of the
// function — the exactly-once guarantee idempotency keys exist to
// provide, regardless of which caller's Lookup happens to run first.
func TestWorkerLifecycle_ConcurrentInvokeWithSameNewKeyIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.getOrCreate(t, ctx, testOwner("concurrent-key"))

	k := model.IdempotencyKey("race-key")
	const callers = 8

	var wg sync.WaitGroup
	results := make([]*worker.FinishedResult, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = w.InvokeAndAwait(ctx, k, testFunctionName, []byte("race"), model.InvocationContext{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: InvokeAndAwait: %v", i, err)
		}
		if results[i].Err != nil {
			t.Fatalf("caller %d: invocation failed: %v", i, results[i].Err)
		}
		if string(results[i].Response) != "race" {
			t.Errorf("caller %d: expected echoed response %q, got %q", i, "race", results[i].Response)
		}
	}

	if n := countExportedFunctionInvoked(t, ctx, w, k); n != 1 {
		t.Errorf("expected exactly one ExportedFunctionInvoked entry for %s, found %d", k, n)
	}
}

// S5: a snapshot-based update (enqueue_manual_update) must advance both
// ComponentVersion and ComponentVersionForReplay together once applied,
// unlike a live update (enqueue_update) where ComponentVersionForReplay
// deliberately lags until a snapshot-based update catches it up — and an
// invocation after the update must run against the new version's code.
func TestWorkerLifecycle_SnapshotBasedUpdateAdvancesReplayVersionToo(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	storage := external.NewInMemoryOplogStorage()
	engine, components := newEngineAndComponents(true)
	reg := executor.New(registryConfig(storage, components, engine, logger))
	h := &harness{registry: reg, storage: storage, components: components, engine: engine}

	owner := testOwner("snapshot-update")
	w := h.getOrCreate(t, ctx, owner)

	if _, err := w.InvokeAndAwait(ctx, model.IdempotencyKey("pre-update"), testFunctionName, []byte("v1"), model.InvocationContext{}); err != nil {
		t.Fatalf("InvokeAndAwait before update: %v", err)
	}

	if err := w.EnqueueManualUpdate(ctx, 2, []byte("snapshot-state")); err != nil {
		t.Fatalf("EnqueueManualUpdate: %v", err)
	}

	// A pending update only takes effect the next time the instance
	// starts up fresh; the running v1 instance from the invocation above
	// has to be torn down first.
	w.Stop()

	res, err := w.InvokeAndAwait(ctx, model.IdempotencyKey("post-update"), testFunctionName, []byte("v2"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("InvokeAndAwait after update: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("invocation after update failed: %v", res.Err)
	}
	if string(res.Response) != "v2:v2" {
		t.Errorf("expected the post-update invocation to run against version 2's code (prefixed %q), got %q", "v2:", res.Response)
	}

	snap := w.Status.Snapshot()
	if snap.ComponentVersion != 2 {
		t.Errorf("expected ComponentVersion to advance to 2, got %d", snap.ComponentVersion)
	}
	if snap.ComponentVersionForReplay != 2 {
		t.Errorf("expected a snapshot-based update to also advance ComponentVersionForReplay to 2, got %d", snap.ComponentVersionForReplay)
	}
	if len(snap.PendingUpdates) != 0 {
		t.Errorf("expected the applied update to be popped from PendingUpdates, found %d remaining", len(snap.PendingUpdates))
	}
}

// S6: canceling a still-queued invocation — one the loop has not yet
// popped off the queue — must prevent it from ever executing, leaving no
// invocation result behind. A blocking first invocation holds the loop
// busy so the second invocation is guaranteed to still be sitting in the
// queue when CancelInvocation runs, rather than racing the loop for it.
func TestWorkerLifecycle_CancelBeforeStartPreventsExecution(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	storage := external.NewInMemoryOplogStorage()
	engine := runtime.NewInMemoryEngine()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	code := engine.RegisterComponent("block-component", map[string]runtime.HandlerFunc{
		"block": func(_ context.Context, params []byte, _ runtime.HostCallBridge) runtime.InvokeResult {
			entered <- struct{}{}
			<-release
			return runtime.InvokeResult{Response: params}
		},
	})
	components := external.NewInMemoryComponentService()
	components.Register(testComponentId, 1, external.ComponentMetadata{
		Version:               1,
		Size:                  1024,
		TotalLinearMemorySize: 65536,
	}, code)

	reg := executor.New(registryConfig(storage, components, engine, logger))
	h := &harness{registry: reg, storage: storage, components: components, engine: engine}
	w := h.getOrCreate(t, ctx, testOwner("cancel-before-start"))

	blockerResult := make(chan *worker.FinishedResult, 1)
	go func() {
		res, err := w.InvokeAndAwait(ctx, model.IdempotencyKey("blocker"), "block", []byte("blocked"), model.InvocationContext{})
		if err != nil {
			t.Error(err)
			return
		}
		blockerResult <- res
	}()
	<-entered

	k := model.IdempotencyKey("cancel-me")
	_, sub, err := w.Invoke(ctx, k, testFunctionName, []byte("never"), model.InvocationContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	sub.Close()

	if err := w.CancelInvocation(ctx, k); err != nil {
		t.Fatalf("CancelInvocation: %v", err)
	}

	close(release)
	if res := <-blockerResult; string(res.Response) != "blocked" {
		t.Errorf("expected the blocking invocation to still complete normally, got %q", res.Response)
	}

	if err := w.AwaitReadyToProcessCommands(ctx); err != nil {
		t.Fatalf("AwaitReadyToProcessCommands: %v", err)
	}

	snap := w.Status.Snapshot()
	if _, ok := snap.InvocationResults[k]; ok {
		t.Error("expected a canceled invocation to never produce a result")
	}
}
