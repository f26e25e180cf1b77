// Package worker implements the Worker façade: the single
// entry point external callers use to drive a durable worker, wiring
// together the Oplog, StatusDeriver, InvocationQueue, IdempotencyRegistry,
// WorkerInstance slot, AdmissionController, EventsBus, and InvocationLoop
// built by the lower packages in this module.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/eventsbus"
	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/idempotency"
	"github.com/golemcloud/golem-worker-executor/internal/instance"
	"github.com/golemcloud/golem-worker-executor/internal/loop"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
	"github.com/golemcloud/golem-worker-executor/internal/queue"
	"github.com/golemcloud/golem-worker-executor/internal/status"
)

// InvalidRequest is returned by operations whose arguments can never
// succeed against the worker's current state — revert's
// "InvalidRequest" result, generalized to every façade method that can
// reject a request outright rather than merely fail transiently.
type InvalidRequest struct{ Reason string }

func (e *InvalidRequest) Error() string { return "worker: invalid request: " + e.Reason }

// FinishedResult is what invoke returns synchronously when the
// idempotency registry already knows the outcome ("invoke ...
// -> FinishedResult | Subscription").
type FinishedResult struct {
	Response []byte
	Err      error
}

// Worker is one durable worker's façade: every exported method here is
// safe for concurrent use by multiple callers, and internally enforces
// the lock order instance->queue->results->status->update-state by
// delegating queue/status mutation to the packages that already own
// those locks; the only lock taken here is the instance slot's, held by
// Invoke.
type Worker struct {
	Owner model.OwnedWorkerId

	Log        *oplog.Oplog
	Status     *status.Handle
	Queue      *queue.Queue
	Idempotent *idempotency.Registry
	Slot       *instance.Slot
	Bus        *eventsbus.Bus

	WorkerService external.WorkerService
	Scheduler     external.SchedulerService

	loopParams   *loop.Params
	oomRetries   atomic.Int32
	oomRetryCfg  model.RetryConfig
	logger       *zap.Logger
}

// New wires a Worker around an already-open Oplog and derived status.
// loopParams.Owner/Log/Status/Queue/Bus are overwritten with the fields
// above so callers only need to fill in the collaborator fields
// (Components, Engine, Admission, Breaker, HostAPI, tuning) when
// constructing it.
func New(owner model.OwnedWorkerId, log *oplog.Oplog, st *status.Handle, q *queue.Queue, idem *idempotency.Registry, slot *instance.Slot, bus *eventsbus.Bus, ws external.WorkerService, sched external.SchedulerService, loopParams *loop.Params, oomRetryCfg model.RetryConfig, logger *zap.Logger) *Worker {
	loopParams.Owner = owner
	loopParams.Log = log
	loopParams.Status = st
	loopParams.Queue = q
	loopParams.Bus = bus

	w := &Worker{
		Owner:         owner,
		Log:           log,
		Status:        st,
		Queue:         q,
		Idempotent:    idem,
		Slot:          slot,
		Bus:           bus,
		WorkerService: ws,
		Scheduler:     sched,
		loopParams:    loopParams,
		oomRetryCfg:   oomRetryCfg,
		logger:        logger,
	}
	loopParams.OnIdle = func(ctx context.Context, rec *model.WorkerStatusRecord) {
		w.publishCachedStatus(ctx, rec)
	}
	return w
}

func (w *Worker) publishCachedStatus(ctx context.Context, rec *model.WorkerStatusRecord) {
	if w.WorkerService == nil {
		return
	}
	if err := w.WorkerService.UpdateCachedStatus(ctx, w.Owner, rec); err != nil {
		w.logger.Warn("failed to publish cached status", zap.String("worker", w.Owner.String()), zap.Error(err))
	}
}

// GetOrCreateSuspended returns the worker's current status snapshot
// without starting it ("get_or_create_suspended").
func (w *Worker) GetOrCreateSuspended(_ context.Context) *model.WorkerStatusRecord {
	return w.Status.Snapshot()
}

// GetOrCreateRunning ensures the loop is Running and returns the Running
// payload ("get_or_create_running").
func (w *Worker) GetOrCreateRunning(ctx context.Context) (*instance.Running, error) {
	return w.Slot.Ensure(ctx, w.starter())
}

// StartIfNeeded starts the loop if it is Unloaded, otherwise is a no-op
// ("start_if_needed").
func (w *Worker) StartIfNeeded(ctx context.Context) error {
	_, err := w.Slot.Ensure(ctx, w.starter())
	return err
}

func (w *Worker) starter() instance.Starter {
	return loop.CreateAndRun(context.Background(), w.loopParams, w.Slot, w.onExit)
}

// onExit reacts to an ExitReason the loop chose on its own rather than in
// response to an external Stop ( ReacquirePermits path).
// ExitFailed and ExitExited are terminal and need no action — the status
// record already reflects them. ExitOOMRestart restarts the loop with a
// capped, incrementing retry count ('s resolved open question,
// reused here for the OOM path too: bounded, observable retries instead
// of an unconditional hot restart loop).
func (w *Worker) onExit(reason loop.ExitReason) {
	if reason != loop.ExitOOMRestart {
		return
	}
	n := w.oomRetries.Add(1)
	if w.oomRetryCfg.MaxAttempts > 0 && int(n) > w.oomRetryCfg.MaxAttempts {
		w.logger.Error("worker exceeded oom_retry_count, leaving unloaded",
			zap.String("worker", w.Owner.String()), zap.Int32("attempts", n))
		return
	}
	if _, err := w.Slot.Ensure(context.Background(), w.starter()); err != nil {
		w.logger.Error("oom restart failed", zap.String("worker", w.Owner.String()), zap.Error(err))
	}
}

// Stop unconditionally tears the loop down, releasing its permit.
func (w *Worker) Stop() {
	if r := w.Slot.Stop(); r != nil {
		r.Stop()
		<-r.Done
		r.Permit.Release()
	}
}

// StopIfIdle tears the loop down only if it is parked with an empty queue
// ("stop_if_idle").
func (w *Worker) StopIfIdle() bool {
	r := w.Slot.StopIfIdle(w.Queue.Empty)
	if r == nil {
		return false
	}
	r.Stop()
	<-r.Done
	r.Permit.Release()
	return true
}

// Invoke enqueues fn(params) under idempotency key k and returns
// immediately with either a FinishedResult (the key already resolved) or
// a live Subscription the caller can wait on ("invoke(k, fn,
// params, ctx) -> FinishedResult | Subscription").
//
// The lookup-decide-append-enqueue sequence runs under the instance
// slot's lock: two concurrent Invoke calls racing on the same new key
// must not both observe LookupNew and both enqueue an ItemExternal, or
// the loop would append ExportedFunctionInvoked for k twice and run fn
// twice, breaking the exactly-once guarantee idempotency keys exist to
// provide. GetOrCreateRunning is started after the lock is released,
// since it independently locks the same slot to start the loop.
func (w *Worker) Invoke(ctx context.Context, k model.IdempotencyKey, fn string, params []byte, ictx model.InvocationContext) (*FinishedResult, *eventsbus.Subscription, error) {
	w.Slot.Lock()
	snap := w.Status.Snapshot()
	res, err := w.Idempotent.Lookup(ctx, snap, k)
	if err != nil {
		w.Slot.Unlock()
		return nil, nil, err
	}
	switch res.Status {
	case idempotency.LookupComplete:
		w.Slot.Unlock()
		return &FinishedResult{Response: res.Response, Err: res.Err}, nil, nil
	case idempotency.LookupInterrupted:
		w.Slot.Unlock()
		return &FinishedResult{Err: fmt.Errorf("worker: invocation was interrupted")}, nil, nil
	}

	sub := w.Bus.Subscribe(w.Owner.WorkerId)

	if res.Status == idempotency.LookupPending {
		// Already queued by a previous call with the same key; just
		// return the fresh subscription without re-enqueueing.
		w.Slot.Unlock()
		return nil, sub, nil
	}

	paramsRef, err := w.Log.PutPayload(ctx, params)
	if err != nil {
		w.Slot.Unlock()
		sub.Close()
		return nil, nil, fmt.Errorf("worker: store invocation params: %w", err)
	}
	record := model.PendingWorkerInvocationRecord{IdempotencyKey: k, FunctionName: fn, ParamsRef: paramsRef, Context: ictx}

	entry := model.OplogEntry{Kind: model.KindPendingWorkerInvocation, PendingWorkerInvocation: &record}
	idx, err := w.Log.Append(ctx, entry)
	if err != nil {
		w.Slot.Unlock()
		sub.Close()
		return nil, nil, fmt.Errorf("worker: append PendingWorkerInvocation: %w", err)
	}
	if _, err := w.Log.Commit(ctx, w.loopParams.Durability); err != nil {
		w.Slot.Unlock()
		sub.Close()
		return nil, nil, fmt.Errorf("worker: commit PendingWorkerInvocation: %w", err)
	}
	if err := w.Status.Apply(ctx, w.Log, []status.Indexed{{Index: idx, Entry: entry}}); err != nil {
		w.logger.Warn("failed to fold PendingWorkerInvocation into status", zap.Error(err))
	}

	w.Queue.Enqueue(&queue.Item{Kind: queue.ItemExternal, Invocation: record})
	w.Slot.Unlock()

	if _, err := w.GetOrCreateRunning(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("worker: start loop: %w", err)
	}

	return nil, sub, nil
}

// InvokeAndAwait is Invoke followed by waiting on the subscription when
// the result wasn't already finished ("invoke_and_await").
func (w *Worker) InvokeAndAwait(ctx context.Context, k model.IdempotencyKey, fn string, params []byte, ictx model.InvocationContext) (*FinishedResult, error) {
	finished, sub, err := w.Invoke(ctx, k, fn, params, ictx)
	if err != nil {
		return nil, err
	}
	if finished != nil {
		return finished, nil
	}
	defer sub.Close()

	for {
		completed, lagged, err := eventsbus.WaitFor(ctx, sub, k)
		if err != nil {
			return nil, err
		}
		if lagged {
			snap := w.Status.Snapshot()
			res, err := w.Idempotent.Lookup(ctx, snap, k)
			if err != nil {
				return nil, err
			}
			if res.Status == idempotency.LookupComplete {
				return &FinishedResult{Response: res.Response, Err: res.Err}, nil
			}
			continue
		}
		var callErr error
		if completed.Result.Err != nil {
			callErr = fmt.Errorf("%s: %s", completed.Result.Err.Kind, completed.Result.Err.Message)
		}
		return &FinishedResult{Response: completed.Result.Response, Err: callErr}, nil
	}
}

// CancelInvocation marks any still-queued copies of k as canceled and
// records the cancellation ("cancel_invocation").
func (w *Worker) CancelInvocation(ctx context.Context, k model.IdempotencyKey) error {
	n := w.Queue.CancelInvocation(k)
	if n == 0 {
		return nil
	}
	entry := model.OplogEntry{Kind: model.KindCancelPendingInvocation, CancelPendingInvocation: &model.CancelPendingInvocationEntry{IdempotencyKey: k}}
	idx, err := w.Log.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("worker: append CancelPendingInvocation: %w", err)
	}
	if _, err := w.Log.Commit(ctx, w.loopParams.Durability); err != nil {
		return fmt.Errorf("worker: commit CancelPendingInvocation: %w", err)
	}
	return w.Status.Apply(ctx, w.Log, []status.Indexed{{Index: idx, Entry: entry}})
}

// Interrupt sends an Interrupt command to the running loop, if any, and
// waits for it to be honored.
func (w *Worker) Interrupt(kind model.InterruptKind) {
	r := w.Slot.Current()
	if r == nil {
		return
	}
	honored := make(chan struct{})
	select {
	case r.Commands <- instance.Command{Kind: instance.CommandInterrupt, InterruptKind: kind, Honored: honored}:
		<-honored
	case <-r.Done:
	}
}

// RevertTargetKind selects how Revert resolves the oplog index to revert
// to ("either explicit or the index just before the n-th
// ExportedFunctionInvoked counted from the end").
type RevertTargetKind uint8

const (
	RevertTargetExplicit RevertTargetKind = iota
	RevertTargetLastInvocations
)

// RevertTarget is revert's argument: exactly one of ExplicitIndex (when
// Kind is RevertTargetExplicit) or N (when Kind is
// RevertTargetLastInvocations) is meaningful.
type RevertTarget struct {
	Kind          RevertTargetKind
	ExplicitIndex model.OplogIndex
	N             int
}

// Revert deletes every oplog entry after the resolved index L, appending
// a Revert entry and recomputing the status record from scratch rather
// than trying to fold the deletion
// incrementally — a deleted region can retroactively invalidate pending
// invocations, updates, and invocation results already folded into the
// record, so the only safe derivation is a fresh RecomputeFromScratch
// ("non-monotonic entries force RecomputeFromScratch"). The
// worker is stopped first: reverting into the middle of a live
// invocation would leave the running instance executing code the log no
// longer admits.
func (w *Worker) Revert(ctx context.Context, target RevertTarget) error {
	current := w.Log.CurrentIndex()
	snap := w.Status.Snapshot()

	l, err := w.resolveRevertIndex(ctx, target, snap, current)
	if err != nil {
		return err
	}
	if l.IsNone() || l >= current {
		return &InvalidRequest{Reason: "revert target must be a strictly earlier oplog index"}
	}
	if snap.IsIndexDeleted(l.Next()) {
		return &InvalidRequest{Reason: "revert target falls inside an already-deleted region"}
	}

	w.Stop()

	entry := model.OplogEntry{Kind: model.KindRevert, Revert: &model.RevertEntry{Region: model.OplogRegion{Start: l.Next(), End: current}}}
	if _, err := w.Log.Append(ctx, entry); err != nil {
		return fmt.Errorf("worker: append Revert: %w", err)
	}
	if _, err := w.Log.Commit(ctx, w.loopParams.Durability); err != nil {
		return fmt.Errorf("worker: commit Revert: %w", err)
	}
	return w.Status.Recompute(ctx, w.Log)
}

// resolveRevertIndex computes L, the last index revert should keep.
func (w *Worker) resolveRevertIndex(ctx context.Context, target RevertTarget, snap *model.WorkerStatusRecord, current model.OplogIndex) (model.OplogIndex, error) {
	if target.Kind == RevertTargetExplicit {
		return target.ExplicitIndex, nil
	}
	if target.N <= 0 {
		return model.NoOplogIndex, &InvalidRequest{Reason: "revert: last-N-invocations target requires N >= 1"}
	}
	remaining := target.N
	for idx := current; idx >= model.FirstOplogIndex; idx-- {
		if snap.IsIndexDeleted(idx) || snap.IsIndexSkipped(idx) {
			continue
		}
		entry, err := w.Log.Read(ctx, idx)
		if err != nil {
			return model.NoOplogIndex, fmt.Errorf("worker: revert: read index %d: %w", idx, err)
		}
		if entry.Kind == model.KindExportedFunctionInvoked {
			remaining--
			if remaining == 0 {
				return idx - 1, nil
			}
		}
	}
	return model.NoOplogIndex, &InvalidRequest{Reason: "revert: fewer than N invocations in the oplog"}
}

// EnqueueUpdate schedules a live (non-snapshot) automatic update to
// targetVersion, taken the next time the worker reaches a safe point
// between invocations ("enqueue_update").
func (w *Worker) EnqueueUpdate(ctx context.Context, targetVersion model.ComponentVersion) error {
	return w.appendPendingUpdate(ctx, model.UpdateDescription{TargetVersion: targetVersion})
}

// EnqueueManualUpdate schedules a snapshot-based update: the worker is
// torn down, its state captured via snapshotParams, and resumed against
// targetVersion ("enqueue_manual_update").
func (w *Worker) EnqueueManualUpdate(ctx context.Context, targetVersion model.ComponentVersion, snapshotParams []byte) error {
	ref, err := w.Log.PutPayload(ctx, snapshotParams)
	if err != nil {
		return fmt.Errorf("worker: store update snapshot: %w", err)
	}
	return w.appendPendingUpdate(ctx, model.UpdateDescription{TargetVersion: targetVersion, SnapshotBased: true, SnapshotParams: ref})
}

func (w *Worker) appendPendingUpdate(ctx context.Context, desc model.UpdateDescription) error {
	entry := model.OplogEntry{Kind: model.KindPendingUpdate, PendingUpdate: &desc}
	idx, err := w.Log.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("worker: append PendingUpdate: %w", err)
	}
	if _, err := w.Log.Commit(ctx, w.loopParams.Durability); err != nil {
		return fmt.Errorf("worker: commit PendingUpdate: %w", err)
	}
	return w.Status.Apply(ctx, w.Log, []status.Indexed{{Index: idx, Entry: entry}})
}

// ActivatePlugin records a plugin installation as active.
func (w *Worker) ActivatePlugin(ctx context.Context, id model.PluginInstallationId) error {
	return w.appendPluginEntry(ctx, id, true)
}

// DeactivatePlugin records a plugin installation as inactive.
func (w *Worker) DeactivatePlugin(ctx context.Context, id model.PluginInstallationId) error {
	return w.appendPluginEntry(ctx, id, false)
}

func (w *Worker) appendPluginEntry(ctx context.Context, id model.PluginInstallationId, activated bool) error {
	kind := model.KindDeactivatePlugin
	if activated {
		kind = model.KindActivatePlugin
	}
	entry := model.OplogEntry{Kind: kind, Plugin: &model.PluginEntry{Id: id, Activated: activated}}
	idx, err := w.Log.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("worker: append plugin entry: %w", err)
	}
	if _, err := w.Log.Commit(ctx, w.loopParams.Durability); err != nil {
		return fmt.Errorf("worker: commit plugin entry: %w", err)
	}
	return w.Status.Apply(ctx, w.Log, []status.Indexed{{Index: idx, Entry: entry}})
}

// GetFileSystemNode enqueues a filesystem-node lookup and waits for the
// loop to process it ("get_file_system_node"). nil, nil
// means the path doesn't exist; the host filesystem is an out-of-scope
// collaborator and none is wired into the loop, so every lookup
// currently answers nil, nil.
func (w *Worker) GetFileSystemNode(ctx context.Context, path string) (any, error) {
	return w.awaitQueueReply(ctx, queue.Item{Kind: queue.ItemGetFileSystemNode, Path: path})
}

// ReadFile enqueues a file-read and waits for its result (
// "read_file").
func (w *Worker) ReadFile(ctx context.Context, path string) (any, error) {
	return w.awaitQueueReply(ctx, queue.Item{Kind: queue.ItemReadFile, Path: path})
}

// AwaitReadyToProcessCommands blocks until the loop has drained the
// queue item enqueued here, i.e. until every invocation queued strictly
// before this call has at least started (
// "await_ready_to_process_commands").
func (w *Worker) AwaitReadyToProcessCommands(ctx context.Context) error {
	_, err := w.awaitQueueReply(ctx, queue.Item{Kind: queue.ItemAwaitReadyToProcessCommands})
	return err
}

func (w *Worker) awaitQueueReply(ctx context.Context, item queue.Item) (any, error) {
	item.Reply = make(chan any, 1)
	if _, err := w.GetOrCreateRunning(ctx); err != nil {
		return nil, fmt.Errorf("worker: start loop: %w", err)
	}
	w.Queue.Enqueue(&item)
	select {
	case v, ok := <-item.Reply:
		if !ok {
			return nil, nil
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IncreaseMemory acquires extra permits and merges them into the
// worker's already-running instance, without interrupting it. The
// worker must already be Running; increasing memory never starts a
// worker on its own.
func (w *Worker) IncreaseMemory(ctx context.Context, additional int64) error {
	r := w.Slot.Current()
	if r == nil {
		return &InvalidRequest{Reason: "worker is not running"}
	}
	extra, err := w.loopParams.Admission.Acquire(ctx, additional)
	if err != nil {
		return fmt.Errorf("worker: acquire additional memory: %w", err)
	}
	r.Permit.Merge(extra)
	return nil
}
