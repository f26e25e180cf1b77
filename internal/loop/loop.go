// Package loop implements the InvocationLoop: the single
// background task behind a Running WorkerInstance. It takes a worker from
// Start through CreateInstance and Replay into Live, where it processes
// InvocationQueue items one at a time until it is stopped, interrupted, or
// self-restarts after an out-of-memory trap.
package loop

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/admission"
	"github.com/golemcloud/golem-worker-executor/internal/eventsbus"
	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/instance"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
	"github.com/golemcloud/golem-worker-executor/internal/queue"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
	"github.com/golemcloud/golem-worker-executor/internal/status"
)

// HostFunction performs the real side effect of one imported (host) call
// during Live execution. A function name with no registered HostFunction
// falls back to a no-op stub that records an empty response — these are
// the host APIs used only as no-op/recording stubs, collaborators
// treated as out of scope for this core.
type HostFunction func(ctx context.Context, request []byte) ([]byte, error)

// HostAPI resolves imported function names to their live implementation.
type HostAPI map[string]HostFunction

// ExitReason is why a Live loop stopped running.
type ExitReason uint8

const (
	// ExitCanceled means the caller canceled the loop's context itself
	// through Running.Stop after Slot.Stop / Slot.StopIfIdle — the caller already owns the
	// Running payload's teardown, so the loop must not also release its
	// permit or touch the Slot.
	ExitCanceled ExitReason = iota
	ExitInterrupted
	ExitRestarted
	ExitSuspended
	ExitFailed
	ExitExited
	// ExitOOMRestart means a trap classified as out-of-memory selected
	// the ReacquirePermits retry decision: the loop tears
	// itself down and the Worker facade is expected to start it again
	// with oom_retry_count incremented.
	ExitOOMRestart
)

func (r ExitReason) String() string {
	switch r {
	case ExitCanceled:
		return "Canceled"
	case ExitInterrupted:
		return "Interrupted"
	case ExitRestarted:
		return "Restarted"
	case ExitSuspended:
		return "Suspended"
	case ExitFailed:
		return "Failed"
	case ExitExited:
		return "Exited"
	case ExitOOMRestart:
		return "OOMRestart"
	default:
		return "Unknown"
	}
}

// Params bundles every collaborator the loop needs for one worker. A
// Params value is shared by every CreateAndRun call for the same worker
// across its whole lifetime (stop/start cycles included).
type Params struct {
	Owner  model.OwnedWorkerId
	Log    *oplog.Oplog
	Status *status.Handle
	Queue  *queue.Queue

	Components external.ComponentService
	Engine     runtime.Engine
	Admission  *admission.Controller
	Bus        *eventsbus.Bus
	Breaker    *gobreaker.CircuitBreaker
	HostAPI    HostAPI

	MemoryCoefficient float64
	DefaultRetry      model.RetryConfig
	Durability        model.DurabilityLevel

	// OnIdle is called once replay catches up to current_index() and the
	// loop is about to enter Live ("publishes Idle") — wired
	// by internal/worker to WorkerService.UpdateCachedStatus so the
	// cluster-wide cached metadata reflects it promptly. May be nil.
	OnIdle func(ctx context.Context, rec *model.WorkerStatusRecord)

	Logger *zap.Logger
}

// OOMRetryCount is not read anywhere in this module: the Worker facade
// (internal/worker) keeps its own OOM restart counter across
// ReacquirePermits restarts and caps it at its OOM retry MaxAttempts.
type OOMRetryCount struct{ N int }

// CreateAndRun returns an instance.Starter bound to ctx, the worker's
// long-lived background context (canceled on node shutdown) — distinct
// from the startCtx the returned Starter itself receives from
// Slot.Ensure, which may be scoped to a single get_or_create_running call
// and must not outlive it. Version selection, component fetch, permit
// acquisition, and instantiation run synchronously under startCtx, so a
// caller blocked in Ensure observes their own deadline; once an Instance
// exists the Starter returns immediately and Replay/Live continue in a
// background goroutine under a child of the long-lived ctx instead, so
// they survive past the triggering call. exited, if non-nil, is invoked
// from that goroutine once Live (or an early Replay failure) returns, so
// the Worker facade can react to an ExitReason it didn't request
// (ExitOOMRestart, ExitFailed).
func CreateAndRun(ctx context.Context, p *Params, slot *instance.Slot, exited func(ExitReason)) instance.Starter {
	var start instance.Starter
	start = func(startCtx context.Context) (*instance.Running, error) {
		snap := p.Status.Snapshot()

		version, code, meta, appliedUpdate, err := selectComponentVersionAndFetch(startCtx, p, snap)
		if err != nil {
			return nil, err
		}

		estimate := admission.EstimateMemory(p.MemoryCoefficient, meta.TotalLinearMemorySize, meta.Size)
		permit, err := p.Admission.Acquire(startCtx, estimate)
		if err != nil {
			return nil, fmt.Errorf("loop: acquire admission permit: %w", err)
		}

		replayInst, err := instantiateForReplay(startCtx, p, snap, version)
		if err != nil {
			permit.Release()
			return nil, err
		}

		inst, err := instantiateWithBreaker(startCtx, p, code, version, snap.ActivePlugins)
		if err != nil {
			if replayInst != nil {
				replayInst.Close(startCtx)
			}
			permit.Release()
			if appliedUpdate != nil {
				// The update candidate fetched but would not instantiate:
				// record FailedUpdate and start over at the previous version.
				appendFailedUpdate(startCtx, p, version, err.Error())
				if next := p.Status.Snapshot(); len(next.PendingUpdates) < len(snap.PendingUpdates) {
					return start(startCtx)
				}
			}
			return nil, fmt.Errorf("loop: instantiate component version %d: %w", version, err)
		}

		if appliedUpdate != nil {
			appendSuccessfulUpdate(startCtx, p, *appliedUpdate)
		}

		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		commands := make(chan instance.Command, 256)
		running := &instance.Running{
			Permit:           permit,
			Instance:         inst,
			ComponentVersion: version,
			Commands:         commands,
			Stop:             cancel,
			Done:             done,
		}

		go func() {
			defer close(done)
			defer inst.Close(context.Background())
			reason := runLoop(loopCtx, p, slot, running, snap, replayInst)
			if exited != nil {
				exited(reason)
			}
		}()

		return running, nil
	}
	return start
}

// instantiateForReplay builds a separate Instance for replaying oplog
// history when that needs different bytecode than liveVersion, the
// version the loop will actually run live invocations against. A
// non-snapshot SuccessfulUpdate advances ComponentVersion immediately
// but leaves ComponentVersionForReplay at the version that was live when
// the recorded history actually ran (internal/status/deriver.go only
// moves ComponentVersionForReplay forward on a snapshot-based update) —
// replaying that history against the new version's bytecode instead
// would simulate imported calls through code that never produced the
// recorded responses, and a real behavioral difference between versions
// would surface as a spurious replay divergence. A pending update that
// is itself snapshot-based is the exception: its snapshot is about to
// replace the worker's state outright, so the recorded history preceding
// it never needs replaying against the old bytecode at all and the
// target version doubles as the replay version too. Returns nil, nil
// when the effective replay version already matches liveVersion, so the
// common case reuses the live instance for replay exactly as before.
func instantiateForReplay(ctx context.Context, p *Params, snap *model.WorkerStatusRecord, liveVersion model.ComponentVersion) (runtime.Instance, error) {
	replayVersion := snap.ComponentVersionForReplay
	if len(snap.PendingUpdates) > 0 && snap.PendingUpdates[0].SnapshotBased {
		replayVersion = snap.PendingUpdates[0].TargetVersion
	}
	if replayVersion == liveVersion {
		return nil, nil
	}
	code, err := p.Components.Get(ctx, p.Owner.WorkerId.ComponentId, replayVersion)
	if err != nil {
		return nil, fmt.Errorf("loop: fetch component version %d for replay: %w", replayVersion, err)
	}
	inst, err := instantiateWithBreaker(ctx, p, code, replayVersion, snap.ActivePlugins)
	if err != nil {
		return nil, fmt.Errorf("loop: instantiate component version %d for replay: %w", replayVersion, err)
	}
	return inst, nil
}

// runLoop drives Replay then Live, returning the ExitReason the caller
// should act on. replayInst, when non-nil, is a separate instance built at
// snap.ComponentVersionForReplay and is used only for the replay call
// below; it is closed before Live starts so exactly one instance
// (running.Instance) remains alive for the rest of the loop's life.
func runLoop(ctx context.Context, p *Params, slot *instance.Slot, running *instance.Running, snap *model.WorkerStatusRecord, replayInst runtime.Instance) (reason ExitReason) {
	defer func() {
		if r := recover(); r != nil {
			// A panic inside the loop is a programmer error in the
			// component or host binding, not a caller-visible fault
			// ("a panic in the loop is treated as Restart").
			p.Logger.Error("invocation loop panicked, treating as Restart",
				zap.String("worker", p.Owner.String()), zap.Any("panic", r))
			reason = ExitRestarted
		}
	}()

	replayTarget := running.Instance
	if replayInst != nil {
		replayTarget = replayInst
		defer replayInst.Close(context.Background())
	}

	if err := replay(ctx, p, replayTarget, snap); err != nil {
		p.Logger.Error("replay failed, marking worker Failed",
			zap.String("worker", p.Owner.String()), zap.Error(err))
		appendFatal(ctx, p, model.ErrorKindRuntime, err.Error())
		selfStop(slot, running)
		return ExitFailed
	}

	if snap.Status == model.WorkerStatusRunning {
		item, err := reconstructDanglingInvocation(ctx, p, snap)
		if err != nil {
			p.Logger.Error("failed to reconstruct dangling invocation, marking worker Failed",
				zap.String("worker", p.Owner.String()), zap.Error(err))
			appendFatal(ctx, p, model.ErrorKindRuntime, err.Error())
			selfStop(slot, running)
			return ExitFailed
		}
		p.Queue.PushFront(item)
	}

	if p.OnIdle != nil {
		p.OnIdle(ctx, p.Status.Snapshot())
	}

	reason = live(ctx, p, running)
	if reason != ExitCanceled {
		selfStop(slot, running)
	}
	return reason
}

// selfStop transitions the Slot back to Unloaded and releases the permit
// on the loop's own initiative (as opposed to an external Slot.Stop /
// StopIfIdle call, whose caller already owns that teardown). Stop() is
// idempotent in the sense that a concurrent external Stop may have
// already cleared the Slot — in that case Stop() returns nil and this is
// a no-op, since the external caller owns releasing that Running.
func selfStop(slot *instance.Slot, running *instance.Running) {
	if r := slot.Stop(); r == running {
		running.Permit.Release()
	}
}

// appendFatal appends and commits an Error entry, best-effort — a failure
// to even commit the fatal record is logged, not retried, since the loop
// is already on its way out.
func appendFatal(ctx context.Context, p *Params, kind model.ErrorKind, message string) {
	_, err := p.Log.Append(ctx, model.OplogEntry{
		Kind:  model.KindError,
		Error: &model.ErrorEntry{Kind: kind, Message: message},
	})
	if err != nil {
		p.Logger.Error("failed to append fatal error entry", zap.Error(err))
		return
	}
	if _, err := p.Log.Commit(ctx, p.Durability); err != nil {
		p.Logger.Error("failed to commit fatal error entry", zap.Error(err))
	}
}

// reconstructDanglingInvocation rebuilds the PendingWorkerInvocationRecord
// for an ExportedFunctionInvoked entry that replay found with no
// terminator ( exactly-once-across-crash). applyEntry stamps
// rec.OplogIdx on every fold regardless of kind, so it points at that
// entry or at a later non-terminating one (an ImportedFunctionInvoked, a
// newly queued PendingWorkerInvocation); the scan walks back from there
// to the nearest ExportedFunctionInvoked.
func reconstructDanglingInvocation(ctx context.Context, p *Params, snap *model.WorkerStatusRecord) (*queue.Item, error) {
	for idx := snap.OplogIdx; idx >= model.FirstOplogIndex; idx-- {
		entry, err := p.Log.Read(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("loop: read dangling invocation at index %d: %w", idx, err)
		}
		invoked := entry.ExportedFunctionInvoked
		if entry.Kind != model.KindExportedFunctionInvoked || invoked == nil {
			continue
		}
		return &queue.Item{
			Kind: queue.ItemExternal,
			Invocation: model.PendingWorkerInvocationRecord{
				IdempotencyKey: invoked.IdempotencyKey,
				FunctionName:   invoked.FunctionName,
				ParamsRef:      invoked.ParamsRef,
				Context:        invoked.InvocationContext,
			},
			AlreadyInvoked: true,
		}, nil
	}
	return nil, fmt.Errorf("loop: no ExportedFunctionInvoked at or before index %d", snap.OplogIdx)
}

// selectComponentVersionAndFetch picks the effective component version
// ("chooses a component version by examining the front of
// pending_updates"), fetches its metadata and code, and on an instantiate-
// worthy fetch failure for an update-selected version appends FailedUpdate
// and retries with the previous effective version — mirrored again in
// CreateAndRun for the instantiation step itself, since either step can
// fail for an update candidate. The returned UpdateDescription is
// non-nil exactly when version was chosen from the front of
// snap.PendingUpdates and was successfully fetched, so the caller can
// record it as a SuccessfulUpdate once instantiation also succeeds.
func selectComponentVersionAndFetch(ctx context.Context, p *Params, snap *model.WorkerStatusRecord) (model.ComponentVersion, []byte, external.ComponentMetadata, *model.UpdateDescription, error) {
	fallback := snap.ComponentVersion
	version := fallback
	var pending *model.UpdateDescription
	if len(snap.PendingUpdates) > 0 {
		pending = &snap.PendingUpdates[0]
		version = pending.TargetVersion
	}

	for {
		meta, err := p.Components.GetMetadata(ctx, p.Owner.WorkerId.ComponentId, version)
		if err == nil {
			var code []byte
			code, err = p.Components.Get(ctx, p.Owner.WorkerId.ComponentId, version)
			if err == nil {
				return version, code, meta, pending, nil
			}
		}
		if pending == nil || version == fallback {
			return 0, nil, external.ComponentMetadata{}, nil, fmt.Errorf("loop: fetch component version %d: %w", version, err)
		}
		appendFailedUpdate(ctx, p, version, err.Error())
		version = fallback
		pending = nil
	}
}

// appendSuccessfulUpdate records that desc's target version is now the
// worker's live component version, folding the entry into status so
// PendingUpdates drops it and ComponentVersion (and, for a snapshot-based
// update, ComponentVersionForReplay) advances.
func appendSuccessfulUpdate(ctx context.Context, p *Params, desc model.UpdateDescription) {
	entry := model.OplogEntry{
		Kind:             model.KindSuccessfulUpdate,
		SuccessfulUpdate: &model.SuccessfulUpdateEntry{TargetVersion: desc.TargetVersion, SnapshotBased: desc.SnapshotBased},
	}
	idx, err := p.Log.Append(ctx, entry)
	if err != nil {
		p.Logger.Error("failed to append SuccessfulUpdate entry", zap.Error(err))
		return
	}
	if _, err := p.Log.Commit(ctx, p.Durability); err != nil {
		p.Logger.Error("failed to commit SuccessfulUpdate entry", zap.Error(err))
		return
	}
	if err := p.Status.Apply(ctx, p.Log, []status.Indexed{{Index: idx, Entry: entry}}); err != nil {
		p.Logger.Error("failed to fold SuccessfulUpdate entry into status", zap.Error(err))
	}
}

// appendFailedUpdate records that an update attempt to targetVersion did
// not make it to a running instance ("append
// FailedUpdate{version, reason} and retry with the previous effective
// version").
func appendFailedUpdate(ctx context.Context, p *Params, targetVersion model.ComponentVersion, reason string) {
	entry := model.OplogEntry{
		Kind:         model.KindFailedUpdate,
		FailedUpdate: &model.FailedUpdateEntry{TargetVersion: targetVersion, Details: reason},
	}
	idx, err := p.Log.Append(ctx, entry)
	if err != nil {
		p.Logger.Error("failed to append FailedUpdate entry", zap.Error(err))
		return
	}
	if _, err := p.Log.Commit(ctx, p.Durability); err != nil {
		p.Logger.Error("failed to commit FailedUpdate entry", zap.Error(err))
		return
	}
	if err := p.Status.Apply(ctx, p.Log, []status.Indexed{{Index: idx, Entry: entry}}); err != nil {
		p.Logger.Error("failed to fold FailedUpdate entry into status", zap.Error(err))
	}
}

// instantiateWithBreaker instantiates code as componentVersion, wrapped in
// the per-worker circuit breaker so repeated instantiation failure (a
// persistently broken component or missing host linkage) trips open and
// stops hot-looping.
func instantiateWithBreaker(ctx context.Context, p *Params, code []byte, componentVersion model.ComponentVersion, activePlugins []model.PluginInstallationId) (runtime.Instance, error) {
	env := runtime.Environment{ComponentVersion: componentVersion, ActivePlugins: activePlugins}
	result, err := p.Breaker.Execute(func() (interface{}, error) {
		return p.Engine.Instantiate(ctx, code, env)
	})
	if err != nil {
		return nil, err
	}
	return result.(runtime.Instance), nil
}
