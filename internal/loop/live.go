package loop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/eventsbus"
	"github.com/golemcloud/golem-worker-executor/internal/instance"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/queue"
	"github.com/golemcloud/golem-worker-executor/internal/retry"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
	"github.com/golemcloud/golem-worker-executor/internal/status"
)

// live processes queue items one at a time ("loop { set
// waiting_for_command; recv(); handle }"). It parks on a select between
// new queue items, loop commands (ResumeReplay is a no-op once already
// Live; Interrupt tears the loop down), and context cancellation, which
// covers both an external Stop/StopIfIdle and this process shutting down.
func live(ctx context.Context, p *Params, running *instance.Running) ExitReason {
	for {
		if item, ok := p.Queue.Pop(); ok {
			running.SetWaitingForCommand(false)
			if reason, exit := processQueueItem(ctx, p, running, item); exit {
				return reason
			}
			continue
		}

		running.SetWaitingForCommand(true)
		select {
		case <-ctx.Done():
			return ExitCanceled

		case <-p.Queue.Notify():
			continue

		case cmd := <-running.Commands:
			running.SetWaitingForCommand(false)
			reason, exit := handleCommand(cmd)
			if cmd.Honored != nil {
				close(cmd.Honored)
			}
			if exit {
				return reason
			}
		}
	}
}

// handleCommand applies a non-invocation command received while idle.
// CommandInvocation is handled implicitly (the Pop/Notify path above
// already wakes on anything newly queued); it is still accepted here as a
// harmless nudge so a caller that only has the command channel handy (no
// direct Queue reference) can still wake the loop.
func handleCommand(cmd instance.Command) (ExitReason, bool) {
	switch cmd.Kind {
	case instance.CommandInvocation, instance.CommandResumeReplay:
		return 0, false
	case instance.CommandInterrupt:
		switch cmd.InterruptKind {
		case model.InterruptKindSuspend:
			return ExitSuspended, true
		case model.InterruptKindRestart:
			return ExitRestarted, true
		default:
			return ExitInterrupted, true
		}
	default:
		return 0, false
	}
}

// processQueueItem dispatches a single popped queue item. Returns an
// ExitReason and true if the loop must stop as a result.
func processQueueItem(ctx context.Context, p *Params, running *instance.Running, item *queue.Item) (ExitReason, bool) {
	switch item.Kind {
	case queue.ItemExternal:
		if item.Canceled {
			return 0, false
		}
		return runExternalInvocation(ctx, p, running, item.Invocation, item.AlreadyInvoked)

	case queue.ItemGetFileSystemNode, queue.ItemReadFile:
		// The host filesystem is an out-of-scope collaborator; without
		// one wired in, every request resolves to "not found" rather
		// than blocking forever.
		if item.Reply != nil {
			item.Reply <- nil
		}
		return 0, false

	case queue.ItemAwaitReadyToProcessCommands:
		if item.Reply != nil {
			close(item.Reply)
		}
		return 0, false

	default:
		p.Logger.Warn("unknown queue item kind", zap.Uint8("kind", uint8(item.Kind)))
		return 0, false
	}
}

// runExternalInvocation executes one External invocation to completion,
// handling traps per the configured retry policy. Invoke
// runs in its own goroutine so the select below can keep observing
// incoming Interrupt commands and context cancellation while it's
// in-flight, rather than blocking the whole loop on a single call.
// alreadyInvoked is set when this invocation is being resumed after a
// crash that left its ExportedFunctionInvoked entry committed with no
// terminator: that entry is already in the log, so it must not be
// appended a second time, keeping the invocation exactly-once-across-crash.
func runExternalInvocation(ctx context.Context, p *Params, running *instance.Running, invocation model.PendingWorkerInvocationRecord, alreadyInvoked bool) (ExitReason, bool) {
	cfg := retry.EffectiveConfig(p.Status.Snapshot().OverriddenRetryConfig, p.DefaultRetry)

	if !alreadyInvoked {
		invokedEntry := model.OplogEntry{
			Kind: model.KindExportedFunctionInvoked,
			ExportedFunctionInvoked: &model.ExportedFunctionInvokedEntry{
				IdempotencyKey:    invocation.IdempotencyKey,
				FunctionName:      invocation.FunctionName,
				ParamsRef:         invocation.ParamsRef,
				InvocationContext: invocation.Context,
			},
		}
		if _, err := p.Log.Append(ctx, invokedEntry); err != nil {
			p.Logger.Error("failed to append ExportedFunctionInvoked", zap.Error(err))
			return 0, false
		}
		if _, err := p.Log.Commit(ctx, p.Durability); err != nil {
			p.Logger.Error("failed to commit ExportedFunctionInvoked", zap.Error(err))
			return 0, false
		}
	}

	params, err := p.Log.GetPayload(ctx, invocation.ParamsRef)
	if err != nil {
		p.Logger.Error("failed to fetch invocation params", zap.Error(err))
		return finishWithError(ctx, p, invocation, model.ErrorKindRuntime, err.Error(), "")
	}

	for attempt := 1; ; attempt++ {
		invCtx, cancel := context.WithCancel(ctx)
		type outcome struct {
			response []byte
			trap     *runtime.Trap
			err      error
		}
		resultCh := make(chan outcome, 1)
		go func() {
			bridge := &liveBridge{log: p.Log, hostAPI: p.HostAPI}
			res, invokeErr := running.Instance.Invoke(invCtx, invocation.FunctionName, params, bridge)
			if res.Trap != nil {
				resultCh <- outcome{trap: res.Trap}
				return
			}
			resultCh <- outcome{response: res.Response, err: invokeErr}
		}()

		var out outcome
		var interruptKind *model.InterruptKind
	waitInvoke:
		for {
			select {
			case out = <-resultCh:
				cancel()
				break waitInvoke
			case <-ctx.Done():
				cancel()
				out = <-resultCh
				break waitInvoke
			case cmd := <-running.Commands:
				if cmd.Kind == instance.CommandInterrupt {
					k := cmd.InterruptKind
					interruptKind = &k
					cancel()
				}
				if cmd.Honored != nil {
					close(cmd.Honored)
				}
			}
		}

		if interruptKind != nil {
			return finishInterrupted(ctx, p, invocation, *interruptKind)
		}

		if out.trap == nil && out.err == nil {
			return finishCompleted(ctx, p, invocation, out.response)
		}

		var kind model.ErrorKind
		var message, stderr string
		var exited bool
		if out.trap != nil {
			kind, message, stderr, exited = out.trap.Kind, out.trap.Message, out.trap.Stderr, out.trap.Exited
		} else {
			kind, message = model.ErrorKindRuntime, out.err.Error()
		}
		if exited {
			return finishExited(ctx, p, invocation)
		}

		decision, delay := retry.Decide(cfg, attempt, kind == model.ErrorKindOutOfMemory)
		switch decision {
		case retry.DecisionImmediate:
			continue
		case retry.DecisionDelayed:
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ExitCanceled, true
			}
			continue
		case retry.DecisionReacquirePermits:
			// The ExportedFunctionInvoked entry for this invocation is
			// already committed with no terminator. Nothing needs
			// re-queueing here: the restarted loop's own replay finds
			// that same dangling entry and re-enqueues it (see
			// reconstructDanglingInvocation in loop.go) — pushing it back
			// here too would enqueue it twice.
			return ExitOOMRestart, true
		default: // DecisionNone
			return finishWithError(ctx, p, invocation, kind, message, stderr)
		}
	}
}

func finishCompleted(ctx context.Context, p *Params, invocation model.PendingWorkerInvocationRecord, response []byte) (ExitReason, bool) {
	var respRef model.PayloadRef
	if response != nil {
		ref, err := p.Log.PutPayload(ctx, response)
		if err != nil {
			p.Logger.Error("failed to store invocation response", zap.Error(err))
			return 0, false
		}
		respRef = ref
	}
	entry := model.OplogEntry{
		Kind:                      model.KindExportedFunctionCompleted,
		ExportedFunctionCompleted: &model.ExportedFunctionCompletedEntry{ResponseRef: respRef},
	}
	commitAndFold(ctx, p, entry)
	publish(p, invocation, eventsbus.InvocationResult{Response: response})
	return 0, false
}

func finishWithError(ctx context.Context, p *Params, invocation model.PendingWorkerInvocationRecord, kind model.ErrorKind, message, stderr string) (ExitReason, bool) {
	entry := model.OplogEntry{
		Kind:  model.KindError,
		Error: &model.ErrorEntry{Kind: kind, Message: message, Stderr: stderr},
	}
	commitAndFold(ctx, p, entry)
	publish(p, invocation, eventsbus.InvocationResult{Err: &eventsbus.InvocationError{Kind: kind, Message: message, Stderr: stderr}})
	return 0, false
}

func finishInterrupted(ctx context.Context, p *Params, invocation model.PendingWorkerInvocationRecord, kind model.InterruptKind) (ExitReason, bool) {
	entry := model.OplogEntry{Kind: model.KindInterrupted}
	commitAndFold(ctx, p, entry)
	publish(p, invocation, eventsbus.InvocationResult{Err: &eventsbus.InvocationError{Kind: model.ErrorKindInvocationFailed, Message: "interrupted"}})

	switch kind {
	case model.InterruptKindSuspend:
		return ExitSuspended, true
	case model.InterruptKindRestart:
		return ExitRestarted, true
	default:
		return ExitInterrupted, true
	}
}

func finishExited(ctx context.Context, p *Params, invocation model.PendingWorkerInvocationRecord) (ExitReason, bool) {
	entry := model.OplogEntry{Kind: model.KindExited}
	commitAndFold(ctx, p, entry)
	publish(p, invocation, eventsbus.InvocationResult{})
	return ExitExited, true
}

func commitAndFold(ctx context.Context, p *Params, entry model.OplogEntry) {
	idx, err := p.Log.Append(ctx, entry)
	if err != nil {
		p.Logger.Error("failed to append terminal entry", zap.Uint8("kind", uint8(entry.Kind)), zap.Error(err))
		return
	}
	if _, err := p.Log.Commit(ctx, p.Durability); err != nil {
		p.Logger.Error("failed to commit terminal entry", zap.Uint8("kind", uint8(entry.Kind)), zap.Error(err))
		return
	}
	if err := p.Status.Apply(ctx, p.Log, []status.Indexed{{Index: idx, Entry: entry}}); err != nil {
		p.Logger.Error("failed to fold terminal entry into status", zap.Error(err))
	}
}

func publish(p *Params, invocation model.PendingWorkerInvocationRecord, result eventsbus.InvocationResult) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(eventsbus.InvocationCompleted{
		WorkerId:       p.Owner.WorkerId,
		IdempotencyKey: invocation.IdempotencyKey,
		Result:         result,
	})
}
