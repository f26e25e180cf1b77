package loop

import (
	"context"
	"fmt"

	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
)

// replay consumes oplog entries from index 2 up to current_index() at
// entry time. For each ExportedFunctionInvoked it first
// locates that invocation's terminator without touching the instance —
// an ExportedFunctionInvoked with no terminator anywhere before
// current_index() means the process stopped or crashed mid-invocation
// ('s exactly-once-across-crash scenario), and replay stops
// there without error rather than treating the missing terminator as
// divergence; the caller re-enqueues that invocation for real
// (re-)execution once Live begins. Only once a terminator is confirmed
// present does replay actually re-simulate the call through inst,
// substituting recorded responses for every imported call it makes, and
// consume the terminator for real. Any mismatch between what the
// recorded oplog says happened and what the simulation now observes is a
// replay divergence, fatal to the worker.
func replay(ctx context.Context, p *Params, inst runtime.Instance, snap *model.WorkerStatusRecord) error {
	end := p.Log.CurrentIndex()
	cursor := model.FirstOplogIndex.Next() // index 2: index 1 is always Create

	for cursor <= end {
		if snap.IsIndexSkipped(cursor) {
			cursor = cursor.Next()
			continue
		}

		idx := cursor
		entry, err := p.Log.Read(ctx, idx)
		if err != nil {
			return fmt.Errorf("loop: replay: read index %d: %w", idx, err)
		}
		cursor = idx.Next()

		switch entry.Kind {
		case model.KindExportedFunctionInvoked:
			termIdx, found, err := scanForTerminator(ctx, p, snap, cursor, end)
			if err != nil {
				return fmt.Errorf("loop: replay: invocation at index %d: %w", idx, err)
			}
			if !found {
				// Dangling invocation: stop replaying without simulating
				// it at all, nothing recorded after it can matter until
				// it is re-executed.
				return nil
			}

			invoked := entry.ExportedFunctionInvoked
			var params []byte
			if invoked.ParamsRef != "" {
				params, err = p.Log.GetPayload(ctx, invoked.ParamsRef)
				if err != nil {
					return fmt.Errorf("loop: replay: fetch params for index %d: %w", idx, err)
				}
			}

			bridge := &replayBridge{log: p.Log, status: snap, cursor: &cursor, end: termIdx}
			if _, err := inst.Invoke(ctx, invoked.FunctionName, params, bridge); err != nil {
				return fmt.Errorf("loop: replay: simulate %q at index %d: %w", invoked.FunctionName, idx, err)
			}
			if cursor != termIdx {
				return fmt.Errorf("loop: replay divergence: simulating %q at index %d consumed up to index %d, expected terminator at index %d", invoked.FunctionName, idx, cursor, termIdx)
			}
			cursor = termIdx.Next()

		case model.KindImportedFunctionInvoked:
			return fmt.Errorf("loop: replay divergence: unexpected standalone ImportedFunctionInvoked at index %d", idx)

		case model.KindExportedFunctionCompleted, model.KindError, model.KindInterrupted, model.KindExited:
			return fmt.Errorf("loop: replay divergence: unexpected terminator with no preceding invocation at index %d", idx)

		default:
			// Create, PendingWorkerInvocation, CancelPendingInvocation,
			// PendingUpdate, SuccessfulUpdate, FailedUpdate, plugin
			// activation, Revert, ChangeRetryPolicy, and region markers
			// don't drive the runtime during replay — the status record
			// already reflects them, which is why replay is handed a
			// status snapshot rather than re-deriving it itself.
		}
	}

	return nil
}

// scanForTerminator looks forward from start (the index right after an
// ExportedFunctionInvoked entry) for that invocation's terminator,
// without invoking anything. Only ImportedFunctionInvoked entries
// (produced by the invocation's own host calls) and administrative
// entries from unrelated concurrent activity may appear before it; it
// returns found=false, no error, if entries run out first, which is the
// signature of a crash or stop mid-invocation rather than a divergence.
func scanForTerminator(ctx context.Context, p *Params, snap *model.WorkerStatusRecord, start, end model.OplogIndex) (model.OplogIndex, bool, error) {
	for cursor := start; cursor <= end; cursor = cursor.Next() {
		if snap.IsIndexSkipped(cursor) {
			continue
		}
		entry, err := p.Log.Read(ctx, cursor)
		if err != nil {
			return 0, false, fmt.Errorf("read index %d while locating terminator: %w", cursor, err)
		}
		switch entry.Kind {
		case model.KindExportedFunctionCompleted, model.KindError, model.KindInterrupted, model.KindExited:
			return cursor, true, nil
		case model.KindExportedFunctionInvoked:
			return 0, false, fmt.Errorf("found a new invocation at index %d before the previous one's terminator", cursor)
		default:
			// ImportedFunctionInvoked (belongs to the invocation being
			// simulated) or an administrative entry from unrelated
			// concurrent activity; either way, keep scanning.
		}
	}
	return 0, false, nil
}
