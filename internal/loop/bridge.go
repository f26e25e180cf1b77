package loop

import (
	"context"
	"fmt"

	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
)

// replayBridge substitutes recorded host-call responses during Replay
// instead of performing the real side effect. It shares a
// cursor with the outer replay loop, since ImportedFunctionInvoked
// entries interleaved between an ExportedFunctionInvoked and its
// terminator are consumed here rather than by the outer loop directly.
type replayBridge struct {
	log    *oplog.Oplog
	status *model.WorkerStatusRecord
	cursor *model.OplogIndex
	end    model.OplogIndex
}

func (b *replayBridge) Call(ctx context.Context, function string, _ []byte, _ model.DurableFunctionType) ([]byte, error) {
	for {
		idx := *b.cursor
		if idx > b.end {
			return nil, fmt.Errorf("loop: replay divergence: ran out of oplog entries expecting call to %q", function)
		}
		if b.status.IsIndexSkipped(idx) {
			*b.cursor = idx.Next()
			continue
		}
		entry, err := b.log.Read(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("loop: replay: read index %d: %w", idx, err)
		}

		if entry.Kind != model.KindImportedFunctionInvoked {
			// Entries from unrelated concurrent activity (another
			// caller's PendingWorkerInvocation, a cancellation, a
			// scheduled update, ...) can legitimately interleave with
			// this invocation's own host calls; skip them rather than
			// treating them as the expected call.
			if isAdministrativeKind(entry.Kind) {
				*b.cursor = idx.Next()
				continue
			}
			return nil, fmt.Errorf("loop: replay divergence: expected ImportedFunctionInvoked at index %d for call to %q, found kind %d", idx, function, entry.Kind)
		}
		*b.cursor = idx.Next()

		if entry.ImportedFunctionInvoked.FunctionName != function {
			return nil, fmt.Errorf("loop: replay divergence: expected call to %q at index %d, recorded call was to %q", function, idx, entry.ImportedFunctionInvoked.FunctionName)
		}
		if entry.ImportedFunctionInvoked.ResponseRef == "" {
			return nil, nil
		}
		return b.log.GetPayload(ctx, entry.ImportedFunctionInvoked.ResponseRef)
	}
}

// isAdministrativeKind reports whether kind is an oplog entry produced by
// activity unrelated to the invocation currently being replayed — never a
// terminator and never an ImportedFunctionInvoked call.
func isAdministrativeKind(kind model.OplogEntryKind) bool {
	switch kind {
	case model.KindExportedFunctionCompleted, model.KindError, model.KindInterrupted, model.KindExited,
		model.KindExportedFunctionInvoked, model.KindImportedFunctionInvoked:
		return false
	default:
		return true
	}
}

// liveBridge performs the real host call (or a no-op stub when none is
// registered) and records it as an ImportedFunctionInvoked entry so a
// future replay can substitute the recorded response.
type liveBridge struct {
	log     *oplog.Oplog
	hostAPI HostAPI
}

func (b *liveBridge) Call(ctx context.Context, function string, request []byte, durability model.DurableFunctionType) ([]byte, error) {
	var response []byte
	var callErr error
	if fn, ok := b.hostAPI[function]; ok {
		response, callErr = fn(ctx, request)
	}
	// Unregistered functions fall through as a no-op stub: nil
	// response, nil error. Out-of-scope host APIs are only
	// ever exercised through HostAPI entries a caller chooses to wire in.

	reqRef, err := b.log.PutPayload(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("loop: store imported call request: %w", err)
	}
	var respRef model.PayloadRef
	if response != nil {
		respRef, err = b.log.PutPayload(ctx, response)
		if err != nil {
			return nil, fmt.Errorf("loop: store imported call response: %w", err)
		}
	}
	if _, err := b.log.Append(ctx, model.OplogEntry{
		Kind: model.KindImportedFunctionInvoked,
		ImportedFunctionInvoked: &model.ImportedFunctionInvokedEntry{
			FunctionName:   function,
			RequestRef:     reqRef,
			ResponseRef:    respRef,
			DurabilityType: durability,
		},
	}); err != nil {
		return nil, fmt.Errorf("loop: record imported call: %w", err)
	}

	return response, callErr
}
