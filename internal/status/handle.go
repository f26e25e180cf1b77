package status

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// Handle is the shared, lock-guarded WorkerStatusRecord that both
// internal/loop (folding newly appended entries as it executes) and
// internal/worker (reading a consistent snapshot for idempotency lookups
// and cached-status publication) operate on — the "status async RW
// lock" in 's lock order (instance -> queue -> results ->
// status -> update-state). Modeled as Attached{record}/Detached per the
// design note in  rather than a boolean "dirty" flag: Apply
// always leaves the Handle in the Attached state by falling back to
// RecomputeFromScratch itself, so callers never observe a detached gap.
type Handle struct {
	mu     sync.RWMutex
	record *model.WorkerStatusRecord
	guard  *Guard
	retry  *model.RetryConfig
	logger *zap.Logger
}

// NewHandle wraps an already-derived record (typically from
// RecomputeFromScratch at worker load time). guard may be nil to disable
// drift checking.
func NewHandle(record *model.WorkerStatusRecord, guard *Guard, retry *model.RetryConfig, logger *zap.Logger) *Handle {
	return &Handle{record: record, guard: guard, retry: retry, logger: logger}
}

// Snapshot returns a deep copy of the current record, safe for the
// caller to read without further locking.
func (h *Handle) Snapshot() *model.WorkerStatusRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.record.Clone()
}

// Apply folds newEntries into the current record via UpdateIncremental,
// falling back to RecomputeFromScratch against log when a detaching
// entry is encountered. A configured Guard's periodic
// drift check runs after every successful fold; a detected drift is
// logged but does not block the caller — the recomputed record is
// always what ends up stored, so a drift only ever self-heals.
func (h *Handle) Apply(ctx context.Context, log Reader, newEntries []Indexed) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec, ok := UpdateIncremental(h.record, newEntries, h.retry); ok {
		h.record = rec
	} else {
		rec, err := RecomputeFromScratch(ctx, log, h.retry)
		if err != nil {
			return err
		}
		h.record = rec
	}

	if h.guard != nil {
		if err := h.guard.Check(ctx, h.record, log, h.retry); err != nil {
			if h.logger != nil {
				h.logger.Warn("status drift self-healed by recompute", zap.Error(err))
			}
			if err == ErrDrift {
				if rec, rerr := RecomputeFromScratch(ctx, log, h.retry); rerr == nil {
					h.record = rec
				}
			}
		}
	}
	return nil
}

// Recompute unconditionally replaces the record with a fresh
// RecomputeFromScratch — used after Revert ("calls
// StatusDeriver.recompute_from_scratch") and at worker load.
func (h *Handle) Recompute(ctx context.Context, log Reader) error {
	rec, err := RecomputeFromScratch(ctx, log, h.retry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.record = rec
	h.mu.Unlock()
	return nil
}
