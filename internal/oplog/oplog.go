// Package oplog implements the per-worker oplog component logic: a
// thin, buffering wrapper around external.OplogStorage that tracks what
// has been appended but not yet committed, so append() can be
// non-blocking while commit() is the only operation that suspends on
// durable I/O.
package oplog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// ErrCorruptPayload is the error callers of GetPayload wrap when the
// stored bytes don't decode as they expect.
var ErrCorruptPayload = fmt.Errorf("oplog: corrupt payload")

// Oplog is the append/commit/read surface for a single worker's log.
// Safe for concurrent use; append and read may be called from multiple
// goroutines but commit's buffer is drained under a single mutex so
// concurrent commits never double-flush the same entries.
type Oplog struct {
	owner   model.OwnedWorkerId
	storage external.OplogStorage
	logger  *zap.Logger

	mu      sync.Mutex
	pending []model.OplogEntry // appended, not yet committed
	current model.OplogIndex   // highest index assigned so far (committed or not)
}

// Open attaches to owner's log, creating it if this is the first time the
// worker has run.
func Open(ctx context.Context, storage external.OplogStorage, owner model.OwnedWorkerId, logger *zap.Logger) (*Oplog, error) {
	if err := storage.EnsureOpen(ctx, owner); err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", owner, err)
	}
	idx, err := storage.CurrentIndex(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("oplog: current index for %s: %w", owner, err)
	}
	return &Oplog{owner: owner, storage: storage, logger: logger.With(zap.Stringer("worker", owner)), current: idx}, nil
}

// Append assigns the next OplogIndex to entry and buffers it; it is not
// durable until the next Commit. Per , append failure is
// fatal to the current invocation and must be surfaced as retryable —
// here that only happens if the in-process buffer itself can't grow,
// which in practice never fails; the call signature returns an error so
// callers (internal/loop) have a single uniform error path regardless of
// what appends a given entry.
func (o *Oplog) Append(_ context.Context, entry model.OplogEntry) (model.OplogIndex, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = o.current.Next()
	o.pending = append(o.pending, entry)
	return o.current, nil
}

// Commit flushes every entry appended since the previous commit, in
// index order, at the given durability level. Returns the flushed
// entries' indices ("commit(level) returns all entries
// appended since the previous commit").
func (o *Oplog) Commit(ctx context.Context, level model.DurabilityLevel) ([]model.OplogIndex, error) {
	o.mu.Lock()
	batch := o.pending
	o.pending = nil
	o.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	indices, err := o.storage.AppendEntries(ctx, o.owner, batch)
	if err != nil {
		// Put the batch back so a retried commit doesn't lose entries.
		o.mu.Lock()
		o.pending = append(batch, o.pending...)
		o.mu.Unlock()
		return nil, fmt.Errorf("oplog: append entries for %s: %w", o.owner, err)
	}
	if err := o.storage.Commit(ctx, o.owner, level); err != nil {
		return nil, fmt.Errorf("oplog: commit(%s) for %s: %w", level, o.owner, err)
	}
	o.logger.Debug("committed oplog batch", zap.Int("count", len(batch)), zap.String("level", level.String()))
	return indices, nil
}

// Read returns the entry at idx. Failure during replay is fatal to the
// worker; callers (internal/loop) are responsible for
// marking the worker Failed on error.
func (o *Oplog) Read(ctx context.Context, idx model.OplogIndex) (model.OplogEntry, error) {
	return o.storage.Read(ctx, o.owner, idx)
}

// CurrentIndex returns the highest index assigned so far, including
// entries still pending commit.
func (o *Oplog) CurrentIndex() model.OplogIndex {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// PutPayload stores a large blob referenced by an entry and returns its
// reference.
func (o *Oplog) PutPayload(ctx context.Context, data []byte) (model.PayloadRef, error) {
	return o.storage.PutPayload(ctx, o.owner, data)
}

// GetPayload fetches a blob referenced by an entry. Callers that expect a
// specific decoded shape should wrap the returned bytes' unmarshal error
// in ErrCorruptPayload.
func (o *Oplog) GetPayload(ctx context.Context, ref model.PayloadRef) ([]byte, error) {
	data, err := o.storage.GetPayload(ctx, o.owner, ref)
	if err != nil {
		return nil, fmt.Errorf("oplog: get payload %s for %s: %w", ref, o.owner, err)
	}
	return data, nil
}
