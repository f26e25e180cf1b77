// Package external defines every out-of-scope collaborator the core
// consumes only through an interface ("Out of scope") plus the
// reference implementations used by the unit and integration tests. The
// production implementation of OplogStorage lives in internal/oplogstore
// (bbolt-backed); everything else here has only an in-memory reference
// implementation because the core genuinely does not care how it is
// really implemented — it is cluster routing, component fetching, and
// other nodes' business.
package external

import (
	"context"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// OplogStorage is the physical storage collaborator behind
// internal/oplog.Oplog. A single OplogStorage instance is shared across
// all workers on a node; every method is scoped by OwnedWorkerId.
type OplogStorage interface {
	// EnsureOpen opens the log for owner, creating it if absent. Safe to
	// call repeatedly.
	EnsureOpen(ctx context.Context, owner model.OwnedWorkerId) error

	// AppendEntries assigns the next contiguous OplogIndex values to
	// entries, in order, and returns them. The entries are not
	// guaranteed durable until a subsequent Commit.
	AppendEntries(ctx context.Context, owner model.OwnedWorkerId, entries []model.OplogEntry) ([]model.OplogIndex, error)

	// Commit flushes everything appended since the previous commit at
	// the given durability level.
	Commit(ctx context.Context, owner model.OwnedWorkerId, level model.DurabilityLevel) error

	// Read returns the entry at idx. May hit cold storage.
	Read(ctx context.Context, owner model.OwnedWorkerId, idx model.OplogIndex) (model.OplogEntry, error)

	// CurrentIndex returns the highest assigned index for owner, or
	// NoOplogIndex if nothing has ever been appended.
	CurrentIndex(ctx context.Context, owner model.OwnedWorkerId) (model.OplogIndex, error)

	// PutPayload stores an opaque blob and returns a reference to it.
	PutPayload(ctx context.Context, owner model.OwnedWorkerId, data []byte) (model.PayloadRef, error)

	// GetPayload resolves a reference written by PutPayload. Returns an
	// error if ref is unknown for owner; decoding the bytes is the
	// caller's job.
	GetPayload(ctx context.Context, owner model.OwnedWorkerId, ref model.PayloadRef) ([]byte, error)
}

// ComponentMetadata is the subset of component metadata the loop needs to
// decide how to instantiate a version ("ComponentService").
type ComponentMetadata struct {
	Version               model.ComponentVersion
	Size                  uint64
	TotalLinearMemorySize uint64
}

// ComponentService fetches component code and metadata. Out of scope per
// ; specified here only by the interface the core consumes.
type ComponentService interface {
	GetMetadata(ctx context.Context, id model.ComponentId, version model.ComponentVersion) (ComponentMetadata, error)
	Get(ctx context.Context, id model.ComponentId, version model.ComponentVersion) ([]byte, error)
}

// WorkerMetadata is what WorkerService indexes for lookup by id — it
// caches a WorkerStatusRecord for fast reads, which "MUST
// NOT be trusted for correctness decisions within the loop".
type WorkerMetadata struct {
	OwnedWorkerId model.OwnedWorkerId
	CachedStatus  *model.WorkerStatusRecord
}

// WorkerService is the cluster-wide worker metadata index. Out of scope
//; the core only reads/writes its own worker's cached
// metadata through this interface.
type WorkerService interface {
	Lookup(ctx context.Context, id model.WorkerId) (WorkerMetadata, bool, error)
	UpdateCachedStatus(ctx context.Context, id model.OwnedWorkerId, status *model.WorkerStatusRecord) error
}

// SchedulerService schedules and cancels future invocations, producing
// a ScheduleId for each schedule_cancelable_invocation.
type SchedulerService interface {
	Schedule(ctx context.Context, owner model.OwnedWorkerId, at int64, invocation model.PendingWorkerInvocationRecord) (model.ScheduleId, error)
	Cancel(ctx context.Context, id model.ScheduleId) error
}
