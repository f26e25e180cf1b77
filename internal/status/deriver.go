// Package status implements the StatusDeriver: the pure
// fold from an oplog prefix to a WorkerStatusRecord, plus a determinism
// Guard that periodically cross-checks the fast incremental path against
// a from-scratch recompute.
package status

import (
	"context"
	"fmt"

	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
)

// Reader is the subset of oplog.Oplog that RecomputeFromScratch needs.
// Kept as an interface so tests can fold over a canned slice of entries
// without standing up a real Oplog.
type Reader interface {
	CurrentIndex() model.OplogIndex
	Read(ctx context.Context, idx model.OplogIndex) (model.OplogEntry, error)
}

var _ Reader = (*oplog.Oplog)(nil)

// Indexed pairs an entry with the index it was (or will be) assigned,
// since UpdateIncremental folds freshly appended entries whose indices
// the caller already knows.
type Indexed struct {
	Index model.OplogIndex
	Entry model.OplogEntry
}

// isDetaching reports whether applying entry makes the incremental path
// invalid, requiring a full RecomputeFromScratch: a
// Revert, a snapshot-based SuccessfulUpdate, or a manual Jump all rewrite
// history that the running record didn't see coming.
func isDetaching(e model.OplogEntry) bool {
	switch e.Kind {
	case model.KindRevert, model.KindJump:
		return true
	case model.KindSuccessfulUpdate:
		return e.SuccessfulUpdate != nil && e.SuccessfulUpdate.SnapshotBased
	default:
		return false
	}
}

// UpdateIncremental folds newEntries into old one at a time. It returns
// (nil, false) the moment it reaches a detaching entry — the caller must
// then call RecomputeFromScratch instead of trusting the partial fold.
// Otherwise it returns the fully updated record and true.
func UpdateIncremental(old *model.WorkerStatusRecord, newEntries []Indexed, retryCfg *model.RetryConfig) (*model.WorkerStatusRecord, bool) {
	rec := old.Clone()
	for _, ie := range newEntries {
		if isDetaching(ie.Entry) {
			return nil, false
		}
		applyEntry(rec, ie.Index, ie.Entry)
	}
	if rec.OverriddenRetryConfig == nil && retryCfg != nil {
		cfg := *retryCfg
		rec.OverriddenRetryConfig = &cfg
	}
	return rec, true
}

// RecomputeFromScratch reads every entry from index 1 to the oplog's
// current index and folds them into a fresh record, honoring deletion
// regions introduced by Revert entries anywhere in the log, applying
// deletion regions as it goes.
//
// Revert entries describe a region of indices strictly below their own
// index, so a single forward pass can't know to skip an entry until
// after it already folded it. This does two passes: the first collects
// every region a Revert entry introduces, the second folds the log
// while skipping any index inside a known region.
func RecomputeFromScratch(ctx context.Context, log Reader, retryCfg *model.RetryConfig) (*model.WorkerStatusRecord, error) {
	last := log.CurrentIndex()

	var regions []model.OplogRegion
	for idx := model.FirstOplogIndex; idx <= last; idx = idx.Next() {
		e, err := log.Read(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("status: recompute: read index %d: %w", idx, err)
		}
		if e.Kind == model.KindRevert && e.Revert != nil {
			regions = append(regions, e.Revert.Region)
		}
	}

	rec := model.NewWorkerStatusRecord()
	rec.SkippedRegions = regions
	rec.DeletedRegions = append([]model.OplogRegion(nil), regions...)

	for idx := model.FirstOplogIndex; idx <= last; idx = idx.Next() {
		if rec.IsIndexSkipped(idx) {
			continue
		}
		e, err := log.Read(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("status: recompute: read index %d: %w", idx, err)
		}
		applyEntry(rec, idx, e)
	}

	if rec.OverriddenRetryConfig == nil && retryCfg != nil {
		cfg := *retryCfg
		rec.OverriddenRetryConfig = &cfg
	}
	return rec, nil
}

func applyEntry(rec *model.WorkerStatusRecord, idx model.OplogIndex, e model.OplogEntry) {
	rec.OplogIdx = idx

	switch e.Kind {
	case model.KindCreate:
		c := e.Create
		rec.ComponentVersion = c.ComponentVersion
		rec.ComponentVersionForReplay = c.ComponentVersion
		rec.ComponentSize = c.ComponentSize
		rec.TotalLinearMemorySize = c.TotalLinearMemorySize
		rec.ActivePlugins = append([]model.PluginInstallationId(nil), c.ActivePlugins...)
		rec.Status = model.WorkerStatusIdle

	case model.KindPendingWorkerInvocation:
		rec.PendingInvocations = append(rec.PendingInvocations, *e.PendingWorkerInvocation)

	case model.KindCancelPendingInvocation:
		rec.PendingInvocations = removePending(rec.PendingInvocations, e.CancelPendingInvocation.IdempotencyKey)

	case model.KindExportedFunctionInvoked:
		k := e.ExportedFunctionInvoked.IdempotencyKey
		rec.PendingInvocations = removePending(rec.PendingInvocations, k)
		rec.CurrentIdempotencyKey = k
		rec.Status = model.WorkerStatusRunning

	case model.KindExportedFunctionCompleted:
		rec.InvocationResults[rec.CurrentIdempotencyKey] = idx
		rec.Status = model.WorkerStatusIdle

	case model.KindError:
		rec.InvocationResults[rec.CurrentIdempotencyKey] = idx
		rec.Status = model.WorkerStatusFailed

	case model.KindInterrupted:
		rec.InvocationResults[rec.CurrentIdempotencyKey] = idx
		rec.Status = model.WorkerStatusInterrupted

	case model.KindExited:
		rec.InvocationResults[rec.CurrentIdempotencyKey] = idx
		rec.Status = model.WorkerStatusExited

	case model.KindPendingUpdate:
		rec.PendingUpdates = append(rec.PendingUpdates, *e.PendingUpdate)

	case model.KindSuccessfulUpdate:
		su := e.SuccessfulUpdate
		rec.PendingUpdates = popMatchingUpdate(rec.PendingUpdates, su.TargetVersion)
		rec.SuccessfulUpdates = append(rec.SuccessfulUpdates, model.SuccessfulUpdateRecord{
			TargetVersion: su.TargetVersion,
			AtOplogIndex:  idx,
		})
		rec.ComponentVersion = su.TargetVersion
		if su.SnapshotBased {
			rec.ComponentVersionForReplay = su.TargetVersion
		}

	case model.KindFailedUpdate:
		fu := e.FailedUpdate
		rec.PendingUpdates = popMatchingUpdate(rec.PendingUpdates, fu.TargetVersion)
		rec.FailedUpdates = append(rec.FailedUpdates, model.FailedUpdateRecord{
			TargetVersion: fu.TargetVersion,
			Details:       fu.Details,
			AtOplogIndex:  idx,
		})

	case model.KindActivatePlugin:
		rec.ActivePlugins = append(rec.ActivePlugins, e.Plugin.Id)

	case model.KindDeactivatePlugin:
		rec.ActivePlugins = removePlugin(rec.ActivePlugins, e.Plugin.Id)

	case model.KindRevert:
		region := e.Revert.Region
		rec.SkippedRegions = appendRegionIfMissing(rec.SkippedRegions, region)
		rec.DeletedRegions = appendRegionIfMissing(rec.DeletedRegions, region)

	case model.KindChangeRetryPolicy:
		cfg := *e.ChangeRetryPolicy
		rec.OverriddenRetryConfig = &cfg

	case model.KindBeginAtomicRegion, model.KindEndAtomicRegion, model.KindJump:
		// Tracked by internal/loop during replay; no status-record effect.
	}
}

func removePending(pending []model.PendingWorkerInvocationRecord, k model.IdempotencyKey) []model.PendingWorkerInvocationRecord {
	out := pending[:0:0]
	for _, p := range pending {
		if p.IdempotencyKey != k {
			out = append(out, p)
		}
	}
	return out
}

func popMatchingUpdate(pending []model.UpdateDescription, target model.ComponentVersion) []model.UpdateDescription {
	for i, u := range pending {
		if u.TargetVersion == target {
			out := append([]model.UpdateDescription(nil), pending[:i]...)
			return append(out, pending[i+1:]...)
		}
	}
	return pending
}

func removePlugin(plugins []model.PluginInstallationId, id model.PluginInstallationId) []model.PluginInstallationId {
	out := plugins[:0:0]
	for _, p := range plugins {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

func appendRegionIfMissing(regions []model.OplogRegion, r model.OplogRegion) []model.OplogRegion {
	for _, existing := range regions {
		if existing == r {
			return regions
		}
	}
	return append(regions, r)
}
