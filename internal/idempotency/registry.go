// Package idempotency implements the IdempotencyRegistry:
// a logical map from IdempotencyKey to InvocationResult, backed by the
// worker's own status record rather than a separate store, so a lookup
// is always consistent with what replay would derive.
package idempotency

import (
	"context"
	"fmt"

	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
)

// LookupStatus is the result of looking up an IdempotencyKey: New,
// Pending, Complete (value or error), or Interrupted.
type LookupStatus uint8

const (
	LookupNew LookupStatus = iota
	LookupPending
	LookupComplete
	LookupInterrupted
)

func (s LookupStatus) String() string {
	switch s {
	case LookupNew:
		return "New"
	case LookupPending:
		return "Pending"
	case LookupComplete:
		return "Complete"
	case LookupInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Result is the materialized outcome of a Complete lookup: the payload
// bytes from the ExportedFunctionCompleted entry's response ref, or an
// error if the terminal entry was Error. An Exited entry resolves to
// Complete with neither a response nor an error.
type Result struct {
	Status   LookupStatus
	Response []byte
	Err      error
}

// Registry answers idempotency lookups against a single worker's current
// derived status and oplog. It holds no state of its own beyond a
// reference to both — the "registry" is really just a read path over
// data StatusDeriver already maintains ("Materializing a
// Lazy reads the target oplog entry and any referenced payload").
type Registry struct {
	log *oplog.Oplog
}

// New returns a Registry reading through log.
func New(log *oplog.Oplog) *Registry {
	return &Registry{log: log}
}

// Lookup resolves k against rec, the worker's current WorkerStatusRecord.
func (r *Registry) Lookup(ctx context.Context, rec *model.WorkerStatusRecord, k model.IdempotencyKey) (Result, error) {
	if idx, ok := rec.InvocationResults[k]; ok {
		return r.materialize(ctx, idx)
	}
	for _, p := range rec.PendingInvocations {
		if p.IdempotencyKey == k {
			return Result{Status: LookupPending}, nil
		}
	}
	return Result{Status: LookupNew}, nil
}

// materialize reads the oplog entry at idx (a Lazy result) and resolves
// it into a Complete or Interrupted Result. A read failure is a
// transient error the caller should retry.
func (r *Registry) materialize(ctx context.Context, idx model.OplogIndex) (Result, error) {
	entry, err := r.log.Read(ctx, idx)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: materialize index %d: %w", idx, err)
	}

	switch entry.Kind {
	case model.KindExportedFunctionCompleted:
		if entry.ExportedFunctionCompleted.ResponseRef == "" {
			return Result{Status: LookupComplete}, nil
		}
		data, err := r.log.GetPayload(ctx, entry.ExportedFunctionCompleted.ResponseRef)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency: materialize index %d: %w", idx, err)
		}
		return Result{Status: LookupComplete, Response: data}, nil

	case model.KindError:
		return Result{Status: LookupComplete, Err: fmt.Errorf("%s: %s", entry.Error.Kind, entry.Error.Message)}, nil

	case model.KindExited:
		return Result{Status: LookupComplete}, nil

	case model.KindInterrupted:
		return Result{Status: LookupInterrupted}, nil

	default:
		return Result{}, fmt.Errorf("idempotency: index %d is not a terminal invocation entry (kind=%d)", idx, entry.Kind)
	}
}
