package model

import (
	"fmt"

	"github.com/google/uuid"
)

// IdempotencyKey is a client-chosen or derived string that deduplicates
// invocations against a worker. Its UUID form is preferred but any string
// is accepted as a base for derivation.
type IdempotencyKey string

// rootNamespace is the fixed UUIDv5 namespace used to derive a per-base
// namespace when the base idempotency key does not already parse as a
// UUID. Changing this value would change every derived key ever minted,
// so it must never be regenerated.
var rootNamespace = uuid.MustParse("6f1ea8b0-2f6b-5b8a-9b8e-4b7b1f6a0c2d")

// DeriveIdempotencyKey computes a deterministic child key for the nth
// (by oplog index) invocation spawned from base, e.g. for RPC calls a
// parent invocation makes without persisting a dedicated key for each.
//
// The scheme:
//   - namespace = base, parsed as a UUID, if it parses; otherwise
//     namespace = UUIDv5(rootNamespace, base) — a stable per-base namespace.
//   - result = UUIDv5(namespace, "oplog-index-<idx>")
//
// Equal (base, idx) pairs always produce equal keys, on any machine, in
// any process: both uuid.NewSHA1 and the namespace derivation above are
// pure functions of their inputs.
func DeriveIdempotencyKey(base IdempotencyKey, idx OplogIndex) IdempotencyKey {
	namespace, err := uuid.Parse(string(base))
	if err != nil {
		namespace = uuid.NewSHA1(rootNamespace, []byte(base))
	}
	name := fmt.Sprintf("oplog-index-%d", uint64(idx))
	derived := uuid.NewSHA1(namespace, []byte(name))
	return IdempotencyKey(derived.String())
}

// NewIdempotencyKey mints a fresh random (v4) idempotency key, for callers
// that do not supply their own.
func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey(uuid.New().String())
}
