package model

import "time"

// OplogEntryKind discriminates the OplogEntry sum type.
// Values are stable on the wire (internal/oplogstore's JSON envelope
// stores Kind as its numeric value) — append new kinds at the end, never
// reuse a value.
type OplogEntryKind uint8

const (
	KindCreate OplogEntryKind = iota
	KindExportedFunctionInvoked
	KindExportedFunctionCompleted
	KindImportedFunctionInvoked
	KindPendingWorkerInvocation
	KindCancelPendingInvocation
	KindPendingUpdate
	KindSuccessfulUpdate
	KindFailedUpdate
	KindActivatePlugin
	KindDeactivatePlugin
	KindRevert
	KindError
	KindInterrupted
	KindExited
	KindChangeRetryPolicy
	KindBeginAtomicRegion
	KindEndAtomicRegion
	KindJump
)

// PayloadRef is an opaque key resolved by the Oplog's payload store into a
// typed blob (params, responses, large request/response bodies). Kept out
// of the OplogEntry itself so the entry stays small and cheap to fold.
type PayloadRef string

// UpdateDescription describes how a pending update should switch the
// worker's component version.
type UpdateDescription struct {
	TargetVersion  ComponentVersion
	SnapshotBased  bool
	SnapshotParams PayloadRef // only set when SnapshotBased
}

// InterruptKind distinguishes the three ways a running invocation can be
// torn down.
type InterruptKind uint8

const (
	InterruptKindInterrupt InterruptKind = iota
	InterruptKindRestart
	InterruptKindSuspend
)

func (k InterruptKind) String() string {
	switch k {
	case InterruptKindInterrupt:
		return "Interrupt"
	case InterruptKindRestart:
		return "Restart"
	case InterruptKindSuspend:
		return "Suspend"
	default:
		return "Unknown"
	}
}

// DurableFunctionType classifies an imported (host) function call so
// replay knows whether it's safe to substitute the recorded result
// without re-performing the side effect.
type DurableFunctionType uint8

const (
	DurableFunctionReadLocal DurableFunctionType = iota
	DurableFunctionWriteLocal
	DurableFunctionReadRemote
	DurableFunctionWriteRemote
)

// RetryConfig is the policy applied after a trap, and the OOM restart
// policy. Implemented over github.com/cenkalti/backoff/v5 in
// internal/retry.
type RetryConfig struct {
	MaxAttempts     int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	MaxJitterFactor float64 // 0 means "no jitter configured"
}

// PendingWorkerInvocationRecord is the persisted form of an invocation
// request before it is picked up by the invocation loop.
type PendingWorkerInvocationRecord struct {
	IdempotencyKey IdempotencyKey
	FunctionName   string
	ParamsRef      PayloadRef
	Context        InvocationContext
}

// InvocationContext carries caller-supplied tracing/attribution data
// through an invocation. Kept intentionally small and opaque to the core.
type InvocationContext struct {
	TraceId  string
	ParentId IdempotencyKey
}

// OplogEntry is the tagged-union record appended to a worker's oplog.
// Exactly one of the kind-specific fields below is meaningful for a given
// Kind; the zero value of the others is ignored. This mirrors the
// single-struct-with-discriminant style used for wire records elsewhere
// in this codebase (see internal/adminsock.Request/Response) rather than
// an interface-per-variant, because entries are folded in tight loops
// (internal/status) where an interface dispatch per field read would be
// needless overhead.
type OplogEntry struct {
	Kind      OplogEntryKind
	Timestamp time.Time

	// KindCreate
	Create *CreateEntry

	// KindExportedFunctionInvoked
	ExportedFunctionInvoked *ExportedFunctionInvokedEntry

	// KindExportedFunctionCompleted
	ExportedFunctionCompleted *ExportedFunctionCompletedEntry

	// KindImportedFunctionInvoked
	ImportedFunctionInvoked *ImportedFunctionInvokedEntry

	// KindPendingWorkerInvocation
	PendingWorkerInvocation *PendingWorkerInvocationRecord

	// KindCancelPendingInvocation
	CancelPendingInvocation *CancelPendingInvocationEntry

	// KindPendingUpdate
	PendingUpdate *UpdateDescription

	// KindSuccessfulUpdate
	SuccessfulUpdate *SuccessfulUpdateEntry

	// KindFailedUpdate
	FailedUpdate *FailedUpdateEntry

	// KindActivatePlugin / KindDeactivatePlugin
	Plugin *PluginEntry

	// KindRevert
	Revert *RevertEntry

	// KindError
	Error *ErrorEntry

	// KindChangeRetryPolicy
	ChangeRetryPolicy *RetryConfig

	// KindBeginAtomicRegion / KindEndAtomicRegion / KindJump
	Region *OplogRegion
}

type CreateEntry struct {
	ComponentVersion        ComponentVersion
	ArgsRef                 PayloadRef
	EnvRef                  PayloadRef
	WasiConfigVarsRef       PayloadRef
	Parent                  *WorkerId
	ComponentSize           uint64
	TotalLinearMemorySize   uint64
	ActivePlugins           []PluginInstallationId
}

type ExportedFunctionInvokedEntry struct {
	IdempotencyKey    IdempotencyKey
	FunctionName      string
	ParamsRef         PayloadRef
	InvocationContext InvocationContext
}

type ExportedFunctionCompletedEntry struct {
	ResponseRef  PayloadRef
	ConsumedFuel int64
}

type ImportedFunctionInvokedEntry struct {
	FunctionName   string
	RequestRef     PayloadRef
	ResponseRef    PayloadRef
	DurabilityType DurableFunctionType
}

type CancelPendingInvocationEntry struct {
	IdempotencyKey IdempotencyKey
}

type SuccessfulUpdateEntry struct {
	TargetVersion ComponentVersion
	SnapshotBased bool
}

type FailedUpdateEntry struct {
	TargetVersion ComponentVersion
	Details       string
}

type PluginEntry struct {
	Id        PluginInstallationId
	Activated bool
}

type RevertEntry struct {
	Region OplogRegion
}

type ErrorKind uint8

const (
	ErrorKindRuntime ErrorKind = iota
	ErrorKindInvocationFailed
	ErrorKindOutOfMemory
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindRuntime:
		return "Runtime"
	case ErrorKindInvocationFailed:
		return "InvocationFailed"
	case ErrorKindOutOfMemory:
		return "OutOfMemory"
	default:
		return "Unknown"
	}
}

type ErrorEntry struct {
	Kind    ErrorKind
	Message string
	Stderr  string
}
