// Package runtime defines the Go interface the core consumes for the
// bytecode engine itself: instantiating a component version into a
// running Instance and invoking its exported functions (
// "builds a Store, links host APIs, instantiates"). The physical engine
// (the WASM runtime) is out of scope for the core in the
// same sense ComponentService and WorkerService are — this package only
// specifies the interface plus an in-memory reference Engine used by
// tests, the same pattern internal/external uses for its collaborators.
package runtime

import (
	"context"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// HostCallBridge lets an exported function invocation perform or replay
// imported (host) function calls. During live execution it performs the
// real call and records it; during replay it returns the recorded
// response without touching anything real ("For each
// ImportedFunctionInvoked the host call returns the recorded response
// without performing the side effect").
type HostCallBridge interface {
	Call(ctx context.Context, function string, request []byte, durability model.DurableFunctionType) ([]byte, error)
}

// Trap is what an exported function invocation returns when it does not
// complete cleanly ("classified from the runtime exit code").
// Exited marks the component-initiated clean exit path ('s
// third terminator kind, KindExited) as distinct from an error trap; Kind
// and Message are meaningless when Exited is set.
type Trap struct {
	Kind    model.ErrorKind
	Message string
	Stderr  string
	Exited  bool
}

// InvokeResult is the outcome of Instance.Invoke: exactly one of
// Response or Trap is set.
type InvokeResult struct {
	Response []byte
	Trap     *Trap
}

// Instance is one live, instantiated component version plus its Store.
// The loop holds exactly one per Running WorkerInstance.
type Instance interface {
	// Invoke calls the named exported function with params, using bridge
	// for any imported calls it makes. ctx cancellation must cause Invoke
	// to return promptly ("epoch callback yields").
	Invoke(ctx context.Context, function string, params []byte, bridge HostCallBridge) (InvokeResult, error)

	// Close tears down the instance's Store and any resources it holds.
	Close(ctx context.Context) error
}

// Environment carries everything an Engine needs to instantiate a
// component beyond its raw code: the active plugin set and any WASI
// config, matching the fields recorded in model.CreateEntry so replay
// reinstantiates with identical linkage.
type Environment struct {
	ComponentVersion model.ComponentVersion
	ActivePlugins    []model.PluginInstallationId
}

// Engine instantiates component code into a running Instance.
type Engine interface {
	Instantiate(ctx context.Context, code []byte, env Environment) (Instance, error)
}
