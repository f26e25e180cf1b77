package runtime

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc is a reference exported-function implementation used by
// InMemoryEngine: it stands in for compiled bytecode, letting the unit
// and integration tests exercise the loop without a real WASM runtime. It
// may call bridge.Call to perform imported (host) calls, exactly as a
// compiled component's generated bindings would.
type HandlerFunc func(ctx context.Context, params []byte, bridge HostCallBridge) InvokeResult

// InMemoryEngine is a reference Engine whose "code" is just a key into a
// registry of HandlerFunc tables, one table per registered code blob.
// Register the table before handing the corresponding bytes to a
// external.ComponentService so CreateInstance's Engine.Instantiate call
// resolves it.
type InMemoryEngine struct {
	mu     sync.Mutex
	tables map[string]map[string]HandlerFunc
}

func NewInMemoryEngine() *InMemoryEngine {
	return &InMemoryEngine{tables: make(map[string]map[string]HandlerFunc)}
}

// RegisterComponent associates code (used verbatim as the registry key,
// so tests typically just use a short ASCII name) with a table of
// exported function handlers, and returns the bytes to hand to
// external.InMemoryComponentService.Register.
func (e *InMemoryEngine) RegisterComponent(code string, functions map[string]HandlerFunc) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables[code] = functions
	return []byte(code)
}

func (e *InMemoryEngine) Instantiate(_ context.Context, code []byte, env Environment) (Instance, error) {
	e.mu.Lock()
	table, ok := e.tables[string(code)]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("runtime: no registered component for code %q", string(code))
	}
	return &inMemoryInstance{functions: table, env: env}, nil
}

type inMemoryInstance struct {
	functions map[string]HandlerFunc
	env       Environment
}

func (i *inMemoryInstance) Invoke(ctx context.Context, function string, params []byte, bridge HostCallBridge) (InvokeResult, error) {
	h, ok := i.functions[function]
	if !ok {
		return InvokeResult{}, fmt.Errorf("runtime: component has no exported function %q", function)
	}
	select {
	case <-ctx.Done():
		return InvokeResult{}, ctx.Err()
	default:
	}
	return h(ctx, params, bridge), nil
}

func (i *inMemoryInstance) Close(_ context.Context) error { return nil }
