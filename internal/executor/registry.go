// Package executor implements the node-level Worker registry: it owns
// exactly one internal/worker.Worker per WorkerId that has ever been
// touched on this node, wiring together the Oplog, StatusDeriver,
// InvocationQueue, IdempotencyRegistry, instance Slot, and EventsBus
// each Worker needs, the way a node-level process table owns one
// tracked entry per PID.
package executor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/admission"
	"github.com/golemcloud/golem-worker-executor/internal/eventsbus"
	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/idempotency"
	"github.com/golemcloud/golem-worker-executor/internal/instance"
	"github.com/golemcloud/golem-worker-executor/internal/loop"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/oplog"
	"github.com/golemcloud/golem-worker-executor/internal/queue"
	"github.com/golemcloud/golem-worker-executor/internal/retry"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
	"github.com/golemcloud/golem-worker-executor/internal/status"
	"github.com/golemcloud/golem-worker-executor/internal/worker"
)

// Config bundles the collaborators and tuning shared by every Worker
// this registry creates.
type Config struct {
	Storage       external.OplogStorage
	Components    external.ComponentService
	Engine        runtime.Engine
	WorkerService external.WorkerService
	Scheduler     external.SchedulerService
	Admission     *admission.Controller
	HostAPI       loop.HostAPI

	MemoryCoefficient float64
	DefaultRetry      model.RetryConfig
	OOMRetry          model.RetryConfig
	Durability        model.DurabilityLevel
	EventBusCapacity  int
	EventHistorySize  int
	DriftCheckEvery   int64

	Logger *zap.Logger
}

// Registry owns every Worker live on this node, keyed by WorkerId. A
// worker stays registered for the node process's lifetime once touched
// once — its Slot going Unloaded only tears down the running instance,
// not the Worker façade itself, since a cached, suspended status must
// still answer get_or_create_suspended cheaply.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	workers map[model.WorkerId]*worker.Worker
}

// New returns an empty Registry bound to cfg. cfg.Admission is shared
// across every Worker created by this Registry ("the
// AdmissionController is the only truly shared resource").
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, workers: make(map[model.WorkerId]*worker.Worker)}
}

// Get returns the already-registered Worker for id, or nil if this node
// has never touched it.
func (r *Registry) Get(id model.WorkerId) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

// GetOrCreate returns the registered Worker for owner, loading its oplog
// and deriving its status from scratch the first time this node sees
// it — both get_or_create_suspended and get_or_create_running start
// from whatever is durable, and never fail just because the worker
// hasn't been instantiated before. A brand-new WorkerId with an empty
// oplog is created here by appending its Create entry, so GetOrCreate
// also serves as the create_worker entry point new workers arrive
// through; newWorker is only consulted when the oplog is empty.
func (r *Registry) GetOrCreate(ctx context.Context, owner model.OwnedWorkerId, newWorker *model.CreateEntry) (*worker.Worker, error) {
	r.mu.Lock()
	if w, ok := r.workers[owner.WorkerId]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	log, err := oplog.Open(ctx, r.cfg.Storage, owner, r.cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("executor: open oplog for %s: %w", owner, err)
	}

	if log.CurrentIndex().IsNone() {
		if newWorker == nil {
			return nil, fmt.Errorf("executor: worker %s does not exist", owner)
		}
		entry := model.OplogEntry{Kind: model.KindCreate, Create: newWorker}
		if _, err := log.Append(ctx, entry); err != nil {
			return nil, fmt.Errorf("executor: append Create for %s: %w", owner, err)
		}
		if _, err := log.Commit(ctx, r.cfg.Durability); err != nil {
			return nil, fmt.Errorf("executor: commit Create for %s: %w", owner, err)
		}
	}

	retryCfg := r.cfg.DefaultRetry
	guard := status.NewGuard(r.cfg.Logger, r.cfg.DriftCheckEvery)
	record, err := status.RecomputeFromScratch(ctx, log, &retryCfg)
	if err != nil {
		return nil, fmt.Errorf("executor: derive status for %s: %w", owner, err)
	}
	handle := status.NewHandle(record, guard, &retryCfg, r.cfg.Logger)

	q := queue.New()
	idem := idempotency.New(log)
	slot := instance.New()
	bus := eventsbus.New(r.cfg.EventBusCapacity, r.cfg.EventHistorySize)
	breaker := retry.NewCreateInstanceBreaker(r.cfg.Logger.With(zap.Stringer("worker", owner)))

	for _, inv := range record.PendingInvocations {
		q.Enqueue(&queue.Item{Kind: queue.ItemExternal, Invocation: inv})
	}

	loopParams := &loop.Params{
		Components:        r.cfg.Components,
		Engine:            r.cfg.Engine,
		Admission:         r.cfg.Admission,
		Breaker:           breaker,
		HostAPI:           r.cfg.HostAPI,
		MemoryCoefficient: r.cfg.MemoryCoefficient,
		DefaultRetry:      r.cfg.DefaultRetry,
		Durability:        r.cfg.Durability,
		Logger:            r.cfg.Logger.With(zap.Stringer("worker", owner)),
	}

	w := worker.New(owner, log, handle, q, idem, slot, bus, r.cfg.WorkerService, r.cfg.Scheduler, loopParams, r.cfg.OOMRetry, r.cfg.Logger.With(zap.Stringer("worker", owner)))

	r.mu.Lock()
	if existing, ok := r.workers[owner.WorkerId]; ok {
		// Lost a race against a concurrent first-touch; keep the winner
		// and let this one (along with its freshly opened Oplog/Queue)
		// be garbage collected.
		r.mu.Unlock()
		return existing, nil
	}
	r.workers[owner.WorkerId] = w
	r.mu.Unlock()
	return w, nil
}

// All lists every currently registered WorkerId, for the admin socket's
// list command.
func (r *Registry) All() []model.WorkerId {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]model.WorkerId, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// StopAll tears down every registered Worker's running instance,
// releasing its admission permit ("stop"), used during node
// shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}
