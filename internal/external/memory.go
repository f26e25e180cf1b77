package external

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// InMemoryOplogStorage is a reference OplogStorage used by unit tests that
// don't need real persistence. The bbolt-backed production implementation
// lives in internal/oplogstore.
type InMemoryOplogStorage struct {
	mu       sync.Mutex
	entries  map[string][]model.OplogEntry
	payloads map[string][]byte
}

func NewInMemoryOplogStorage() *InMemoryOplogStorage {
	return &InMemoryOplogStorage{
		entries:  make(map[string][]model.OplogEntry),
		payloads: make(map[string][]byte),
	}
}

func (s *InMemoryOplogStorage) EnsureOpen(_ context.Context, owner model.OwnedWorkerId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := owner.String()
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = nil
	}
	return nil
}

func (s *InMemoryOplogStorage) AppendEntries(_ context.Context, owner model.OwnedWorkerId, entries []model.OplogEntry) ([]model.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := owner.String()
	indices := make([]model.OplogIndex, 0, len(entries))
	for _, e := range entries {
		s.entries[key] = append(s.entries[key], e)
		indices = append(indices, model.OplogIndex(len(s.entries[key])))
	}
	return indices, nil
}

// Commit is a no-op: everything is already durable (in process memory) the
// instant it's appended. Kept as a method purely to satisfy OplogStorage —
// a real implementation's Commit does the actual fsync/flush.
func (s *InMemoryOplogStorage) Commit(_ context.Context, _ model.OwnedWorkerId, _ model.DurabilityLevel) error {
	return nil
}

func (s *InMemoryOplogStorage) Read(_ context.Context, owner model.OwnedWorkerId, idx model.OplogIndex) (model.OplogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[owner.String()]
	if idx == model.NoOplogIndex || int(idx) > len(entries) {
		return model.OplogEntry{}, fmt.Errorf("oplog: no entry at index %d for %s", idx, owner)
	}
	return entries[idx-1], nil
}

func (s *InMemoryOplogStorage) CurrentIndex(_ context.Context, owner model.OwnedWorkerId) (model.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.OplogIndex(len(s.entries[owner.String()])), nil
}

func (s *InMemoryOplogStorage) PutPayload(_ context.Context, owner model.OwnedWorkerId, data []byte) (model.PayloadRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha1.Sum(data)
	ref := model.PayloadRef(owner.String() + "/" + hex.EncodeToString(sum[:]))
	cp := append([]byte(nil), data...)
	s.payloads[string(ref)] = cp
	return ref, nil
}

func (s *InMemoryOplogStorage) GetPayload(_ context.Context, _ model.OwnedWorkerId, ref model.PayloadRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.payloads[string(ref)]
	if !ok {
		return nil, fmt.Errorf("oplog: no payload for ref %q", ref)
	}
	return data, nil
}

// InMemoryComponentService is a reference ComponentService backed by a
// caller-populated map, useful for tests that need deterministic
// component metadata without a real component store.
type InMemoryComponentService struct {
	mu    sync.Mutex
	specs map[model.ComponentId]map[model.ComponentVersion]ComponentMetadata
	code  map[model.ComponentId]map[model.ComponentVersion][]byte
}

func NewInMemoryComponentService() *InMemoryComponentService {
	return &InMemoryComponentService{
		specs: make(map[model.ComponentId]map[model.ComponentVersion]ComponentMetadata),
		code:  make(map[model.ComponentId]map[model.ComponentVersion][]byte),
	}
}

func (c *InMemoryComponentService) Register(id model.ComponentId, version model.ComponentVersion, meta ComponentMetadata, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.specs[id] == nil {
		c.specs[id] = make(map[model.ComponentVersion]ComponentMetadata)
		c.code[id] = make(map[model.ComponentVersion][]byte)
	}
	c.specs[id][version] = meta
	c.code[id][version] = code
}

func (c *InMemoryComponentService) GetMetadata(_ context.Context, id model.ComponentId, version model.ComponentVersion) (ComponentMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.specs[id][version]
	if !ok {
		return ComponentMetadata{}, fmt.Errorf("external: unknown component %s version %d", id, version)
	}
	return meta, nil
}

func (c *InMemoryComponentService) Get(_ context.Context, id model.ComponentId, version model.ComponentVersion) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	code, ok := c.code[id][version]
	if !ok {
		return nil, fmt.Errorf("external: unknown component %s version %d", id, version)
	}
	return code, nil
}

// InMemoryWorkerService is a reference WorkerService used by tests and by
// single-node deployments that don't need cluster-wide lookup.
type InMemoryWorkerService struct {
	mu    sync.Mutex
	byId  map[model.WorkerId]WorkerMetadata
}

func NewInMemoryWorkerService() *InMemoryWorkerService {
	return &InMemoryWorkerService{byId: make(map[model.WorkerId]WorkerMetadata)}
}

func (w *InMemoryWorkerService) Lookup(_ context.Context, id model.WorkerId) (WorkerMetadata, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	meta, ok := w.byId[id]
	return meta, ok, nil
}

func (w *InMemoryWorkerService) UpdateCachedStatus(_ context.Context, id model.OwnedWorkerId, status *model.WorkerStatusRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byId[id.WorkerId] = WorkerMetadata{OwnedWorkerId: id, CachedStatus: status.Clone()}
	return nil
}

// InMemorySchedulerService is a reference SchedulerService; it records
// schedule/cancel calls rather than actually firing invocations, which is
// enough for tests that only assert a ScheduleId was produced and later
// cancellable.
type InMemorySchedulerService struct {
	mu        sync.Mutex
	next      uint64
	scheduled map[string]bool
}

func NewInMemorySchedulerService() *InMemorySchedulerService {
	return &InMemorySchedulerService{scheduled: make(map[string]bool)}
}

func (s *InMemorySchedulerService) Schedule(_ context.Context, _ model.OwnedWorkerId, _ int64, _ model.PendingWorkerInvocationRecord) (model.ScheduleId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := model.ScheduleId(fmt.Sprintf("sched-%d", s.next))
	s.scheduled[string(id)] = true
	return id, nil
}

func (s *InMemorySchedulerService) Cancel(_ context.Context, id model.ScheduleId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scheduled[string(id)] {
		return fmt.Errorf("external: unknown schedule id %q", id)
	}
	delete(s.scheduled, string(id))
	return nil
}
