// Package adminsock — server.go
//
// Unix domain socket admin interface for a golem-worker-executor node
// ("adminsock").
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/golem-worker-executor/admin.sock (configurable).
// Permissions: 0600, owned by the process user.
//
// Commands (JSON request -> JSON response):
//
//   {"cmd":"status","component_id":"<uuid>","worker_name":"w1"}
//     -> Returns the worker's cached WorkerStatusRecord summary.
//     -> Response: {"ok":true,"status":"Running","component_version":3,...}
//
//   {"cmd":"revert","component_id":"<uuid>","worker_name":"w1","to_index":42}
//   {"cmd":"revert","component_id":"<uuid>","worker_name":"w1","last_invocations":2}
//     -> Reverts the worker to an explicit oplog index, or to just before
//        the n-th ExportedFunctionInvoked counted from the end.
//     -> Response: {"ok":true}
//
//   {"cmd":"interrupt","component_id":"<uuid>","worker_name":"w1","kind":"interrupt"}
//     -> Interrupts (interrupt|restart|suspend) the worker's running
//        instance, if any.
//     -> Response: {"ok":true}
//
//   {"cmd":"cancel-invocation","component_id":"<uuid>","worker_name":"w1","idempotency_key":"..."}
//     -> Cancels a not-yet-started queued invocation.
//     -> Response: {"ok":true}
//
//   {"cmd":"list"}
//     -> Returns every WorkerId this node's registry has touched.
//     -> Response: {"ok":true,"workers":[{"component_id":"...","worker_name":"w1"},...]}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections bounded (admin use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package adminsock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/executor"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/worker"
)

const (
	maxConcurrentConns = 8
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for admin commands.
type Request struct {
	Cmd             string `json:"cmd"` // status | revert | interrupt | cancel-invocation | list
	ComponentID     string `json:"component_id,omitempty"`
	WorkerName      string `json:"worker_name,omitempty"`
	ToIndex         uint64 `json:"to_index,omitempty"`
	LastInvocations int    `json:"last_invocations,omitempty"`
	Kind            string `json:"kind,omitempty"` // interrupt | restart | suspend
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// WorkerSummary is a single worker's identity in a list response.
type WorkerSummary struct {
	ComponentID string `json:"component_id"`
	WorkerName  string `json:"worker_name"`
}

// Response is the JSON structure for admin command responses.
type Response struct {
	OK                bool            `json:"ok"`
	Error             string          `json:"error,omitempty"`
	Status            string          `json:"status,omitempty"`
	ComponentVersion  uint64          `json:"component_version,omitempty"`
	TotalLinearMemory uint64          `json:"total_linear_memory,omitempty"`
	PendingInvocations int            `json:"pending_invocations,omitempty"`
	PendingUpdates     int            `json:"pending_updates,omitempty"`
	Workers           []WorkerSummary `json:"workers,omitempty"`
}

// Server is the admin Unix domain socket server.
type Server struct {
	socketPath string
	registry   *executor.Registry
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an admin Server backed by registry.
func NewServer(socketPath string, registry *executor.Registry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the admin socket server. Removes any stale socket
// file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminsock: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("adminsock: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminsock: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("adminsock: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("adminsock: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("adminsock: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes the command, writes one
// JSON response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("adminsock: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if req.Cmd == "list" {
		return s.cmdList()
	}

	w, errResp, ok := s.lookupWorker(req)
	if !ok {
		return errResp
	}

	switch req.Cmd {
	case "status":
		return s.cmdStatus(w)
	case "revert":
		return s.cmdRevert(ctx, w, req)
	case "interrupt":
		return s.cmdInterrupt(w, req)
	case "cancel-invocation":
		return s.cmdCancelInvocation(ctx, w, req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

// lookupWorker resolves a request's component_id/worker_name into a
// registered *worker.Worker. The second return value is only meaningful
// when ok is false.
func (s *Server) lookupWorker(req Request) (*worker.Worker, Response, bool) {
	if req.ComponentID == "" || req.WorkerName == "" {
		return nil, Response{OK: false, Error: "component_id and worker_name are required"}, false
	}
	compUUID, err := uuid.Parse(req.ComponentID)
	if err != nil {
		return nil, Response{OK: false, Error: "invalid component_id: " + err.Error()}, false
	}
	id := model.WorkerId{ComponentId: model.ComponentId{UUID: compUUID}, WorkerName: req.WorkerName}
	w := s.registry.Get(id)
	if w == nil {
		return nil, Response{OK: false, Error: fmt.Sprintf("worker %s/%s not known to this node", req.ComponentID, req.WorkerName)}, false
	}
	return w, Response{}, true
}

func (s *Server) cmdStatus(w *worker.Worker) Response {
	rec := w.Status.Snapshot()
	return Response{
		OK:                 true,
		Status:             rec.Status.String(),
		ComponentVersion:   uint64(rec.ComponentVersion),
		TotalLinearMemory:  rec.TotalLinearMemorySize,
		PendingInvocations: len(rec.PendingInvocations),
		PendingUpdates:     len(rec.PendingUpdates),
	}
}

func (s *Server) cmdRevert(ctx context.Context, w *worker.Worker, req Request) Response {
	var target worker.RevertTarget
	switch {
	case req.LastInvocations > 0:
		target = worker.RevertTarget{Kind: worker.RevertTargetLastInvocations, N: req.LastInvocations}
	default:
		target = worker.RevertTarget{Kind: worker.RevertTargetExplicit, ExplicitIndex: model.OplogIndex(req.ToIndex)}
	}
	if err := w.Revert(ctx, target); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("adminsock: worker reverted", zap.Stringer("worker", w.Owner.WorkerId))
	return Response{OK: true}
}

func (s *Server) cmdInterrupt(w *worker.Worker, req Request) Response {
	kind, err := parseInterruptKind(req.Kind)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	w.Interrupt(kind)
	s.log.Info("adminsock: worker interrupted", zap.Stringer("worker", w.Owner.WorkerId), zap.String("kind", req.Kind))
	return Response{OK: true}
}

func (s *Server) cmdCancelInvocation(ctx context.Context, w *worker.Worker, req Request) Response {
	if req.IdempotencyKey == "" {
		return Response{OK: false, Error: "idempotency_key required for cancel-invocation"}
	}
	if err := w.CancelInvocation(ctx, model.IdempotencyKey(req.IdempotencyKey)); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("adminsock: invocation cancelled", zap.Stringer("worker", w.Owner.WorkerId), zap.String("key", req.IdempotencyKey))
	return Response{OK: true}
}

func (s *Server) cmdList() Response {
	ids := s.registry.All()
	out := make([]WorkerSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, WorkerSummary{ComponentID: id.ComponentId.String(), WorkerName: id.WorkerName})
	}
	return Response{OK: true, Workers: out}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parseInterruptKind converts a kind name string to a model.InterruptKind.
func parseInterruptKind(name string) (model.InterruptKind, error) {
	switch name {
	case "", "interrupt":
		return model.InterruptKindInterrupt, nil
	case "restart":
		return model.InterruptKindRestart, nil
	case "suspend":
		return model.InterruptKindSuspend, nil
	default:
		return model.InterruptKindInterrupt, fmt.Errorf("unknown interrupt kind %q (valid: interrupt restart suspend)", name)
	}
}
