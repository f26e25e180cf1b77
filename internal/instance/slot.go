// Package instance implements the WorkerInstance three-state slot
//: Unloaded, WaitingForPermit, Running. A single async
// mutex — here a sync.Mutex, since Go's goroutines don't need a
// scheduler-aware async lock — guards every transition, so "stop_if_idle
// holds the lock and nothing may transition the worker to Running
// meanwhile" holds by construction.
package instance

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golemcloud/golem-worker-executor/internal/admission"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
)

// State is the slot's coarse lifecycle state.
type State uint8

const (
	StateUnloaded State = iota
	StateWaitingForPermit
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateWaitingForPermit:
		return "WaitingForPermit"
	case StateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// CommandKind discriminates the messages the invocation loop accepts
// over its command channel ("Command channel").
type CommandKind uint8

const (
	CommandInvocation CommandKind = iota
	CommandResumeReplay
	CommandInterrupt
)

// Command is a single message sent to a running loop.
type Command struct {
	Kind          CommandKind
	InterruptKind model.InterruptKind // meaningful only for CommandInterrupt
	Honored       chan struct{}       // closed once the loop has acted on this command
}

// Running is the payload the slot holds while in StateRunning: the
// admission permit, the live component instance, and the handle needed
// to stop the loop task ("holds an OwnedPermit, a command
// channel, a handle to the loop task, and a waiting_for_command flag").
type Running struct {
	Permit           *admission.Permit
	Instance         runtime.Instance
	ComponentVersion model.ComponentVersion
	Commands         chan Command
	Stop             context.CancelFunc
	Done             <-chan struct{}

	waitingForCommand atomic.Bool
}

// SetWaitingForCommand records whether the loop is currently parked on
// its command channel ( Live: "set waiting_for_command;
// recv()"), consulted by StopIfIdle.
func (r *Running) SetWaitingForCommand(v bool) { r.waitingForCommand.Store(v) }

// WaitingForCommand reports the current flag value.
func (r *Running) WaitingForCommand() bool { return r.waitingForCommand.Load() }

// Slot is the WorkerInstance handle for one worker.
type Slot struct {
	mu        sync.Mutex
	state     State
	running   *Running
	startDone chan struct{}
}

// New returns an Unloaded slot.
func New() *Slot {
	return &Slot{state: StateUnloaded}
}

// State returns the current state under lock.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lock and Unlock expose the slot's own mutex to callers outside this
// package that need to serialize a sequence of operations against
// everything else that touches this worker's instance state (notably
// internal/worker.Worker.Invoke's idempotency-lookup-then-enqueue
// sequence). Callers holding Lock must not call back into any other
// Slot method, which would deadlock against the same mutex.
func (s *Slot) Lock() { s.mu.Lock() }

// Unlock releases a lock taken with Lock.
func (s *Slot) Unlock() { s.mu.Unlock() }

// Current returns the Running payload if the slot is currently Running,
// else nil.
func (s *Slot) Current() *Running {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return s.running
	}
	return nil
}

// Starter builds a Running instance: acquiring the admission permit,
// fetching/instantiating the component, and spawning the loop task. It
// runs with the slot unlocked (so other goroutines can observe
// WaitingForPermit) and its result is applied back under lock.
type Starter func(ctx context.Context) (*Running, error)

// Ensure transitions Unloaded->WaitingForPermit->Running by invoking
// starter, or returns the already-Running instance, or waits for a
// concurrent Ensure call already in flight to finish and then retries
// (: "a background task is blocked on
// AdmissionController.acquire").
func (s *Slot) Ensure(ctx context.Context, starter Starter) (*Running, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case StateRunning:
			r := s.running
			s.mu.Unlock()
			return r, nil
		case StateWaitingForPermit:
			ch := s.startDone
			s.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default: // StateUnloaded
			ch := make(chan struct{})
			s.state = StateWaitingForPermit
			s.startDone = ch
			s.mu.Unlock()

			running, err := starter(ctx)

			s.mu.Lock()
			close(ch)
			s.startDone = nil
			if err != nil {
				s.state = StateUnloaded
				s.mu.Unlock()
				return nil, err
			}
			s.state = StateRunning
			s.running = running
			s.mu.Unlock()
			return running, nil
		}
	}
}

// Stop unconditionally transitions to Unloaded and returns the Running
// payload that was active (nil if already Unloaded), so the caller can
// cancel the loop and release its permit outside the lock.
func (s *Slot) Stop() *Running {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.running
	s.state = StateUnloaded
	s.running = nil
	return r
}

// StopIfIdle transitions Running->Unloaded only if the loop is currently
// parked waiting for a command and queueEmpty reports true, both checked
// under the same lock that guards every other transition (
// "Because the lock is held, nothing may transition the worker to
// Running meanwhile"). Returns the Running payload to tear down, or nil
// if the slot wasn't eligible.
func (s *Slot) StopIfIdle(queueEmpty func() bool) *Running {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil
	}
	if !s.running.WaitingForCommand() || !queueEmpty() {
		return nil
	}
	r := s.running
	s.state = StateUnloaded
	s.running = nil
	return r
}
