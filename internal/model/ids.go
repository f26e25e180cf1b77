// Package model defines the core identifiers, oplog entry sum type, and
// derived worker status record shared by every other package in this
// module. Nothing here owns concurrency or I/O — it is the pure data
// model that the rest of the executor operates on.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ComponentId identifies a compiled bytecode component (code), independent
// of any particular version.
type ComponentId struct {
	UUID uuid.UUID
}

func (c ComponentId) String() string { return c.UUID.String() }

// ProjectId identifies the tenant/project a worker belongs to.
type ProjectId struct {
	UUID uuid.UUID
}

func (p ProjectId) String() string { return p.UUID.String() }

// ComponentVersion is a monotonically increasing version number for a
// component's code.
type ComponentVersion uint64

// WorkerId identifies a single durable worker within a component.
type WorkerId struct {
	ComponentId ComponentId
	WorkerName  string
}

func (w WorkerId) String() string {
	return fmt.Sprintf("%s/%s", w.ComponentId, w.WorkerName)
}

// OwnedWorkerId scopes a WorkerId to the project that owns it.
type OwnedWorkerId struct {
	ProjectId ProjectId
	WorkerId  WorkerId
}

func (o OwnedWorkerId) String() string {
	return fmt.Sprintf("%s/%s", o.ProjectId, o.WorkerId)
}

// OplogIndex is a monotonic, 1-based index into a worker's oplog.
// NoOplogIndex ("NONE") means "before the first entry".
type OplogIndex uint64

// NoOplogIndex is the sentinel meaning "no index" / "before index 1".
const NoOplogIndex OplogIndex = 0

// FirstOplogIndex is the index of the always-present Create entry.
const FirstOplogIndex OplogIndex = 1

// Next returns the next index after i.
func (i OplogIndex) Next() OplogIndex { return i + 1 }

// IsNone reports whether i is the NONE sentinel.
func (i OplogIndex) IsNone() bool { return i == NoOplogIndex }

// OplogRegion is a half-closed-on-neither-end, inclusive range of oplog
// indices, as used by Revert and skipped/deleted regions. Start and End
// are both inclusive, matching the "[start, end]" contract notation.
type OplogRegion struct {
	Start OplogIndex
	End   OplogIndex
}

// Contains reports whether idx falls within the region.
func (r OplogRegion) Contains(idx OplogIndex) bool {
	return idx >= r.Start && idx <= r.End
}

// ScheduleId is an opaque identifier returned by the scheduler service for
// a cancelable scheduled invocation.
type ScheduleId []byte

func (s ScheduleId) String() string { return fmt.Sprintf("%x", []byte(s)) }

// PluginInstallationId identifies a single activated plugin instance.
type PluginInstallationId struct {
	UUID uuid.UUID
}

func (p PluginInstallationId) String() string { return p.UUID.String() }
