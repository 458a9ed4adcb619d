package store

import (
	"time"

	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/types"
)

// ArchivedTask is a terminal task together with its session, as written to
// the archive when the orchestrator prunes it from memory.
type ArchivedTask struct {
	Task       types.Task            `json:"task"`
	Responses  []types.AgentResponse `json:"responses,omitempty"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// ManifestState records the last applied ignition manifest so a restarted
// daemon can report what it was running before the crash.
type ManifestState struct {
	Hash      string                `json:"hash"`
	AppliedAt time.Time             `json:"applied_at"`
	Services  []types.ServiceConfig `json:"services"`
}

// Store is the crash-forensics layer beneath the in-memory control plane.
// Live state never reads back from it; it exists so operators can inspect
// what happened across restarts.
type Store interface {
	// Journal
	AppendEvent(event *events.Event) error
	ListEvents(limit int) ([]*events.Event, error)
	PruneJournal(keep int) (removed int, err error)

	// Terminal task archive
	ArchiveTask(archived *ArchivedTask) error
	GetArchivedTask(taskID string) (*ArchivedTask, error)
	ListArchivedTasks(limit int) ([]*ArchivedTask, error)

	// Ignition manifest state
	SaveManifestState(state *ManifestState) error
	GetManifestState() (*ManifestState, error)

	// Utility
	Close() error
}
