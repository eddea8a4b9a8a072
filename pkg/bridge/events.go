// Package bridge is the control channel between the hosting UI and the
// sync agent: commands flow in, status events flow out.
package bridge

import (
	"errors"
	"time"
)

// Command is a UI instruction to the agent.
type Command string

const (
	// CommandForceRefresh triggers immediate bucket invalidation and a
	// reload instruction once invalidation completes.
	CommandForceRefresh Command = "force-refresh"

	// CommandClearQueue discards all queued actions unconditionally.
	CommandClearQueue Command = "clear-queue"

	// CommandRequestSync triggers a queue drain if none is in progress.
	CommandRequestSync Command = "request-sync"

	// CommandCheckUpdate runs a deployment check outside the idle timer,
	// typically when the UI tab regains focus.
	CommandCheckUpdate Command = "check-update"
)

// StatusType classifies a status event sent to the UI.
type StatusType string

const (
	// StatusCacheCleared signals that invalidation completed and a
	// reload is safe.
	StatusCacheCleared StatusType = "cache-cleared"

	// StatusQueueLength carries the current queued action count.
	StatusQueueLength StatusType = "queue-length"

	// StatusSyncInProgress reports drain start/finish.
	StatusSyncInProgress StatusType = "sync-in-progress"

	// StatusActionFailed surfaces a queued action that exhausted its
	// retry ceiling and needs user attention.
	StatusActionFailed StatusType = "action-failed"

	// StatusReload instructs the UI to reload after a new deployment
	// version was activated.
	StatusReload StatusType = "reload"
)

// Event is one status notification. Only the fields relevant to its
// type are populated.
type Event struct {
	Type           StatusType `json:"type"`
	At             time.Time  `json:"at"`
	QueueLength    int        `json:"queue_length,omitempty"`
	SyncInProgress bool       `json:"sync_in_progress,omitempty"`
	SequenceID     int64      `json:"sequence_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	VersionTag     string     `json:"version_tag,omitempty"`
}

// SessionState is the transient run-state snapshot served to the UI.
// It is never persisted; every request recomputes it from the live
// queue count and connectivity signal.
type SessionState struct {
	Online         bool `json:"online"`
	SyncInProgress bool `json:"sync_in_progress"`
	QueueLength    int  `json:"queue_length"`
}

// ErrUnknownCommand indicates a command with no registered handler.
var ErrUnknownCommand = errors.New("unknown command")
