// Package queue persists write requests captured while the backend is
// unreachable and replays them in order once connectivity returns.
//
// The queue is a durable FIFO backed by SQLite. Sequence ids are
// assigned by the database and never reused, so replay order always
// matches capture order even across process restarts.
package queue

import (
	"net/http"
	"time"
)

// Status is the lifecycle state of a queued action.
type Status string

const (
	// StatusPending means the action waits for replay.
	StatusPending Status = "pending"

	// StatusInFlight means a drain is currently replaying the action.
	// In-flight rows are reset to pending on startup, so a crash during
	// replay cannot strand an action.
	StatusInFlight Status = "in-flight"

	// StatusSpeculative means the action is a durable safety copy of a
	// direct write-through attempt still waiting for the backend's
	// answer. Speculative actions are invisible to the replay order:
	// the write path commits them once the backend answers or promotes
	// them to pending when the transport fails, so a drain can never
	// replay one while the direct attempt is in flight.
	StatusSpeculative Status = "speculative"

	// StatusFailed means the action was rejected by the backend or
	// exhausted its retry ceiling. Failed actions are excluded from the
	// replay order and kept for inspection until requeued or cleared.
	StatusFailed Status = "failed"
)

// Action is one captured write request.
type Action struct {
	// SequenceID is the database-assigned replay position.
	SequenceID int64

	// Method is the HTTP method of the captured request.
	Method string

	// Endpoint is the path plus query relative to the backend origin.
	Endpoint string

	// Header carries the captured request headers.
	Header http.Header

	// Body is the captured request body.
	Body []byte

	Status       Status
	AttemptCount int

	// LastError describes the most recent replay failure, empty while
	// the action has never failed.
	LastError string

	CreatedAt time.Time

	// NextAttemptAt is the earliest time a drain may replay the action
	// again. Backoff after a retryable failure moves it forward.
	NextAttemptAt time.Time
}
