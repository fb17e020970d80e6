package schema

import "time"

// Event type constants emitted by the flow engine.
const (
	EventNodeEntered      = "node_entered"
	EventNodeExited       = "node_exited"
	EventFunctionCalled   = "function_called"
	EventFunctionRejected = "function_rejected"
	EventSessionCompleted = "session_completed"
)

// Event type constants for the orchestrator's session lifecycle log.
const (
	EventSessionCreated    = "session_created"
	EventWorkerSpawned     = "worker_spawned"
	EventWorkerSpawnFailed = "worker_spawn_failed"
	EventWorkerExited      = "worker_exited"
	EventWorkerReclaimed   = "worker_reclaimed"
	EventRoomDeleted       = "room_deleted"
	EventRoomDeleteFailed  = "room_delete_failed"
	EventSessionDeleted    = "session_deleted"
)

// SessionStatus represents the lifecycle state of a provisioned session.
type SessionStatus string

const (
	SessionStatusSpawning  SessionStatus = "spawning"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusExited    SessionStatus = "exited"
	SessionStatusReclaimed SessionStatus = "reclaimed"
	SessionStatusDeleted   SessionStatus = "deleted"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal returns true if no further transitions are expected.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusExited, SessionStatusReclaimed, SessionStatusDeleted, SessionStatusFailed:
		return true
	}
	return false
}

// EventActionFailed records a pre/post action error. Action failures are
// logged and do not abort the transition.
const EventActionFailed = "action_failed"

// SessionEvent is one entry of a session's append-only event log.
type SessionEvent struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence,omitempty"`
	Type      string         `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	Function  string         `json:"function,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
