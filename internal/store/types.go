package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/voxflow/pkg/schema"
)

// Session is the persisted record of one provisioned room and its worker.
type Session struct {
	ID        string               `json:"id"`
	RoomName  string               `json:"room_name"`
	RoomURL   string               `json:"room_url"`
	Voice     string               `json:"voice"`
	VoiceID   string               `json:"voice_id"`
	Flow      string               `json:"flow"`
	Status    schema.SessionStatus `json:"status"`
	PID       int                  `json:"pid,omitempty"`
	Error     string               `json:"error,omitempty"`
	Metadata  json.RawMessage      `json:"metadata,omitempty"`
	ExpiresAt time.Time            `json:"expires_at"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
}

// SessionUpdate holds the mutable fields of a session. Zero values are left
// unchanged.
type SessionUpdate struct {
	Status  schema.SessionStatus
	PID     *int
	Error   string
	EndedAt *time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status   schema.SessionStatus
	RoomName string
	Since    *time.Time
	Limit    int
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	SessionID string
	Since     *time.Time
	Limit     int
}
