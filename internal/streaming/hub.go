// Package streaming fans session lifecycle events out to live subscribers
// such as the control plane's SSE feed.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/voxflow/pkg/schema"
)

// StreamEvent is a real-time session event.
type StreamEvent struct {
	SessionID string         `json:"session_id"`
	RoomName  string         `json:"room_name,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FromSessionEvent converts a stored event for publication.
func FromSessionEvent(roomName string, e *schema.SessionEvent) StreamEvent {
	return StreamEvent{
		SessionID: e.SessionID,
		RoomName:  roomName,
		EventType: e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	RoomName   string   `json:"room_name,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time session events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
