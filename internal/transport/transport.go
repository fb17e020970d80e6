// Package transport connects a session worker to the media bridge that owns
// the room's audio, speech-to-text and text-to-speech pipeline.
package transport

import (
	"context"
	"encoding/json"
)

// Event types delivered by the media bridge.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTranscription     = "transcription"
	EventAppMessage        = "app_message"
	EventCallState         = "call_state"
	EventError             = "error"
)

// Event is one inbound bridge notification.
type Event struct {
	Type          string          `json:"type"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Text          string          `json:"text,omitempty"`
	Final         bool            `json:"final,omitempty"`
	State         string          `json:"state,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Transport is the worker's view of the live call.
type Transport interface {
	// Events yields bridge events. The channel is closed when the
	// connection ends.
	Events() <-chan Event
	StartTranscription(ctx context.Context, participantID string) error
	// Say renders text to speech in the room.
	Say(ctx context.Context, text string) error
	// EndConversation asks the bridge to hang up after queued speech.
	EndConversation(ctx context.Context) error
	SendAppMessage(ctx context.Context, data any) error
	Close() error
}
