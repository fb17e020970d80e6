package actions

import (
	"context"
	"log/slog"
)

// Action is a side effect executed on node entry (pre-action) or node exit
// (post-action).
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) error
	Validate(params map[string]any) error
}

// Conversation is the outbound port actions use to affect the live call.
type Conversation interface {
	// Say speaks text to the participant outside of the model's turn.
	Say(ctx context.Context, text string) error
	// EndConversation queues the end of the call after the current turn.
	EndConversation(ctx context.Context) error
}

// ActionSchema describes the parameters an action accepts.
type ActionSchema struct {
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params       map[string]any `json:"params"`
	SessionID    string         `json:"session_id,omitempty"`
	NodeID       string         `json:"node_id"`
	Result       map[string]any `json:"result,omitempty"`
	Conversation Conversation   `json:"-"`
	Logger       *slog.Logger   `json:"-"`
}

func (in ActionInput) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}
