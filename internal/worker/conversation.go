package worker

import (
	"context"

	"github.com/rendis/voxflow/internal/transport"
	"github.com/rendis/voxflow/pkg/schema"
)

// conversation is the actions.Conversation the engine's actions see.
// EndConversation is deferred until the model has spoken its final turn.
type conversation struct {
	w *Worker
}

func (c *conversation) Say(ctx context.Context, text string) error {
	return c.w.transport.Say(ctx, text)
}

func (c *conversation) EndConversation(context.Context) error {
	c.w.endPending.Store(true)
	return nil
}

// bridgeAppender forwards flow events to the bridge as app messages so room
// observers can follow the conversation.
type bridgeAppender struct {
	transport transport.Transport
}

func (a *bridgeAppender) AppendEvent(ctx context.Context, event *schema.SessionEvent) error {
	return a.transport.SendAppMessage(ctx, map[string]any{"kind": "flow_event", "event": event})
}
