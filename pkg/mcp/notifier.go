package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/voxflow/internal/streaming"
	"github.com/rendis/voxflow/pkg/schema"
)

// MCPNotifier pushes room lifecycle events to the clients watching them.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	watches   *WatchRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, watches *WatchRegistry, logger *slog.Logger) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, watches: watches, logger: logger}
}

// Forward relays hub events until ctx is cancelled or the hub closes.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		n.logger.Warn("mcp notifier subscribe failed", "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			n.Notify(event)
		}
	}
}

// Notify sends event to every client watching its room.
// Best-effort: disconnected clients are dropped from the registry.
func (n *MCPNotifier) Notify(event streaming.StreamEvent) {
	if event.RoomName == "" {
		return
	}
	payload := map[string]any{
		"session_id": event.SessionID,
		"room_name":  event.RoomName,
		"event_type": event.EventType,
		"payload":    event.Payload,
		"timestamp":  event.Timestamp,
	}
	for _, clientID := range n.watches.Watchers(event.RoomName) {
		err := n.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.watches.Remove(clientID)
			continue
		}
		if err != nil {
			n.logger.Debug("mcp notify failed", "client", clientID, "error", err)
		}
	}
	if event.EventType == schema.EventSessionDeleted {
		n.watches.Forget(event.RoomName)
	}
}
