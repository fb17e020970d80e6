package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/voxflow/internal/diagram"
	"github.com/rendis/voxflow/internal/orchestrator"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/pkg/schema"
)

// --- Tool definitions ---

func createSessionTool() mcp.Tool {
	return mcp.NewTool("voxflow.create_session",
		mcp.WithDescription("Provision a meeting room and start a voice bot worker for it"),
		mcp.WithString("voice", mcp.Enum(orchestrator.VoiceNames()...), mcp.Description("TTS voice (default: female)")),
		mcp.WithString("flow", mcp.Description("Conversation flow to run (default: food_ordering)")),
		mcp.WithString("persona", mcp.Description("Persona override merged into the flow vars")),
		mcp.WithBoolean("watch", mcp.Description("Receive lifecycle notifications for the new room (default: true)")),
	)
}

func deleteSessionTool() mcp.Tool {
	return mcp.NewTool("voxflow.delete_session",
		mcp.WithDescription("Delete a room and reclaim its worker; safe to repeat"),
		mcp.WithString("room_name", mcp.Required(), mcp.Description("Room name or session id to tear down")),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewTool("voxflow.list_sessions",
		mcp.WithDescription("List registered sessions with worker liveness"),
	)
}

func reclaimProcessTool() mcp.Tool {
	return mcp.NewTool("voxflow.reclaim_process",
		mcp.WithDescription("Stop a room's worker without deleting the room"),
		mcp.WithString("room_name", mcp.Required(), mcp.Description("Room name or session id whose worker to stop")),
	)
}

func sessionEventsTool() mcp.Tool {
	return mcp.NewTool("voxflow.session_events",
		mcp.WithDescription("Read a session's stored lifecycle and flow events"),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID or room name")),
		mcp.WithNumber("since", mcp.Description("Only events after this sequence number")),
		mcp.WithBoolean("watch", mcp.Description("Also subscribe to the room's future lifecycle events")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("voxflow.diagram",
		mcp.WithDescription("Render a conversation flow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("flow", mcp.Required(), mcp.Description("Flow name")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("session_id", mcp.Description("Overlay this session's path through the flow")),
	)
}

// --- Handlers ---

// handleCreateSession provisions a room and spawns its worker.
func (s *VoxflowServer) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.sessions.CreateSession(ctx, orchestrator.CreateRequest{
		Voice:   req.GetString("voice", ""),
		Flow:    req.GetString("flow", ""),
		Persona: req.GetString("persona", ""),
	})
	if err != nil {
		return toolError("create session failed", err), nil
	}
	if req.GetBool("watch", true) {
		s.captureSession(ctx, res.RoomName)
	}
	return marshalResult(res)
}

func (s *VoxflowServer) handleDeleteSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room, err := req.RequireString("room_name")
	if err != nil {
		return mcp.NewToolResultError("room_name is required"), nil
	}
	res, delErr := s.sessions.DeleteSession(ctx, room)
	if delErr != nil {
		return toolError("delete session failed", delErr), nil
	}
	return marshalResult(res)
}

func (s *VoxflowServer) handleListSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.sessions.ListSessions(ctx)
	return marshalResult(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *VoxflowServer) handleReclaimProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room, err := req.RequireString("room_name")
	if err != nil {
		return mcp.NewToolResultError("room_name is required"), nil
	}
	res, rErr := s.sessions.ReclaimProcess(ctx, room)
	if rErr != nil {
		return toolError("reclaim failed", rErr), nil
	}
	return marshalResult(res)
}

// handleSessionEvents returns the stored events of a session, looked up by
// session ID or room name.
func (s *VoxflowServer) handleSessionEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("session is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("event store not configured"), nil
	}

	sess, lookupErr := s.store.GetSession(ctx, id)
	if schema.IsCode(lookupErr, schema.ErrCodeNotFound) {
		sess, lookupErr = s.store.GetSessionByRoom(ctx, id)
	}
	if lookupErr != nil {
		return toolError("session lookup failed", lookupErr), nil
	}

	events, evErr := s.store.GetEvents(ctx, sess.ID, int64(req.GetInt("since", 0)))
	if evErr != nil {
		return toolError("event query failed", evErr), nil
	}
	if events == nil {
		events = []*schema.SessionEvent{}
	}
	if req.GetBool("watch", false) {
		s.captureSession(ctx, sess.RoomName)
	}
	return marshalResult(map[string]any{
		"session": sess,
		"events":  events,
	})
}

// handleDiagram renders a flow in the requested format.
func (s *VoxflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	name, err := req.RequireString("flow")
	if err != nil {
		return mcp.NewToolResultError("flow is required"), nil
	}
	if s.flows == nil {
		return mcp.NewToolResultError("no flows configured"), nil
	}

	g, buildErr := s.flows.Build(name)
	if buildErr != nil {
		return toolError("flow lookup failed", buildErr), nil
	}

	var replay *store.Replay
	if sessionID := req.GetString("session_id", ""); sessionID != "" && s.replayer != nil {
		r, replayErr := s.replayer.Replay(ctx, sessionID)
		if replayErr != nil {
			return toolError("session replay failed", replayErr), nil
		}
		replay = r
	}

	model, modelErr := diagram.Build(g, replay)
	if modelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", modelErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Helpers ---

// captureSession subscribes the calling client to a room's notifications.
func (s *VoxflowServer) captureSession(ctx context.Context, room string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watches.Watch(room, session.SessionID())
	}
}

// toolError reports err with its code so clients can branch on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
