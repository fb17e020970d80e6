package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/voxflow/internal/diagram"
	"github.com/rendis/voxflow/internal/orchestrator"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/pkg/schema"
)

const maxBodyBytes = 64 << 10

// handleIndex returns the service banner.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "voxflow",
		"version": s.deps.Version,
		"voices":  orchestrator.VoiceNames(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions": len(s.deps.Sessions.ListSessions(r.Context())),
	}
	if s.deps.Jobs != nil {
		body["jobs"] = s.deps.Jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCreateSession provisions a room and starts its worker. An empty
// body selects the default voice and flow.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	res, err := s.deps.Sessions.CreateSession(r.Context(), req)
	if err != nil {
		s.deps.Logger.WarnContext(r.Context(), "create session failed", "error", err)
		writeVoxError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.ListSessions(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleDeleteSession deletes the room and reclaims its worker. The id may be
// a room name or a session id. It succeeds for unknown rooms.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sessions.DeleteSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeVoxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReclaimProcess stops the room's worker, leaving the room alive.
func (s *Server) handleReclaimProcess(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sessions.ReclaimProcess(r.Context(), r.PathValue("id"))
	if err != nil {
		writeVoxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSessionEvents returns a session's stored events. The id may be a
// session id or a room name.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	ctx := r.Context()

	sess, err := s.lookupSession(r, r.PathValue("id"))
	if err != nil {
		writeVoxError(w, err)
		return
	}

	events, err := s.deps.Store.GetEvents(ctx, sess.ID, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeVoxError(w, err)
		return
	}
	if events == nil {
		events = []*schema.SessionEvent{}
	}

	body := map[string]any{
		"session": sess,
		"events":  events,
	}
	if s.deps.Replayer != nil && r.URL.Query().Get("replay") == "true" {
		replay, err := s.deps.Replayer.Replay(ctx, sess.ID)
		if err != nil {
			writeVoxError(w, err)
			return
		}
		body["replay"] = replay
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) lookupSession(r *http.Request, id string) (*store.Session, error) {
	sess, err := s.deps.Store.GetSession(r.Context(), id)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return s.deps.Store.GetSessionByRoom(r.Context(), id)
	}
	return sess, err
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flows == nil {
		writeJSON(w, http.StatusOK, map[string]any{"flows": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.deps.Flows.Names()})
}

// handleFlowDiagram renders a flow as Mermaid (default), ascii, png or the
// json model. ?session= overlays that session's progress.
func (s *Server) handleFlowDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flows == nil {
		writeError(w, http.StatusNotFound, "no flows configured")
		return
	}
	ctx := r.Context()

	g, err := s.deps.Flows.Build(r.PathValue("name"))
	if err != nil {
		writeVoxError(w, err)
		return
	}

	var replay *store.Replay
	if sessionID := r.URL.Query().Get("session"); sessionID != "" && s.deps.Replayer != nil {
		replay, err = s.deps.Replayer.Replay(ctx, sessionID)
		if err != nil {
			writeVoxError(w, err)
			return
		}
	}

	model, err := diagram.Build(g, replay)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		writeText(w, diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, diagram.RenderASCII(model))
	case "json":
		writeJSON(w, http.StatusOK, model)
	case "png":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			s.deps.Logger.ErrorContext(ctx, "render diagram image", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}
