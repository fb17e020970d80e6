// Package orchestrator is the control plane: it provisions rooms, spawns one
// worker process per room, tracks them in the session registry and reclaims
// rooms and workers.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/voxflow/internal/logging"
	"github.com/rendis/voxflow/internal/rooms"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/internal/streaming"
	"github.com/rendis/voxflow/pkg/schema"
)

const (
	DefaultGracePeriod   = 5 * time.Second
	DefaultExpiryGrace   = 60 * time.Second
	DefaultDeleteTimeout = 10 * time.Second
	DefaultFlow          = "food_ordering"

	killWait   = 2 * time.Second
	roomPrefix = "vox-"
)

// FlowCatalog reports which flows workers can run.
type FlowCatalog interface {
	Has(name string) bool
}

// EventAppender persists session events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.SessionEvent) error
}

// Config tunes the orchestrator.
type Config struct {
	RoomTTL         time.Duration // hard room expiry
	MaxParticipants int
	GracePeriod     time.Duration // SIGTERM to SIGKILL
	ExpiryGrace     time.Duration // how long past room expiry a worker may live
	DeleteTimeout   time.Duration // compensation room deletes
	DefaultFlow     string
}

func (c *Config) applyDefaults() {
	if c.RoomTTL <= 0 {
		c.RoomTTL = rooms.DefaultTTL
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = rooms.DefaultMaxParticipants
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = DefaultExpiryGrace
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
	if c.DefaultFlow == "" {
		c.DefaultFlow = DefaultFlow
	}
}

// Deps are the orchestrator's collaborators. Flows, Store, Events and Hub
// are optional.
type Deps struct {
	Rooms   rooms.Provisioner
	Spawner Spawner
	Flows   FlowCatalog
	Store   store.Store
	Events  EventAppender // defaults to Store
	Hub     streaming.EventHub
	Logger  *slog.Logger
	Now     func() time.Time
}

// Orchestrator implements the session lifecycle operations.
type Orchestrator struct {
	cfg      Config
	rooms    rooms.Provisioner
	spawner  Spawner
	flows    FlowCatalog
	store    store.Store
	events   EventAppender
	hub      streaming.EventHub
	logger   *slog.Logger
	now      func() time.Time
	registry *Registry
	watchers sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Rooms == nil || deps.Spawner == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "orchestrator requires a room provisioner and a spawner")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		rooms:    deps.Rooms,
		spawner:  deps.Spawner,
		flows:    deps.Flows,
		store:    deps.Store,
		events:   deps.Events,
		hub:      deps.Hub,
		logger:   deps.Logger,
		now:      deps.Now,
		registry: NewRegistry(),
	}
	if o.events == nil && o.store != nil {
		o.events = o.store
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o, nil
}

// Registry exposes the session registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// CreateRequest is the session configuration supplied by the caller.
type CreateRequest struct {
	Voice   string `json:"voice,omitempty"`
	Flow    string `json:"flow,omitempty"`
	Persona string `json:"persona,omitempty"`
}

// CreateResult is the provisioned room handle.
type CreateResult struct {
	SessionID             string    `json:"session_id"`
	RoomURL               string    `json:"room_url"`
	RoomName              string    `json:"room_name"`
	ExpiresInSeconds      int64     `json:"expires_in_seconds"`
	ExpiresAt             int64     `json:"expires_at"`
	Voice                 string    `json:"voice"`
	VoiceID               string    `json:"voice_id"`
	Flow                  string    `json:"flow"`
	PID                   int       `json:"pid"`
	BackgroundTaskStarted bool      `json:"background_task_started"`
	Message               string    `json:"message"`
	CreatedAt             time.Time `json:"created_at"`
}

// CreateSession provisions a room and starts its worker. The worker is not
// awaited; its exit is observed by a watcher goroutine.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	voice, voiceID, err := ResolveVoice(req.Voice)
	if err != nil {
		return nil, err
	}
	flow := req.Flow
	if flow == "" {
		flow = o.cfg.DefaultFlow
	}
	if o.flows != nil && !o.flows.Has(flow) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown flow %q", flow)
	}

	now := o.now()
	sessionID := uuid.New().String()
	room, err := o.rooms.CreateRoom(ctx, rooms.CreateRequest{
		Name:       roomPrefix + uuid.New().String(),
		Properties: rooms.DefaultProperties(now, o.cfg.RoomTTL, o.cfg.MaxParticipants),
	})
	if err != nil {
		if schema.CodeOf(err) == "" {
			err = schema.NewErrorf(schema.ErrCodeExternalService, "create room: %v", err).WithCause(err)
		}
		return nil, err
	}

	expiresAt := room.ExpiresAt()
	if room.Config.Exp == 0 {
		expiresAt = now.Add(o.cfg.RoomTTL)
	}
	entry := &Entry{
		SessionID: sessionID,
		RoomName:  room.Name,
		RoomURL:   room.URL,
		Voice:     voice,
		VoiceID:   voiceID,
		Flow:      flow,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	ctx = logging.WithIDs(ctx, entry.RoomName, sessionID)

	if err := o.registry.Reserve(entry); err != nil {
		o.deleteRoomDetached(ctx, entry.RoomName)
		return nil, err
	}
	o.persistSession(ctx, entry)
	o.record(ctx, entry, schema.EventSessionCreated, map[string]any{"voice": voice, "flow": flow}, nil)

	handle, err := o.spawner.Spawn(ctx, SpawnRequest{
		SessionID: sessionID,
		RoomURL:   entry.RoomURL,
		RoomName:  entry.RoomName,
		Voice:     voice,
		Flow:      flow,
		Persona:   req.Persona,
		Lifetime:  expiresAt.Sub(now) + o.cfg.ExpiryGrace,
	})
	if err != nil {
		o.registry.RemoveEntry(entry)
		o.logger.ErrorContext(ctx, "worker spawn failed, deleting room", "error", err)
		o.deleteRoomDetached(ctx, entry.RoomName)
		ended := o.now()
		o.record(ctx, entry, schema.EventWorkerSpawnFailed, map[string]any{"error": err.Error()},
			&store.SessionUpdate{Status: schema.SessionStatusFailed, Error: err.Error(), EndedAt: &ended})
		if schema.CodeOf(err) != schema.ErrCodeProcessSpawn {
			err = schema.NewErrorf(schema.ErrCodeProcessSpawn, "spawn worker: %v", err).WithCause(err)
		}
		return nil, err
	}

	if !o.registry.Attach(entry, handle) {
		o.logger.WarnContext(ctx, "session removed while its worker was starting", "pid", handle.PID())
		go o.terminate(context.WithoutCancel(ctx), handle)
		// The caller never learns of the room, so it goes too.
		o.deleteRoomDetached(ctx, entry.RoomName)
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session for room %q was deleted during provisioning", entry.RoomName)
	}

	pid := handle.PID()
	o.record(ctx, entry, schema.EventWorkerSpawned, map[string]any{"pid": pid},
		&store.SessionUpdate{Status: schema.SessionStatusRunning, PID: &pid})

	o.watchers.Add(1)
	go o.watch(context.WithoutCancel(ctx), entry, handle)

	o.logger.InfoContext(ctx, "session created", "pid", pid, "flow", flow, "voice", voice)
	return &CreateResult{
		SessionID:             sessionID,
		RoomURL:               entry.RoomURL,
		RoomName:              entry.RoomName,
		ExpiresInSeconds:      int64(expiresAt.Sub(now).Round(time.Second).Seconds()),
		ExpiresAt:             expiresAt.Unix(),
		Voice:                 voice,
		VoiceID:               voiceID,
		Flow:                  flow,
		PID:                   pid,
		BackgroundTaskStarted: true,
		Message:               "Room created and session worker started",
		CreatedAt:             now,
	}, nil
}

// watch removes the entry once its worker exits on its own.
func (o *Orchestrator) watch(ctx context.Context, entry *Entry, h ProcessHandle) {
	defer o.watchers.Done()
	<-h.Done()
	if !o.registry.RemoveEntry(entry) {
		return // reclaimed; the reclaimer records the outcome
	}

	payload := map[string]any{"pid": h.PID()}
	if err := h.ExitErr(); err != nil {
		payload["error"] = err.Error()
	}
	ended := o.now()
	o.logger.InfoContext(ctx, "worker exited", "pid", h.PID(), "error", h.ExitErr())
	o.record(ctx, entry, schema.EventWorkerExited, payload,
		&store.SessionUpdate{Status: schema.SessionStatusExited, EndedAt: &ended})
}

// ReclaimResult reports what happened to a room's worker.
type ReclaimResult struct {
	RoomName string `json:"room_name"`
	Found    bool   `json:"found"`
	PID      int    `json:"pid,omitempty"`
	Forced   bool   `json:"forced"`
	Message  string `json:"message"`
}

// ReclaimProcess stops the worker registered for id, a room name or a
// session id, without deleting the room. Reclaiming an unknown room is not
// an error.
func (o *Orchestrator) ReclaimProcess(ctx context.Context, id string) (*ReclaimResult, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "room name is required")
	}
	return o.reclaim(ctx, o.roomFor(ctx, id)), nil
}

// roomFor maps a room name or session id to the room name. Unknown ids are
// returned unchanged and treated as room names.
func (o *Orchestrator) roomFor(ctx context.Context, id string) string {
	if _, ok := o.registry.Get(id); ok {
		return id
	}
	if e, ok := o.registry.FindSession(id); ok {
		return e.RoomName
	}
	if o.store != nil {
		if sess, err := o.store.GetSession(ctx, id); err == nil && sess.RoomName != "" {
			return sess.RoomName
		}
	}
	return id
}

func (o *Orchestrator) reclaim(ctx context.Context, room string) *ReclaimResult {
	res := &ReclaimResult{RoomName: room}
	entry, ok := o.registry.Remove(room)
	if !ok {
		res.Message = "no worker registered for room"
		return res
	}
	res.Found = true
	ctx = logging.WithIDs(ctx, room, entry.SessionID)

	if entry.Handle == nil {
		res.Message = "worker was still starting; it will be stopped once started"
		o.record(ctx, entry, schema.EventWorkerReclaimed, map[string]any{"spawning": true},
			&store.SessionUpdate{Status: schema.SessionStatusReclaimed})
		return res
	}

	res.PID = entry.Handle.PID()
	res.Forced = o.terminate(ctx, entry.Handle)
	res.Message = "worker terminated"
	if res.Forced {
		res.Message = "worker killed after grace period"
	}
	ended := o.now()
	o.record(ctx, entry, schema.EventWorkerReclaimed, map[string]any{"pid": res.PID, "forced": res.Forced},
		&store.SessionUpdate{Status: schema.SessionStatusReclaimed, EndedAt: &ended})
	return res
}

// terminate sends SIGTERM, waits up to the grace period, then kills. It
// reports whether the kill was needed.
func (o *Orchestrator) terminate(ctx context.Context, h ProcessHandle) bool {
	pid := h.PID()
	if err := h.Signal(syscall.SIGTERM); err != nil {
		o.logger.DebugContext(ctx, "signal worker", "pid", pid, "error", err)
	}

	grace := time.NewTimer(o.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.Done():
		o.logger.InfoContext(ctx, "worker terminated", "pid", pid)
		return false
	case <-grace.C:
	}

	o.logger.WarnContext(ctx, "worker did not exit within grace period, killing", "pid", pid, "grace", o.cfg.GracePeriod)
	if err := h.Kill(); err != nil {
		o.logger.WarnContext(ctx, "kill worker", "pid", pid, "error", err)
	}
	select {
	case <-h.Done():
	case <-time.After(killWait):
		o.logger.ErrorContext(ctx, "worker still running after kill", "pid", pid)
	}
	return true
}

// DeleteResult reports the outcome of DeleteSession.
type DeleteResult struct {
	RoomName    string         `json:"room_name"`
	RoomDeleted bool           `json:"room_deleted"`
	RoomError   string         `json:"room_error,omitempty"`
	Process     *ReclaimResult `json:"process"`
}

// DeleteSession deletes the room and reclaims its worker. id is a room name
// or a session id. It is idempotent; room deletion failures are reported in
// the result, not returned.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) (*DeleteResult, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "room name is required")
	}
	room := o.roomFor(ctx, id)
	res := &DeleteResult{RoomName: room}

	if err := o.rooms.DeleteRoom(ctx, room); err != nil {
		o.logger.WarnContext(logging.WithRoom(ctx, room), "room delete failed", "error", err)
		res.RoomError = err.Error()
	} else {
		res.RoomDeleted = true
	}

	entry, registered := o.registry.Get(room)
	res.Process = o.reclaim(ctx, room)

	target := o.sessionFor(ctx, room, entry, registered)
	if target == nil {
		return res, nil
	}
	if res.RoomDeleted {
		o.record(ctx, target, schema.EventRoomDeleted, nil, nil)
	} else {
		o.record(ctx, target, schema.EventRoomDeleteFailed, map[string]any{"error": res.RoomError}, nil)
	}
	ended := o.now()
	o.record(ctx, target, schema.EventSessionDeleted, nil,
		&store.SessionUpdate{Status: schema.SessionStatusDeleted, EndedAt: &ended})
	return res, nil
}

// sessionFor finds the session a room belongs to, from the registry or the
// store.
func (o *Orchestrator) sessionFor(ctx context.Context, room string, entry Entry, registered bool) *Entry {
	if registered {
		return &entry
	}
	if o.store == nil {
		return nil
	}
	sess, err := o.store.GetSessionByRoom(ctx, room)
	if err != nil {
		return nil
	}
	if sess.Status == schema.SessionStatusDeleted {
		return nil
	}
	return &Entry{SessionID: sess.ID, RoomName: sess.RoomName}
}

// SessionInfo is one registry entry with OS liveness.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	RoomName  string    `json:"room_name"`
	RoomURL   string    `json:"room_url"`
	Voice     string    `json:"voice"`
	Flow      string    `json:"flow"`
	PID       int       `json:"pid,omitempty"`
	Alive     bool      `json:"alive"`
	Spawning  bool      `json:"spawning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListSessions snapshots the registry, probing each worker's liveness.
func (o *Orchestrator) ListSessions(context.Context) []SessionInfo {
	entries := o.registry.List()
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		info := SessionInfo{
			SessionID: e.SessionID,
			RoomName:  e.RoomName,
			RoomURL:   e.RoomURL,
			Voice:     e.Voice,
			Flow:      e.Flow,
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
		}
		if e.Handle == nil {
			info.Spawning = true
		} else {
			info.PID = e.Handle.PID()
			info.Alive = e.Handle.Alive()
		}
		out = append(out, info)
	}
	return out
}

// Reap reclaims workers that outlived their room's expiry plus grace and
// drops entries whose process is already gone. It returns how many entries
// it removed.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	now := o.now()
	reaped := 0
	for _, e := range o.registry.List() {
		switch {
		case e.Handle == nil:
			continue
		case !e.Handle.Alive():
			if removed, ok := o.registry.Remove(e.RoomName); ok {
				reaped++
				ended := now
				o.record(ctx, removed, schema.EventWorkerExited, map[string]any{"pid": e.Handle.PID(), "reaped": true},
					&store.SessionUpdate{Status: schema.SessionStatusExited, EndedAt: &ended})
			}
		case now.After(e.ExpiresAt.Add(o.cfg.ExpiryGrace)):
			o.logger.InfoContext(logging.WithIDs(ctx, e.RoomName, e.SessionID), "reclaiming expired session")
			if res := o.reclaim(ctx, e.RoomName); res.Found {
				reaped++
			}
		}
	}
	if reaped > 0 {
		o.logger.InfoContext(ctx, "reaper removed sessions", "count", reaped)
	}
	return reaped, nil
}

// Shutdown reclaims every registered worker and waits for exit watchers.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range o.registry.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.reclaim(ctx, e.RoomName)
		}()
	}
	wg.Wait()
	o.watchers.Wait()
}

func (o *Orchestrator) deleteRoomDetached(ctx context.Context, room string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DeleteTimeout)
	defer cancel()
	if err := o.rooms.DeleteRoom(delCtx, room); err != nil {
		o.logger.WarnContext(ctx, "compensating room delete failed", "error", err)
	}
}

func (o *Orchestrator) persistSession(ctx context.Context, e *Entry) {
	if o.store == nil {
		return
	}
	err := o.store.CreateSession(ctx, &store.Session{
		ID:        e.SessionID,
		RoomName:  e.RoomName,
		RoomURL:   e.RoomURL,
		Voice:     e.Voice,
		VoiceID:   e.VoiceID,
		Flow:      e.Flow,
		Status:    schema.SessionStatusSpawning,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "persist session", "error", err)
	}
}

// record persists a lifecycle event (and an optional status update) and
// publishes it. Persistence failures are logged.
func (o *Orchestrator) record(ctx context.Context, e *Entry, eventType string, payload map[string]any, update *store.SessionUpdate) {
	event := &schema.SessionEvent{
		SessionID: e.SessionID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: o.now(),
	}
	if o.store != nil && update != nil {
		if err := o.store.UpdateSession(ctx, e.SessionID, *update); err != nil {
			o.logger.WarnContext(ctx, "update session", "event", eventType, "error", err)
		}
	}
	if o.events != nil {
		if err := o.events.AppendEvent(ctx, event); err != nil {
			o.logger.WarnContext(ctx, "append session event", "event", eventType, "error", err)
		}
	}
	if o.hub != nil {
		if err := o.hub.Publish(ctx, streaming.FromSessionEvent(e.RoomName, event)); err != nil {
			o.logger.DebugContext(ctx, "publish session event", "event", eventType, "error", err)
		}
	}
}
