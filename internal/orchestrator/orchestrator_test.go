package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/internal/streaming"
	"github.com/rendis/voxflow/pkg/schema"
)

type harness struct {
	orch    *Orchestrator
	rooms   *fakeRooms
	spawner *fakeSpawner
	events  *recordingAppender
	hub     *streaming.MemoryHub
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rooms:   &fakeRooms{},
		spawner: &fakeSpawner{},
		events:  &recordingAppender{},
		hub:     streaming.NewMemoryHub(),
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 50 * time.Millisecond
	}
	orch, err := New(cfg, Deps{
		Rooms:   h.rooms,
		Spawner: h.spawner,
		Flows:   staticFlows{"food_ordering": true, "survey": true},
		Events:  h.events,
		Hub:     h.hub,
	})
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() { orch.Shutdown(context.Background()) })
	return h
}

func TestNew_RequiresRoomsAndSpawner(t *testing.T) {
	_, err := New(Config{}, Deps{Spawner: &fakeSpawner{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = New(Config{}, Deps{Rooms: &fakeRooms{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestCreateSession_Defaults(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, "female", res.Voice)
	assert.Equal(t, Voices["female"], res.VoiceID)
	assert.Equal(t, DefaultFlow, res.Flow)
	assert.Contains(t, res.RoomName, roomPrefix)
	assert.Equal(t, "https://voxflow.daily.co/"+res.RoomName, res.RoomURL)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1001, res.PID)
	assert.True(t, res.BackgroundTaskStarted)
	assert.InDelta(t, 300, res.ExpiresInSeconds, 1)

	require.Len(t, h.spawner.requests, 1)
	req := h.spawner.requests[0]
	assert.Equal(t, res.RoomURL, req.RoomURL)
	assert.Equal(t, res.SessionID, req.SessionID)
	assert.Equal(t, "female", req.Voice)
	assert.Greater(t, req.Lifetime, 300*time.Second)

	entry, ok := h.orch.Registry().Get(res.RoomName)
	require.True(t, ok)
	assert.Equal(t, 1001, entry.Handle.PID())

	assert.Equal(t, []string{schema.EventSessionCreated, schema.EventWorkerSpawned}, h.events.types(res.SessionID))
}

func TestCreateSession_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.CreateSession(ctx, CreateRequest{Voice: "robot"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.orch.CreateSession(ctx, CreateRequest{Flow: "nope"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.Empty(t, h.rooms.created, "no room is provisioned for invalid input")
	assert.Empty(t, h.spawner.requests)
}

func TestCreateSession_RoomProviderFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.rooms.createErr = errBoom

	_, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExternalService))
	assert.Zero(t, h.orch.Registry().Len())
	assert.Empty(t, h.spawner.requests)
}

func TestCreateSession_SpawnFailureDeletesRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.spawner.err = errBoom

	_, err := h.orch.CreateSession(context.Background(), CreateRequest{Voice: "male"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProcessSpawn))

	require.Len(t, h.rooms.created, 1)
	assert.Equal(t, h.rooms.created, h.rooms.deletedRooms(), "the provisioned room is deleted")
	assert.Zero(t, h.orch.Registry().Len())

	sid := h.spawner.requests[0].SessionID
	assert.Equal(t, []string{schema.EventSessionCreated, schema.EventWorkerSpawnFailed}, h.events.types(sid))
}

func TestCreateSession_DeletedWhileSpawning(t *testing.T) {
	h := newHarness(t, Config{})
	h.spawner.before = func(req SpawnRequest) {
		res, err := h.orch.DeleteSession(context.Background(), req.RoomName)
		require.NoError(t, err)
		assert.True(t, res.Process.Found)
	}

	_, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Zero(t, h.orch.Registry().Len())

	handle := h.spawner.handle(0)
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned worker was not terminated")
	}
	assert.EqualValues(t, 1, handle.terms.Load())
}

func TestCreateSession_ReclaimedWhileSpawningDeletesRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.spawner.before = func(req SpawnRequest) {
		res, err := h.orch.ReclaimProcess(context.Background(), req.RoomName)
		require.NoError(t, err)
		assert.True(t, res.Found)
	}

	_, err := h.orch.CreateSession(context.Background(), CreateRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	h.rooms.mu.Lock()
	created := append([]string(nil), h.rooms.created...)
	h.rooms.mu.Unlock()
	require.Len(t, created, 1)
	assert.Equal(t, created, h.rooms.deletedRooms(), "a room the caller never saw is deleted")
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	created, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	res, err := h.orch.DeleteSession(ctx, created.RoomName)
	require.NoError(t, err)
	assert.True(t, res.RoomDeleted)
	require.NotNil(t, res.Process)
	assert.True(t, res.Process.Found)
	assert.Equal(t, created.PID, res.Process.PID)
	assert.False(t, res.Process.Forced)

	_, ok := h.orch.Registry().Get(created.RoomName)
	assert.False(t, ok)

	handle := h.spawner.handle(0)
	assert.False(t, handle.Alive())
	assert.Zero(t, handle.kills.Load())

	types := h.events.types(created.SessionID)
	assert.Contains(t, types, schema.EventWorkerReclaimed)
	assert.Contains(t, types, schema.EventRoomDeleted)
	assert.Equal(t, schema.EventSessionDeleted, types[len(types)-1])
	assert.NotContains(t, types, schema.EventWorkerExited, "a reclaimed worker is not reported as exited")

	// Deleting again is harmless.
	again, err := h.orch.DeleteSession(ctx, created.RoomName)
	require.NoError(t, err)
	assert.False(t, again.Process.Found)
}

func TestDeleteSession_BySessionID(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	created, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	res, err := h.orch.DeleteSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, created.RoomName, res.RoomName)
	assert.True(t, res.RoomDeleted)
	assert.True(t, res.Process.Found)
	assert.Equal(t, created.PID, res.Process.PID)
	assert.Equal(t, []string{created.RoomName}, h.rooms.deletedRooms())
	assert.Zero(t, h.orch.Registry().Len())
	assert.False(t, h.spawner.handle(0).Alive())
}

func TestReclaimProcess_BySessionID(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	created, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	res, err := h.orch.ReclaimProcess(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, created.RoomName, res.RoomName)
	assert.True(t, res.Found)
	assert.Zero(t, h.orch.Registry().Len())
	assert.Empty(t, h.rooms.deletedRooms())
}

func TestDeleteSession_UnknownRoom(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.orch.DeleteSession(context.Background(), "vox-unknown")
	require.NoError(t, err)
	assert.True(t, res.RoomDeleted)
	assert.False(t, res.Process.Found)
	assert.Equal(t, []string{"vox-unknown"}, h.rooms.deletedRooms())

	_, err = h.orch.DeleteSession(context.Background(), "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDeleteSession_RoomFailureStillReclaims(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	created, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)
	h.rooms.deleteErr = schema.NewError(schema.ErrCodeExternalService, "provider down")

	res, err := h.orch.DeleteSession(ctx, created.RoomName)
	require.NoError(t, err)
	assert.False(t, res.RoomDeleted)
	assert.Contains(t, res.RoomError, "provider down")
	assert.True(t, res.Process.Found)
	assert.Zero(t, h.orch.Registry().Len())
	assert.Contains(t, h.events.types(created.SessionID), schema.EventRoomDeleteFailed)
}

func TestReclaimProcess_KillsAfterGrace(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: 20 * time.Millisecond})
	h.spawner.newHandle = func(pid int) *fakeHandle {
		fh := newFakeHandle(pid)
		fh.ignoreTerm = true
		return fh
	}
	ctx := context.Background()

	created, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	res, err := h.orch.ReclaimProcess(ctx, created.RoomName)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.Forced)

	handle := h.spawner.handle(0)
	assert.EqualValues(t, 1, handle.terms.Load())
	assert.EqualValues(t, 1, handle.kills.Load())
	assert.Empty(t, h.rooms.deletedRooms(), "reclaiming a worker keeps the room")

	again, err := h.orch.ReclaimProcess(ctx, created.RoomName)
	require.NoError(t, err)
	assert.False(t, again.Found)
}

func TestWorkerExitRemovesEntry(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	sub, cancel, err := h.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventWorkerExited}})
	require.NoError(t, err)
	defer cancel()

	created, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	h.spawner.handle(0).exit()

	select {
	case ev := <-sub:
		assert.Equal(t, created.SessionID, ev.SessionID)
		assert.Equal(t, created.RoomName, ev.RoomName)
	case <-time.After(2 * time.Second):
		t.Fatal("worker exit was not observed")
	}
	_, ok := h.orch.Registry().Get(created.RoomName)
	assert.False(t, ok)
}

func TestListSessions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := h.orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)
	second, err := h.orch.CreateSession(ctx, CreateRequest{Voice: "male", Flow: "survey"})
	require.NoError(t, err)

	list := h.orch.ListSessions(ctx)
	require.Len(t, list, 2)
	byRoom := map[string]SessionInfo{}
	for _, s := range list {
		byRoom[s.RoomName] = s
		assert.True(t, s.Alive)
	}
	assert.Equal(t, first.PID, byRoom[first.RoomName].PID)
	assert.Equal(t, "survey", byRoom[second.RoomName].Flow)
	assert.Equal(t, "male", byRoom[second.RoomName].Voice)
}

func TestReap(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	rm := &fakeRooms{}
	sp := &fakeSpawner{}
	orch, err := New(Config{RoomTTL: time.Minute, ExpiryGrace: 10 * time.Second, GracePeriod: 20 * time.Millisecond},
		Deps{Rooms: rm, Spawner: sp, Now: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = orch.CreateSession(ctx, CreateRequest{})
	require.NoError(t, err)

	n, err := orch.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh sessions are kept")

	mu.Lock()
	now = now.Add(time.Minute + 11*time.Second)
	mu.Unlock()

	n, err = orch.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, orch.Registry().Len())
	assert.False(t, sp.handle(0).Alive())
}

func TestConcurrentCreateAndDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	const n = 20
	results := make(chan *CreateResult, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.CreateSession(ctx, CreateRequest{})
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	var created []*CreateResult
	for res := range results {
		assert.False(t, seen[res.RoomName], "room names are unique")
		seen[res.RoomName] = true
		created = append(created, res)
	}
	assert.Equal(t, n, h.orch.Registry().Len())

	for _, res := range created {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.orch.DeleteSession(ctx, res.RoomName)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := h.orch.ReclaimProcess(ctx, res.RoomName)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, h.orch.Registry().Len())
}

func TestSessionLifecyclePersisted(t *testing.T) {
	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	rm := &fakeRooms{}
	sp := &fakeSpawner{}
	orch, err := New(Config{GracePeriod: 20 * time.Millisecond}, Deps{Rooms: rm, Spawner: sp, Store: db})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := orch.CreateSession(ctx, CreateRequest{Flow: "food_ordering"})
	require.NoError(t, err)

	sess, err := db.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusRunning, sess.Status)
	assert.Equal(t, created.PID, sess.PID)
	assert.Equal(t, created.RoomName, sess.RoomName)

	_, err = orch.DeleteSession(ctx, created.RoomName)
	require.NoError(t, err)

	sess, err = db.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusDeleted, sess.Status)
	assert.NotNil(t, sess.EndedAt)

	events, err := db.GetEvents(ctx, created.SessionID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		schema.EventSessionCreated,
		schema.EventWorkerSpawned,
		schema.EventWorkerReclaimed,
		schema.EventRoomDeleted,
		schema.EventSessionDeleted,
	}, types)

	// A session id known only to the store still resolves to its room.
	_, err = orch.DeleteSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{created.RoomName, created.RoomName}, rm.deletedRooms())

	// A room known only to the store is still marked deleted once.
	_, err = orch.DeleteSession(ctx, created.RoomName)
	require.NoError(t, err)
	events, err = db.GetEvents(ctx, created.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
