package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voxflow/internal/isolation"
	"github.com/rendis/voxflow/pkg/schema"
)

func waitDone(t *testing.T, h ProcessHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(isolation.DefaultStopGrace + 5*time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExecSpawner_PassesSessionFlags(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	s := &ExecSpawner{
		Binary: "/bin/sh",
		Args:   []string{"-c", `echo "$@" > ` + out + `; echo "$VOXFLOW_DAILY_API_URL" >> ` + out, "worker"},
		Env:    []string{"VOXFLOW_DAILY_API_URL=https://rooms.internal/v1"},
		DBPath: "/var/lib/voxflow/voxflow.db",
		Stdout: io.Discard,
		Stderr: io.Discard,
	}

	h, err := s.Spawn(context.Background(), SpawnRequest{
		SessionID: "sess-1",
		RoomURL:   "https://x.daily.co/vox-1",
		RoomName:  "vox-1",
		Voice:     "male",
		Flow:      "food_ordering",
		Persona:   "pirate",
	})
	require.NoError(t, err)
	waitDone(t, h)
	require.NoError(t, h.ExitErr())
	assert.False(t, h.Alive())

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t,
		"--url https://x.daily.co/vox-1 --room vox-1 --session sess-1 --voice male --flow food_ordering --persona pirate --db /var/lib/voxflow/voxflow.db",
		lines[0])
	assert.Equal(t, "https://rooms.internal/v1", lines[1], "Env reaches the worker")
}

func TestExecSpawner_SurvivesRequestContext(t *testing.T) {
	s := &ExecSpawner{Binary: "/bin/sh", Args: []string{"-c", "exec sleep 30"}, Stdout: io.Discard, Stderr: io.Discard}

	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Spawn(ctx, SpawnRequest{RoomName: "vox-1"})
	require.NoError(t, err)
	cancel()

	time.Sleep(100 * time.Millisecond)
	assert.True(t, h.Alive(), "worker outlives the request that spawned it")

	require.NoError(t, h.Signal(syscall.SIGTERM))
	waitDone(t, h)
	assert.False(t, h.Alive())
	assert.Error(t, h.ExitErr())
}

func TestExecSpawner_LifetimeBackstop(t *testing.T) {
	s := &ExecSpawner{Binary: "/bin/sh", Args: []string{"-c", "exec sleep 30"}, Stdout: io.Discard, Stderr: io.Discard}

	h, err := s.Spawn(context.Background(), SpawnRequest{RoomName: "vox-1", Lifetime: 100 * time.Millisecond})
	require.NoError(t, err)
	waitDone(t, h)
}

func TestExecSpawner_StartFailure(t *testing.T) {
	s := &ExecSpawner{Binary: filepath.Join(t.TempDir(), "missing")}
	_, err := s.Spawn(context.Background(), SpawnRequest{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProcessSpawn))

	_, err = (&ExecSpawner{}).Spawn(context.Background(), SpawnRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}
