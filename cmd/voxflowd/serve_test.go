package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	home := isolateHome(t)
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(home, "voxflow.db")
	cfg.DailyAPIKey = "test-key"

	d, err := newDaemon(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(d.close)
	return d
}

func TestDaemonReload_AppliesLevelAndReaps(t *testing.T) {
	d := newTestDaemon(t)
	assert.Equal(t, slog.LevelInfo, d.level.Level())

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "debug", "db_path": "`+d.cfg.DBPath+`"}`), 0o644))

	d.reload(context.Background(), path)
	assert.Equal(t, slog.LevelDebug, d.level.Level())
	assert.Equal(t, "debug", d.cfg.LogLevel)

	jobs := d.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, reapJob, jobs[0].Name)
	require.NotNil(t, jobs[0].LastRunAt, "reload runs the reaper")
	assert.Equal(t, "success", jobs[0].LastRunStatus)
}

func TestNewDaemon_RejectsBadReapInterval(t *testing.T) {
	home := isolateHome(t)
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(home, "voxflow.db")
	cfg.DailyAPIKey = "test-key"
	cfg.ReapInterval = "every now and then"

	_, err := newDaemon(context.Background(), cfg, io.Discard)
	require.Error(t, err)
}
