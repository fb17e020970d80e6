package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"VOXFLOW_LISTEN_ADDR", "VOXFLOW_DB_PATH", "VOXFLOW_LOG_LEVEL", "VOXFLOW_ROOM_TTL",
		"VOXFLOW_MAX_PARTICIPANTS", "VOXFLOW_WORKER_ARGS", "VOXFLOW_DAILY_API_URL", "VOXFLOW_DAILY_DOMAIN", "VOXFLOW_FLOWS_DIR", "VOXFLOW_LOG_FORMAT",
		"DAILY_API_KEY",
	} {
		t.Setenv(k, "")
	}
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg := loadConfig("")
	assert.Equal(t, ":7860", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, ".voxflow", "voxflow.db"), cfg.DBPath)
	assert.Equal(t, Duration(300*time.Second), cfg.RoomTTL)
	assert.Equal(t, Duration(5*time.Second), cfg.GracePeriod)
	assert.Equal(t, "@every 30s", cfg.ReapInterval)
	assert.Equal(t, 10, cfg.MaxParticipants)
	assert.Equal(t, "food_ordering", cfg.DefaultFlow)
	assert.Empty(t, cfg.DailyAPIKey)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ".voxflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{
		"listen_addr": ":9000",
		"room_ttl": "2m",
		"grace_period": 3,
		"worker_args": ["run", "./cmd/voxflow-worker"],
		"log_level": "debug"
	}`), 0o644))

	cfg := loadConfig("")
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, Duration(2*time.Minute), cfg.RoomTTL)
	assert.Equal(t, Duration(3*time.Second), cfg.GracePeriod)
	assert.Equal(t, []string{"run", "./cmd/voxflow-worker"}, cfg.WorkerArgs)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.MaxParticipants)
}

func TestWorkerEnv_CarriesSettings(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"daily_api_url": "https://rooms.internal/v1",
		"daily_domain": "acme.daily.co",
		"flows_dir": "/etc/voxflow/flows",
		"log_format": "text"
	}`), 0o644))

	env := workerEnv(loadConfig(path))
	assert.Contains(t, env, "VOXFLOW_DAILY_API_URL=https://rooms.internal/v1")
	assert.Contains(t, env, "VOXFLOW_DAILY_DOMAIN=acme.daily.co")
	assert.Contains(t, env, "VOXFLOW_FLOWS_DIR=/etc/voxflow/flows")
	assert.Contains(t, env, "VOXFLOW_LOG_FORMAT=text")

	for _, kv := range workerEnv(defaultConfig()) {
		assert.NotContains(t, kv, "VOXFLOW_FLOWS_DIR", "an unset flows dir is not forwarded")
	}
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_flow": "pizza"}`), 0o644))

	cfg := loadConfig(path)
	assert.Equal(t, "pizza", cfg.DefaultFlow)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ".voxflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"listen_addr": ":9000"}`), 0o644))

	t.Setenv("VOXFLOW_LISTEN_ADDR", ":9100")
	t.Setenv("VOXFLOW_ROOM_TTL", "600")
	t.Setenv("VOXFLOW_MAX_PARTICIPANTS", "4")
	t.Setenv("VOXFLOW_WORKER_ARGS", "--model gpt-4o-mini")
	t.Setenv("DAILY_API_KEY", "dk-test")

	cfg := loadConfig("")
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, Duration(10*time.Minute), cfg.RoomTTL)
	assert.Equal(t, 4, cfg.MaxParticipants)
	assert.Equal(t, []string{"--model", "gpt-4o-mini"}, cfg.WorkerArgs)
	assert.Equal(t, "dk-test", cfg.DailyAPIKey)
}

func TestLoadConfig_InvalidEnvIgnored(t *testing.T) {
	isolateHome(t)
	t.Setenv("VOXFLOW_MAX_PARTICIPANTS", "lots")
	t.Setenv("VOXFLOW_ROOM_TTL", "soon")

	cfg := loadConfig("")
	assert.Equal(t, 10, cfg.MaxParticipants)
	assert.Equal(t, Duration(300*time.Second), cfg.RoomTTL)
}

func TestConfig_APIKeyNotPersisted(t *testing.T) {
	cfg := defaultConfig()
	cfg.DailyAPIKey = "secret"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"room_ttl":"5m0s"`)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	same := diffConfigs(old, old)
	assert.False(t, same.LogLevelChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.ListenAddr = ":1"
	next.ReapInterval = "@every 1m"
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "reap_interval"}, d.RestartNeeded)
}
