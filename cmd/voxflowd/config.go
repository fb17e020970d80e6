package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all voxflowd configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	ListenAddr       string   `json:"listen_addr"`
	DBPath           string   `json:"db_path"`
	LogLevel         string   `json:"log_level"`
	LogFormat        string   `json:"log_format"`
	RoomTTL          Duration `json:"room_ttl"`
	GracePeriod      Duration `json:"grace_period"`
	ReapInterval     string   `json:"reap_interval"`
	MaxParticipants  int      `json:"max_participants"`
	DailyAPIURL      string   `json:"daily_api_url"`
	DailyDomain      string   `json:"daily_domain"`
	WorkerBinary     string   `json:"worker_binary"`
	WorkerArgs       []string `json:"worker_args,omitempty"`
	FlowsDir         string   `json:"flows_dir,omitempty"`
	DefaultFlow      string   `json:"default_flow"`
	WorkerMemoryMB   int      `json:"worker_memory_mb,omitempty"`
	WorkerCPUPercent int      `json:"worker_cpu_percent,omitempty"`

	// DailyAPIKey is read from the environment only and never persisted.
	DailyAPIKey string `json:"-"`
}

// Duration is a time.Duration that reads and writes as "300s" in JSON.
// Plain numbers are taken as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":7860",
		DBPath:          filepath.Join(voxflowDir(), "voxflow.db"),
		LogLevel:        "info",
		LogFormat:       "json",
		RoomTTL:         Duration(300 * time.Second),
		GracePeriod:     Duration(5 * time.Second),
		ReapInterval:    "@every 30s",
		MaxParticipants: 10,
		DailyAPIURL:     "https://api.daily.co/v1",
		WorkerBinary:    "voxflow-worker",
		DefaultFlow:     "food_ordering",
	}
}

func voxflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voxflow"
	}
	return filepath.Join(home, ".voxflow")
}

func settingsPath() string {
	return filepath.Join(voxflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(voxflowDir(), "voxflowd.pid")
}

// loadConfig layers defaults, the settings file at path (settings.json when
// empty), a .env file in the working directory and VOXFLOW_* env vars.
func loadConfig(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}
	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: .env never overrides variables already set.
	_ = godotenv.Load()

	// Layer 4: env vars override.
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VOXFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VOXFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VOXFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VOXFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("VOXFLOW_ROOM_TTL"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.RoomTTL = Duration(d)
		}
	}
	if v := os.Getenv("VOXFLOW_GRACE_PERIOD"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.GracePeriod = Duration(d)
		}
	}
	if v := os.Getenv("VOXFLOW_REAP_INTERVAL"); v != "" {
		cfg.ReapInterval = v
	}
	if v := os.Getenv("VOXFLOW_MAX_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParticipants = n
		}
	}
	if v := os.Getenv("VOXFLOW_DAILY_API_URL"); v != "" {
		cfg.DailyAPIURL = v
	}
	if v := os.Getenv("VOXFLOW_DAILY_DOMAIN"); v != "" {
		cfg.DailyDomain = v
	}
	if v := os.Getenv("VOXFLOW_WORKER_BINARY"); v != "" {
		cfg.WorkerBinary = v
	}
	if v := os.Getenv("VOXFLOW_WORKER_ARGS"); v != "" {
		cfg.WorkerArgs = strings.Fields(v)
	}
	if v := os.Getenv("VOXFLOW_FLOWS_DIR"); v != "" {
		cfg.FlowsDir = v
	}
	if v := os.Getenv("VOXFLOW_DEFAULT_FLOW"); v != "" {
		cfg.DefaultFlow = v
	}
	if v := os.Getenv("VOXFLOW_WORKER_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerMemoryMB = n
		}
	}
	if v := os.Getenv("VOXFLOW_WORKER_CPU_PERCENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCPUPercent = n
		}
	}
	cfg.DailyAPIKey = os.Getenv("DAILY_API_KEY")
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a daemon restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.RoomTTL != new.RoomTTL {
		d.RestartNeeded = append(d.RestartNeeded, "room_ttl")
	}
	if old.GracePeriod != new.GracePeriod {
		d.RestartNeeded = append(d.RestartNeeded, "grace_period")
	}
	if old.ReapInterval != new.ReapInterval {
		d.RestartNeeded = append(d.RestartNeeded, "reap_interval")
	}
	if old.WorkerBinary != new.WorkerBinary {
		d.RestartNeeded = append(d.RestartNeeded, "worker_binary")
	}
	if old.FlowsDir != new.FlowsDir {
		d.RestartNeeded = append(d.RestartNeeded, "flows_dir")
	}
	if old.DailyAPIURL != new.DailyAPIURL {
		d.RestartNeeded = append(d.RestartNeeded, "daily_api_url")
	}
	if old.DailyDomain != new.DailyDomain {
		d.RestartNeeded = append(d.RestartNeeded, "daily_domain")
	}
	return d
}
