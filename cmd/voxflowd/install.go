package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rendis/voxflow/internal/scheduler"
)

func runInstall(args []string) error {
	def := defaultConfig()

	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	listenAddr := fs.String("listen-addr", def.ListenAddr, "TCP listen address")
	dbPath := fs.String("db-path", "", "database path (default: ~/.voxflow/voxflow.db)")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: json, text")
	roomTTL := fs.Duration("room-ttl", time.Duration(def.RoomTTL), "room expiry")
	grace := fs.Duration("grace-period", time.Duration(def.GracePeriod), "SIGTERM to SIGKILL grace")
	reap := fs.String("reap-interval", def.ReapInterval, "reaper schedule (cron spec or @every)")
	maxParticipants := fs.Int("max-participants", def.MaxParticipants, "room participant cap")
	domain := fs.String("daily-domain", "", "Daily subdomain used to build room URLs")
	workerBinary := fs.String("worker-binary", def.WorkerBinary, "session worker executable")
	flowsDir := fs.String("flows-dir", "", "directory of extra flow definitions")
	defaultFlow := fs.String("default-flow", def.DefaultFlow, "flow used when a request names none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := scheduler.ValidateSpec(*reap); err != nil {
		return fmt.Errorf("--reap-interval: %w", err)
	}

	dir := voxflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	cfg := def
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.RoomTTL = Duration(*roomTTL)
	cfg.GracePeriod = Duration(*grace)
	cfg.ReapInterval = *reap
	cfg.MaxParticipants = *maxParticipants
	cfg.DailyDomain = *domain
	cfg.WorkerBinary = *workerBinary
	cfg.FlowsDir = *flowsDir
	cfg.DefaultFlow = *defaultFlow
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "voxflow.db")
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	if os.Getenv("DAILY_API_KEY") == "" {
		fmt.Println("Note: DAILY_API_KEY is not set; export it (or add it to .env) before starting voxflowd")
	}

	// Signal a running daemon to reload.
	if !signalRunningServer() {
		fmt.Println("Start the daemon with: voxflowd serve")
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running voxflowd (via pidfile).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running daemon (PID %d) to reload configuration\n", pid)
	return true
}
