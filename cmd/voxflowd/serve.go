package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rendis/voxflow/internal/api"
	"github.com/rendis/voxflow/internal/flows"
	"github.com/rendis/voxflow/internal/isolation"
	"github.com/rendis/voxflow/internal/logging"
	"github.com/rendis/voxflow/internal/orchestrator"
	"github.com/rendis/voxflow/internal/rooms"
	"github.com/rendis/voxflow/internal/scheduler"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/internal/streaming"
	"github.com/rendis/voxflow/pkg/mcp"
)

const (
	shutdownTimeout = 15 * time.Second
	reapJob         = "reap"
)

// daemon is the wired control plane shared by the HTTP and MCP modes.
type daemon struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	db     *store.LibSQLStore
	events *store.EventLog
	hub    *streaming.MemoryHub
	flows  *flows.Library
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
}

func newDaemon(ctx context.Context, cfg Config, logOut io.Writer) (*daemon, error) {
	d := &daemon{cfg: cfg, level: new(slog.LevelVar)}
	d.level.Set(logging.ParseLevel(cfg.LogLevel))
	d.logger = logging.NewLeveled(logOut, d.level, cfg.LogFormat)
	slog.SetDefault(d.logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	d.db = db
	d.events = store.NewEventLog(db)
	d.hub = streaming.NewMemoryHub()
	d.flows = flows.NewLibrary(cfg.FlowsDir)

	roomClient, err := rooms.NewClient(rooms.Config{
		APIURL: cfg.DailyAPIURL,
		APIKey: cfg.DailyAPIKey,
		Domain: cfg.DailyDomain,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	spawner := &orchestrator.ExecSpawner{
		Binary:   cfg.WorkerBinary,
		Args:     cfg.WorkerArgs,
		Env:      workerEnv(cfg),
		DBPath:   cfg.DBPath,
		Isolator: isolation.NewIsolator(d.logger),
		Limits: isolation.Limits{
			MaxMemoryBytes: int64(cfg.WorkerMemoryMB) << 20,
			MaxCPUPercent:  cfg.WorkerCPUPercent,
		},
		// Worker output joins the daemon's log stream; in MCP mode stdout
		// carries the protocol.
		Stdout: logOut,
		Stderr: logOut,
		Logger: d.logger,
	}

	d.orch, err = orchestrator.New(orchestrator.Config{
		RoomTTL:         time.Duration(cfg.RoomTTL),
		MaxParticipants: cfg.MaxParticipants,
		GracePeriod:     time.Duration(cfg.GracePeriod),
		DefaultFlow:     cfg.DefaultFlow,
	}, orchestrator.Deps{
		Rooms:   roomClient,
		Spawner: spawner,
		Flows:   d.flows,
		Store:   db,
		Events:  d.events,
		Hub:     d.hub,
		Logger:  d.logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.sched = scheduler.NewScheduler(d.logger)
	if err := d.sched.Add(reapJob, cfg.ReapInterval, func(ctx context.Context) error {
		n, err := d.orch.Reap(ctx)
		if n > 0 {
			d.logger.InfoContext(ctx, "reaped sessions", "count", n)
		}
		return err
	}); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// workerEnv hands workers the settings they read from the environment, so
// values from settings.json reach them too.
func workerEnv(cfg Config) []string {
	env := []string{
		"VOXFLOW_DAILY_API_URL=" + cfg.DailyAPIURL,
		"VOXFLOW_DAILY_DOMAIN=" + cfg.DailyDomain,
		"VOXFLOW_LOG_LEVEL=" + cfg.LogLevel,
		"VOXFLOW_LOG_FORMAT=" + cfg.LogFormat,
	}
	if cfg.FlowsDir != "" {
		env = append(env, "VOXFLOW_FLOWS_DIR="+cfg.FlowsDir)
	}
	return env
}

// close releases the daemon's resources after every worker is reclaimed.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if d.sched != nil {
		_ = d.sched.Stop()
	}
	if d.orch != nil {
		d.orch.Shutdown(ctx)
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("close store", "error", err)
		}
	}
}

// reload re-reads the configuration on SIGHUP and runs the reaper once.
// Only the log level applies live; other changes are reported as needing a
// restart.
func (d *daemon) reload(ctx context.Context, path string) {
	defer func() {
		if !d.sched.RunNow(ctx, reapJob) {
			d.logger.DebugContext(ctx, "reaper already running")
		}
	}()

	next := loadConfig(path)
	diff := diffConfigs(d.cfg, next)
	if diff.LogLevelChanged {
		d.level.Set(logging.ParseLevel(next.LogLevel))
		d.logger.Info("log level changed", "level", next.LogLevel)
		d.cfg.LogLevel = next.LogLevel
	}
	if len(diff.RestartNeeded) > 0 {
		d.logger.Warn("configuration changes require a restart", "fields", diff.RestartNeeded)
	}
}

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := fs.String("config", "", "settings file (default: ~/.voxflow/settings.json)")
	listenAddr := fs.String("listen-addr", "", "override listen_addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.sched.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Sessions: d.orch,
			Store:    d.db,
			Replayer: d.events,
			Hub:      d.hub,
			Flows:    d.flows,
			Jobs:     d.sched,
			Logger:   d.logger,
			Version:  version,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	writePIDFile(d.logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				d.reload(ctx, *configPath)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("voxflowd listening", "addr", cfg.ListenAddr, "version", version, "flows", d.flows.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// runMCP serves the lifecycle tools over stdio. Logs go to stderr so they
// never interleave with the protocol stream.
func runMCP(args []string) error {
	fs := pflag.NewFlagSet("mcp", pflag.ContinueOnError)
	configPath := fs.String("config", "", "settings file (default: ~/.voxflow/settings.json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := loadConfig(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.sched.Start(ctx); err != nil {
		return err
	}

	srv := mcp.NewVoxflowServer(mcp.VoxflowServerDeps{
		Sessions: d.orch,
		Store:    d.db,
		Replayer: d.events,
		Flows:    d.flows,
		Hub:      d.hub,
		Logger:   d.logger,
		Version:  version,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func writePIDFile(logger *slog.Logger) {
	if err := os.MkdirAll(voxflowDir(), 0o700); err != nil {
		logger.Warn("pid file", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("pid file", "error", err)
	}
}
