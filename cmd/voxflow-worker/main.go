// voxflow-worker runs one voice session: it joins the room through the media
// bridge, drives the configured flow with the model and exits when the
// conversation ends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rendis/voxflow/internal/engine"
	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/flows"
	"github.com/rendis/voxflow/internal/llm"
	"github.com/rendis/voxflow/internal/logging"
	"github.com/rendis/voxflow/internal/orchestrator"
	"github.com/rendis/voxflow/internal/rooms"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/internal/transport"
	"github.com/rendis/voxflow/internal/worker"
)

const defaultBridgeURL = "ws://127.0.0.1:8765/bridge"

type options struct {
	RoomURL     string
	Room        string
	Session     string
	Voice       string
	Flow        string
	FlowFile    string
	FlowsDir    string
	Persona     string
	DBPath      string
	Bridge      string
	IdleTimeout time.Duration
	IdleRetries int
	Model       string
	LogLevel    string
	LogFormat   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	var o options
	fs := pflag.NewFlagSet("voxflow-worker", pflag.ContinueOnError)
	fs.StringVarP(&o.RoomURL, "url", "u", "", "room URL to join (required)")
	fs.StringVar(&o.Room, "room", "", "room name (used for teardown and logging)")
	fs.StringVar(&o.Session, "session", "", "session id recorded with flow events")
	fs.StringVar(&o.Voice, "voice", "female", "voice name")
	fs.StringVar(&o.Flow, "flow", orchestrator.DefaultFlow, "flow name")
	fs.StringVar(&o.FlowFile, "flow-file", "", "load the flow from a YAML or JSON file instead of by name")
	fs.StringVar(&o.FlowsDir, "flows-dir", os.Getenv("VOXFLOW_FLOWS_DIR"), "directory of extra flow definitions")
	fs.StringVar(&o.Persona, "persona", "", "overrides the flow's persona var")
	fs.StringVar(&o.DBPath, "db", "", "session database to record flow events in")
	fs.StringVar(&o.Bridge, "bridge", envOr("VOXFLOW_BRIDGE_URL", defaultBridgeURL), "media bridge websocket URL")
	fs.DurationVar(&o.IdleTimeout, "idle-timeout", worker.DefaultIdleTimeout, "caller silence before a reminder")
	fs.IntVar(&o.IdleRetries, "idle-retries", worker.DefaultIdleRetries, "reminders before hanging up")
	fs.StringVar(&o.Model, "model", envOr("OPENAI_MODEL", "gpt-4o"), "chat model")
	fs.StringVar(&o.LogLevel, "log-level", envOr("VOXFLOW_LOG_LEVEL", "info"), "log level")
	fs.StringVar(&o.LogFormat, "log-format", envOr("VOXFLOW_LOG_FORMAT", "json"), "log format: json, text")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.RoomURL == "" {
		return nil, fmt.Errorf("--url is required")
	}
	if o.Room == "" {
		o.Room = rooms.NameFromURL(o.RoomURL)
	}
	return &o, nil
}

func run() error {
	_ = godotenv.Load()

	o, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, o.LogLevel, o.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithIDs(ctx, o.Room, o.Session)

	var provisioner rooms.Provisioner
	if key := os.Getenv("DAILY_API_KEY"); key != "" {
		c, err := rooms.NewClient(rooms.Config{APIURL: os.Getenv("VOXFLOW_DAILY_API_URL"), APIKey: key})
		if err != nil {
			return err
		}
		provisioner = c
	} else {
		logger.WarnContext(ctx, "DAILY_API_KEY not set; the room will not be deleted on exit")
	}
	return runSession(ctx, o, provisioner, logger)
}

// runSession starts the worker and runs it until the conversation ends. If
// the worker cannot start, including when a signal interrupts the bridge
// handshake, the room is still deleted.
func runSession(ctx context.Context, o *options, provisioner rooms.Provisioner, logger *slog.Logger) error {
	w, cleanup, err := prepare(ctx, o, provisioner, logger)
	if err != nil {
		logger.ErrorContext(ctx, "worker failed to start", "error", err)
		worker.DeleteRoom(ctx, provisioner, o.Room, worker.DefaultDeleteTimeout, logger)
		return err
	}
	defer cleanup()

	logger.InfoContext(ctx, "worker starting", "flow", o.Flow, "voice", o.Voice, "model", o.Model)
	return w.Run(ctx)
}

// prepare builds the worker and its collaborators. cleanup releases what
// prepare opened; on error prepare has already released it.
func prepare(ctx context.Context, o *options, provisioner rooms.Provisioner, logger *slog.Logger) (_ *worker.Worker, _ func(), err error) {
	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	_, voiceID, err := orchestrator.ResolveVoice(o.Voice)
	if err != nil {
		return nil, nil, err
	}

	graph, err := buildGraph(o, logger)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range graph.Warnings() {
		logger.WarnContext(ctx, "flow warning", "path", w.Path, "message", w.Message)
	}

	driver, err := llm.NewOpenAIDriver(ctx, llm.Config{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   o.Model,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	var engineOpts []engine.Option
	if o.DBPath != "" {
		db, err := store.NewLibSQLStore("file:" + o.DBPath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		engineOpts = append(engineOpts, engine.WithEventAppender(store.NewEventLog(db)))
	}

	header := http.Header{}
	if tok := os.Getenv("VOXFLOW_BRIDGE_TOKEN"); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	bridge, err := transport.Dial(ctx, o.Bridge, transport.Hello{
		Type:      "hello",
		RoomURL:   o.RoomURL,
		RoomName:  o.Room,
		BotName:   "voxflow",
		VoiceID:   voiceID,
		SessionID: o.Session,
	}, header)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { _ = bridge.Close() })

	w, err := worker.New(worker.Config{
		SessionID:   o.Session,
		RoomName:    o.Room,
		RoomURL:     o.RoomURL,
		IdleTimeout: o.IdleTimeout,
		IdleRetries: o.IdleRetries,
	}, worker.Deps{
		Graph:         graph,
		Transport:     bridge,
		Driver:        driver,
		Rooms:         provisioner,
		Logger:        logger,
		EngineOptions: engineOpts,
	})
	if err != nil {
		return nil, nil, err
	}
	return w, release, nil
}

func buildGraph(o *options, logger *slog.Logger) (*flow.Graph, error) {
	opts := []flow.Option{
		flow.WithLogger(logger),
		flow.WithSession(map[string]any{"id": o.Session, "room": o.Room, "room_url": o.RoomURL, "voice": o.Voice}),
	}
	if o.Persona != "" {
		opts = append(opts, flow.WithVars(map[string]any{"persona": o.Persona}))
	}
	if o.FlowFile != "" {
		def, err := flow.LoadFile(o.FlowFile)
		if err != nil {
			return nil, err
		}
		return flow.Build(def, opts...)
	}
	return flows.NewLibrary(o.FlowsDir).Build(o.Flow, opts...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
