// flowctl validates flow definitions and renders them as diagrams.
//
//	flowctl list
//	flowctl validate flows/*.yaml pizza
//	flowctl diagram --format ascii food_ordering
//	flowctl diagram --format png --out order.png --db ~/.voxflow/voxflow.db --session <id> food_ordering
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/rendis/voxflow/internal/actions"
	"github.com/rendis/voxflow/internal/diagram"
	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/flows"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/pkg/schema"
)

const usage = `usage: flowctl <command> [flags] <flow>...

commands:
  list       list the flows available by name
  actions    list the pre/post action types flows may use
  validate   build each flow and report errors and warnings
  diagram    render one flow as mermaid, ascii, json, png or svg

A flow argument is a path to a YAML/JSON file or the name of a built-in flow.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "list":
		err = runList(os.Args[2:], os.Stdout)
	case "actions":
		err = runActions(os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "diagram":
		err = runDiagram(context.Background(), os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runList(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	flowsDir := fs.String("flows-dir", os.Getenv("VOXFLOW_FLOWS_DIR"), "directory of extra flow definitions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, name := range flows.NewLibrary(*flowsDir).Names() {
		fmt.Fprintln(out, name)
	}
	return nil
}

func runActions(out io.Writer) error {
	reg, err := actions.NewBuiltinRegistry(nil, actions.HTTPConfig{})
	if err != nil {
		return err
	}
	desc := reg.Describe()
	for _, t := range reg.Types() {
		fmt.Fprintf(out, "%-18s %s\n", t, desc[t])
	}
	return nil
}

func runValidate(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	flowsDir := fs.String("flows-dir", os.Getenv("VOXFLOW_FLOWS_DIR"), "directory of extra flow definitions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("validate: at least one flow is required")
	}

	lib := flows.NewLibrary(*flowsDir)
	failed := 0
	for _, arg := range fs.Args() {
		g, err := loadGraph(lib, arg)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n", arg)
			printIssues(out, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s, %d nodes)\n", arg, g.Name(), len(g.NodeIDs()))
		for _, w := range g.Warnings() {
			fmt.Fprintf(out, "     warning %s\n", w)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d flows failed validation", failed, fs.NArg())
	}
	return nil
}

func runDiagram(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("diagram", pflag.ContinueOnError)
	format := fs.StringP("format", "f", "mermaid", "output format: mermaid, ascii, json, png, svg")
	outPath := fs.StringP("out", "o", "", "write to a file instead of stdout")
	flowsDir := fs.String("flows-dir", os.Getenv("VOXFLOW_FLOWS_DIR"), "directory of extra flow definitions")
	dbPath := fs.String("db", "", "session database, used with --session")
	sessionID := fs.String("session", "", "overlay this session's progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("diagram: exactly one flow is required")
	}

	g, err := loadGraph(flows.NewLibrary(*flowsDir), fs.Arg(0))
	if err != nil {
		return err
	}

	var replay *store.Replay
	if *sessionID != "" {
		if *dbPath == "" {
			return fmt.Errorf("diagram: --session requires --db")
		}
		db, err := store.NewLibSQLStore("file:" + *dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if replay, err = store.NewEventLog(db).Replay(ctx, *sessionID); err != nil {
			return err
		}
	}

	model, err := diagram.Build(g, replay)
	if err != nil {
		return err
	}
	data, err := render(ctx, model, *format)
	if err != nil {
		return err
	}
	if *outPath != "" {
		return os.WriteFile(*outPath, data, 0o644)
	}
	_, err = out.Write(data)
	return err
}

func render(ctx context.Context, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model) + "\n"), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "json":
		data, err := json.MarshalIndent(model, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "png", "image":
		return diagram.RenderImage(ctx, model)
	case "svg":
		return diagram.RenderSVG(ctx, model)
	default:
		return nil, fmt.Errorf("unknown format %q (want mermaid, ascii, json, png or svg)", format)
	}
}

// loadGraph treats arg as a file when it exists on disk and as a flow name
// otherwise.
func loadGraph(lib *flows.Library, arg string) (*flow.Graph, error) {
	if _, err := os.Stat(arg); err == nil {
		def, err := flow.LoadFile(arg)
		if err != nil {
			return nil, err
		}
		return flow.Build(def)
	}
	return lib.Build(arg)
}

func printIssues(out io.Writer, err error) {
	var ve *schema.VoxError
	if !errors.As(err, &ve) {
		fmt.Fprintf(out, "     %v\n", err)
		return
	}
	issues, _ := ve.Details["errors"].([]schema.ValidationIssue)
	if len(issues) == 0 {
		fmt.Fprintf(out, "     %s\n", ve.Message)
		return
	}
	for _, is := range issues {
		fmt.Fprintf(out, "     %s %s\n", is.Severity, is)
	}
}
