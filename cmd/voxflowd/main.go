// voxflowd is the voxflow control plane: it provisions rooms, spawns one
// voxflow-worker per room and serves the session API over HTTP or MCP stdio.
package main

import (
	"fmt"
	"os"
	"strings"
)

const usage = `usage: voxflowd [command] [flags]

commands:
  serve     run the HTTP API (default)
  mcp       serve the session tools over MCP stdio
  install   write ~/.voxflow/settings.json and reload a running daemon
  version   print the version
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "install":
		err = runInstall(args)
	case "version":
		printVersion()
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
