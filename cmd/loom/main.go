// Command loom runs agentic business workflows. `run` executes a
// workflow document locally, `serve` exposes the run and human-task
// APIs over HTTP, `task` works a human task queue from the terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "serve":
		os.Exit(serveCommand(os.Args[2:]))
	case "task":
		os.Exit(taskCommand(os.Args[2:]))
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `loom - agentic workflow engine

Usage:
  loom run <file> [--verbose] [--key=<credential>] [--patch=<file>] [--inputs=<json>]
  loom serve [--port=<n>]
  loom task <list|show|pending|assign|start|complete|reject> [args] [flags]

Environment:
  GEMINI_API_KEY   model credential; absent means agents run simulated
  ROBOT_ENDPOINT   machine actor endpoint; absent means robots run simulated
  TASK_STORE       human task backend: memory (default), redis, postgres
  LOG_LEVEL        debug, info (default), warn, error
  LOG_FORMAT       text (default) or json
  PORT             serve listen port (default 8080)
`)
}
