package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomworks/loom/cmd/loom/app"
	"github.com/loomworks/loom/common/engine"
	"github.com/loomworks/loom/common/events"
	"github.com/loomworks/loom/common/task"
	"github.com/loomworks/loom/common/workflow"
)

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "print run events as they happen")
	key := fs.String("key", "", "model credential (overrides GEMINI_API_KEY)")
	patchFile := fs.String("patch", "", "JSON Patch (RFC 6902) applied to the document before load")
	inputsJSON := fs.String("inputs", "", "initial token data as a JSON object")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: loom run <file> [--verbose] [--key=...] [--patch=...] [--inputs=...]")
		return 2
	}

	ctx := context.Background()
	a, err := app.Setup(ctx, "loom")
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}
	defer a.Shutdown(ctx)
	if *key != "" {
		a.Config.Gemini.APIKey = *key
	}

	wf, err := loadDocument(fs.Arg(0), *patchFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow: %v\n", err)
		return 1
	}

	var inputs map[string]interface{}
	if *inputsJSON != "" {
		if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
			fmt.Fprintf(os.Stderr, "parse --inputs: %v\n", err)
			return 1
		}
	}

	if *verbose {
		a.Bus.Subscribe(func(ev events.Event) {
			fmt.Printf("%s  %-15s node=%s token=%s task=%s\n",
				ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.NodeID, shortID(ev.TokenID), shortID(ev.TaskID))
		})
	}

	eng, err := engine.New(wf, engine.Options{
		Queue:    a.Queue,
		Strategy: a.StrategyConfig(),
		Contexts: a.Contexts,
		Bus:      a.Bus,
		Logger:   a.Logger,
		Metrics:  a.Telemetry.Metrics,
		Retry: engine.RetryPolicy{
			MaxAttempts: a.Config.Retry.MaxAttempts,
			BaseDelay:   a.Config.Retry.BaseDelay,
			Factor:      a.Config.Retry.Factor,
			JitterPct:   a.Config.Retry.JitterPct,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		return 1
	}

	runID, err := eng.Start(ctx, inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start run: %v\n", err)
		return 1
	}
	status, err := eng.RunToQuiescence(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s: %v\n", runID, err)
		return 1
	}

	return report(ctx, a, eng, wf, runID, status)
}

// report prints the final state. A run waiting on human tasks prints
// the queue and exits clean; only a failed run is an error exit.
func report(ctx context.Context, a *app.App, eng *engine.Engine, wf *workflow.Workflow, runID string, status engine.RunStatus) int {
	fmt.Printf("\nworkflow: %s (%s)\nrun:      %s\nstatus:   %s\n", wf.Name, wf.ID, runID, status)

	switch status {
	case engine.RunCompleted:
		result, err := eng.ResultData(runID)
		if err == nil && len(result) > 0 {
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Printf("result:\n%s\n", out)
		}
		return 0
	case engine.RunWaiting:
		pending, err := a.Queue.List(ctx, task.Filter{RunID: runID})
		if err == nil {
			fmt.Printf("\nwaiting on %d human task(s):\n", len(pending))
			for _, t := range pending {
				if t.Status.Terminal() {
					continue
				}
				fmt.Printf("  %s  [%s] %s (role %s, priority %s)\n",
					t.ID, t.Status, t.ActivityName, t.RoleID, t.Priority)
			}
			fmt.Println("\nresolve them with: loom task complete <id> --outputs='{...}'")
		}
		return 0
	default:
		return 1
	}
}

// loadDocument reads a JSON or YAML workflow file and applies the
// optional patch before validation.
func loadDocument(path, patchFile string) (*workflow.Workflow, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		doc, err = workflow.YAMLToJSON(doc)
		if err != nil {
			return nil, err
		}
	}

	if patchFile != "" {
		patch, err := os.ReadFile(patchFile)
		if err != nil {
			return nil, err
		}
		doc, err = workflow.ApplyPatch(doc, patch)
		if err != nil {
			return nil, err
		}
	}
	return workflow.Load(doc)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
