package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/loomworks/loom/common/clients"
	"github.com/loomworks/loom/common/logger"
)

// taskCommand works the human task queue of a running loom server.
func taskCommand(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: loom task <list|show|pending|assign|start|complete|reject> [args] [flags]")
		return 2
	}
	verb := args[0]

	fs := flag.NewFlagSet("task", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "loom server base URL")
	role := fs.String("role", "", "role filter (list, pending)")
	status := fs.String("status", "", "status filter (list)")
	user := fs.String("user", "", "assignee (assign)")
	outputs := fs.String("outputs", "", "JSON outputs (complete)")
	reason := fs.String("reason", "", "rejection reason (reject)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	client := &taskClient{
		base: *server,
		http: clients.NewHTTPClient(
			&http.Client{Timeout: 15 * time.Second},
			logger.New("error", "text")),
	}

	switch verb {
	case "list":
		q := url.Values{}
		if *role != "" {
			q.Set("role_id", *role)
		}
		if *status != "" {
			q.Set("status", *status)
		}
		return client.get("/api/v1/tasks", q)
	case "pending":
		if *role == "" {
			fmt.Fprintln(os.Stderr, "pending requires --role")
			return 2
		}
		return client.get("/api/v1/tasks/pending", url.Values{"role": {*role}})
	case "show":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loom task show <id>")
			return 2
		}
		return client.get("/api/v1/tasks/"+fs.Arg(0), nil)
	case "assign":
		if fs.NArg() != 1 || *user == "" {
			fmt.Fprintln(os.Stderr, "usage: loom task assign <id> --user=<user>")
			return 2
		}
		return client.post("/api/v1/tasks/"+fs.Arg(0)+"/assign",
			map[string]interface{}{"user_id": *user})
	case "start":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loom task start <id>")
			return 2
		}
		return client.post("/api/v1/tasks/"+fs.Arg(0)+"/start", map[string]interface{}{})
	case "complete":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loom task complete <id> [--outputs=<json>]")
			return 2
		}
		var out map[string]interface{}
		if *outputs != "" {
			if err := json.Unmarshal([]byte(*outputs), &out); err != nil {
				fmt.Fprintf(os.Stderr, "parse --outputs: %v\n", err)
				return 2
			}
		}
		return client.post("/api/v1/tasks/"+fs.Arg(0)+"/complete",
			map[string]interface{}{"outputs": out})
	case "reject":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loom task reject <id> [--reason=<text>]")
			return 2
		}
		return client.post("/api/v1/tasks/"+fs.Arg(0)+"/reject",
			map[string]interface{}{"reason": *reason})
	default:
		fmt.Fprintf(os.Stderr, "unknown task command %q\n", verb)
		return 2
	}
}

func defaultServer() string {
	if s := os.Getenv("LOOM_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

type taskClient struct {
	base string
	http *clients.HTTPClient
}

func (c *taskClient) get(path string, query url.Values) int {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(http.MethodGet, target, nil)
}

func (c *taskClient) post(path string, body map[string]interface{}) int {
	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return 1
	}
	return c.do(http.MethodPost, c.base+path, bytes.NewReader(payload))
}

func (c *taskClient) do(method, target string, body io.Reader) int {
	resp, err := c.http.DoRequest(context.Background(), method, target, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return 1
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, payload, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(payload))
	}
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}
