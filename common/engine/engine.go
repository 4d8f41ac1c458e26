// Package engine is the token-propagating interpreter of a workflow
// graph. One engine serves many concurrent runs of one workflow: Start
// seeds tokens at the start nodes, Step dispatches every runnable token
// once, and RunToQuiescence steps until the run is terminal or every
// surviving token waits on a human task.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/common/contextstore"
	"github.com/loomworks/loom/common/decision"
	"github.com/loomworks/loom/common/events"
	"github.com/loomworks/loom/common/exprlang"
	"github.com/loomworks/loom/common/metrics"
	"github.com/loomworks/loom/common/strategy"
	"github.com/loomworks/loom/common/task"
	"github.com/loomworks/loom/common/telemetry"
	"github.com/loomworks/loom/common/token"
	"github.com/loomworks/loom/common/workflow"
)

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// RetryPolicy shapes the backoff between strategy attempts. Exponential
// delay with multiplicative jitter; attempt N waits roughly
// BaseDelay * Factor^(N-1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	JitterPct   float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
	if p.JitterPct < 0 {
		p.JitterPct = 0
	}
	if p.JitterPct == 0 {
		p.JitterPct = 0.2
	}
	return p
}

// Options wires the engine's collaborators. Zero values get in-process
// defaults: a memory-backed task queue, simulation-mode strategies and
// a fresh context registry.
type Options struct {
	Queue      *task.Queue
	Strategies *strategy.Registry
	Strategy   strategy.Config
	Contexts   *contextstore.Registry
	Bus        *events.Bus
	Logger     Logger
	Metrics    *telemetry.Metrics
	Retry      RetryPolicy

	// SubWorkflows resolves activity sub_workflow_id references to the
	// definitions the nested runs execute.
	SubWorkflows map[string]*workflow.Workflow
}

// Engine interprets one workflow definition across many runs.
type Engine struct {
	graph     *workflow.Graph
	subGraphs map[string]*workflow.Graph
	opts      Options
	retry     RetryPolicy
	exprs     *exprlang.Evaluator
	tables    *decision.Evaluator
	logger    Logger
	host      map[string]interface{}

	mu   sync.RWMutex
	runs map[string]*run
}

// New validates the workflow, indexes its sub-workflows and wires the
// defaulted collaborators.
func New(wf *workflow.Workflow, opts Options) (*Engine, error) {
	graph, err := workflow.NewGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("index workflow %s: %w", wf.ID, err)
	}

	log := opts.Logger
	if log == nil {
		log = nopLogger{}
	}
	if opts.Contexts == nil {
		opts.Contexts = contextstore.NewRegistry()
	}
	if opts.Queue == nil {
		opts.Queue = task.NewQueue(task.NewMemoryStore(), log)
	}
	if opts.Strategies == nil {
		opts.Strategies = strategy.NewRegistry(opts.Strategy, opts.Queue, log)
	}

	subGraphs := make(map[string]*workflow.Graph, len(opts.SubWorkflows))
	for id, sub := range opts.SubWorkflows {
		g, err := workflow.NewGraph(sub)
		if err != nil {
			return nil, fmt.Errorf("index sub-workflow %s: %w", id, err)
		}
		subGraphs[id] = g
	}

	exprs := exprlang.NewEvaluator()
	e := &Engine{
		graph:     graph,
		subGraphs: subGraphs,
		opts:      opts,
		retry:     opts.Retry.withDefaults(),
		exprs:     exprs,
		tables:    decision.NewEvaluator(exprs),
		logger:    log,
		host:      metrics.GetSystemInfo().ToMap(),
		runs:      make(map[string]*run),
	}
	opts.Queue.OnResolved(e.onTaskResolved)
	return e, nil
}

// Start creates a run seeded with one token per start node and returns
// its id. The run does not advance until Step or RunToQuiescence.
func (e *Engine) Start(ctx context.Context, inputs map[string]interface{}) (string, error) {
	return e.startRun(ctx, e.graph, inputs, "", "")
}

func (e *Engine) startRun(ctx context.Context, graph *workflow.Graph, inputs map[string]interface{}, parentRunID, parentTokenID string) (string, error) {
	wf := graph.Workflow()
	store, err := contextstore.New(wf.ID, graph.Contexts(), e.opts.Contexts, e.logger)
	if err != nil {
		return "", fmt.Errorf("initialize contexts for workflow %s: %w", wf.ID, err)
	}

	r := &run{
		id:            uuid.New().String(),
		graph:         graph,
		store:         store,
		parentRunID:   parentRunID,
		parentTokenID: parentTokenID,
		tokens:        make(map[string]*token.Token),
		forks:         make(map[string]*forkState),
		lastStatus:    RunRunning,
	}
	for _, start := range graph.StartNodes() {
		t := token.New(wf.ID, r.id, start.ID(), inputs)
		t.ParentTokenID = parentTokenID
		r.addTokenLocked(t)
		e.opts.Metrics.TokenCreated(wf.ID)
	}

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()

	e.logger.Info("run started",
		"run_id", r.id,
		"workflow_id", wf.ID,
		"tokens", len(r.tokens))
	e.opts.Bus.Publish(events.Event{
		Type:       events.RunStarted,
		RunID:      r.id,
		WorkflowID: wf.ID,
		Payload:    map[string]interface{}{"tokens": len(r.tokens)},
	})
	return r.id, nil
}

// Step advances a run by one dispatch round and reports whether any
// token made progress.
func (e *Engine) Step(ctx context.Context, runID string) (bool, error) {
	r, ok := e.run(runID)
	if !ok {
		return false, ErrRunNotFound
	}
	return e.stepRun(ctx, r)
}

// RunToQuiescence steps the run until it is terminal or every surviving
// token waits on an external resolution, and returns the final status.
func (e *Engine) RunToQuiescence(ctx context.Context, runID string) (RunStatus, error) {
	r, ok := e.run(runID)
	if !ok {
		return "", ErrRunNotFound
	}
	for {
		if err := ctx.Err(); err != nil {
			return e.statusOf(r), err
		}
		progress, err := e.stepRun(ctx, r)
		if err != nil {
			return e.statusOf(r), err
		}
		if !progress {
			return e.statusOf(r), nil
		}
	}
}

// Cancel requests cancellation and applies it immediately: every
// non-terminal token is cancelled, outstanding human tasks expire and
// nested runs cancel recursively.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	r, ok := e.run(runID)
	if !ok {
		return ErrRunNotFound
	}
	r.mu.Lock()
	r.cancelRequested = true
	e.applyCancelLocked(ctx, r)
	r.mu.Unlock()
	return nil
}

// Status returns the aggregate status of a run.
func (e *Engine) Status(runID string) (RunStatus, error) {
	r, ok := e.run(runID)
	if !ok {
		return "", ErrRunNotFound
	}
	return e.statusOf(r), nil
}

// Tokens returns the run's tokens in creation order. Every token ever
// created for the run appears exactly once.
func (e *Engine) Tokens(runID string) ([]*token.Token, error) {
	r, ok := e.run(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*token.Token, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tokens[id])
	}
	return out, nil
}

// ResultData returns the merged data of the run's completed tokens, in
// completion order.
func (e *Engine) ResultData(runID string) (map[string]interface{}, error) {
	r, ok := e.run(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultDataLocked(), nil
}

// ContextValue reads one declared context of a run.
func (e *Engine) ContextValue(runID, contextID string) (interface{}, error) {
	r, ok := e.run(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.store.Get(contextID)
}

func (e *Engine) run(id string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

func (e *Engine) statusOf(r *run) RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// onTaskResolved wakes the token suspended on a resolved human task and
// synchronously drives its run back to quiescence. Completed tasks
// resume with the human's outputs; rejected and expired tasks resume
// with a rejection reason the downstream edges can branch on.
func (e *Engine) onTaskResolved(ctx context.Context, t *task.Task) {
	r, ok := e.run(t.RunID)
	if !ok {
		return
	}

	r.mu.Lock()
	tok, ok := r.tokens[t.TokenID]
	if !ok || tok.Status != token.StatusWaiting || tok.TaskID != t.ID {
		r.mu.Unlock()
		return
	}

	switch t.Status {
	case task.StatusCompleted:
		tok.Resume(t.Outputs)
		if !e.commitResolvedOutputs(ctx, r, tok, t.Outputs) {
			e.notifyStatusLocked(r)
			r.mu.Unlock()
			return
		}
	case task.StatusRejected:
		reason := t.RejectionReason
		if reason == "" {
			reason = "rejected"
		}
		tok.Resume(map[string]interface{}{"rejection_reason": reason})
	case task.StatusExpired:
		tok.Resume(map[string]interface{}{"rejection_reason": "task_expired"})
	default:
		r.mu.Unlock()
		return
	}

	e.logger.Info("token resumed",
		"run_id", r.id,
		"token_id", tok.ID,
		"task_id", t.ID,
		"task_status", string(t.Status))
	e.routeLocked(ctx, r, tok)
	e.notifyStatusLocked(r)
	r.mu.Unlock()

	if _, err := e.RunToQuiescence(ctx, r.id); err != nil {
		e.logger.Error("resume after task resolution failed",
			"run_id", r.id, "task_id", t.ID, "error", err)
	}
}

// commitResolvedOutputs applies a completed task's outputs to the
// activity's writable contexts, the same way an ok strategy outcome
// would. A schema violation fails the token; the return value reports
// whether the token survived.
func (e *Engine) commitResolvedOutputs(ctx context.Context, r *run, tok *token.Token, outputs map[string]interface{}) bool {
	if len(outputs) == 0 {
		return true
	}
	node, ok := r.graph.Node(tok.CurrentNodeID)
	if !ok || node.Kind != workflow.KindActivity {
		return true
	}
	view, err := r.store.NewView(node.Activity.ContextBindings)
	if err == nil {
		if err = e.stageOutputs(r, view, node.Activity, outputs); err == nil {
			err = view.Commit()
		}
	}
	if err != nil {
		e.failTokenLocked(ctx, r, tok, fmt.Errorf("apply task outputs at node %s: %w", node.ID(), err))
		return false
	}
	return true
}
