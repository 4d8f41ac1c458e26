package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/common/contextstore"
	"github.com/loomworks/loom/common/decision"
	"github.com/loomworks/loom/common/events"
	"github.com/loomworks/loom/common/metrics"
	"github.com/loomworks/loom/common/strategy"
	"github.com/loomworks/loom/common/token"
	"github.com/loomworks/loom/common/workflow"
)

type resultKind int

const (
	resOK resultKind = iota
	resSuspend
	resFailed
	resDecision
	resEvent
	resSubRun
	resAborted
)

// execResult is the outcome of one token's dispatch, computed off the
// run lock and applied under it.
type execResult struct {
	tok      *token.Token
	node     *workflow.Node
	kind     resultKind
	outcome  *strategy.Outcome
	view     *contextstore.View
	decision *decision.Result
	err      error
	attempts int
}

// stepRun performs one dispatch round: pick the runnable tokens, run
// their nodes concurrently, apply the results in batch order, then
// advance any nested runs. Returns whether anything progressed.
func (e *Engine) stepRun(ctx context.Context, r *run) (bool, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false, nil
	}
	if r.cancelRequested && !r.cancelled {
		e.applyCancelLocked(ctx, r)
		r.mu.Unlock()
		return true, nil
	}
	batch := r.selectBatchLocked()
	subWaiters := r.subWaitersLocked()
	r.mu.Unlock()

	progress := false
	if len(batch) > 0 {
		results := e.dispatchBatch(ctx, r, batch)
		r.mu.Lock()
		for _, res := range results {
			e.applyResultLocked(ctx, r, res)
		}
		e.notifyStatusLocked(r)
		r.mu.Unlock()
		e.opts.Metrics.StepExecuted()
		progress = true
	}

	for _, waiter := range subWaiters {
		p, err := e.stepSubRun(ctx, r, waiter)
		if err != nil {
			return progress, err
		}
		progress = progress || p
	}
	return progress, nil
}

// dispatchBatch runs every token of the batch concurrently. Batch
// members have pairwise disjoint write sets, so their commits cannot
// contend on a context.
func (e *Engine) dispatchBatch(ctx context.Context, r *run, batch []*token.Token) []*execResult {
	results := make([]*execResult, len(batch))
	var wg sync.WaitGroup
	for i, tok := range batch {
		wg.Add(1)
		go func(i int, tok *token.Token) {
			defer wg.Done()
			results[i] = e.executeToken(ctx, r, tok)
		}(i, tok)
	}
	wg.Wait()
	return results
}

// executeToken runs one token's current node without touching run
// state. The token itself is owned by this goroutine for the duration.
func (e *Engine) executeToken(ctx context.Context, r *run, tok *token.Token) *execResult {
	res := &execResult{tok: tok}
	node, ok := r.graph.Node(tok.CurrentNodeID)
	if !ok {
		res.kind = resFailed
		res.err = fmt.Errorf("token %s is at undeclared node %s", tok.ID, tok.CurrentNodeID)
		return res
	}
	res.node = node

	e.opts.Bus.Publish(events.Event{
		Type:       events.NodeStarted,
		RunID:      r.id,
		WorkflowID: tok.WorkflowID,
		NodeID:     node.ID(),
		TokenID:    tok.ID,
	})

	switch node.Kind {
	case workflow.KindEvent:
		res.kind = resEvent
	case workflow.KindDecision:
		result, err := e.tables.Evaluate(node.ID(), node.Decision.Table, e.scopeFor(r, tok))
		if err != nil {
			res.kind = resFailed
			res.err = err
		} else {
			res.kind = resDecision
			res.decision = result
		}
	case workflow.KindActivity:
		if node.Activity.SubWorkflowID != "" {
			res.kind = resSubRun
			return res
		}
		e.dispatchActivity(ctx, r, tok, node.Activity, res)
	}
	return res
}

// dispatchActivity runs the activity's strategy with retry. Outputs of
// an ok outcome are staged onto the view but not committed; commit
// happens under the run lock.
func (e *Engine) dispatchActivity(ctx context.Context, r *run, tok *token.Token, act *workflow.Activity, res *execResult) {
	strat, err := e.opts.Strategies.For(act.ActorType)
	if err != nil {
		res.kind = resFailed
		res.err = err
		return
	}

	policy := e.retryFor(act)
	attempts := policy.MaxAttempts
	if act.ActorType == workflow.ActorHuman {
		// Suspension is the success path; a failed enqueue is not worth
		// hammering.
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.attempts = attempt
		if r.cancelPending() || ctx.Err() != nil {
			res.kind = resAborted
			return
		}

		view, err := r.store.NewView(act.ContextBindings)
		if err != nil {
			// A missing required context is a definition problem, not a
			// transient one.
			res.kind = resFailed
			res.err = err
			return
		}

		tok.Attempt = attempt
		callCtx := ctx
		cancel := context.CancelFunc(nil)
		if act.SLA != nil && act.SLA.DeadlineMS > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(act.SLA.DeadlineMS)*time.Millisecond)
		}

		capture := metrics.CaptureStart()
		started := time.Now()
		outcome, err := strat.Execute(callCtx, &strategy.Request{
			Activity: act,
			Token:    tok,
			View:     view,
			Inputs:   e.resolveInputs(r, tok, act, view),
		})
		capture.Finalize()
		if cancel != nil {
			cancel()
		}

		switch {
		case err == nil && outcome.Status == strategy.StatusSuspend:
			e.opts.Metrics.ObserveStrategy(string(act.ActorType), "suspend", time.Since(started))
			res.kind = resSuspend
			res.outcome = outcome
			return
		case err == nil && outcome.Status == strategy.StatusOK:
			e.opts.Metrics.ObserveStrategy(string(act.ActorType), "ok", time.Since(started))
			if stageErr := e.stageOutputs(r, view, act, outcome.Outputs); stageErr != nil {
				res.kind = resFailed
				res.err = stageErr
				return
			}
			if outcome.Metrics == nil {
				outcome.Metrics = make(map[string]interface{})
			}
			for k, v := range capture.ToMap() {
				if _, taken := outcome.Metrics[k]; !taken {
					outcome.Metrics[k] = v
				}
			}
			if _, taken := outcome.Metrics["host"]; !taken {
				outcome.Metrics["host"] = e.host
			}
			res.kind = resOK
			res.outcome = outcome
			res.view = view
			return
		case err == nil:
			lastErr = fmt.Errorf("strategy reported failure")
		default:
			lastErr = err
		}

		e.opts.Metrics.ObserveStrategy(string(act.ActorType), "failed", time.Since(started))
		e.logger.Warn("strategy attempt failed",
			"run_id", r.id,
			"token_id", tok.ID,
			"node_id", act.ID,
			"actor_type", string(act.ActorType),
			"attempt", attempt,
			"error", lastErr)

		if ctx.Err() != nil {
			res.kind = resAborted
			return
		}
		if attempt < attempts {
			e.opts.Metrics.RetryScheduled(string(act.ActorType))
			if !sleepCtx(ctx, policy.delay(attempt)) {
				res.kind = resAborted
				return
			}
		}
	}

	res.kind = resFailed
	res.err = &StrategyFailureError{
		NodeID:   act.ID,
		Actor:    string(act.ActorType),
		Attempts: attempts,
		Err:      lastErr,
	}
}

// retryFor merges an activity's retry policy over the engine defaults.
func (e *Engine) retryFor(act *workflow.Activity) RetryPolicy {
	policy := e.retry
	if act.Retry == nil {
		return policy
	}
	if act.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = act.Retry.MaxAttempts
	}
	if act.Retry.BackoffMS > 0 {
		policy.BaseDelay = time.Duration(act.Retry.BackoffMS) * time.Millisecond
	}
	if act.Retry.BackoffMultiplier > 0 {
		policy.Factor = act.Retry.BackoffMultiplier
	}
	return policy
}

// delay computes the jittered backoff before the next attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	d *= 1 + p.JitterPct*(2*rand.Float64()-1)
	return time.Duration(d)
}

// sleepCtx waits d or until the context ends. Reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// resolveInputs builds the dispatch inputs: the full token data when
// the activity declares no input names, otherwise each named value
// resolved from token data and the readable contexts, bound under its
// final path segment.
func (e *Engine) resolveInputs(r *run, tok *token.Token, act *workflow.Activity, view *contextstore.View) map[string]interface{} {
	if len(act.Inputs) == 0 {
		inputs := make(map[string]interface{}, len(tok.Data))
		for k, v := range tok.Data {
			inputs[k] = v
		}
		return inputs
	}

	scope := e.scopeSnapshot(r, tok, view.ReadableIDs())
	inputs := make(map[string]interface{}, len(act.Inputs))
	for _, name := range act.Inputs {
		path := strings.Split(name, ".")
		if v, ok := scope.Resolve(path); ok {
			inputs[path[len(path)-1]] = v
		}
	}
	return inputs
}

// stageOutputs stages an outcome's outputs onto every writable binding:
// append patterns get the outputs published as one event, the rest get
// a shallow merge.
func (e *Engine) stageOutputs(r *run, view *contextstore.View, act *workflow.Activity, outputs map[string]interface{}) error {
	if len(outputs) == 0 {
		return nil
	}
	for _, b := range act.ContextBindings {
		if !b.AccessMode.CanWrite() {
			continue
		}
		def, ok := r.store.Definition(b.ContextID)
		if !ok {
			continue
		}
		var err error
		switch def.SyncPattern {
		case workflow.SyncMessagePassing, workflow.SyncEventSourcing:
			err = view.Publish(b.ContextID, outputs)
		default:
			err = view.Merge(b.ContextID, outputs)
		}
		if err != nil {
			return fmt.Errorf("stage outputs of node %s into context %s: %w", act.ID, b.ContextID, err)
		}
	}
	return nil
}

// applyResultLocked folds one dispatch result into run state. Caller
// holds the run lock.
func (e *Engine) applyResultLocked(ctx context.Context, r *run, res *execResult) {
	tok := res.tok
	if tok.Status != token.StatusActive {
		return
	}
	if r.cancelRequested || res.kind == resAborted {
		if res.view != nil {
			res.view.Discard()
		}
		return
	}

	switch res.kind {
	case resOK:
		e.applyOutcomeLocked(ctx, r, res)
	case resSuspend:
		tok.Suspend(res.outcome.SuspensionHandle)
		e.logger.Info("token suspended on human task",
			"run_id", r.id,
			"token_id", tok.ID,
			"node_id", res.node.ID(),
			"task_id", res.outcome.SuspensionHandle)
	case resDecision:
		e.applyDecisionLocked(ctx, r, res)
	case resEvent:
		e.applyEventLocked(ctx, r, res)
	case resSubRun:
		e.applySubRunLocked(ctx, r, res)
	case resFailed:
		e.failOrCompensateLocked(ctx, r, tok, res.node, res.err)
	}
}

func (e *Engine) applyOutcomeLocked(ctx context.Context, r *run, res *execResult) {
	tok := res.tok
	if err := res.view.Commit(); err != nil {
		e.failOrCompensateLocked(ctx, r, tok, res.node,
			fmt.Errorf("commit outputs of node %s: %w", res.node.ID(), err))
		return
	}

	tok.MergeData(res.outcome.Outputs)
	analytics := make(map[string]interface{}, len(res.outcome.Metrics)+1)
	for k, v := range res.outcome.Metrics {
		analytics[k] = v
	}
	analytics["attempts"] = res.attempts
	tok.Record(res.node.ID(), "executed", analytics)

	e.opts.Bus.Publish(events.Event{
		Type:       events.NodeCompleted,
		RunID:      r.id,
		WorkflowID: tok.WorkflowID,
		NodeID:     res.node.ID(),
		TokenID:    tok.ID,
		Payload:    map[string]interface{}{"attempts": res.attempts},
	})
	e.routeLocked(ctx, r, tok)
}

func (e *Engine) applyDecisionLocked(ctx context.Context, r *run, res *execResult) {
	tok := res.tok
	result := res.decision
	tok.Record(res.node.ID(), "decided", map[string]interface{}{
		"matched_rules": result.Matched,
	})
	e.opts.Bus.Publish(events.Event{
		Type:       events.NodeCompleted,
		RunID:      r.id,
		WorkflowID: tok.WorkflowID,
		NodeID:     res.node.ID(),
		TokenID:    tok.ID,
		Payload:    map[string]interface{}{"matched_rules": len(result.Matched)},
	})

	if len(result.EdgeIDs) > 0 {
		targets := make([]string, 0, len(result.EdgeIDs))
		for _, edgeID := range result.EdgeIDs {
			edge, ok := r.graph.Edge(edgeID)
			if !ok {
				e.failTokenLocked(ctx, r, tok,
					fmt.Errorf("decision %s selected undeclared edge %s", res.node.ID(), edgeID))
				return
			}
			targets = append(targets, edge.TargetID)
		}
		e.advanceLocked(ctx, r, tok, targets)
		return
	}

	tok.MergeData(result.Outputs)
	e.routeLocked(ctx, r, tok)
}

func (e *Engine) applyEventLocked(ctx context.Context, r *run, res *execResult) {
	tok := res.tok
	ev := res.node.Event
	tok.Record(res.node.ID(), "event", map[string]interface{}{
		"event_type": string(ev.EventType),
	})
	if ev.EventType == workflow.EventEnd {
		e.completeTokenLocked(r, tok)
		return
	}
	e.routeLocked(ctx, r, tok)
}

func (e *Engine) applySubRunLocked(ctx context.Context, r *run, res *execResult) {
	tok := res.tok
	act := res.node.Activity
	sub, ok := e.subGraphs[act.SubWorkflowID]
	if !ok {
		e.failOrCompensateLocked(ctx, r, tok, res.node,
			fmt.Errorf("activity %s references unknown sub-workflow %s", act.ID, act.SubWorkflowID))
		return
	}

	inputs := make(map[string]interface{}, len(tok.Data))
	for k, v := range tok.Data {
		inputs[k] = v
	}
	childID, err := e.startRun(ctx, sub, inputs, r.id, tok.ID)
	if err != nil {
		e.failOrCompensateLocked(ctx, r, tok, res.node, err)
		return
	}
	tok.SuspendOnRun(childID)
	e.logger.Info("sub-workflow run started",
		"run_id", r.id,
		"token_id", tok.ID,
		"sub_run_id", childID,
		"sub_workflow_id", act.SubWorkflowID)
}

// stepSubRun advances one nested run and wakes its parent token when
// the nested run ends.
func (e *Engine) stepSubRun(ctx context.Context, r *run, tok *token.Token) (bool, error) {
	child, ok := e.run(tok.SubRunID)
	if !ok {
		return false, nil
	}
	progress, err := e.stepRun(ctx, child)
	if err != nil {
		return progress, err
	}
	status := e.statusOf(child)
	if !status.Terminal() {
		return progress, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tok.Status != token.StatusWaiting || tok.SubRunID != child.id {
		return progress, nil
	}

	switch status {
	case RunCompleted:
		child.mu.Lock()
		outputs := child.resultDataLocked()
		child.mu.Unlock()
		tok.Resume(outputs)
		tok.Record(tok.CurrentNodeID, "sub_run_completed", map[string]interface{}{
			"sub_run_id": child.id,
		})
		e.routeLocked(ctx, r, tok)
	default:
		e.failTokenLocked(ctx, r, tok,
			fmt.Errorf("sub-workflow run %s ended %s", child.id, status))
	}
	e.notifyStatusLocked(r)
	return true, nil
}

// routeLocked advances a token along its node's outbound edges: one
// edge is followed unconditionally, several are filtered by condition
// with the default edge as fallback, several true conditions fork. A
// node with no outbound edges completes the token.
func (e *Engine) routeLocked(ctx context.Context, r *run, tok *token.Token) {
	node, ok := r.graph.Node(tok.CurrentNodeID)
	if !ok {
		e.failTokenLocked(ctx, r, tok,
			fmt.Errorf("token %s is at undeclared node %s", tok.ID, tok.CurrentNodeID))
		return
	}

	var normal []*workflow.Edge
	for _, edge := range r.graph.Outbound(node.ID()) {
		if !edge.IsCompensation {
			normal = append(normal, edge)
		}
	}
	if len(normal) == 0 {
		e.completeTokenLocked(r, tok)
		return
	}

	var targets []string
	if len(normal) == 1 {
		targets = []string{normal[0].TargetID}
	} else {
		scope := e.scopeFor(r, tok)
		for _, edge := range normal {
			if edge.IsDefault {
				continue
			}
			if edge.Condition == "" {
				targets = append(targets, edge.TargetID)
				continue
			}
			pass, err := e.exprs.EvalCondition(edge.Condition, scope)
			if err != nil {
				e.failTokenLocked(ctx, r, tok,
					fmt.Errorf("evaluate condition of edge %s: %w", edge.ID, err))
				return
			}
			if pass {
				targets = append(targets, edge.TargetID)
			}
		}
		if len(targets) == 0 {
			if def := r.graph.DefaultEdge(node.ID()); def != nil {
				targets = []string{def.TargetID}
			}
		}
	}

	if len(targets) == 0 {
		e.failTokenLocked(ctx, r, tok, &NoValidEdgeError{NodeID: node.ID(), TokenID: tok.ID})
		return
	}
	e.advanceLocked(ctx, r, tok, targets)
}

// advanceLocked moves the token to one target or forks it across many.
func (e *Engine) advanceLocked(ctx context.Context, r *run, tok *token.Token, targets []string) {
	if len(targets) == 1 {
		e.moveTokenLocked(r, tok, targets[0])
		return
	}

	children := tok.Fork(targets)
	group := children[0].ForkGroupID
	members := make(map[string]bool, len(children))
	for _, child := range children {
		r.addTokenLocked(child)
		members[child.ID] = true
		e.opts.Metrics.TokenCreated(child.WorkflowID)
	}
	r.forks[group] = &forkState{parentID: tok.ID, members: members}

	e.logger.Info("token forked",
		"run_id", r.id,
		"token_id", tok.ID,
		"fork_group", group,
		"children", len(children))
	e.opts.Bus.Publish(events.Event{
		Type:       events.TokenForked,
		RunID:      r.id,
		WorkflowID: tok.WorkflowID,
		NodeID:     tok.CurrentNodeID,
		TokenID:    tok.ID,
		Payload:    map[string]interface{}{"children": len(children), "fork_group": group},
	})
}

// moveTokenLocked advances a token to a target node. A forked sibling
// reaching a node with several inbound edges arrives at the join
// instead of occupying the node itself.
func (e *Engine) moveTokenLocked(r *run, tok *token.Token, targetID string) {
	if tok.ForkGroupID != "" {
		if fs, ok := r.forks[tok.ForkGroupID]; ok && fs.members[tok.ID] &&
			!fs.resolved(tok.ID) && len(r.graph.Inbound(targetID)) >= 2 {
			e.arriveAtJoinLocked(r, fs, tok, targetID)
			return
		}
	}
	tok.Move(targetID)
}

// arriveAtJoinLocked retires a sibling at the join node and wakes the
// parent once the whole group has resolved.
func (e *Engine) arriveAtJoinLocked(r *run, fs *forkState, tok *token.Token, joinNode string) {
	tok.Record(joinNode, "joined", map[string]interface{}{
		"fork_group": tok.ForkGroupID,
	})
	tok.UpdateStatus(token.StatusCompleted)
	r.completedOrder = append(r.completedOrder, tok.ID)
	fs.done = append(fs.done, forkDone{
		tokenID:  tok.ID,
		data:     tok.Data,
		joined:   true,
		joinNode: joinNode,
	})
	e.checkJoinLocked(r, fs, tok.ForkGroupID)
}

// completeTokenLocked retires a token at the end of its path.
func (e *Engine) completeTokenLocked(r *run, tok *token.Token) {
	tok.UpdateStatus(token.StatusCompleted)
	r.completedOrder = append(r.completedOrder, tok.ID)
	e.logger.Info("token completed",
		"run_id", r.id,
		"token_id", tok.ID,
		"node_id", tok.CurrentNodeID)
	if tok.ForkGroupID != "" {
		if fs, ok := r.forks[tok.ForkGroupID]; ok && fs.members[tok.ID] && !fs.resolved(tok.ID) {
			fs.done = append(fs.done, forkDone{tokenID: tok.ID, data: tok.Data})
			e.checkJoinLocked(r, fs, tok.ForkGroupID)
		}
	}
}

// checkJoinLocked wakes the fork parent once every sibling resolved.
// Siblings that reached the join merge their data into the parent in
// arrival order, later arrivals winning conflicting keys; the parent
// then occupies the join node. A group whose every sibling terminated
// elsewhere completes the parent instead.
func (e *Engine) checkJoinLocked(r *run, fs *forkState, group string) {
	if len(fs.done) != len(fs.members) {
		return
	}
	parent, ok := r.tokens[fs.parentID]
	if !ok || parent.Status != token.StatusWaiting {
		return
	}
	delete(r.forks, group)

	joinNode := ""
	for _, d := range fs.done {
		if d.joined {
			parent.MergeData(d.data)
			if joinNode == "" {
				joinNode = d.joinNode
			}
		}
	}

	if joinNode == "" {
		for _, d := range fs.done {
			parent.MergeData(d.data)
		}
		e.completeTokenLocked(r, parent)
		return
	}

	parent.Record(parent.CurrentNodeID, "join_completed", map[string]interface{}{
		"fork_group": group,
	})
	parent.Move(joinNode)
	e.logger.Info("fork group joined",
		"run_id", r.id,
		"token_id", parent.ID,
		"fork_group", group,
		"join_node", joinNode)
	e.opts.Bus.Publish(events.Event{
		Type:       events.TokenJoined,
		RunID:      r.id,
		WorkflowID: parent.WorkflowID,
		NodeID:     joinNode,
		TokenID:    parent.ID,
		Payload:    map[string]interface{}{"fork_group": group},
	})
}

// failOrCompensateLocked reroutes a failed token along the node's
// compensation edge when one exists, otherwise fails it.
func (e *Engine) failOrCompensateLocked(ctx context.Context, r *run, tok *token.Token, node *workflow.Node, cause error) {
	if node != nil {
		if comp := r.graph.CompensationEdge(node.ID()); comp != nil {
			tok.Record(node.ID(), "compensating", map[string]interface{}{
				"error": cause.Error(),
			})
			e.logger.Warn("rerouting failed token along compensation edge",
				"run_id", r.id,
				"token_id", tok.ID,
				"node_id", node.ID(),
				"error", cause)
			e.opts.Bus.Publish(events.Event{
				Type:       events.NodeFailed,
				RunID:      r.id,
				WorkflowID: tok.WorkflowID,
				NodeID:     node.ID(),
				TokenID:    tok.ID,
				Payload:    map[string]interface{}{"compensated": true, "error": cause.Error()},
			})
			e.moveTokenLocked(r, tok, comp.TargetID)
			return
		}
	}
	e.failTokenLocked(ctx, r, tok, cause)
}

// failTokenLocked fails a token and, with it, the run: the remaining
// live tokens are cancelled and their outstanding work released.
func (e *Engine) failTokenLocked(ctx context.Context, r *run, tok *token.Token, cause error) {
	tok.UpdateStatus(token.StatusFailed)
	r.failed = true
	e.logger.Error("token failed",
		"run_id", r.id,
		"token_id", tok.ID,
		"node_id", tok.CurrentNodeID,
		"error", cause)
	e.opts.Bus.Publish(events.Event{
		Type:       events.NodeFailed,
		RunID:      r.id,
		WorkflowID: tok.WorkflowID,
		NodeID:     tok.CurrentNodeID,
		TokenID:    tok.ID,
		Payload:    map[string]interface{}{"error": cause.Error()},
	})

	for _, id := range r.order {
		other := r.tokens[id]
		if other.ID == tok.ID || other.Status.Terminal() {
			continue
		}
		e.releaseTokenLocked(ctx, r, other)
		other.UpdateStatus(token.StatusCancelled)
	}
}

// applyCancelLocked cancels every live token, releases their suspended
// work and marks the run cancelled.
func (e *Engine) applyCancelLocked(ctx context.Context, r *run) {
	if r.cancelled {
		return
	}
	for _, id := range r.order {
		tok := r.tokens[id]
		if tok.Status.Terminal() {
			continue
		}
		e.releaseTokenLocked(ctx, r, tok)
		tok.UpdateStatus(token.StatusCancelled)
	}
	r.cancelled = true
	e.logger.Info("run cancelled", "run_id", r.id)
	e.notifyStatusLocked(r)
}

// releaseTokenLocked expires a waiting token's human tasks and cancels
// its nested run.
func (e *Engine) releaseTokenLocked(ctx context.Context, r *run, tok *token.Token) {
	if tok.TaskID != "" {
		if err := e.opts.Queue.ExpireForToken(ctx, tok.ID); err != nil {
			e.logger.Error("expire tasks of cancelled token failed",
				"run_id", r.id, "token_id", tok.ID, "error", err)
		}
	}
	if tok.SubRunID != "" {
		if err := e.Cancel(ctx, tok.SubRunID); err != nil && err != ErrRunNotFound {
			e.logger.Error("cancel nested run failed",
				"run_id", r.id, "sub_run_id", tok.SubRunID, "error", err)
		}
	}
}

// notifyStatusLocked publishes the run's status transition and closes
// the context store when the run turns terminal.
func (e *Engine) notifyStatusLocked(r *run) {
	status := r.statusLocked()
	if status == r.lastStatus {
		return
	}
	prev := r.lastStatus
	r.lastStatus = status
	e.opts.Metrics.RunTransition(string(prev), string(status))

	wfID := r.graph.Workflow().ID
	switch status {
	case RunWaiting:
		e.opts.Bus.Publish(events.Event{Type: events.RunWaiting, RunID: r.id, WorkflowID: wfID})
	case RunCompleted:
		e.opts.Bus.Publish(events.Event{Type: events.RunCompleted, RunID: r.id, WorkflowID: wfID})
	case RunFailed:
		e.opts.Bus.Publish(events.Event{Type: events.RunFailed, RunID: r.id, WorkflowID: wfID})
	case RunCancelled:
		e.opts.Bus.Publish(events.Event{Type: events.RunCancelled, RunID: r.id, WorkflowID: wfID})
	}

	if status.Terminal() && !r.finished {
		r.finished = true
		r.store.Close()
		e.logger.Info("run finished", "run_id", r.id, "status", string(status))
	}
}
