package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

var validActorTypes = map[ActorType]bool{
	ActorHuman:       true,
	ActorAIAgent:     true,
	ActorRobot:       true,
	ActorApplication: true,
}

var validAccessModes = map[AccessMode]bool{
	AccessRead:      true,
	AccessWrite:     true,
	AccessReadWrite: true,
	AccessSubscribe: true,
	AccessPublish:   true,
}

var validContextTypes = map[ContextType]bool{
	ContextDocument: true,
	ContextData:     true,
	ContextConfig:   true,
	ContextState:    true,
	ContextMemory:   true,
	ContextArtifact: true,
}

var validSyncPatterns = map[SyncPattern]bool{
	SyncSharedState:    true,
	SyncMessagePassing: true,
	SyncBlackboard:     true,
	SyncEventSourcing:  true,
}

var validVisibilities = map[Visibility]bool{
	VisibilityPrivate:    true,
	VisibilityWorkflow:   true,
	VisibilityCollection: true,
	VisibilityGlobal:     true,
}

var validLifecycles = map[Lifecycle]bool{
	LifecycleEphemeral:  true,
	LifecyclePersistent: true,
}

var validHitPolicies = map[HitPolicy]bool{
	HitUnique:    true,
	HitFirst:     true,
	HitPriority:  true,
	HitAny:       true,
	HitCollect:   true,
	HitRuleOrder: true,
}

var validAggregations = map[Aggregation]bool{
	AggregateSum:   true,
	AggregateMin:   true,
	AggregateMax:   true,
	AggregateCount: true,
}

var validEventKinds = map[EventKind]bool{
	EventStart:        true,
	EventIntermediate: true,
	EventEnd:          true,
}

var validTaskPriorities = map[TaskPriority]bool{
	PriorityLow:      true,
	PriorityNormal:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

var validNodeTypes = map[string]bool{
	"activity": true,
	"decision": true,
	"event":    true,
}

var validProgramLanguages = map[string]bool{
	"cel":      true,
	"constant": true,
}

// Validate checks field-level document correctness: well-formed ids,
// known enum values, required keys and rule arity. Reference resolution
// happens in NewGraph.
func (w *Workflow) Validate() error {
	if err := requireUUID("id", w.ID); err != nil {
		return err
	}
	if w.Name == "" {
		return validationErrorf("name", "required")
	}
	if w.Version == "" {
		return validationErrorf("version", "required")
	}
	if len(w.Activities) == 0 && len(w.Events) == 0 && len(w.DecisionNodes) == 0 {
		return validationErrorf("activities", "workflow declares no nodes")
	}

	seen := map[string]string{}
	record := func(id, what string) error {
		if prev, dup := seen[id]; dup {
			return validationErrorf(what, "id %s already used by %s", id, prev)
		}
		seen[id] = what
		return nil
	}

	for i, act := range w.Activities {
		field := fmt.Sprintf("activities[%d]", i)
		if act == nil {
			return validationErrorf(field, "null entry")
		}
		if err := requireUUID(field+".id", act.ID); err != nil {
			return err
		}
		if err := record(act.ID, field); err != nil {
			return err
		}
		if act.Name == "" {
			return validationErrorf(field+".name", "required")
		}
		if !validActorTypes[act.ActorType] {
			return validationErrorf(field+".actor_type", "unknown actor type %q", act.ActorType)
		}
		if act.ActorType == ActorHuman && act.RoleID == "" {
			return validationErrorf(field+".role_id", "required for human activities")
		}
		if act.Priority != "" && !validTaskPriorities[act.Priority] {
			return validationErrorf(field+".priority", "unknown priority %q", act.Priority)
		}
		for j, b := range act.ContextBindings {
			bf := fmt.Sprintf("%s.context_bindings[%d]", field, j)
			if err := requireUUID(bf+".context_id", b.ContextID); err != nil {
				return err
			}
			if !validAccessModes[b.AccessMode] {
				return validationErrorf(bf+".access_mode", "unknown access mode %q", b.AccessMode)
			}
		}
		for j, p := range act.Programs {
			pf := fmt.Sprintf("%s.programs[%d]", field, j)
			if p.Tool == "" {
				if !validProgramLanguages[p.Language] {
					return validationErrorf(pf+".language", "unknown language %q", p.Language)
				}
				if p.Body == "" {
					return validationErrorf(pf+".body", "required")
				}
			}
		}
		if act.SLA != nil && act.SLA.DeadlineMS <= 0 {
			return validationErrorf(field+".sla.deadline_ms", "must be > 0")
		}
		if act.Retry != nil && act.Retry.MaxAttempts < 0 {
			return validationErrorf(field+".retry.max_attempts", "must be >= 0")
		}
		if act.SubWorkflowID != "" {
			if err := requireUUID(field+".sub_workflow_id", act.SubWorkflowID); err != nil {
				return err
			}
		}
	}

	for i, ev := range w.Events {
		field := fmt.Sprintf("events[%d]", i)
		if ev == nil {
			return validationErrorf(field, "null entry")
		}
		if err := requireUUID(field+".id", ev.ID); err != nil {
			return err
		}
		if err := record(ev.ID, field); err != nil {
			return err
		}
		if !validEventKinds[ev.EventType] {
			return validationErrorf(field+".event_type", "unknown event type %q", ev.EventType)
		}
	}

	for i, dn := range w.DecisionNodes {
		field := fmt.Sprintf("decision_nodes[%d]", i)
		if dn == nil {
			return validationErrorf(field, "null entry")
		}
		if err := requireUUID(field+".id", dn.ID); err != nil {
			return err
		}
		if err := record(dn.ID, field); err != nil {
			return err
		}
		if dn.Table == nil {
			return validationErrorf(field+".decision_table", "required")
		}
		if err := dn.Table.validate(field + ".decision_table"); err != nil {
			return err
		}
	}

	for i, e := range w.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if e == nil {
			return validationErrorf(field, "null entry")
		}
		if err := requireUUID(field+".id", e.ID); err != nil {
			return err
		}
		if err := record(e.ID, field); err != nil {
			return err
		}
		if err := requireUUID(field+".source_id", e.SourceID); err != nil {
			return err
		}
		if err := requireUUID(field+".target_id", e.TargetID); err != nil {
			return err
		}
		if e.SourceType != "" && !validNodeTypes[e.SourceType] {
			return validationErrorf(field+".source_type", "unknown node type %q", e.SourceType)
		}
		if e.TargetType != "" && !validNodeTypes[e.TargetType] {
			return validationErrorf(field+".target_type", "unknown node type %q", e.TargetType)
		}
	}

	for i, c := range w.Contexts {
		field := fmt.Sprintf("contexts[%d]", i)
		if c == nil {
			return validationErrorf(field, "null entry")
		}
		if err := requireUUID(field+".id", c.ID); err != nil {
			return err
		}
		if err := record(c.ID, field); err != nil {
			return err
		}
		if c.Name == "" {
			return validationErrorf(field+".name", "required")
		}
		if !validContextTypes[c.Type] {
			return validationErrorf(field+".type", "unknown context type %q", c.Type)
		}
		if !validSyncPatterns[c.SyncPattern] {
			return validationErrorf(field+".sync_pattern", "unknown sync pattern %q", c.SyncPattern)
		}
		if c.Visibility != "" && !validVisibilities[c.Visibility] {
			return validationErrorf(field+".visibility", "unknown visibility %q", c.Visibility)
		}
		if c.Lifecycle != "" && !validLifecycles[c.Lifecycle] {
			return validationErrorf(field+".lifecycle", "unknown lifecycle %q", c.Lifecycle)
		}
		if c.TTLSeconds < 0 {
			return validationErrorf(field+".ttl_seconds", "must be >= 0")
		}
	}

	return nil
}

func (t *DecisionTable) validate(field string) error {
	if len(t.Inputs) == 0 {
		return validationErrorf(field+".inputs", "at least one input column required")
	}
	for i, in := range t.Inputs {
		if in.Name == "" {
			return validationErrorf(fmt.Sprintf("%s.inputs[%d].name", field, i), "required")
		}
	}
	if len(t.Outputs) == 0 {
		return validationErrorf(field+".outputs", "at least one output column required")
	}
	for i, out := range t.Outputs {
		if out.Name == "" {
			return validationErrorf(fmt.Sprintf("%s.outputs[%d].name", field, i), "required")
		}
	}
	if !validHitPolicies[t.HitPolicy] {
		return validationErrorf(field+".hit_policy", "unknown hit policy %q", t.HitPolicy)
	}
	if t.Aggregation != "" {
		if t.HitPolicy != HitCollect {
			return validationErrorf(field+".aggregation", "only valid with the collect hit policy")
		}
		if !validAggregations[t.Aggregation] {
			return validationErrorf(field+".aggregation", "unknown aggregation %q", t.Aggregation)
		}
	}
	for i, r := range t.Rules {
		rf := fmt.Sprintf("%s.rules[%d]", field, i)
		if len(r.InputEntries) != len(t.Inputs) {
			return validationErrorf(rf+".input_entries", "expected %d entries, got %d", len(t.Inputs), len(r.InputEntries))
		}
		if len(r.OutputEntries) != len(t.Outputs) {
			return validationErrorf(rf+".output_entries", "expected %d entries, got %d", len(t.Outputs), len(r.OutputEntries))
		}
	}
	return nil
}

func requireUUID(field, value string) error {
	if value == "" {
		return validationErrorf(field, "required")
	}
	if _, err := uuid.Parse(value); err != nil {
		return validationErrorf(field, "not a valid uuid: %q", value)
	}
	return nil
}
