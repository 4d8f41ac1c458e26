package workflow

// ActorType identifies who performs an activity.
type ActorType string

const (
	ActorHuman       ActorType = "human"
	ActorAIAgent     ActorType = "ai_agent"
	ActorRobot       ActorType = "robot"
	ActorApplication ActorType = "application"
)

// AccessMode describes how an activity touches a bound context.
type AccessMode string

const (
	AccessRead      AccessMode = "read"
	AccessWrite     AccessMode = "write"
	AccessReadWrite AccessMode = "read_write"
	AccessSubscribe AccessMode = "subscribe"
	AccessPublish   AccessMode = "publish"
)

// CanRead reports whether the mode permits reading context state.
func (m AccessMode) CanRead() bool {
	return m == AccessRead || m == AccessReadWrite || m == AccessSubscribe
}

// CanWrite reports whether the mode permits mutating context state.
func (m AccessMode) CanWrite() bool {
	return m == AccessWrite || m == AccessReadWrite || m == AccessPublish
}

// ContextType classifies the payload a context carries.
type ContextType string

const (
	ContextDocument ContextType = "document"
	ContextData     ContextType = "data"
	ContextConfig   ContextType = "config"
	ContextState    ContextType = "state"
	ContextMemory   ContextType = "memory"
	ContextArtifact ContextType = "artifact"
)

// SyncPattern selects the read/write semantics of a context.
type SyncPattern string

const (
	SyncSharedState    SyncPattern = "shared_state"
	SyncMessagePassing SyncPattern = "message_passing"
	SyncBlackboard     SyncPattern = "blackboard"
	SyncEventSourcing  SyncPattern = "event_sourcing"
)

// Visibility scopes who can observe a context.
type Visibility string

const (
	VisibilityPrivate    Visibility = "private"
	VisibilityWorkflow   Visibility = "workflow"
	VisibilityCollection Visibility = "collection"
	VisibilityGlobal     Visibility = "global"
)

// Lifecycle controls whether a context outlives its run.
type Lifecycle string

const (
	LifecycleEphemeral  Lifecycle = "ephemeral"
	LifecyclePersistent Lifecycle = "persistent"
)

// HitPolicy is the rule-selection discipline of a decision table.
type HitPolicy string

const (
	HitUnique    HitPolicy = "unique"
	HitFirst     HitPolicy = "first"
	HitPriority  HitPolicy = "priority"
	HitAny       HitPolicy = "any"
	HitCollect   HitPolicy = "collect"
	HitRuleOrder HitPolicy = "rule_order"
)

// Aggregation reduces collected outputs under the collect hit policy.
type Aggregation string

const (
	AggregateSum   Aggregation = "sum"
	AggregateMin   Aggregation = "min"
	AggregateMax   Aggregation = "max"
	AggregateCount Aggregation = "count"
)

// EventKind distinguishes start, intermediate and end events.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventIntermediate EventKind = "intermediate"
	EventEnd          EventKind = "end"
)

// TaskPriority orders human tasks in role queues.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Workflow is a named, versioned graph of activities, decision nodes and
// events connected by conditional edges sharing declared contexts. The
// graph is immutable for the duration of a run.
type Workflow struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Version       string                 `json:"version"`
	Description   string                 `json:"description,omitempty"`
	Activities    []*Activity            `json:"activities"`
	Edges         []*Edge                `json:"edges"`
	Events        []*Event               `json:"events,omitempty"`
	DecisionNodes []*DecisionNode        `json:"decision_nodes,omitempty"`
	Contexts      []*Context             `json:"contexts,omitempty"`
	SLA           *WorkflowSLA           `json:"sla,omitempty"`
	Analytics     map[string]interface{} `json:"analytics,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// WorkflowSLA carries workflow-wide deadline defaults.
type WorkflowSLA struct {
	DefaultDeadlineMS int `json:"default_deadline_ms,omitempty"`
}

// Activity is a unit of work attributed to one actor.
type Activity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RoleID      string    `json:"role_id,omitempty"`
	ActorType   ActorType `json:"actor_type"`

	// External system/machine references for application and robot actors.
	SystemID  string `json:"system_id,omitempty"`
	MachineID string `json:"machine_id,omitempty"`

	ContextBindings []ContextBinding `json:"context_bindings,omitempty"`

	// AccessRights are descriptive only; the engine does not enforce them.
	AccessRights []string `json:"access_rights,omitempty"`

	Programs []Program `json:"programs,omitempty"`

	// Inputs names the values resolved from token data and readable
	// contexts before dispatch. Empty means the full token data.
	Inputs []string `json:"inputs,omitempty"`

	// OutputSchema binds structured outputs (JSON Schema document).
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	// Skills and ToolRequirements inform the ai_agent prompt.
	Skills           []string `json:"skills,omitempty"`
	ToolRequirements []string `json:"tool_requirements,omitempty"`

	// Priority and FormSchema shape the human task created when a human
	// activity suspends.
	Priority   TaskPriority           `json:"priority,omitempty"`
	FormSchema map[string]interface{} `json:"form_schema,omitempty"`
	Tags       []string               `json:"tags,omitempty"`

	SLA       *ActivitySLA           `json:"sla,omitempty"`
	Retry     *RetryPolicy           `json:"retry,omitempty"`
	Analytics map[string]interface{} `json:"analytics,omitempty"`

	// SubWorkflowID expands this activity into a nested run.
	SubWorkflowID string `json:"sub_workflow_id,omitempty"`
}

// ContextBinding attaches an activity to a declared context.
type ContextBinding struct {
	ContextID  string     `json:"context_id"`
	AccessMode AccessMode `json:"access_mode"`
	Required   bool       `json:"required,omitempty"`
}

// Program is a code body or tool reference executed by the application
// strategy. Tool references are surfaced on the model but not invoked.
type Program struct {
	ID        string `json:"id,omitempty"`
	Language  string `json:"language,omitempty"` // "cel" or "constant"
	Body      string `json:"body,omitempty"`
	OutputKey string `json:"output_key,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

// ActivitySLA declares a per-dispatch deadline. Breaching it is a
// retryable timeout.
type ActivitySLA struct {
	DeadlineMS int `json:"deadline_ms"`
}

// RetryPolicy overrides the engine retry defaults for one activity.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	BackoffMS         int     `json:"backoff_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// Edge is a directed, optionally conditional transition between nodes.
type Edge struct {
	ID         string `json:"id"`
	SourceID   string `json:"source_id"`
	TargetID   string `json:"target_id"`
	SourceType string `json:"source_type,omitempty"` // activity, decision, event
	TargetType string `json:"target_type,omitempty"`

	// Condition is a boolean expression over token data and contexts.
	Condition string `json:"condition,omitempty"`

	IsDefault bool `json:"is_default,omitempty"`

	// IsCompensation marks the edge a failed token reroutes through after
	// retry exhaustion.
	IsCompensation bool `json:"is_compensation,omitempty"`
}

// Event is a start, intermediate or end marker node.
type Event struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	EventType EventKind              `json:"event_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Context is a named, typed piece of shared state participating in a
// sync pattern.
type Context struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         ContextType            `json:"type"`
	SyncPattern  SyncPattern            `json:"sync_pattern"`
	Schema       map[string]interface{} `json:"schema,omitempty"`
	InitialValue interface{}            `json:"initial_value,omitempty"`
	Visibility   Visibility             `json:"visibility,omitempty"`
	Lifecycle    Lifecycle              `json:"lifecycle,omitempty"`
	TTLSeconds   int                    `json:"ttl_seconds,omitempty"`
}

// DecisionNode routes tokens through a DMN-style rule table.
type DecisionNode struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Table *DecisionTable `json:"decision_table"`
}

// DecisionTable maps input expressions to outputs or edges under a hit
// policy.
type DecisionTable struct {
	Inputs      []InputColumn  `json:"inputs"`
	Outputs     []OutputColumn `json:"outputs"`
	HitPolicy   HitPolicy      `json:"hit_policy"`
	Aggregation Aggregation    `json:"aggregation,omitempty"`
	Rules       []Rule         `json:"rules"`
}

// InputColumn names a value resolved from token data first, then from
// contexts. Dotted paths are permitted.
type InputColumn struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// OutputColumn names an output value. Priority, when present, ranks the
// column's possible values highest-first for the priority hit policy.
type OutputColumn struct {
	Name     string        `json:"name"`
	Priority []interface{} `json:"priority,omitempty"`
}

// Rule pairs one test per input column with one entry per output column.
// Entries prefixed "=" resolve as identifier paths against the evaluation
// scope; all other entries are constants.
type Rule struct {
	InputEntries  []string      `json:"input_entries"`
	OutputEntries []interface{} `json:"output_entries"`

	// OutputEdgeID, when set on every rule of a table, makes the table
	// drive routing directly instead of merging outputs into token data.
	OutputEdgeID string `json:"output_edge_id,omitempty"`
}
