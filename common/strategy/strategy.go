// Package strategy implements one executor per actor kind behind a
// uniform contract. The engine never looks past Execute: it hands over
// the activity, the token and a context view, and gets back outputs,
// metrics and a status. The variant set is closed; there is exactly one
// strategy per actor type.
package strategy

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/common/contextstore"
	"github.com/loomworks/loom/common/token"
	"github.com/loomworks/loom/common/workflow"
)

// Logger is the minimal logging surface strategies need.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Status is the outcome discriminator of one dispatch.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSuspend Status = "suspend"
)

// Outcome is the uniform result of one strategy dispatch.
type Outcome struct {
	Status  Status
	Outputs map[string]interface{}
	Metrics map[string]interface{}

	// SuspensionHandle is the human task id when Status is suspend.
	SuspensionHandle string
}

// Request carries everything one dispatch may touch. Inputs are the
// values the engine resolved from token data and readable contexts.
type Request struct {
	Activity *workflow.Activity
	Token    *token.Token
	View     *contextstore.View
	Inputs   map[string]interface{}
}

// Strategy executes activities of one actor kind.
type Strategy interface {
	ActorType() workflow.ActorType
	Execute(ctx context.Context, req *Request) (*Outcome, error)
}

// Config selects real or simulated execution per strategy.
type Config struct {
	// GeminiAPIKey enables real model calls for ai_agent activities.
	// Empty means simulation mode.
	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	// RobotEndpoint enables real robot calls. Empty means simulation
	// mode.
	RobotEndpoint string
}

// Registry is the closed dispatch table from actor type to strategy.
type Registry struct {
	byActor map[workflow.ActorType]Strategy
}

// NewRegistry wires the four strategies. The task queue backs the human
// strategy; cfg decides simulation mode for agents and robots.
func NewRegistry(cfg Config, humanQueue TaskCreator, logger Logger) *Registry {
	r := &Registry{byActor: make(map[workflow.ActorType]Strategy, 4)}
	r.register(NewApplicationStrategy(logger))
	r.register(NewAIAgentStrategy(cfg, logger))
	r.register(NewRobotStrategy(cfg, logger))
	r.register(NewHumanStrategy(humanQueue, logger))
	return r
}

func (r *Registry) register(s Strategy) {
	r.byActor[s.ActorType()] = s
}

// For returns the strategy for an actor type.
func (r *Registry) For(actor workflow.ActorType) (Strategy, error) {
	s, ok := r.byActor[actor]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for actor type %q", actor)
	}
	return s, nil
}
