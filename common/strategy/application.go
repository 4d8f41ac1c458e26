package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/loomworks/loom/common/workflow"
)

// anyType and mapType let CEL results convert back to plain Go values.
// Map results need the explicit map conversion; converting a CEL map to
// the empty interface hands back its internal representation.
var (
	anyType = reflect.TypeOf((*interface{})(nil)).Elem()
	mapType = reflect.TypeOf(map[string]interface{}{})
)

// ApplicationStrategy invokes an activity's bound programs in order.
// Programs are synchronous and deterministic; failures are retryable.
// CEL bodies are compiled once and cached keyed by source text.
type ApplicationStrategy struct {
	logger Logger

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewApplicationStrategy creates the application executor.
func NewApplicationStrategy(logger Logger) *ApplicationStrategy {
	return &ApplicationStrategy{
		logger: logger,
		cache:  make(map[string]cel.Program),
	}
}

// ActorType implements Strategy.
func (s *ApplicationStrategy) ActorType() workflow.ActorType {
	return workflow.ActorApplication
}

// Execute runs each program against the resolved inputs and merges the
// results into one output map. Tool references are declarative; they
// are skipped here.
func (s *ApplicationStrategy) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	start := time.Now()
	outputs := make(map[string]interface{})

	for i, prog := range req.Activity.Programs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prog.Tool != "" && prog.Body == "" {
			s.logger.Debug("skipping tool reference",
				"activity_id", req.Activity.ID,
				"tool", prog.Tool)
			continue
		}

		switch prog.Language {
		case "constant":
			if err := s.runConstant(prog, outputs); err != nil {
				return nil, fmt.Errorf("program %d of activity %s: %w", i, req.Activity.ID, err)
			}
		case "cel", "":
			if err := s.runCEL(prog, req, outputs); err != nil {
				return nil, fmt.Errorf("program %d of activity %s: %w", i, req.Activity.ID, err)
			}
		default:
			return nil, fmt.Errorf("program %d of activity %s: unsupported language %q",
				i, req.Activity.ID, prog.Language)
		}
	}

	return &Outcome{
		Status:  StatusOK,
		Outputs: outputs,
		Metrics: map[string]interface{}{
			"programs_run":      len(req.Activity.Programs),
			"execution_time_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

// runConstant merges a literal JSON map into outputs, optionally under
// the program's output key.
func (s *ApplicationStrategy) runConstant(prog workflow.Program, outputs map[string]interface{}) error {
	var value interface{}
	if err := json.Unmarshal([]byte(prog.Body), &value); err != nil {
		return fmt.Errorf("parse constant body: %w", err)
	}
	bindOutput(prog.OutputKey, value, outputs)
	return nil
}

// runCEL evaluates a CEL body against the request inputs and the
// outputs accumulated by earlier programs.
func (s *ApplicationStrategy) runCEL(prog workflow.Program, req *Request, outputs map[string]interface{}) error {
	prg, err := s.compile(prog.Body)
	if err != nil {
		return err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"inputs":  req.Inputs,
		"outputs": outputs,
	})
	if err != nil {
		return fmt.Errorf("evaluate program: %w", err)
	}

	value, err := out.ConvertToNative(mapType)
	if err != nil {
		if value, err = out.ConvertToNative(anyType); err != nil {
			value = out.Value()
		}
	}
	bindOutput(prog.OutputKey, value, outputs)
	return nil
}

// compile returns the compiled program for a body, from cache when
// possible.
func (s *ApplicationStrategy) compile(body string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.cache[body]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.DynType),
		cel.Variable("outputs", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(body)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile program: %w", issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}

	s.mu.Lock()
	s.cache[body] = prg
	s.mu.Unlock()
	return prg, nil
}

// bindOutput places a program result: under its output key when one is
// declared, merged when the result is a map, under "result" otherwise.
func bindOutput(key string, value interface{}, outputs map[string]interface{}) {
	if key != "" {
		outputs[key] = value
		return
	}
	if m, ok := value.(map[string]interface{}); ok {
		for k, v := range m {
			outputs[k] = v
		}
		return
	}
	outputs["result"] = value
}
