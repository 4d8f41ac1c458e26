package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomworks/loom/common/schema"
	"github.com/loomworks/loom/common/workflow"
)

// AIAgentStrategy delegates an activity to a language model. The prompt
// is composed from the activity description, the resolved inputs and
// the declared skills and tool requirements; the reply is parsed as a
// JSON object bound by the activity's output schema. Without a model
// credential the strategy runs in simulation mode and synthesizes a
// deterministic output from the schema.
type AIAgentStrategy struct {
	client *openai.Client
	model  string
	logger Logger
}

// NewAIAgentStrategy creates the agent executor. An empty API key
// leaves the client nil, which selects simulation mode.
func NewAIAgentStrategy(cfg Config, logger Logger) *AIAgentStrategy {
	s := &AIAgentStrategy{
		model:  cfg.GeminiModel,
		logger: logger,
	}
	if cfg.GeminiAPIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.GeminiAPIKey)
		if cfg.GeminiBaseURL != "" {
			clientCfg.BaseURL = cfg.GeminiBaseURL
		}
		s.client = openai.NewClientWithConfig(clientCfg)
	}
	return s
}

// ActorType implements Strategy.
func (s *AIAgentStrategy) ActorType() workflow.ActorType {
	return workflow.ActorAIAgent
}

// Execute runs the model (or the simulation) and validates the outputs
// against the activity's output schema when one is declared.
func (s *AIAgentStrategy) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	start := time.Now()

	if s.client == nil {
		outputs := simulateOutputs(req.Activity)
		s.logger.Debug("ai_agent running in simulation mode",
			"activity_id", req.Activity.ID)
		return &Outcome{
			Status:  StatusOK,
			Outputs: outputs,
			Metrics: map[string]interface{}{
				"simulated":         true,
				"execution_time_ms": time.Since(start).Milliseconds(),
			},
		}, nil
	}

	prompt, err := composePrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "You are an agent executing one activity of a business workflow. " +
					"Reply with a single JSON object containing the activity outputs and nothing else.",
			},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("model call for activity %s: %w", req.Activity.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices for activity %s", req.Activity.ID)
	}

	outputs, err := parseModelReply(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", req.Activity.ID, err)
	}

	if req.Activity.OutputSchema != nil {
		compiled, err := schema.Compile("output/"+req.Activity.ID, req.Activity.OutputSchema)
		if err != nil {
			return nil, err
		}
		if err := compiled.Validate(toPlain(outputs)); err != nil {
			return nil, fmt.Errorf("model output for activity %s violates output schema: %w",
				req.Activity.ID, err)
		}
	}

	return &Outcome{
		Status:  StatusOK,
		Outputs: outputs,
		Metrics: map[string]interface{}{
			"model":             s.model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
			"execution_time_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

// composePrompt renders the activity contract for the model.
func composePrompt(req *Request) (string, error) {
	inputsJSON, err := json.MarshalIndent(req.Inputs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal inputs for activity %s: %w", req.Activity.ID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Activity: %s\n", req.Activity.Name)
	if req.Activity.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Activity.Description)
	}
	if len(req.Activity.Skills) > 0 {
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(req.Activity.Skills, ", "))
	}
	if len(req.Activity.ToolRequirements) > 0 {
		fmt.Fprintf(&b, "Tools available: %s\n", strings.Join(req.Activity.ToolRequirements, ", "))
	}
	fmt.Fprintf(&b, "\nInputs:\n%s\n", inputsJSON)
	if req.Activity.OutputSchema != nil {
		schemaJSON, err := json.MarshalIndent(req.Activity.OutputSchema, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal output schema for activity %s: %w", req.Activity.ID, err)
		}
		fmt.Fprintf(&b, "\nThe output object must conform to this JSON Schema:\n%s\n", schemaJSON)
	}
	return b.String(), nil
}

// parseModelReply extracts the JSON object from a model reply,
// tolerating markdown code fences.
func parseModelReply(content string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &outputs); err != nil {
		return nil, fmt.Errorf("model reply is not a JSON object: %w", err)
	}
	return outputs, nil
}

// simulateOutputs synthesizes a deterministic output matching the
// activity's output schema. Without a schema the simulation returns a
// single marker field.
func simulateOutputs(act *workflow.Activity) map[string]interface{} {
	if act.OutputSchema == nil {
		return map[string]interface{}{
			"result":    fmt.Sprintf("simulated output of %s", act.Name),
			"simulated": true,
		}
	}
	value := synthesize(act.OutputSchema, act.Name)
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": value}
}

// synthesize produces a schema-conforming value: object properties
// recurse, enums take their first member, scalars take a fixed value
// per type.
func synthesize(schemaDoc map[string]interface{}, hint string) interface{} {
	if enum, ok := schemaDoc["enum"].([]interface{}); ok && len(enum) > 0 {
		return enum[0]
	}

	typ, _ := schemaDoc["type"].(string)
	switch typ {
	case "object", "":
		props, _ := schemaDoc["properties"].(map[string]interface{})
		obj := make(map[string]interface{}, len(props))
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			propSchema, _ := props[name].(map[string]interface{})
			obj[name] = synthesize(propSchema, name)
		}
		return obj
	case "string":
		return fmt.Sprintf("simulated_%s", hint)
	case "number":
		return float64(0)
	case "integer":
		return float64(0)
	case "boolean":
		return true
	case "array":
		return []interface{}{}
	case "null":
		return nil
	}
	return nil
}

// toPlain round-trips a value through JSON so schema validation sees
// the canonical object model.
func toPlain(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var plain interface{}
	if err := json.Unmarshal(data, &plain); err != nil {
		return v
	}
	return plain
}
