package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/common/clients"
	"github.com/loomworks/loom/common/workflow"
)

// RobotStrategy calls a machine endpoint with the resolved inputs.
// Without an endpoint it runs in simulation mode with the same outcome
// contract a real robot would produce.
type RobotStrategy struct {
	endpoint string
	client   *clients.HTTPClient
	logger   Logger
}

// NewRobotStrategy creates the robot executor.
func NewRobotStrategy(cfg Config, logger Logger) *RobotStrategy {
	return &RobotStrategy{
		endpoint: cfg.RobotEndpoint,
		client:   clients.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, logger),
		logger:   logger,
	}
}

// ActorType implements Strategy.
func (s *RobotStrategy) ActorType() workflow.ActorType {
	return workflow.ActorRobot
}

// Execute POSTs the command to the robot endpoint and parses the JSON
// reply as outputs. Metrics always carry the estimated duration the
// machine reported (or the simulation assumed).
func (s *RobotStrategy) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	start := time.Now()

	if s.endpoint == "" {
		s.logger.Debug("robot running in simulation mode",
			"activity_id", req.Activity.ID,
			"machine_id", req.Activity.MachineID)
		return &Outcome{
			Status: StatusOK,
			Outputs: map[string]interface{}{
				"robot_status": "done",
				"machine_id":   req.Activity.MachineID,
				"simulated":    true,
			},
			Metrics: map[string]interface{}{
				"simulated":             true,
				"estimated_duration_ms": int64(250),
				"execution_time_ms":     time.Since(start).Milliseconds(),
			},
		}, nil
	}

	command := map[string]interface{}{
		"activity_id": req.Activity.ID,
		"machine_id":  req.Activity.MachineID,
		"inputs":      req.Inputs,
	}
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal robot command for activity %s: %w", req.Activity.ID, err)
	}

	resp, err := s.client.DoRequest(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("robot call for activity %s: %w", req.Activity.ID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read robot reply for activity %s: %w", req.Activity.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("robot endpoint returned %d for activity %s: %s",
			resp.StatusCode, req.Activity.ID, payload)
	}

	outputs := make(map[string]interface{})
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &outputs); err != nil {
			return nil, fmt.Errorf("robot reply for activity %s is not a JSON object: %w",
				req.Activity.ID, err)
		}
	}

	elapsed := time.Since(start).Milliseconds()
	metrics := map[string]interface{}{
		"execution_time_ms":     elapsed,
		"estimated_duration_ms": elapsed,
	}
	if est, ok := outputs["estimated_duration_ms"]; ok {
		metrics["estimated_duration_ms"] = est
	}

	return &Outcome{Status: StatusOK, Outputs: outputs, Metrics: metrics}, nil
}
