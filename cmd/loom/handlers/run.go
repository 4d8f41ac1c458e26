package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/cmd/loom/app"
	"github.com/loomworks/loom/common/engine"
	"github.com/loomworks/loom/common/workflow"
)

// RunHandler accepts workflow documents, runs them and reports their
// progress. Engines stay registered for the life of the process so
// resolved human tasks can wake their runs.
type RunHandler struct {
	app *app.App

	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

// NewRunHandler creates the run endpoints over the shared components.
func NewRunHandler(a *app.App) *RunHandler {
	return &RunHandler{app: a, engines: make(map[string]*engine.Engine)}
}

type runRequest struct {
	Workflow     json.RawMessage            `json:"workflow"`
	Patch        json.RawMessage            `json:"patch,omitempty"`
	Inputs       map[string]interface{}     `json:"inputs,omitempty"`
	SubWorkflows map[string]json.RawMessage `json:"sub_workflows,omitempty"`
}

type runResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// Submit handles POST /api/v1/workflows/run: apply the optional JSON
// Patch, load and validate the document, start a run and drive it in
// the background.
func (h *RunHandler) Submit(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Workflow) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow document is required")
	}

	doc := []byte(req.Workflow)
	if len(req.Patch) > 0 {
		patched, err := workflow.ApplyPatch(doc, req.Patch)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		doc = patched
	}

	wf, err := workflow.Load(doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	subs := make(map[string]*workflow.Workflow, len(req.SubWorkflows))
	for id, raw := range req.SubWorkflows {
		sub, err := workflow.Load(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "sub-workflow "+id+": "+err.Error())
		}
		subs[id] = sub
	}

	eng, err := engine.New(wf, engine.Options{
		Queue:        h.app.Queue,
		Strategy:     h.app.StrategyConfig(),
		Contexts:     h.app.Contexts,
		Bus:          h.app.Bus,
		Logger:       h.app.Logger,
		Metrics:      h.app.Telemetry.Metrics,
		Retry:        retryFromConfig(h.app),
		SubWorkflows: subs,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	runID, err := eng.Start(c.Request().Context(), req.Inputs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.mu.Lock()
	h.engines[runID] = eng
	h.mu.Unlock()

	log := h.app.Logger.WithRunID(runID)
	go func() {
		status, err := eng.RunToQuiescence(context.Background(), runID)
		if err != nil {
			log.Error("run stopped with error", "error", err)
			return
		}
		log.Info("run reached quiescence", "status", string(status))
	}()

	return c.JSON(http.StatusAccepted, runResponse{
		RunID:      runID,
		WorkflowID: wf.ID,
		Status:     string(engine.RunRunning),
	})
}

// Show handles GET /api/v1/workflows/runs/:id.
func (h *RunHandler) Show(c echo.Context) error {
	runID := c.Param("id")
	h.mu.RLock()
	eng, ok := h.engines[runID]
	h.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	status, err := eng.Status(runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	tokens, err := eng.Tokens(runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	result, err := eng.ResultData(runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"status": string(status),
		"tokens": tokens,
		"result": result,
	})
}

// Cancel handles POST /api/v1/workflows/runs/:id/cancel.
func (h *RunHandler) Cancel(c echo.Context) error {
	runID := c.Param("id")
	h.mu.RLock()
	eng, ok := h.engines[runID]
	h.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := eng.Cancel(c.Request().Context(), runID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	status, _ := eng.Status(runID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"status": string(status),
	})
}

func retryFromConfig(a *app.App) engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: a.Config.Retry.MaxAttempts,
		BaseDelay:   a.Config.Retry.BaseDelay,
		Factor:      a.Config.Retry.Factor,
		JitterPct:   a.Config.Retry.JitterPct,
	}
}
