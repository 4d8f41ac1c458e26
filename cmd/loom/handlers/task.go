package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/cmd/loom/app"
	"github.com/loomworks/loom/common/task"
)

// TaskHandler exposes the human task queue over HTTP.
type TaskHandler struct {
	app *app.App
}

// NewTaskHandler creates the task endpoints over the shared queue.
func NewTaskHandler(a *app.App) *TaskHandler {
	return &TaskHandler{app: a}
}

// List handles GET /api/v1/tasks with optional status, role_id,
// assignee_id and run_id filters.
func (h *TaskHandler) List(c echo.Context) error {
	filter := task.Filter{
		Status:     task.Status(c.QueryParam("status")),
		RoleID:     c.QueryParam("role_id"),
		AssigneeID: c.QueryParam("assignee_id"),
		RunID:      c.QueryParam("run_id"),
	}
	tasks, err := h.app.Queue.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Create handles POST /api/v1/tasks for tasks raised outside a run.
func (h *TaskHandler) Create(c echo.Context) error {
	var t task.Task
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task body")
	}
	created, err := h.app.Queue.Create(c.Request().Context(), &t)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

// Show handles GET /api/v1/tasks/:id.
func (h *TaskHandler) Show(c echo.Context) error {
	t, err := h.app.Queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type assignRequest struct {
	UserID     string `json:"user_id"`
	AssignedBy string `json:"assigned_by,omitempty"`
}

// Assign handles POST /api/v1/tasks/:id/assign.
func (h *TaskHandler) Assign(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	t, err := h.app.Queue.Assign(c.Request().Context(), c.Param("id"), req.UserID, req.AssignedBy)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// Start handles POST /api/v1/tasks/:id/start. Assignment and start are
// distinct transitions.
func (h *TaskHandler) Start(c echo.Context) error {
	t, err := h.app.Queue.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type completeRequest struct {
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// Complete handles POST /api/v1/tasks/:id/complete.
func (h *TaskHandler) Complete(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.app.Queue.Complete(c.Request().Context(), c.Param("id"), req.Outputs)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /api/v1/tasks/:id/reject.
func (h *TaskHandler) Reject(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.app.Queue.Reject(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// Pending handles GET /api/v1/tasks/pending?role=, ordered by priority
// then age.
func (h *TaskHandler) Pending(c echo.Context) error {
	role := c.QueryParam("role")
	if role == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role query parameter is required")
	}
	tasks, err := h.app.Queue.PendingByRole(c.Request().Context(), role)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"role":  role,
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Stats handles GET /api/v1/tasks/queue/stats.
func (h *TaskHandler) Stats(c echo.Context) error {
	stats, err := h.app.Queue.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// taskError maps queue errors to HTTP status codes: unknown id to 404,
// illegal transitions to 409.
func taskError(err error) error {
	if errors.Is(err, task.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	var te *task.TransitionError
	if errors.As(err, &te) {
		return echo.NewHTTPError(http.StatusConflict, te.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
