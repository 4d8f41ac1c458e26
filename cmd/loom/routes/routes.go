// Package routes maps the REST surface onto the handlers.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/loomworks/loom/cmd/loom/handlers"
)

// RegisterWorkflowRoutes wires the run submission and inspection
// endpoints.
func RegisterWorkflowRoutes(e *echo.Echo, h *handlers.RunHandler) {
	g := e.Group("/api/v1/workflows")
	g.POST("/run", h.Submit)
	g.GET("/runs/:id", h.Show)
	g.POST("/runs/:id/cancel", h.Cancel)
}

// RegisterTaskRoutes wires the human task queue endpoints.
func RegisterTaskRoutes(e *echo.Echo, h *handlers.TaskHandler) {
	g := e.Group("/api/v1/tasks")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/pending", h.Pending)
	g.GET("/queue/stats", h.Stats)
	g.GET("/:id", h.Show)
	g.POST("/:id/assign", h.Assign)
	g.POST("/:id/start", h.Start)
	g.POST("/:id/complete", h.Complete)
	g.POST("/:id/reject", h.Reject)
}
