package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loomworks/loom/cmd/loom/app"
	"github.com/loomworks/loom/cmd/loom/handlers"
	"github.com/loomworks/loom/cmd/loom/routes"
	"github.com/loomworks/loom/common/server"
)

const sweepInterval = 10 * time.Second

func serveCommand(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 0, "listen port (overrides PORT)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := app.Setup(ctx, "loom")
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}
	defer a.Shutdown(ctx)
	if *port > 0 {
		a.Config.Service.Port = *port
	}

	// Overdue pending tasks expire on a fixed cadence while serving.
	a.Queue.StartSweeper(ctx, sweepInterval)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": a.Config.Service.Name,
		})
	})
	e.GET("/metrics", echo.WrapHandler(a.Telemetry.MetricsHandler()))

	routes.RegisterWorkflowRoutes(e, handlers.NewRunHandler(a))
	routes.RegisterTaskRoutes(e, handlers.NewTaskHandler(a))

	srv := server.New(a.Config.Service.Name, a.Config.Service.Port, e, a.Logger)
	if err := srv.Start(); err != nil {
		a.Logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}
