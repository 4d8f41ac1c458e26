// Package app wires the shared components of the loom binary: config,
// logging, event bus, telemetry and the task queue over its configured
// backend.
package app

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/common/config"
	"github.com/loomworks/loom/common/contextstore"
	"github.com/loomworks/loom/common/db"
	"github.com/loomworks/loom/common/events"
	"github.com/loomworks/loom/common/logger"
	redisclient "github.com/loomworks/loom/common/redis"
	"github.com/loomworks/loom/common/strategy"
	"github.com/loomworks/loom/common/task"
	"github.com/loomworks/loom/common/telemetry"
)

// App holds the components shared by every subcommand.
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	Bus       *events.Bus
	Telemetry *telemetry.Telemetry
	Queue     *task.Queue
	Contexts  *contextstore.Registry

	redis    *redisclient.Client
	database *db.DB
}

// Setup loads configuration and builds the shared components. The task
// store backend comes from TASK_STORE.
func Setup(ctx context.Context, serviceName string) (*App, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	tel := telemetry.New(cfg.Telemetry.PprofPort, log)
	if cfg.Telemetry.EnablePprof {
		tel.StartPprof(ctx)
	}

	a := &App{
		Config:    cfg,
		Logger:    log,
		Bus:       events.NewBus(log),
		Telemetry: tel,
		Contexts:  contextstore.NewRegistry(),
	}

	store, err := a.newTaskStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Queue = task.NewQueue(store, log).WithBus(a.Bus).WithMetrics(tel.Metrics)

	log.Info("components ready",
		"service", serviceName,
		"task_store", cfg.TaskStore.Backend,
		"log_level", cfg.Service.LogLevel)
	return a, nil
}

// StrategyConfig maps configuration to the strategy credentials.
func (a *App) StrategyConfig() strategy.Config {
	return strategy.Config{
		GeminiAPIKey:  a.Config.Gemini.APIKey,
		GeminiBaseURL: a.Config.Gemini.BaseURL,
		GeminiModel:   a.Config.Gemini.Model,
		RobotEndpoint: a.Config.Robot.Endpoint,
	}
}

// Shutdown releases backend connections.
func (a *App) Shutdown(ctx context.Context) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error("close redis", "error", err)
		}
	}
	if a.database != nil {
		a.database.Close()
	}
}

func (a *App) newTaskStore(ctx context.Context) (task.Store, error) {
	switch a.Config.TaskStore.Backend {
	case "redis":
		client, err := redisclient.Dial(ctx,
			a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis task store: %w", err)
		}
		a.redis = client
		return task.NewRedisStore(client, a.Logger), nil
	case "postgres":
		database, err := db.New(ctx, a.Config, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres task store: %w", err)
		}
		a.database = database
		store := task.NewPostgresStore(database, a.Logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure task schema: %w", err)
		}
		return store, nil
	default:
		return task.NewMemoryStore(), nil
	}
}
