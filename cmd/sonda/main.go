// Command sonda runs the research pipeline daemon: it opens the store,
// recovers interrupted runs, and serves scheduled queries until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/sonda/internal/coordinator"
	"github.com/rendis/sonda/internal/engine"
	"github.com/rendis/sonda/internal/knowledge"
	"github.com/rendis/sonda/internal/logging"
	"github.com/rendis/sonda/internal/scheduler"
	"github.com/rendis/sonda/internal/stage"
	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sonda:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	events := store.NewEventLog(st)
	know := knowledge.NewStore(knowledge.WithAppender(st))

	service := stage.NewHTTPTaskService(cfg.TaskAPIURL, cfg.TaskAPIKey)
	adapters := stage.All(service)

	coord := coordinator.New(adapters, coordinator.Config{Ceiling: cfg.Ceiling}, logger)
	coord.Start(ctx)
	defer coord.Shutdown()

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:           st,
		Events:          events,
		Knowledge:       know,
		Dispatcher:      coord,
		Validator:       validator,
		Logger:          logger,
		DefaultPriority: cfg.DefaultPriority,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	eng.Start(ctx)
	defer eng.Shutdown()

	resumed, err := eng.Recover(ctx, events)
	if err != nil {
		logger.Error("recovery incomplete", slog.String("error", err.Error()))
	}
	if resumed > 0 {
		logger.Info("resumed interrupted runs", slog.Int("count", resumed))
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.New(st, eng, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Error("missed-query recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	logger.Info("sonda started",
		slog.String("db", cfg.DBPath),
		slog.Int("ceiling", cfg.Ceiling),
		slog.Bool("scheduler", cfg.Scheduler))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
