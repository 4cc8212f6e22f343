package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/internal/dispatcher"
	"github.com/procflow/procflow/internal/engine"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/logging"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/internal/validation"
)

func main() {
	cfg := loadConfig()
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(procflowDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	eventLog := store.NewEventLog(st)

	registry := actions.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		return err
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	validator, err := validation.New(registry, celEngine, expressions.NewGoJQEngine())
	if err != nil {
		return err
	}

	procedures, err := engine.NewProcedureExecutor(st, eventLog, registry, logger)
	if err != nil {
		return err
	}
	pipelines, err := engine.NewPipelineExecutor(st, eventLog, registry, logger)
	if err != nil {
		return err
	}

	d := dispatcher.New(st, validator, procedures, pipelines, logger)
	d.SetDefaultConcurrency(cfg.PoolSize)

	if err := d.RecoverMissed(ctx); err != nil {
		logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := d.StartScheduler(ctx); err != nil {
		return err
	}

	logger.Info("procflow engine running",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize))

	<-ctx.Done()
	logger.Info("shutting down")
	return d.StopScheduler()
}

func registerBuiltins(registry actions.Registry) error {
	if err := registry.Register(actions.NewEvalAction(expressions.NewExprEngine())); err != nil {
		return err
	}
	if err := registry.Register(actions.NewJQAction(expressions.NewGoJQEngine())); err != nil {
		return err
	}
	return registry.Register(actions.NewHTTPAction(nil))
}

func buildLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
