// weft is a workflow coordinator served over MCP stdio. Tasks run in-process
// through an echo executor; real executors plug in behind TaskExecutor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/weftflow/weft/internal/coordinator"
	"github.com/weftflow/weft/internal/logging"
	"github.com/weftflow/weft/internal/scheduler"
	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/internal/streaming"
	"github.com/weftflow/weft/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "weft: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := streaming.NewMemoryHub()

	opts := []coordinator.Option{
		coordinator.WithHub(hub),
		coordinator.WithLogger(logger),
	}
	if cfg.StrictContext {
		opts = append(opts, coordinator.WithStrictContext())
	}

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		dsn := cfg.DBPath
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		db, err := store.NewLibSQLStore(dsn)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		opts = append(opts, coordinator.WithAppender(db), coordinator.WithPersister(db))
		logger.Info("store ready", slog.String("db_path", cfg.DBPath))
	}

	executor := coordinator.NewInlineExecutor(echoTask)
	coord, err := coordinator.New(executor, opts...)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	executor.Bind(coord)

	sched := scheduler.New(scheduler.StarterFunc(
		func(ctx context.Context, workflowID string, version int, input map[string]any) (string, error) {
			return coord.StartRun(ctx, workflowID, version, input)
		}), logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := mcp.NewWeftServer(mcp.WeftServerDeps{
		Coordinator: coord,
		Scheduler:   sched,
		Logger:      logger,
	})

	logger.Info("weft serving on stdio", slog.String("version", version))
	return srv.Serve(ctx)
}

// echoTask returns the task input as its output, so workflows are fully
// exercisable without an external executor.
func echoTask(_ context.Context, req coordinator.TaskRequest) (map[string]any, error) {
	out := make(map[string]any, len(req.Input))
	for k, v := range req.Input {
		out[k] = v
	}
	return out, nil
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
	// Logs go to stderr; stdout belongs to the MCP stdio transport.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
