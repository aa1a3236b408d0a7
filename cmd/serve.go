package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/gateway"
	"github.com/nextlevelbuilder/maestro/internal/indexer"
	"github.com/nextlevelbuilder/maestro/internal/pool"
	"github.com/nextlevelbuilder/maestro/internal/search"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTelemetry(flushCtx)
		}()
	}

	if err := os.MkdirAll(cfg.SessionsDir(), 0o755); err != nil {
		slog.Error("sessions dir", "error", err)
		os.Exit(1)
	}

	runner := search.NewRunner(cfg.Search.Command, cfg.Search.ReindexCommand, cfg.Agent.ProjectDir)
	store := session.NewStore(cfg.SessionsDir(), cfg.TitlesPath())
	store.OnDelete = func(string) {
		go runner.Reindex(context.Background(), "--history-only")
	}
	p := pool.New()
	server := gateway.NewServer(cfg, p, store, runner)

	if cfg.Search.ReindexCommand != "" {
		watcher := indexer.NewMemoryWatcher(cfg.MemoryDir(), runner,
			time.Duration(cfg.Indexer.DebounceMS)*time.Millisecond)
		go watcher.Run(ctx)

		history := indexer.NewHistoryIndexer(cfg.SessionsDir(), runner, cfg.Indexer.HistorySchedule)
		go history.Run(ctx)
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}
