package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/config"
	"github.com/promptforge/chaind/internal/framework"
	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/logging"
	"github.com/promptforge/chaind/internal/mcp"
	"github.com/promptforge/chaind/internal/pipeline"
	"github.com/promptforge/chaind/internal/prompts"
	"github.com/promptforge/chaind/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: `Start the chaind MCP server on the stdio transport.

The server loads prompt templates, gate definitions, and frameworks from the
configured resource directories, restores any persisted chain sessions, and
then serves the prompt_engine, prompt_list, and chain_status tools.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": cfg.Server.Name},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is unactionable

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return run(ctx, cfg, logger)
}

// run wires the collaborators into the engine and serves until the context
// is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	library := prompts.NewDirLibrary(cfg.Resources.PromptsDir, logger.Named("prompts"))
	if err := library.Load(); err != nil {
		return fmt.Errorf("failed to load prompt library: %w", err)
	}

	gateRegistry := gates.NewRegistry(cfg.Resources.GatesDir, logger.Named("gates"))
	if err := gateRegistry.Load(); err != nil {
		return fmt.Errorf("failed to load gate registry: %w", err)
	}

	if cfg.Resources.Watch {
		go func() {
			if err := library.Watch(ctx); err != nil {
				logger.Warn("prompt hot reload unavailable", zap.Error(err))
			}
		}()
		go func() {
			if err := gateRegistry.Watch(ctx); err != nil {
				logger.Warn("gate hot reload unavailable", zap.Error(err))
			}
		}()
	}

	fws, err := framework.LoadDir(cfg.Resources.FrameworksDir, logger.Named("frameworks"))
	if err != nil {
		return fmt.Errorf("failed to load frameworks: %w", err)
	}
	frameworks := framework.NewRegistry(fws, cfg.Resources.DefaultFramework)

	storeCfg := &session.Config{
		Dir:             cfg.Session.Dir,
		MaxRunsPerChain: cfg.Session.MaxRunsPerChain,
		StaleAfter:      cfg.Session.StaleAfter.Duration(),
	}
	store, err := session.NewStore(storeCfg, afero.NewOsFs(), logger.Named("session"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	logger.Info("session store ready",
		zap.String("dir", cfg.Session.Dir),
		zap.Int("sessions", store.Count()))

	maintenance := session.NewMaintenance(store, cfg.Session.MaintenanceInterval.Duration(), logger.Named("maintenance"))
	maintenance.Start(ctx)
	defer maintenance.Stop()

	engine, err := pipeline.NewEngine(library, gateRegistry, frameworks, store, logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
		Logger:  logger.Named("mcp"),
	}, engine, library, store)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	logger.Info("chaind ready",
		zap.Int("prompts", len(library.IDs())),
		zap.Int("gates", gateRegistry.Count()),
		zap.Int("frameworks", len(fws)))
	return srv.Run(ctx)
}
