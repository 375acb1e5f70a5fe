package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/logger"
	"github.com/quarrylabs/quarry/pkg/loop"
	"github.com/quarrylabs/quarry/pkg/reason"
	"github.com/quarrylabs/quarry/pkg/server"
	"github.com/quarrylabs/quarry/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis server",
	Long: `Run the analysis HTTP server. It accepts analyze, resume, and
tool-result requests and streams analysis events back over SSE.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Format == "console",
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer appLogger.Close()
	zl := appLogger.Zerolog()

	registry := reason.NewRegistry(cfg.Providers.Catalog())
	if key := cfg.Providers.AnthropicAPIKey; key != "" {
		registry.Register(reason.NewAnthropicProvider(key))
	}
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		registry.Register(reason.NewOpenAIProvider(key))
	}

	sessions := store.NewMemoryStore(cfg.Session.IdleTimeout, zl)
	if err := sessions.StartSweep(cfg.Session.SweepInterval); err != nil {
		return fmt.Errorf("failed to start session sweep: %w", err)
	}
	defer sessions.StopSweep()

	orchestrator, err := loop.New(loop.Config{
		Store:         sessions,
		Registry:      registry,
		Logger:        zl,
		MaxIterations: cfg.Session.MaxIterations,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := server.NewServer(server.ServerOptions{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		RequestBudget: cfg.Server.RequestBudget,
	}, orchestrator, zl)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zl.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		return srv.Stop()
	case err := <-errCh:
		return err
	}
}
