package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetworks/helmsman/internal/observability"
	"github.com/fleetworks/helmsman/internal/server"
	"github.com/fleetworks/helmsman/internal/server/handlers"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/modules"
	"github.com/fleetworks/helmsman/pkg/orchestrator"
	"github.com/fleetworks/helmsman/pkg/requeststore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server",
	Long: `Run the control server: the deployment workflow API and the agent
heartbeat endpoint.

The server keeps deployment requests in a local SQLite store and never
dials into cluster hosts; agents poll it for work.

Examples:
  helmsman serve
  helmsman serve --port 9000 --store-path /var/lib/helmsman/requests.db`,
	RunE: runServe,
}

var (
	serveHost      string
	servePort      int
	serveStorePath string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveStorePath, "store-path", "", "SQLite store path (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	extra := map[string]any{}
	if serveHost != "" {
		extra["server.host"] = serveHost
	}
	if servePort != 0 {
		extra["server.port"] = servePort
	}
	if serveStorePath != "" {
		extra["store.path"] = serveStorePath
	}

	cfg, err := loadConfig(cmd, extra)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := initLogging(cfg); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := requeststore.Open(ctx, requeststore.Config{Path: cfg.Store.Path})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open request store", err)
	}
	defer func() { _ = store.Close() }()

	queue := heartbeat.NewQueue()
	orch := orchestrator.New(store, queue, modules.DefaultCatalog(), logger)

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("store", storeHealthChecker{store: store})

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithQueue(queue),
		server.WithOrchestrator(orch),
		server.WithPollLimit(cfg.Heartbeat.PollRate, cfg.Heartbeat.PollBurst),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(handlers.NewMetrics()))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.ShutdownTimeout)
	})

	logger.Info("control server starting",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Control server failed", err)
	}
	logger.Info("control server shut down")
	return nil
}

// storeHealthChecker reports whether the request store answers pings.
type storeHealthChecker struct {
	store *requeststore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}
