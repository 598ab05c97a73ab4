package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetworks/helmsman/internal/observability"
	"github.com/fleetworks/helmsman/pkg/agent"
	"github.com/fleetworks/helmsman/pkg/dispatch"
	"github.com/fleetworks/helmsman/pkg/modules"
	"github.com/fleetworks/helmsman/pkg/pkgfetch"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the host agent",
	Long: `Run the host agent: poll the control server for install, start,
check, and stop events and execute them on this machine.

The agent only dials out and needs no inbound connectivity. Identity
comes from --node-id / --server-url, HELMSMAN_NODE_ID /
HELMSMAN_SERVER_URL, or the env file; the node id falls back to the
hostname.

Examples:
  helmsman agent --server-url http://control:8080
  helmsman agent --env-file /etc/helmsman/agent.env`,
	RunE: runAgent,
}

var (
	agentNodeID        string
	agentServerURL     string
	agentEnvFile       string
	agentModuleCatalog string
	agentPackageSource string
)

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentNodeID, "node-id", "", "Node identity (default: env, then hostname)")
	agentCmd.Flags().StringVar(&agentServerURL, "server-url", "", "Control server base URL")
	agentCmd.Flags().StringVar(&agentEnvFile, "env-file", "", "Env file with agent identity")
	agentCmd.Flags().StringVar(&agentModuleCatalog, "module-catalog", "", "YAML module catalog override")
	agentCmd.Flags().StringVar(&agentPackageSource, "package-source", "", "Package source URI (s3:// or local dir)")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := initLogging(cfg); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	envFile := agentEnvFile
	if envFile == "" {
		envFile = cfg.Agent.EnvFile
	}
	nodeID, serverURL, err := agent.ResolveIdentity(
		firstNonEmpty(agentNodeID, cfg.Agent.NodeID),
		firstNonEmpty(agentServerURL, cfg.Agent.ServerURL),
		envFile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve agent identity", err)
	}

	catalog := modules.DefaultCatalog()
	if agentModuleCatalog != "" {
		catalog, err = modules.LoadCatalog(agentModuleCatalog)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot load module catalog", err)
		}
	}

	table := dispatch.NewTable(dispatch.Options{
		Catalog:       catalog,
		Stager:        pkgfetch.New(pkgfetch.Config{}),
		PackageSource: agentPackageSource,
		Logger:        logger,
	})

	a, err := agent.New(agent.Config{
		NodeID:        nodeID,
		ServerURL:     serverURL,
		Interval:      cfg.Heartbeat.Interval,
		ClientTimeout: cfg.Heartbeat.ClientTimeout,
	}, table, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build agent", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		zap.String("node_id", nodeID), zap.String("server_url", serverURL))
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Agent loop failed", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
