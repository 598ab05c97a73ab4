// Package cmd wires the helmsman CLI: the control server, the host
// agent, and the request inspection commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetworks/helmsman/internal/config"
	"github.com/fleetworks/helmsman/internal/observability"
	"github.com/fleetworks/helmsman/internal/server/handlers"
)

var (
	flagConfigFile string
	flagLogLevel   string
	flagLogProfile string
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{Version: "dev"}

var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Cluster deployment coordinator",
	Long: `helmsman coordinates installation, startup, and health verification of
multi-node database clusters.

The control server owns the deployment workflow and never dials into
cluster hosts; each host runs an agent that polls the server for work
over plain HTTP.

Examples:
  helmsman serve                     # run the control server
  helmsman agent --server-url URL    # run a host agent
  helmsman requests list             # inspect deployment requests`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagLogProfile, "log-profile", "", "Log profile (STRUCTURED|CONSOLE)")
}

// SetVersionInfo records build identity for --version and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if observability.CLILogger != nil {
			observability.CLILogger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// flagOverrides folds the persistent logging flags into the config
// loader's override map.
func flagOverrides() map[string]any {
	overrides := map[string]any{}
	if flagLogLevel != "" {
		overrides["logging.level"] = flagLogLevel
	}
	if flagLogProfile != "" {
		overrides["logging.profile"] = flagLogProfile
	}
	return overrides
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, error) {
	if flagConfigFile != "" {
		if err := os.Setenv("HELMSMAN_CONFIG", flagConfigFile); err != nil {
			return nil, err
		}
	}
	overrides := flagOverrides()
	for k, v := range extra {
		overrides[k] = v
	}
	return config.Load(cmd.Context(), overrides)
}

// initLogging brings up the loggers per config; commands call this
// first so every later failure is reported consistently.
func initLogging(cfg *config.Config) error {
	return observability.Init(cfg.Logging.Level, cfg.Logging.Profile)
}
