package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify heartbeat defaults
		assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
		assert.Equal(t, 5*time.Second, cfg.Heartbeat.ClientTimeout)
		assert.Equal(t, 10, cfg.Heartbeat.PollBurst)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify metrics defaults
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		// Verify store default
		assert.Equal(t, "helmsman.db", cfg.Store.Path)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		require.NoError(t, os.Setenv("HELMSMAN_PORT", "3000"))
		require.NoError(t, os.Setenv("HELMSMAN_LOG_LEVEL", "warn"))
		require.NoError(t, os.Setenv("HELMSMAN_NODE_ID", "node-7"))
		defer func() {
			_ = os.Unsetenv("HELMSMAN_PORT")
			_ = os.Unsetenv("HELMSMAN_LOG_LEVEL")
			_ = os.Unsetenv("HELMSMAN_NODE_ID")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "node-7", cfg.Agent.NodeID)
	})

	// Overrides win over env
	t.Run("OverridesBeatEnv", func(t *testing.T) {
		t.Setenv("HELMSMAN_PORT", "3000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 4000},
		})
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.Server.Port)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080},
			Store:  StoreConfig{Path: "helmsman.db"},
			Heartbeat: HeartbeatConfig{
				Interval:      5 * time.Second,
				ClientTimeout: 5 * time.Second,
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing store path", func(t *testing.T) {
		cfg := base()
		cfg.Store.Path = "  "
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero heartbeat interval", func(t *testing.T) {
		cfg := base()
		cfg.Heartbeat.Interval = 0
		assert.Error(t, cfg.Validate())
	})
}
