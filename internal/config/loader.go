package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment overrides.
const EnvPrefix = "HELMSMAN"

// Load builds the effective configuration.
//
// Precedence, lowest to highest: built-in defaults, the config file (if
// HELMSMAN_CONFIG points at one, or ./helmsman.yaml exists), HELMSMAN_*
// environment variables, then any runtime override maps supplied by the
// caller (later maps win).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindShorthandEnv(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("helmsman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	// Runtime overrides use Set so they rank above env and file values.
	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server or agent cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.ClientTimeout <= 0 {
		return fmt.Errorf("heartbeat.client_timeout must be positive")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("store.path", "helmsman.db")

	v.SetDefault("heartbeat.interval", "5s")
	v.SetDefault("heartbeat.client_timeout", "5s")
	v.SetDefault("heartbeat.poll_rate", 5.0)
	v.SetDefault("heartbeat.poll_burst", 10)

	v.SetDefault("agent.node_id", "")
	v.SetDefault("agent.server_url", "")
	v.SetDefault("agent.install_root", "/opt/helmsman")
	v.SetDefault("agent.package_dir", "/opt/helmsman/packages")
	v.SetDefault("agent.env_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// applyOverrides flattens a nested override map into dotted keys.
func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, val := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, full, nested)
			continue
		}
		v.Set(full, val)
	}
}

// bindShorthandEnv maps the documented flat env names onto nested keys,
// e.g. HELMSMAN_PORT instead of HELMSMAN_SERVER_PORT.
func bindShorthandEnv(v *viper.Viper) {
	shorthands := map[string]string{
		"server.port":      "HELMSMAN_PORT",
		"server.host":      "HELMSMAN_HOST",
		"store.path":       "HELMSMAN_STORE_PATH",
		"logging.level":    "HELMSMAN_LOG_LEVEL",
		"metrics.enabled":  "HELMSMAN_METRICS_ENABLED",
		"agent.node_id":    "HELMSMAN_NODE_ID",
		"agent.server_url": "HELMSMAN_SERVER_URL",
		"config":           "HELMSMAN_CONFIG",
	}
	for key, env := range shorthands {
		_ = v.BindEnv(key, env)
	}
}
