// Package config loads helmsman configuration from defaults, an
// optional config file, HELMSMAN_* environment variables, and runtime
// override maps, in that order of increasing precedence.
package config

import "time"

// Config is the root configuration for both the control server and the
// host agent.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig configures the control server HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig configures the deployment request store.
type StoreConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	Path string `mapstructure:"path"`
}

// HeartbeatConfig configures the pull protocol on both sides.
type HeartbeatConfig struct {
	// Interval is the agent tick period.
	Interval time.Duration `mapstructure:"interval"`
	// ClientTimeout bounds each agent-side fetch and post.
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	// PollRate and PollBurst bound per-node heartbeat polls on the server.
	PollRate  float64 `mapstructure:"poll_rate"`
	PollBurst int     `mapstructure:"poll_burst"`
}

// AgentConfig configures the per-host agent.
type AgentConfig struct {
	// NodeID identifies this host to the control server. Resolved once
	// on the first heartbeat tick; HELMSMAN_NODE_ID wins over EnvFile.
	NodeID string `mapstructure:"node_id"`
	// ServerURL is the control server base URL, e.g. "http://10.0.0.1:8080".
	ServerURL string `mapstructure:"server_url"`
	// InstallRoot is where module installs land on this host.
	InstallRoot string `mapstructure:"install_root"`
	// PackageDir is where staged release packages are kept.
	PackageDir string `mapstructure:"package_dir"`
	// EnvFile is an optional .env file consulted for NodeID/ServerURL.
	EnvFile string `mapstructure:"env_file"`
}

// LoggingConfig selects log level and encoding profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}
