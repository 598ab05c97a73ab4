// Package modules defines the cluster role catalog: the fixed identity
// of each module type (ports, paths, scripts) and how its configuration
// file is rendered on a host.
//
// A catalog can be loaded from a YAML file to adjust ports or script
// names per site; the built-in catalog matches the stock release
// packages.
package modules

import (
	"fmt"
	"sort"
	"strings"
)

// Module role names. These are wire values carried in heartbeat events.
const (
	Frontend = "frontend"
	Backend  = "backend"
	Broker   = "broker"
)

// Definition is the fixed identity of one module type.
type Definition struct {
	// Name is the role name: frontend, backend, or broker.
	Name string `yaml:"name"`

	// QueryPort is the client-facing port (frontend only).
	QueryPort int `yaml:"query_port,omitempty"`

	// HTTPPort serves the module's admin HTTP surface.
	HTTPPort int `yaml:"http_port,omitempty"`

	// RPCPort is the intra-cluster port.
	RPCPort int `yaml:"rpc_port,omitempty"`

	// EditLogPort is the quorum replication port (frontend only).
	EditLogPort int `yaml:"edit_log_port,omitempty"`

	// HeartbeatPort is the port the frontend uses to track this module
	// (backend/broker).
	HeartbeatPort int `yaml:"heartbeat_port,omitempty"`

	// ConfigFile is the config file name under <install>/<name>/conf.
	ConfigFile string `yaml:"config_file"`

	// StartScript and StopScript are relative to <install>/<name>/bin.
	StartScript string `yaml:"start_script"`
	StopScript  string `yaml:"stop_script"`

	// Defaults are baseline config keys merged under caller overrides.
	Defaults map[string]string `yaml:"defaults,omitempty"`
}

// ProbePort is the port CHECK events dial to confirm the module came up.
func (d Definition) ProbePort() int {
	switch {
	case d.HTTPPort > 0:
		return d.HTTPPort
	case d.RPCPort > 0:
		return d.RPCPort
	default:
		return d.HeartbeatPort
	}
}

// Validate rejects definitions a deploy cannot act on.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("module name is required")
	}
	if d.Name != Frontend && d.Name != Backend && d.Name != Broker {
		return fmt.Errorf("unknown module name: %s", d.Name)
	}
	if strings.TrimSpace(d.ConfigFile) == "" {
		return fmt.Errorf("module %s: config_file is required", d.Name)
	}
	if strings.TrimSpace(d.StartScript) == "" || strings.TrimSpace(d.StopScript) == "" {
		return fmt.Errorf("module %s: start_script and stop_script are required", d.Name)
	}
	if d.ProbePort() <= 0 {
		return fmt.Errorf("module %s: no probe port configured", d.Name)
	}
	return nil
}

// identityKeys are the config keys derived from the definition itself.
// They are written last so neither defaults nor caller overrides can
// silently break the cluster's port layout.
func (d Definition) identityKeys() map[string]string {
	keys := map[string]string{}
	if d.QueryPort > 0 {
		keys["query_port"] = fmt.Sprintf("%d", d.QueryPort)
	}
	if d.HTTPPort > 0 {
		keys["http_port"] = fmt.Sprintf("%d", d.HTTPPort)
	}
	if d.RPCPort > 0 {
		keys["rpc_port"] = fmt.Sprintf("%d", d.RPCPort)
	}
	if d.EditLogPort > 0 {
		keys["edit_log_port"] = fmt.Sprintf("%d", d.EditLogPort)
	}
	if d.HeartbeatPort > 0 {
		keys["heartbeat_port"] = fmt.Sprintf("%d", d.HeartbeatPort)
	}
	return keys
}

// RenderConfig produces the module's config file content.
//
// Merge order, later wins: definition defaults, caller overrides, fixed
// identity values. Keys are emitted sorted for stable diffs.
func (d Definition) RenderConfig(overrides map[string]string) []byte {
	merged := map[string]string{}
	for k, v := range d.Defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	for k, v := range d.identityKeys() {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# generated by helmsman; manual edits are overwritten on reinstall\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, merged[k])
	}
	return []byte(b.String())
}
