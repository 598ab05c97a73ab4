package dispatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/modules"
	"github.com/fleetworks/helmsman/pkg/shellexec"
)

// handleInstall stages the release package and renders the module's
// config file under <installRoot>/<module>/conf.
func (t *Table) handleInstall(ctx context.Context, ev heartbeat.Event) heartbeat.Result {
	cfg := ev.ConfigPayload.Install
	if cfg == nil {
		return failure(ev, "INSTALL event has no install payload", -1)
	}

	def, err := t.opts.Catalog.Lookup(cfg.ModuleName)
	if err != nil {
		return failure(ev, err.Error(), -1)
	}

	moduleRoot := filepath.Join(cfg.InstallRoot, def.Name)
	for _, sub := range []string{"bin", "conf", "log"} {
		if err := os.MkdirAll(filepath.Join(moduleRoot, sub), 0o755); err != nil {
			return failure(ev, fmt.Sprintf("create %s dir: %v", sub, err), -1)
		}
	}

	var staged []string
	if t.opts.Stager != nil && t.opts.PackageSource != "" {
		pattern := fmt.Sprintf("**/*%s*", def.Name)
		staged, err = t.opts.Stager.Stage(ctx, t.opts.PackageSource, pattern, cfg.PackageDir)
		if err != nil {
			return failure(ev, fmt.Sprintf("stage package: %v", err), -1)
		}
	} else if _, err := os.Stat(cfg.PackageDir); err != nil {
		// No stager configured: the package dir must be pre-provisioned.
		return failure(ev, fmt.Sprintf("package dir unavailable: %v", err), -1)
	}

	overrides := map[string]string{}
	for k, v := range cfg.ConfigOverrides {
		overrides[k] = v
	}
	if def.Name == modules.Frontend && cfg.FollowerEndpoint != "" {
		// Non-empty follower endpoint makes this frontend a non-voting
		// observer joining through that endpoint.
		overrides["metadata_failure_recovery"] = "false"
		overrides["frontend_role"] = "observer"
		overrides["helper"] = cfg.FollowerEndpoint
	}

	rendered := def.RenderConfig(overrides)
	rendered = []byte(strings.ReplaceAll(string(rendered), "${install_root}", moduleRoot))

	confPath := filepath.Join(moduleRoot, "conf", def.ConfigFile)
	if err := os.WriteFile(confPath, rendered, 0o644); err != nil {
		return failure(ev, fmt.Sprintf("write config: %v", err), -1)
	}

	return success(ev, fmt.Sprintf("installed %s at %s (%d artifacts staged)", def.Name, moduleRoot, len(staged)))
}

// handleStart runs the module's start script.
func (t *Table) handleStart(ctx context.Context, ev heartbeat.Event) heartbeat.Result {
	cfg := ev.ConfigPayload.Start
	if cfg == nil {
		return failure(ev, "START event has no start payload", -1)
	}
	def, err := t.opts.Catalog.Lookup(cfg.ModuleName)
	if err != nil {
		return failure(ev, err.Error(), -1)
	}
	return t.runScript(ctx, ev, def, cfg.InstallRoot, def.StartScript)
}

// handleStop runs the module's stop script.
func (t *Table) handleStop(ctx context.Context, ev heartbeat.Event) heartbeat.Result {
	cfg := ev.ConfigPayload.Stop
	if cfg == nil {
		return failure(ev, "STOP event has no stop payload", -1)
	}
	def, err := t.opts.Catalog.Lookup(cfg.ModuleName)
	if err != nil {
		return failure(ev, err.Error(), -1)
	}
	return t.runScript(ctx, ev, def, cfg.InstallRoot, def.StopScript)
}

func (t *Table) runScript(ctx context.Context, ev heartbeat.Event, def modules.Definition, installRoot, script string) heartbeat.Result {
	moduleRoot := filepath.Join(installRoot, def.Name)
	scriptPath := filepath.Join(moduleRoot, "bin", script)
	if _, err := os.Stat(scriptPath); err != nil {
		return failure(ev, fmt.Sprintf("script unavailable: %v", err), -1)
	}

	res, err := shellexec.Run(ctx, shellexec.Command{
		Script:  "sh " + scriptPath,
		Timeout: t.opts.ShellTimeout,
		Dir:     moduleRoot,
		Env: map[string]string{
			strings.ToUpper(def.Name) + "_HOME": moduleRoot,
		},
	})
	if err != nil {
		if res != nil {
			return failure(ev, fmt.Sprintf("%v: %s", err, res.Output()), res.ExitCode)
		}
		return failure(ev, err.Error(), -1)
	}
	return success(ev, res.Output())
}

// handleCheck dials the module's probe port to confirm it is serving.
func (t *Table) handleCheck(ctx context.Context, ev heartbeat.Event) heartbeat.Result {
	cfg := ev.ConfigPayload.Check
	if cfg == nil {
		return failure(ev, "CHECK event has no check payload", -1)
	}
	def, err := t.opts.Catalog.Lookup(cfg.ModuleName)
	if err != nil {
		return failure(ev, err.Error(), -1)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(def.ProbePort()))
	conn, err := net.DialTimeout("tcp", addr, t.opts.ProbeTimeout)
	if err != nil {
		return failure(ev, fmt.Sprintf("%s not serving on %s: %v", def.Name, addr, err), 1)
	}
	_ = conn.Close()
	return success(ev, fmt.Sprintf("%s serving on %s", def.Name, addr))
}
