// Package dispatch maps heartbeat event types to the handlers that
// turn a structured config payload into concrete host actions.
//
// Handlers never return an error to the caller: every failure path
// produces a Result with success=false and a captured diagnostic, so
// one bad module action can never take down the agent's heartbeat loop.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/modules"
	"github.com/fleetworks/helmsman/pkg/pkgfetch"
)

// Handler executes one event on the local host.
type Handler func(ctx context.Context, ev heartbeat.Event) heartbeat.Result

// Options configures the built-in handler set.
type Options struct {
	// Catalog resolves module identity (ports, scripts, config files).
	Catalog modules.Catalog

	// Stager stages release packages for INSTALL events. Nil means
	// packages are expected to be pre-provisioned in the package dir.
	Stager *pkgfetch.Stager

	// PackageSource is the URI INSTALL events stage packages from.
	// Empty disables staging.
	PackageSource string

	// ShellTimeout bounds start/stop script execution.
	ShellTimeout time.Duration

	// ProbeTimeout bounds the CHECK port probe. Start scripts return
	// before the service is actually listening, so CHECK is a separate
	// short probe rather than trusting START's exit code.
	ProbeTimeout time.Duration

	Logger *zap.Logger
}

// Table is the event dispatch table.
type Table struct {
	handlers map[heartbeat.EventType]Handler
	opts     Options
}

const (
	defaultShellTimeout = 10 * time.Minute
	defaultProbeTimeout = time.Second
)

// NewTable builds a table with the four built-in handlers registered.
func NewTable(opts Options) *Table {
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = defaultShellTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	t := &Table{
		handlers: make(map[heartbeat.EventType]Handler),
		opts:     opts,
	}
	t.handlers[heartbeat.EventInstall] = t.handleInstall
	t.handlers[heartbeat.EventStart] = t.handleStart
	t.handlers[heartbeat.EventCheck] = t.handleCheck
	t.handlers[heartbeat.EventStop] = t.handleStop
	return t
}

// Register replaces the handler for an event type. Used by tests and
// by site-specific agent builds.
func (t *Table) Register(eventType heartbeat.EventType, h Handler) {
	t.handlers[eventType] = h
}

// Dispatch executes one event and always returns a result.
func (t *Table) Dispatch(ctx context.Context, ev heartbeat.Event) heartbeat.Result {
	handler, ok := t.handlers[ev.EventType]
	if !ok {
		return failure(ev, fmt.Sprintf("no handler for event type %s", ev.EventType), -1)
	}

	res := handler(ctx, ev)
	t.opts.Logger.Info("dispatched event",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("module", ev.ModuleName),
		zap.Bool("success", res.Success))
	return res
}

func failure(ev heartbeat.Event, output string, exitCode int) heartbeat.Result {
	return heartbeat.Result{
		EventID:  ev.EventID,
		Success:  false,
		Output:   output,
		ExitCode: exitCode,
	}
}

func success(ev heartbeat.Event, output string) heartbeat.Result {
	return heartbeat.Result{
		EventID:  ev.EventID,
		Success:  true,
		Output:   output,
		ExitCode: 0,
	}
}
