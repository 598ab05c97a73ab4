// Package agent implements the host-side heartbeat loop.
//
// Agents only ever dial out: every cycle they GET their pending events
// from the control server, execute them in order through the dispatch
// table, and POST the batch of results back. A node that cannot reach
// the server simply retries on the next tick, so transient network
// loss costs one poll interval and nothing else.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/helmsman/pkg/dispatch"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
)

const (
	// DefaultInterval is the poll cadence.
	DefaultInterval = 5 * time.Second

	// DefaultClientTimeout bounds each HTTP exchange so a hung server
	// cannot stall the loop past one cycle.
	DefaultClientTimeout = 5 * time.Second
)

// Config identifies this agent and its control server.
type Config struct {
	// NodeID is this host's stable identity. Resolved once at startup,
	// see ResolveIdentity.
	NodeID string

	// ServerURL is the control server base URL, e.g. http://ctl:8080.
	ServerURL string

	Interval      time.Duration
	ClientTimeout time.Duration
}

// Agent polls the control server and executes whatever it is handed.
type Agent struct {
	cfg    Config
	table  *dispatch.Table
	client *http.Client
	logger *zap.Logger
}

// New validates cfg and builds an agent. NodeID and ServerURL must
// already be resolved.
func New(cfg Config, table *dispatch.Table, logger *zap.Logger) (*Agent, error) {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, fmt.Errorf("agent: node id is required")
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fmt.Errorf("agent: server url is required")
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("agent: invalid server url: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = DefaultClientTimeout
	}
	if table == nil {
		return nil, fmt.Errorf("agent: dispatch table is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Agent{
		cfg:    cfg,
		table:  table,
		client: &http.Client{Timeout: cfg.ClientTimeout},
		logger: logger,
	}, nil
}

// Run drives the heartbeat loop until ctx is cancelled. The first
// cycle runs immediately so a freshly started agent picks up pending
// work without waiting out a full interval.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started",
		zap.String("node_id", a.cfg.NodeID),
		zap.String("server_url", a.cfg.ServerURL),
		zap.Duration("interval", a.cfg.Interval))

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.Cycle(ctx); err != nil {
			// Cycle errors are connectivity problems, not work failures;
			// the next tick retries from scratch.
			a.logger.Warn("heartbeat cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping", zap.String("node_id", a.cfg.NodeID))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle performs one poll-execute-report round trip.
func (a *Agent) Cycle(ctx context.Context) error {
	var events []heartbeat.Event
	if err := a.getJSON(ctx, a.heartbeatURL(), &events); err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	results := make([]heartbeat.Result, 0, len(events))
	for _, ev := range events {
		results = append(results, a.table.Dispatch(ctx, ev))
	}

	if err := a.postJSON(ctx, a.heartbeatURL(), results); err != nil {
		// The executed results are gone; the server re-serves the events
		// and execution is idempotent enough to absorb the replay.
		return fmt.Errorf("report %d results: %w", len(results), err)
	}

	a.logger.Info("heartbeat cycle complete",
		zap.String("node_id", a.cfg.NodeID),
		zap.Int("events", len(events)))
	return nil
}

func (a *Agent) heartbeatURL() string {
	base := strings.TrimRight(a.cfg.ServerURL, "/")
	return base + "/api/control/node/" + url.PathEscape(a.cfg.NodeID) + "/agent/heartbeat"
}

func (a *Agent) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpStatusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Agent) postJSON(ctx context.Context, rawURL string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return httpStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func httpStatusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(detail))
	if msg == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, msg)
}
