package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	herrors "github.com/fleetworks/helmsman/internal/errors"
	"github.com/fleetworks/helmsman/pkg/deploy"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/modules"
)

// maxVotingFrontends caps the quorum size; frontends beyond it join as
// non-voting observers.
const maxVotingFrontends = 3

const defaultAdminUser = "admin"

// stepCreateSpace creates the cluster row and binds it to the request.
func (o *Orchestrator) stepCreateSpace(ctx context.Context, sc *stepCtx) error {
	if sc.request.ClusterID != 0 {
		// Expand requests arrive already bound.
		return nil
	}
	if strings.TrimSpace(sc.payload.ClusterName) == "" {
		return fmt.Errorf("cluster name is required")
	}

	cluster, err := o.store.CreateCluster(ctx, sc.payload.ClusterName)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}
	if err := o.store.BindCluster(ctx, sc.request.RequestID, cluster.ClusterID); err != nil {
		return fmt.Errorf("bind cluster: %w", err)
	}
	sc.request.ClusterID = cluster.ClusterID
	return nil
}

// stepBindHosts validates and normalizes the host list.
func (o *Orchestrator) stepBindHosts(ctx context.Context, sc *stepCtx) error {
	if len(sc.payload.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}

	seen := map[string]bool{}
	normalized := make([]deploy.Host, 0, len(sc.payload.Hosts))
	for _, h := range sc.payload.Hosts {
		name := strings.TrimSpace(h.Host)
		if name == "" {
			return fmt.Errorf("host entries must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate host %s", name)
		}
		seen[name] = true
		h.Host = name
		normalized = append(normalized, h)
	}
	sc.payload.Hosts = normalized
	return nil
}

// stepInstallAgents records agent placement for the bound hosts. Agents
// are provisioned out of band and identify themselves by hostname; this
// step pins the expectation so later steps can address them.
func (o *Orchestrator) stepInstallAgents(ctx context.Context, sc *stepCtx) error {
	if len(sc.payload.Hosts) == 0 {
		return fmt.Errorf("no hosts bound, run the host binding step first")
	}
	if strings.TrimSpace(sc.payload.InstallRoot) == "" {
		return fmt.Errorf("install root is required")
	}
	if strings.TrimSpace(sc.payload.PackageDir) == "" {
		return fmt.Errorf("package dir is required")
	}
	return nil
}

// stepPlanNodes turns requested module counts into per-host
// assignments. Frontends are placed first so the quorum lands on the
// head of the host list; all roles round-robin across hosts.
func (o *Orchestrator) stepPlanNodes(ctx context.Context, sc *stepCtx) error {
	p := sc.payload
	if p.FrontendCount < 1 {
		return fmt.Errorf("at least one frontend is required")
	}
	if p.BackendCount < 1 {
		return fmt.Errorf("at least one backend is required")
	}
	if p.BrokerCount < 0 {
		return fmt.Errorf("broker count must not be negative")
	}
	if len(p.Hosts) == 0 {
		return fmt.Errorf("no hosts bound, run the host binding step first")
	}

	voting := p.FrontendCount
	if voting > maxVotingFrontends {
		voting = maxVotingFrontends
	}
	if voting%2 == 0 && voting > 1 {
		return fmt.Errorf("voting frontend count must be odd, got %d", voting)
	}

	var plan []deploy.NodeAssignment
	next := 0
	place := func(module string, count int, observerFrom int) {
		for i := 0; i < count; i++ {
			host := p.Hosts[next%len(p.Hosts)].Host
			next++
			plan = append(plan, deploy.NodeAssignment{
				NodeID:   host,
				Host:     host,
				Module:   module,
				Observer: observerFrom >= 0 && i >= observerFrom,
			})
		}
	}
	place(modules.Frontend, p.FrontendCount, voting)
	place(modules.Backend, p.BackendCount, -1)
	place(modules.Broker, p.BrokerCount, -1)

	p.Plan = plan
	return nil
}

// stepDeployModules issues INSTALL and START events for every planned
// node, then blocks until all results arrive.
func (o *Orchestrator) stepDeployModules(ctx context.Context, sc *stepCtx) error {
	if len(sc.payload.Plan) == 0 {
		return fmt.Errorf("no node plan, run the planning step first")
	}

	key := deploy.StepKey(deploy.StepDeployModules)
	if ids := sc.payload.IssuedEvents[key]; len(ids) > 0 {
		return o.awaitResults(sc, key, ids)
	}

	leaderEndpoint, err := o.leaderEndpoint(sc.payload.Plan)
	if err != nil {
		return err
	}

	var ids []string
	for _, node := range sc.payload.Plan {
		install := heartbeat.Event{
			EventID:      uuid.NewString(),
			TargetNodeID: node.NodeID,
			EventType:    heartbeat.EventInstall,
			ModuleName:   node.Module,
			ConfigPayload: heartbeat.ConfigPayload{
				Install: &heartbeat.InstallConfig{
					ModuleName:       node.Module,
					InstallRoot:      sc.payload.InstallRoot,
					PackageDir:       sc.payload.PackageDir,
					FollowerEndpoint: o.followerEndpoint(node, leaderEndpoint),
					ConfigOverrides:  sc.payload.ConfigOverrides[node.Module],
				},
			},
		}
		start := heartbeat.Event{
			EventID:      uuid.NewString(),
			TargetNodeID: node.NodeID,
			EventType:    heartbeat.EventStart,
			ModuleName:   node.Module,
			ConfigPayload: heartbeat.ConfigPayload{
				Start: &heartbeat.StartConfig{
					ModuleName:  node.Module,
					InstallRoot: sc.payload.InstallRoot,
				},
			},
		}
		for _, ev := range []heartbeat.Event{install, start} {
			if err := o.queue.Enqueue(ev); err != nil {
				return fmt.Errorf("enqueue %s for %s: %w", ev.EventType, node.NodeID, err)
			}
			ids = append(ids, ev.EventID)
		}
	}

	if sc.payload.IssuedEvents == nil {
		sc.payload.IssuedEvents = map[string][]string{}
	}
	sc.payload.IssuedEvents[key] = ids
	return &herrors.StepExecutionError{
		EventType: deploy.StepDeployModules,
		Waiting:   true,
		Err:       fmt.Errorf("issued %d events, waiting for agents", len(ids)),
	}
}

// stepVerify issues CHECK events for every planned node and blocks
// until every module reports it is serving.
func (o *Orchestrator) stepVerify(ctx context.Context, sc *stepCtx) error {
	if len(sc.payload.Plan) == 0 {
		return fmt.Errorf("no node plan, nothing to verify")
	}

	key := deploy.StepKey(deploy.StepVerify)
	if ids := sc.payload.IssuedEvents[key]; len(ids) > 0 {
		return o.awaitResults(sc, key, ids)
	}

	var ids []string
	for _, node := range sc.payload.Plan {
		ev := heartbeat.Event{
			EventID:      uuid.NewString(),
			TargetNodeID: node.NodeID,
			EventType:    heartbeat.EventCheck,
			ModuleName:   node.Module,
			ConfigPayload: heartbeat.ConfigPayload{
				Check: &heartbeat.CheckConfig{
					ModuleName:  node.Module,
					InstallRoot: sc.payload.InstallRoot,
				},
			},
		}
		if err := o.queue.Enqueue(ev); err != nil {
			return fmt.Errorf("enqueue CHECK for %s: %w", node.NodeID, err)
		}
		ids = append(ids, ev.EventID)
	}

	if sc.payload.IssuedEvents == nil {
		sc.payload.IssuedEvents = map[string][]string{}
	}
	sc.payload.IssuedEvents[key] = ids
	return &herrors.StepExecutionError{
		EventType: deploy.StepVerify,
		Waiting:   true,
		Err:       fmt.Errorf("issued %d health checks, waiting for agents", len(ids)),
	}
}

// stepBootstrapCredentials finalizes the deployment by recording the
// admin identity the operator uses against the new cluster.
func (o *Orchestrator) stepBootstrapCredentials(ctx context.Context, sc *stepCtx) error {
	if strings.TrimSpace(sc.payload.AdminUser) == "" {
		sc.payload.AdminUser = defaultAdminUser
	}
	return nil
}

// awaitResults inspects buffered results for previously issued events.
// All results in and successful: the step completes and the ids are
// consumed. Any failure: the whole issue set is withdrawn from the
// queue so a retry re-issues the step from scratch.
func (o *Orchestrator) awaitResults(sc *stepCtx, key string, ids []string) error {
	step := sc.request.CurrentEventType

	var missing int
	var failures []string
	for _, id := range ids {
		res, ok := o.queue.PeekResult(id)
		if !ok {
			missing++
			continue
		}
		if !res.Success {
			failures = append(failures, fmt.Sprintf("%s: %s (exit %d)", id, res.Output, res.ExitCode))
		}
	}

	if missing > 0 && len(failures) == 0 {
		return &herrors.StepExecutionError{
			EventType: step,
			Waiting:   true,
			Err:       fmt.Errorf("%d of %d agent results outstanding", missing, len(ids)),
		}
	}

	if len(failures) > 0 {
		// Abandon the whole issue set. Events still pending on nodes
		// that never reported are withdrawn along with the consumed
		// results, otherwise the retry's fresh events would stack on
		// top of orphaned ones and healthy nodes would install twice.
		o.queue.Withdraw(ids)
		delete(sc.payload.IssuedEvents, key)
		return &herrors.StepExecutionError{
			EventType: step,
			Err:       fmt.Errorf("%d node action(s) failed: %s", len(failures), strings.Join(failures, "; ")),
		}
	}

	for _, id := range ids {
		o.queue.TakeResult(id)
	}
	delete(sc.payload.IssuedEvents, key)
	return nil
}

// leaderEndpoint is the edit-log address observers join through: the
// first voting frontend in the plan.
func (o *Orchestrator) leaderEndpoint(plan []deploy.NodeAssignment) (string, error) {
	def, err := o.catalog.Lookup(modules.Frontend)
	if err != nil {
		return "", err
	}
	for _, node := range plan {
		if node.Module == modules.Frontend && !node.Observer {
			return net.JoinHostPort(node.Host, strconv.Itoa(def.EditLogPort)), nil
		}
	}
	return "", fmt.Errorf("plan has no voting frontend")
}

// followerEndpoint is empty for voting members and the leader's
// edit-log address for observers.
func (o *Orchestrator) followerEndpoint(node deploy.NodeAssignment, leader string) string {
	if node.Module == modules.Frontend && node.Observer {
		return leader
	}
	return ""
}
