package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	herrors "github.com/fleetworks/helmsman/internal/errors"
	"github.com/fleetworks/helmsman/pkg/deploy"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/modules"
	"github.com/fleetworks/helmsman/pkg/requeststore"
)

type fixture struct {
	orch  *Orchestrator
	store *requeststore.Store
	queue *heartbeat.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := requeststore.Open(context.Background(), requeststore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	queue := heartbeat.NewQueue()
	return &fixture{
		orch:  New(store, queue, modules.DefaultCatalog(), zap.NewNop()),
		store: store,
		queue: queue,
	}
}

func payloadJSON(t *testing.T, p deploy.Payload) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func fullPayload(t *testing.T) json.RawMessage {
	t.Helper()
	return payloadJSON(t, deploy.Payload{
		ClusterName: "analytics",
		PackageURI:  "s3://releases/v3.1",
		InstallRoot: "/opt/helmsman",
		PackageDir:  "/opt/helmsman/packages",
		Hosts: []deploy.Host{
			{Host: "h1"}, {Host: "h2"}, {Host: "h3"},
		},
		FrontendCount: 1,
		BackendCount:  1,
		BrokerCount:   1,
	})
}

// ack drains every pending event and reports success for all of them,
// standing in for the host agents.
func (f *fixture) ack(t *testing.T, nodes ...string) {
	t.Helper()
	for _, node := range nodes {
		events := f.queue.PendingFor(node)
		if len(events) == 0 {
			continue
		}
		results := make([]heartbeat.Result, 0, len(events))
		for _, ev := range events {
			results = append(results, heartbeat.Result{EventID: ev.EventID, Success: true, Output: "ok"})
		}
		require.NoError(t, f.queue.AcceptResults(node, results))
	}
}

func waiting(t *testing.T, err error) *herrors.StepExecutionError {
	t.Helper()
	var se *herrors.StepExecutionError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Waiting, "expected a waiting step error, got: %v", se)
	return se
}

func TestAdvance_FullWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Step 1: create the deployment space; requestId 0 creates the record.
	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)
	require.NotZero(t, resp.RequestID)
	require.NotZero(t, resp.ClusterID)
	assert.Equal(t, deploy.StepBindHosts, resp.CurrentEventType)
	assert.Equal(t, deploy.LevelClusterDeployment, resp.Level)
	assert.Equal(t, deploy.RequestTypeCreate, resp.RequestType)

	req := deploy.StepRequest{RequestID: resp.RequestID, ClusterID: resp.ClusterID}

	// Steps 2-4 are pure server-side validation and planning.
	for _, wantNext := range []int{deploy.StepInstallAgents, deploy.StepPlanNodes, deploy.StepDeployModules} {
		resp, err = f.orch.Advance(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, wantNext, resp.CurrentEventType)
		assert.False(t, resp.Completed)
	}

	// Step 5 issues INSTALL+START and waits on the agents.
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)

	// Each planned node got its events in execution order.
	fe := f.queue.PendingFor("h1")
	require.Len(t, fe, 2)
	assert.Equal(t, heartbeat.EventInstall, fe[0].EventType)
	assert.Equal(t, heartbeat.EventStart, fe[1].EventType)
	assert.Equal(t, modules.Frontend, fe[0].ModuleName)
	require.NotNil(t, fe[0].ConfigPayload.Install)
	assert.Empty(t, fe[0].ConfigPayload.Install.FollowerEndpoint)

	// Retrying while agents are silent stays blocked and must not
	// re-issue events.
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)
	assert.Len(t, f.queue.PendingFor("h1"), 2)

	f.ack(t, "h1", "h2", "h3")
	resp, err = f.orch.Advance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, deploy.StepVerify, resp.CurrentEventType)

	// Step 6 issues CHECKs and waits.
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)
	checks := f.queue.PendingFor("h2")
	require.Len(t, checks, 1)
	assert.Equal(t, heartbeat.EventCheck, checks[0].EventType)

	f.ack(t, "h1", "h2", "h3")
	resp, err = f.orch.Advance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, deploy.StepBootstrapCredentials, resp.CurrentEventType)

	// Step 7 completes the workflow.
	resp, err = f.orch.Advance(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Completed)

	stored, err := f.orch.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusSuccess, stored.Status)

	p, err := deploy.ParsePayload(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, "admin", p.AdminUser)
	assert.Len(t, p.Plan, 3)
	assert.Empty(t, p.IssuedEvents)
}

func TestAdvance_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Advance(context.Background(), deploy.StepRequest{RequestID: 999})
	var nf *herrors.RequestNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, int64(999), nf.RequestID)
}

func TestAdvance_ClusterMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)

	_, err = f.orch.Advance(ctx, deploy.StepRequest{RequestID: resp.RequestID, ClusterID: resp.ClusterID + 1})
	var rv *herrors.RequestVerificationError
	require.ErrorAs(t, err, &rv)
	assert.Equal(t, resp.ClusterID, rv.WantClusterID)
	assert.Equal(t, resp.ClusterID+1, rv.CallerClusterID)
}

func TestAdvance_StaleStepReplayHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID, ClusterID: resp.ClusterID}

	resp, err = f.orch.Advance(ctx, req)
	require.NoError(t, err)
	require.Equal(t, deploy.StepInstallAgents, resp.CurrentEventType)

	// Replaying step 1 acknowledges without re-creating anything.
	replay := req
	replay.EventType = deploy.StepCreateSpace
	got, err := f.orch.Advance(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, deploy.StepInstallAgents, got.CurrentEventType)
	assert.Equal(t, resp.ClusterID, got.ClusterID)
}

func TestAdvance_FutureStepRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)

	_, err = f.orch.Advance(ctx, deploy.StepRequest{
		RequestID: resp.RequestID,
		EventType: deploy.StepVerify,
	})
	var se *herrors.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Waiting)
	assert.Contains(t, se.Error(), "not reached")
}

func TestAdvance_ValidationFailureKeepsRequestRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No hosts: step 2 must fail but leave the request PENDING.
	resp, err := f.orch.Advance(ctx, deploy.StepRequest{
		Payload: payloadJSON(t, deploy.Payload{ClusterName: "edge"}),
	})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	_, err = f.orch.Advance(ctx, req)
	var se *herrors.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "at least one host")

	stored, err := f.orch.GetRequest(ctx, resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusPending, stored.Status)
	assert.Equal(t, deploy.StepBindHosts, stored.CurrentEventType)

	// Supplying the hosts on the retry repairs the payload in place.
	req.Payload = payloadJSON(t, deploy.Payload{Hosts: []deploy.Host{{Host: "h1"}}})
	got, err := f.orch.Advance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, deploy.StepInstallAgents, got.CurrentEventType)
}

func TestAdvance_TerminalRequestIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	driveToCompletion(t, f, req)

	// Another call after completion acknowledges, never re-runs.
	got, err := f.orch.Advance(ctx, req)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, deploy.TerminalStep, got.CurrentEventType)
}

func TestAdvance_FailedAgentResultFailsStepAndReissuesOnRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	for i := 0; i < 3; i++ {
		_, err = f.orch.Advance(ctx, req)
		require.NoError(t, err)
	}

	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)

	// h1's install blows up; everything else succeeds.
	for _, node := range []string{"h1", "h2", "h3"} {
		events := f.queue.PendingFor(node)
		results := make([]heartbeat.Result, 0, len(events))
		for i, ev := range events {
			res := heartbeat.Result{EventID: ev.EventID, Success: true, Output: "ok"}
			if node == "h1" && i == 0 {
				res = heartbeat.Result{EventID: ev.EventID, Success: false, Output: "disk full", ExitCode: 1}
			}
			results = append(results, res)
		}
		require.NoError(t, f.queue.AcceptResults(node, results))
	}

	_, err = f.orch.Advance(ctx, req)
	var se *herrors.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Waiting)
	assert.Contains(t, se.Error(), "disk full")

	// The retry starts the step over with freshly issued events.
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)
	assert.Len(t, f.queue.PendingFor("h1"), 2)
}

func TestAdvance_ConcurrentCallsIssueOneEventSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	for i := 0; i < 3; i++ {
		_, err = f.orch.Advance(ctx, req)
		require.NoError(t, err)
	}

	// A retry storm at the deploy step: exactly one caller may issue
	// the event set, the rest must observe it and wait.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, callErr := f.orch.Advance(ctx, req)
			var se *herrors.StepExecutionError
			if assert.ErrorAs(t, callErr, &se) {
				assert.True(t, se.Waiting)
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, node := range []string{"h1", "h2", "h3"} {
		total += len(f.queue.PendingFor(node))
	}
	assert.Equal(t, 6, total, "each planned node gets exactly one INSTALL+START pair")

	stored, err := f.orch.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	p, err := deploy.ParsePayload(stored.Payload)
	require.NoError(t, err)
	assert.Len(t, p.IssuedEvents[deploy.StepKey(deploy.StepDeployModules)], 6)
}

func TestAdvance_PartialFailureWithdrawsOrphanedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: fullPayload(t)})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	for i := 0; i < 3; i++ {
		_, err = f.orch.Advance(ctx, req)
		require.NoError(t, err)
	}
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)

	// h1 fails fast while h2 and h3 never report at all.
	events := f.queue.PendingFor("h1")
	require.Len(t, events, 2)
	require.NoError(t, f.queue.AcceptResults("h1", []heartbeat.Result{
		{EventID: events[0].EventID, Success: false, Output: "no space left on device", ExitCode: 1},
		{EventID: events[1].EventID, Success: true, Output: "ok"},
	}))

	_, err = f.orch.Advance(ctx, req)
	var se *herrors.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Waiting)

	// The silent nodes' stale events go away with the abandoned issue
	// set, so after the retry every node holds exactly one fresh
	// INSTALL+START pair, not the old pair plus a new one.
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)
	for _, node := range []string{"h1", "h2", "h3"} {
		assert.Len(t, f.queue.PendingFor(node), 2, node)
	}
}

func TestPlan_ExtraFrontendsBecomeObservers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := payloadJSON(t, deploy.Payload{
		ClusterName: "widefleet",
		InstallRoot: "/opt/helmsman",
		PackageDir:  "/opt/helmsman/packages",
		Hosts: []deploy.Host{
			{Host: "h1"}, {Host: "h2"}, {Host: "h3"}, {Host: "h4"}, {Host: "h5"},
		},
		FrontendCount: 4,
		BackendCount:  1,
	})

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: payload})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	for i := 0; i < 3; i++ {
		_, err = f.orch.Advance(ctx, req)
		require.NoError(t, err)
	}

	stored, err := f.orch.GetRequest(ctx, resp.RequestID)
	require.NoError(t, err)
	p, err := deploy.ParsePayload(stored.Payload)
	require.NoError(t, err)

	var observers int
	for _, node := range p.Plan {
		if node.Observer {
			observers++
			assert.Equal(t, modules.Frontend, node.Module)
		}
	}
	assert.Equal(t, 1, observers)

	// The observer's INSTALL event must carry the leader endpoint.
	_, err = f.orch.Advance(ctx, req)
	waiting(t, err)
	install := f.queue.PendingFor("h4")[0]
	require.NotNil(t, install.ConfigPayload.Install)
	assert.Equal(t, "h1:9010", install.ConfigPayload.Install.FollowerEndpoint)
}

func TestPlan_EvenVotingQuorumRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := payloadJSON(t, deploy.Payload{
		ClusterName:   "badquorum",
		InstallRoot:   "/opt/helmsman",
		PackageDir:    "/opt/helmsman/packages",
		Hosts:         []deploy.Host{{Host: "h1"}, {Host: "h2"}},
		FrontendCount: 2,
		BackendCount:  1,
	})

	resp, err := f.orch.Advance(ctx, deploy.StepRequest{Payload: payload})
	require.NoError(t, err)
	req := deploy.StepRequest{RequestID: resp.RequestID}

	for i := 0; i < 2; i++ {
		_, err = f.orch.Advance(ctx, req)
		require.NoError(t, err)
	}

	_, err = f.orch.Advance(ctx, req)
	var se *herrors.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "must be odd")
}

func driveToCompletion(t *testing.T, f *fixture, req deploy.StepRequest) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		resp, err := f.orch.Advance(ctx, req)
		if err != nil {
			waiting(t, err)
			f.ack(t, "h1", "h2", "h3")
			continue
		}
		if resp.Completed {
			return
		}
	}
	t.Fatal("workflow did not complete")
}
