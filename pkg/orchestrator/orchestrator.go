// Package orchestrator drives the multi-step cluster deployment
// workflow.
//
// The entry point is Advance: each call executes exactly the step the
// stored request record says is next, snapshots the workflow payload,
// and bumps the step counter under a compare-and-swap. Calls are
// idempotent: replaying an already-finished step returns the current
// record without side effects, and two racing calls for the same
// request resolve to one winner through the store's CAS.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	herrors "github.com/fleetworks/helmsman/internal/errors"
	"github.com/fleetworks/helmsman/pkg/deploy"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
	"github.com/fleetworks/helmsman/pkg/modules"
	"github.com/fleetworks/helmsman/pkg/requeststore"
)

// Orchestrator owns the workflow step table.
type Orchestrator struct {
	store   *requeststore.Store
	queue   *heartbeat.Queue
	catalog modules.Catalog
	logger  *zap.Logger

	steps map[int]stepFunc

	// locks serializes step execution per request id within this
	// process. The store's CAS already picks a single winner for step
	// advancement, but event emission happens before the CAS and must
	// not race: two concurrent calls at a waiting step would each read
	// an empty issued-event set and enqueue the whole set twice.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// stepCtx is the mutable state one step execution works on. Payload
// mutations are persisted by Advance even when the step reports a
// waiting error, so issued event ids survive retries.
type stepCtx struct {
	request *deploy.ClusterRequest
	payload *deploy.Payload
}

// stepFunc runs one workflow step. A nil error advances the request to
// the next step.
type stepFunc func(ctx context.Context, sc *stepCtx) error

// New builds an orchestrator over the given store and event queue.
func New(store *requeststore.Store, queue *heartbeat.Queue, catalog modules.Catalog, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:   store,
		queue:   queue,
		catalog: catalog,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
	}
	o.steps = map[int]stepFunc{
		deploy.StepCreateSpace:          o.stepCreateSpace,
		deploy.StepBindHosts:            o.stepBindHosts,
		deploy.StepInstallAgents:        o.stepInstallAgents,
		deploy.StepPlanNodes:            o.stepPlanNodes,
		deploy.StepDeployModules:        o.stepDeployModules,
		deploy.StepVerify:               o.stepVerify,
		deploy.StepBootstrapCredentials: o.stepBootstrapCredentials,
	}
	return o
}

// Advance executes the request's next step and returns the resulting
// record snapshot.
//
// A zero RequestID creates a fresh request; the returned RequestID is
// the caller's resume handle. A caller replaying an older step gets the
// current snapshot back with no side effects. A step failure leaves the
// request PENDING at the same step so the exact call can be retried.
// Calls against a request that already finished are acknowledged with
// the final snapshot (Completed=true) and execute nothing; a non-error
// return therefore means "this is the request's state now", not "a step
// ran".
func (o *Orchestrator) Advance(ctx context.Context, req deploy.StepRequest) (*deploy.StepResponse, error) {
	stored, err := o.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	// One step at a time per request. The record is re-read under the
	// lock: a concurrent call may have issued events or advanced the
	// step while we waited.
	requestID := stored.RequestID
	unlock := o.lockRequest(requestID)
	defer unlock()

	stored, err = o.store.Get(ctx, requestID)
	if err != nil {
		return nil, o.storeError(requestID, err)
	}

	// Cluster binding check: a caller that names a cluster must name the
	// right one.
	if req.ClusterID != 0 && stored.ClusterID != 0 && req.ClusterID != stored.ClusterID {
		return nil, &herrors.RequestVerificationError{
			RequestID:       stored.RequestID,
			WantClusterID:   stored.ClusterID,
			CallerClusterID: req.ClusterID,
		}
	}

	// Terminal records are immutable; re-calls are acknowledgements.
	if stored.Status != deploy.StatusPending {
		return response(stored), nil
	}

	// Replay of an already-completed step: no side effects.
	if req.EventType != 0 && req.EventType < stored.CurrentEventType {
		return response(stored), nil
	}
	if req.EventType != 0 && req.EventType > stored.CurrentEventType {
		return nil, &herrors.StepExecutionError{
			EventType: req.EventType,
			Err:       fmt.Errorf("request is at step %d, step %d not reached", stored.CurrentEventType, req.EventType),
		}
	}

	merged, err := deploy.MergePayload(stored.Payload, req.Payload)
	if err != nil {
		return nil, &herrors.StepExecutionError{EventType: stored.CurrentEventType, Err: err}
	}
	payload, err := deploy.ParsePayload(merged)
	if err != nil {
		return nil, &herrors.StepExecutionError{EventType: stored.CurrentEventType, Err: err}
	}

	step, ok := o.steps[stored.CurrentEventType]
	if !ok {
		return nil, &herrors.StepExecutionError{
			EventType: stored.CurrentEventType,
			Err:       fmt.Errorf("no handler for step %d", stored.CurrentEventType),
		}
	}

	sc := &stepCtx{request: stored, payload: payload}
	stepErr := step(ctx, sc)

	encoded, err := sc.payload.Encode()
	if err != nil {
		return nil, &herrors.StepExecutionError{EventType: stored.CurrentEventType, Err: err}
	}

	if stepErr != nil {
		// Persist payload mutations (issued event ids in particular) at
		// the same step so the retry resumes instead of re-issuing.
		if err := o.store.Update(ctx, stored.RequestID, stored.CurrentEventType, stored.CurrentEventType, encoded); err != nil && !errors.Is(err, requeststore.ErrStale) {
			o.logger.Warn("persisting payload after step failure failed",
				zap.Int64("request_id", stored.RequestID), zap.Error(err))
		}
		return nil, o.asStepError(stored.CurrentEventType, stepErr)
	}

	if stored.CurrentEventType >= deploy.TerminalStep {
		if err := o.store.Update(ctx, stored.RequestID, stored.CurrentEventType, stored.CurrentEventType, encoded); err != nil && !errors.Is(err, requeststore.ErrStale) {
			return nil, o.storeError(stored.RequestID, err)
		}
		if err := o.store.MarkStatus(ctx, stored.RequestID, deploy.StatusSuccess); err != nil {
			return nil, o.storeError(stored.RequestID, err)
		}
	} else {
		err := o.store.Update(ctx, stored.RequestID, stored.CurrentEventType, stored.CurrentEventType+1, encoded)
		if errors.Is(err, requeststore.ErrStale) {
			// A concurrent call won the CAS; our work was idempotent, so
			// serve whatever the winner left behind.
			o.logger.Info("lost step advance race", zap.Int64("request_id", stored.RequestID))
		} else if err != nil {
			return nil, o.storeError(stored.RequestID, err)
		}
	}

	final, err := o.store.Get(ctx, stored.RequestID)
	if err != nil {
		return nil, o.storeError(stored.RequestID, err)
	}

	o.logger.Info("workflow step complete",
		zap.Int64("request_id", final.RequestID),
		zap.Int64("cluster_id", final.ClusterID),
		zap.Int("step", stored.CurrentEventType),
		zap.Int("next_step", final.CurrentEventType),
		zap.String("status", string(final.Status)))
	return response(final), nil
}

// GetRequest exposes the stored record for the read API.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID int64) (*deploy.ClusterRequest, error) {
	stored, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, o.storeError(requestID, err)
	}
	return stored, nil
}

// ListRequests exposes stored records, optionally filtered by status.
func (o *Orchestrator) ListRequests(ctx context.Context, status deploy.RequestStatus) ([]deploy.ClusterRequest, error) {
	return o.store.List(ctx, status)
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, req deploy.StepRequest) (*deploy.ClusterRequest, error) {
	if req.RequestID != 0 {
		stored, err := o.store.Get(ctx, req.RequestID)
		if err != nil {
			return nil, o.storeError(req.RequestID, err)
		}
		return stored, nil
	}

	requestType := req.RequestType
	if requestType == "" {
		requestType = deploy.RequestTypeCreate
	}
	stored, err := o.store.Create(ctx, deploy.LevelClusterDeployment, req.ClusterID, requestType)
	if err != nil {
		return nil, fmt.Errorf("create deployment request: %w", err)
	}
	o.logger.Info("created deployment request",
		zap.Int64("request_id", stored.RequestID),
		zap.String("request_type", requestType))
	return stored, nil
}

// lockRequest acquires the request's step mutex and returns its
// release func. Mutexes are kept for the life of the process.
func (o *Orchestrator) lockRequest(requestID int64) func() {
	o.mu.Lock()
	l, ok := o.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[requestID] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) storeError(requestID int64, err error) error {
	if errors.Is(err, requeststore.ErrNotFound) {
		return &herrors.RequestNotFoundError{RequestID: requestID}
	}
	return err
}

func (o *Orchestrator) asStepError(eventType int, err error) error {
	var se *herrors.StepExecutionError
	if errors.As(err, &se) {
		return se
	}
	return &herrors.StepExecutionError{EventType: eventType, Err: err}
}

func response(r *deploy.ClusterRequest) *deploy.StepResponse {
	return &deploy.StepResponse{
		ClusterID:        r.ClusterID,
		RequestID:        r.RequestID,
		CurrentEventType: r.CurrentEventType,
		Completed:        r.Status == deploy.StatusSuccess,
		Level:            r.Level,
		RequestType:      r.RequestType,
	}
}
