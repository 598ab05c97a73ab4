package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/fleetworks/helmsman/internal/errors"
	"github.com/fleetworks/helmsman/pkg/deploy"
	"github.com/fleetworks/helmsman/pkg/orchestrator"
)

// DeployHandler exposes the workflow entry point and the request
// inspection API.
type DeployHandler struct {
	orch    *orchestrator.Orchestrator
	metrics *Metrics
	logger  *zap.Logger
}

// NewDeployHandler wires the handler over the orchestrator.
func NewDeployHandler(orch *orchestrator.Orchestrator, metrics *Metrics, logger *zap.Logger) *DeployHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeployHandler{orch: orch, metrics: metrics, logger: logger}
}

// Step advances a deployment request by one workflow step. A zero
// requestId creates a new request; the response carries the id to
// resume with.
func (h *DeployHandler) Step(w http.ResponseWriter, r *http.Request) {
	var req deploy.StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest,
			"step request is not valid JSON: "+err.Error(), nil)
		return
	}

	resp, err := h.orch.Advance(r.Context(), req)
	if err != nil {
		h.countStep(err)
		respondWithError(w, r, err)
		return
	}

	h.countStep(nil)
	writeJSON(w, http.StatusOK, resp)
}

// Get returns one stored request record.
func (h *DeployHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseInt(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest,
			"request id must be an integer", nil)
		return
	}

	stored, err := h.orch.GetRequest(r.Context(), requestID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// List returns stored requests, newest first, optionally filtered with
// ?status=PENDING|SUCCESS|FAILED.
func (h *DeployHandler) List(w http.ResponseWriter, r *http.Request) {
	var status deploy.RequestStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = deploy.RequestStatus(raw)
		switch status {
		case deploy.StatusPending, deploy.StatusSuccess, deploy.StatusFailed:
		default:
			apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest,
				"unknown status filter: "+raw, nil)
			return
		}
	}

	requests, err := h.orch.ListRequests(r.Context(), status)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if requests == nil {
		requests = []deploy.ClusterRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *DeployHandler) countStep(err error) {
	if h.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		var se *apperrors.StepExecutionError
		if errors.As(err, &se) && se.Waiting {
			outcome = "waiting"
		}
	}
	h.metrics.Steps.WithLabelValues(outcome).Inc()
}
