package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/fleetworks/helmsman/internal/errors"
	"github.com/fleetworks/helmsman/pkg/heartbeat"
)

// HeartbeatHandler serves the agent pull protocol: agents GET their
// pending events and POST result batches to the same URL.
type HeartbeatHandler struct {
	queue   *heartbeat.Queue
	metrics *Metrics
	logger  *zap.Logger
}

// NewHeartbeatHandler wires the handler over the shared event queue.
func NewHeartbeatHandler(queue *heartbeat.Queue, metrics *Metrics, logger *zap.Logger) *HeartbeatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatHandler{queue: queue, metrics: metrics, logger: logger}
}

// Poll returns the node's pending events, oldest first. Events stay
// queued until a result lands, so a response lost on the wire is simply
// served again on the next poll.
func (h *HeartbeatHandler) Poll(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if nodeID == "" {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "node id is required", nil)
		return
	}

	events := h.queue.PendingFor(nodeID)
	if events == nil {
		events = []heartbeat.Event{}
	}
	if h.metrics != nil {
		h.metrics.Polls.WithLabelValues(nodeID).Inc()
	}

	writeJSON(w, http.StatusOK, events)
}

// Report accepts a batch of execution results. Results for events this
// node was never issued are dropped with a warning; the rest of the
// batch still lands, so one confused agent cannot wedge the others.
func (h *HeartbeatHandler) Report(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if nodeID == "" {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest, "node id is required", nil)
		return
	}

	var results []heartbeat.Result
	if err := json.NewDecoder(r.Body).Decode(&results); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeBadRequest,
			"result batch is not valid JSON: "+err.Error(), nil)
		return
	}

	if err := h.queue.AcceptResults(nodeID, results); err != nil {
		h.logger.Warn("rejected some agent results",
			zap.String("node_id", nodeID), zap.Error(err))
	}

	if h.metrics != nil {
		for _, res := range results {
			outcome := "success"
			if !res.Success {
				outcome = "failure"
			}
			h.metrics.Results.WithLabelValues(outcome).Inc()
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(results)})
}
