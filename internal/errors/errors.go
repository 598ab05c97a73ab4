// Package errors defines the application error taxonomy and the JSON
// error envelope returned by every HTTP surface.
//
// Error codes are stable UPPER_SNAKE strings and are part of the wire
// contract consumed by operator tooling and agents.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeRequestNotFound     = "REQUEST_NOT_FOUND"
	CodeRequestVerification = "REQUEST_VERIFICATION_FAILED"
	CodeStepExecution       = "STEP_EXECUTION_FAILED"
	CodeStepWaiting         = "STEP_WAITING_FOR_AGENTS"
)

// HTTPErrorResponse is the envelope for all error bodies.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// HTTPErrorDetail carries the stable code, a human message, and
// optional structured details.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RequestNotFoundError reports a non-first workflow step referencing an
// unknown request id.
type RequestNotFoundError struct {
	RequestID int64
}

func (e *RequestNotFoundError) Error() string {
	return fmt.Sprintf("deployment request %d not found", e.RequestID)
}

// RequestVerificationError reports a mismatch between the caller's
// cluster binding and the stored request.
type RequestVerificationError struct {
	RequestID       int64
	WantClusterID   int64
	CallerClusterID int64
}

func (e *RequestVerificationError) Error() string {
	return fmt.Sprintf("request %d is bound to cluster %d, caller supplied cluster %d",
		e.RequestID, e.WantClusterID, e.CallerClusterID)
}

// StepExecutionError reports a workflow step whose business logic
// failed. The owning request stays PENDING so the caller may retry the
// same step. Waiting is set when the step is merely blocked on agent
// results that have not arrived yet.
type StepExecutionError struct {
	EventType int
	Waiting   bool
	Err       error
}

func (e *StepExecutionError) Error() string {
	if e.Waiting {
		return fmt.Sprintf("step %d is waiting for agent results: %v", e.EventType, e.Err)
	}
	return fmt.Sprintf("step %d failed: %v", e.EventType, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// WriteError writes the JSON envelope with the given status and code.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// RespondWithError maps an application error onto the HTTP envelope.
//
// Unrecognized errors become INTERNAL_ERROR; the taxonomy errors keep
// their dedicated codes so callers can branch without string matching.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *RequestNotFoundError
	if errors.As(err, &nf) {
		WriteError(w, http.StatusNotFound, CodeRequestNotFound, nf.Error(), map[string]any{
			"request_id": nf.RequestID,
		})
		return
	}

	var rv *RequestVerificationError
	if errors.As(err, &rv) {
		WriteError(w, http.StatusConflict, CodeRequestVerification, rv.Error(), map[string]any{
			"request_id":        rv.RequestID,
			"bound_cluster_id":  rv.WantClusterID,
			"caller_cluster_id": rv.CallerClusterID,
		})
		return
	}

	var se *StepExecutionError
	if errors.As(err, &se) {
		code := CodeStepExecution
		status := http.StatusUnprocessableEntity
		if se.Waiting {
			code = CodeStepWaiting
			status = http.StatusConflict
		}
		WriteError(w, status, code, se.Error(), map[string]any{
			"event_type": se.EventType,
			"retriable":  true,
		})
		return
	}

	WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error(), nil)
}
