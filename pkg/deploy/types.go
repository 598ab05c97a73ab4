// Package deploy defines the deployment workflow domain model: the
// persisted request record, the workflow payload carried across steps,
// and the step request/response shapes.
package deploy

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a deployment request.
//
// NOTE: These values are persisted and are part of the stable on-disk
// contract. Transitions are PENDING -> SUCCESS or PENDING -> FAILED and
// never reverse.
type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusSuccess RequestStatus = "SUCCESS"
	StatusFailed  RequestStatus = "FAILED"
)

// Workflow families and variants.
const (
	LevelClusterDeployment = "cluster-deployment"

	RequestTypeCreate = "create"
	RequestTypeExpand = "expand"
)

// Workflow step numbers for the "create" request type. currentEventType
// stores the next step to execute and starts at 1.
const (
	StepCreateSpace          = 1
	StepBindHosts            = 2
	StepInstallAgents        = 3
	StepPlanNodes            = 4
	StepDeployModules        = 5
	StepVerify               = 6
	StepBootstrapCredentials = 7

	TerminalStep = StepBootstrapCredentials
)

// ClusterRequest is the durable record of one in-flight or completed
// multi-step workflow.
type ClusterRequest struct {
	RequestID        int64         `json:"requestId"`
	ClusterID        int64         `json:"clusterId"`
	Level            string        `json:"level"`
	RequestType      string        `json:"requestType"`
	CurrentEventType int           `json:"currentEventType"`
	Status           RequestStatus `json:"status"`
	Payload          []byte        `json:"payload,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Cluster is the cluster model row created during the first step.
type Cluster struct {
	ClusterID int64     `json:"clusterId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Host is one physical machine bound to the deployment space.
type Host struct {
	Host string `json:"host"`
	// AgentPort is where this host's agent was installed; recorded for
	// operator visibility, never dialed by the server (pull-only).
	AgentPort int `json:"agentPort,omitempty"`
}

// NodeAssignment is one planned module instance on one host.
type NodeAssignment struct {
	NodeID   string `json:"nodeId"`
	Host     string `json:"host"`
	Module   string `json:"module"`
	Observer bool   `json:"observer,omitempty"`
}

// Payload is the caller-supplied workflow state, snapshotted into the
// request record after every step. The store treats it as opaque bytes;
// the orchestrator re-parses it on each step.
type Payload struct {
	ClusterName string `json:"clusterName,omitempty"`

	// PackageURI is where agents stage module packages from; an s3://
	// URL or a host-local directory.
	PackageURI  string `json:"packageURI,omitempty"`
	InstallRoot string `json:"installRoot,omitempty"`
	PackageDir  string `json:"packageDir,omitempty"`

	Hosts []Host `json:"hosts,omitempty"`

	// FrontendCount/BackendCount/BrokerCount are the requested node
	// counts consumed by the plan step.
	FrontendCount int `json:"frontendCount,omitempty"`
	BackendCount  int `json:"backendCount,omitempty"`
	BrokerCount   int `json:"brokerCount,omitempty"`

	Plan []NodeAssignment `json:"plan,omitempty"`

	// ConfigOverrides maps module name to config key overrides.
	ConfigOverrides map[string]map[string]string `json:"configOverrides,omitempty"`

	// IssuedEvents tracks event ids emitted per step so retries and the
	// verify step can find their outstanding work. Keyed by step number
	// in decimal to survive JSON round-trips.
	IssuedEvents map[string][]string `json:"issuedEvents,omitempty"`

	// AdminUser is recorded by the credential bootstrap step.
	AdminUser string `json:"adminUser,omitempty"`
}

// ParsePayload decodes a stored payload snapshot. Empty input produces
// an empty payload.
func ParsePayload(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return &Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse workflow payload: %w", err)
	}
	return &p, nil
}

// Encode serializes the payload for storage.
func (p *Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode workflow payload: %w", err)
	}
	return data, nil
}

// StepKey converts a step number into the IssuedEvents map key.
func StepKey(eventType int) string {
	return fmt.Sprintf("%d", eventType)
}

// MergePayload overlays caller-supplied payload fields onto the stored
// snapshot. Caller fields win per top-level key; stored keys the caller
// did not send persist untouched.
func MergePayload(stored, caller []byte) ([]byte, error) {
	if len(caller) == 0 {
		if len(stored) == 0 {
			return []byte("{}"), nil
		}
		return stored, nil
	}

	base := map[string]json.RawMessage{}
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &base); err != nil {
			return nil, fmt.Errorf("parse stored payload: %w", err)
		}
	}

	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(caller, &overlay); err != nil {
		return nil, fmt.Errorf("parse caller payload: %w", err)
	}

	for k, v := range overlay {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("merge payload: %w", err)
	}
	return merged, nil
}

// StepRequest is the workflow entry point's input shape.
type StepRequest struct {
	ClusterID int64 `json:"clusterId"`
	RequestID int64 `json:"requestId"`
	EventType int   `json:"eventType"`

	// RequestType selects the workflow variant when RequestID is zero
	// and a new request is created. Empty means "create".
	RequestType string `json:"requestType,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// StepResponse is returned from every successful step call.
type StepResponse struct {
	ClusterID        int64  `json:"clusterId"`
	RequestID        int64  `json:"requestId"`
	CurrentEventType int    `json:"currentEventType"`
	Completed        bool   `json:"completed"`
	Level            string `json:"level"`
	RequestType      string `json:"requestType"`
}
