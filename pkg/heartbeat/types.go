// Package heartbeat defines the pull-protocol wire types exchanged
// between the control server and host agents, and the server-side
// pending queue.
//
// Wire shapes are part of the stable protocol contract: agents on older
// releases must keep parsing event lists produced by newer servers, so
// fields are only ever added.
package heartbeat

import (
	"errors"
	"fmt"
	"strings"
)

// EventType classifies the remote action an agent must perform.
type EventType string

const (
	EventInstall EventType = "INSTALL"
	EventStart   EventType = "START"
	EventCheck   EventType = "CHECK"
	EventStop    EventType = "STOP"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInstall, EventStart, EventCheck, EventStop:
		return true
	}
	return false
}

// InstallConfig stages and configures a module on the target host.
type InstallConfig struct {
	ModuleName  string `json:"moduleName"`
	InstallRoot string `json:"installRoot"`
	PackageDir  string `json:"packageDir"`

	// FollowerEndpoint controls frontend quorum membership: empty means
	// this node joins as a follower-capable voting member; non-empty
	// means it joins through that endpoint as a non-voting observer.
	FollowerEndpoint string `json:"followerEndpoint,omitempty"`

	// ConfigOverrides are key/value overrides merged over module
	// defaults when the config file is rendered.
	ConfigOverrides map[string]string `json:"configOverrides,omitempty"`
}

// StartConfig starts an installed module.
type StartConfig struct {
	ModuleName  string `json:"moduleName"`
	InstallRoot string `json:"installRoot"`
}

// CheckConfig verifies a started module is actually serving.
type CheckConfig struct {
	ModuleName  string `json:"moduleName"`
	InstallRoot string `json:"installRoot"`
}

// StopConfig stops a running module.
type StopConfig struct {
	ModuleName  string `json:"moduleName"`
	InstallRoot string `json:"installRoot"`
}

// ConfigPayload is the per-event-type variant payload. Exactly one
// field is set, matching the event's type.
type ConfigPayload struct {
	Install *InstallConfig `json:"install,omitempty"`
	Start   *StartConfig   `json:"start,omitempty"`
	Check   *CheckConfig   `json:"check,omitempty"`
	Stop    *StopConfig    `json:"stop,omitempty"`
}

// Validate checks the payload variant matches the event type.
func (p ConfigPayload) Validate(t EventType) error {
	set := 0
	if p.Install != nil {
		set++
	}
	if p.Start != nil {
		set++
	}
	if p.Check != nil {
		set++
	}
	if p.Stop != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("config payload must carry exactly one variant, has %d", set)
	}

	switch t {
	case EventInstall:
		if p.Install == nil {
			return errors.New("INSTALL event requires the install payload variant")
		}
	case EventStart:
		if p.Start == nil {
			return errors.New("START event requires the start payload variant")
		}
	case EventCheck:
		if p.Check == nil {
			return errors.New("CHECK event requires the check payload variant")
		}
	case EventStop:
		if p.Stop == nil {
			return errors.New("STOP event requires the stop payload variant")
		}
	default:
		return fmt.Errorf("unknown event type: %s", t)
	}
	return nil
}

// Event is one unit of remote work, delivered at-least-once: it stays
// queued until a matching result is accepted.
type Event struct {
	EventID      string        `json:"eventId"`
	TargetNodeID string        `json:"-"`
	EventType    EventType     `json:"eventType"`
	ModuleName   string        `json:"moduleName"`
	ConfigPayload ConfigPayload `json:"configPayload"`
}

// Validate rejects malformed events before they are queued.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("event id is required")
	}
	if strings.TrimSpace(e.TargetNodeID) == "" {
		return errors.New("target node id is required")
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("unknown event type: %s", e.EventType)
	}
	if strings.TrimSpace(e.ModuleName) == "" {
		return errors.New("module name is required")
	}
	return e.ConfigPayload.Validate(e.EventType)
}

// Result is the agent's report for one executed event. Delivery is
// at-most-once: a result lost to a failed POST is never resubmitted.
type Result struct {
	EventID  string `json:"eventId"`
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}
