// Package protocol defines the wire contract between the server and discovery daemons.
// Both sides import this package to ensure type safety.
package protocol

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// DaemonMode decides how sessions reach a daemon.
type DaemonMode string

const (
	// ModePush daemons accept inbound connections; the server dispatches work to them.
	ModePush DaemonMode = "push"
	// ModePull daemons sit behind NAT/firewalls and poll the server for work.
	ModePull DaemonMode = "pull"
)

// Valid reports whether m is a known mode.
func (m DaemonMode) Valid() bool {
	return m == ModePush || m == ModePull
}

// DiscoveryPhase is the state of a discovery session.
type DiscoveryPhase string

const (
	PhasePending   DiscoveryPhase = "pending"
	PhaseStarting  DiscoveryPhase = "starting"
	PhaseStarted   DiscoveryPhase = "started"
	PhaseScanning  DiscoveryPhase = "scanning"
	PhaseComplete  DiscoveryPhase = "complete"
	PhaseFailed    DiscoveryPhase = "failed"
	PhaseCancelled DiscoveryPhase = "cancelled"
)

// AllPhases lists every phase in lifecycle order.
func AllPhases() []DiscoveryPhase {
	return []DiscoveryPhase{
		PhasePending, PhaseStarting, PhaseStarted, PhaseScanning,
		PhaseComplete, PhaseFailed, PhaseCancelled,
	}
}

// Valid reports whether p is a known phase.
func (p DiscoveryPhase) Valid() bool {
	switch p {
	case PhasePending, PhaseStarting, PhaseStarted, PhaseScanning,
		PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// IsQueued reports whether the session is waiting and not yet executing.
func (p DiscoveryPhase) IsQueued() bool {
	return p == PhasePending || p == PhaseStarting
}

// IsActive reports whether the daemon has acknowledged and is executing the session.
func (p DiscoveryPhase) IsActive() bool {
	return p == PhaseStarted || p == PhaseScanning
}

// IsTerminal reports whether the session has finished.
func (p DiscoveryPhase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// DiscoveryKind tags the DiscoveryType variant.
type DiscoveryKind string

const (
	KindNetwork    DiscoveryKind = "network"
	KindDocker     DiscoveryKind = "docker"
	KindSelfReport DiscoveryKind = "self_report"
)

// DiscoveryType describes what a session scans.
//
// Network carries the subnet scope (CIDRs; empty means every subnet the daemon
// has an interface on). Docker and SelfReport carry the host the daemon runs on.
type DiscoveryType struct {
	Kind    DiscoveryKind `json:"type"`
	Subnets []string      `json:"subnets,omitempty"`
	HostID  string        `json:"host_id,omitempty"`
}

// Validate checks that the variant carries the fields it needs.
func (d DiscoveryType) Validate() error {
	switch d.Kind {
	case KindNetwork:
		for _, cidr := range d.Subnets {
			if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
				return fmt.Errorf("invalid subnet %q: %w", cidr, err)
			}
		}
		return nil
	case KindDocker, KindSelfReport:
		if strings.TrimSpace(d.HostID) == "" {
			return fmt.Errorf("host_id is required for %s discovery", d.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("discovery type is required")
	default:
		return fmt.Errorf("unknown discovery type: %s", d.Kind)
	}
}

// String renders the variant for logs.
func (d DiscoveryType) String() string {
	switch d.Kind {
	case KindNetwork:
		if len(d.Subnets) == 0 {
			return "network(all)"
		}
		return "network(" + strings.Join(d.Subnets, ",") + ")"
	case KindDocker, KindSelfReport:
		return string(d.Kind) + "(" + d.HostID + ")"
	default:
		return string(d.Kind)
	}
}

// DiscoverySession is both the server's session snapshot and the daemon's progress
// update payload. Sharing the shape makes updates idempotent by replacement.
type DiscoverySession struct {
	SessionID     string         `json:"session_id"`
	DaemonID      string         `json:"daemon_id"`
	NetworkID     string         `json:"network_id"`
	DefinitionID  string         `json:"definition_id,omitempty"`
	DiscoveryType *DiscoveryType `json:"discovery_type,omitempty"`
	Phase         DiscoveryPhase `json:"phase"`
	Progress      int            `json:"progress"`
	Error         string         `json:"error,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Validate checks an update payload received from a daemon.
func (s DiscoverySession) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(s.DaemonID) == "" {
		return fmt.Errorf("daemon_id is required")
	}
	if strings.TrimSpace(s.NetworkID) == "" {
		return fmt.Errorf("network_id is required")
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("invalid phase: %q", s.Phase)
	}
	if s.Progress < 0 || s.Progress > 100 {
		return fmt.Errorf("progress must be within 0..100, got %d", s.Progress)
	}
	if s.DiscoveryType != nil {
		if err := s.DiscoveryType.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share registry-owned pointers.
func (s DiscoverySession) Clone() DiscoverySession {
	out := s
	if s.DiscoveryType != nil {
		dt := *s.DiscoveryType
		dt.Subnets = append([]string(nil), s.DiscoveryType.Subnets...)
		out.DiscoveryType = &dt
	}
	if s.StartedAt != nil {
		ts := *s.StartedAt
		out.StartedAt = &ts
	}
	if s.FinishedAt != nil {
		ts := *s.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}

// DiscoveryRequest is what a daemon receives to start a session, either pushed
// to it or returned from a work poll.
type DiscoveryRequest struct {
	SessionID     string        `json:"session_id"`
	DiscoveryType DiscoveryType `json:"discovery_type"`
}

// DaemonPresence is the heartbeat body. Pull daemons send it with every work poll.
type DaemonPresence struct {
	URL  string     `json:"url,omitempty"`
	Name string     `json:"name"`
	Mode DaemonMode `json:"mode"`
}

// WorkResponse answers a pull-mode work poll. Both signals are independent.
type WorkResponse struct {
	NextSession     *DiscoveryRequest `json:"next_session,omitempty"`
	ShouldCancel    bool              `json:"should_cancel"`
	CancelSessionID string            `json:"cancel_session_id,omitempty"`
}

// RegisterRequest is sent once by a daemon the server does not know yet.
type RegisterRequest struct {
	DaemonID  string     `json:"daemon_id"`
	NetworkID string     `json:"network_id"`
	Name      string     `json:"name"`
	URL       string     `json:"url,omitempty"`
	Mode      DaemonMode `json:"mode"`
	Version   string     `json:"version,omitempty"`
}

// RegisterResponse confirms registration.
type RegisterResponse struct {
	DaemonID string `json:"daemon_id"`
}

// StartupRequest announces that a known daemon restarted.
type StartupRequest struct {
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the JSON error body used by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes the daemon classifies failures on.
const (
	ErrCodeKeyInactive     = "api_key_inactive"
	ErrCodeKeyRevoked      = "api_key_revoked"
	ErrCodeInvalidKey      = "invalid_api_key"
	ErrCodeDaemonNotFound  = "daemon_not_found"
	ErrCodeDemoMode        = "demo_mode"
	ErrCodeRetryShortly    = "retry_shortly"
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeForbidden       = "forbidden"
)

// Headers carried by daemon requests.
const (
	HeaderDaemonID = "X-Daemon-ID"
)
