package definitions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

const (
	RunKindScheduled  = "scheduled"
	RunKindAdHoc      = "ad_hoc"
	RunKindHistorical = "historical"
)

// ErrHistoricalImmutable is returned when a caller tries to edit a historical record.
var ErrHistoricalImmutable = errors.New("historical definitions are write-once")

// RunType says how a definition runs. Scheduled carries a cron expression and an
// enabled flag; historical carries the final snapshot of one session.
type RunType struct {
	Kind    string                     `json:"type"`
	Cron    string                     `json:"cron,omitempty"`
	Enabled bool                       `json:"enabled,omitempty"`
	LastRun *time.Time                 `json:"last_run,omitempty"`
	Results *protocol.DiscoverySession `json:"results,omitempty"`
}

// Definition is a persisted discovery entity.
type Definition struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	NetworkID     string                 `json:"network_id"`
	DaemonID      string                 `json:"daemon_id"`
	DiscoveryType protocol.DiscoveryType `json:"discovery_type"`
	RunType       RunType                `json:"run_type"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// IsScheduled reports whether the definition should have a cron entry.
func (d Definition) IsScheduled() bool {
	return d.RunType.Kind == RunKindScheduled && d.RunType.Enabled
}

// Validate checks a definition before it is stored.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(d.NetworkID) == "" {
		return fmt.Errorf("network_id is required")
	}
	if strings.TrimSpace(d.DaemonID) == "" {
		return fmt.Errorf("daemon_id is required")
	}
	if err := d.DiscoveryType.Validate(); err != nil {
		return err
	}

	switch d.RunType.Kind {
	case RunKindScheduled:
		if strings.TrimSpace(d.RunType.Cron) == "" {
			return fmt.Errorf("run_type.cron is required for scheduled definitions")
		}
	case RunKindAdHoc:
	case RunKindHistorical:
		if d.RunType.Results == nil {
			return fmt.Errorf("run_type.results is required for historical definitions")
		}
		if !d.RunType.Results.Phase.IsTerminal() {
			return fmt.Errorf("historical results must be terminal, got %s", d.RunType.Results.Phase)
		}
	default:
		return fmt.Errorf("invalid run type: %q", d.RunType.Kind)
	}
	return nil
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Kind      string
	DaemonID  string
	NetworkID string
	Limit     int
}
