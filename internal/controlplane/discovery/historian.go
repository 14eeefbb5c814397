package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// HistoryStore persists write-once historical definitions.
type HistoryStore interface {
	CreateHistorical(ctx context.Context, def definitions.Definition) (bool, error)
	Get(ctx context.Context, id string) (*definitions.Definition, error)
}

// Publisher receives entity events.
type Publisher interface {
	Publish(evt events.Event)
}

// Historian turns terminal sessions into historical definitions.
type Historian struct {
	store     HistoryStore
	publisher Publisher
	logger    *zap.Logger
}

// NewHistorian creates a historical record writer.
func NewHistorian(store HistoryStore, publisher Publisher, logger *zap.Logger) *Historian {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Historian{store: store, publisher: publisher, logger: logger.Named("historian")}
}

// Record persists the final snapshot of a session. The record id is the session
// id, so recording the same session twice writes one record.
func (h *Historian) Record(ctx context.Context, snap protocol.DiscoverySession) error {
	if !snap.Phase.IsTerminal() {
		return fmt.Errorf("session %s is %s, not terminal", snap.SessionID, snap.Phase)
	}

	def, err := h.build(ctx, snap)
	if err != nil {
		return err
	}
	created, err := h.store.CreateHistorical(ctx, def)
	if err != nil {
		return fmt.Errorf("persist historical record: %w", err)
	}
	if !created {
		h.logger.Debug("historical record already exists", zap.String("session_id", snap.SessionID))
		return nil
	}

	if h.publisher != nil {
		h.publisher.Publish(events.Event{
			Type:         events.DefinitionCreated,
			DaemonID:     snap.DaemonID,
			SessionID:    snap.SessionID,
			DefinitionID: def.ID,
			Summary:      "historical record for session " + string(snap.Phase),
		})
	}
	return nil
}

func (h *Historian) build(ctx context.Context, snap protocol.DiscoverySession) (definitions.Definition, error) {
	results := snap.Clone()
	def := definitions.Definition{
		ID:        snap.SessionID,
		NetworkID: snap.NetworkID,
		DaemonID:  snap.DaemonID,
		RunType: definitions.RunType{
			Kind:    definitions.RunKindHistorical,
			Results: &results,
		},
	}
	if snap.DiscoveryType != nil {
		def.DiscoveryType = *snap.DiscoveryType
	}

	var source *definitions.Definition
	if snap.DefinitionID != "" {
		src, err := h.store.Get(ctx, snap.DefinitionID)
		switch {
		case err == nil:
			source = src
		case definitions.IsNotFound(err):
		default:
			h.logger.Warn("source definition lookup failed",
				zap.String("definition_id", snap.DefinitionID),
				zap.Error(err),
			)
		}
	}
	if source != nil {
		if snap.DiscoveryType == nil {
			def.DiscoveryType = source.DiscoveryType
		}
		if def.NetworkID == "" {
			def.NetworkID = source.NetworkID
		}
	}

	def.Name = historicalName(source, snap)
	if snap.FinishedAt != nil {
		def.CreatedAt = *snap.FinishedAt
	}
	return def, nil
}

func historicalName(source *definitions.Definition, snap protocol.DiscoverySession) string {
	finished := time.Now().UTC()
	if snap.FinishedAt != nil {
		finished = *snap.FinishedAt
	}
	stamp := finished.UTC().Format("2006-01-02 15:04:05")
	if source != nil && source.Name != "" {
		return fmt.Sprintf("%s (%s)", source.Name, stamp)
	}
	kind := "discovery"
	if snap.DiscoveryType != nil {
		kind = string(snap.DiscoveryType.Kind)
	}
	return fmt.Sprintf("%s discovery (%s)", kind, stamp)
}
