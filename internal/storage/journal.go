package storage

import (
	"context"
	"log/slog"

	"warden/internal/bus"
)

// Journal drains bus events into the audit table so whitelist changes,
// breaker transitions, session expiries and threat verdicts survive a
// restart. It runs on its own goroutine; a full channel drops events
// rather than stalling publishers.
type Journal struct {
	store *SQLiteStore
	bus   *bus.Bus
}

// NewJournal wires a store to a bus. Run must be called to start
// consuming.
func NewJournal(store *SQLiteStore, b *bus.Bus) *Journal {
	return &Journal{store: store, bus: b}
}

// Run consumes bus events until ctx is cancelled or the bus closes.
func (j *Journal) Run(ctx context.Context) {
	events, cancel := j.bus.Subscribe(
		bus.TypeDetection,
		bus.TypeEntryAdded,
		bus.TypeEntryRemoved,
		bus.TypeEntriesExpired,
		bus.TypeBreakerState,
		bus.TypeSessionExpired,
	)
	defer cancel()

	slog.Info("audit journal started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("audit journal stopping")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			j.record(ctx, ev)
		}
	}
}

func (j *Journal) record(ctx context.Context, ev bus.Event) {
	eventType, severity := classify(ev)

	correlationID := ""
	if id, ok := ev.Data["correlationId"].(string); ok {
		correlationID = id
	}

	if err := j.store.RecordEvent(ctx, eventType, correlationID, severity, ev.Data); err != nil {
		slog.Warn("audit event not recorded", "type", ev.Type, "error", err)
	}
}

// classify maps a bus event onto the audit taxonomy.
func classify(ev bus.Event) (EventType, string) {
	switch ev.Type {
	case bus.TypeDetection:
		if suspicious, _ := ev.Data["suspicious"].(bool); suspicious {
			if highRisk, _ := ev.Data["highRisk"].(bool); highRisk {
				return EventThreatDetected, "high"
			}
			return EventThreatDetected, "medium"
		}
		return EventDetectionCompleted, "low"

	case bus.TypeEntryAdded, bus.TypeEntryRemoved, bus.TypeEntriesExpired:
		return EventWhitelistUpdated, "low"

	case bus.TypeBreakerState:
		if to, _ := ev.Data["to"].(string); to == "open" {
			return EventBreakerStateChanged, "high"
		}
		return EventBreakerStateChanged, "low"

	case bus.TypeSessionExpired:
		return EventSessionExpired, "low"

	default:
		return EventType(ev.Type), "low"
	}
}
