package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const AuditKeyPrefix = "ops:audit:"

// AuditEvent records one operator action.
type AuditEvent struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	Before bool      `json:"before"`
	After  bool      `json:"after"`
}

func AppendAudit(ctx context.Context, store Store, event AuditEvent) (AuditEvent, error) {
	if store == nil {
		return event, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return event, err
	}
	key := fmt.Sprintf("%s%d:%s", AuditKeyPrefix, event.At.UnixNano(), event.ID)
	return event, store.Set(ctx, key, string(payload))
}

// ListAudit returns up to limit events, newest first. A limit of zero
// returns everything.
func ListAudit(ctx context.Context, store Store, limit int) ([]AuditEvent, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := store.List(ctx, AuditKeyPrefix)
	if err != nil {
		return nil, err
	}
	events := make([]AuditEvent, 0, len(entries))
	for key, raw := range entries {
		var ev AuditEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("audit %s: %w", key, err)
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].At.Equal(events[j].At) {
			return events[i].ID > events[j].ID
		}
		return events[i].At.After(events[j].At)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
