package state

import (
	"context"
	"encoding/json"
	"strings"

	"perpetual-mode-bot/internal/gate"
)

const GateSnapshotKey = "gate:last_state"

func LoadGateState(ctx context.Context, store Store) (gate.State, bool, error) {
	if store == nil {
		return gate.State{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, GateSnapshotKey)
	if err != nil {
		return gate.State{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return gate.State{}, false, nil
	}
	var st gate.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return gate.State{}, false, err
	}
	return st, true, nil
}

func SaveGateState(ctx context.Context, store Store, st gate.State) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return store.Set(ctx, GateSnapshotKey, string(payload))
}
