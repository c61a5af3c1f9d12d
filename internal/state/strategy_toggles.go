package state

import (
	"context"
	"encoding/json"
	"strings"
)

const StrategyTogglesKey = "strategy:toggles"

func LoadStrategyToggles(ctx context.Context, store Store) (map[string]bool, bool, error) {
	if store == nil {
		return nil, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, StrategyTogglesKey)
	if err != nil {
		return nil, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false, nil
	}
	toggles := make(map[string]bool)
	if err := json.Unmarshal([]byte(raw), &toggles); err != nil {
		return nil, false, err
	}
	return toggles, true, nil
}

func SaveStrategyToggles(ctx context.Context, store Store, toggles map[string]bool) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(toggles)
	if err != nil {
		return err
	}
	return store.Set(ctx, StrategyTogglesKey, string(payload))
}
