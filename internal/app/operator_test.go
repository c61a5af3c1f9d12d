package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"perpetual-mode-bot/internal/alerts"
	"perpetual-mode-bot/internal/gate"
	"perpetual-mode-bot/internal/state"
	"perpetual-mode-bot/internal/strategy"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestParseOperatorCommandStripsBotName(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("  /Strategy@perp_bot grid off ")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "strategy" {
		t.Fatalf("expected strategy, got %s", cmd)
	}
	if len(args) != 2 || args[0] != "grid" || args[1] != "off" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestParseOperatorCommandRejectsPlainText(t *testing.T) {
	for _, text := range []string{"", "status", "   ", "/", "/@bot"} {
		if _, _, ok := parseOperatorCommand(text); ok {
			t.Fatalf("expected %q to be rejected", text)
		}
	}
}

func TestOperatorEnableDisableAudit(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	meta := operatorMeta{UpdateID: 7, UserID: 1, Username: "alice"}

	resp, err := app.handleOperatorCommand(ctx, "enable", nil, meta)
	if err != nil {
		t.Fatalf("enable error: %v", err)
	}
	if resp != "perpetual mode on (suspended)" {
		t.Fatalf("unexpected enable response: %s", resp)
	}
	resp, _ = app.handleOperatorCommand(ctx, "enable", nil, meta)
	if resp != "perpetual mode already on (suspended)" {
		t.Fatalf("unexpected repeated enable response: %s", resp)
	}
	resp, _ = app.handleOperatorCommand(ctx, "disable", nil, meta)
	if resp != "perpetual mode off (disabled)" {
		t.Fatalf("unexpected disable response: %s", resp)
	}
	if app.gate.Snapshot().OperatorEnabled {
		t.Fatalf("expected operator toggle off")
	}

	events, err := state.ListAudit(ctx, app.store, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	actions := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Source != "telegram" || ev.Actor != "alice" || ev.Target != "perpetual_mode" {
			t.Fatalf("unexpected audit event: %+v", ev)
		}
		actions = append(actions, ev.Action)
	}
	sort.Strings(actions)
	if strings.Join(actions, ",") != "disable,enable,enable" {
		t.Fatalf("unexpected audit actions: %v", actions)
	}
}

func TestOperatorToggle(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	resp, err := app.handleOperatorCommand(ctx, "toggle", nil, operatorMeta{UserID: 42})
	if err != nil {
		t.Fatalf("toggle error: %v", err)
	}
	if resp != "perpetual mode on (suspended)" {
		t.Fatalf("unexpected toggle response: %s", resp)
	}
	events, _ := state.ListAudit(ctx, app.store, 0)
	if len(events) != 1 || events[0].Actor != "42" || events[0].Before || !events[0].After {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestOperatorStrategyCommand(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	meta := operatorMeta{UserID: 1}

	resp, err := app.handleOperatorCommand(ctx, "strategy", []string{"GRID"}, meta)
	if err != nil {
		t.Fatalf("strategy toggle error: %v", err)
	}
	if resp != "strategy grid on" {
		t.Fatalf("unexpected toggle response: %s", resp)
	}
	resp, err = app.handleOperatorCommand(ctx, "strategy", []string{"grid", "off"}, meta)
	if err != nil {
		t.Fatalf("strategy set error: %v", err)
	}
	if resp != "strategy grid off" {
		t.Fatalf("unexpected set response: %s", resp)
	}
	if _, err := app.handleOperatorCommand(ctx, "strategy", []string{"martingale"}, meta); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	if _, err := app.handleOperatorCommand(ctx, "strategy", []string{"grid", "maybe"}, meta); err == nil {
		t.Fatalf("expected invalid state error")
	}
	if _, err := app.handleOperatorCommand(ctx, "strategy", nil, meta); err == nil {
		t.Fatalf("expected usage error")
	}
	toggles, ok, err := state.LoadStrategyToggles(ctx, app.store)
	if err != nil || !ok {
		t.Fatalf("expected persisted toggles, ok=%v err=%v", ok, err)
	}
	if on, ok := toggles[strategy.Grid]; !ok || on {
		t.Fatalf("expected grid persisted off, got %v", toggles)
	}
}

func TestOperatorStatusAndHelp(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	status, _ := app.handleOperatorCommand(ctx, "status", nil, operatorMeta{})
	if !strings.Contains(status, "mode: disabled") || !strings.Contains(status, "thresholds: suspend<60 resume>=75") {
		t.Fatalf("unexpected status: %s", status)
	}
	list, _ := app.handleOperatorCommand(ctx, "strategies", nil, operatorMeta{})
	if !strings.Contains(list, "arbitrage: off") || strings.Count(list, "\n") != len(strategy.DefaultNames())-1 {
		t.Fatalf("unexpected strategies: %s", list)
	}
	help, _ := app.handleOperatorCommand(ctx, "nope", nil, operatorMeta{})
	if !strings.HasPrefix(help, "commands:") {
		t.Fatalf("expected help text, got %s", help)
	}
	audit, _ := app.handleOperatorCommand(ctx, "audit", nil, operatorMeta{})
	if audit != "no audit events" {
		t.Fatalf("unexpected audit response: %s", audit)
	}
}

func TestHandleOperatorUpdateFiltersChatAndUser(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	allowed := map[int64]struct{}{5: {}}
	update := func(chatID, userID int64) alerts.Update {
		return alerts.Update{
			UpdateID: 1,
			Message: &alerts.Message{
				From: &alerts.User{ID: userID},
				Chat: &alerts.Chat{ID: chatID},
				Text: "/enable",
			},
		}
	}

	app.handleOperatorUpdate(ctx, update(99, 5), 10, allowed)
	if app.gate.Snapshot().OperatorEnabled {
		t.Fatalf("expected other chat ignored")
	}
	app.handleOperatorUpdate(ctx, update(10, 6), 10, allowed)
	if app.gate.Snapshot().OperatorEnabled {
		t.Fatalf("expected unlisted user ignored")
	}
	app.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 2}, 10, allowed)
	app.handleOperatorUpdate(ctx, update(10, 5), 10, allowed)
	if app.gate.Snapshot().CurrentMode != gate.ModeSuspended {
		t.Fatalf("expected allowed user to enable the gate")
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 1234)
	if got := app.loadOperatorOffset(ctx); got != 1234 {
		t.Fatalf("expected 1234, got %d", got)
	}
	_ = app.store.Set(ctx, operatorOffsetKey, "-5")
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected negative offset reset, got %d", got)
	}
}
