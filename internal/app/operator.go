package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perpetual-mode-bot/internal/alerts"
	"perpetual-mode-bot/internal/gate"
	"perpetual-mode-bot/internal/state"
	"perpetual-mode-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	operatorAuditSize = 5
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
}

func (m operatorMeta) actor() string {
	if m.Username != "" {
		return m.Username
	}
	return strconv.FormatInt(m.UserID, 10)
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@bot arg..." into a lower-case command and
// its arguments.
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "enable", "on":
		return a.operatorSetMode(ctx, true, "enable", meta), nil
	case "disable", "off":
		return a.operatorSetMode(ctx, false, "disable", meta), nil
	case "toggle":
		res := a.gate.Toggle()
		after := res.To != gate.ModeDisabled
		a.recordOperatorChange(ctx, "toggle", res.From != gate.ModeDisabled, after, meta)
		return fmt.Sprintf("perpetual mode %s (%s)", onOff(after), res.To), nil
	case "strategies":
		return a.strategyStatus(), nil
	case "strategy":
		return a.handleStrategyCommand(ctx, args, meta)
	case "audit":
		return a.auditStatus(ctx)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorSetMode(ctx context.Context, enabled bool, action string, meta operatorMeta) string {
	res := a.gate.SetOperatorEnabled(enabled)
	before := res.From != gate.ModeDisabled
	a.recordOperatorChange(ctx, action, before, enabled, meta)
	if before == enabled {
		return fmt.Sprintf("perpetual mode already %s (%s)", onOff(enabled), res.To)
	}
	return fmt.Sprintf("perpetual mode %s (%s)", onOff(enabled), res.To)
}

func (a *App) handleStrategyCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: /strategy <name> [on|off]")
	}
	name := strings.ToLower(args[0])
	before, err := a.registry.Enabled(name)
	if err != nil {
		return "", err
	}
	var after bool
	switch {
	case len(args) == 1:
		after, err = a.registry.Toggle(ctx, name)
	case strings.EqualFold(args[1], "on"):
		after = true
		err = a.registry.Set(ctx, name, true)
	case strings.EqualFold(args[1], "off"):
		err = a.registry.Set(ctx, name, false)
	default:
		return "", fmt.Errorf("unknown strategy state %q: use on or off", args[1])
	}
	if err != nil {
		return "", err
	}
	a.audit(ctx, state.AuditEvent{
		Action: "strategy_toggle",
		Target: name,
		Before: before,
		After:  after,
	}, meta)
	return fmt.Sprintf("strategy %s %s", name, onOff(after)), nil
}

func (a *App) recordOperatorChange(ctx context.Context, action string, before, after bool, meta operatorMeta) {
	if before != after {
		a.metrics.OperatorToggles.Inc()
	}
	a.audit(ctx, state.AuditEvent{
		Action: action,
		Target: "perpetual_mode",
		Before: before,
		After:  after,
	}, meta)
}

func (a *App) audit(ctx context.Context, event state.AuditEvent, meta operatorMeta) {
	event.Source = "telegram"
	event.Actor = meta.actor()
	if _, err := state.AppendAudit(ctx, a.store, event); err != nil {
		a.log.Warn("audit write failed", zap.Error(err), zap.Int64("update_id", meta.UpdateID))
	}
}

func (a *App) operatorStatus() string {
	snap := a.gate.Snapshot()
	suspended := "n/a"
	if snap.SuspendedSince != nil {
		suspended = snap.SuspendedSince.UTC().Format(time.RFC3339)
	}
	lines := []string{
		fmt.Sprintf("mode: %s", snap.CurrentMode),
		fmt.Sprintf("perpetual_mode: %t", snap.OperatorEnabled),
		fmt.Sprintf("trading_active: %t", snap.TradingActive),
		fmt.Sprintf("last_score: %d", snap.LastScore),
		fmt.Sprintf("thresholds: suspend<%d resume>=%d", snap.SuspendThreshold, snap.ResumeThreshold),
		fmt.Sprintf("suspended_since: %s", suspended),
	}
	if b, ok := a.Breakdown(); ok {
		lines = append(lines, fmt.Sprintf("breakdown: momentum=%.1f volume=%.1f volatility=%.1f trend=%.1f symbols=%s",
			b.Momentum, b.Volume, b.Volatility, b.Trend, strings.Join(b.Symbols, ",")))
	}
	return strings.Join(lines, "\n")
}

func (a *App) strategyStatus() string {
	snap := a.registry.Snapshot()
	lines := make([]string, 0, len(snap))
	for _, name := range a.registry.Names() {
		lines = append(lines, fmt.Sprintf("%s: %s", name, onOff(snap[name])))
	}
	return strings.Join(lines, "\n")
}

func (a *App) auditStatus(ctx context.Context) (string, error) {
	events, err := state.ListAudit(ctx, a.store, operatorAuditSize)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "no audit events", nil
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, fmt.Sprintf("%s %s %s %s %t->%t (%s)",
			ev.At.UTC().Format(time.RFC3339), ev.Source, ev.Action, ev.Target, ev.Before, ev.After, ev.Actor))
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - gate mode, last score and thresholds",
		"/enable - turn perpetual mode on (starts suspended)",
		"/disable - turn perpetual mode off",
		"/toggle - flip perpetual mode",
		"/strategies - list strategy toggles",
		"/strategy <name> [on|off] - toggle or set a strategy (" + strings.Join(strategy.DefaultNames(), ", ") + ")",
		"/audit - recent operator actions",
	}, "\n")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset persist failed", zap.Error(err))
	}
}
