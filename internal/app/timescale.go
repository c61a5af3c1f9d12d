package app

import (
	"time"

	"perpetual-mode-bot/internal/gate"
	"perpetual-mode-bot/internal/timescale"
)

func (a *App) recordEvaluation(value int, res gate.Result, trigger string) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueEvaluation(timescale.Evaluation{
		Time:            time.Now().UTC(),
		Score:           value,
		OperatorEnabled: res.To != gate.ModeDisabled,
		TradingActive:   res.Active,
		Mode:            string(res.To),
		Transitioned:    res.Transitioned,
		Trigger:         trigger,
	})
}
