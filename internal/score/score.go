// Package score derives the 0-100 market condition score fed into the gate.
package score

import (
	"errors"
	"math"
	"sort"

	"perpetual-mode-bot/internal/market"
)

var ErrNoData = errors.New("no market data for any symbol")

const (
	momentumCap     = 25.0
	momentumWeight  = 40.0
	volumeCap       = 20.0
	volatilityMax   = 15.0
	trendBonus      = 15.0
	shortSMAWindow  = 6
	longSMAWindow   = 12
	minSymbolSeries = 2
)

// Breakdown holds the averaged components behind a score.
type Breakdown struct {
	Momentum   float64  `json:"momentum"`
	Volume     float64  `json:"volume"`
	Volatility float64  `json:"volatility"`
	Trend      float64  `json:"trend"`
	Symbols    []string `json:"symbols"`
	Score      int      `json:"score"`
}

// Calculate scores each symbol's candles and averages the components across
// the symbols that had usable data. Momentum is reported in its normalized
// 0-40 form.
func Calculate(series map[string][]market.Candle) (Breakdown, error) {
	var out Breakdown
	var momentum float64
	for symbol, candles := range series {
		c, ok := components(candles)
		if !ok {
			continue
		}
		momentum += c.momentum
		out.Volume += c.volume
		out.Volatility += c.volatility
		out.Trend += c.trend
		out.Symbols = append(out.Symbols, symbol)
	}
	if len(out.Symbols) == 0 {
		return Breakdown{}, ErrNoData
	}
	sort.Strings(out.Symbols)
	n := float64(len(out.Symbols))
	momentum /= n
	out.Volume /= n
	out.Volatility /= n
	out.Trend /= n
	out.Momentum = (momentum + momentumCap) / (2 * momentumCap) * momentumWeight
	total := out.Momentum + out.Volume + out.Volatility + out.Trend
	out.Score = clampScore(int(total))
	return out, nil
}

type symbolComponents struct {
	momentum   float64
	volume     float64
	volatility float64
	trend      float64
}

func components(candles []market.Candle) (symbolComponents, bool) {
	if len(candles) < minSymbolSeries {
		return symbolComponents{}, false
	}
	closes := market.Closes(candles)
	first := closes[0]
	last := closes[len(closes)-1]
	if first <= 0 {
		return symbolComponents{}, false
	}
	var c symbolComponents
	c.momentum = clamp((last-first)/first*100, -momentumCap, momentumCap)

	volumes := market.Volumes(candles)
	if avg := mean(volumes); avg > 0 {
		change := (volumes[len(volumes)-1] - avg) / avg * 100
		c.volume = clamp(change/5, 0, volumeCap)
	}

	c.volatility = math.Max(volatilityMax-sampleStdDev(pctReturns(closes))*100, 0)

	if len(closes) >= longSMAWindow {
		if sma(closes, shortSMAWindow) > sma(closes, longSMAWindow) {
			c.trend = trendBonus
		}
	}
	return c, true
}

func pctReturns(closes []float64) []float64 {
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			continue
		}
		out = append(out, (closes[i]-prev)/prev)
	}
	return out
}

func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sma averages the last window values.
func sma(values []float64, window int) float64 {
	if window <= 0 || len(values) < window {
		return 0
	}
	return mean(values[len(values)-window:])
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
