package score

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"perpetual-mode-bot/internal/market"
)

// Source produces a market condition score on demand.
type Source interface {
	Score(ctx context.Context) (int, error)
}

type CandleFetcher interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// CandleSource scores the configured symbols from exchange candles.
type CandleSource struct {
	fetcher  CandleFetcher
	symbols  []string
	interval string
	window   int
	log      *zap.Logger

	// OnCandles, when set, receives every fetched series.
	OnCandles func(symbol string, candles []market.Candle)
}

func NewCandleSource(fetcher CandleFetcher, symbols []string, interval string, window int, log *zap.Logger) *CandleSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &CandleSource{
		fetcher:  fetcher,
		symbols:  append([]string(nil), symbols...),
		interval: interval,
		window:   window,
		log:      log,
	}
}

func (s *CandleSource) Score(ctx context.Context) (int, error) {
	b, err := s.Breakdown(ctx)
	if err != nil {
		return 0, err
	}
	return b.Score, nil
}

// Breakdown fetches every symbol and returns the scored components. A symbol
// that fails to fetch is logged and left out.
func (s *CandleSource) Breakdown(ctx context.Context) (Breakdown, error) {
	series := make(map[string][]market.Candle, len(s.symbols))
	var lastErr error
	for _, symbol := range s.symbols {
		candles, err := s.fetcher.Candles(ctx, symbol, s.interval, s.window)
		if err != nil {
			if ctx.Err() != nil {
				return Breakdown{}, ctx.Err()
			}
			lastErr = err
			s.log.Warn("candle fetch failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if s.OnCandles != nil && len(candles) > 0 {
			s.OnCandles(symbol, candles)
		}
		series[symbol] = candles
	}
	b, err := Calculate(series)
	if errors.Is(err, ErrNoData) && lastErr != nil {
		return Breakdown{}, fmt.Errorf("%w: %v", ErrNoData, lastErr)
	}
	return b, err
}

type IndexFetcher interface {
	Index(ctx context.Context) (market.FearGreedIndex, error)
}

// FearGreedSource uses the fear and greed index directly as the score.
type FearGreedSource struct {
	fetcher IndexFetcher
}

func NewFearGreedSource(fetcher IndexFetcher) *FearGreedSource {
	return &FearGreedSource{fetcher: fetcher}
}

func (s *FearGreedSource) Score(ctx context.Context) (int, error) {
	idx, err := s.fetcher.Index(ctx)
	if err != nil {
		return 0, err
	}
	return idx.Value, nil
}
