package market

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.binance.com"

// KlineClient reads candles and spot prices from a Binance compatible REST API.
type KlineClient struct {
	req *requester
}

func NewKlineClient(baseURL string, opts ClientOptions, log *zap.Logger) *KlineClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &KlineClient{req: newRequester("klines", baseURL, opts, log)}
}

// Candles returns up to limit candles for symbol, oldest first.
func (c *KlineClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var raw [][]any
	if err := c.req.getJSON(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}
	return parseKlines(symbol, interval, raw)
}

// LastPrice returns the latest traded price for symbol.
func (c *KlineClient) LastPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, errors.New("symbol is required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var raw map[string]any
	if err := c.req.getJSON(ctx, "/api/v3/ticker/price", params, &raw); err != nil {
		return 0, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	price, ok := floatFromAny(raw["price"])
	if !ok || price <= 0 {
		return 0, fmt.Errorf("ticker %s: invalid price %v", symbol, raw["price"])
	}
	return price, nil
}

func (c *KlineClient) BreakerState() gobreaker.State {
	return c.req.breakerState()
}

func parseKlines(symbol, interval string, raw [][]any) ([]Candle, error) {
	candles := make([]Candle, 0, len(raw))
	for i, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline %d: expected at least 6 fields, got %d", i, len(row))
		}
		openMs, ok := int64FromAny(row[0])
		if !ok {
			return nil, fmt.Errorf("kline %d: invalid open time %v", i, row[0])
		}
		var vals [5]float64
		for j := 0; j < 5; j++ {
			v, ok := floatFromAny(row[j+1])
			if !ok {
				return nil, fmt.Errorf("kline %d: invalid field %d: %v", i, j+1, row[j+1])
			}
			vals[j] = v
		}
		candles = append(candles, Candle{
			Asset:    symbol,
			Interval: interval,
			Start:    time.UnixMilli(openMs).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}
