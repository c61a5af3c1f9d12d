package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// PaperBroker fills every order immediately without touching an exchange.
type PaperBroker struct {
	prices PriceSource
	feeBps decimal.Decimal
	now    func() time.Time
}

func NewPaperBroker(prices PriceSource, feeBps float64) *PaperBroker {
	return &PaperBroker{
		prices: prices,
		feeBps: decimal.NewFromFloat(feeBps),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *PaperBroker) PlaceOrder(ctx context.Context, order Order) (Fill, error) {
	price := order.Price
	if price <= 0 {
		if b.prices == nil {
			return Fill{}, fmt.Errorf("%w: price required without a market price source", ErrInvalidOrder)
		}
		last, err := b.prices.LastPrice(ctx, order.Symbol)
		if err != nil {
			return Fill{}, fmt.Errorf("market price %s: %w", order.Symbol, err)
		}
		price = last
	}
	amount := decimal.NewFromFloat(order.Amount)
	px := decimal.NewFromFloat(price)
	cost := amount.Mul(px)
	fee := cost.Mul(b.feeBps).Div(decimal.NewFromInt(10000))
	return Fill{
		OrderID: "paper-" + uuid.NewString(),
		Symbol:  order.Symbol,
		Side:    order.Side,
		Amount:  order.Amount,
		Price:   price,
		Cost:    cost.InexactFloat64(),
		Fee:     fee.InexactFloat64(),
		Status:  "filled",
		Paper:   true,
		Time:    b.now(),
	}, nil
}
