package exec

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrTradingSuspended = errors.New("trading suspended by market condition gate")
	ErrInvalidOrder     = errors.New("invalid order")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Order is a request to trade. A zero Price means fill at the market price.
type Order struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Amount        float64 `json:"amount"`
	Price         float64 `json:"price,omitempty"`
	Strategy      string  `json:"strategy,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

type Fill struct {
	OrderID       string    `json:"id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price"`
	Cost          float64   `json:"cost"`
	Fee           float64   `json:"fee"`
	Status        string    `json:"status"`
	Paper         bool      `json:"paper"`
	Strategy      string    `json:"strategy,omitempty"`
	Time          time.Time `json:"time"`
}
