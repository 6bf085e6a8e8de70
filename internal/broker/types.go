package broker

import (
	"time"
)

// Sides used on the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Sides reported on the positions endpoint.
const (
	PositionSideLong  = "long"
	PositionSideShort = "short"
)

// Account is the subset of account state the engine snapshots into
// checkpoints.
type Account struct {
	Equity      float64 `json:"equity,string" validate:"gte=0"`
	BuyingPower float64 `json:"buying_power,string" validate:"gte=0"`
	Cash        float64 `json:"cash,string"`
}

// Position is the broker's authoritative view of one open position.
type Position struct {
	Symbol        string  `json:"symbol" validate:"required"`
	Side          string  `json:"side" validate:"required,oneof=long short"`
	Qty           float64 `json:"qty,string" validate:"gt=0"`
	AvgEntryPrice float64 `json:"avg_entry_price,string" validate:"gt=0"`
}

// Order is the broker's view of one order, including dependent legs for
// bracket/OCO/OTO classes.
type Order struct {
	ID             string     `json:"id" validate:"required"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol" validate:"required"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Qty            float64    `json:"qty,string"`
	LimitPrice     float64    `json:"limit_price,string"`
	StopPrice      float64    `json:"stop_price,string"`
	Status         string     `json:"status" validate:"required"`
	FilledQty      float64    `json:"filled_qty,string"`
	FilledAvgPrice float64    `json:"filled_avg_price,string"`
	FilledAt       *time.Time `json:"filled_at"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	OrderClass     string     `json:"order_class"`
	Legs           []Order    `json:"legs,omitempty"`
}

// TakeProfitSpec and StopLossSpec describe the protective legs of a bracket
// or OCO submission.
type TakeProfitSpec struct {
	LimitPrice float64 `json:"limit_price,string"`
}

type StopLossSpec struct {
	StopPrice float64 `json:"stop_price,string"`
}

// OrderRequest is a typed order submission. Loose maps never cross this
// boundary; the request is built here and validated server-side.
type OrderRequest struct {
	Symbol      string          `json:"symbol"`
	Qty         float64         `json:"qty,string"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	TimeInForce string          `json:"time_in_force"`
	LimitPrice  float64         `json:"limit_price,string,omitempty"`
	StopPrice   float64         `json:"stop_price,string,omitempty"`
	OrderClass  string          `json:"order_class,omitempty"`
	TakeProfit  *TakeProfitSpec `json:"take_profit,omitempty"`
	StopLoss    *StopLossSpec   `json:"stop_loss,omitempty"`
}
