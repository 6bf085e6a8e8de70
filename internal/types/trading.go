package types

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Session statuses
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCrashed   = "crashed"
)

// Position directions and statuses
const (
	DirectionLong  = "long"
	DirectionShort = "short"

	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Order classes
const (
	OrderClassSimple  = "simple"
	OrderClassBracket = "bracket"
	OrderClassOCO     = "oco"
	OrderClassOTO     = "oto"
)

// Order statuses. Terminal statuses are never overwritten with non-terminal
// ones; the synchronizer enforces that, not the store.
const (
	OrderStatusNew             = "new"
	OrderStatusPending         = "pending"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusExpired         = "expired"
	OrderStatusRejected        = "rejected"
)

// IsTerminalStatus reports whether an order status admits no further transition.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// Exit reasons recorded on closed positions
const (
	ExitReasonStopLoss        = "stop_loss"
	ExitReasonTakeProfit      = "take_profit"
	ExitReasonRecoveredClosed = "recovered_closed"
	ExitReasonManual          = "manual"
)

type TradingSession struct {
	gorm.Model     `json:"-"`
	SessionID      string     `gorm:"uniqueIndex" json:"session_id"`
	Symbols        string     `json:"symbols"` // comma-joined
	Status         string     `json:"status"`  // active, completed, crashed
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	InitialCapital float64    `json:"initial_capital"`
	FinalCapital   float64    `json:"final_capital"`
	StrategyParams string     `json:"strategy_params"` // JSON blob
}

// SymbolList splits the comma-joined symbol set.
func (s *TradingSession) SymbolList() []string {
	if s.Symbols == "" {
		return nil
	}
	return strings.Split(s.Symbols, ",")
}

type Position struct {
	gorm.Model    `json:"-"`
	PositionID    string     `gorm:"uniqueIndex" json:"position_id"`
	SessionID     string     `gorm:"index" json:"session_id"`
	Symbol        string     `gorm:"index" json:"symbol"`
	Direction     string     `json:"direction"` // long or short
	EntryTime     time.Time  `json:"entry_time"`
	EntryPrice    float64    `json:"entry_price"`
	Quantity      float64    `json:"quantity"`
	StopLoss      float64    `json:"stop_loss"`
	TakeProfit    float64    `json:"take_profit"`
	EntryOrderID  string     `json:"entry_order_id"`
	StopOrderID   string     `json:"stop_order_id"`
	TargetOrderID string     `json:"target_order_id"`
	Status        string     `gorm:"index" json:"status"` // open or closed
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	ExitReason    string     `json:"exit_reason,omitempty"`
	RealizedPL    float64    `json:"realized_pl"`

	// Recovery estimates are flagged so P&L reporting can tell true fills
	// from best-effort reconstructions.
	EntryTimeApprox bool `json:"entry_time_approx"`
	ExitPriceApprox bool `json:"exit_price_approx"`
}

type OrderJournalEntry struct {
	gorm.Model     `json:"-"`
	BrokerOrderID  string     `gorm:"uniqueIndex" json:"broker_order_id"`
	ClientOrderID  string     `json:"client_order_id"`
	SessionID      string     `gorm:"index" json:"session_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`       // buy or sell
	OrderType      string     `json:"order_type"` // market, limit, stop, stop_limit
	Quantity       float64    `json:"quantity"`
	LimitPrice     float64    `json:"limit_price"`
	StopPrice      float64    `json:"stop_price"`
	OrderClass     string     `json:"order_class"` // simple, bracket, oco, oto
	ParentOrderID  string     `json:"parent_order_id,omitempty"`
	Status         string     `json:"status"`
	FilledQty      float64    `json:"filled_qty"`
	FilledAvgPrice float64    `json:"filled_avg_price"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	RejectReason   string     `json:"reject_reason,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
}

// PendingOrder is the in-memory tracking record for an order the engine has
// submitted but not yet seen reach a terminal state. The scan loop owns the
// pending map; it is rebuilt from the journal on resume.
type PendingOrder struct {
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Direction     string    `json:"direction"`
	Quantity      float64   `json:"quantity"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	SubmittedAt   time.Time `json:"submitted_at"`
}
