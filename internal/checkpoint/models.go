package checkpoint

import (
	"time"

	"gorm.io/gorm"
)

// Checkpoint is a durable, timestamped snapshot of a session's in-flight
// state. Rows are append-only: pruned by retention, never mutated.
type Checkpoint struct {
	gorm.Model   `json:"-"`
	CheckpointID string    `gorm:"uniqueIndex" json:"checkpoint_id"`
	SessionID    string    `gorm:"index" json:"session_id"`
	TakenAt      time.Time `gorm:"index" json:"taken_at"`

	// Full snapshots, JSON-encoded. Counts are duplicated as columns so
	// trend inspection does not need to deserialize the blobs.
	PositionsJSON string `json:"-"`
	AccountJSON   string `json:"-"`
	ParamsJSON    string `json:"-"`
	OpenCount     int    `json:"open_count"`
	ClosedCount   int    `json:"closed_count"`
}

// AccountSnapshot is the account context captured with each checkpoint.
type AccountSnapshot struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
}

// PositionSnapshot is the per-symbol state carried in a checkpoint.
type PositionSnapshot struct {
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	EntryTime     time.Time `json:"entry_time"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	EntryOrderID  string    `json:"entry_order_id"`
	StopOrderID   string    `json:"stop_order_id"`
	TargetOrderID string    `json:"target_order_id"`
}

// RestoredState is the pure projection of a checkpoint handed back to the
// caller. Restoring performs no writes; the caller decides how to reconcile
// it with live broker state.
type RestoredState struct {
	SessionID   string                      `json:"session_id"`
	TakenAt     time.Time                   `json:"taken_at"`
	Positions   map[string]PositionSnapshot `json:"positions"`
	Account     AccountSnapshot             `json:"account"`
	Params      map[string]interface{}      `json:"params"`
	OpenCount   int                         `json:"open_count"`
	ClosedCount int                         `json:"closed_count"`
}
