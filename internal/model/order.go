package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is one step of the order lifecycle.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderFailed          OrderState = "FAILED"
)

// Terminal reports whether the state permits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// Order is a signal turned into an execution intent against one backend.
// Only the execution state machine mutates an Order; terminal states are
// immutable and the ledger holds the authoritative history.
type Order struct {
	ID             string          `json:"id"`
	SignalID       string          `json:"signal_id"`
	Backend        string          `json:"backend"`
	Account        string          `json:"account"`
	Instrument     string          `json:"instrument"`
	Side           Direction       `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPrice     decimal.Decimal `json:"limit_price"` // zero = market
	IdempotencyKey string          `json:"idempotency_key"`
	State          OrderState      `json:"state"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	BackendRef     string          `json:"backend_ref"` // backend-confirmed order reference
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExecutionRecord is one append-only ledger entry per order state
// transition. Never mutated after write.
type ExecutionRecord struct {
	OrderID    string     `json:"order_id"`
	Seq        int64      `json:"seq"` // per-order sequence, ledger-assigned
	TS         time.Time  `json:"ts"`
	PrevState  OrderState `json:"prev_state"`
	NewState   OrderState `json:"new_state"`
	Reason     string     `json:"reason"`
	BackendRef string     `json:"backend_ref"`
}
