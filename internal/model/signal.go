package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the trade direction a signal recommends.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// SizingKind selects how a signal's order quantity is derived.
type SizingKind string

const (
	// SizeFixed trades a fixed quantity.
	SizeFixed SizingKind = "fixed"
	// SizeNotional trades quantity = notional / price.
	SizeNotional SizingKind = "notional"
	// SizeGrid ladders a per-level quantity across price levels between
	// Lower and Upper, trading the levels the current price has crossed.
	SizeGrid SizingKind = "grid"
)

// SizingPolicy describes how to size the order produced from a signal.
type SizingPolicy struct {
	Kind     SizingKind      `json:"kind"`
	Qty      decimal.Decimal `json:"qty"`      // fixed: total; grid: per level
	Notional decimal.Decimal `json:"notional"` // notional sizing only
	Lower    decimal.Decimal `json:"lower"`    // grid bounds
	Upper    decimal.Decimal `json:"upper"`
	Levels   int             `json:"levels"` // grid level count
}

// NewSignalID builds a deterministic signal identifier from the rule,
// instrument, and evaluation bar. Re-evaluating the same bar yields the
// same id, which the execution core folds into idempotency keys.
func NewSignalID(rule, instrument string, ts time.Time) string {
	return rule + ":" + instrument + ":" + Itoa(int(ts.UnixMilli()))
}

// Signal is a directional trade recommendation produced by rule evaluation.
// It is consumed exactly once by the execution core or discarded by policy.
type Signal struct {
	ID          string          `json:"id"`
	Instrument  string          `json:"instrument"`
	Direction   Direction       `json:"direction"`
	Sizing      SizingPolicy    `json:"sizing"`
	Confidence  decimal.Decimal `json:"confidence"`
	Price       decimal.Decimal `json:"price"`  // close at evaluation time
	Volume      decimal.Decimal `json:"volume"` // recent volume, ranking tie-break
	RuleName    string          `json:"rule_name"`
	RuleVersion int             `json:"rule_version"`
	TS          time.Time       `json:"ts"`
}
