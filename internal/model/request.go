package model

import "encoding/json"

// StrategyRequest is the structured inbound contract: the already-parsed
// form of a strategy intent. Either Rule (a named built-in) or RuleTree
// (an inline tree in wire form) selects the rule; exactly one must be set.
type StrategyRequest struct {
	RequestID   string          `json:"request_id"`
	Instruments []string        `json:"instruments"`
	Timeframe   string          `json:"timeframe"`
	Lookback    int             `json:"lookback"` // bars to fetch per instrument
	Rule        string          `json:"rule,omitempty"`
	RuleTree    json.RawMessage `json:"rule_tree,omitempty"`
	Direction   Direction       `json:"direction"`
	Sizing      SizingPolicy    `json:"sizing"`
	Backend     string          `json:"backend"`
	Execute     bool            `json:"execute"`  // false = validate and signal only
	MaxOrders   int             `json:"max_orders"` // cap on executed signals, 0 = 1
}

// InstrumentStatus is the per-instrument outcome of a request.
type InstrumentStatus struct {
	Instrument string  `json:"instrument"`
	Status     string  `json:"status"` // "signal", "no_signal", "error", "executed", "execution_failed", "skipped"
	Signal     *Signal `json:"signal,omitempty"`
	Order      *Order  `json:"order,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// StrategyResponse reports a request's outcome with partial success:
// each instrument carries its own status and failure reason.
type StrategyResponse struct {
	RequestID   string             `json:"request_id"`
	Rule        string             `json:"rule"`
	Instruments []InstrumentStatus `json:"instruments"`
}
