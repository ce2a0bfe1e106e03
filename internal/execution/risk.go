package execution

import (
	"fmt"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// RiskLimits defines configurable pre-trade risk thresholds. All
// notional values are in the account's quote currency.
type RiskLimits struct {
	Equity              decimal.Decimal `json:"equity"`                // account equity for fraction checks
	MaxPositionFraction decimal.Decimal `json:"max_position_fraction"` // max order notional as fraction of equity
	MinNotional         decimal.Decimal `json:"min_notional"`          // reject dust orders below this
	MaxQty              decimal.Decimal `json:"max_qty"`               // per-order quantity cap, zero = unlimited
}

// DefaultRiskLimits returns conservative defaults: at most 10% of
// equity per order, minimum notional 10.
func DefaultRiskLimits(equity decimal.Decimal) RiskLimits {
	return RiskLimits{
		Equity:              equity,
		MaxPositionFraction: decimal.RequireFromString("0.1"),
		MinNotional:         decimal.NewFromInt(10),
	}
}

// RiskError reports a sizing or limit violation. Risk rejections happen
// before any order exists, so nothing is written to the ledger.
type RiskError struct {
	Instrument string
	Reason     string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk: %s: %s", e.Instrument, e.Reason)
}

// SizeOrder derives the order quantity from the signal's sizing policy
// and checks it against the risk limits. A zero quantity with nil error
// means the policy yields no trade at this price (e.g. price outside
// the grid band); callers skip the order.
func SizeOrder(sig model.Signal, limits RiskLimits) (decimal.Decimal, error) {
	if sig.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &RiskError{Instrument: sig.Instrument, Reason: "non-positive signal price"}
	}

	var qty decimal.Decimal
	switch sig.Sizing.Kind {
	case model.SizeFixed:
		qty = sig.Sizing.Qty
	case model.SizeNotional:
		qty = sig.Sizing.Notional.DivRound(sig.Price, 8)
	case model.SizeGrid:
		var err error
		if qty, err = gridQty(sig); err != nil {
			return decimal.Zero, err
		}
		if qty.IsZero() {
			return decimal.Zero, nil
		}
	default:
		return decimal.Zero, &RiskError{
			Instrument: sig.Instrument,
			Reason:     fmt.Sprintf("unknown sizing kind %q", sig.Sizing.Kind),
		}
	}

	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &RiskError{Instrument: sig.Instrument, Reason: "non-positive quantity"}
	}
	if !limits.MaxQty.IsZero() && qty.GreaterThan(limits.MaxQty) {
		return decimal.Zero, &RiskError{
			Instrument: sig.Instrument,
			Reason:     fmt.Sprintf("quantity %s exceeds cap %s", qty, limits.MaxQty),
		}
	}

	notional := qty.Mul(sig.Price)
	if notional.LessThan(limits.MinNotional) {
		return decimal.Zero, &RiskError{
			Instrument: sig.Instrument,
			Reason:     fmt.Sprintf("notional %s below minimum %s", notional, limits.MinNotional),
		}
	}
	if !limits.Equity.IsZero() && !limits.MaxPositionFraction.IsZero() {
		maxNotional := limits.Equity.Mul(limits.MaxPositionFraction)
		if notional.GreaterThan(maxNotional) {
			return decimal.Zero, &RiskError{
				Instrument: sig.Instrument,
				Reason:     fmt.Sprintf("notional %s exceeds %s limit", notional, maxNotional),
			}
		}
	}
	return qty, nil
}

// gridQty ladders the per-level quantity across the grid levels the
// signal price has left open in the trade direction: a buy covers the
// levels above the price, a sell the levels below. A price outside the
// band trades nothing.
func gridQty(sig model.Signal) (decimal.Decimal, error) {
	g := sig.Sizing
	if g.Levels <= 0 {
		return decimal.Zero, &RiskError{Instrument: sig.Instrument, Reason: "grid levels must be positive"}
	}
	if g.Upper.LessThanOrEqual(g.Lower) {
		return decimal.Zero, &RiskError{Instrument: sig.Instrument, Reason: "grid upper must exceed lower"}
	}
	if sig.Price.LessThan(g.Lower) || sig.Price.GreaterThan(g.Upper) {
		return decimal.Zero, nil
	}

	step := g.Upper.Sub(g.Lower).DivRound(decimal.NewFromInt(int64(g.Levels)), 8)
	open := 0
	for i := 1; i <= g.Levels; i++ {
		level := g.Lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if sig.Direction == model.DirectionBuy && level.GreaterThan(sig.Price) {
			open++
		}
		if sig.Direction == model.DirectionSell && level.LessThanOrEqual(sig.Price) {
			open++
		}
	}
	return g.Qty.Mul(decimal.NewFromInt(int64(open))), nil
}
