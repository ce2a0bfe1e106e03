package rule

import (
	"fmt"

	"intent-trader/internal/indicator"
	"intent-trader/internal/model"
)

// Built-in rules. Requests can name one of these instead of shipping a
// full tree; each builder returns a fresh Rule so callers may adjust
// direction or version without aliasing.

// MACross fires when the fast moving average crosses above (buy) or
// below (sell) the slow one.
func MACross(fast, slow int, dir model.Direction) (*Rule, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("ma cross: need 0 < fast < slow, got %d/%d", fast, slow)
	}
	op := CrossAbove
	if dir == model.DirectionSell {
		op = CrossBelow
	}
	return &Rule{
		Name:      fmt.Sprintf("ma_cross_%d_%d", fast, slow),
		Version:   1,
		Direction: dir,
		Root: &Predicate{
			Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: fast}},
			Op:    op,
			Right: Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: slow}},
		},
	}, nil
}

// MACDCross fires when the MACD line crosses its signal line.
func MACDCross(dir model.Direction) *Rule {
	op := CrossAbove
	if dir == model.DirectionSell {
		op = CrossBelow
	}
	return &Rule{
		Name:      "macd_cross",
		Version:   1,
		Direction: dir,
		Root: &Predicate{
			Left:  Operand{Indicator: indicator.MACD},
			Op:    op,
			Right: Operand{Indicator: indicator.MACDSignal},
		},
	}
}

// RSIReversal fires when RSI leaves an extreme zone: buys when it
// crosses back above the oversold bound, sells when it crosses back
// below the overbought bound.
func RSIReversal(period int, oversold, overbought string, dir model.Direction) *Rule {
	p := indicator.Params{Period: period}
	var root Node
	if dir == model.DirectionSell {
		root = &Predicate{
			Left:  Operand{Indicator: indicator.RSI, Params: p},
			Op:    CrossBelow,
			Right: Operand{Const: overbought},
		}
	} else {
		root = &Predicate{
			Left:  Operand{Indicator: indicator.RSI, Params: p},
			Op:    CrossAbove,
			Right: Operand{Const: oversold},
		}
	}
	return &Rule{
		Name:      fmt.Sprintf("rsi_reversal_%d", period),
		Version:   1,
		Direction: dir,
		Root:      root,
	}
}

// BollingerBreakout fires when the close crosses outside a band: above
// the upper band for buys, below the lower band for sells.
func BollingerBreakout(period int, stdDev string, dir model.Direction) *Rule {
	p := indicator.Params{Period: period, StdDev: stdDev}
	var root Node
	if dir == model.DirectionSell {
		root = &Predicate{
			Left:  Operand{Field: "close"},
			Op:    CrossBelow,
			Right: Operand{Indicator: indicator.BollLower, Params: p},
		}
	} else {
		root = &Predicate{
			Left:  Operand{Field: "close"},
			Op:    CrossAbove,
			Right: Operand{Indicator: indicator.BollUpper, Params: p},
		}
	}
	return &Rule{
		Name:      fmt.Sprintf("breakout_bollinger_%d", period),
		Version:   1,
		Direction: dir,
		Root:      root,
	}
}

// HighLowBreakout fires when the close exceeds the prior bar's extreme:
// above the previous high for buys, below the previous low for sells.
func HighLowBreakout(dir model.Direction) *Rule {
	var root Node
	if dir == model.DirectionSell {
		root = &Predicate{
			Left:  Operand{Field: "close"},
			Op:    LT,
			Right: Operand{Field: "low", Offset: 1},
		}
	} else {
		root = &Predicate{
			Left:  Operand{Field: "close"},
			Op:    GT,
			Right: Operand{Field: "high", Offset: 1},
		}
	}
	return &Rule{
		Name:      "breakout_high_low",
		Version:   1,
		Direction: dir,
		Root:      root,
	}
}

// VolumeSurge fires on a directional bar backed by unusual volume:
// volume above ratio times its moving average, with the close beyond
// the open in the trade direction.
func VolumeSurge(period int, ratio string, dir model.Direction) *Rule {
	priceOp := GT
	if dir == model.DirectionSell {
		priceOp = LT
	}
	return &Rule{
		Name:      fmt.Sprintf("breakout_volume_%d", period),
		Version:   1,
		Direction: dir,
		Root: &Combinator{
			Kind: All,
			Children: []Node{
				&Predicate{
					Left:  Operand{Indicator: indicator.VolumeRate, Params: indicator.Params{Period: period}},
					Op:    GT,
					Right: Operand{Const: ratio},
				},
				&Predicate{
					Left:  Operand{Field: "close"},
					Op:    priceOp,
					Right: Operand{Field: "open"},
				},
			},
		},
	}
}

// Builtin resolves a built-in rule by name with library defaults,
// matching the parameter choices the request layer documents.
func Builtin(name string, dir model.Direction) (*Rule, error) {
	switch name {
	case "ma_cross":
		return MACross(5, 20, dir)
	case "macd_cross":
		return MACDCross(dir), nil
	case "rsi_reversal":
		return RSIReversal(14, "30", "70", dir), nil
	case "breakout_bollinger":
		return BollingerBreakout(20, "2", dir), nil
	case "breakout_high_low":
		return HighLowBreakout(dir), nil
	case "breakout_volume":
		return VolumeSurge(20, "2", dir), nil
	default:
		return nil, fmt.Errorf("unknown built-in rule %q", name)
	}
}
