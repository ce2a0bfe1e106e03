package indicator

import (
	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// computeRSI is the relative strength index over rolling means of gains
// and losses. Needs period price changes, so it is defined from bar
// index period onward. A flat window (no gains, no losses) stays
// undefined rather than inventing a midpoint.
func computeRSI(p Params, s *model.Series) (path, error) {
	if err := requirePeriod(p); err != nil {
		return path{}, err
	}
	px, err := prices(s, p.Field)
	if err != nil {
		return path{}, err
	}

	out := newPath(len(px))
	if len(px) == 0 {
		return out, nil
	}

	gains := make([]decimal.Decimal, len(px))
	losses := make([]decimal.Decimal, len(px))
	for i := 1; i < len(px); i++ {
		delta := px[i].Sub(px[i-1])
		if delta.IsPositive() {
			gains[i] = delta
		} else {
			losses[i] = delta.Neg()
		}
	}

	n := decimal.NewFromInt(int64(p.Period))
	var gainSum, lossSum decimal.Decimal
	for i := 1; i < len(px); i++ {
		gainSum = gainSum.Add(gains[i])
		lossSum = lossSum.Add(losses[i])
		if i > p.Period {
			gainSum = gainSum.Sub(gains[i-p.Period])
			lossSum = lossSum.Sub(losses[i-p.Period])
		}
		if i < p.Period {
			continue
		}

		avgGain := gainSum.Div(n)
		avgLoss := lossSum.Div(n)
		switch {
		case avgLoss.IsZero() && avgGain.IsZero():
			// 0/0 — undefined, matches a NaN relative strength
		case avgLoss.IsZero():
			out.values[i] = hundred
			out.defined[i] = true
		default:
			rs := avgGain.Div(avgLoss)
			out.values[i] = hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
			out.defined[i] = true
		}
	}
	return out, nil
}
