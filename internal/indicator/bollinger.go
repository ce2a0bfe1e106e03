package indicator

import (
	"fmt"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

const defaultBollStdDev = "2"

// sqrtPrecision bounds the decimal square root used for the rolling
// standard deviation. Newton's method with a fixed iteration count and
// fixed rounding keeps the result reproducible across runs.
const sqrtPrecision = 16

// computeBollingerPart computes the middle band (SMA), or the upper or
// lower band at middle ± stddev*multiplier over the same window. The
// standard deviation is the sample deviation (n−1 divisor).
func computeBollingerPart(name string, p Params, s *model.Series) (path, error) {
	if err := requirePeriod(p); err != nil {
		return path{}, err
	}
	mult := p.StdDev
	if mult == "" {
		mult = defaultBollStdDev
	}
	k, err := decimal.NewFromString(mult)
	if err != nil {
		return path{}, fmt.Errorf("%w: std_dev %q is not numeric", ErrBadParams, mult)
	}

	px, err := prices(s, p.Field)
	if err != nil {
		return path{}, err
	}
	mid := rollingMean(px, p.Period)
	if name == BollMid {
		return mid, nil
	}

	out := newPath(len(px))
	if p.Period < 2 {
		// Sample deviation needs at least two observations.
		return out, nil
	}
	nMinus1 := decimal.NewFromInt(int64(p.Period - 1))

	for i := range px {
		if !mid.defined[i] {
			continue
		}
		var sumSq decimal.Decimal
		for j := i - p.Period + 1; j <= i; j++ {
			d := px[j].Sub(mid.values[i])
			sumSq = sumSq.Add(d.Mul(d))
		}
		sd := sqrtDecimal(sumSq.Div(nMinus1))
		band := sd.Mul(k)
		if name == BollUpper {
			out.values[i] = mid.values[i].Add(band)
		} else {
			out.values[i] = mid.values[i].Sub(band)
		}
		out.defined[i] = true
	}
	return out, nil
}

// sqrtDecimal computes a deterministic decimal square root by Newton's
// method. Non-positive input returns zero.
func sqrtDecimal(v decimal.Decimal) decimal.Decimal {
	if !v.IsPositive() {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	x := v
	for i := 0; i < 40; i++ {
		next := x.Add(v.DivRound(x, sqrtPrecision+4)).DivRound(two, sqrtPrecision+4)
		if next.Equal(x) {
			break
		}
		x = next
	}
	return x.Round(sqrtPrecision)
}
