package indicator

import (
	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// computeSMA is a rolling-sum simple moving average. Defined from the
// first bar where a full window of history exists.
func computeSMA(p Params, s *model.Series) (path, error) {
	if err := requirePeriod(p); err != nil {
		return path{}, err
	}
	px, err := prices(s, p.Field)
	if err != nil {
		return path{}, err
	}
	return rollingMean(px, p.Period), nil
}

func rollingMean(px []decimal.Decimal, period int) path {
	out := newPath(len(px))
	n := decimal.NewFromInt(int64(period))

	var sum decimal.Decimal
	for i, v := range px {
		sum = sum.Add(v)
		if i >= period {
			sum = sum.Sub(px[i-period])
		}
		if i >= period-1 {
			out.values[i] = sum.Div(n)
			out.defined[i] = true
		}
	}
	return out
}

// computeEMA seeds with the SMA of the first period bars, then applies
// the recursive smoothing EMA = price*k + prev*(1-k) with k = 2/(period+1).
func computeEMA(p Params, s *model.Series) (path, error) {
	if err := requirePeriod(p); err != nil {
		return path{}, err
	}
	px, err := prices(s, p.Field)
	if err != nil {
		return path{}, err
	}
	return emaOver(px, nil, p.Period), nil
}

// emaOver computes an EMA over values; defined (when non-nil) masks input
// positions that carry no value, which happens when smoothing a derived
// path such as the MACD line. Output defined starts period bars after the
// first defined input.
func emaOver(values []decimal.Decimal, defined []bool, period int) path {
	out := newPath(len(values))
	n := decimal.NewFromInt(int64(period))
	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period) + 1))
	oneMinusK := decimal.NewFromInt(1).Sub(k)

	var sum, prev decimal.Decimal
	seen := 0 // defined inputs consumed
	for i, v := range values {
		if defined != nil && !defined[i] {
			continue
		}
		seen++
		if seen < period {
			sum = sum.Add(v)
			continue
		}
		if seen == period {
			prev = sum.Add(v).Div(n)
		} else {
			prev = v.Mul(k).Add(prev.Mul(oneMinusK))
		}
		out.values[i] = prev
		out.defined[i] = true
	}
	return out
}

// computeVolumeMA is the rolling mean of bar volume.
func computeVolumeMA(p Params, s *model.Series) (path, error) {
	if err := requirePeriod(p); err != nil {
		return path{}, err
	}
	vols := make([]decimal.Decimal, len(s.Bars))
	for i, b := range s.Bars {
		vols[i] = b.Volume
	}
	return rollingMean(vols, p.Period), nil
}

// computeVolumeRatio is current volume relative to its rolling mean,
// used by volume-surge rules. Undefined when the mean is zero.
func computeVolumeRatio(p Params, s *model.Series) (path, error) {
	ma, err := computeVolumeMA(p, s)
	if err != nil {
		return path{}, err
	}
	out := newPath(len(s.Bars))
	for i, b := range s.Bars {
		if !ma.defined[i] || ma.values[i].IsZero() {
			continue
		}
		out.values[i] = b.Volume.Div(ma.values[i])
		out.defined[i] = true
	}
	return out, nil
}
