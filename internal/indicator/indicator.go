// Package indicator computes technical indicators over normalized series.
//
// Every indicator is a pure function of a trailing window of bars. A value
// is undefined until the window is full — undefined never silently becomes
// zero. All arithmetic is fixed-precision decimal, so recomputing over an
// identical series yields bit-identical results.
package indicator

import (
	"errors"
	"fmt"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// ErrUnknownIndicator marks a reference to an indicator this engine
// does not implement.
var ErrUnknownIndicator = errors.New("unknown indicator")

// ErrBadParams marks structurally invalid indicator parameters.
var ErrBadParams = errors.New("bad indicator params")

// Supported indicator names. The crossover of two moving averages is a
// rule-level predicate (CrossAbove/CrossBelow), not a separate indicator.
const (
	SMA        = "sma"
	EMA        = "ema"
	MACD       = "macd"
	MACDSignal = "macd_signal"
	MACDHist   = "macd_hist"
	RSI        = "rsi"
	BollMid    = "boll_mid"
	BollUpper  = "boll_upper"
	BollLower  = "boll_lower"
	VolumeMA   = "vol_ma"
	VolumeRate = "vol_ratio"
)

// Params parameterizes an indicator computation. Unused fields stay zero.
type Params struct {
	Period int    `json:"period,omitempty"`
	Fast   int    `json:"fast,omitempty"`   // MACD fast EMA period
	Slow   int    `json:"slow,omitempty"`   // MACD slow EMA period
	Signal int    `json:"signal,omitempty"` // MACD signal EMA period
	StdDev string `json:"std_dev,omitempty"` // Bollinger band width multiplier
	Field  string `json:"field,omitempty"`  // price field, default "close"
}

// Key returns the canonical parameter string used in cache keys and
// result records. Field order is fixed so equal params produce equal keys.
func (p Params) Key() string {
	key := "period=" + model.Itoa(p.Period)
	if p.Fast != 0 || p.Slow != 0 || p.Signal != 0 {
		key += ",fast=" + model.Itoa(p.Fast) +
			",slow=" + model.Itoa(p.Slow) +
			",signal=" + model.Itoa(p.Signal)
	}
	if p.StdDev != "" {
		key += ",std_dev=" + p.StdDev
	}
	if p.Field != "" && p.Field != "close" {
		key += ",field=" + p.Field
	}
	return key
}

// path is one indicator's value at every bar of a series, aligned by index.
type path struct {
	values  []decimal.Decimal
	defined []bool
}

func newPath(n int) path {
	return path{values: make([]decimal.Decimal, n), defined: make([]bool, n)}
}

// prices extracts the configured price field from each bar.
func prices(s *model.Series, field string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(s.Bars))
	for i, b := range s.Bars {
		switch field {
		case "", "close":
			out[i] = b.Close
		case "open":
			out[i] = b.Open
		case "high":
			out[i] = b.High
		case "low":
			out[i] = b.Low
		case "volume":
			out[i] = b.Volume
		default:
			return nil, fmt.Errorf("%w: unknown price field %q", ErrBadParams, field)
		}
	}
	return out, nil
}

// compute dispatches to the named indicator's vector implementation.
func compute(name string, p Params, s *model.Series) (path, error) {
	switch name {
	case SMA:
		return computeSMA(p, s)
	case EMA:
		return computeEMA(p, s)
	case MACD, MACDSignal, MACDHist:
		return computeMACDPart(name, p, s)
	case RSI:
		return computeRSI(p, s)
	case BollMid, BollUpper, BollLower:
		return computeBollingerPart(name, p, s)
	case VolumeMA:
		return computeVolumeMA(p, s)
	case VolumeRate:
		return computeVolumeRatio(p, s)
	default:
		return path{}, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
	}
}

func requirePeriod(p Params) error {
	if p.Period <= 0 {
		return fmt.Errorf("%w: period must be positive, got %d", ErrBadParams, p.Period)
	}
	return nil
}
