// Package normalizer converts raw bars from heterogeneous data sources
// into the canonical Series shape. It is a pure transform: callers own
// persistence. All numeric fields are coerced to fixed-precision decimals
// so downstream indicator math never sees cross-source float drift.
package normalizer

import (
	"errors"
	"fmt"
	"time"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// ErrDataIntegrity marks bad or inconsistent market data. A request that
// hits it fails fast: no partial signals are produced from a broken series.
var ErrDataIntegrity = errors.New("data integrity")

// DataIntegrityError describes why a raw record set was rejected.
type DataIntegrityError struct {
	Source     string
	Instrument string
	TS         int64 // offending record timestamp (source unit)
	Reason     string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s:%s ts=%d: %s", e.Source, e.Instrument, e.TS, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

// TSUnit is the epoch unit a source reports timestamps in.
type TSUnit string

const (
	UnitSeconds TSUnit = "s"
	UnitMillis  TSUnit = "ms"
)

// Schema describes how one source's raw bars map onto the canonical shape.
// Backend and source quirks live here as configuration, not type branches.
type Schema struct {
	TSUnit TSUnit `json:"ts_unit"`

	// PriceScale divides raw prices by 10^PriceScale. Sources that report
	// integer minor units (paise, satoshi ticks) set this; sources that
	// report plain decimal strings leave it zero.
	PriceScale int32 `json:"price_scale"`

	// VolumeScale is the volume counterpart of PriceScale.
	VolumeScale int32 `json:"volume_scale"`
}

// DefaultSchema covers sources that report epoch-millisecond timestamps
// and plain decimal strings, which is what most exchange REST APIs do.
func DefaultSchema() Schema {
	return Schema{TSUnit: UnitMillis}
}

// Normalize converts raw bars from a named source into a Series.
// Records must be in strictly increasing timestamp order for the
// instrument; duplicates and regressions fail with a DataIntegrityError.
// Gaps are fine — markets close.
func Normalize(source, instrument string, schema Schema, raws []model.RawBar) (*model.Series, error) {
	series := model.NewSeries(instrument, source)

	var prev int64
	for i, raw := range raws {
		if i > 0 && raw.TS <= prev {
			return nil, &DataIntegrityError{
				Source: source, Instrument: instrument, TS: raw.TS,
				Reason: fmt.Sprintf("non-monotonic timestamp (prev=%d)", prev),
			}
		}
		prev = raw.TS

		bar, err := normalizeBar(source, instrument, schema, raw)
		if err != nil {
			return nil, err
		}
		if err := series.Append(bar); err != nil {
			// Unreachable given the monotonicity check above, but the
			// series guards its own invariant too.
			return nil, &DataIntegrityError{
				Source: source, Instrument: instrument, TS: raw.TS, Reason: err.Error(),
			}
		}
	}
	return series, nil
}

// NormalizeBar converts a single raw bar. Live streams use it to fold
// forming bars without building a throwaway series.
func NormalizeBar(source, instrument string, schema Schema, raw model.RawBar) (model.Bar, error) {
	return normalizeBar(source, instrument, schema, raw)
}

func normalizeBar(source, instrument string, schema Schema, raw model.RawBar) (model.Bar, error) {
	ts, err := normalizeTS(schema.TSUnit, raw.TS)
	if err != nil {
		return model.Bar{}, &DataIntegrityError{
			Source: source, Instrument: instrument, TS: raw.TS, Reason: err.Error(),
		}
	}

	fields := [5]struct {
		name  string
		text  string
		scale int32
	}{
		{"open", raw.Open, schema.PriceScale},
		{"high", raw.High, schema.PriceScale},
		{"low", raw.Low, schema.PriceScale},
		{"close", raw.Close, schema.PriceScale},
		{"volume", raw.Volume, schema.VolumeScale},
	}

	var vals [5]decimal.Decimal
	for i, f := range fields {
		d, err := decimal.NewFromString(f.text)
		if err != nil {
			return model.Bar{}, &DataIntegrityError{
				Source: source, Instrument: instrument, TS: raw.TS,
				Reason: fmt.Sprintf("field %s: %q is not numeric", f.name, f.text),
			}
		}
		if f.scale != 0 {
			d = d.Shift(-f.scale)
		}
		vals[i] = d
	}

	open, high, low, close, volume := vals[0], vals[1], vals[2], vals[3], vals[4]
	for i, f := range fields[:4] {
		if vals[i].IsNegative() {
			return model.Bar{}, &DataIntegrityError{
				Source: source, Instrument: instrument, TS: raw.TS,
				Reason: fmt.Sprintf("field %s: negative price", f.name),
			}
		}
	}
	if volume.IsNegative() {
		return model.Bar{}, &DataIntegrityError{
			Source: source, Instrument: instrument, TS: raw.TS,
			Reason: "negative volume",
		}
	}
	if high.LessThan(low) {
		return model.Bar{}, &DataIntegrityError{
			Source: source, Instrument: instrument, TS: raw.TS,
			Reason: "high below low",
		}
	}

	return model.Bar{
		Instrument: instrument,
		TS:         ts,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      close,
		Volume:     volume,
	}, nil
}

func normalizeTS(unit TSUnit, raw int64) (time.Time, error) {
	if raw <= 0 {
		return time.Time{}, fmt.Errorf("non-positive timestamp %d", raw)
	}
	switch unit {
	case UnitSeconds:
		return time.Unix(raw, 0).UTC(), nil
	case UnitMillis, "":
		return time.UnixMilli(raw).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown timestamp unit %q", unit)
	}
}
