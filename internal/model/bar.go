// Package model defines the canonical data types shared across the core:
// bars, series, indicator results, signals, orders, and ledger records.
// All prices and quantities use fixed-precision decimals so that results
// are reproducible regardless of which data source produced them.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV observation for an instrument at a timestamp.
// Immutable once created.
type Bar struct {
	Instrument string          `json:"instrument"`
	TS         time.Time       `json:"ts"` // UTC
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// Series is an ordered sequence of bars for one instrument from a single
// normalized source. Timestamps are strictly increasing and gap-tolerant;
// the series is append-only during a session.
type Series struct {
	Instrument string `json:"instrument"`
	Source     string `json:"source"`
	Bars       []Bar  `json:"bars"`

	// Revision increments on every append and is part of the indicator
	// cache key, so stale cache entries never shadow new data.
	Revision uint64 `json:"revision"`
}

// NewSeries creates an empty series for an instrument/source pair.
func NewSeries(instrument, source string) *Series {
	return &Series{Instrument: instrument, Source: source}
}

// Append adds a bar to the series. The bar's timestamp must be strictly
// after the last bar's; equal or earlier timestamps are rejected.
func (s *Series) Append(b Bar) error {
	if n := len(s.Bars); n > 0 && !b.TS.After(s.Bars[n-1].TS) {
		return fmt.Errorf("series %s: bar at %s is not after last bar %s",
			s.Key(), b.TS.Format(time.RFC3339), s.Bars[n-1].TS.Format(time.RFC3339))
	}
	s.Bars = append(s.Bars, b)
	s.Revision++
	return nil
}

// Key returns a unique identity for this series: "source:instrument".
func (s *Series) Key() string {
	return s.Source + ":" + s.Instrument
}

// CacheKey returns the series identity at its current revision, used to
// key cached indicator results.
func (s *Series) CacheKey() string {
	return s.Key() + "@" + Utoa(s.Revision)
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.Bars) }

// Last returns the most recent bar, or false if the series is empty.
func (s *Series) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}
