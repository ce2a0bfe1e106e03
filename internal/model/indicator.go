package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IndicatorResult is one indicator value at one bar of a series.
// Defined is false until enough history exists for the indicator's
// trailing window; an undefined value is never reported as zero.
type IndicatorResult struct {
	Name       string          `json:"name"`   // e.g. "ema"
	Params     string          `json:"params"` // canonical parameter string, e.g. "period=20"
	Instrument string          `json:"instrument"`
	TS         time.Time       `json:"ts"`
	Value      decimal.Decimal `json:"value"`
	Defined    bool            `json:"defined"`
}
