package model

// RawBar is an unnormalized OHLCV record as delivered by a data source
// client. Numeric fields stay strings until the normalizer coerces them
// to decimals, preserving whatever precision the source emitted.
type RawBar struct {
	TS     int64  `json:"ts"` // epoch, unit per source schema
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// StreamBar is one live bar as it arrives off a market data stream,
// before normalization.
type StreamBar struct {
	Instrument string
	Source     string
	Bar        RawBar
}
