// Package feed supplies raw market bars: a REST client for historical
// klines and a websocket stream for live updates. Everything leaves this
// package as model.RawBar; normalization happens downstream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"intent-trader/internal/model"
)

// RESTConfig configures the kline REST provider.
type RESTConfig struct {
	Source  string // source name used for schema lookup, e.g. "mexc"
	BaseURL string
	Timeout time.Duration // default 10s
}

// RESTProvider fetches historical klines over HTTP. Implements
// model.BarProvider.
type RESTProvider struct {
	cfg  RESTConfig
	http *http.Client
}

func NewRESTProvider(cfg RESTConfig) *RESTProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTProvider{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *RESTProvider) Name() string { return p.cfg.Source }

// Bars fetches up to limit most-recent bars. The exchange returns
// klines as positional arrays; numeric fields are kept as the strings
// the exchange sent.
func (p *RESTProvider) Bars(ctx context.Context, instrument, timeframe string, limit int) ([]model.RawBar, error) {
	q := url.Values{}
	q.Set("symbol", instrument)
	q.Set("interval", timeframe)
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.BaseURL+"/api/v1/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed %s: build request: %w", p.cfg.Source, err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed %s: klines %s: %w", p.cfg.Source, instrument, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("feed %s: klines %s: http %d: %s",
			p.cfg.Source, instrument, resp.StatusCode, string(body))
	}

	// [[ts, open, high, low, close, volume], ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("feed %s: klines %s: malformed payload: %w", p.cfg.Source, instrument, err)
	}

	bars := make([]model.RawBar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("feed %s: klines %s: row %d has %d fields", p.cfg.Source, instrument, i, len(row))
		}
		var bar model.RawBar
		if err := json.Unmarshal(row[0], &bar.TS); err != nil {
			return nil, fmt.Errorf("feed %s: klines %s: row %d ts: %w", p.cfg.Source, instrument, i, err)
		}
		for j, dst := range []*string{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume} {
			if err := unmarshalNumericString(row[j+1], dst); err != nil {
				return nil, fmt.Errorf("feed %s: klines %s: row %d field %d: %w", p.cfg.Source, instrument, i, j+1, err)
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// unmarshalNumericString accepts both "123.45" and bare 123.45, since
// exchanges disagree on whether kline fields are quoted.
func unmarshalNumericString(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err == nil {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*dst = n.String()
	return nil
}
