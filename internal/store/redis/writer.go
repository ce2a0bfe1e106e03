// Package redis caches normalized bars and publishes them to live
// subscribers. Redis is a warm cache in front of the data source
// clients: losing it degrades to refetching, never to wrong data.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"intent-trader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: enough daily bars for the longest indicator
	// window plus generous slack.
	barStreamMaxLen  = 2000
	defaultLatestTTL = 30 * time.Minute
)

// Config configures the Redis store.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Store writes normalized bars and signal snapshots to Redis.
type Store struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a Store and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return &Store{client: client}, nil
}

func barStreamKey(source, instrument string) string {
	return "bar:" + source + ":" + instrument
}

func barLatestKey(source, instrument string) string {
	return "bar:latest:" + source + ":" + instrument
}

func barPubSubChannel(source, instrument string) string {
	return "pub:bar:" + source + ":" + instrument
}

// WriteBar appends one normalized bar: XADD to the instrument's stream,
// SET of the latest snapshot, PUBLISH for live subscribers, all in one
// pipeline roundtrip.
func (s *Store) WriteBar(ctx context.Context, source string, bar model.Bar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("redis: marshal bar: %w", err)
	}
	jsonData := string(data)

	pipe := s.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: barStreamKey(source, bar.Instrument),
		MaxLen: barStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, barLatestKey(source, bar.Instrument), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, barPubSubChannel(source, bar.Instrument), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: bar pipeline %s:%s: %w", source, bar.Instrument, err)
	}
	return nil
}

// WriteSeries writes a whole normalized series in one pipeline. Used
// after a bulk fetch so the next request for the same instrument warms
// from Redis instead of the upstream API.
func (s *Store) WriteSeries(ctx context.Context, series *model.Series) error {
	pipe := s.client.Pipeline()
	stream := barStreamKey(series.Source, series.Instrument)
	for i := range series.Bars {
		data, err := json.Marshal(series.Bars[i])
		if err != nil {
			return fmt.Errorf("redis: marshal bar: %w", err)
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			MaxLen: barStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		})
	}
	if last, ok := series.Last(); ok {
		data, err := json.Marshal(last)
		if err != nil {
			return fmt.Errorf("redis: marshal bar: %w", err)
		}
		pipe.Set(ctx, barLatestKey(series.Source, series.Instrument), string(data), defaultLatestTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: series pipeline %s: %w", series.Key(), err)
	}
	return nil
}

// PublishSignal announces a signal on its rule's channel. Best effort.
func (s *Store) PublishSignal(ctx context.Context, sig model.Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		slog.Warn("redis: marshal signal", "err", err)
		return
	}
	if err := s.client.Publish(ctx, "pub:signal:"+sig.RuleName, string(data)).Err(); err != nil {
		slog.Warn("redis: publish signal", "rule", sig.RuleName, "err", err)
	}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
