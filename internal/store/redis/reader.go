package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"intent-trader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// RecentBars reads up to limit most-recent bars from an instrument's
// stream, oldest first. Returns an empty slice when the stream does not
// exist, so a cold cache reads as "no data" rather than an error.
func (s *Store) RecentBars(ctx context.Context, source, instrument string, limit int) ([]model.Bar, error) {
	msgs, err := s.client.XRevRangeN(ctx, barStreamKey(source, instrument), "+", "-", int64(limit)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xrevrange %s:%s: %w", source, instrument, err)
	}

	bars := make([]model.Bar, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var bar model.Bar
		if err := json.Unmarshal([]byte(raw), &bar); err != nil {
			return nil, fmt.Errorf("redis: corrupt bar in %s:%s: %w", source, instrument, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// LatestBar reads the latest-bar snapshot. The second result is false
// when no snapshot exists or it has expired.
func (s *Store) LatestBar(ctx context.Context, source, instrument string) (model.Bar, bool, error) {
	raw, err := s.client.Get(ctx, barLatestKey(source, instrument)).Result()
	if err != nil {
		if err == goredis.Nil {
			return model.Bar{}, false, nil
		}
		return model.Bar{}, false, fmt.Errorf("redis: get latest %s:%s: %w", source, instrument, err)
	}

	var bar model.Bar
	if err := json.Unmarshal([]byte(raw), &bar); err != nil {
		return model.Bar{}, false, fmt.Errorf("redis: corrupt latest bar %s:%s: %w", source, instrument, err)
	}
	return bar, true, nil
}

// SubscribeBars subscribes to live bar publishes for the instruments
// and delivers them on the returned channel until ctx is cancelled.
func (s *Store) SubscribeBars(ctx context.Context, source string, instruments []string) <-chan model.Bar {
	channels := make([]string, len(instruments))
	for i, inst := range instruments {
		channels[i] = barPubSubChannel(source, inst)
	}
	sub := s.client.Subscribe(ctx, channels...)

	out := make(chan model.Bar, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var bar model.Bar
				if err := json.Unmarshal([]byte(msg.Payload), &bar); err != nil {
					continue
				}
				select {
				case out <- bar:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
