package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"intent-trader/internal/model"
	"intent-trader/internal/ringbuf"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the live kline stream.
type StreamConfig struct {
	Source      string
	URL         string // websocket endpoint
	Instruments []string
	Timeframe   string
}

// Stream mirrors live bars into a ring buffer over a websocket
// subscription. The connection reconnects with linear backoff; the ring
// buffer absorbs bursts and drops (counted) under overload rather than
// blocking the reader.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer

	// Optional metrics hooks
	OnReconnect func()
	OnDrop      func()
}

func NewStream(cfg StreamConfig) *Stream {
	return &Stream{cfg: cfg, dialer: &websocket.Dialer{}}
}

type streamFrame struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Data    struct {
		TS     int64  `json:"t"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
	} `json:"data"`
}

// Run connects, subscribes, and pushes bars into ring until ctx is
// cancelled. Returns only on cancellation.
func (s *Stream) Run(ctx context.Context, ring *ringbuf.Ring) {
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			retry++
			if s.OnReconnect != nil {
				s.OnReconnect()
			}
			slog.Warn("stream dial failed", "source", s.cfg.Source, "attempt", retry, "err", err)
			if serr := sleepCtx(ctx, backoffDelay(retry)); serr != nil {
				return
			}
			continue
		}
		retry = 0

		if err := s.subscribe(conn); err != nil {
			slog.Warn("stream subscribe failed", "source", s.cfg.Source, "err", err)
			conn.Close()
			continue
		}
		slog.Info("stream connected", "source", s.cfg.Source, "instruments", len(s.cfg.Instruments))

		s.readLoop(ctx, conn, ring)
		conn.Close()
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
	}
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	for _, inst := range s.cfg.Instruments {
		err := conn.WriteJSON(map[string]any{
			"method": "sub.kline",
			"param":  map[string]string{"symbol": inst, "interval": s.cfg.Timeframe},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, ring *ringbuf.Ring) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = conn.WriteJSON(map[string]string{"method": "ping"})
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("stream read failed", "source", s.cfg.Source, "err", err)
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Channel != "push.kline" {
			continue
		}

		ok := ring.Push(model.StreamBar{
			Instrument: frame.Symbol,
			Source:     s.cfg.Source,
			Bar: model.RawBar{
				TS:     frame.Data.TS,
				Open:   frame.Data.Open,
				High:   frame.Data.High,
				Low:    frame.Data.Low,
				Close:  frame.Data.Close,
				Volume: frame.Data.Volume,
			},
		})
		if !ok && s.OnDrop != nil {
			s.OnDrop()
		}
	}
}

func backoffDelay(retry int) time.Duration {
	d := time.Duration(retry) * 300 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
