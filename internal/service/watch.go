package service

import (
	"context"
	"log/slog"
	"time"

	"intent-trader/internal/logger"
	"intent-trader/internal/model"
	"intent-trader/internal/normalizer"
	"intent-trader/internal/ringbuf"
	"intent-trader/internal/rule"
)

const drainInterval = 200 * time.Millisecond

// Watch consumes live bars from ring and re-evaluates the request's rule
// every time a bar closes. Streams repeat the forming bar on every tick;
// only a timestamp advance closes the previous one, so evaluation never
// sees a half-formed bar. Runs until ctx is cancelled.
func (s *Service) Watch(ctx context.Context, req model.StrategyRequest, ring *ringbuf.Ring) error {
	if req.RequestID == "" {
		req.RequestID = logger.GenerateRequestID("watch", time.Now())
	}
	ctx = logger.WithRequestID(ctx, req.RequestID)

	if err := s.validate(&req); err != nil {
		return err
	}
	r, err := s.resolveRule(&req)
	if err != nil {
		return err
	}

	lookback := req.Lookback
	if lookback == 0 {
		lookback = defaultLookback
	}

	// Seed each window with history so indicators are defined from the
	// first live bar instead of after a warmup period.
	seed, err := s.fetchAll(ctx, req.Instruments, req.Timeframe, lookback)
	if err != nil {
		return err
	}
	series := make(map[string]*model.Series, len(seed))
	for _, ser := range seed {
		series[ser.Instrument] = ser
	}

	pending := make(map[string]model.Bar, len(series))

	slog.Info("watching live feed",
		append(logger.WithRequest(ctx), "rule", r.Name,
			"instruments", len(series), "timeframe", req.Timeframe)...)

	tick := time.NewTicker(drainInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		closed := s.drain(ctx, ring, series, pending)
		for _, inst := range closed {
			s.evaluateLive(ctx, &req, r, series[inst])
		}
	}
}

// drain empties the ring, folding frames into the pending (forming) bar
// per instrument and appending bars that just closed. Returns the
// instruments that gained a closed bar.
func (s *Service) drain(ctx context.Context, ring *ringbuf.Ring,
	series map[string]*model.Series, pending map[string]model.Bar) []string {

	var closed []string
	for {
		sb, ok := ring.Pop()
		if !ok {
			return closed
		}
		ser, ok := series[sb.Instrument]
		if !ok {
			continue // not in this request's universe
		}
		schema, ok := s.schemas[sb.Source]
		if !ok {
			schema = normalizer.DefaultSchema()
		}
		bar, err := normalizer.NormalizeBar(sb.Source, sb.Instrument, schema, sb.Bar)
		if err != nil {
			s.metrics.BarsRejected.Inc()
			slog.Warn("live bar rejected",
				append(logger.WithRequest(ctx), "instrument", sb.Instrument, "err", err)...)
			continue
		}

		prev, has := pending[sb.Instrument]
		switch {
		case !has || bar.TS.Equal(prev.TS):
			pending[sb.Instrument] = bar
		case bar.TS.After(prev.TS):
			if last, ok := ser.Last(); !ok || prev.TS.After(last.TS) {
				if err := ser.Append(prev); err == nil {
					s.metrics.BarsNormalized.Inc()
					if s.store != nil {
						if err := s.store.WriteBar(ser.Source, prev); err != nil {
							slog.Debug("bar cache write failed",
								append(logger.WithRequest(ctx), "instrument", sb.Instrument, "err", err)...)
						}
					}
					closed = append(closed, sb.Instrument)
				}
			}
			pending[sb.Instrument] = bar
		default:
			// Stale frame from before a reconnect; the window already
			// moved past it.
		}
	}
}

func (s *Service) evaluateLive(ctx context.Context, req *model.StrategyRequest, r *rule.Rule, ser *model.Series) {
	sig, fired, err := r.Evaluate(&rule.Env{Series: ser, Indicators: s.engine})
	if err != nil {
		s.metrics.EvalErrorsTotal.Inc()
		slog.Warn("live evaluation failed",
			append(logger.WithRequest(ctx), "rule", r.Name, "instrument", ser.Instrument, "err", err)...)
		return
	}
	if !fired {
		return
	}
	sig.Sizing = req.Sizing
	s.metrics.SignalsTotal.WithLabelValues(r.Name).Inc()
	if s.store != nil {
		s.store.Underlying().PublishSignal(ctx, sig)
	}
	slog.Info("signal",
		append(logger.WithRequest(ctx), "rule", r.Name, "instrument", sig.Instrument,
			"direction", sig.Direction, "confidence", sig.Confidence, "price", sig.Price)...)

	if !req.Execute {
		return
	}
	order, err := s.executor.Execute(ctx, sig, req.Backend)
	if err != nil {
		slog.Error("live execution failed",
			append(logger.WithRequest(ctx), "instrument", sig.Instrument, "err", err)...)
		return
	}
	slog.Info("order placed",
		append(logger.WithRequest(ctx), "order", order.ID, "state", order.State)...)
}
