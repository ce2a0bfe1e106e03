// Package service validates structured strategy requests and runs them
// through the pipeline: fetch, normalize, evaluate, execute. Each request
// is an independent unit; concurrent requests share only the indicator
// cache and the executor.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"intent-trader/internal/execution"
	"intent-trader/internal/indicator"
	"intent-trader/internal/logger"
	"intent-trader/internal/metrics"
	"intent-trader/internal/model"
	"intent-trader/internal/normalizer"
	"intent-trader/internal/rule"
	redisstore "intent-trader/internal/store/redis"
)

// ErrInvalidRequest marks a malformed strategy request, rejected before
// any data is fetched.
var ErrInvalidRequest = errors.New("invalid request")

// InvalidRequestError carries the specific validation failure.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

// Service orchestrates strategy requests.
type Service struct {
	provider model.BarProvider
	schemas  map[string]normalizer.Schema
	engine   *indicator.Engine
	executor *execution.Executor
	store    *redisstore.BufferedStore // optional warm cache
	metrics  *metrics.Metrics
}

// New wires a Service. store may be nil when Redis is not configured.
func New(provider model.BarProvider, schemas map[string]normalizer.Schema,
	engine *indicator.Engine, executor *execution.Executor,
	store *redisstore.BufferedStore, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		schemas:  schemas,
		engine:   engine,
		executor: executor,
		store:    store,
		metrics:  m,
	}
}

const (
	defaultLookback = 200
	maxInstruments  = 100
)

func (s *Service) validate(req *model.StrategyRequest) error {
	if len(req.Instruments) == 0 {
		return &InvalidRequestError{Field: "instruments", Reason: "must name at least one instrument"}
	}
	if len(req.Instruments) > maxInstruments {
		return &InvalidRequestError{Field: "instruments", Reason: fmt.Sprintf("at most %d instruments", maxInstruments)}
	}
	seen := make(map[string]bool, len(req.Instruments))
	for _, inst := range req.Instruments {
		if inst == "" {
			return &InvalidRequestError{Field: "instruments", Reason: "empty instrument id"}
		}
		if seen[inst] {
			return &InvalidRequestError{Field: "instruments", Reason: "duplicate instrument " + inst}
		}
		seen[inst] = true
	}
	if req.Timeframe == "" {
		return &InvalidRequestError{Field: "timeframe", Reason: "required"}
	}
	if req.Lookback < 0 {
		return &InvalidRequestError{Field: "lookback", Reason: "must be non-negative"}
	}
	if (req.Rule == "") == (len(req.RuleTree) == 0) {
		return &InvalidRequestError{Field: "rule", Reason: "exactly one of rule or rule_tree must be set"}
	}
	switch req.Direction {
	case model.DirectionBuy, model.DirectionSell:
	case model.DirectionHold, "":
		if req.Execute {
			return &InvalidRequestError{Field: "direction", Reason: "execution requires BUY or SELL"}
		}
	default:
		return &InvalidRequestError{Field: "direction", Reason: "unknown direction " + string(req.Direction)}
	}
	if req.Execute {
		if req.Backend == "" {
			return &InvalidRequestError{Field: "backend", Reason: "required when execute is set"}
		}
		switch req.Sizing.Kind {
		case model.SizeFixed, model.SizeNotional, model.SizeGrid:
		default:
			return &InvalidRequestError{Field: "sizing", Reason: "unknown sizing kind " + string(req.Sizing.Kind)}
		}
	}
	return nil
}

func (s *Service) resolveRule(req *model.StrategyRequest) (*rule.Rule, error) {
	dir := req.Direction
	if dir == "" {
		dir = model.DirectionHold
	}
	if req.Rule != "" {
		r, err := rule.Builtin(req.Rule, dir)
		if err != nil {
			return nil, &InvalidRequestError{Field: "rule", Reason: err.Error()}
		}
		return r, nil
	}
	root, err := rule.Parse(req.RuleTree)
	if err != nil {
		return nil, &InvalidRequestError{Field: "rule_tree", Reason: err.Error()}
	}
	return &rule.Rule{Name: "inline", Version: 1, Direction: dir, Root: root}, nil
}

// HandleRequest runs one strategy request end to end. Validation and
// data-integrity failures fail the whole request; everything downstream
// is partial success per instrument.
func (s *Service) HandleRequest(ctx context.Context, req model.StrategyRequest) (model.StrategyResponse, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = logger.GenerateRequestID("req", start)
	}
	ctx = logger.WithRequestID(ctx, req.RequestID)

	if err := s.validate(&req); err != nil {
		s.metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return model.StrategyResponse{RequestID: req.RequestID}, err
	}
	r, err := s.resolveRule(&req)
	if err != nil {
		s.metrics.RequestsTotal.WithLabelValues("invalid").Inc()
		return model.StrategyResponse{RequestID: req.RequestID}, err
	}

	lookback := req.Lookback
	if lookback == 0 {
		lookback = defaultLookback
	}

	series, err := s.fetchAll(ctx, req.Instruments, req.Timeframe, lookback)
	if err != nil {
		if errors.Is(err, normalizer.ErrDataIntegrity) {
			s.metrics.RequestsTotal.WithLabelValues("data_error").Inc()
		} else {
			s.metrics.RequestsTotal.WithLabelValues("fetch_error").Inc()
		}
		return model.StrategyResponse{RequestID: req.RequestID}, err
	}

	outcome := r.EvaluateUniverse(ctx, series, s.engine)
	s.metrics.EvalErrorsTotal.Add(float64(len(outcome.Errors)))
	for range outcome.Signals {
		s.metrics.SignalsTotal.WithLabelValues(r.Name).Inc()
	}

	resp := s.buildResponse(ctx, &req, r, series, outcome)
	s.metrics.RequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.RequestDur.Observe(time.Since(start).Seconds())
	return resp, nil
}

// fetchAll pulls and normalizes every instrument's bars. An integrity
// failure anywhere fails the request: evaluating a universe against
// partly corrupt data would rank clean instruments against garbage.
func (s *Service) fetchAll(ctx context.Context, instruments []string, timeframe string, lookback int) ([]*model.Series, error) {
	source := s.provider.Name()
	schema, ok := s.schemas[source]
	if !ok {
		schema = normalizer.DefaultSchema()
	}

	series := make([]*model.Series, 0, len(instruments))
	for _, inst := range instruments {
		raws, err := s.provider.Bars(ctx, inst, timeframe, lookback)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", inst, err)
		}
		ser, err := normalizer.Normalize(source, inst, schema, raws)
		if err != nil {
			s.metrics.BarsRejected.Inc()
			return nil, err
		}
		s.metrics.BarsNormalized.Add(float64(ser.Len()))

		if s.store != nil {
			// Warm cache; a Redis failure only costs the next fetch.
			if err := s.store.Underlying().WriteSeries(ctx, ser); err != nil {
				slog.Warn("series cache write failed",
					append(logger.WithRequest(ctx), "instrument", inst, "err", err)...)
			}
		}
		series = append(series, ser)
	}
	return series, nil
}

func (s *Service) buildResponse(ctx context.Context, req *model.StrategyRequest, r *rule.Rule,
	series []*model.Series, outcome rule.Outcome) model.StrategyResponse {

	resp := model.StrategyResponse{RequestID: req.RequestID, Rule: r.Name}

	signalled := make(map[string]model.Signal, len(outcome.Signals))
	for _, sig := range outcome.Signals {
		sig.Sizing = req.Sizing
		signalled[sig.Instrument] = sig
	}

	maxOrders := req.MaxOrders
	if maxOrders <= 0 {
		maxOrders = 1
	}
	executed := 0

	// Signals execute in ranked order; instruments report in request order.
	orders := make(map[string]model.InstrumentStatus, len(outcome.Signals))
	if req.Execute {
		for _, ranked := range outcome.Signals {
			sig := signalled[ranked.Instrument]
			if executed >= maxOrders {
				orders[sig.Instrument] = model.InstrumentStatus{
					Instrument: sig.Instrument, Status: "skipped",
					Signal: &sig, Reason: "max orders reached",
				}
				continue
			}
			order, err := s.executor.Execute(ctx, sig, req.Backend)
			if err != nil {
				st := model.InstrumentStatus{
					Instrument: sig.Instrument, Status: "execution_failed",
					Signal: &sig, Reason: err.Error(),
				}
				if order.ID != "" {
					st.Order = &order
				}
				orders[sig.Instrument] = st
				continue
			}
			executed++
			orders[sig.Instrument] = model.InstrumentStatus{
				Instrument: sig.Instrument, Status: "executed",
				Signal: &sig, Order: &order,
			}
		}
	}

	for _, ser := range series {
		inst := ser.Instrument
		switch {
		case orders[inst].Status != "":
			resp.Instruments = append(resp.Instruments, orders[inst])
		case outcome.Errors[inst] != nil:
			resp.Instruments = append(resp.Instruments, model.InstrumentStatus{
				Instrument: inst, Status: "error", Reason: outcome.Errors[inst].Error(),
			})
		default:
			if sig, ok := signalled[inst]; ok {
				resp.Instruments = append(resp.Instruments, model.InstrumentStatus{
					Instrument: inst, Status: "signal", Signal: &sig,
				})
			} else {
				resp.Instruments = append(resp.Instruments, model.InstrumentStatus{
					Instrument: inst, Status: "no_signal",
				})
			}
		}
	}
	return resp
}
