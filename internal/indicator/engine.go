package indicator

import (
	"sync"

	"intent-trader/internal/model"
)

// Engine computes indicators with a read-through cache keyed by
// (series identity + revision, indicator name, params). Repeated
// evaluation across overlapping rule sets in one request is O(1)
// amortized after the first computation.
//
// Safe for concurrent use: a cache-miss race converges to one stored
// result — losers wait for the winner instead of racing the map.
type Engine struct {
	mu       sync.Mutex
	cache    map[string][]model.IndicatorResult
	inflight map[string]chan struct{}

	// Optional counters for metrics wiring.
	OnHit  func()
	OnMiss func()
}

// NewEngine creates an indicator engine with an empty cache.
func NewEngine() *Engine {
	return &Engine{
		cache:    make(map[string][]model.IndicatorResult),
		inflight: make(map[string]chan struct{}),
	}
}

// Compute returns the indicator's value at every bar of the series,
// aligned by timestamp. Values before the trailing window is full are
// reported with Defined=false.
func (e *Engine) Compute(name string, p Params, s *model.Series) ([]model.IndicatorResult, error) {
	key := s.CacheKey() + "|" + name + "|" + p.Key()

	for {
		e.mu.Lock()
		if res, ok := e.cache[key]; ok {
			e.mu.Unlock()
			if e.OnHit != nil {
				e.OnHit()
			}
			return res, nil
		}
		if ch, ok := e.inflight[key]; ok {
			e.mu.Unlock()
			<-ch // another goroutine is computing this key
			continue
		}
		ch := make(chan struct{})
		e.inflight[key] = ch
		e.mu.Unlock()

		if e.OnMiss != nil {
			e.OnMiss()
		}
		res, err := e.computeResults(name, p, s)

		e.mu.Lock()
		delete(e.inflight, key)
		if err == nil {
			e.cache[key] = res
		}
		e.mu.Unlock()
		close(ch)

		return res, err
	}
}

func (e *Engine) computeResults(name string, p Params, s *model.Series) ([]model.IndicatorResult, error) {
	pth, err := compute(name, p, s)
	if err != nil {
		return nil, err
	}
	paramKey := p.Key()
	results := make([]model.IndicatorResult, len(s.Bars))
	for i, b := range s.Bars {
		results[i] = model.IndicatorResult{
			Name:       name,
			Params:     paramKey,
			Instrument: s.Instrument,
			TS:         b.TS,
			Value:      pth.values[i],
			Defined:    pth.defined[i],
		}
	}
	return results, nil
}
