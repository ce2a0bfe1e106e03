package rule

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"intent-trader/internal/indicator"
	"intent-trader/internal/logger"
	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

var errEmptySeries = errors.New("empty series")

// Rule is a named, versioned decision tree with a trade direction.
type Rule struct {
	Name      string
	Version   int
	Direction model.Direction
	Root      Node
}

// Outcome is the result of evaluating one rule across a universe:
// signals ranked by confidence, plus per-instrument failures. A failed
// instrument never blocks the others.
type Outcome struct {
	Signals []model.Signal
	Errors  map[string]error
}

// Evaluate runs the rule against a single instrument's series and
// returns a signal when the tree is definitely true. Indeterminate and
// false both yield no signal; only the tree result distinguishes them
// in logs.
func (r *Rule) Evaluate(env *Env) (model.Signal, bool, error) {
	if env.Series == nil || env.Series.Len() == 0 {
		instrument := ""
		if env.Series != nil {
			instrument = env.Series.Instrument
		}
		return model.Signal{}, false, &EvaluationError{
			Instrument: instrument,
			Rule:       r.Name,
			Err:        errEmptySeries,
		}
	}

	v, err := r.Root.Eval(env)
	if err != nil {
		return model.Signal{}, false, &EvaluationError{
			Instrument: env.Series.Instrument,
			Rule:       r.Name,
			Err:        err,
		}
	}
	if v != True {
		return model.Signal{}, false, nil
	}

	last, _ := env.Series.Last()
	sig := model.Signal{
		ID:          model.NewSignalID(r.Name, env.Series.Instrument, last.TS),
		Instrument:  env.Series.Instrument,
		Direction:   r.Direction,
		Confidence:  r.confidence(env),
		Price:       last.Close,
		Volume:      last.Volume,
		RuleName:    r.Name,
		RuleVersion: r.Version,
		TS:          last.TS,
	}
	return sig, true, nil
}

// confidence is the fraction of leaf predicates whose truth supports
// the fired rule at the evaluation bar. A leaf under an odd number of
// negations counts by its negated value, so not(close > x) firing
// reports full confidence, not zero. The tree being true guarantees at
// least the short-circuited path held, so the result is in (0, 1].
func (r *Rule) confidence(env *Env) decimal.Decimal {
	sat, total := leafSupport(r.Root, env, false)
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(sat)).
		DivRound(decimal.NewFromInt(int64(total)), 8)
}

func leafSupport(n Node, env *Env, negated bool) (sat, total int) {
	switch node := n.(type) {
	case *Predicate:
		v, err := node.Eval(env)
		if negated {
			v = v.Not()
		}
		if err == nil && v == True {
			return 1, 1
		}
		return 0, 1
	case *Combinator:
		if node.Kind == Not {
			negated = !negated
		}
		for _, child := range node.Children {
			s, t := leafSupport(child, env, negated)
			sat += s
			total += t
		}
		return sat, total
	default:
		return 0, 0
	}
}

// EvaluateUniverse evaluates the rule over every series concurrently.
// Signals come back sorted by confidence descending, then bar volume
// descending, then instrument ascending, so the ordering is stable for
// identical inputs.
func (r *Rule) EvaluateUniverse(ctx context.Context, series []*model.Series, eng *indicator.Engine) Outcome {
	out := Outcome{Errors: make(map[string]error)}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	start := time.Now()
	for _, s := range series {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := &Env{Series: s, Indicators: eng}
			sig, ok, err := r.Evaluate(env)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors[s.Instrument] = err
				return
			}
			if ok {
				out.Signals = append(out.Signals, sig)
			}
		}()
	}
	wg.Wait()

	sort.Slice(out.Signals, func(i, j int) bool {
		a, b := out.Signals[i], out.Signals[j]
		if !a.Confidence.Equal(b.Confidence) {
			return a.Confidence.GreaterThan(b.Confidence)
		}
		if !a.Volume.Equal(b.Volume) {
			return a.Volume.GreaterThan(b.Volume)
		}
		return a.Instrument < b.Instrument
	})

	slog.Info("rule evaluated",
		append(logger.WithRequest(ctx),
			"rule", r.Name,
			"instruments", len(series),
			"signals", len(out.Signals),
			"errors", len(out.Errors),
			"duration_ms", time.Since(start).Milliseconds())...)
	return out
}
