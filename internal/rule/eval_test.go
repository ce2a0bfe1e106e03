package rule

import (
	"context"
	"errors"
	"testing"
	"time"

	"intent-trader/internal/indicator"
	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

func mkSeries(instrument string, volume int64, closes ...string) *model.Series {
	s := model.NewSeries(instrument, "test")
	for i, c := range closes {
		d := decimal.RequireFromString(c)
		_ = s.Append(model.Bar{
			Instrument: instrument,
			TS:         time.UnixMilli(int64(i+1) * 60000).UTC(),
			Open:       d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(volume),
		})
	}
	return s
}

func env(s *model.Series) *Env {
	return &Env{Series: s, Indicators: indicator.NewEngine()}
}

func constOp(v string) Operand { return Operand{Const: v} }

func TestPredicate_Comparisons(t *testing.T) {
	e := env(mkSeries("A", 100, "10"))
	cases := []struct {
		op   CmpOp
		l, r string
		want Tristate
	}{
		{GT, "2", "1", True},
		{GT, "1", "2", False},
		{GE, "2", "2", True},
		{LT, "1", "2", True},
		{LE, "3", "2", False},
		{EQ, "2", "2.0", True},
	}
	for _, c := range cases {
		p := &Predicate{Left: constOp(c.l), Op: c.op, Right: constOp(c.r)}
		got, err := p.Eval(e)
		if err != nil {
			t.Fatalf("%s %s %s: %v", c.l, c.op, c.r, err)
		}
		if got != c.want {
			t.Errorf("%s %s %s = %v, want %v", c.l, c.op, c.r, got, c.want)
		}
	}
}

func TestPredicate_UndefinedIsIndeterminate(t *testing.T) {
	// SMA(3) over 3 bars is defined only at the last bar; comparing it
	// there works, but one bar back it is undefined.
	s := mkSeries("A", 100, "1", "2", "3")
	p := &Predicate{
		Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 3}, Offset: 1},
		Op:    GT,
		Right: constOp("0"),
	}
	got, err := p.Eval(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if got != Indeterminate {
		t.Errorf("undefined operand must be indeterminate, got %v", got)
	}
}

func TestPredicate_CrossFiresWhereIndicatorBecomesDefined(t *testing.T) {
	// SMA(3) becomes defined on the final bar, already above the
	// constant. The undefined previous value counts as "was not
	// above", so the cross fires there instead of never.
	s := mkSeries("A", 100, "1", "2", "9")
	p := &Predicate{
		Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 3}},
		Op:    CrossAbove,
		Right: constOp("2"),
	}
	got, err := p.Eval(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if got != True {
		t.Errorf("cross on the first defined bar must fire, got %v", got)
	}
}

func TestPredicate_CrossUndefinedAtEvalBar(t *testing.T) {
	// SMA(3) resolves nothing on a two-bar series: indeterminate, not
	// false.
	s := mkSeries("A", 100, "1", "2")
	p := &Predicate{
		Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 3}},
		Op:    CrossAbove,
		Right: constOp("2"),
	}
	got, err := p.Eval(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if got != Indeterminate {
		t.Errorf("cross with an undefined side must be indeterminate, got %v", got)
	}
}

func TestPredicate_GoldenCrossAtBarTwenty(t *testing.T) {
	// Fifteen descending closes, then a five-bar spike: SMA(5) over
	// SMA(20) crosses exactly when the slow average first exists. At
	// bar 20 SMA(5) is 100 and SMA(20) is 94.75; every earlier bar has
	// the slow side undefined, so no earlier signal is possible.
	closes := []string{
		"100", "99", "98", "97", "96", "95", "94", "93", "92", "91",
		"90", "89", "88", "87", "86",
		"90", "95", "100", "105", "110",
	}
	p := &Predicate{
		Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 5}},
		Op:    CrossAbove,
		Right: Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 20}},
	}

	for n := 1; n <= len(closes); n++ {
		s := mkSeries("A", 100, closes[:n]...)
		got, err := p.Eval(env(s))
		if err != nil {
			t.Fatalf("bar %d: %v", n, err)
		}
		want := Indeterminate
		if n == 20 {
			want = True
		}
		if got != want {
			t.Errorf("bar %d: got %v, want %v", n, got, want)
		}
	}
}

func TestPredicate_GoldenCross(t *testing.T) {
	// SMA(2) at the last two bars: 7.5 then 9.5; SMA(3): 8 then 9.
	// Fast moves from below to above -> cross fires exactly here.
	s := mkSeries("A", 100, "10", "9", "8", "7", "12")
	fast := Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 2}}
	slow := Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 3}}

	up := &Predicate{Left: fast, Op: CrossAbove, Right: slow}
	got, err := up.Eval(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if got != True {
		t.Errorf("golden cross = %v, want true", got)
	}

	down := &Predicate{Left: fast, Op: CrossBelow, Right: slow}
	if got, _ := down.Eval(env(s)); got != False {
		t.Errorf("death cross on the same bars = %v, want false", got)
	}
}

func TestCombinator_ShortCircuit(t *testing.T) {
	bad := &Predicate{Left: Operand{Indicator: "vwap"}, Op: GT, Right: constOp("0")}
	falseP := &Predicate{Left: constOp("1"), Op: GT, Right: constOp("2")}
	trueP := &Predicate{Left: constOp("2"), Op: GT, Right: constOp("1")}

	e := env(mkSeries("A", 100, "1"))

	all := &Combinator{Kind: All, Children: []Node{falseP, bad}}
	if got, err := all.Eval(e); err != nil || got != False {
		t.Errorf("all must stop at definite false: got %v, err %v", got, err)
	}
	any := &Combinator{Kind: Any, Children: []Node{trueP, bad}}
	if got, err := any.Eval(e); err != nil || got != True {
		t.Errorf("any must stop at definite true: got %v, err %v", got, err)
	}
	// No short-circuit available: the error surfaces.
	if _, err := (&Combinator{Kind: All, Children: []Node{trueP, bad}}).Eval(e); err == nil {
		t.Error("unreached error child must surface when not short-circuited")
	}
}

func TestCombinator_IndeterminateNeverFalse(t *testing.T) {
	trueP := &Predicate{Left: constOp("2"), Op: GT, Right: constOp("1")}
	indet := &Predicate{
		Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 10}},
		Op:    GT,
		Right: constOp("0"),
	}
	e := env(mkSeries("A", 100, "1", "2")) // too short for SMA(10)

	if got, err := (&Combinator{Kind: All, Children: []Node{trueP, indet}}).Eval(e); err != nil || got != Indeterminate {
		t.Errorf("all(true, indet) = %v, want indeterminate", got)
	}
	if got, err := (&Combinator{Kind: Not, Children: []Node{indet}}).Eval(e); err != nil || got != Indeterminate {
		t.Errorf("not(indet) = %v, want indeterminate", got)
	}
}

func TestParse_WireFormat(t *testing.T) {
	raw := []byte(`{
		"all": [
			{"left": {"field": "close"}, "op": "gt", "right": {"const": "5"}},
			{"not": {"any": [
				{"left": {"indicator": "rsi", "params": {"period": 2}}, "op": "ge", "right": {"const": "70"}}
			]}}
		]
	}`)
	node, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, ok := node.(*Combinator)
	if !ok || c.Kind != All || len(c.Children) != 2 {
		t.Fatalf("unexpected tree shape: %#v", node)
	}
	if _, ok := c.Children[0].(*Predicate); !ok {
		t.Error("first child must be a predicate")
	}
	inner, ok := c.Children[1].(*Combinator)
	if !ok || inner.Kind != Not {
		t.Fatalf("second child must be a not combinator")
	}

	// The parsed tree must evaluate: close=10 > 5 and RSI undefined on
	// flat data -> indeterminate inside the not -> all is indeterminate.
	got, err := node.Eval(env(mkSeries("A", 100, "10", "10", "10")))
	if err != nil {
		t.Fatal(err)
	}
	if got != Indeterminate {
		t.Errorf("parsed tree = %v, want indeterminate", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, raw := range []string{
		`{"left": {"const": "1"}, "op": "gt"}`, // missing right
		`{}`,
		`{"all": [{"bogus": 1}]}`,
		`not json`,
	} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%s) must fail", raw)
		}
	}
}

func TestRule_EvaluateSignal(t *testing.T) {
	r := &Rule{
		Name: "test_breakout", Version: 3, Direction: model.DirectionBuy,
		Root: &Combinator{Kind: Any, Children: []Node{
			&Predicate{Left: constOp("2"), Op: GT, Right: constOp("1")},
			&Predicate{Left: constOp("1"), Op: GT, Right: constOp("2")},
		}},
	}
	s := mkSeries("BTC_USDT", 500, "10", "11")
	sig, ok, err := r.Evaluate(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Instrument != "BTC_USDT" || sig.Direction != model.DirectionBuy {
		t.Errorf("signal identity wrong: %+v", sig)
	}
	if sig.RuleName != "test_breakout" || sig.RuleVersion != 3 {
		t.Errorf("signal rule metadata wrong: %+v", sig)
	}
	if !sig.Price.Equal(decimal.NewFromInt(11)) {
		t.Errorf("price = %s, want last close 11", sig.Price)
	}
	// One of two leaves is definitely true.
	if !sig.Confidence.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("confidence = %s, want 0.5", sig.Confidence)
	}
	// Deterministic id: same rule, instrument, bar -> same id.
	sig2, _, _ := r.Evaluate(env(s))
	if sig.ID != sig2.ID {
		t.Errorf("signal id not deterministic: %s vs %s", sig.ID, sig2.ID)
	}
}

func TestRule_ConfidenceUnderNegation(t *testing.T) {
	// not(close > 100) with close 10 fires, and the leaf supports the
	// rule through its negation: confidence is 1, not 0.
	r := &Rule{
		Name: "not_overextended", Version: 1, Direction: model.DirectionBuy,
		Root: &Combinator{Kind: Not, Children: []Node{
			&Predicate{Left: Operand{Field: "close"}, Op: GT, Right: constOp("100")},
		}},
	}
	s := mkSeries("BTC_USDT", 500, "10")
	sig, ok, err := r.Evaluate(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a signal")
	}
	if !sig.Confidence.Equal(decimal.NewFromInt(1)) {
		t.Errorf("confidence = %s, want 1", sig.Confidence)
	}

	// Mixed parity: the negated leaf does not support, the plain leaf
	// does.
	r.Root = &Combinator{Kind: Any, Children: []Node{
		&Combinator{Kind: Not, Children: []Node{
			&Predicate{Left: Operand{Field: "close"}, Op: GT, Right: constOp("5")},
		}},
		&Predicate{Left: Operand{Field: "close"}, Op: GT, Right: constOp("5")},
	}}
	sig, ok, err = r.Evaluate(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a signal")
	}
	if !sig.Confidence.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("confidence = %s, want 0.5", sig.Confidence)
	}
}

func TestRule_NoSignalOnIndeterminate(t *testing.T) {
	r := &Rule{
		Name: "warmup", Version: 1, Direction: model.DirectionBuy,
		Root: &Predicate{
			Left:  Operand{Indicator: indicator.SMA, Params: indicator.Params{Period: 50}},
			Op:    GT,
			Right: constOp("0"),
		},
	}
	_, ok, err := r.Evaluate(env(mkSeries("A", 100, "1", "2", "3")))
	if err != nil {
		t.Fatalf("indeterminate is not an error: %v", err)
	}
	if ok {
		t.Error("indeterminate tree must not signal")
	}
}

func TestRule_EvaluationErrors(t *testing.T) {
	r := &Rule{
		Name: "broken", Version: 1, Direction: model.DirectionBuy,
		Root: &Predicate{Left: Operand{Indicator: "vwap"}, Op: GT, Right: constOp("0")},
	}
	_, _, err := r.Evaluate(env(mkSeries("A", 100, "1")))
	if !errors.Is(err, ErrRuleEvaluation) {
		t.Errorf("unknown indicator must wrap ErrRuleEvaluation, got %v", err)
	}
	var ee *EvaluationError
	if !errors.As(err, &ee) || ee.Instrument != "A" {
		t.Errorf("error lost instrument: %v", err)
	}

	_, _, err = r.Evaluate(env(model.NewSeries("B", "test")))
	if !errors.Is(err, ErrRuleEvaluation) {
		t.Errorf("empty series must wrap ErrRuleEvaluation, got %v", err)
	}
}

func TestEvaluateUniverse_RankingAndIsolation(t *testing.T) {
	// Rule: any(close > 5, close > 100). For closes of 10 both leaves
	// split; push one instrument's close above 100 to raise confidence.
	r := &Rule{
		Name: "rank", Version: 1, Direction: model.DirectionBuy,
		Root: &Combinator{Kind: Any, Children: []Node{
			&Predicate{Left: Operand{Field: "close"}, Op: GT, Right: constOp("5")},
			&Predicate{Left: Operand{Field: "close"}, Op: GT, Right: constOp("100")},
		}},
	}

	series := []*model.Series{
		mkSeries("LOWVOL", 100, "10"),  // confidence 0.5
		mkSeries("BIG", 100, "200"),    // confidence 1.0
		mkSeries("HIGHVOL", 900, "10"), // confidence 0.5, more volume
		mkSeries("QUIET", 100, "1"),    // no signal
		model.NewSeries("EMPTY", "test"), // per-instrument error
	}

	out := r.EvaluateUniverse(context.Background(), series, indicator.NewEngine())

	if len(out.Signals) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(out.Signals))
	}
	order := []string{"BIG", "HIGHVOL", "LOWVOL"}
	for i, want := range order {
		if out.Signals[i].Instrument != want {
			t.Errorf("rank %d = %s, want %s", i, out.Signals[i].Instrument, want)
		}
	}
	if len(out.Errors) != 1 || out.Errors["EMPTY"] == nil {
		t.Errorf("expected exactly the EMPTY error, got %v", out.Errors)
	}
}

func TestBuiltin(t *testing.T) {
	names := []string{"ma_cross", "macd_cross", "rsi_reversal",
		"breakout_bollinger", "breakout_high_low", "breakout_volume"}
	for _, name := range names {
		r, err := Builtin(name, model.DirectionBuy)
		if err != nil {
			t.Errorf("Builtin(%s): %v", name, err)
			continue
		}
		if r.Root == nil || r.Name == "" {
			t.Errorf("Builtin(%s) returned an incomplete rule", name)
		}
	}
	if _, err := Builtin("nope", model.DirectionBuy); err == nil {
		t.Error("unknown built-in must fail")
	}
	if _, err := MACross(20, 5, model.DirectionBuy); err == nil {
		t.Error("fast >= slow must fail")
	}
}

func TestHighLowBreakout_UsesPreviousBar(t *testing.T) {
	s := model.NewSeries("A", "test")
	bars := []struct{ o, h, l, c string }{
		{"10", "12", "9", "11"},
		{"11", "13", "10", "12.5"}, // close 12.5 > previous high 12
	}
	for i, b := range bars {
		_ = s.Append(model.Bar{
			Instrument: "A", TS: time.UnixMilli(int64(i+1) * 1000).UTC(),
			Open:  decimal.RequireFromString(b.o),
			High:  decimal.RequireFromString(b.h),
			Low:   decimal.RequireFromString(b.l),
			Close: decimal.RequireFromString(b.c),
			Volume: decimal.NewFromInt(100),
		})
	}
	r := HighLowBreakout(model.DirectionBuy)
	_, ok, err := r.Evaluate(env(s))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("close above previous high must fire")
	}
}
