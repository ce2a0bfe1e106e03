package indicator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// seriesOf builds a series from closes; open/high/low track close and
// volume is constant unless set per test.
func seriesOf(instrument string, closes ...string) *model.Series {
	s := model.NewSeries(instrument, "test")
	for i, c := range closes {
		d := decimal.RequireFromString(c)
		_ = s.Append(model.Bar{
			Instrument: instrument,
			TS:         time.UnixMilli(int64(i+1) * 60000).UTC(),
			Open:       d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(100),
		})
	}
	return s
}

func TestSMA_WindowAndValues(t *testing.T) {
	s := seriesOf("A", "1", "2", "3", "4", "5")
	eng := NewEngine()
	res, err := eng.Compute(SMA, Params{Period: 3}, s)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(res) != 5 {
		t.Fatalf("expected a result per bar, got %d", len(res))
	}
	for i := 0; i < 2; i++ {
		if res[i].Defined {
			t.Errorf("bar %d: SMA(3) must be undefined before the window fills", i)
		}
	}
	want := []string{"", "", "2", "3", "4"}
	for i := 2; i < 5; i++ {
		if !res[i].Defined {
			t.Fatalf("bar %d: expected defined", i)
		}
		if !res[i].Value.Equal(decimal.RequireFromString(want[i])) {
			t.Errorf("bar %d: SMA = %s, want %s", i, res[i].Value, want[i])
		}
	}
}

func TestEMA_SeedsWithSMA(t *testing.T) {
	s := seriesOf("A", "1", "2", "3", "4")
	eng := NewEngine()
	res, err := eng.Compute(EMA, Params{Period: 3}, s)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res[1].Defined {
		t.Error("EMA(3) must be undefined at bar 1")
	}
	// Seed = SMA(1,2,3) = 2; next = 4*0.5 + 2*0.5 = 3 with k = 2/(3+1).
	if !res[2].Value.Equal(decimal.NewFromInt(2)) {
		t.Errorf("EMA seed = %s, want 2", res[2].Value)
	}
	if !res[3].Value.Equal(decimal.NewFromInt(3)) {
		t.Errorf("EMA = %s, want 3", res[3].Value)
	}
}

func TestRSI_AllGainsIsHundred(t *testing.T) {
	s := seriesOf("A", "1", "2", "3", "4", "5", "6")
	eng := NewEngine()
	res, err := eng.Compute(RSI, Params{Period: 3}, s)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res[2].Defined {
		t.Error("RSI(3) needs 3 deltas, bar 2 has only 2")
	}
	for i := 3; i < 6; i++ {
		if !res[i].Defined || !res[i].Value.Equal(decimal.NewFromInt(100)) {
			t.Errorf("bar %d: monotonic gains must give RSI=100, got %s (defined=%v)",
				i, res[i].Value, res[i].Defined)
		}
	}
}

func TestRSI_FlatWindowUndefined(t *testing.T) {
	s := seriesOf("A", "5", "5", "5", "5", "5")
	eng := NewEngine()
	res, err := eng.Compute(RSI, Params{Period: 3}, s)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i, r := range res {
		if r.Defined {
			t.Errorf("bar %d: flat window must stay undefined, got %s", i, r.Value)
		}
	}
}

func TestMACD_Parts(t *testing.T) {
	closes := make([]string, 40)
	price := decimal.NewFromInt(100)
	for i := range closes {
		closes[i] = price.String()
		price = price.Add(decimal.NewFromInt(1))
	}
	s := seriesOf("A", closes...)
	eng := NewEngine()

	p := Params{Fast: 3, Slow: 6, Signal: 4}
	line, err := eng.Compute(MACD, p, s)
	if err != nil {
		t.Fatalf("macd: %v", err)
	}
	sig, err := eng.Compute(MACDSignal, p, s)
	if err != nil {
		t.Fatalf("macd_signal: %v", err)
	}
	hist, err := eng.Compute(MACDHist, p, s)
	if err != nil {
		t.Fatalf("macd_hist: %v", err)
	}

	last := len(closes) - 1
	if !line[last].Defined || !sig[last].Defined || !hist[last].Defined {
		t.Fatal("all three parts must be defined once warmed up")
	}
	if got, want := hist[last].Value, line[last].Value.Sub(sig[last].Value); !got.Equal(want) {
		t.Errorf("hist = %s, want line-signal = %s", got, want)
	}
	// Line defined only once the slow EMA is; signal needs 4 defined
	// line values on top of that.
	if line[4].Defined {
		t.Error("macd line defined before slow EMA window filled")
	}
	if sig[resultSlice(line).firstDefinedIdx()+2].Defined {
		t.Error("signal defined before its own window over the line filled")
	}
}

// firstDefinedIdx is a test helper on result slices.
type resultSlice []model.IndicatorResult

func (rs resultSlice) firstDefinedIdx() int {
	for i, r := range rs {
		if r.Defined {
			return i
		}
	}
	return len(rs)
}

func TestBollinger_Bands(t *testing.T) {
	s := seriesOf("A", "1", "2", "3", "4", "5")
	eng := NewEngine()
	p := Params{Period: 3, StdDev: "2"}

	mid, err := eng.Compute(BollMid, p, s)
	if err != nil {
		t.Fatalf("boll_mid: %v", err)
	}
	up, err := eng.Compute(BollUpper, p, s)
	if err != nil {
		t.Fatalf("boll_upper: %v", err)
	}
	lo, err := eng.Compute(BollLower, p, s)
	if err != nil {
		t.Fatalf("boll_lower: %v", err)
	}

	// Window (3,4,5): mid=4, sample sd=1, bands at 4±2.
	last := 4
	if !mid[last].Value.Equal(decimal.NewFromInt(4)) {
		t.Errorf("mid = %s, want 4", mid[last].Value)
	}
	if !up[last].Value.Equal(decimal.NewFromInt(6)) {
		t.Errorf("upper = %s, want 6", up[last].Value)
	}
	if !lo[last].Value.Equal(decimal.NewFromInt(2)) {
		t.Errorf("lower = %s, want 2", lo[last].Value)
	}
}

func TestVolumeRatio(t *testing.T) {
	s := model.NewSeries("A", "test")
	vols := []int64{100, 100, 100, 300}
	for i, v := range vols {
		one := decimal.NewFromInt(1)
		_ = s.Append(model.Bar{
			Instrument: "A", TS: time.UnixMilli(int64(i+1) * 1000).UTC(),
			Open: one, High: one, Low: one, Close: one,
			Volume: decimal.NewFromInt(v),
		})
	}
	eng := NewEngine()
	res, err := eng.Compute(VolumeRate, Params{Period: 3}, s)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// Window (100,100,300): mean = 500/3, ratio = 300/(500/3) = 1.8.
	if !res[3].Defined {
		t.Fatal("expected defined at last bar")
	}
	if got := res[3].Value.Round(4).String(); got != "1.8" {
		t.Errorf("vol_ratio = %s, want 1.8", got)
	}
}

func TestCompute_Errors(t *testing.T) {
	s := seriesOf("A", "1", "2", "3")
	eng := NewEngine()

	if _, err := eng.Compute("vwap", Params{Period: 3}, s); !errors.Is(err, ErrUnknownIndicator) {
		t.Errorf("unknown indicator: got %v", err)
	}
	if _, err := eng.Compute(SMA, Params{Period: 0}, s); !errors.Is(err, ErrBadParams) {
		t.Errorf("zero period: got %v", err)
	}
	if _, err := eng.Compute(SMA, Params{Period: 2, Field: "vwap"}, s); !errors.Is(err, ErrBadParams) {
		t.Errorf("bad field: got %v", err)
	}
	if _, err := eng.Compute(MACD, Params{Fast: 10, Slow: 5}, s); !errors.Is(err, ErrBadParams) {
		t.Errorf("fast >= slow: got %v", err)
	}
}

func TestEngine_CacheHit(t *testing.T) {
	s := seriesOf("A", "1", "2", "3", "4")
	eng := NewEngine()
	var hits, misses atomic.Int64
	eng.OnHit = func() { hits.Add(1) }
	eng.OnMiss = func() { misses.Add(1) }

	if _, err := eng.Compute(SMA, Params{Period: 2}, s); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Compute(SMA, Params{Period: 2}, s); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 || misses.Load() != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", hits.Load(), misses.Load())
	}

	// Appending a bar bumps the revision; the cache must not serve stale.
	five := decimal.NewFromInt(5)
	_ = s.Append(model.Bar{Instrument: "A", TS: time.UnixMilli(5 * 60000).UTC(),
		Open: five, High: five, Low: five, Close: five, Volume: five})
	res, err := eng.Compute(SMA, Params{Period: 2}, s)
	if err != nil {
		t.Fatal(err)
	}
	if misses.Load() != 2 {
		t.Errorf("revision bump must miss the cache, misses=%d", misses.Load())
	}
	if !res[4].Value.Equal(decimal.RequireFromString("4.5")) {
		t.Errorf("fresh SMA = %s, want 4.5", res[4].Value)
	}
}

func TestEngine_ConcurrentMissConverges(t *testing.T) {
	s := seriesOf("A", "1", "2", "3", "4", "5", "6", "7", "8")
	eng := NewEngine()

	const n = 16
	out := make([][]model.IndicatorResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.Compute(SMA, Params{Period: 4}, s)
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			out[i] = res
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		for j := range out[0] {
			if out[i][j].Defined != out[0][j].Defined || !out[i][j].Value.Equal(out[0][j].Value) {
				t.Fatalf("goroutine %d diverged at bar %d", i, j)
			}
		}
	}
}

func TestCompute_Deterministic(t *testing.T) {
	s := seriesOf("A", "10.1", "10.7", "9.9", "11.3", "12.05", "11.8", "12.4")
	a, err := NewEngine().Compute(BollUpper, Params{Period: 4}, s)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewEngine().Compute(BollUpper, Params{Period: 4}, s)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i].Value.String() != b[i].Value.String() {
			t.Fatalf("bar %d: %s != %s, recompute must be bit-identical", i, a[i].Value, b[i].Value)
		}
	}
}
