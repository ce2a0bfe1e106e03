package execution

import (
	"errors"
	"testing"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

func sizingSignal(kind model.SizingKind, price string) model.Signal {
	return model.Signal{
		Instrument: "BTC_USDT",
		Direction:  model.DirectionBuy,
		Price:      decimal.RequireFromString(price),
		Sizing:     model.SizingPolicy{Kind: kind},
	}
}

func openLimits() RiskLimits {
	return RiskLimits{
		Equity:              decimal.NewFromInt(1000000),
		MaxPositionFraction: decimal.RequireFromString("0.9"),
		MinNotional:         decimal.NewFromInt(1),
	}
}

func TestSizeOrder_Fixed(t *testing.T) {
	sig := sizingSignal(model.SizeFixed, "100")
	sig.Sizing.Qty = decimal.RequireFromString("2.5")
	qty, err := SizeOrder(sig, openLimits())
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("qty = %s, want 2.5", qty)
	}
}

func TestSizeOrder_Notional(t *testing.T) {
	sig := sizingSignal(model.SizeNotional, "30000")
	sig.Sizing.Notional = decimal.NewFromInt(1500)
	qty, err := SizeOrder(sig, openLimits())
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("qty = %s, want 0.05", qty)
	}
}

func TestSizeOrder_Limits(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*model.Signal, *RiskLimits)
	}{
		{"zero qty", func(s *model.Signal, _ *RiskLimits) {
			s.Sizing.Qty = decimal.Zero
		}},
		{"non-positive price", func(s *model.Signal, _ *RiskLimits) {
			s.Price = decimal.Zero
			s.Sizing.Qty = decimal.NewFromInt(1)
		}},
		{"qty cap", func(s *model.Signal, l *RiskLimits) {
			s.Sizing.Qty = decimal.NewFromInt(100)
			l.MaxQty = decimal.NewFromInt(10)
		}},
		{"dust below min notional", func(s *model.Signal, l *RiskLimits) {
			s.Sizing.Qty = decimal.RequireFromString("0.001")
			l.MinNotional = decimal.NewFromInt(10)
		}},
		{"position fraction", func(s *model.Signal, l *RiskLimits) {
			s.Sizing.Qty = decimal.NewFromInt(10000)
			l.Equity = decimal.NewFromInt(1000)
			l.MaxPositionFraction = decimal.RequireFromString("0.1")
		}},
		{"unknown kind", func(s *model.Signal, _ *RiskLimits) {
			s.Sizing.Kind = "martingale"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := sizingSignal(model.SizeFixed, "100")
			limits := openLimits()
			tc.mut(&sig, &limits)
			_, err := SizeOrder(sig, limits)
			var re *RiskError
			if !errors.As(err, &re) {
				t.Fatalf("expected RiskError, got %v", err)
			}
		})
	}
}

func gridSignal(dir model.Direction, price string) model.Signal {
	return model.Signal{
		Instrument: "BTC_USDT",
		Direction:  dir,
		Price:      decimal.RequireFromString(price),
		Sizing: model.SizingPolicy{
			Kind:   model.SizeGrid,
			Qty:    decimal.RequireFromString("0.5"), // per level
			Lower:  decimal.NewFromInt(100),
			Upper:  decimal.NewFromInt(200),
			Levels: 4, // levels at 125, 150, 175, 200
		},
	}
}

func TestSizeOrder_Grid(t *testing.T) {
	limits := openLimits()

	// Buy at 130: levels 150, 175, 200 are above -> 3 * 0.5.
	qty, err := SizeOrder(gridSignal(model.DirectionBuy, "130"), limits)
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("buy qty = %s, want 1.5", qty)
	}

	// Sell at 130: only level 125 is at or below -> 1 * 0.5.
	qty, err = SizeOrder(gridSignal(model.DirectionSell, "130"), limits)
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("sell qty = %s, want 0.5", qty)
	}
}

func TestSizeOrder_GridOutsideBand(t *testing.T) {
	// Price above the band trades nothing: zero qty, nil error.
	qty, err := SizeOrder(gridSignal(model.DirectionBuy, "250"), openLimits())
	if err != nil {
		t.Fatalf("outside-band is not an error: %v", err)
	}
	if !qty.IsZero() {
		t.Errorf("qty = %s, want 0", qty)
	}
}

func TestSizeOrder_GridValidation(t *testing.T) {
	bad := gridSignal(model.DirectionBuy, "130")
	bad.Sizing.Levels = 0
	if _, err := SizeOrder(bad, openLimits()); err == nil {
		t.Error("zero levels must fail")
	}

	bad = gridSignal(model.DirectionBuy, "130")
	bad.Sizing.Upper = decimal.NewFromInt(50)
	if _, err := SizeOrder(bad, openLimits()); err == nil {
		t.Error("upper below lower must fail")
	}
}

func TestRetryBackoff(t *testing.T) {
	c := RetryConfig{
		BaseDelay: 100, // units irrelevant, only growth matters
		MaxDelay:  400,
	}
	for attempt := 1; attempt <= 6; attempt++ {
		d := c.backoff(attempt)
		base := c.BaseDelay
		for i := 1; i < attempt; i++ {
			base *= 2
			if base >= c.MaxDelay {
				base = c.MaxDelay
				break
			}
		}
		if d < base {
			t.Errorf("attempt %d: backoff %d below base %d", attempt, d, base)
		}
		// Jitter is bounded by 25% of the capped delay.
		if max := base + base/4; d > max {
			t.Errorf("attempt %d: backoff %d above jittered max %d", attempt, d, max)
		}
	}
}
