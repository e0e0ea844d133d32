package pricing

import (
	"math"
	"testing"
	"time"
)

func TestSlippageMultiplier_ZeroGradient(t *testing.T) {
	if m := SlippageMultiplier(250, 10, false, 0); m != 1 {
		t.Errorf("expected 1 with zero gradient, got %f", m)
	}
	if m := SlippageMultiplier(-250, 10, true, 0); m != 1 {
		t.Errorf("expected 1 with zero gradient, got %f", m)
	}
}

func TestSlippageMultiplier_BuyWorsensWithSize(t *testing.T) {
	prev := 0.0
	for _, amt := range []float64{1, 5, 10, 50, 100} {
		m := SlippageMultiplier(0, amt, false, 0.001)
		if m <= 1 {
			t.Errorf("buy from flat vault should cost more than fair value, got %f", m)
		}
		if m < prev {
			t.Errorf("amount %v: multiplier %f below smaller trade's %f", amt, m, prev)
		}
		prev = m
	}
}

func TestSlippageMultiplier_SellWorsensWithSize(t *testing.T) {
	prev := math.Inf(1)
	for _, amt := range []float64{1, 5, 10, 50, 100} {
		m := SlippageMultiplier(0, amt, true, 0.001)
		if m >= 1 || m <= 0 {
			t.Errorf("sell to flat vault should pay less than fair value, got %f", m)
		}
		if m > prev {
			t.Errorf("amount %v: multiplier %f above smaller trade's %f", amt, m, prev)
		}
		prev = m
	}
}

func TestSlippageMultiplier_FlatteningPricesBetter(t *testing.T) {
	// vault net short 100: selling to it reduces exposure, so the seller is
	// paid above fair value; buying from it pushes it further short.
	sell := SlippageMultiplier(100, 10, true, 0.001)
	if sell <= 1 {
		t.Errorf("flattening sell should be paid above fair, got %f", sell)
	}
	flat := SlippageMultiplier(0, 10, false, 0.001)
	short := SlippageMultiplier(100, 10, false, 0.001)
	if short <= flat {
		t.Errorf("buy from short vault should cost more: flat=%f short=%f", flat, short)
	}
}

func TestLocateTenor(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		secs      int64
		index     int
		remainder float64
	}{
		{625, 0, 0.5},  // sqrt=25 → 0.5
		{2500, 1, 0},   // sqrt=50 → 1.0
		{10000, 2, 0},  // sqrt=100 → last tenor
		{40000, 2, 0},  // beyond the grid clamps
		{-100, 0, 0},   // expired clamps to zero
	}
	for _, tc := range tests {
		tp := locateTenor(now.Unix()+tc.secs, now, 3, 100)
		if tp.index != tc.index || !approx(tp.remainder, tc.remainder, 1e-12) {
			t.Errorf("secs=%d: expected (%d, %v), got (%d, %v)",
				tc.secs, tc.index, tc.remainder, tp.index, tp.remainder)
		}
	}
}

func TestDeltaBand(t *testing.T) {
	if b := deltaBand(0.12, 5, 20); b != 2 {
		t.Errorf("expected band 2, got %d", b)
	}
	if b := deltaBand(-0.49, 5, 20); b != 9 {
		t.Errorf("expected band 9 for put delta, got %d", b)
	}
	if b := deltaBand(1.0, 5, 20); b != 19 {
		t.Errorf("expected last band, got %d", b)
	}
}

func TestInterpolate(t *testing.T) {
	tenors := []TenorParams{
		{CallSlippageGradientMultipliers: []float64{1, 2}},
		{CallSlippageGradientMultipliers: []float64{3, 6}},
	}
	pick := func(tp TenorParams) []float64 { return tp.CallSlippageGradientMultipliers }
	if v := interpolate(tenors, tenorPoint{index: 0, remainder: 0.5}, 1, pick); !approx(v, 4, 1e-12) {
		t.Errorf("expected midpoint 4, got %f", v)
	}
	if v := interpolate(tenors, tenorPoint{index: 1}, 0, pick); v != 3 {
		t.Errorf("expected last tenor value 3, got %f", v)
	}
}
