package decision

import (
	"math"
	"testing"
)

func TestComputeTargetRangeScenario(t *testing.T) {
	// 中间价 2000，带宽 200 基点，spacing 60，小数位差 0。
	target, err := ComputeTargetRange(2000, 200, 60, 0)
	if err != nil {
		t.Fatalf("compute range: %v", err)
	}

	if math.Abs(target.LowerPrice-1960) > 1e-9 {
		t.Fatalf("expected lower price 1960, got %v", target.LowerPrice)
	}
	if math.Abs(target.UpperPrice-2040) > 1e-9 {
		t.Fatalf("expected upper price 2040, got %v", target.UpperPrice)
	}

	if target.LowerTick%60 != 0 || target.UpperTick%60 != 0 {
		t.Fatalf("ticks not aligned to spacing: %d / %d", target.LowerTick, target.UpperTick)
	}

	// 对齐只扩不缩：对齐后的区间必须包含原始 tick 边界。
	rawLower := TickFromPrice(1960, 0)
	rawUpper := TickFromPrice(2040, 0)
	if float64(target.LowerTick) > rawLower {
		t.Fatalf("lower tick %d narrowed the range (raw %v)", target.LowerTick, rawLower)
	}
	if float64(target.UpperTick) < rawUpper {
		t.Fatalf("upper tick %d narrowed the range (raw %v)", target.UpperTick, rawUpper)
	}
}

func TestComputeTargetRangeMonotonicity(t *testing.T) {
	narrow, err := ComputeTargetRange(2000, 100, 60, 0)
	if err != nil {
		t.Fatalf("narrow range: %v", err)
	}
	wide, err := ComputeTargetRange(2000, 500, 60, 0)
	if err != nil {
		t.Fatalf("wide range: %v", err)
	}
	if !wide.Contains(narrow) {
		t.Fatalf("expected wide range [%d,%d] to strictly contain narrow range [%d,%d]",
			wide.LowerTick, wide.UpperTick, narrow.LowerTick, narrow.UpperTick)
	}
}

func TestComputeTargetRangeDecimalsDiff(t *testing.T) {
	// 小数位差会平移 tick，但价格边界不受影响。
	base, err := ComputeTargetRange(2000, 200, 1, 0)
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	shifted, err := ComputeTargetRange(2000, 200, 1, 12)
	if err != nil {
		t.Fatalf("shifted: %v", err)
	}
	if shifted.LowerPrice != base.LowerPrice || shifted.UpperPrice != base.UpperPrice {
		t.Fatalf("price bounds should not depend on decimals diff")
	}
	if shifted.LowerTick >= base.LowerTick {
		t.Fatalf("expected decimals diff to shift ticks down: %d vs %d", shifted.LowerTick, base.LowerTick)
	}
}

func TestComputeTargetRangeRejectsBadInput(t *testing.T) {
	if _, err := ComputeTargetRange(0, 200, 60, 0); err == nil {
		t.Fatalf("expected error for non-positive price")
	}
	if _, err := ComputeTargetRange(2000, 0, 60, 0); err == nil {
		t.Fatalf("expected error for zero bandwidth")
	}
	if _, err := ComputeTargetRange(2000, 10000, 60, 0); err == nil {
		t.Fatalf("expected error for full-width bandwidth")
	}
	if _, err := ComputeTargetRange(2000, 200, 0, 0); err == nil {
		t.Fatalf("expected error for zero spacing")
	}
}

func TestTickPriceRoundTrip(t *testing.T) {
	for _, price := range []float64{0.0005, 1, 1999.5, 123456} {
		tick := TickFromPrice(price, 0)
		back := PriceFromTick(int(math.Round(tick)), 0)
		if math.Abs(back-price)/price > 0.001 {
			t.Fatalf("round trip drifted too far for %v: got %v", price, back)
		}
	}
}
