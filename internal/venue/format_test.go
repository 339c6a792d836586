package venue

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func perpSpec(szDecimals int) MarketSpec {
	return MarketSpec{Symbol: "ETH", AssetID: 4, SizeDecimals: szDecimals, MaxLeverage: 50}
}

func spotSpec(szDecimals int) MarketSpec {
	return MarketSpec{Symbol: "PURR/USDC", AssetID: spotAssetIDBase + 1, SizeDecimals: szDecimals}
}

func TestFormatPricePerp(t *testing.T) {
	spec := perpSpec(4)

	// 5 位有效数字，之后按 6-4=2 位小数取整。
	if got := FormatPrice(1234.5678, spec); got != 1234.6 {
		t.Fatalf("expected 1234.6, got %v", got)
	}
	if got := FormatPrice(0.123456, spec); got != 0.12 {
		t.Fatalf("expected 0.12, got %v", got)
	}
}

func TestFormatPriceSpot(t *testing.T) {
	spec := spotSpec(0)

	// 现货 8 位小数，szDecimals=0 时保留全部 5 位有效数字。
	if got := FormatPrice(0.00012345678, spec); math.Abs(got-0.00012346) > 1e-12 {
		t.Fatalf("expected 0.00012346, got %v", got)
	}
}

func TestMinOrderSize(t *testing.T) {
	spec := perpSpec(4)

	// 价格很高时最小名义价值主导：$10 / $2000 = 0.005。
	size, err := MinOrderSize(spec, 2000)
	if err != nil {
		t.Fatalf("min order size: %v", err)
	}
	if math.Abs(size-0.005) > 1e-12 {
		t.Fatalf("expected 0.005, got %v", size)
	}

	// 价格很低时最小手数主导：10^-4。
	size, err = MinOrderSize(perpSpec(1), 2000)
	if err != nil {
		t.Fatalf("min order size: %v", err)
	}
	if math.Abs(size-0.1) > 1e-12 {
		t.Fatalf("expected lot size 0.1, got %v", size)
	}

	if _, err := MinOrderSize(spec, 0); err == nil {
		t.Fatal("expected error for non-positive price")
	}
}

func TestValidateOrderSize(t *testing.T) {
	spec := perpSpec(4)

	// 低于最小值时上调并加 1% 缓冲。
	size, err := ValidateOrderSize(spec, 0.001, 2000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if math.Abs(size-0.00505) > 1e-12 {
		t.Fatalf("expected 0.00505, got %v", size)
	}

	// 合法数量按 size decimals 取整。
	size, err = ValidateOrderSize(spec, 0.123456, 2000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if math.Abs(size-0.1235) > 1e-12 {
		t.Fatalf("expected 0.1235, got %v", size)
	}
}

func TestMarketPrice(t *testing.T) {
	spec := perpSpec(4)

	buy := MarketPrice(2000, true, 0, spec)
	if buy != 2040 {
		t.Fatalf("expected buy protection price 2040, got %v", buy)
	}
	sell := MarketPrice(2000, false, 0, spec)
	if sell != 1960 {
		t.Fatalf("expected sell protection price 1960, got %v", sell)
	}

	tight := MarketPrice(2000, true, 0.01, spec)
	if tight != 2020 {
		t.Fatalf("expected 2020 with 1%% slippage, got %v", tight)
	}
}

func TestSizeFromVault(t *testing.T) {
	spec := perpSpec(4)
	vault := VaultSummary{AccountValueUSD: decimal.NewFromInt(10000)}

	sizing, err := SizeFromVault(spec, vault, 2000, 10)
	if err != nil {
		t.Fatalf("size from vault: %v", err)
	}
	// $10000 的 10% = $1000，即 0.5 ETH。
	if math.Abs(sizing.Size-0.5) > 1e-12 {
		t.Fatalf("expected size 0.5, got %v", sizing.Size)
	}
	if !sizing.SizeUSD.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected $1000, got %s", sizing.SizeUSD)
	}

	// 小金库被抬升到最小名义价值并加 10% 缓冲。
	tiny := VaultSummary{AccountValueUSD: decimal.NewFromInt(50)}
	sizing, err = SizeFromVault(spec, tiny, 2000, 1)
	if err != nil {
		t.Fatalf("size from vault: %v", err)
	}
	if sizing.Size*2000 < minNotionalUSD {
		t.Fatalf("expected at least $%v notional, got %v", minNotionalUSD, sizing.Size*2000)
	}

	if _, err := SizeFromVault(spec, vault, 2000, 0); err == nil {
		t.Fatal("expected error for zero percentage")
	}
	if _, err := SizeFromVault(spec, vault, -1, 10); err == nil {
		t.Fatal("expected error for negative price")
	}
}
