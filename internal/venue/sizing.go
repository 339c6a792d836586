package venue

import (
	"github.com/shopspring/decimal"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// PositionSizing 是按金库比例计算出的仓位规模。
type PositionSizing struct {
	SizeUSD decimal.Decimal `json:"size_usd"`
	Size    float64         `json:"size"`
}

// SizeFromVault 按金库总值的百分比计算仓位数量，
// 低于市场最小名义价值时上调到最小值并加 10% 缓冲。
func SizeFromVault(spec MarketSpec, vault VaultSummary, price float64, percentage float64) (PositionSizing, error) {
	if price <= 0 {
		return PositionSizing{}, xerrors.New(xerrors.CodeInvalidArgument, "价格必须为正数")
	}
	if percentage <= 0 || percentage > 100 {
		return PositionSizing{}, xerrors.New(xerrors.CodeInvalidArgument, "仓位比例必须在 (0, 100] 之间")
	}

	total, _ := vault.AccountValueUSD.Float64()
	sizeUSD := total * percentage / 100

	minSize, err := MinOrderSize(spec, price)
	if err != nil {
		return PositionSizing{}, err
	}
	minUSD := minSize * price
	if sizeUSD < minUSD {
		sizeUSD = minUSD * 1.1
	}

	size, err := ValidateOrderSize(spec, sizeUSD/price, price)
	if err != nil {
		return PositionSizing{}, err
	}

	return PositionSizing{
		SizeUSD: decimal.NewFromFloat(size * price).Round(2),
		Size:    size,
	}, nil
}
