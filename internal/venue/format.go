package venue

import (
	"math"
	"strconv"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// 最小下单金额（美元），低于该名义价值的订单会被交易所拒绝。
const minNotionalUSD = 10.0

// 现货资产的 asset id 从 10000 起，价格小数位规则与永续不同。
const spotAssetIDBase = 10000

// FormatPrice 按交易所规则格式化价格：先压缩到 5 位有效数字，
// 再按资产类别（现货 8 位、永续 6 位）减去 size decimals 做小数位取整。
func FormatPrice(price float64, spec MarketSpec) float64 {
	formatted, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', 5, 64), 64)
	if err != nil {
		return price
	}

	decimals := 6
	if spec.AssetID >= spotAssetIDBase {
		decimals = 8
	}
	finalDecimals := decimals - spec.SizeDecimals
	if finalDecimals < 0 {
		finalDecimals = 0
	}

	scale := math.Pow(10, float64(finalDecimals))
	return math.Round(formatted*scale) / scale
}

// MinOrderSize 返回给定价格下的最小下单数量：
// 取最小手数（10^-sizeDecimals）与 $10 最小名义价值两者的较大者。
func MinOrderSize(spec MarketSpec, price float64) (float64, error) {
	if price <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "价格必须为正数")
	}
	minLot := math.Pow(10, -float64(spec.SizeDecimals))
	minForNotional := minNotionalUSD / price
	return math.Max(minLot, minForNotional), nil
}

// ValidateOrderSize 校验并调整下单数量：低于最小值时上调并加 1% 缓冲，
// 否则按 size decimals 精度取整。
func ValidateOrderSize(spec MarketSpec, size, price float64) (float64, error) {
	minSize, err := MinOrderSize(spec, price)
	if err != nil {
		return 0, err
	}
	if size < minSize {
		return minSize * 1.01, nil
	}
	scale := math.Pow(10, float64(spec.SizeDecimals))
	return math.Round(size*scale) / scale, nil
}

// MarketPrice 在中间价上加减滑点得到市价单的保护价，并按规格格式化。
func MarketPrice(mid float64, isBuy bool, slippage float64, spec MarketSpec) float64 {
	if slippage <= 0 {
		slippage = 0.02
	}
	price := mid * (1 - slippage)
	if isBuy {
		price = mid * (1 + slippage)
	}
	return FormatPrice(price, spec)
}
