package decision

import (
	"math"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// tickBase 是标准的价格网格底数：price = tickBase^tick。
const tickBase = 1.0001

// TickFromPrice 按照标准 log-price-to-tick 公式把价格换算为未对齐的 tick。
// decimalsDiff 是两种资产小数位之差，用于把人类可读价格换算为链上原始比值，
// 保证带宽在经济意义上可比。
func TickFromPrice(price float64, decimalsDiff int) float64 {
	adjusted := price * math.Pow(10, -float64(decimalsDiff))
	return math.Log(adjusted) / math.Log(tickBase)
}

// PriceFromTick 是 TickFromPrice 的逆运算。
func PriceFromTick(tick int, decimalsDiff int) float64 {
	return math.Pow(tickBase, float64(tick)) * math.Pow(10, float64(decimalsDiff))
}

// ComputeTargetRange 根据中间价、带宽（基点）、tick spacing 与小数位差计算目标区间。
// tick 边界按四舍五入（远离零）取整后，向外扩展到 spacing 的整数倍，
// 只扩不缩，确保区间在交易所上始终有效。
func ComputeTargetRange(midPrice float64, bandwidthBps, tickSpacing, decimalsDiff int) (TargetRange, error) {
	if midPrice <= 0 {
		return TargetRange{}, xerrors.New(xerrors.CodeInvalidArgument, "中间价必须为正数")
	}
	if bandwidthBps <= 0 || bandwidthBps >= 10000 {
		return TargetRange{}, xerrors.New(xerrors.CodeInvalidArgument, "带宽必须在 (0, 10000) 基点之间")
	}
	if tickSpacing <= 0 {
		return TargetRange{}, xerrors.New(xerrors.CodeInvalidArgument, "tick spacing 必须为正数")
	}

	spread := float64(bandwidthBps) / 10000
	lowerPrice := midPrice * (1 - spread)
	upperPrice := midPrice * (1 + spread)

	lowerTick := math.Round(TickFromPrice(lowerPrice, decimalsDiff))
	upperTick := math.Round(TickFromPrice(upperPrice, decimalsDiff))

	return TargetRange{
		LowerPrice:   lowerPrice,
		UpperPrice:   upperPrice,
		LowerTick:    snapDown(int(lowerTick), tickSpacing),
		UpperTick:    snapUp(int(upperTick), tickSpacing),
		BandwidthBps: bandwidthBps,
	}, nil
}

// snapDown 把 tick 向负无穷方向对齐到 spacing 的整数倍。
func snapDown(tick, spacing int) int {
	return int(math.Floor(float64(tick)/float64(spacing))) * spacing
}

// snapUp 把 tick 向正无穷方向对齐到 spacing 的整数倍。
func snapUp(tick, spacing int) int {
	return int(math.Ceil(float64(tick)/float64(spacing))) * spacing
}
