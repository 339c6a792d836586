package decision

import (
	"fmt"
)

// Decide 把一次观测快照映射为唯一动作。判定按优先级顺序执行：
// 无头寸先进场，越界漂移超阈值则调仓，费用积累到阈值则复投，
// 风险越限则退出，否则保持不动。
func Decide(ctx DecisionContext) (ClmmAction, error) {
	if ctx.Position == nil {
		target, err := ComputeTargetRange(ctx.MidPrice, ctx.Risk.BandwidthBps, ctx.TickSpacing, ctx.DecimalsDiff)
		if err != nil {
			return ClmmAction{}, err
		}
		return ClmmAction{
			Kind:   ActionEnterRange,
			Reason: fmt.Sprintf("当前无头寸，按中间价 %.6g 进场", ctx.MidPrice),
			Range:  &target,
		}, nil
	}

	if drifted, driftBps := outOfRangeDrift(ctx); drifted {
		target, err := ComputeTargetRange(ctx.MidPrice, ctx.Risk.BandwidthBps, ctx.TickSpacing, ctx.DecimalsDiff)
		if err != nil {
			return ClmmAction{}, err
		}
		return ClmmAction{
			Kind:   ActionAdjustRange,
			Reason: fmt.Sprintf("中间价越界漂移 %d 基点，超过阈值 %d 基点", driftBps, ctx.Risk.RebalanceThresholdBps),
			Range:  &target,
		}, nil
	}

	if ctx.Risk.AutoCompound && !ctx.Risk.CompoundThresholdUSD.IsZero() &&
		ctx.Position.FeesOwedUSD.GreaterThanOrEqual(ctx.Risk.CompoundThresholdUSD) {
		return ClmmAction{
			Kind:   ActionCompoundFees,
			Reason: fmt.Sprintf("待领取手续费约 $%s，达到复投阈值 $%s", ctx.Position.FeesOwedUSD.StringFixed(2), ctx.Risk.CompoundThresholdUSD.StringFixed(2)),
		}, nil
	}

	if !ctx.Risk.MaxGasBudgetUSD.IsZero() && ctx.GasSpentUSD.GreaterThan(ctx.Risk.MaxGasBudgetUSD) {
		return ClmmAction{
			Kind:   ActionExitRange,
			Reason: fmt.Sprintf("累计 gas 消耗 $%s 超过预算 $%s", ctx.GasSpentUSD.StringFixed(2), ctx.Risk.MaxGasBudgetUSD.StringFixed(2)),
		}, nil
	}

	return ClmmAction{Kind: ActionHold, Reason: "头寸在区间内且无风险触发"}, nil
}

// outOfRangeDrift 计算中间价越过头寸边界的漂移幅度（基点），
// 并判断是否超过调仓阈值。区间内的价格始终返回 false。
func outOfRangeDrift(ctx DecisionContext) (bool, int) {
	pos := ctx.Position
	if pos == nil || pos.InRange(ctx.MidPrice) {
		return false, 0
	}

	var driftBps float64
	if ctx.MidPrice < pos.LowerPrice && pos.LowerPrice > 0 {
		driftBps = (pos.LowerPrice - ctx.MidPrice) / pos.LowerPrice * 10000
	} else if pos.UpperPrice > 0 {
		driftBps = (ctx.MidPrice - pos.UpperPrice) / pos.UpperPrice * 10000
	}

	bps := int(driftBps)
	return bps > ctx.Risk.RebalanceThresholdBps, bps
}

// DecidePerps 针对合约信号线程判断是否需要平仓。
// 退出条件与信号给定的 TP1/TP2/SL 以及最迟退出时间一致。
func DecidePerps(ctx PerpsContext) PerpsAction {
	if !ctx.HasPosition || ctx.Signal == nil {
		return PerpsAction{ShouldClose: false, Reason: "无持仓"}
	}

	sig := ctx.Signal
	price := ctx.MarkPrice

	if sig.IsBuy {
		switch {
		case price >= sig.TakeProfit1 && sig.TakeProfit1 > 0:
			return PerpsAction{ShouldClose: true, Reason: fmt.Sprintf("TP1 hit: %.6g >= %.6g", price, sig.TakeProfit1)}
		case price >= sig.TakeProfit2 && sig.TakeProfit2 > 0:
			return PerpsAction{ShouldClose: true, Reason: fmt.Sprintf("TP2 hit: %.6g >= %.6g", price, sig.TakeProfit2)}
		case price <= sig.StopLoss && sig.StopLoss > 0:
			return PerpsAction{ShouldClose: true, Reason: fmt.Sprintf("SL hit: %.6g <= %.6g", price, sig.StopLoss)}
		}
	} else {
		switch {
		case price <= sig.TakeProfit1 && sig.TakeProfit1 > 0:
			return PerpsAction{ShouldClose: true, Reason: fmt.Sprintf("TP1 hit: %.6g <= %.6g", price, sig.TakeProfit1)}
		case price <= sig.TakeProfit2 && sig.TakeProfit2 > 0:
			return PerpsAction{ShouldClose: true, Reason: fmt.Sprintf("TP2 hit: %.6g <= %.6g", price, sig.TakeProfit2)}
		case price >= sig.StopLoss && sig.StopLoss > 0:
			return PerpsAction{ShouldClose: true, Reason: fmt.Sprintf("SL hit: %.6g >= %.6g", price, sig.StopLoss)}
		}
	}

	if !sig.MaxExitTime.IsZero() && !ctx.Now.Before(sig.MaxExitTime) {
		return PerpsAction{ShouldClose: true, Reason: "已到最迟退出时间"}
	}

	return PerpsAction{ShouldClose: false, Reason: "退出条件未触发"}
}
