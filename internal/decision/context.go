package decision

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot 描述线程当前持有的做市区间头寸。
type PositionSnapshot struct {
	LowerTick   int             `json:"lower_tick"`
	UpperTick   int             `json:"upper_tick"`
	LowerPrice  float64         `json:"lower_price"`
	UpperPrice  float64         `json:"upper_price"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	FeesOwedUSD decimal.Decimal `json:"fees_owed_usd"`
}

// InRange 判断给定中间价是否落在头寸区间内。
func (p *PositionSnapshot) InRange(price float64) bool {
	if p == nil {
		return false
	}
	return price >= p.LowerPrice && price <= p.UpperPrice
}

// RiskConfig 汇总运营者配置的风险阈值。
type RiskConfig struct {
	// BandwidthBps 是区间半宽，相对中间价的基点数。
	BandwidthBps int `json:"bandwidth_bps"`
	// RebalanceThresholdBps 是触发调仓的越界漂移阈值（基点）。
	RebalanceThresholdBps int `json:"rebalance_threshold_bps"`
	// MaxGasBudgetUSD 是整个线程生命周期允许的累计 gas 预算。
	MaxGasBudgetUSD decimal.Decimal `json:"max_gas_budget_usd"`
	// AutoCompound 控制是否自动复投手续费。
	AutoCompound bool `json:"auto_compound"`
	// CompoundThresholdUSD 是触发复投的最小手续费估值。
	CompoundThresholdUSD decimal.Decimal `json:"compound_threshold_usd"`
}

// CycleCounters 记录决策輸入中的周期计数。
type CycleCounters struct {
	Iteration            int `json:"iteration"`
	CyclesSinceRebalance int `json:"cycles_since_rebalance"`
	Staleness            int `json:"staleness"`
}

// DecisionContext 是一次决策的完整输入快照，每个轮询周期重新构建，从不落盘。
type DecisionContext struct {
	MidPrice     float64           `json:"mid_price"`
	Volatility   float64           `json:"volatility"`
	TickSpacing  int               `json:"tick_spacing"`
	DecimalsDiff int               `json:"decimals_diff"`
	Position     *PositionSnapshot `json:"position,omitempty"`
	Risk         RiskConfig        `json:"risk"`
	Counters     CycleCounters     `json:"counters"`
	// GasSpentUSD 是线程迄今累计的 gas 消耗估值，用于风险止损判断。
	GasSpentUSD decimal.Decimal `json:"gas_spent_usd"`
}

// PerpsSignal 描述来自信号源的合约方向与退出参数。
type PerpsSignal struct {
	Symbol      string    `json:"symbol"`
	IsBuy       bool      `json:"is_buy"`
	TakeProfit1 float64   `json:"tp1"`
	TakeProfit2 float64   `json:"tp2"`
	StopLoss    float64   `json:"sl"`
	MaxExitTime time.Time `json:"max_exit_time"`
	EntryPrice  float64   `json:"entry_price"`
}

// PerpsContext 是合约策略线程的决策输入。
type PerpsContext struct {
	MarkPrice   float64      `json:"mark_price"`
	Signal      *PerpsSignal `json:"signal,omitempty"`
	HasPosition bool         `json:"has_position"`
	Now         time.Time    `json:"now"`
}
