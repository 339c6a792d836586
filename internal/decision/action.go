package decision

// ActionKind 是决策引擎输出的封闭动作集合。
type ActionKind string

const (
	ActionEnterRange   ActionKind = "enter-range"
	ActionAdjustRange  ActionKind = "adjust-range"
	ActionExitRange    ActionKind = "exit-range"
	ActionCompoundFees ActionKind = "compound-fees"
	ActionHold         ActionKind = "hold"
)

// TargetRange 描述一次进场或调仓的目标区间。
// 价格边界由中间价与带宽推导，tick 边界已对齐到交易所的 tick spacing。
type TargetRange struct {
	LowerPrice   float64 `json:"lower_price"`
	UpperPrice   float64 `json:"upper_price"`
	LowerTick    int     `json:"lower_tick"`
	UpperTick    int     `json:"upper_tick"`
	BandwidthBps int     `json:"bandwidth_bps"`
}

// Contains 判断目标区间是否严格包含另一个区间。
func (r TargetRange) Contains(other TargetRange) bool {
	return r.LowerTick < other.LowerTick && r.UpperTick > other.UpperTick
}

// ClmmAction 是决策引擎的输出：一个动作种类、触发原因以及可选的目标区间。
// 产生之后不可变更。
type ClmmAction struct {
	Kind   ActionKind   `json:"kind"`
	Reason string       `json:"reason"`
	Range  *TargetRange `json:"range,omitempty"`
}

// PerpsAction 是合约策略的决策输出。
type PerpsAction struct {
	ShouldClose bool   `json:"should_close"`
	Reason      string `json:"reason"`
}
