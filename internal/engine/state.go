package engine

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenCLMM-Chain/internal/auth"
	"OpenCLMM-Chain/internal/decision"
	"OpenCLMM-Chain/internal/executor"
	"OpenCLMM-Chain/internal/task"
)

// Phase 表示策略线程所处的生命周期阶段。
type Phase string

const (
	PhaseOnboarding Phase = "onboarding"
	PhaseManaging   Phase = "managing"
	PhaseHalted     Phase = "halted"
	PhaseDone       Phase = "done"
)

// StepName 标识状态机的一个步骤。
type StepName string

const (
	StepRunCommand          StepName = "run-command"
	StepBootstrap           StepName = "bootstrap"
	StepListPools           StepName = "list-pools"
	StepResolveNeeds        StepName = "resolve-needs"
	StepCollectOperator     StepName = "collect-operator-input"
	StepCollectFundingToken StepName = "collect-funding-token-input"
	StepCollectDelegations  StepName = "collect-delegations"
	StepPrepareOperator     StepName = "prepare-operator"
	StepPollCycle           StepName = "poll-cycle"
	StepSummarize           StepName = "summarize"
	StepHalt                StepName = "halt"
)

// 支持的策略变体。
const (
	StrategyClmmRange   = "clmm-range"
	StrategyPerpsSignal = "perps-signal"
)

// ThreadState 是一个策略线程的完整可恢复状态。任何字段变更都先经过
// Patch 合并再落盘，保证挂起与恢复看到一致的数据。
type ThreadState struct {
	ThreadID  string    `json:"thread_id"`
	Strategy  string    `json:"strategy"`
	Phase     Phase     `json:"phase"`
	Step      StepName  `json:"step"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`

	Operator     common.Address `json:"operator"`
	VaultAddress common.Address `json:"vault_address"`
	ChainName    string         `json:"chain_name"`
	PoolID       string         `json:"pool_id"`
	Symbol       string         `json:"symbol"`
	TickSpacing  int            `json:"tick_spacing"`
	DecimalsDiff int            `json:"decimals_diff"`

	AllowedFundingTokens []string  `json:"allowed_funding_tokens,omitempty"`
	FundingToken         string    `json:"funding_token"`
	AuthMode             auth.Mode `json:"auth_mode"`
	Prepared             bool      `json:"prepared"`

	Risk          decision.RiskConfig        `json:"risk"`
	Counters      decision.CycleCounters     `json:"counters"`
	GasSpentUSD   decimal.Decimal            `json:"gas_spent_usd"`
	Position      *decision.PositionSnapshot `json:"position,omitempty"`
	PerpsSignal   *decision.PerpsSignal      `json:"perps_signal,omitempty"`
	HasPerpsOpen  bool                       `json:"has_perps_open"`
	SizingPercent float64                    `json:"sizing_percent"`

	ActiveTask *task.Task `json:"active_task,omitempty"`
	HaltReason string     `json:"halt_reason,omitempty"`
	Summary    string     `json:"summary,omitempty"`

	// 追加组：只增不改的历史记录。
	Events        []task.StatusEvent         `json:"events,omitempty"`
	Executions    []executor.ExecutionResult `json:"executions,omitempty"`
	DelegationIDs []string                   `json:"delegation_ids,omitempty"`
}

// Clone 返回状态的深拷贝，步骤函数只读取拷贝，变更通过 Patch 表达。
func (s *ThreadState) Clone() *ThreadState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.AllowedFundingTokens = append([]string(nil), s.AllowedFundingTokens...)
	clone.Events = append([]task.StatusEvent(nil), s.Events...)
	clone.Executions = append([]executor.ExecutionResult(nil), s.Executions...)
	clone.DelegationIDs = append([]string(nil), s.DelegationIDs...)
	if s.Position != nil {
		position := *s.Position
		clone.Position = &position
	}
	if s.PerpsSignal != nil {
		signal := *s.PerpsSignal
		clone.PerpsSignal = &signal
	}
	if s.ActiveTask != nil {
		active := *s.ActiveTask
		clone.ActiveTask = &active
	}
	return &clone
}

// Marshal 序列化状态用于检查点。
func (s *ThreadState) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// UnmarshalState 从检查点负载还原状态。
func UnmarshalState(payload json.RawMessage) (*ThreadState, error) {
	var state ThreadState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Patch 描述一步产生的状态变更，按字段组合并：
//   - 覆盖组（指针字段）：非 nil 即整体替换目标字段；
//   - 头寸/信号/任务：SetX 为 true 时替换，允许替换为 nil（清除）；
//   - 追加组（切片字段）：只向历史追加，永不回改已有记录。
type Patch struct {
	// 覆盖组
	Phase         *Phase
	Step          *StepName
	Strategy      *string
	Operator      *common.Address
	VaultAddress  *common.Address
	ChainName     *string
	PoolID        *string
	Symbol        *string
	TickSpacing   *int
	DecimalsDiff  *int
	FundingToken  *string
	AuthMode      *auth.Mode
	Prepared      *bool
	Risk          *decision.RiskConfig
	Counters      *decision.CycleCounters
	GasSpentUSD   *decimal.Decimal
	HaltReason    *string
	Summary       *string
	SizingPercent *float64
	HasPerpsOpen  *bool

	AllowedFundingTokens []string

	SetPosition bool
	Position    *decision.PositionSnapshot

	SetPerpsSignal bool
	PerpsSignal    *decision.PerpsSignal

	SetActiveTask bool
	ActiveTask    *task.Task

	// 追加组
	Events        []task.StatusEvent
	Executions    []executor.ExecutionResult
	DelegationIDs []string
}

// isEmpty 判断补丁是否不携带任何变更。空补丁不落检查点，
// 原样重放一次未回答的推进因此不产生任何写入。新增补丁字段时需同步此处。
func (p Patch) isEmpty() bool {
	return p.Phase == nil &&
		p.Step == nil &&
		p.Strategy == nil &&
		p.Operator == nil &&
		p.VaultAddress == nil &&
		p.ChainName == nil &&
		p.PoolID == nil &&
		p.Symbol == nil &&
		p.TickSpacing == nil &&
		p.DecimalsDiff == nil &&
		p.FundingToken == nil &&
		p.AuthMode == nil &&
		p.Prepared == nil &&
		p.Risk == nil &&
		p.Counters == nil &&
		p.GasSpentUSD == nil &&
		p.HaltReason == nil &&
		p.Summary == nil &&
		p.SizingPercent == nil &&
		p.HasPerpsOpen == nil &&
		p.AllowedFundingTokens == nil &&
		!p.SetPosition &&
		!p.SetPerpsSignal &&
		!p.SetActiveTask &&
		len(p.Events) == 0 &&
		len(p.Executions) == 0 &&
		len(p.DelegationIDs) == 0
}

// Apply 将补丁合并到状态上。
func (p Patch) Apply(state *ThreadState) {
	if p.Phase != nil {
		state.Phase = *p.Phase
	}
	if p.Step != nil {
		state.Step = *p.Step
	}
	if p.Strategy != nil {
		state.Strategy = *p.Strategy
	}
	if p.Operator != nil {
		state.Operator = *p.Operator
	}
	if p.VaultAddress != nil {
		state.VaultAddress = *p.VaultAddress
	}
	if p.ChainName != nil {
		state.ChainName = *p.ChainName
	}
	if p.PoolID != nil {
		state.PoolID = *p.PoolID
	}
	if p.Symbol != nil {
		state.Symbol = *p.Symbol
	}
	if p.TickSpacing != nil {
		state.TickSpacing = *p.TickSpacing
	}
	if p.DecimalsDiff != nil {
		state.DecimalsDiff = *p.DecimalsDiff
	}
	if p.FundingToken != nil {
		state.FundingToken = *p.FundingToken
	}
	if p.AuthMode != nil {
		state.AuthMode = *p.AuthMode
	}
	if p.Prepared != nil {
		state.Prepared = *p.Prepared
	}
	if p.Risk != nil {
		state.Risk = *p.Risk
	}
	if p.Counters != nil {
		state.Counters = *p.Counters
	}
	if p.GasSpentUSD != nil {
		state.GasSpentUSD = *p.GasSpentUSD
	}
	if p.HaltReason != nil {
		state.HaltReason = *p.HaltReason
	}
	if p.Summary != nil {
		state.Summary = *p.Summary
	}
	if p.SizingPercent != nil {
		state.SizingPercent = *p.SizingPercent
	}
	if p.HasPerpsOpen != nil {
		state.HasPerpsOpen = *p.HasPerpsOpen
	}
	if p.AllowedFundingTokens != nil {
		state.AllowedFundingTokens = append([]string(nil), p.AllowedFundingTokens...)
	}
	if p.SetPosition {
		state.Position = p.Position
	}
	if p.SetPerpsSignal {
		state.PerpsSignal = p.PerpsSignal
	}
	if p.SetActiveTask {
		state.ActiveTask = p.ActiveTask
	}
	state.Events = append(state.Events, p.Events...)
	state.Executions = append(state.Executions, p.Executions...)
	state.DelegationIDs = append(state.DelegationIDs, p.DelegationIDs...)
	state.UpdatedAt = time.Now().UTC()
}

// appendTaskTransition 推进任务状态并把事件收进补丁的追加组。
// 终态任务从活跃位上清除，为下一个任务腾位。
func (p *Patch) appendTaskTransition(current *task.Task, status task.Status, message string) *task.Task {
	next, event := task.Advance(current, status, message)
	p.Events = append(p.Events, event)
	p.SetActiveTask = true
	if task.IsTerminal(next.Status) {
		p.ActiveTask = nil
	} else {
		p.ActiveTask = &next
	}
	return &next
}
