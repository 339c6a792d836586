package executor

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"OpenCLMM-Chain/internal/auth"
	xerrors "OpenCLMM-Chain/internal/errors"
)

// Mode 控制执行器的运行方式。
type Mode string

const (
	// ModeSimulate 只构建交易并估算燃气，不上链。
	ModeSimulate Mode = "simulate"
	// ModeExecute 签名并提交交易。
	ModeExecute Mode = "execute"
)

// 执行计划支持的动作种类。区间动作与决策引擎的 ActionKind 一致，
// 永续与资金动作来自信号策略。
const (
	KindEnterRange   = "enter-range"
	KindAdjustRange  = "adjust-range"
	KindExitRange    = "exit-range"
	KindCompoundFees = "compound-fees"
	KindPerpsLong    = "perps-long"
	KindPerpsShort   = "perps-short"
	KindPerpsClose   = "perps-close"
	KindSupply       = "supply"
	KindWithdraw     = "withdraw"
)

var validKinds = map[string]struct{}{
	KindEnterRange:   {},
	KindAdjustRange:  {},
	KindExitRange:    {},
	KindCompoundFees: {},
	KindPerpsLong:    {},
	KindPerpsShort:   {},
	KindPerpsClose:   {},
	KindSupply:       {},
	KindWithdraw:     {},
}

// ExecutionPlan 是一次待执行的动作：种类、目标链与构建参数。
type ExecutionPlan struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Kind      string         `json:"kind"`
	ChainName string         `json:"chain_name"`
	Operator  common.Address `json:"operator"`
	Params    map[string]any `json:"params,omitempty"`
}

// NewPlan 创建一份执行计划并分配 ID。
func NewPlan(threadID, kind, chainName string, operator common.Address, params map[string]any) ExecutionPlan {
	return ExecutionPlan{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Kind:      kind,
		ChainName: chainName,
		Operator:  operator,
		Params:    params,
	}
}

// Validate 检查计划的基本完整性。
func (p ExecutionPlan) Validate() error {
	if strings.TrimSpace(p.ThreadID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行计划缺少线程 ID")
	}
	if _, ok := validKinds[p.Kind]; !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的执行动作: "+p.Kind)
	}
	return nil
}

// closable 判断动作是否是平仓类动作，只有这类动作允许有限重试。
func (p ExecutionPlan) closable() bool {
	return p.Kind == KindPerpsClose || p.Kind == KindExitRange
}

// AuthContext 绑定一次执行使用的签名来源。
type AuthContext struct {
	Mode     auth.Mode `json:"mode"`
	BundleID string    `json:"bundle_id,omitempty"`
}

// DirectAuth 返回直接签名的授权上下文。
func DirectAuth() AuthContext {
	return AuthContext{Mode: auth.ModeDirect}
}

// DelegatedAuth 返回使用指定委托授权的上下文。
func DelegatedAuth(bundleID string) AuthContext {
	return AuthContext{Mode: auth.ModeDelegated, BundleID: bundleID}
}

// AttemptRecord 记录一次执行尝试，无论成败都会追加到历史中。
type AttemptRecord struct {
	At       time.Time     `json:"at"`
	TxHashes []common.Hash `json:"tx_hashes,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Outcome 是执行结果的终态分类。
type Outcome string

const (
	OutcomeSimulated Outcome = "simulated"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeFailed    Outcome = "failed"
)

// ExecutionResult 汇总一次执行：终态、交易哈希、估算燃气与完整尝试历史。
// ErrorCode 供上层按错误分类路由（瞬态重试、致命停摆、配置改道）。
type ExecutionResult struct {
	PlanID      string          `json:"plan_id"`
	Kind        string          `json:"kind"`
	Outcome     Outcome         `json:"outcome"`
	TxHashes    []common.Hash   `json:"tx_hashes,omitempty"`
	GasEstimate uint64          `json:"gas_estimate"`
	Attempts    int             `json:"attempts"`
	History     []AttemptRecord `json:"history"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   xerrors.Code    `json:"error_code,omitempty"`
}
