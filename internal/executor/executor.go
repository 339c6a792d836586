// Package executor 是执行协调器：把决策产出的执行计划变成链上交易。
// 模拟模式只构建与估算，执行模式签名后批量提交；平仓类动作在持仓
// 尚未可见时按固定间隔有限重试，其余失败一律不重试。
package executor

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenCLMM-Chain/internal/auth"
	xerrors "OpenCLMM-Chain/internal/errors"
	"OpenCLMM-Chain/internal/venue"
	"OpenCLMM-Chain/internal/web3"
	"OpenCLMM-Chain/pkg/logger"
)

// 执行协调器注册的业务错误码。
const (
	// CodeNothingToClose 表示平仓时持仓尚不可见，属于可重试的瞬态错误。
	CodeNothingToClose xerrors.Code = "EXECUTOR.NOTHING_TO_CLOSE"
	// CodeAuthDenied 表示授权校验失败，不可重试。
	CodeAuthDenied xerrors.Code = "EXECUTOR.AUTH_DENIED"
)

func init() {
	xerrors.Register(CodeNothingToClose, xerrors.Attributes{
		Message:   "no position to close yet",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeAuthDenied, xerrors.Attributes{
		Message:   "delegated execution denied",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// ChainResolver 按链名解析链客户端，provider.Registry 满足该接口。
type ChainResolver interface {
	Client(name string) (web3.Client, bool)
	DefaultClient() (web3.Client, error)
}

// Coordinator 负责构建、签名并提交执行计划。
type Coordinator struct {
	builder venue.TxBuilder
	chains  ChainResolver
	signer  *web3.Signer
	bundles auth.Store
	log     *slog.Logger

	retryInterval time.Duration
	retryDeadline time.Duration
	gasFallback   uint64
	now           func() time.Time
}

// Option 定义协调器的可选配置。
type Option func(*Coordinator)

// WithRetryInterval 调整平仓重试间隔。
func WithRetryInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

// WithRetryDeadline 调整平仓重试的总时限。
func WithRetryDeadline(deadline time.Duration) Option {
	return func(c *Coordinator) {
		if deadline > 0 {
			c.retryDeadline = deadline
		}
	}
}

// WithGasFallback 设置燃气估算失败时使用的保底燃气上限。
func WithGasFallback(limit uint64) Option {
	return func(c *Coordinator) {
		if limit > 0 {
			c.gasFallback = limit
		}
	}
}

// WithClock 注入时间源，仅测试使用。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator 创建执行协调器。
func NewCoordinator(builder venue.TxBuilder, chains ChainResolver, signer *web3.Signer, bundles auth.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		builder:       builder,
		chains:        chains,
		signer:        signer,
		bundles:       bundles,
		log:           logger.Named("executor"),
		retryInterval: 5 * time.Second,
		retryDeadline: 90 * time.Second,
		gasFallback:   500_000,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute 执行一份计划并返回完整结果。每次尝试（包括失败的）都会追加到
// 结果的历史记录中；只有平仓类动作在持仓尚未可见时重试。
func (c *Coordinator) Execute(ctx context.Context, plan ExecutionPlan, mode Mode, authCtx AuthContext) ExecutionResult {
	result := ExecutionResult{PlanID: plan.ID, Kind: plan.Kind, Outcome: OutcomeFailed}

	if err := plan.Validate(); err != nil {
		return c.fail(result, plan, err)
	}
	if mode != ModeSimulate && mode != ModeExecute {
		return c.fail(result, plan, xerrors.New(xerrors.CodeInvalidArgument, "不支持的执行模式: "+string(mode)))
	}

	params, err := c.applyAuth(ctx, plan, authCtx)
	if err != nil {
		return c.fail(result, plan, err)
	}

	deadline := c.now().Add(c.retryDeadline)
	for {
		hashes, gas, err := c.attempt(ctx, plan, params, mode)
		result.Attempts++
		record := AttemptRecord{At: c.now(), TxHashes: hashes}
		if err != nil {
			record.Error = err.Error()
		}
		result.History = append(result.History, record)

		if err == nil {
			result.TxHashes = hashes
			result.GasEstimate = gas
			result.Outcome = OutcomeSubmitted
			if mode == ModeSimulate {
				result.Outcome = OutcomeSimulated
			}
			c.log.Info("执行计划完成",
				slog.String("plan_id", plan.ID),
				slog.String("kind", plan.Kind),
				slog.String("outcome", string(result.Outcome)),
				slog.Int("attempts", result.Attempts))
			c.audit(plan, result)
			return result
		}

		if !c.shouldRetry(plan, err, deadline) {
			return c.fail(result, plan, err)
		}

		c.log.Info("持仓尚不可见，稍后重试平仓",
			slog.String("plan_id", plan.ID),
			slog.Int("attempts", result.Attempts))
		timer := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.fail(result, plan, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "执行被取消"))
		case <-timer.C:
		}
	}
}

// shouldRetry 仅放行平仓类动作的「持仓尚不可见」错误，且必须在时限内。
func (c *Coordinator) shouldRetry(plan ExecutionPlan, err error, deadline time.Time) bool {
	if !plan.closable() {
		return false
	}
	if xerrors.CodeOf(err) != CodeNothingToClose {
		return false
	}
	return c.now().Add(c.retryInterval).Before(deadline)
}

// applyAuth 校验授权并返回注入执行参数后的副本。
func (c *Coordinator) applyAuth(ctx context.Context, plan ExecutionPlan, authCtx AuthContext) (map[string]any, error) {
	params := make(map[string]any, len(plan.Params)+2)
	for key, value := range plan.Params {
		params[key] = value
	}

	switch authCtx.Mode {
	case auth.ModeDirect:
		return params, nil
	case auth.ModeDelegated:
		if c.bundles == nil {
			return nil, xerrors.New(CodeAuthDenied, "未配置委托授权存储")
		}
		bundle, err := c.bundles.Get(ctx, authCtx.BundleID)
		if err != nil {
			return nil, xerrors.Wrap(CodeAuthDenied, err, "加载委托授权失败")
		}
		if err := bundle.Authorize(plan.Operator, plan.Kind, c.now()); err != nil {
			return nil, xerrors.Wrap(CodeAuthDenied, err, "委托授权校验失败")
		}
		// 委托执行把授权信息打包进交易参数，由交易构建器生成委托外层调用。
		params["delegation_bundle_id"] = bundle.ID
		params["delegation_operator"] = bundle.Operator.Hex()
		if len(bundle.Signature) > 0 {
			params["delegation_signature"] = "0x" + hex.EncodeToString(bundle.Signature)
		}
		return params, nil
	default:
		return nil, xerrors.New(CodeAuthDenied, "不支持的授权模式: "+string(authCtx.Mode))
	}
}

// attempt 构建一轮交易并按模式估算或提交。
func (c *Coordinator) attempt(ctx context.Context, plan ExecutionPlan, params map[string]any, mode Mode) ([]common.Hash, uint64, error) {
	requests, err := c.builder.BuildTransaction(ctx, plan.Kind, params)
	if err != nil {
		return nil, 0, err
	}
	if len(requests) == 0 {
		return nil, 0, xerrors.New(xerrors.CodeInvalidArgument, "交易构建器没有产出交易")
	}

	client, err := c.resolveClient(plan.ChainName)
	if err != nil {
		return nil, 0, err
	}

	var totalGas uint64
	gasLimits := make([]uint64, len(requests))
	for i, request := range requests {
		to := request.To
		msg := gethcore.CallMsg{From: c.signerAddress(), To: &to, Data: request.Data, Value: request.Value}
		gas, err := client.EstimateGas(ctx, msg)
		if err != nil {
			gas = c.gasFallback
		}
		gasLimits[i] = gas
		totalGas += gas
	}

	if mode == ModeSimulate {
		return nil, totalGas, nil
	}

	if c.signer == nil {
		return nil, 0, xerrors.New(xerrors.CodeInitializationFailure, "执行模式需要配置签名器")
	}

	nonce, err := client.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "查询交易计数失败")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "查询燃气价格失败")
	}

	signed := make([]*coretypes.Transaction, 0, len(requests))
	for i, request := range requests {
		tx, err := c.signer.SignTx(nonce+uint64(i), request.To, request.Value, gasLimits[i], gasPrice, request.Data)
		if err != nil {
			return nil, 0, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "签名交易失败")
		}
		signed = append(signed, tx)
	}

	hashes, err := client.SendBatchTransactions(ctx, signed)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "提交交易失败")
	}
	return hashes, totalGas, nil
}

func (c *Coordinator) resolveClient(chainName string) (web3.Client, error) {
	if c.chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	if chainName == "" {
		client, err := c.chains.DefaultClient()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析默认链失败")
		}
		return client, nil
	}
	client, ok := c.chains.Client(chainName)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未注册的链: "+chainName)
	}
	return client, nil
}

func (c *Coordinator) signerAddress() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Coordinator) fail(result ExecutionResult, plan ExecutionPlan, err error) ExecutionResult {
	result.Outcome = OutcomeFailed
	result.Error = err.Error()
	result.ErrorCode = xerrors.CodeOf(err)
	if result.Attempts == 0 {
		result.Attempts = 1
		result.History = append(result.History, AttemptRecord{At: c.now(), Error: err.Error()})
	}
	c.log.Error("执行计划失败",
		slog.String("plan_id", plan.ID),
		slog.String("kind", plan.Kind),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Int("attempts", result.Attempts),
		slog.String("error", err.Error()))
	c.audit(plan, result)
	return result
}

// audit 把每次执行结果写入审计日志，形成独立于业务日志的操作留痕。
func (c *Coordinator) audit(plan ExecutionPlan, result ExecutionResult) {
	hashes := make([]string, 0, len(result.TxHashes))
	for _, hash := range result.TxHashes {
		hashes = append(hashes, hash.Hex())
	}
	logger.Audit().Info("execution",
		slog.String("plan_id", plan.ID),
		slog.String("thread_id", plan.ThreadID),
		slog.String("kind", plan.Kind),
		slog.String("chain", plan.ChainName),
		slog.String("operator", plan.Operator.Hex()),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("attempts", result.Attempts),
		slog.Any("tx_hashes", hashes),
		slog.String("error", result.Error))
}
