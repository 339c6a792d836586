package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenCLMM-Chain/internal/auth"
	"OpenCLMM-Chain/internal/decision"
	xerrors "OpenCLMM-Chain/internal/errors"
	"OpenCLMM-Chain/internal/executor"
	"OpenCLMM-Chain/internal/storage/mysql"
	"OpenCLMM-Chain/internal/task"
	"OpenCLMM-Chain/internal/venue"
)

// stepRunCommand 是每次推进的入口：按指令分发，未知指令一律拒绝（fail-closed）。
func stepRunCommand(ctx context.Context, e *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error) {
	var patch Patch
	command := strings.ToLower(strings.TrimSpace(in.Command))

	// 同一线程最多一个活跃任务：活跃期间只接受回答类输入与终止指令。
	if st.ActiveTask != nil && task.IsActive(st.ActiveTask.Status) {
		switch command {
		case CommandHire, CommandCycle:
			_, event := task.Advance(nil, task.StatusRejected,
				fmt.Sprintf("线程已有活跃任务 %s，拒绝新的 %s 指令", st.ActiveTask.ID, command))
			patch.Events = append(patch.Events, event)
			return patch, Suspend(st.Step, "已有活跃任务"), nil
		}
	}

	switch command {
	case CommandHire:
		if st.Phase != PhaseOnboarding || st.Prepared {
			_, event := task.Advance(nil, task.StatusRejected, "线程已存在，重复的 hire 指令被拒绝")
			patch.Events = append(patch.Events, event)
			return patch, Suspend(st.Step, "重复 hire"), nil
		}
		patch.appendTaskTransition(nil, task.StatusSubmitted, "开始入驻流程")
		return patch, Continue(StepBootstrap), nil

	case CommandResume:
		if st.Phase == PhaseHalted || st.Phase == PhaseDone {
			_, event := task.Advance(nil, task.StatusRejected, fmt.Sprintf("线程处于 %s 阶段，无法恢复", st.Phase))
			patch.Events = append(patch.Events, event)
			return patch, Suspend(st.Step, "线程已终止"), nil
		}
		// 没有带来新输入的恢复只是重放同一个中断，不重复记状态事件。
		if st.ActiveTask != nil && awaitingInput(st.ActiveTask.Status) && len(in.Answers) == 0 {
			return patch, Continue(StepResolveNeeds), nil
		}
		if st.ActiveTask == nil {
			patch.appendTaskTransition(nil, task.StatusWorking, "恢复线程")
		} else {
			patch.appendTaskTransition(st.ActiveTask, task.StatusWorking, "恢复线程")
		}
		return patch, Continue(StepResolveNeeds), nil

	case CommandCycle:
		if st.Phase != PhaseManaging {
			_, event := task.Advance(nil, task.StatusRejected, fmt.Sprintf("线程处于 %s 阶段，不接受轮询指令", st.Phase))
			patch.Events = append(patch.Events, event)
			return patch, Suspend(st.Step, "线程未在管理阶段"), nil
		}
		patch.appendTaskTransition(nil, task.StatusWorking, "轮询周期")
		return patch, Continue(StepPollCycle), nil

	case CommandSignal:
		if in.Signal == nil {
			_, event := task.Advance(nil, task.StatusRejected, "signal 指令缺少信号负载")
			patch.Events = append(patch.Events, event)
			return patch, Suspend(st.Step, "缺少信号"), nil
		}
		strategy := StrategyPerpsSignal
		patch.Strategy = &strategy
		signal := *in.Signal
		patch.SetPerpsSignal = true
		patch.PerpsSignal = &signal
		if st.Phase == PhaseManaging {
			patch.appendTaskTransition(nil, task.StatusWorking, "处理合约信号")
			return patch, Continue(StepPollCycle), nil
		}
		patch.appendTaskTransition(st.ActiveTask, task.StatusWorking, "收到合约信号，继续入驻")
		return patch, Continue(StepResolveNeeds), nil

	case CommandFire:
		return fireThread(ctx, e, st, patch)

	default:
		_, event := task.Advance(nil, task.StatusRejected, fmt.Sprintf("未知指令: %q", in.Command))
		patch.Events = append(patch.Events, event)
		e.log.Warn("拒绝未知指令")
		return patch, Suspend(st.Step, "未知指令"), nil
	}
}

// fireThread 退出线程：有头寸先平仓，然后取消调度并结束。
func fireThread(ctx context.Context, e *Engine, st *ThreadState, patch Patch) (Patch, Outcome, error) {
	if st.Position != nil || st.HasPerpsOpen {
		kind := executor.KindExitRange
		params := map[string]any{"pool_id": st.PoolID}
		if st.HasPerpsOpen {
			kind = executor.KindPerpsClose
			params = map[string]any{"symbol": st.Symbol}
		}
		plan := executor.NewPlan(st.ThreadID, kind, st.ChainName, st.Operator, params)
		result := e.exec.Execute(ctx, plan, e.mode, authFor(st))
		patch.Executions = append(patch.Executions, result)
		e.metrics.ObserveExecution(string(result.Outcome))
		if result.Outcome == executor.OutcomeFailed {
			reason := "退出时平仓失败: " + result.Error
			patch.HaltReason = &reason
			return patch, Continue(StepHalt), nil
		}
		patch.SetPosition = true
		patch.Position = nil
		open := false
		patch.HasPerpsOpen = &open
	}

	e.schedule.CancelSchedule(st.ThreadID)
	phase := PhaseDone
	patch.Phase = &phase
	if st.ActiveTask != nil && task.IsActive(st.ActiveTask.Status) {
		patch.appendTaskTransition(st.ActiveTask, task.StatusCanceled, "线程被解雇")
	} else {
		patch.appendTaskTransition(nil, task.StatusCompleted, "线程被解雇")
	}
	return patch, Finish("fired"), nil
}

// stepBootstrap 初始化线程配置。
func stepBootstrap(_ context.Context, e *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error) {
	var patch Patch

	if strategy := strings.TrimSpace(in.Answers["strategy"]); strategy != "" {
		if strategy != StrategyClmmRange && strategy != StrategyPerpsSignal {
			reason := fmt.Sprintf("不支持的策略: %s", strategy)
			patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
			patch.HaltReason = &reason
			return patch, Continue(StepHalt), nil
		}
		patch.Strategy = &strategy
	}
	if chain := strings.TrimSpace(in.Answers["chain"]); chain != "" {
		patch.ChainName = &chain
	}
	if vault := strings.TrimSpace(in.Answers["vault"]); common.IsHexAddress(vault) {
		address := common.HexToAddress(vault)
		patch.VaultAddress = &address
	}
	if mode := auth.Mode(strings.TrimSpace(in.Answers["auth_mode"])); auth.IsValidMode(mode) {
		patch.AuthMode = &mode
	}

	patch.appendTaskTransition(st.ActiveTask, task.StatusWorking, "初始化线程配置")
	return patch, Continue(StepListPools), nil
}

// stepListPools 拉取候选池子并确定资金代币选项。
func stepListPools(ctx context.Context, e *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error) {
	var patch Patch

	pools, err := e.snapshots.ListPools(ctx)
	if err != nil {
		// 交易所查询是瞬态失败，挂起等待下一次恢复。
		patch.appendTaskTransition(st.ActiveTask, task.StatusWorking, "池子列表暂不可用，稍后重试")
		return patch, Suspend(StepListPools, "池子列表不可用"), nil
	}
	if len(pools) == 0 {
		reason := "交易所没有可用的池子"
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}

	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	selected := pools[0]
	if want := strings.TrimSpace(in.Answers["pool"]); want != "" {
		found := false
		for _, pool := range pools {
			if pool.ID == want {
				selected = pool
				found = true
				break
			}
		}
		if !found {
			reason := fmt.Sprintf("池子 %s 不在候选列表中", want)
			patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
			patch.HaltReason = &reason
			return patch, Continue(StepHalt), nil
		}
	}

	diff := selected.DecimalsDiff()
	patch.PoolID = &selected.ID
	patch.Symbol = &selected.Symbol
	patch.TickSpacing = &selected.TickSpacing
	patch.DecimalsDiff = &diff
	if selected.ChainName != "" && st.ChainName == "" {
		patch.ChainName = &selected.ChainName
	}
	patch.AllowedFundingTokens = fundingOptions(selected.Symbol)

	return patch, Continue(StepResolveNeeds), nil
}

// awaitingInput 判断任务是否停在等待外部输入的中断上。
func awaitingInput(status task.Status) bool {
	return status == task.StatusInputRequired || status == task.StatusAuthRequired
}

// raiseInterrupt 把任务置为等待输入并挂起。与当前任务完全相同的中断
// 不再追加状态事件，保证同样的未回答状态重放出同样的中断而非新补丁。
func raiseInterrupt(patch Patch, st *ThreadState, status task.Status, message, reason string) (Patch, Outcome, error) {
	if st.ActiveTask == nil || st.ActiveTask.Status != status || st.ActiveTask.Message != message {
		patch.appendTaskTransition(st.ActiveTask, status, message)
	}
	return patch, Suspend(StepResolveNeeds, reason), nil
}

// fundingOptions 从池子符号（如 "ETH/USDC"）推导资金代币选项。
func fundingOptions(symbol string) []string {
	parts := strings.Split(symbol, "/")
	options := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			options = append(options, part)
		}
	}
	return options
}

// stepResolveNeeds 是入驻流程的唯一裁决点：按固定顺序回答
// 「这个线程还缺什么」，所有收集步骤完成后都会跳回这里复查。
func stepResolveNeeds(_ context.Context, e *Engine, st *ThreadState, _ *Inbound) (Patch, Outcome, error) {
	var patch Patch

	switch {
	case st.PoolID == "":
		return patch, Continue(StepListPools), nil
	case st.Operator == (common.Address{}):
		return patch, Continue(StepCollectOperator), nil
	case st.FundingToken == "":
		return patch, Continue(StepCollectFundingToken), nil
	case st.AuthMode == auth.ModeDelegated && len(st.DelegationIDs) == 0:
		return patch, Continue(StepCollectDelegations), nil
	case !st.Prepared:
		return patch, Continue(StepPrepareOperator), nil
	default:
		if st.Phase == PhaseOnboarding {
			phase := PhaseManaging
			patch.Phase = &phase
			e.schedule.EnsureScheduled(st.ThreadID)
		}
		return patch, Continue(StepSummarize), nil
	}
}

// stepCollectOperator 收集操作员钱包地址。
func stepCollectOperator(_ context.Context, _ *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error) {
	var patch Patch

	answer := strings.TrimSpace(in.Answers["operator"])
	if answer == "" {
		return raiseInterrupt(patch, st, task.StatusInputRequired, "需要操作员钱包地址", "等待操作员地址")
	}
	if !common.IsHexAddress(answer) {
		return raiseInterrupt(patch, st, task.StatusInputRequired,
			fmt.Sprintf("操作员地址 %q 不是合法的十六进制地址", answer), "操作员地址非法")
	}

	address := common.HexToAddress(answer)
	patch.Operator = &address
	if mode := auth.Mode(strings.TrimSpace(in.Answers["auth_mode"])); auth.IsValidMode(mode) {
		patch.AuthMode = &mode
	}
	return patch, Continue(StepResolveNeeds), nil
}

// stepCollectFundingToken 收集资金代币。答案必须落在池子推导出的选项内；
// 非法答案直接终结任务并停摆线程，不构建任何交易。
func stepCollectFundingToken(_ context.Context, _ *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error) {
	var patch Patch

	answer := strings.ToUpper(strings.TrimSpace(in.Answers["funding_token"]))
	if answer == "" {
		return raiseInterrupt(patch, st, task.StatusInputRequired,
			fmt.Sprintf("需要资金代币，可选项: %s", strings.Join(st.AllowedFundingTokens, ", ")), "等待资金代币")
	}

	for _, option := range st.AllowedFundingTokens {
		if answer == option {
			patch.FundingToken = &answer
			return patch, Continue(StepResolveNeeds), nil
		}
	}

	reason := fmt.Sprintf("funding token %s not in allowed options %v", answer, st.AllowedFundingTokens)
	patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
	patch.HaltReason = &reason
	return patch, Continue(StepHalt), nil
}

// stepCollectDelegations 收集委托授权（仅委托模式需要）。
func stepCollectDelegations(ctx context.Context, e *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error) {
	var patch Patch

	if st.AuthMode != auth.ModeDelegated {
		return patch, Continue(StepResolveNeeds), nil
	}

	bundleID := strings.TrimSpace(in.Answers["delegation_bundle_id"])
	if bundleID == "" {
		return raiseInterrupt(patch, st, task.StatusAuthRequired, "需要委托授权 ID", "等待委托授权")
	}

	bundle, err := e.bundles.Get(ctx, bundleID)
	if err != nil {
		return raiseInterrupt(patch, st, task.StatusAuthRequired,
			fmt.Sprintf("委托授权 %s 不存在", bundleID), "委托授权不存在")
	}
	if bundle.Operator != st.Operator {
		return raiseInterrupt(patch, st, task.StatusAuthRequired,
			"委托授权的操作员与线程操作员不一致", "委托授权不匹配")
	}
	if bundle.Expired(time.Now()) {
		return raiseInterrupt(patch, st, task.StatusAuthRequired,
			"委托授权已过期，请重新授权", "委托授权过期")
	}

	patch.DelegationIDs = append(patch.DelegationIDs, bundleID)
	return patch, Continue(StepResolveNeeds), nil
}

// stepPrepareOperator 为操作员钱包做准备：把资金代币供给到策略金库。
func stepPrepareOperator(ctx context.Context, e *Engine, st *ThreadState, _ *Inbound) (Patch, Outcome, error) {
	var patch Patch

	plan := executor.NewPlan(st.ThreadID, executor.KindSupply, st.ChainName, st.Operator, map[string]any{
		"pool_id": st.PoolID,
		"token":   st.FundingToken,
	})
	result := e.exec.Execute(ctx, plan, e.mode, authFor(st))
	patch.Executions = append(patch.Executions, result)
	e.metrics.ObserveExecution(string(result.Outcome))

	if result.Outcome == executor.OutcomeFailed {
		if xerrors.AttributesOf(result.ErrorCode).Retryable {
			patch.appendTaskTransition(st.ActiveTask, task.StatusWorking, "准备操作员失败，稍后重试: "+result.Error)
			return patch, Suspend(StepResolveNeeds, "准备操作员重试"), nil
		}
		reason := "准备操作员失败: " + result.Error
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}

	prepared := true
	patch.Prepared = &prepared
	return patch, Continue(StepResolveNeeds), nil
}

// stepPollCycle 执行一轮管理周期：观测、决策、执行，收尾统一走 summarize；
// 只有停摆走 halt 汇点。
func stepPollCycle(ctx context.Context, e *Engine, st *ThreadState, _ *Inbound) (Patch, Outcome, error) {
	if st.Strategy == StrategyPerpsSignal {
		return perpsCycle(ctx, e, st)
	}
	return clmmCycle(ctx, e, st)
}

func clmmCycle(ctx context.Context, e *Engine, st *ThreadState) (Patch, Outcome, error) {
	var patch Patch

	snap, err := e.snapshots.GetSnapshot(ctx, st.PoolID)
	if err != nil {
		counters := st.Counters
		counters.Staleness++
		patch.Counters = &counters
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, "交易所快照不可用，本轮跳过")
		e.metrics.ObserveCycle(st.Strategy, "stale")
		return patch, Continue(StepSummarize), nil
	}

	// 流动性与待领取费用每轮以交易所观测为准，否则复投规则永远看不到费用。
	position := observedPosition(st.Position, snap.Position)
	dctx := decision.DecisionContext{
		MidPrice:     snap.MidPrice,
		Volatility:   snap.Volatility,
		TickSpacing:  st.TickSpacing,
		DecimalsDiff: st.DecimalsDiff,
		Position:     position,
		Risk:         st.Risk,
		Counters:     st.Counters,
		GasSpentUSD:  st.GasSpentUSD,
	}
	action, err := decision.Decide(dctx)
	if err != nil {
		reason := "决策输入非法: " + err.Error()
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}
	e.metrics.ObserveCycle(st.Strategy, string(action.Kind))

	counters := st.Counters
	counters.Iteration++
	counters.Staleness = 0

	if action.Kind == decision.ActionHold {
		counters.CyclesSinceRebalance++
		patch.Counters = &counters
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, action.Reason)
		e.recordCycle(ctx, st, mysql.CycleRecord{
			Action:   string(action.Kind),
			Reason:   action.Reason,
			MidPrice: snap.MidPrice,
		})
		return patch, Continue(StepSummarize), nil
	}

	params := map[string]any{"pool_id": st.PoolID}
	if action.Range != nil {
		params["lower_tick"] = action.Range.LowerTick
		params["upper_tick"] = action.Range.UpperTick
		params["lower_price"] = action.Range.LowerPrice
		params["upper_price"] = action.Range.UpperPrice
	}
	plan := executor.NewPlan(st.ThreadID, string(action.Kind), st.ChainName, st.Operator, params)
	result := e.exec.Execute(ctx, plan, e.mode, authFor(st))
	patch.Executions = append(patch.Executions, result)
	e.metrics.ObserveExecution(string(result.Outcome))

	record := mysql.CycleRecord{
		Action:      string(action.Kind),
		Reason:      action.Reason,
		MidPrice:    snap.MidPrice,
		Outcome:     string(result.Outcome),
		GasEstimate: result.GasEstimate,
		TxCount:     len(result.TxHashes),
	}
	if action.Range != nil {
		record.LowerTick = action.Range.LowerTick
		record.UpperTick = action.Range.UpperTick
	}
	e.recordCycle(ctx, st, record)

	if result.Outcome == executor.OutcomeFailed {
		if xerrors.AttributesOf(result.ErrorCode).Retryable {
			counters.Staleness++
			patch.Counters = &counters
			patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, "执行暂时失败，下轮重试: "+result.Error)
			return patch, Continue(StepSummarize), nil
		}
		reason := fmt.Sprintf("动作 %s 执行失败: %s", action.Kind, result.Error)
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}

	gas := st.GasSpentUSD.Add(e.gasUSDPerUnit.Mul(decimal.NewFromInt(int64(result.GasEstimate))))
	patch.GasSpentUSD = &gas

	switch action.Kind {
	case decision.ActionEnterRange, decision.ActionAdjustRange:
		counters.CyclesSinceRebalance = 0
		rebalanced := &decision.PositionSnapshot{
			LowerTick:  action.Range.LowerTick,
			UpperTick:  action.Range.UpperTick,
			LowerPrice: action.Range.LowerPrice,
			UpperPrice: action.Range.UpperPrice,
		}
		if position != nil {
			rebalanced.Liquidity = position.Liquidity
		}
		patch.SetPosition = true
		patch.Position = rebalanced
	case decision.ActionCompoundFees:
		counters.CyclesSinceRebalance++
		if position != nil {
			compounded := *position
			compounded.FeesOwedUSD = decimal.Zero
			patch.SetPosition = true
			patch.Position = &compounded
		}
	case decision.ActionExitRange:
		patch.SetPosition = true
		patch.Position = nil
		patch.Counters = &counters
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, action.Reason)
		phase := PhaseDone
		patch.Phase = &phase
		e.schedule.CancelSchedule(st.ThreadID)
		return patch, Continue(StepSummarize), nil
	}

	patch.Counters = &counters
	patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, action.Reason)
	return patch, Continue(StepSummarize), nil
}

// observedPosition 把交易所观测到的头寸折算进线程记录的头寸：区间以线程
// 记录为准，流动性与待领取费用以观测为准。线程没有记录时直接采信观测。
func observedPosition(recorded *decision.PositionSnapshot, observed *venue.Position) *decision.PositionSnapshot {
	if observed == nil {
		return recorded
	}
	if recorded == nil {
		return &decision.PositionSnapshot{
			LowerTick:   observed.LowerTick,
			UpperTick:   observed.UpperTick,
			LowerPrice:  observed.LowerPrice,
			UpperPrice:  observed.UpperPrice,
			Liquidity:   observed.Liquidity,
			FeesOwedUSD: observed.FeesOwedUSD,
		}
	}
	merged := *recorded
	merged.Liquidity = observed.Liquidity
	merged.FeesOwedUSD = observed.FeesOwedUSD
	return &merged
}

func perpsCycle(ctx context.Context, e *Engine, st *ThreadState) (Patch, Outcome, error) {
	var patch Patch

	if e.markets == nil {
		reason := "合约策略缺少市场读取器"
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}

	symbol := st.Symbol
	if st.PerpsSignal != nil && st.PerpsSignal.Symbol != "" {
		symbol = st.PerpsSignal.Symbol
	}

	mark, err := e.markets.MarkPrice(ctx, symbol)
	if err != nil {
		counters := st.Counters
		counters.Staleness++
		patch.Counters = &counters
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, "标记价不可用，本轮跳过")
		e.metrics.ObserveCycle(st.Strategy, "stale")
		return patch, Continue(StepSummarize), nil
	}

	counters := st.Counters
	counters.Iteration++
	counters.Staleness = 0
	patch.Counters = &counters

	if st.HasPerpsOpen {
		action := decision.DecidePerps(decision.PerpsContext{
			MarkPrice:   mark,
			Signal:      st.PerpsSignal,
			HasPosition: true,
			Now:         time.Now(),
		})
		e.metrics.ObserveCycle(st.Strategy, fmt.Sprintf("close=%t", action.ShouldClose))
		if !action.ShouldClose {
			patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, action.Reason)
			return patch, Continue(StepSummarize), nil
		}

		plan := executor.NewPlan(st.ThreadID, executor.KindPerpsClose, st.ChainName, st.Operator,
			map[string]any{"symbol": symbol, "reason": action.Reason})
		result := e.exec.Execute(ctx, plan, e.mode, authFor(st))
		patch.Executions = append(patch.Executions, result)
		e.metrics.ObserveExecution(string(result.Outcome))
		if result.Outcome == executor.OutcomeFailed {
			reason := "平仓失败: " + result.Error
			patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
			patch.HaltReason = &reason
			return patch, Continue(StepHalt), nil
		}

		open := false
		patch.HasPerpsOpen = &open
		patch.SetPerpsSignal = true
		patch.PerpsSignal = nil
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, action.Reason)
		e.recordCycle(ctx, st, mysql.CycleRecord{
			Action:      executor.KindPerpsClose,
			Reason:      action.Reason,
			MidPrice:    mark,
			Outcome:     string(result.Outcome),
			GasEstimate: result.GasEstimate,
			TxCount:     len(result.TxHashes),
		})
		return patch, Continue(StepSummarize), nil
	}

	if st.PerpsSignal == nil {
		e.metrics.ObserveCycle(st.Strategy, "idle")
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, "没有待处理的信号")
		return patch, Continue(StepSummarize), nil
	}

	spec, err := e.markets.MarketSpec(ctx, symbol)
	if err != nil {
		reason := fmt.Sprintf("市场 %s 不可用: %s", symbol, err.Error())
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}
	vault, err := e.markets.VaultSummary(ctx, st.VaultAddress)
	if err != nil {
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, "金库数据不可用，本轮跳过")
		return patch, Continue(StepSummarize), nil
	}
	sizing, err := venue.SizeFromVault(spec, vault, mark, st.SizingPercent)
	if err != nil {
		reason := "仓位计算失败: " + err.Error()
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}

	kind := executor.KindPerpsShort
	if st.PerpsSignal.IsBuy {
		kind = executor.KindPerpsLong
	}
	plan := executor.NewPlan(st.ThreadID, kind, st.ChainName, st.Operator, map[string]any{
		"symbol": symbol,
		"size":   sizing.Size,
		"price":  venue.MarketPrice(mark, st.PerpsSignal.IsBuy, 0, spec),
	})
	result := e.exec.Execute(ctx, plan, e.mode, authFor(st))
	patch.Executions = append(patch.Executions, result)
	e.metrics.ObserveExecution(string(result.Outcome))
	if result.Outcome == executor.OutcomeFailed {
		if xerrors.AttributesOf(result.ErrorCode).Retryable {
			patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, "开仓暂时失败，下轮重试: "+result.Error)
			return patch, Continue(StepSummarize), nil
		}
		reason := "开仓失败: " + result.Error
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
		patch.HaltReason = &reason
		return patch, Continue(StepHalt), nil
	}

	signal := *st.PerpsSignal
	signal.EntryPrice = mark
	symbolCopy := symbol
	open := true
	patch.Symbol = &symbolCopy
	patch.HasPerpsOpen = &open
	patch.SetPerpsSignal = true
	patch.PerpsSignal = &signal
	patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, fmt.Sprintf("按信号开仓 %s", kind))
	e.metrics.ObserveCycle(st.Strategy, kind)
	e.recordCycle(ctx, st, mysql.CycleRecord{
		Action:      kind,
		Reason:      fmt.Sprintf("signal %s size %.6g", symbol, sizing.Size),
		MidPrice:    mark,
		Outcome:     string(result.Outcome),
		GasEstimate: result.GasEstimate,
		TxCount:     len(result.TxHashes),
	})
	return patch, Continue(StepSummarize), nil
}

// stepSummarize 写入线程摘要并收尾本次推进。
func stepSummarize(_ context.Context, _ *Engine, st *ThreadState, _ *Inbound) (Patch, Outcome, error) {
	var patch Patch

	summary := fmt.Sprintf("phase=%s strategy=%s pool=%s iteration=%d executions=%d",
		st.Phase, st.Strategy, st.PoolID, st.Counters.Iteration, len(st.Executions))
	if st.Position != nil {
		summary += fmt.Sprintf(" range=[%d,%d]", st.Position.LowerTick, st.Position.UpperTick)
	}
	patch.Summary = &summary

	if st.ActiveTask != nil && task.IsActive(st.ActiveTask.Status) {
		patch.appendTaskTransition(st.ActiveTask, task.StatusCompleted, summary)
	}
	if st.Phase == PhaseDone {
		return patch, Finish("done"), nil
	}
	next := StepResolveNeeds
	if st.Phase == PhaseManaging {
		next = StepPollCycle
	}
	return patch, Suspend(next, "等待下一次输入"), nil
}

// stepHalt 是终路汇点：取消调度、终结活跃任务并发出告警。
func stepHalt(ctx context.Context, e *Engine, st *ThreadState, _ *Inbound) (Patch, Outcome, error) {
	var patch Patch

	e.schedule.CancelSchedule(st.ThreadID)
	phase := PhaseHalted
	patch.Phase = &phase

	reason := st.HaltReason
	if reason == "" {
		reason = "unknown halt"
		patch.HaltReason = &reason
	}
	if st.ActiveTask != nil && task.IsActive(st.ActiveTask.Status) {
		patch.appendTaskTransition(st.ActiveTask, task.StatusFailed, reason)
	}

	e.notifyHalt(ctx, st, reason)
	return patch, Finish(reason), nil
}

// authFor 根据线程状态构造执行授权上下文，委托模式使用最近一份授权。
func authFor(st *ThreadState) executor.AuthContext {
	if st.AuthMode == auth.ModeDelegated && len(st.DelegationIDs) > 0 {
		return executor.DelegatedAuth(st.DelegationIDs[len(st.DelegationIDs)-1])
	}
	return executor.DirectAuth()
}
