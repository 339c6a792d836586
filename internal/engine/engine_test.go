package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenCLMM-Chain/internal/auth"
	"OpenCLMM-Chain/internal/checkpoint"
	"OpenCLMM-Chain/internal/decision"
	xerrors "OpenCLMM-Chain/internal/errors"
	"OpenCLMM-Chain/internal/executor"
	"OpenCLMM-Chain/internal/task"
	"OpenCLMM-Chain/internal/venue"
)

const (
	testOperator = "0x1111111111111111111111111111111111111111"
	testVault    = "0x2222222222222222222222222222222222222222"
	testPoolID   = "eth-usdc-3000"
)

type stubExecutor struct {
	plans   []executor.ExecutionPlan
	auths   []executor.AuthContext
	results map[string]executor.ExecutionResult
}

func (s *stubExecutor) Execute(_ context.Context, plan executor.ExecutionPlan, _ executor.Mode, authCtx executor.AuthContext) executor.ExecutionResult {
	s.plans = append(s.plans, plan)
	s.auths = append(s.auths, authCtx)
	if result, ok := s.results[plan.Kind]; ok {
		result.PlanID = plan.ID
		result.Kind = plan.Kind
		return result
	}
	return executor.ExecutionResult{
		PlanID:      plan.ID,
		Kind:        plan.Kind,
		Outcome:     executor.OutcomeSimulated,
		GasEstimate: 21000,
		Attempts:    1,
	}
}

func (s *stubExecutor) kinds() []string {
	kinds := make([]string, 0, len(s.plans))
	for _, plan := range s.plans {
		kinds = append(kinds, plan.Kind)
	}
	return kinds
}

type stubScheduler struct {
	ensured  []string
	canceled []string
}

func (s *stubScheduler) EnsureScheduled(id string) { s.ensured = append(s.ensured, id) }
func (s *stubScheduler) CancelSchedule(id string)  { s.canceled = append(s.canceled, id) }

type testHarness struct {
	engine  *Engine
	venue   *venue.StaticVenue
	exec    *stubExecutor
	sched   *stubScheduler
	store   *checkpoint.MemoryStore
	bundles *auth.MemoryStore
}

func newTestHarness(opts ...Option) *testHarness {
	v := venue.NewStaticVenue()
	v.AddPool(venue.Pool{
		ID:          testPoolID,
		Symbol:      "ETH/USDC",
		Decimals0:   18,
		Decimals1:   6,
		TickSpacing: 60,
		FeeTierBps:  30,
		ChainName:   "ethereum-sepolia",
	}, venue.Snapshot{MidPrice: 2000})

	exec := &stubExecutor{results: make(map[string]executor.ExecutionResult)}
	sched := &stubScheduler{}
	store := checkpoint.NewMemoryStore()
	bundles := auth.NewMemoryStore()

	all := append([]Option{WithScheduler(sched), WithMarketReader(v)}, opts...)
	return &testHarness{
		engine:  NewEngine(store, v, exec, bundles, all...),
		venue:   v,
		exec:    exec,
		sched:   sched,
		store:   store,
		bundles: bundles,
	}
}

func hireAnswers() map[string]string {
	return map[string]string{
		"chain":         "ethereum-sepolia",
		"vault":         testVault,
		"operator":      testOperator,
		"funding_token": "USDC",
	}
}

// onboard 一次性完成入驻并断言线程进入管理阶段。
func onboard(t *testing.T, h *testHarness, threadID string) *ThreadState {
	t.Helper()
	state, err := h.engine.AdvanceThread(context.Background(), threadID, Inbound{
		Command: CommandHire,
		Answers: hireAnswers(),
	})
	if err != nil {
		t.Fatalf("onboarding failed: %v", err)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("expected managing phase after onboarding, got %s", state.Phase)
	}
	return state
}

func lastEvent(t *testing.T, state *ThreadState) task.StatusEvent {
	t.Helper()
	if len(state.Events) == 0 {
		t.Fatal("expected at least one status event")
	}
	return state.Events[len(state.Events)-1]
}

func TestOnboardingInterviewCollectsInputsStepwise(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{
		Command: CommandHire,
		Answers: map[string]string{"chain": "ethereum-sepolia"},
	})
	if err != nil {
		t.Fatalf("hire failed: %v", err)
	}
	if state.Phase != PhaseOnboarding {
		t.Fatalf("expected onboarding phase, got %s", state.Phase)
	}
	if state.ActiveTask == nil || state.ActiveTask.Status != task.StatusInputRequired {
		t.Fatalf("expected input-required task awaiting operator, got %+v", state.ActiveTask)
	}
	if state.PoolID != testPoolID {
		t.Fatalf("expected pool %s selected, got %q", testPoolID, state.PoolID)
	}
	if len(state.AllowedFundingTokens) != 2 {
		t.Fatalf("expected ETH/USDC funding options, got %v", state.AllowedFundingTokens)
	}

	state, err = h.engine.AdvanceThread(ctx, "thread-1", Inbound{
		Command: CommandResume,
		Answers: map[string]string{"operator": testOperator},
	})
	if err != nil {
		t.Fatalf("resume with operator failed: %v", err)
	}
	if state.Operator != common.HexToAddress(testOperator) {
		t.Fatalf("operator not recorded: %s", state.Operator)
	}
	if state.ActiveTask == nil || state.ActiveTask.Status != task.StatusInputRequired {
		t.Fatalf("expected input-required task awaiting funding token, got %+v", state.ActiveTask)
	}

	state, err = h.engine.AdvanceThread(ctx, "thread-1", Inbound{
		Command: CommandResume,
		Answers: map[string]string{"funding_token": "usdc"},
	})
	if err != nil {
		t.Fatalf("resume with funding token failed: %v", err)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("expected managing phase, got %s", state.Phase)
	}
	if state.FundingToken != "USDC" {
		t.Fatalf("expected normalized funding token USDC, got %q", state.FundingToken)
	}
	if !state.Prepared {
		t.Fatal("expected operator prepared")
	}
	if state.ActiveTask != nil {
		t.Fatalf("expected terminal task cleared, got %+v", state.ActiveTask)
	}
	if got := h.exec.kinds(); len(got) != 1 || got[0] != executor.KindSupply {
		t.Fatalf("expected exactly one supply execution, got %v", got)
	}
	if len(h.sched.ensured) != 1 || h.sched.ensured[0] != "thread-1" {
		t.Fatalf("expected thread scheduled once, got %v", h.sched.ensured)
	}
}

func TestResumeAfterOnboardingIsIdempotent(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	before := len(h.exec.plans)

	state, err := h.engine.AdvanceThread(context.Background(), "thread-1", Inbound{Command: CommandResume})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("expected managing phase preserved, got %s", state.Phase)
	}
	if len(h.exec.plans) != before {
		t.Fatalf("resume must not re-run preparation, executions %v", h.exec.kinds())
	}
}

func TestNewWorkRejectedWhileTaskActive(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	// 第一次 hire 停在等待操作员输入，任务保持活跃。
	if _, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandHire}); err != nil {
		t.Fatalf("hire failed: %v", err)
	}
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandHire})
	if err != nil {
		t.Fatalf("second hire errored instead of rejecting: %v", err)
	}
	event := lastEvent(t, state)
	if event.Status != task.StatusRejected {
		t.Fatalf("expected rejected event, got %s (%s)", event.Status, event.Message)
	}
	if state.ActiveTask == nil || state.ActiveTask.Status != task.StatusInputRequired {
		t.Fatalf("active task must survive rejected command, got %+v", state.ActiveTask)
	}
	if len(h.exec.plans) != 0 {
		t.Fatalf("no execution expected, got %v", h.exec.kinds())
	}
}

func TestUnknownCommandFailsClosed(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	before := len(h.exec.plans)

	state, err := h.engine.AdvanceThread(context.Background(), "thread-1", Inbound{Command: "dance"})
	if err != nil {
		t.Fatalf("unknown command errored instead of rejecting: %v", err)
	}
	event := lastEvent(t, state)
	if event.Status != task.StatusRejected {
		t.Fatalf("expected rejected event, got %s", event.Status)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("unknown command must not change phase, got %s", state.Phase)
	}
	if len(h.exec.plans) != before {
		t.Fatalf("unknown command must not execute, got %v", h.exec.kinds())
	}
}

func TestInvalidFundingTokenHaltsWithoutBuildingTransactions(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	answers := hireAnswers()
	answers["funding_token"] = "DOGE"
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandHire, Answers: answers})
	if err != nil {
		t.Fatalf("hire failed: %v", err)
	}

	if state.Phase != PhaseHalted {
		t.Fatalf("expected halted phase, got %s", state.Phase)
	}
	if !strings.Contains(state.HaltReason, "not in allowed options") {
		t.Fatalf("halt reason should name the invalid option, got %q", state.HaltReason)
	}
	var failed bool
	for _, event := range state.Events {
		if event.Status == task.StatusFailed && strings.Contains(event.Message, "not in allowed options") {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected failed task event naming the invalid funding token")
	}
	if len(h.exec.plans) != 0 {
		t.Fatalf("no transaction may be built for an invalid funding token, got %v", h.exec.kinds())
	}
	if len(h.sched.canceled) == 0 {
		t.Fatal("halted thread must be unscheduled")
	}
}

func TestDelegatedOnboardingUsesBundle(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	operator := common.HexToAddress(testOperator)
	bundle := auth.NewBundle(operator, common.HexToAddress(testVault), "ethereum-sepolia", []string{"*"}, time.Hour)
	if err := h.bundles.Put(ctx, bundle); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}

	answers := hireAnswers()
	answers["auth_mode"] = "delegated"
	answers["delegation_bundle_id"] = bundle.ID
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandHire, Answers: answers})
	if err != nil {
		t.Fatalf("delegated onboarding failed: %v", err)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("expected managing phase, got %s", state.Phase)
	}
	if len(state.DelegationIDs) != 1 || state.DelegationIDs[0] != bundle.ID {
		t.Fatalf("expected bundle recorded, got %v", state.DelegationIDs)
	}
	if len(h.exec.auths) == 0 || h.exec.auths[0].Mode != auth.ModeDelegated || h.exec.auths[0].BundleID != bundle.ID {
		t.Fatalf("preparation must carry delegated auth, got %+v", h.exec.auths)
	}
}

func TestCycleEntersRangeWhenNoPosition(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")

	state, err := h.engine.AdvanceThread(context.Background(), "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	kinds := h.exec.kinds()
	if len(kinds) != 2 || kinds[1] != string(decision.ActionEnterRange) {
		t.Fatalf("expected enter-range execution, got %v", kinds)
	}
	if state.Position == nil {
		t.Fatal("expected position recorded after enter-range")
	}
	if state.Position.LowerTick%60 != 0 || state.Position.UpperTick%60 != 0 {
		t.Fatalf("ticks must align to spacing, got [%d,%d]", state.Position.LowerTick, state.Position.UpperTick)
	}
	if !(state.Position.LowerPrice < 2000 && 2000 < state.Position.UpperPrice) {
		t.Fatalf("range must straddle mid price, got [%v,%v]", state.Position.LowerPrice, state.Position.UpperPrice)
	}
	if state.Counters.Iteration != 1 || state.Counters.CyclesSinceRebalance != 0 {
		t.Fatalf("unexpected counters %+v", state.Counters)
	}
}

func TestCycleHoldsWhilePriceInRange(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	ctx := context.Background()

	if _, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle}); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	before := len(h.exec.plans)

	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if len(h.exec.plans) != before {
		t.Fatalf("hold must not execute, got %v", h.exec.kinds())
	}
	if state.Counters.CyclesSinceRebalance != 1 {
		t.Fatalf("expected cycles-since-rebalance 1, got %d", state.Counters.CyclesSinceRebalance)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("expected managing phase, got %s", state.Phase)
	}
}

func TestCycleAdjustsRangeAfterDrift(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	ctx := context.Background()

	if _, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle}); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// 价格越过上界并超过 50 基点的调仓阈值。
	h.venue.SetMidPrice(testPoolID, 2100)
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("drift cycle failed: %v", err)
	}

	kinds := h.exec.kinds()
	if kinds[len(kinds)-1] != string(decision.ActionAdjustRange) {
		t.Fatalf("expected adjust-range execution, got %v", kinds)
	}
	if state.Counters.CyclesSinceRebalance != 0 {
		t.Fatalf("rebalance must reset counter, got %d", state.Counters.CyclesSinceRebalance)
	}
	if !(state.Position.LowerPrice < 2100 && 2100 < state.Position.UpperPrice) {
		t.Fatalf("new range must straddle new mid, got [%v,%v]", state.Position.LowerPrice, state.Position.UpperPrice)
	}
}

func TestGasBudgetBreachExitsAndEndsThread(t *testing.T) {
	h := newTestHarness(
		WithGasUSDPerUnit(decimal.NewFromFloat(0.01)),
		WithDefaultRisk(decision.RiskConfig{
			BandwidthBps:          200,
			RebalanceThresholdBps: 50,
			MaxGasBudgetUSD:       decimal.NewFromInt(100),
			AutoCompound:          true,
			CompoundThresholdUSD:  decimal.NewFromInt(10),
		}),
	)
	onboard(t, h, "thread-1")
	ctx := context.Background()

	// 进场消耗 $210（21000 gas × $0.01），超过 $100 预算。
	if _, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle}); err != nil {
		t.Fatalf("enter cycle failed: %v", err)
	}
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("exit cycle failed: %v", err)
	}

	kinds := h.exec.kinds()
	if kinds[len(kinds)-1] != string(decision.ActionExitRange) {
		t.Fatalf("expected exit-range execution, got %v", kinds)
	}
	if state.Phase != PhaseDone {
		t.Fatalf("expected done phase after gas-budget exit, got %s", state.Phase)
	}
	if state.Position != nil {
		t.Fatalf("position must be cleared after exit, got %+v", state.Position)
	}
	if len(h.sched.canceled) == 0 {
		t.Fatal("finished thread must be unscheduled")
	}
}

func TestRetryableExecutionFailureSkipsCycle(t *testing.T) {
	h := newTestHarness()
	h.exec.results[string(decision.ActionEnterRange)] = executor.ExecutionResult{
		Outcome:   executor.OutcomeFailed,
		Error:     "nonce too low",
		ErrorCode: xerrors.CodeVenueFailure,
	}
	onboard(t, h, "thread-1")

	state, err := h.engine.AdvanceThread(context.Background(), "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if state.Phase != PhaseManaging {
		t.Fatalf("retryable failure must keep thread managing, got %s", state.Phase)
	}
	if state.Position != nil {
		t.Fatal("failed entry must not record a position")
	}
	if state.Counters.Staleness != 1 {
		t.Fatalf("expected staleness 1, got %d", state.Counters.Staleness)
	}
}

func TestFatalExecutionFailureHaltsThread(t *testing.T) {
	h := newTestHarness()
	h.exec.results[string(decision.ActionEnterRange)] = executor.ExecutionResult{
		Outcome:   executor.OutcomeFailed,
		Error:     "reverted",
		ErrorCode: xerrors.CodeInvalidArgument,
	}
	onboard(t, h, "thread-1")

	state, err := h.engine.AdvanceThread(context.Background(), "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if state.Phase != PhaseHalted {
		t.Fatalf("fatal failure must halt thread, got %s", state.Phase)
	}
	if state.HaltReason == "" {
		t.Fatal("halt reason must be recorded")
	}
	if len(h.sched.canceled) == 0 {
		t.Fatal("halted thread must be unscheduled")
	}
}

func TestPerpsSignalOpensThenTakesProfit(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	h.venue.AddMarket(venue.MarketSpec{Symbol: "ETH", AssetID: 1, SizeDecimals: 4, MaxLeverage: 20}, 2000)
	h.venue.SetVault(venue.VaultSummary{
		AccountValueUSD: decimal.NewFromInt(100000),
		WithdrawableUSD: decimal.NewFromInt(50000),
		VaultAddress:    common.HexToAddress(testVault),
	})
	onboard(t, h, "thread-1")

	signal := decision.PerpsSignal{
		Symbol:      "ETH",
		IsBuy:       true,
		TakeProfit1: 2200,
		TakeProfit2: 2400,
		StopLoss:    1800,
		MaxExitTime: time.Now().Add(24 * time.Hour),
	}
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandSignal, Signal: &signal})
	if err != nil {
		t.Fatalf("signal failed: %v", err)
	}
	if state.Strategy != StrategyPerpsSignal {
		t.Fatalf("expected perps strategy, got %s", state.Strategy)
	}
	kinds := h.exec.kinds()
	if kinds[len(kinds)-1] != executor.KindPerpsLong {
		t.Fatalf("expected perps-long execution, got %v", kinds)
	}
	if !state.HasPerpsOpen {
		t.Fatal("expected open perps position")
	}
	if state.PerpsSignal == nil || state.PerpsSignal.EntryPrice != 2000 {
		t.Fatalf("entry price not recorded, got %+v", state.PerpsSignal)
	}

	// 标记价越过 TP1，下一个周期应当平仓。
	h.venue.AddMarket(venue.MarketSpec{Symbol: "ETH", AssetID: 1, SizeDecimals: 4, MaxLeverage: 20}, 2250)
	state, err = h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("close cycle failed: %v", err)
	}
	kinds = h.exec.kinds()
	if kinds[len(kinds)-1] != executor.KindPerpsClose {
		t.Fatalf("expected perps-close execution, got %v", kinds)
	}
	if state.HasPerpsOpen {
		t.Fatal("position must be closed after TP1")
	}
	if state.PerpsSignal != nil {
		t.Fatalf("consumed signal must be cleared, got %+v", state.PerpsSignal)
	}
}

func TestFireExitsPositionAndEndsThread(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	ctx := context.Background()

	if _, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle}); err != nil {
		t.Fatalf("enter cycle failed: %v", err)
	}
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandFire})
	if err != nil {
		t.Fatalf("fire failed: %v", err)
	}

	kinds := h.exec.kinds()
	if kinds[len(kinds)-1] != executor.KindExitRange {
		t.Fatalf("fire must close the open range position, got %v", kinds)
	}
	if state.Phase != PhaseDone {
		t.Fatalf("expected done phase, got %s", state.Phase)
	}
	if state.Position != nil {
		t.Fatal("position must be cleared on fire")
	}
	if len(h.sched.canceled) == 0 {
		t.Fatal("fired thread must be unscheduled")
	}
}

func TestCheckpointSurvivesEngineRestart(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	ctx := context.Background()

	sched2 := &stubScheduler{}
	restarted := NewEngine(h.store, h.venue, h.exec, h.bundles, WithScheduler(sched2), WithMarketReader(h.venue))

	state, err := restarted.ThreadState(ctx, "thread-1")
	if err != nil {
		t.Fatalf("load state after restart: %v", err)
	}
	if state.Phase != PhaseManaging || state.FundingToken != "USDC" {
		t.Fatalf("restored state mismatch: phase=%s funding=%s", state.Phase, state.FundingToken)
	}
	if state.Seq == 0 {
		t.Fatal("expected checkpoint sequence to advance")
	}

	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if len(sched2.ensured) != 1 || sched2.ensured[0] != "thread-1" {
		t.Fatalf("recover must reschedule managing threads, got %v", sched2.ensured)
	}
}

func TestEachStepPatchIsDurableBeforeTheNext(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")

	history := h.store.History("thread-1")
	if len(history) < 4 {
		t.Fatalf("expected one checkpoint per effective step, got %d", len(history))
	}

	// 新线程从第一步起就可恢复，不等到本轮挂起才首次落盘。
	first, err := UnmarshalState(history[0].State)
	if err != nil {
		t.Fatalf("unmarshal first checkpoint: %v", err)
	}
	if first.Phase != PhaseOnboarding {
		t.Fatalf("first checkpoint must capture the onboarding thread, got phase %s", first.Phase)
	}

	// supply 执行在后续步骤开始前就已落盘，中途崩溃不会丢交易历史。
	executionAt := -1
	for i, record := range history {
		state, err := UnmarshalState(record.State)
		if err != nil {
			t.Fatalf("unmarshal checkpoint %d: %v", i, err)
		}
		if len(state.Executions) > 0 {
			executionAt = i
			break
		}
	}
	if executionAt == -1 {
		t.Fatal("expected the supply execution in a checkpoint")
	}
	if executionAt == len(history)-1 {
		t.Fatal("execution must be durable before the turn's final suspend, not only at it")
	}
}

func TestCycleCompoundsFeesReportedByVenue(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	ctx := context.Background()

	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("enter cycle failed: %v", err)
	}

	// 交易所观测到待领取手续费 $12，超过默认 $10 复投阈值。
	h.venue.SetPosition(testPoolID, &venue.Position{
		PoolID:      testPoolID,
		LowerTick:   state.Position.LowerTick,
		UpperTick:   state.Position.UpperTick,
		LowerPrice:  state.Position.LowerPrice,
		UpperPrice:  state.Position.UpperPrice,
		Liquidity:   decimal.NewFromInt(1000),
		FeesOwedUSD: decimal.NewFromInt(12),
	})
	state, err = h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("compound cycle failed: %v", err)
	}

	kinds := h.exec.kinds()
	if kinds[len(kinds)-1] != string(decision.ActionCompoundFees) {
		t.Fatalf("expected compound-fees execution, got %v", kinds)
	}
	if state.Position == nil || !state.Position.FeesOwedUSD.IsZero() {
		t.Fatalf("fees must be reset after compounding, got %+v", state.Position)
	}
	if !state.Position.Liquidity.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("observed liquidity must carry into the position, got %s", state.Position.Liquidity)
	}
}

func TestCycleEndsWithUpdatedSummary(t *testing.T) {
	h := newTestHarness()
	onboard(t, h, "thread-1")
	ctx := context.Background()

	if _, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle}); err != nil {
		t.Fatalf("enter cycle failed: %v", err)
	}
	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandCycle})
	if err != nil {
		t.Fatalf("hold cycle failed: %v", err)
	}

	// 每轮周期都以 summarize 收尾，摘要反映最新的周期计数。
	if !strings.Contains(state.Summary, "iteration=2") {
		t.Fatalf("summary must reflect the completed cycle, got %q", state.Summary)
	}
	if !strings.Contains(state.Summary, "phase=managing") {
		t.Fatalf("summary must name the managing phase, got %q", state.Summary)
	}
}

func TestIdenticalResumeReplaysInterruptWithoutWrites(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	state, err := h.engine.AdvanceThread(ctx, "thread-1", Inbound{
		Command: CommandHire,
		Answers: map[string]string{"chain": "ethereum-sepolia"},
	})
	if err != nil {
		t.Fatalf("hire failed: %v", err)
	}
	if state.ActiveTask == nil || state.ActiveTask.Status != task.StatusInputRequired {
		t.Fatalf("expected thread waiting for the operator, got %+v", state.ActiveTask)
	}
	seq := state.Seq
	events := len(state.Events)
	message := state.ActiveTask.Message
	checkpoints := len(h.store.History("thread-1"))

	for i := 0; i < 2; i++ {
		state, err = h.engine.AdvanceThread(ctx, "thread-1", Inbound{Command: CommandResume})
		if err != nil {
			t.Fatalf("resume %d failed: %v", i, err)
		}
	}

	if state.ActiveTask == nil || state.ActiveTask.Status != task.StatusInputRequired || state.ActiveTask.Message != message {
		t.Fatalf("expected the same interrupt re-raised, got %+v", state.ActiveTask)
	}
	if len(state.Events) != events {
		t.Fatalf("unchanged resume must not append status events, got %d extra", len(state.Events)-events)
	}
	if state.Seq != seq {
		t.Fatalf("unchanged resume must not produce a patch, seq %d -> %d", seq, state.Seq)
	}
	if got := len(h.store.History("thread-1")); got != checkpoints {
		t.Fatalf("unchanged resume must not write checkpoints, got %d extra", got-checkpoints)
	}
}

func TestOnlyHireCreatesThreads(t *testing.T) {
	h := newTestHarness()

	_, err := h.engine.AdvanceThread(context.Background(), "ghost", Inbound{Command: CommandCycle})
	if err == nil {
		t.Fatal("expected error for unknown thread")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not-found code, got %s", xerrors.CodeOf(err))
	}
}
