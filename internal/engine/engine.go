// Package engine 是工作流状态机：策略线程的入驻、轮询与退出都在这里推进。
// 步骤函数只读状态快照并返回补丁，蹦床循环负责合并补丁并在进入下一步之前
// 落检查点，保证任意时刻进程重启都能从最近的检查点幂等恢复。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenCLMM-Chain/internal/auth"
	"OpenCLMM-Chain/internal/checkpoint"
	"OpenCLMM-Chain/internal/decision"
	xerrors "OpenCLMM-Chain/internal/errors"
	"OpenCLMM-Chain/internal/executor"
	"OpenCLMM-Chain/internal/observability/alerting"
	"OpenCLMM-Chain/internal/storage/mysql"
	"OpenCLMM-Chain/internal/venue"
	"OpenCLMM-Chain/pkg/logger"

	"github.com/shopspring/decimal"
)

// 工作流支持的指令。
const (
	CommandHire   = "hire"
	CommandFire   = "fire"
	CommandCycle  = "cycle"
	CommandResume = "resume"
	CommandSignal = "signal"
)

// 工作流注册的业务错误码。
const (
	CodeThreadHalted   xerrors.Code = "ENGINE.THREAD_HALTED"
	CodeUnknownCommand xerrors.Code = "ENGINE.UNKNOWN_COMMAND"
)

func init() {
	xerrors.Register(CodeThreadHalted, xerrors.Attributes{
		Message:   "strategy thread halted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeUnknownCommand, xerrors.Attributes{
		Message:   "unknown workflow command",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Inbound 是一次外部输入：指令、中断问题的回答或一条合约信号。
type Inbound struct {
	Command string                `json:"command"`
	Answers map[string]string     `json:"answers,omitempty"`
	Signal  *decision.PerpsSignal `json:"signal,omitempty"`
}

// OutcomeKind 标记一步执行后的走向。
type OutcomeKind int

const (
	// OutcomeContinue 继续蹦床循环，跳到下一个步骤。
	OutcomeContinue OutcomeKind = iota
	// OutcomeSuspend 落检查点后挂起，等待下一次外部输入或调度唤醒。
	OutcomeSuspend
	// OutcomeDone 线程走到终点，落检查点后不再被调度。
	OutcomeDone
)

// Outcome 是步骤函数的带标签返回值。
type Outcome struct {
	Kind   OutcomeKind
	Next   StepName
	Reason string
}

// Continue 跳到下一个步骤。
func Continue(next StepName) Outcome {
	return Outcome{Kind: OutcomeContinue, Next: next}
}

// Suspend 挂起线程，下次从 next 恢复。
func Suspend(next StepName, reason string) Outcome {
	return Outcome{Kind: OutcomeSuspend, Next: next, Reason: reason}
}

// Finish 结束线程。
func Finish(reason string) Outcome {
	return Outcome{Kind: OutcomeDone, Reason: reason}
}

// StepFn 是状态机的一个步骤：只读状态快照，返回补丁与走向。
type StepFn func(ctx context.Context, e *Engine, st *ThreadState, in *Inbound) (Patch, Outcome, error)

// Executor 抽象执行协调器，测试中可替换。
type Executor interface {
	Execute(ctx context.Context, plan executor.ExecutionPlan, mode executor.Mode, authCtx executor.AuthContext) executor.ExecutionResult
}

// Scheduler 抽象调度器对线程的管理操作。
type Scheduler interface {
	EnsureScheduled(threadID string)
	CancelSchedule(threadID string)
}

// Recorder 抽象周期与执行指标的采集。
type Recorder interface {
	ObserveCycle(strategy, action string)
	ObserveExecution(outcome string)
}

type noopScheduler struct{}

func (noopScheduler) EnsureScheduled(string) {}
func (noopScheduler) CancelSchedule(string)  {}

type noopRecorder struct{}

func (noopRecorder) ObserveCycle(string, string) {}
func (noopRecorder) ObserveExecution(string)     {}

// Engine 驱动全部策略线程的状态机。
type Engine struct {
	store     checkpoint.Store
	snapshots venue.SnapshotProvider
	markets   venue.MarketReader
	exec      Executor
	bundles   auth.Store
	schedule  Scheduler
	alerts    alerting.Dispatcher
	metrics   Recorder
	telemetry mysql.TelemetryRepository
	log       *slog.Logger

	mode          executor.Mode
	defaultRisk   decision.RiskConfig
	sizingPercent float64
	gasUSDPerUnit decimal.Decimal

	steps map[StepName]StepFn

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// Option 定义引擎的可选配置。
type Option func(*Engine)

// WithMarketReader 注入合约市场读取器（perps 策略需要）。
func WithMarketReader(markets venue.MarketReader) Option {
	return func(e *Engine) { e.markets = markets }
}

// WithScheduler 注入调度器。
func WithScheduler(schedule Scheduler) Option {
	return func(e *Engine) {
		if schedule != nil {
			e.schedule = schedule
		}
	}
}

// WithAlerts 注入告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerts = alerts }
}

// WithMetrics 注入指标采集器。
func WithMetrics(metrics Recorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithTelemetry 注入周期遥测仓库，每轮管理周期落一条记录。
func WithTelemetry(repo mysql.TelemetryRepository) Option {
	return func(e *Engine) { e.telemetry = repo }
}

// WithMode 设置执行模式（模拟或执行）。
func WithMode(mode executor.Mode) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithDefaultRisk 设置新线程的默认风险配置。
func WithDefaultRisk(risk decision.RiskConfig) Option {
	return func(e *Engine) { e.defaultRisk = risk }
}

// WithSizingPercent 设置合约策略默认使用的金库比例。
func WithSizingPercent(percent float64) Option {
	return func(e *Engine) {
		if percent > 0 {
			e.sizingPercent = percent
		}
	}
}

// WithGasUSDPerUnit 设置把燃气估算换算成美元的单价。
func WithGasUSDPerUnit(price decimal.Decimal) Option {
	return func(e *Engine) { e.gasUSDPerUnit = price }
}

// NewEngine 创建工作流引擎。
func NewEngine(store checkpoint.Store, snapshots venue.SnapshotProvider, exec Executor, bundles auth.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		snapshots: snapshots,
		exec:      exec,
		bundles:   bundles,
		schedule:  noopScheduler{},
		metrics:   noopRecorder{},
		log:       logger.Named("engine"),
		mode:      executor.ModeSimulate,
		defaultRisk: decision.RiskConfig{
			BandwidthBps:          200,
			RebalanceThresholdBps: 50,
			MaxGasBudgetUSD:       decimal.NewFromInt(100),
			AutoCompound:          true,
			CompoundThresholdUSD:  decimal.NewFromInt(10),
		},
		sizingPercent: 10,
		gasUSDPerUnit: decimal.Zero,
		threads:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.steps = map[StepName]StepFn{
		StepRunCommand:          stepRunCommand,
		StepBootstrap:           stepBootstrap,
		StepListPools:           stepListPools,
		StepResolveNeeds:        stepResolveNeeds,
		StepCollectOperator:     stepCollectOperator,
		StepCollectFundingToken: stepCollectFundingToken,
		StepCollectDelegations:  stepCollectDelegations,
		StepPrepareOperator:     stepPrepareOperator,
		StepPollCycle:           stepPollCycle,
		StepSummarize:           stepSummarize,
		StepHalt:                stepHalt,
	}
	return e
}

// maxStepsPerAdvance 限制单次推进的步骤数，防止步骤表出错时空转。
const maxStepsPerAdvance = 32

// AdvanceThread 处理一条入站消息：加载（或创建）线程状态并运行蹦床循环，
// 直到某个步骤挂起或结束线程。同一线程的推进串行化。
func (e *Engine) AdvanceThread(ctx context.Context, threadID string, in Inbound) (*ThreadState, error) {
	if threadID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少线程 ID")
	}
	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.loadOrInit(ctx, threadID, in)
	if err != nil {
		return nil, err
	}

	// savedStep 跟踪最近一次落盘的恢复步骤，dirty 标记内存中尚未落盘的变更。
	// 空补丁且恢复步骤未变的挂起不落检查点，保证原样重放不产生任何写入。
	current := StepRunCommand
	savedStep := state.Step
	dirty := false
	inbound := &in
	for i := 0; i < maxStepsPerAdvance; i++ {
		fn, ok := e.steps[current]
		if !ok {
			return nil, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("未注册的步骤: %s", current))
		}

		patch, outcome, err := fn(ctx, e, state.Clone(), inbound)
		if err != nil {
			// 步骤内部错误按致命处理：带停摆原因转入 halt 步骤。
			reason := err.Error()
			patch.HaltReason = &reason
			patch.Apply(state)
			current = StepHalt
			state.Step = current
			if err := e.persist(ctx, state); err != nil {
				return nil, err
			}
			savedStep = state.Step
			dirty = false
			continue
		}
		if !patch.isEmpty() {
			patch.Apply(state)
			dirty = true
		}

		switch outcome.Kind {
		case OutcomeContinue:
			// 第 N 步的补丁先全量落盘，第 N+1 步才允许开始。
			current = outcome.Next
			state.Step = current
			if dirty {
				if err := e.persist(ctx, state); err != nil {
					return nil, err
				}
				savedStep = state.Step
				dirty = false
			}
		case OutcomeSuspend:
			state.Step = outcome.Next
			if dirty || state.Step != savedStep {
				if err := e.persist(ctx, state); err != nil {
					return nil, err
				}
			}
			e.log.Debug("线程挂起",
				slog.String("thread_id", threadID),
				slog.String("resume_step", string(outcome.Next)),
				slog.String("reason", outcome.Reason))
			return state.Clone(), nil
		case OutcomeDone:
			state.Step = StepSummarize
			if err := e.persist(ctx, state); err != nil {
				return nil, err
			}
			e.log.Info("线程结束",
				slog.String("thread_id", threadID),
				slog.String("phase", string(state.Phase)),
				slog.String("reason", outcome.Reason))
			return state.Clone(), nil
		}
	}
	return nil, xerrors.New(xerrors.CodeUnknown, "单次推进超出步骤上限")
}

// ThreadState 返回线程当前的检查点状态。
func (e *Engine) ThreadState(ctx context.Context, threadID string) (*ThreadState, error) {
	record, err := e.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return UnmarshalState(record.State)
}

// ListThreads 返回所有已知线程 ID。
func (e *Engine) ListThreads(ctx context.Context) ([]string, error) {
	return e.store.ListThreads(ctx)
}

// Recover 在进程启动时恢复调度：处于管理阶段的线程重新挂上定时器。
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.ListThreads(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		state, err := e.ThreadState(ctx, id)
		if err != nil {
			e.log.Warn("恢复线程状态失败", slog.String("thread_id", id), slog.String("error", err.Error()))
			continue
		}
		if state.Phase == PhaseManaging {
			e.schedule.EnsureScheduled(id)
			e.log.Info("恢复线程调度", slog.String("thread_id", id))
		}
	}
	return nil
}

func (e *Engine) threadLock(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		e.threads[threadID] = lock
	}
	return lock
}

func (e *Engine) loadOrInit(ctx context.Context, threadID string, in Inbound) (*ThreadState, error) {
	record, err := e.store.Load(ctx, threadID)
	if err == nil {
		return UnmarshalState(record.State)
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	if in.Command != CommandHire {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("线程 %s 不存在，只有 hire 可以创建线程", threadID))
	}
	return &ThreadState{
		ThreadID:      threadID,
		Strategy:      StrategyClmmRange,
		Phase:         PhaseOnboarding,
		Step:          StepBootstrap,
		AuthMode:      auth.ModeDirect,
		Risk:          e.defaultRisk,
		SizingPercent: e.sizingPercent,
		GasSpentUSD:   decimal.Zero,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

// persist 在每一步补丁合并后落检查点，序号单调递增。
func (e *Engine) persist(ctx context.Context, state *ThreadState) error {
	state.Seq++
	payload, err := state.Marshal()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化线程状态失败")
	}
	return e.store.Save(ctx, checkpoint.Record{
		ThreadID: state.ThreadID,
		Seq:      state.Seq,
		State:    payload,
		SavedAt:  time.Now().UTC(),
	})
}

// recordCycle 把一轮周期的观测与结果写入遥测仓库。写入失败只记录日志，
// 遥测不参与状态机的正确性。
func (e *Engine) recordCycle(ctx context.Context, st *ThreadState, record mysql.CycleRecord) {
	if e.telemetry == nil {
		return
	}
	record.ThreadID = st.ThreadID
	record.PoolID = st.PoolID
	record.Strategy = st.Strategy
	record.CreatedAt = time.Now().Unix()
	if err := e.telemetry.Record(ctx, record); err != nil {
		e.log.Warn("写入周期遥测失败",
			slog.String("thread_id", st.ThreadID),
			slog.String("error", err.Error()))
	}
}

// notifyHalt 针对停摆线程发送告警。
func (e *Engine) notifyHalt(ctx context.Context, state *ThreadState, reason string) {
	if e.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:       CodeThreadHalted,
		Message:    "策略线程停摆",
		Severity:   xerrors.AttributesOf(CodeThreadHalted).Severity,
		ThreadID:   state.ThreadID,
		HaltReason: reason,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.alerts.Notify(ctx, event); err != nil {
		e.log.Warn("发送停摆告警失败", slog.String("thread_id", state.ThreadID), slog.String("error", err.Error()))
	}
}
