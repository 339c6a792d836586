package scheduler

import (
	"context"
	"log/slog"

	"OpenCLMM-Chain/internal/engine"
	"OpenCLMM-Chain/pkg/logger"
)

// Advancer 抽象状态机的推进入口，测试中可替换。
type Advancer interface {
	AdvanceThread(ctx context.Context, threadID string, in engine.Inbound) (*engine.ThreadState, error)
}

// Pump 消费轮询队列并把每条消息转换成一次 cycle 指令推进。
type Pump struct {
	consumer Consumer
	advancer Advancer
	workers  int
}

// NewPump 创建队列消费泵。
func NewPump(consumer Consumer, advancer Advancer, workers int) *Pump {
	if workers <= 0 {
		workers = 2
	}
	return &Pump{consumer: consumer, advancer: advancer, workers: workers}
}

// Run 阻塞消费直到上下文取消。推进失败只记录日志：
// 线程推进是幂等的，下一个周期会重新投递。
func (p *Pump) Run(ctx context.Context) error {
	return p.consumer.Consume(ctx, p.workers, func(ctx context.Context, threadID string) error {
		if _, err := p.advancer.AdvanceThread(ctx, threadID, engine.Inbound{Command: engine.CommandCycle}); err != nil {
			logger.Thread(threadID).Warn("周期推进失败", slog.String("error", err.Error()))
		}
		return nil
	})
}

var _ engine.Scheduler = (*Supervisor)(nil)
