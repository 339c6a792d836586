// Package scheduler 负责管理阶段线程的周期唤醒：每个线程一个定时器，
// 到点把线程 ID 投递到轮询队列，由消费端触发一次状态机推进。
// 定时器的注册是幂等的，进程重启后由引擎的恢复流程重新挂上。
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenCLMM-Chain/pkg/logger"
)

// Supervisor 维护线程 ID 到定时器的映射。
type Supervisor struct {
	producer Producer
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// SupervisorOption 定义调度器的可选配置。
type SupervisorOption func(*Supervisor)

// WithLogger 注入日志器。
func WithLogger(log *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSupervisor 创建调度器。interval 是相邻两次轮询的间隔。
func NewSupervisor(producer Producer, interval time.Duration, opts ...SupervisorOption) *Supervisor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Supervisor{
		producer: producer,
		interval: interval,
		log:      logger.Named("scheduler"),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureScheduled 为线程挂上定时器。重复调用是幂等的：
// 同一线程始终只有一个定时器在跑。
func (s *Supervisor) EnsureScheduled(threadID string) {
	if threadID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancels[threadID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[threadID] = cancel
	s.wg.Add(1)
	go s.run(ctx, threadID)
	s.log.Info("线程已挂上调度", slog.String("thread_id", threadID), slog.Duration("interval", s.interval))
}

// CancelSchedule 摘除线程的定时器。对未调度的线程调用是空操作。
func (s *Supervisor) CancelSchedule(threadID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[threadID]
	if ok {
		delete(s.cancels, threadID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
		s.log.Info("线程调度已取消", slog.String("thread_id", threadID))
	}
}

// Threads 返回当前在调度中的线程 ID，按字典序排序。
func (s *Supervisor) Threads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cancels))
	for id := range s.cancels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 摘除全部定时器并等待协程退出。
func (s *Supervisor) Close() error {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Supervisor) run(ctx context.Context, threadID string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.producer.Publish(ctx, threadID); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("投递轮询请求失败",
					slog.String("thread_id", threadID),
					slog.String("error", err.Error()))
			}
		}
	}
}
