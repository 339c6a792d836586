package scheduler

import (
	"context"
)

// Handler 处理队列里到期的线程轮询请求。
type Handler func(ctx context.Context, threadID string) error

// Producer 负责向队列投递轮询请求。
type Producer interface {
	Publish(ctx context.Context, threadID string) error
	Close() error
}

// Consumer 负责从队列中消费轮询请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
