// Package checkpoint 提供策略线程状态的持久化：每次状态推进前先落盘，
// 进程重启后从最近的检查点恢复线程。
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// Record 是一条线程检查点：线程 ID、单调递增的序号与序列化后的状态。
// 状态负载对存储层不透明，由协调层负责编解码。
type Record struct {
	ThreadID string          `json:"thread_id"`
	Seq      uint64          `json:"seq"`
	State    json.RawMessage `json:"state"`
	SavedAt  time.Time       `json:"saved_at"`
}

// Store 抽象检查点的持久化后端。实现必须并发安全。
type Store interface {
	// Save 保存一条检查点。序号必须严格大于已存的最新序号，否则拒绝写入。
	Save(ctx context.Context, record Record) error
	// Load 返回线程最近一条检查点。
	Load(ctx context.Context, threadID string) (Record, error)
	// ListThreads 返回所有存在检查点的线程 ID。
	ListThreads(ctx context.Context) ([]string, error)
	// Delete 删除线程的全部检查点。
	Delete(ctx context.Context, threadID string) error
	// Close 释放存储资源。
	Close() error
}

func validateRecord(record Record) error {
	if record.ThreadID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "检查点缺少线程 ID")
	}
	if len(record.State) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "检查点缺少状态负载")
	}
	return nil
}
