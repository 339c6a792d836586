package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// MemoryStore 在内存中保存检查点，用于测试与单机模拟模式。
type MemoryStore struct {
	mu      sync.RWMutex
	latest  map[string]Record
	history map[string][]Record
}

// NewMemoryStore 创建空的内存检查点存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:  make(map[string]Record),
		history: make(map[string][]Record),
	}
}

// Save 实现 Store，拒绝序号回退的写入。
func (s *MemoryStore) Save(_ context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latest[record.ThreadID]; ok && record.Seq <= prev.Seq {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("线程 %s 的检查点序号 %d 不大于已有序号 %d", record.ThreadID, record.Seq, prev.Seq))
	}
	if record.SavedAt.IsZero() {
		record.SavedAt = time.Now().UTC()
	}
	record.State = append([]byte(nil), record.State...)
	s.latest[record.ThreadID] = record
	s.history[record.ThreadID] = append(s.history[record.ThreadID], record)
	return nil
}

// Load 实现 Store。
func (s *MemoryStore) Load(_ context.Context, threadID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.latest[threadID]
	if !ok {
		return Record{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("线程 %s 没有检查点", threadID))
	}
	record.State = append([]byte(nil), record.State...)
	return record, nil
}

// ListThreads 实现 Store。
func (s *MemoryStore) ListThreads(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete 实现 Store，删除不存在的线程不报错。
func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, threadID)
	delete(s.history, threadID)
	return nil
}

// History 返回线程的全部历史检查点，仅测试使用。
func (s *MemoryStore) History(threadID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.history[threadID]...)
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
