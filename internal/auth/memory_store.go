package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store abstracts delegation bundle persistence. Implementations must be
// safe for concurrent use.
type Store interface {
	Put(ctx context.Context, bundle *DelegationBundle) error
	Get(ctx context.Context, id string) (*DelegationBundle, error)
	ListByOperator(ctx context.Context, operator common.Address) ([]*DelegationBundle, error)
	Revoke(ctx context.Context, id string) error
}

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and testing scenarios.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string]*DelegationBundle
}

// NewMemoryStore 创建空的内存授权存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string]*DelegationBundle)}
}

// Put 保存一份授权，同 ID 覆盖旧记录。
func (s *MemoryStore) Put(_ context.Context, bundle *DelegationBundle) error {
	if bundle == nil || strings.TrimSpace(bundle.ID) == "" {
		return ErrBundleNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.ID] = bundle.Clone()
	return nil
}

// Get 读取指定 ID 的授权。
func (s *MemoryStore) Get(_ context.Context, id string) (*DelegationBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bundle, ok := s.bundles[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return bundle.Clone(), nil
}

// ListByOperator 返回某操作员名下的全部授权，按创建时间排序。
func (s *MemoryStore) ListByOperator(_ context.Context, operator common.Address) ([]*DelegationBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*DelegationBundle, 0)
	for _, bundle := range s.bundles {
		if bundle.Operator == operator {
			result = append(result, bundle.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Revoke 吊销指定授权，幂等。
func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle, ok := s.bundles[strings.TrimSpace(id)]
	if !ok {
		return ErrBundleNotFound
	}
	bundle.Revoked = true
	return nil
}

// PruneExpired 删除到期授权，返回清理数量。
func (s *MemoryStore) PruneExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, bundle := range s.bundles {
		if bundle.Expired(now) {
			delete(s.bundles, id)
			removed++
		}
	}
	return removed
}

var _ Store = (*MemoryStore)(nil)
