package deposit

import (
	"context"
	"sort"
	"sync"

	cerrors "Citadel-Core/internal/errors"
)

// Store 抽象入金台账的持久化。
type Store interface {
	Save(ctx context.Context, d *Deposit) error
	Get(ctx context.Context, txHash string) (*Deposit, error)
	ListByUser(ctx context.Context, userID string) ([]*Deposit, error)
	ListByStatus(ctx context.Context, status Status) ([]*Deposit, error)
}

// MemoryStore 把入金保存在进程内存中，用于测试和单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	deposits map[string]*Deposit
}

// NewMemoryStore 创建内存台账。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deposits: make(map[string]*Deposit)}
}

// Save 保存或更新一笔入金。
func (s *MemoryStore) Save(ctx context.Context, d *Deposit) error {
	if d == nil || d.TxHash == "" {
		return cerrors.New(cerrors.CodeInvalidArgument, "入金缺少交易哈希")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *d
	s.deposits[d.TxHash] = &clone
	return nil
}

// Get 按交易哈希取回入金。
func (s *MemoryStore) Get(ctx context.Context, txHash string) (*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[txHash]
	if !ok {
		return nil, cerrors.New(cerrors.CodeNotFound, "入金不存在")
	}
	clone := *d
	return &clone, nil
}

// ListByUser 返回某用户的全部入金，按检测时间排序。
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Deposit
	for _, d := range s.deposits {
		if d.UserID == userID {
			clone := *d
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// ListByStatus 返回处于指定状态的全部入金。
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Deposit
	for _, d := range s.deposits {
		if d.Status == status {
			clone := *d
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}
