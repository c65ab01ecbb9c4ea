// Package storage 持久化听证记录，作为不可抵赖的审计底账。
// 内存实现用于测试与单机演示，MySQL 实现用于生产部署。
package storage

import (
	"context"
	"sort"
	"sync"

	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/hearing"
)

// HearingStore 保存并检索完成的听证记录。
type HearingStore interface {
	SaveHearing(ctx context.Context, record *hearing.Record) error
	GetHearing(ctx context.Context, id string) (*hearing.Record, error)
	ListHearingsByUser(ctx context.Context, userID string, limit int) ([]*hearing.Record, error)
	Close() error
}

// MemoryHearingStore 把听证记录保存在进程内存中。
type MemoryHearingStore struct {
	mu      sync.RWMutex
	records map[string]*hearing.Record
	order   []string
}

// NewMemoryHearingStore 创建内存审计存储。
func NewMemoryHearingStore() *MemoryHearingStore {
	return &MemoryHearingStore{records: make(map[string]*hearing.Record)}
}

// SaveHearing 保存一条听证记录。记录一旦写入不可覆盖。
func (s *MemoryHearingStore) SaveHearing(_ context.Context, record *hearing.Record) error {
	if record == nil || record.ID == "" {
		return cerrors.New(cerrors.CodeInvalidArgument, "听证记录为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return cerrors.New(cerrors.CodeConflict, "听证记录已存在")
	}
	clone := *record
	s.records[record.ID] = &clone
	s.order = append(s.order, record.ID)
	return nil
}

// GetHearing 按 ID 查询听证记录。
func (s *MemoryHearingStore) GetHearing(_ context.Context, id string) (*hearing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, cerrors.New(cerrors.CodeNotFound, "听证记录不存在")
	}
	clone := *record
	return &clone, nil
}

// ListHearingsByUser 按用户检索听证记录，新的在前。
func (s *MemoryHearingStore) ListHearingsByUser(_ context.Context, userID string, limit int) ([]*hearing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*hearing.Record
	for _, id := range s.order {
		record := s.records[id]
		if userID != "" && record.UserID != userID {
			continue
		}
		clone := *record
		result = append(result, &clone)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close 实现 HearingStore，内存实现无资源可释放。
func (s *MemoryHearingStore) Close() error { return nil }
