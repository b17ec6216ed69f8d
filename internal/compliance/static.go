package compliance

import (
	"context"
	"sync"
)

// StaticSource 内存规则源。未登记的用户使用默认画像。
type StaticSource struct {
	mu       sync.RWMutex
	policies map[int64]*Policy
	fallback Policy
}

func NewStaticSource(fallback Policy) *StaticSource {
	return &StaticSource{
		policies: make(map[int64]*Policy),
		fallback: fallback,
	}
}

// Set 登记或更新用户画像
func (s *StaticSource) Set(userID int64, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[userID] = &p
}

func (s *StaticSource) Policy(_ context.Context, userID int64) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[userID]; ok {
		cp := *p
		return &cp, nil
	}
	cp := s.fallback
	return &cp, nil
}
