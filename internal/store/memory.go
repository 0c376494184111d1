package store

import (
	"context"
	"sync"
	"time"

	"projective/pkg/contract"
)

// Memory: 进程内存储（测试与开发）。
type Memory struct {
	mu     sync.RWMutex
	colls  map[contract.CollectionID][]contract.Message
	byCID  map[contract.CollectionID]map[string]int
	now    func() time.Time
	closed bool
}

// NewMemory 构造空存储；clk 为空时使用 time.Now。
func NewMemory(clk func() time.Time) *Memory {
	if clk == nil {
		clk = time.Now
	}
	return &Memory{
		colls: make(map[contract.CollectionID][]contract.Message),
		byCID: make(map[contract.CollectionID]map[string]int),
		now:   clk,
	}
}

func (s *Memory) Count(ctx context.Context, c contract.CollectionID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errClosed
	}
	return len(s.colls[c]), nil
}

func (s *Memory) Range(ctx context.Context, c contract.CollectionID, start, limit int) ([]contract.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	all := s.colls[c]
	a, b := clampWindow(len(all), start, limit)
	out := make([]contract.Message, b-a)
	copy(out, all[a:b])
	return out, nil
}

func (s *Memory) Append(ctx context.Context, c contract.CollectionID, m contract.Message) (contract.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contract.Message{}, errClosed
	}
	idx := s.byCID[c]
	if m.ClientID != "" {
		if pos, ok := idx[m.ClientID]; ok {
			return s.colls[c][pos], nil
		}
	}
	m = prepare(m, s.now())
	s.colls[c] = append(s.colls[c], m)
	if m.ClientID != "" {
		if idx == nil {
			idx = make(map[string]int)
			s.byCID[c] = idx
		}
		idx[m.ClientID] = len(s.colls[c]) - 1
	}
	return m, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*Memory)(nil)
