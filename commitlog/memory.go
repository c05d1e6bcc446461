package commitlog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// 进程内存储实现. 供单机场景与测试使用；持久化实现见 example 包的 mysql 版本
type MemoryStore struct {
	mux     sync.Mutex
	records []*Record
	nextLSN uint64
	locked  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, record *Record) (uint64, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.nextLSN++
	stored := *record
	stored.LSN = m.nextLSN
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.records = append(m.records, &stored)
	return stored.LSN, nil
}

func (m *MemoryStore) Records(ctx context.Context) ([]*Record, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	records := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		copied := *record
		records = append(records, &copied)
	}
	return records, nil
}

func (m *MemoryStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.locked {
		return errors.New("store is locked")
	}
	m.locked = true
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.locked = false
	return nil
}
