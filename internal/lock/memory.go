package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker serializes callers inside a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]*Lock
	owner string
	now   func() time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker(owner string) *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]*Lock),
		owner: owner,
		now:   time.Now,
	}
}

// TryAcquire implements Locker.
func (m *MemoryLocker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrBusy
	}
	l := newLock(key, m.owner, m.now())
	m.held[key] = l
	copied := *l
	return &copied, nil
}

// Release implements Locker.
func (m *MemoryLocker) Release(_ context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[l.Key]
	if !ok {
		return nil
	}
	if cur.Token != l.Token {
		return ErrNotHolder
	}
	delete(m.held, l.Key)
	return nil
}

// Holder implements Locker.
func (m *MemoryLocker) Holder(_ context.Context, key string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[key]
	if !ok {
		return nil, nil
	}
	copied := *cur
	return &copied, nil
}

// ForceRelease implements Locker.
func (m *MemoryLocker) ForceRelease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
