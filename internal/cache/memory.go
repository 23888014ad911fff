package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

type MemoryLocker struct {
	mu    sync.Mutex
	locks *lru.Cache[string, lease]
	now   func() time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

const defaultMemoryLockCount = 10_000

func NewMemoryLocker() (*MemoryLocker, error) {
	c, err := lru.New[string, lease](defaultMemoryLockCount)
	if err != nil {
		return nil, err
	}
	return &MemoryLocker{locks: c, now: time.Now}, nil
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, exists := m.locks.Get(key); exists && m.now().Before(held.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks.Add(key, lease{token: token, expiresAt: m.now().Add(ttl)})
	return token, true, nil
}

func (m *MemoryLocker) Release(ctx context.Context, key, token string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	held, exists := m.locks.Get(key)
	if !exists || held.token != token {
		return ErrNotHeld
	}
	m.locks.Remove(key)
	return nil
}

func (m *MemoryLocker) Close() error {
	return nil
}
