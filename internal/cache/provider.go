// Package cache provides the named locks that keep a task from running twice
// at the same time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotHeld = errors.New("lock not held")

// Locker hands out expiring named locks. Acquire returns ok=false when
// another holder has the key. The returned token must be passed to Release.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewLocker(cfg Config) (Locker, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryLocker()
	case "redis":
		return NewRedisLocker(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported lock provider: %s", cfg.Provider)
	}
}

func TaskKey(name string) string {
	return fmt.Sprintf("task:%s", name)
}
