// Package lock provides the advisory "promotion in progress" lock.
//
// A Locker hands out at most one Lock per key. Acquisition is atomic: the
// first writer wins and every other caller gets ErrBusy, which callers treat
// as contention rather than failure. Release is idempotent and only removes a
// lock the caller still holds.
//
// Backends:
//   - FileLocker: exclusive-create marker file, for single-host deployments
//   - MemoryLocker: in-process map, for tests and embedded use
//   - RedisLocker: SET NX plus a token-checked delete
//   - ConsulLocker: session-bound KV acquire
package lock

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrBusy means another holder owns the lock.
	ErrBusy = errors.New("lock: busy")
	// ErrNotHolder means the lock is now owned by a different token.
	ErrNotHolder = errors.New("lock: held by another owner")
)

// Lock is the token proving exclusive ownership of a key.
type Lock struct {
	Key        string    `json:"key"`
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Session    string    `json:"session,omitempty"`
}

// Age returns how long the lock has been held.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// Locker is the coordination capability used around promotions and rebuilds.
type Locker interface {
	// TryAcquire takes the lock or returns ErrBusy without waiting.
	TryAcquire(ctx context.Context, key string) (*Lock, error)
	// Release gives the lock back. Releasing twice is a no-op.
	Release(ctx context.Context, l *Lock) error
	// Holder returns the current holder, or nil when the key is free.
	Holder(ctx context.Context, key string) (*Lock, error)
	// ForceRelease removes the lock regardless of who holds it.
	ForceRelease(ctx context.Context, key string) error
}

func newLock(key, owner string, now time.Time) *Lock {
	host, _ := os.Hostname()
	return &Lock{
		Key:        key,
		Token:      uuid.New().String(),
		Owner:      owner,
		Host:       host,
		PID:        os.Getpid(),
		AcquiredAt: now.UTC(),
	}
}

// IsStale reports whether key is held for longer than ceiling.
func IsStale(ctx context.Context, locker Locker, key string, ceiling time.Duration) (bool, *Lock, error) {
	holder, err := locker.Holder(ctx, key)
	if err != nil || holder == nil {
		return false, holder, err
	}
	return holder.Age(time.Now()) > ceiling, holder, nil
}

// RecoverStale force-releases key when its holder is older than ceiling,
// which is how a lock left behind by a crashed run is cleared on startup.
func RecoverStale(ctx context.Context, locker Locker, key string, ceiling time.Duration, logger *zap.Logger) (bool, error) {
	stale, holder, err := IsStale(ctx, locker, key, ceiling)
	if err != nil || !stale {
		return false, err
	}
	if logger != nil {
		logger.Warn("force releasing abandoned promotion lock",
			zap.String("key", key),
			zap.String("owner", holder.Owner),
			zap.String("host", holder.Host),
			zap.Int("pid", holder.PID),
			zap.Time("acquired_at", holder.AcquiredAt),
			zap.Duration("ceiling", ceiling))
	}
	if err := locker.ForceRelease(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
