// Package lock provides short-lived keyed locks used to serialize task
// generation per order across goroutines and across server instances.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned when the key is already held by someone else.
var ErrLocked = errors.New("lock is held")

// Release frees a lock obtained from Acquire. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker obtains exclusive, expiring locks on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process Locker. It is used when no Redis is
// configured and in tests; it only serializes callers of one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memEntry
	nowFn func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memEntry), nowFn: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = memEntry{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; ok && e.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
