package locker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
)

// DefaultWait bounds how long a Local lock waits for a held key.
const DefaultWait = 2 * time.Second

var (
	_ order.Locker = (*Local)(nil)
	_ cart.Locker  = (*Redis)(nil)
	_ cart.Locker  = (*Local)(nil)
)

// Local serializes work on a key within one process. It is used when no
// Redis is configured.
type Local struct {
	wait time.Duration

	mu   sync.Mutex
	keys map[string]*localKey
}

type localKey struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocal creates a Local locker. Lock gives up after wait.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Local{wait: wait, keys: make(map[string]*localKey)}
}

// Lock obtains key or returns a failure.ErrConflict error after the wait.
func (l *Local) Lock(ctx context.Context, key string) (func(context.Context), error) {
	l.mu.Lock()
	k, ok := l.keys[key]
	if !ok {
		k = &localKey{sem: semaphore.NewWeighted(1)}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := k.sem.Acquire(waitCtx, 1); err != nil {
		l.forget(key, k)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Conflict("%s is locked by another request", key)
	}

	var once sync.Once
	return func(context.Context) {
		once.Do(func() {
			k.sem.Release(1)
			l.forget(key, k)
		})
	}, nil
}

// held reports the number of keys currently tracked.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Local) forget(key string, k *localKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}
