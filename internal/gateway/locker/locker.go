// Package locker serializes checkout and cart edits per key, on Redis across
// processes or in memory within one.
package locker

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/order"
)

// DefaultTTL bounds how long a crashed holder keeps a key locked.
const DefaultTTL = 30 * time.Second

// Redis serializes work on a key with a redislock lease.
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

var _ order.Locker = (*Redis)(nil)

// Option configures a Redis locker.
type Option func(*Redis)

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRetry sets how long Lock waits for a held key.
func WithRetry(strategy redislock.RetryStrategy) Option {
	return func(r *Redis) { r.retry = strategy }
}

// New creates a locker on an existing client. Keys are namespaced with
// prefix.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Redis {
	r := &Redis{
		client: redislock.New(client),
		prefix: prefix,
		ttl:    DefaultTTL,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock obtains the key or returns a failure.ErrConflict error once the retry
// strategy is exhausted.
func (r *Redis) Lock(ctx context.Context, key string) (func(context.Context), error) {
	lock, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{RetryStrategy: r.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, failure.Conflict("%s is locked by another request", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "obtain lock")
	}

	return func(ctx context.Context) {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			zctx.From(ctx).Warn("Release lock", zap.String("key", lock.Key()), zap.Error(err))
		}
	}, nil
}
