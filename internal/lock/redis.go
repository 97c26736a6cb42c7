// Package lock provides a Redis-backed integrations.Locker so that several
// server instances sharing one database refresh a token only once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dynamiq/connecthub/internal/integrations"
)

const (
	defaultTTL    = 30 * time.Second
	defaultPrefix = "connecthub:lock:"
)

// ErrNotAcquired is returned when the lock stayed held until ctx expired.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements integrations.Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	poll   time.Duration
	logger *zap.Logger
}

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(d time.Duration) Option {
	return func(l *RedisLocker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithPrefix(p string) Option {
	return func(l *RedisLocker) { l.prefix = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a RedisLocker over client.
func New(client redis.UniversalClient, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		poll:   50 * time.Millisecond,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lock polls until key is free or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = l.poll
	expBackoff.MaxInterval = 10 * l.poll
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(fmt.Errorf("redis set %s: %w", redisKey, err))
		}
		if !ok {
			return false, ErrNotAcquired
		}
		return true, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(l.ttl),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		}
		return nil, err
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("releasing refresh lock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
	return unlock, nil
}

var _ integrations.Locker = (*RedisLocker)(nil)
