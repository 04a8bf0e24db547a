package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/seqdeploy/pkg/engine"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker acquires named locks.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// ErrLockNotHeld is returned when unlocking a lock that expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

const lockRetryInterval = 100 * time.Millisecond

// RedisLocker implements Locker with SET NX and a compare-and-delete unlock.
type RedisLocker struct {
	client *backend.Client
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker whose keys live under prefix.
func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Key returns the Redis key used for lock name.
func (l *RedisLocker) Key(name string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, name)
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, name string, ttl time.Duration) (UnlockFunc, error) {
	key := l.Key(name)
	token := uuid.New().String()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", key, ErrLockNotHeld)
		}
		return nil
	}, nil
}

// Exclusive serialises deployments to the same server across processes by
// holding a lock from Suspend until Resume.
type Exclusive struct {
	next   engine.LoadBalancer
	locker Locker
	ttl    time.Duration
	wait   time.Duration
	logger zerolog.Logger

	mu   sync.Mutex
	held map[string]UnlockFunc
}

var _ engine.LoadBalancer = (*Exclusive)(nil)

// NewExclusive wraps next. wait bounds lock acquisition; zero waits until the
// Suspend context is done.
func NewExclusive(next engine.LoadBalancer, locker Locker, ttl, wait time.Duration) *Exclusive {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Exclusive{
		next:   next,
		locker: locker,
		ttl:    ttl,
		wait:   wait,
		logger: log.With().Str("component", "loadbalancer").Str("wrapper", "exclusive").Logger(),
		held:   make(map[string]UnlockFunc),
	}
}

// Suspend takes the server lock, then suspends through the wrapped balancer.
// The lock stays held if the wrapped Suspend fails; the engine always follows
// with Resume, which releases it.
func (x *Exclusive) Suspend(ctx context.Context, server *engine.Server, mode engine.SuspendMode) error {
	lockCtx := ctx
	if x.wait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, x.wait)
		defer cancel()
	}

	unlock, err := x.locker.Lock(lockCtx, server.Name, x.ttl)
	if err != nil {
		return fmt.Errorf("server %s is locked by another deployment: %w", server.Name, err)
	}

	x.mu.Lock()
	x.held[server.Name] = unlock
	x.mu.Unlock()

	x.logger.Debug().Str("server", server.Name).Msg("Server lock acquired")

	return x.next.Suspend(ctx, server, mode)
}

// Resume resumes through the wrapped balancer and releases the lock. A server
// whose lock this wrapper never acquired belongs to another deployment and is
// left untouched.
func (x *Exclusive) Resume(ctx context.Context, server *engine.Server) error {
	x.mu.Lock()
	unlock, ok := x.held[server.Name]
	delete(x.held, server.Name)
	x.mu.Unlock()

	if !ok {
		x.logger.Warn().Str("server", server.Name).Msg("Server lock not held, skipping resume")
		return nil
	}

	resumeErr := x.next.Resume(ctx, server)

	if err := unlock(ctx); err != nil {
		x.logger.Warn().Err(err).Str("server", server.Name).Msg("Failed to release server lock")
	} else {
		x.logger.Debug().Str("server", server.Name).Msg("Server lock released")
	}

	return resumeErr
}
