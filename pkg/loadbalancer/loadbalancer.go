// Package loadbalancer provides engine.LoadBalancer implementations that take
// servers out of rotation while they are being deployed.
package loadbalancer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Balancer types accepted by New.
const (
	TypeNone  = "none"
	TypeRedis = "redis"
	TypeHTTP  = "http"
)

const (
	defaultDrainTimeout = 2 * time.Minute
	defaultPollInterval = time.Second
	defaultLockTTL      = 30 * time.Minute
	defaultPrefix       = "seqdeploy"
)

// Config selects and configures a load balancer adapter.
type Config struct {
	// Type is one of none, redis or http. Empty means none.
	Type string

	// Address is the Redis address (host:port) or the HTTP admin API base URL.
	Address string

	// Password authenticates to Redis.
	Password string

	// DB is the Redis database number.
	DB int

	// Token is sent as a bearer token to the HTTP admin API.
	Token string

	// Prefix namespaces every Redis key.
	Prefix string

	// Farm is the default pool for servers that do not declare one.
	Farm string

	// DrainTimeout bounds graceful suspension.
	DrainTimeout time.Duration

	// PollInterval is the delay between connection count checks.
	PollInterval time.Duration

	// Exclusive takes a per-server Redis lock for the duration of the bracket.
	Exclusive bool

	// LockTTL is the expiry of exclusive locks.
	LockTTL time.Duration

	// LockWait bounds how long Suspend waits for an exclusive lock. Zero waits
	// until the context is done.
	LockWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = TypeNone
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch c.Type {
	case "", TypeNone:
		if c.Exclusive {
			return fmt.Errorf("exclusive locking requires a redis load balancer")
		}
		return nil
	case TypeRedis, TypeHTTP:
		if c.Address == "" {
			return fmt.Errorf("address is required for %s load balancer", c.Type)
		}
		if c.Exclusive && c.Type != TypeRedis {
			return fmt.Errorf("exclusive locking requires a redis load balancer")
		}
		return nil
	default:
		return fmt.Errorf("unsupported load balancer type: %s", c.Type)
	}
}

// New builds the adapter described by cfg. The returned close function
// releases any client connections and is never nil.
func New(cfg Config) (engine.LoadBalancer, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg = cfg.withDefaults()

	switch cfg.Type {
	case TypeRedis:
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		var lb engine.LoadBalancer = NewRedis(client, RedisOptions{
			Prefix:       cfg.Prefix,
			Farm:         cfg.Farm,
			DrainTimeout: cfg.DrainTimeout,
			PollInterval: cfg.PollInterval,
		})
		if cfg.Exclusive {
			lb = NewExclusive(lb, NewRedisLocker(client, cfg.Prefix), cfg.LockTTL, cfg.LockWait)
		}
		return lb, client.Close, nil

	case TypeHTTP:
		lb := NewHTTP(cfg.Address, HTTPOptions{
			Token:        cfg.Token,
			DrainTimeout: cfg.DrainTimeout,
			PollInterval: cfg.PollInterval,
			Client:       &http.Client{Timeout: 30 * time.Second},
		})
		return lb, noClose, nil

	default:
		return NewNoop(), noClose, nil
	}
}

func noClose() error { return nil }

// Noop accepts every call. It is used when no load balancer is configured.
type Noop struct {
	logger zerolog.Logger
}

var _ engine.LoadBalancer = (*Noop)(nil)

// NewNoop creates a balancer that only logs.
func NewNoop() *Noop {
	return &Noop{logger: log.With().Str("component", "loadbalancer").Str("type", TypeNone).Logger()}
}

// Suspend logs the request.
func (n *Noop) Suspend(_ context.Context, server *engine.Server, mode engine.SuspendMode) error {
	n.logger.Debug().Str("server", server.Name).Str("mode", string(mode)).Msg("Suspend ignored, no load balancer configured")
	return nil
}

// Resume logs the request.
func (n *Noop) Resume(_ context.Context, server *engine.Server) error {
	n.logger.Debug().Str("server", server.Name).Msg("Resume ignored, no load balancer configured")
	return nil
}

// waitUntil polls check every interval until it reports done, the timeout
// elapses or ctx is done.
func waitUntil(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("drain timeout after %s", timeout)
		case <-ticker.C:
		}
	}
}
