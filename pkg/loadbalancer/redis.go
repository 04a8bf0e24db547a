package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server states written to the state key.
const (
	StateOnline   = "online"
	StateDraining = "draining"
	StateOffline  = "offline"
)

// RedisOptions configures the Redis adapter.
type RedisOptions struct {
	Prefix       string
	Farm         string
	DrainTimeout time.Duration
	PollInterval time.Duration
}

// Redis drives a Redis-backed server registry. Routers read the active set of
// a farm to decide where to send traffic, and report in-flight connections in
// a per-server counter.
//
// Keys:
//
//	{prefix}:farm:{farm}:active        set of server names in rotation
//	{prefix}:server:{name}:state       online, draining or offline
//	{prefix}:server:{name}:connections in-flight connection count
type Redis struct {
	client *backend.Client
	opts   RedisOptions
	logger zerolog.Logger
}

var _ engine.LoadBalancer = (*Redis)(nil)

// NewRedis creates a Redis adapter.
func NewRedis(client *backend.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Redis{
		client: client,
		opts:   opts,
		logger: log.With().Str("component", "loadbalancer").Str("type", TypeRedis).Logger(),
	}
}

// FarmKey returns the active set key for farm.
func (r *Redis) FarmKey(farm string) string {
	return fmt.Sprintf("%s:farm:%s:active", r.opts.Prefix, farm)
}

// StateKey returns the state key for server.
func (r *Redis) StateKey(server string) string {
	return fmt.Sprintf("%s:server:%s:state", r.opts.Prefix, server)
}

// ConnectionsKey returns the connection counter key for server.
func (r *Redis) ConnectionsKey(server string) string {
	return fmt.Sprintf("%s:server:%s:connections", r.opts.Prefix, server)
}

func (r *Redis) farm(server *engine.Server) string {
	if server.Farm != "" {
		return server.Farm
	}
	if r.opts.Farm != "" {
		return r.opts.Farm
	}
	return "default"
}

// Suspend removes server from its farm's active set. In graceful mode it then
// waits for the connection counter to reach zero before marking the server
// offline; a drain that does not finish within DrainTimeout is an error.
func (r *Redis) Suspend(ctx context.Context, server *engine.Server, mode engine.SuspendMode) error {
	state := StateOffline
	if mode == engine.SuspendModeGraceful {
		state = StateDraining
	}

	_, err := r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.SRem(ctx, r.FarmKey(r.farm(server)), server.Name)
		pipe.Set(ctx, r.StateKey(server.Name), state, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s from farm: %w", server.Name, err)
	}

	r.logger.Info().
		Str("server", server.Name).
		Str("farm", r.farm(server)).
		Str("mode", string(mode)).
		Msg("Server removed from rotation")

	if mode != engine.SuspendModeGraceful {
		return nil
	}

	startTime := time.Now()
	err = waitUntil(ctx, r.opts.PollInterval, r.opts.DrainTimeout, func(ctx context.Context) (bool, error) {
		n, err := r.connections(ctx, server.Name)
		if err != nil {
			return false, err
		}
		r.logger.Debug().Str("server", server.Name).Int64("connections", n).Msg("Waiting for connections to drain")
		return n <= 0, nil
	})
	if err != nil {
		return fmt.Errorf("failed to drain %s: %w", server.Name, err)
	}

	if err := r.client.Set(ctx, r.StateKey(server.Name), StateOffline, 0).Err(); err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", server.Name, err)
	}

	r.logger.Info().Str("server", server.Name).Dur("duration", time.Since(startTime)).Msg("Server drained")
	return nil
}

// Resume adds server back to its farm's active set and marks it online.
func (r *Redis) Resume(ctx context.Context, server *engine.Server) error {
	_, err := r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.SAdd(ctx, r.FarmKey(r.farm(server)), server.Name)
		pipe.Set(ctx, r.StateKey(server.Name), StateOnline, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to farm: %w", server.Name, err)
	}

	r.logger.Info().Str("server", server.Name).Str("farm", r.farm(server)).Msg("Server returned to rotation")
	return nil
}

// State returns the recorded state of server, or an empty string if none.
func (r *Redis) State(ctx context.Context, server string) (string, error) {
	state, err := r.client.Get(ctx, r.StateKey(server)).Result()
	if errors.Is(err, backend.Nil) {
		return "", nil
	}
	return state, err
}

// connections returns the in-flight connection count. A missing counter is zero.
func (r *Redis) connections(ctx context.Context, server string) (int64, error) {
	val, err := r.client.Get(ctx, r.ConnectionsKey(server)).Result()
	if errors.Is(err, backend.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read connection count: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid connection count %q: %w", val, err)
	}
	return n, nil
}
