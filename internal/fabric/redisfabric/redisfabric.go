// Package redisfabric keeps the fabric's counter register and forwarding rule
// table in Redis hashes, for data planes that mirror their state there.
package redisfabric

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	"github.com/mohammed-shakir/lethe-lb/internal/fabric"
	"github.com/mohammed-shakir/lethe-lb/internal/keyhash"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// Fabric stores the register as hash <prefix>:counterReg (field = key hash,
// value = count) and the rule table as hash <prefix>:loadbal (field = key
// hash, value = action name).
type Fabric struct {
	rdb      *redis.Client
	size     int
	register string
	table    string
}

var _ fabric.Interface = (*Fabric)(nil)

func New(ctx context.Context, addr, prefix string, registerSize int, opts ...Option) (*Fabric, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if registerSize <= 0 {
		return nil, fmt.Errorf("register size %d must be positive", registerSize)
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     8,
		MinIdleConns: 1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveFabricOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Fabric{
		rdb:      rdb,
		size:     registerSize,
		register: keyhash.RegisterKey(prefix),
		table:    keyhash.RuleTableKey(prefix),
	}, nil
}

func (f *Fabric) ReadCounters(ctx context.Context) ([]uint64, error) {
	start := time.Now()
	raw, err := f.rdb.HGetAll(ctx, f.register).Result()
	observability.ObserveFabricOp("read", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %q: %w", f.register, err)
	}

	out := make([]uint64, f.size)
	for field, val := range raw {
		k, err := model.ParseKeyHash(field)
		if err != nil || int(k) >= f.size {
			continue
		}
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("register field %s: %w", field, err)
		}
		out[k] = n
	}
	return out, nil
}

func (f *Fabric) ResetCounters(ctx context.Context) error {
	start := time.Now()
	err := f.rdb.Del(ctx, f.register).Err()
	observability.ObserveFabricOp("reset", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %q: %w", f.register, err)
	}
	return nil
}

func (f *Fabric) ClearRules(ctx context.Context) error {
	start := time.Now()
	err := f.rdb.Del(ctx, f.table).Err()
	observability.ObserveFabricOp("clear", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %q: %w", f.table, err)
	}
	return nil
}

func (f *Fabric) InstallRule(ctx context.Context, k model.KeyHash, t model.Tier) error {
	if int(k) >= f.size {
		return fmt.Errorf("install rule: key hash %d outside register of %d", k, f.size)
	}
	start := time.Now()
	err := f.rdb.HSet(ctx, f.table, k.String(), t.Action()).Err()
	observability.ObserveFabricOp("install", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis HSET %q %s: %w", f.table, k, err)
	}
	return nil
}

func (f *Fabric) DeleteRule(ctx context.Context, k model.KeyHash) error {
	start := time.Now()
	err := f.rdb.HDel(ctx, f.table, k.String()).Err()
	observability.ObserveFabricOp("delete", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis HDEL %q %s: %w", f.table, k, err)
	}
	return nil
}

// Rules reads the rule table back. The controller never does this; it is
// for tooling and tests.
func (f *Fabric) Rules(ctx context.Context) (map[model.KeyHash]model.Tier, error) {
	raw, err := f.rdb.HGetAll(ctx, f.table).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %q: %w", f.table, err)
	}
	out := make(map[model.KeyHash]model.Tier, len(raw))
	for field, action := range raw {
		k, err := model.ParseKeyHash(field)
		if err != nil {
			continue
		}
		out[k] = model.TierFromAction(action)
	}
	return out, nil
}

// Observe counts delta requests for key, the way the data plane would.
func (f *Fabric) Observe(ctx context.Context, key string, delta int64) error {
	if err := keyhash.Validate(key); err != nil {
		return fmt.Errorf("observe %q: %w", key, err)
	}
	k := keyhash.Of(key, f.size)
	if err := f.rdb.HIncrBy(ctx, f.register, k.String(), delta).Err(); err != nil {
		return fmt.Errorf("redis HINCRBY %q %s: %w", f.register, k, err)
	}
	return nil
}

// ObserveBatch counts several keys in one pipeline. A batch holding an
// invalid key is rejected whole.
func (f *Fabric) ObserveBatch(ctx context.Context, hits map[string]int64) error {
	if len(hits) == 0 {
		return nil
	}
	for key := range hits {
		if err := keyhash.Validate(key); err != nil {
			return fmt.Errorf("observe %q: %w", key, err)
		}
	}
	_, err := f.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, n := range hits {
			k := keyhash.Of(key, f.size)
			if err := p.HIncrBy(ctx, f.register, k.String(), n).Err(); err != nil {
				return fmt.Errorf("pipeline HINCRBY %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis observe %d keys (pipeline): %w", len(hits), err)
	}
	return nil
}

func (f *Fabric) Close() error {
	if err := f.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
