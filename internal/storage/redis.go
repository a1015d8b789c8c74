package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"candle-signal-alerts/internal/market"
)

// RedisStateStore keeps evaluator runtime state and cooldowns in Redis.
// Candles and events stay in PostgreSQL; this store only covers the
// small, frequently rewritten per-rule records for deployments that want
// them off the primary database.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configure the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStateStore connects a Redis client for state persistence.
func NewRedisStateStore(opts RedisOptions) *RedisStateStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "signalwatcher"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStateStore{client: client, prefix: prefix}
}

// Close releases the Redis connection.
func (r *RedisStateStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Ping verifies connectivity.
func (r *RedisStateStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStateStore) kvKey(key string) string {
	return r.prefix + ":kv:" + key
}

func (r *RedisStateStore) cooldownKey(key string) string {
	return r.prefix + ":cooldown:" + key
}

// GetKV reads a state blob.
func (r *RedisStateStore) GetKV(ctx context.Context, key string) (KVEntry, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.kvKey(key)).Result()
	if err != nil {
		return KVEntry{}, false, fmt.Errorf("redis get kv: %w", err)
	}
	if len(fields) == 0 {
		return KVEntry{}, false, nil
	}
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return KVEntry{
		Key:       key,
		Value:     []byte(fields["value"]),
		UpdatedAt: updatedAt,
	}, true, nil
}

// SetKV writes a state blob.
func (r *RedisStateStore) SetKV(ctx context.Context, key string, value []byte, updatedAt int64) error {
	err := r.client.HSet(ctx, r.kvKey(key),
		"value", string(value),
		"updated_at", strconv.FormatInt(updatedAt, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis set kv: %w", err)
	}
	return nil
}

// GetCooldown reads the last-fire record for a key.
func (r *RedisStateStore) GetCooldown(ctx context.Context, key string) (CooldownState, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.cooldownKey(key)).Result()
	if err != nil {
		return CooldownState{}, false, fmt.Errorf("redis get cooldown: %w", err)
	}
	if len(fields) == 0 {
		return CooldownState{}, false, nil
	}
	lastFire, _ := strconv.ParseInt(fields["last_fire_ts"], 10, 64)
	return CooldownState{
		Key:        key,
		Symbol:     fields["symbol"],
		Rule:       fields["rule"],
		Timeframe:  market.Timeframe(fields["timeframe"]),
		LastFireTS: lastFire,
	}, true, nil
}

// UpsertCooldown records a fire.
func (r *RedisStateStore) UpsertCooldown(ctx context.Context, state CooldownState) error {
	err := r.client.HSet(ctx, r.cooldownKey(state.Key),
		"symbol", state.Symbol,
		"rule", state.Rule,
		"timeframe", string(state.Timeframe),
		"last_fire_ts", strconv.FormatInt(state.LastFireTS, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis upsert cooldown: %w", err)
	}
	return nil
}

var (
	_ StateStore    = (*RedisStateStore)(nil)
	_ CooldownStore = (*RedisStateStore)(nil)
)
