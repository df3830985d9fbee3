// Package rediskv implements storage.Adapter over go-redis/v9, grounded on
// backends/redis/redis.go: a redis.UniversalClient, connectivity-error
// classification, and server-side Lua scripts loaded once and invoked by
// cached SHA (EvalSha), reloading on a NOSCRIPT miss. Per key this adapter
// keeps two string values plus one block value, as laid out in spec §6:
// "<prefix>:leaky_bucket:<key>:level", "…:last_touched", "…:block".
package rediskv

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cheddarme/pecorino/storage"
)

//go:embed fillup.lua
var fillupScript string

//go:embed state.lua
var stateScript string

//go:embed set_block.lua
var setBlockScript string

const defaultKeyPrefix = "pecorino"

// Config holds configuration for creating a Redis-backed adapter.
type Config struct {
	// Addr is host:port. When RedisURL is also set, a non-empty Addr
	// overrides the address parsed from the URL.
	Addr     string
	Password string
	DB       int
	PoolSize int
	// RedisURL, if set, is parsed first; any non-zero Addr, Password, DB
	// or PoolSize then overrides the corresponding value from the URL.
	RedisURL string
	// KeyPrefix namespaces every key this adapter touches. Defaults to
	// "pecorino".
	KeyPrefix string
	// ConnErrorStrings overrides the connectivity-error patterns.
	ConnErrorStrings []string
}

// Adapter is the Redis-backed storage.Adapter.
type Adapter struct {
	client           redis.UniversalClient
	prefix           string
	connErrorStrings []string

	fillupSHA   string
	stateSHA    string
	setBlockSHA string
}

// New connects to Redis per config, pings it, and preloads the scripts.
func New(ctx context.Context, config Config) (*Adapter, error) {
	var client redis.UniversalClient

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("rediskv: parse redis url: %w", err)
		}
		if config.Addr != "" {
			opts.Addr = config.Addr
		}
		if config.Password != "" {
			opts.Password = config.Password
		}
		if config.DB != 0 {
			opts.DB = config.DB
		}
		if config.PoolSize != 0 {
			opts.PoolSize = config.PoolSize
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
			PoolSize: config.PoolSize,
		})
	}

	patterns := config.ConnErrorStrings
	if patterns == nil {
		patterns = connErrorStrings
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	a := &Adapter{client: client, prefix: prefix, connErrorStrings: patterns}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, storage.NewHealthError("redis:Ping", err)
	}
	if err := a.loadScripts(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithClient adopts an already-connected client.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Adapter {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Adapter{client: client, prefix: keyPrefix, connErrorStrings: connErrorStrings}
}

func (a *Adapter) loadScripts(ctx context.Context) error {
	var err error
	if a.fillupSHA, err = a.client.ScriptLoad(ctx, fillupScript).Result(); err != nil {
		return a.maybeConnError("redis:ScriptLoad:fillup", err)
	}
	if a.stateSHA, err = a.client.ScriptLoad(ctx, stateScript).Result(); err != nil {
		return a.maybeConnError("redis:ScriptLoad:state", err)
	}
	if a.setBlockSHA, err = a.client.ScriptLoad(ctx, setBlockScript).Result(); err != nil {
		return a.maybeConnError("redis:ScriptLoad:set_block", err)
	}
	return nil
}

func (a *Adapter) levelKey(key string) string   { return a.prefix + ":leaky_bucket:" + key + ":level" }
func (a *Adapter) touchedKey(key string) string { return a.prefix + ":leaky_bucket:" + key + ":last_touched" }
func (a *Adapter) blockKey(key string) string   { return a.prefix + ":leaky_bucket:" + key + ":block" }

// evalWithReload runs EvalSha, reloading the named script and retrying once
// on a NOSCRIPT miss (e.g. after a Redis restart or FLUSHALL/SCRIPT FLUSH).
func (a *Adapter) evalWithReload(ctx context.Context, sha *string, script string, keys []string, args ...any) (any, error) {
	result, err := a.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		newSHA, loadErr := a.client.ScriptLoad(ctx, script).Result()
		if loadErr != nil {
			return nil, a.maybeConnError("redis:ScriptLoad:reload", loadErr)
		}
		*sha = newSHA
		result, err = a.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	if err != nil {
		return nil, a.maybeConnError("redis:EvalSha", err)
	}
	return result, nil
}

func ttlSeconds(capacity, leakRate float64) int64 {
	secs := int64(2 * capacity / leakRate)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (a *Adapter) State(ctx context.Context, key string, capacity, leakRate float64) (storage.State, error) {
	raw, err := a.evalWithReload(ctx, &a.stateSHA, stateScript,
		[]string{a.levelKey(key), a.touchedKey(key)},
		leakRate, capacity,
	)
	if err != nil {
		return storage.State{}, err
	}

	rows, ok := raw.([]any)
	if !ok || len(rows) != 2 {
		return storage.State{}, fmt.Errorf("rediskv: unexpected state script result %#v", raw)
	}
	level, err := strconv.ParseFloat(rows[0].(string), 64)
	if err != nil {
		return storage.State{}, fmt.Errorf("rediskv: parse level: %w", err)
	}
	atCapacity := rows[1].(int64) == 1
	return storage.State{Level: level, AtCapacity: atCapacity}, nil
}

func (a *Adapter) fillup(ctx context.Context, key string, capacity, leakRate, n float64, conditional bool) (storage.ConditionalState, error) {
	condFlag := "0"
	if conditional {
		condFlag = "1"
	}

	raw, err := a.evalWithReload(ctx, &a.fillupSHA, fillupScript,
		[]string{a.levelKey(key), a.touchedKey(key)},
		leakRate, n, capacity, condFlag, ttlSeconds(capacity, leakRate),
	)
	if err != nil {
		return storage.ConditionalState{}, err
	}

	rows, ok := raw.([]any)
	if !ok || len(rows) != 3 {
		return storage.ConditionalState{}, fmt.Errorf("rediskv: unexpected fillup script result %#v", raw)
	}
	level, err := strconv.ParseFloat(rows[0].(string), 64)
	if err != nil {
		return storage.ConditionalState{}, fmt.Errorf("rediskv: parse level: %w", err)
	}
	atCapacity := rows[1].(int64) == 1
	accepted := rows[2].(int64) == 1

	return storage.ConditionalState{Level: level, AtCapacity: atCapacity, Accepted: accepted}, nil
}

func (a *Adapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (storage.State, error) {
	result, err := a.fillup(ctx, key, capacity, leakRate, n, false)
	if err != nil {
		return storage.State{}, err
	}
	return storage.State{Level: result.Level, AtCapacity: result.AtCapacity}, nil
}

func (a *Adapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (storage.ConditionalState, error) {
	return a.fillup(ctx, key, capacity, leakRate, n, true)
}

func (a *Adapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	if blockFor <= 0 {
		return time.Time{}, storage.ErrInvalidArgument
	}

	raw, err := a.evalWithReload(ctx, &a.setBlockSHA, setBlockScript,
		[]string{a.blockKey(key)}, blockFor.Seconds(),
	)
	if err != nil {
		return time.Time{}, err
	}

	seconds, err := strconv.ParseFloat(raw.(string), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("rediskv: parse blocked_until: %w", err)
	}
	return time.Unix(0, int64(seconds*1e9)), nil
}

func (a *Adapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := a.client.Get(ctx, a.blockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, a.maybeConnError("redis:BlockedUntil", err)
	}

	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rediskv: parse blocked_until: %w", err)
	}
	blockedUntil := time.Unix(0, int64(seconds*1e9))
	now, err := a.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, false, a.maybeConnError("redis:Time", err)
	}
	if !blockedUntil.After(now) {
		return time.Time{}, false, nil
	}
	return blockedUntil, true, nil
}

// Prune is a no-op: every key this adapter writes carries a TTL (the
// fillup scripts set one sized to 2*capacity/leak_rate, set_block sets one
// equal to the remaining block duration), so Redis expires bucket and
// block keys on its own without an explicit sweep.
func (a *Adapter) Prune(ctx context.Context) error { return nil }

// CreateTables is a no-op: Redis has no schema to initialize.
func (a *Adapter) CreateTables(ctx context.Context) error { return nil }

func (a *Adapter) Close() error {
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("rediskv: close: %w", err)
	}
	return nil
}

func (a *Adapter) maybeConnError(op string, err error) error {
	return storage.MaybeConnError(op, err, a.connErrorStrings)
}
