// Package pecorino is a leaky-bucket rate limiter with an optional
// timed-block layer, grounded on the ajiwo-ratelimit strategy/backend
// split: a thin stateless algorithm facade (LeakyBucket) bound to a
// pluggable storage.Adapter, composed by Throttle with a keyed Block
// registry.
package pecorino

import (
	"context"
	"fmt"

	"github.com/cheddarme/pecorino/internal/keyvalidate"
	"github.com/cheddarme/pecorino/storage"
)

// State is the result of a bucket observation or fillup.
type State struct {
	Level float64
	Full  bool
}

// ConditionalState is the result of a conditional fillup.
type ConditionalState struct {
	Level    float64
	Full     bool
	Accepted bool
}

// LeakyBucket binds a key, a capacity, and a leak rate to a storage
// adapter. It is a thin, stateless facade: all state lives in the
// adapter, so a LeakyBucket value may be freely copied and reconstructed.
type LeakyBucket struct {
	key      string
	capacity float64
	leakRate float64
	adapter  storage.Adapter
}

// BucketOption configures a LeakyBucket at construction.
type BucketOption func(*bucketConfig) error

type bucketConfig struct {
	leakRate  float64
	overTime  float64
	haveRate  bool
	haveOver  bool
}

// WithLeakRate sets the leak rate directly, in tokens per second.
func WithLeakRate(rate float64) BucketOption {
	return func(c *bucketConfig) error {
		if rate <= 0 {
			return fmt.Errorf("%w: leak rate must be positive, got %v", ErrInvalidArgument, rate)
		}
		c.leakRate = rate
		c.haveRate = true
		return nil
	}
}

// WithOverTime derives the leak rate from the bucket's capacity: leakRate
// = capacity / overTimeSeconds. Mutually exclusive with WithLeakRate.
func WithOverTime(seconds float64) BucketOption {
	return func(c *bucketConfig) error {
		if seconds <= 0 {
			return fmt.Errorf("%w: over_time must be positive, got %v", ErrInvalidArgument, seconds)
		}
		c.overTime = seconds
		c.haveOver = true
		return nil
	}
}

// NewLeakyBucket validates construction and returns a LeakyBucket bound to
// adapter. Exactly one of WithLeakRate or WithOverTime must be supplied.
func NewLeakyBucket(adapter storage.Adapter, key string, capacity float64, opts ...BucketOption) (*LeakyBucket, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter cannot be nil", ErrInvalidArgument)
	}
	if err := keyvalidate.Key(key); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidArgument, capacity)
	}

	var cfg bucketConfig
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.haveRate == cfg.haveOver {
		return nil, fmt.Errorf("%w: exactly one of WithLeakRate or WithOverTime is required", ErrInvalidArgument)
	}

	leakRate := cfg.leakRate
	if cfg.haveOver {
		leakRate = capacity / cfg.overTime
	}

	return &LeakyBucket{key: key, capacity: capacity, leakRate: leakRate, adapter: adapter}, nil
}

// Key returns the bucket's storage key.
func (b *LeakyBucket) Key() string { return b.key }

// Capacity returns the bucket's maximum level.
func (b *LeakyBucket) Capacity() float64 { return b.capacity }

// LeakRate returns the bucket's drain rate in tokens per second.
func (b *LeakyBucket) LeakRate() float64 { return b.leakRate }

// State reads the current effective level without mutating it.
func (b *LeakyBucket) State(ctx context.Context) (State, error) {
	s, err := b.adapter.State(ctx, b.key, b.capacity, b.leakRate)
	if err != nil {
		return State{}, err
	}
	return State{Level: s.Level, Full: s.AtCapacity}, nil
}

// Fillup adds n tokens unconditionally (n may be negative), clamped to
// [0, capacity]. The returned State reflects the store's post-operation
// view: callers must not re-read State to interpret this result, since
// tokens leak continuously between calls.
func (b *LeakyBucket) Fillup(ctx context.Context, n float64) (State, error) {
	s, err := b.adapter.AddTokens(ctx, b.key, b.capacity, b.leakRate, n)
	if err != nil {
		return State{}, err
	}
	return State{Level: s.Level, Full: s.AtCapacity}, nil
}

// FillupConditionally adds n tokens only if doing so would not exceed
// capacity; otherwise the bucket's leaked level is persisted unchanged and
// Accepted is false.
func (b *LeakyBucket) FillupConditionally(ctx context.Context, n float64) (ConditionalState, error) {
	s, err := b.adapter.AddTokensConditionally(ctx, b.key, b.capacity, b.leakRate, n)
	if err != nil {
		return ConditionalState{}, err
	}
	return ConditionalState{Level: s.Level, Full: s.AtCapacity, Accepted: s.Accepted}, nil
}

// AbleToAccept reports whether a fillup of n tokens would currently be
// accepted. It is advisory only: the check and any subsequent Fillup are
// not atomic with respect to each other, so tokens may leak or another
// caller may fill the bucket in between.
func (b *LeakyBucket) AbleToAccept(ctx context.Context, n float64) (bool, error) {
	s, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return s.Level+n <= b.capacity, nil
}
