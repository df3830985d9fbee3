package pecorino

import (
	"context"
	"time"

	"github.com/cheddarme/pecorino/storage"
)

// ThrottleState is the outcome of a Throttle request.
type ThrottleState struct {
	BlockedUntil time.Time
}

// Blocked reports whether the state represents an active block. This
// predicate is local — it never touches the store — so a cached
// ThrottleState can expire naturally by wall-clock comparison alone.
func (s ThrottleState) Blocked() bool {
	return !s.BlockedUntil.IsZero() && s.BlockedUntil.After(time.Now())
}

// Throttle composes a LeakyBucket and the block registry under a shared
// key. Construction defaults BlockFor to the bucket's natural drain time,
// capacity/leakRate, when not supplied.
type Throttle struct {
	key      string
	bucket   *LeakyBucket
	block    *Block
	blockFor time.Duration
}

// ThrottleOption configures a Throttle at construction.
type ThrottleOption func(*throttleConfig)

type throttleConfig struct {
	blockFor time.Duration
}

// WithBlockFor overrides the default block duration (capacity/leakRate).
func WithBlockFor(d time.Duration) ThrottleOption {
	return func(c *throttleConfig) { c.blockFor = d }
}

// NewThrottle builds a Throttle over a single key, adapter, capacity and
// rate option (WithLeakRate/WithOverTime, same as NewLeakyBucket).
func NewThrottle(adapter storage.Adapter, key string, capacity float64, bucketOpts []BucketOption, opts ...ThrottleOption) (*Throttle, error) {
	bucket, err := NewLeakyBucket(adapter, key, capacity, bucketOpts...)
	if err != nil {
		return nil, err
	}

	var cfg throttleConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.blockFor <= 0 {
		cfg.blockFor = time.Duration(bucket.capacity / bucket.leakRate * float64(time.Second))
	}

	return &Throttle{
		key:      key,
		bucket:   bucket,
		block:    NewBlock(adapter),
		blockFor: cfg.blockFor,
	}, nil
}

// Key returns the throttle's storage key.
func (t *Throttle) Key() string { return t.key }

// Bucket returns the underlying LeakyBucket, for callers that need direct
// bucket introspection (e.g. GetStats-style reporting).
func (t *Throttle) Bucket() *LeakyBucket { return t.bucket }

// AbleToAccept reports, advisory only, whether a request of n tokens
// would currently be accepted: no active block and the bucket has room.
func (t *Throttle) AbleToAccept(ctx context.Context, n float64) (bool, error) {
	_, blocked, err := t.block.BlockedUntil(ctx, t.key)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}
	return t.bucket.AbleToAccept(ctx, n)
}

// Request implements the core protocol of spec §4.4: if a block is
// active, return it without consulting the bucket; otherwise attempt a
// conditional fillup of n tokens, and on overflow arm a block before
// returning it. Two adapter calls (BlockedUntil then
// FillupConditionally, plus possibly SetBlock) are not jointly atomic —
// correctness instead rests on SetBlock being idempotent under max and on
// an installed block dominating any later bucket read.
func (t *Throttle) Request(ctx context.Context, n float64) (ThrottleState, error) {
	if until, blocked, err := t.block.BlockedUntil(ctx, t.key); err != nil {
		return ThrottleState{}, err
	} else if blocked {
		return ThrottleState{BlockedUntil: until.UTC()}, nil
	}

	result, err := t.bucket.FillupConditionally(ctx, n)
	if err != nil {
		return ThrottleState{}, err
	}
	if result.Accepted {
		return ThrottleState{}, nil
	}

	until, installed, err := t.block.Set(ctx, t.key, t.blockFor)
	if err != nil {
		return ThrottleState{}, err
	}
	if !installed {
		// blockFor was validated positive at construction, so Set should
		// never refuse here; fall back to treating the overflow itself as
		// the block window.
		until = time.Now().Add(t.blockFor)
	}
	return ThrottleState{BlockedUntil: until.UTC()}, nil
}

// MustRequest behaves like Request, but raises *Throttled instead of
// returning a blocked state.
func (t *Throttle) MustRequest(ctx context.Context, n float64) (ThrottleState, error) {
	state, err := t.Request(ctx, n)
	if err != nil {
		return ThrottleState{}, err
	}
	if state.Blocked() {
		return ThrottleState{}, &Throttled{Throttle: t, State: state}
	}
	return state, nil
}

// ThrottledCall runs body only if Request(1) is accepted; otherwise it
// does nothing and returns (zero, false). This is a prefix guard: apply
// the throttle before the guarded action runs.
func ThrottledCall[T any](ctx context.Context, t *Throttle, body func() (T, error)) (T, bool, error) {
	state, err := t.Request(ctx, 1)
	var zero T
	if err != nil {
		return zero, false, err
	}
	if state.Blocked() {
		return zero, false, nil
	}
	value, err := body()
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}
