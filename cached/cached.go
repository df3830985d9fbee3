// Package cached implements the cached-throttle collaborator described in
// spec §6: a short-circuit in front of a *pecorino.Throttle that avoids a
// store round trip while a cached block is still in effect. It is
// deliberately generic over the cache implementation (grounded on the
// ajiwo-ratelimit pack's style of parameterizing over a caller-supplied
// backends.Backend rather than hard-coding one): any Cache satisfying
// Read/Write works, whether that is an in-process LRU, a memcache client,
// or the same Redis instance the underlying adapter uses.
package cached

import (
	"context"
	"errors"
	"time"

	"github.com/cheddarme/pecorino"
)

// Cache is the minimal contract a cache must satisfy to front a Throttle.
// Implementations are expected to expire entries on their own once
// expiresAfter elapses; Throttle never issues an explicit delete.
type Cache interface {
	Read(ctx context.Context, key string) (pecorino.ThrottleState, bool, error)
	Write(ctx context.Context, key string, state pecorino.ThrottleState, expiresAfter time.Time) error
}

// Throttle wraps a *pecorino.Throttle with a Cache front: once a block is
// observed (either read from cache or installed by the underlying
// throttle), the result is cached with an expiry equal to the block's
// blocked_until, so that subsequent requests on the same key can be
// refused without touching the backing store until the block lapses.
type Throttle struct {
	inner *pecorino.Throttle
	cache Cache
	key   string
}

// New wraps inner with cache, keyed by inner.Key().
func New(inner *pecorino.Throttle, cache Cache) *Throttle {
	return &Throttle{inner: inner, cache: cache, key: inner.Key()}
}

func (t *Throttle) cachedBlocked(ctx context.Context) (pecorino.ThrottleState, bool, error) {
	state, ok, err := t.cache.Read(ctx, t.key)
	if err != nil {
		return pecorino.ThrottleState{}, false, err
	}
	if !ok || !state.Blocked() {
		return pecorino.ThrottleState{}, false, nil
	}
	return state, true, nil
}

func (t *Throttle) cacheBlock(ctx context.Context, state pecorino.ThrottleState) error {
	if !state.Blocked() {
		return nil
	}
	return t.cache.Write(ctx, t.key, state, state.BlockedUntil)
}

// AbleToAccept returns false without consulting the store if a cached
// block is active; otherwise it calls through to inner.
func (t *Throttle) AbleToAccept(ctx context.Context, n float64) (bool, error) {
	if _, blocked, err := t.cachedBlocked(ctx); err != nil {
		return false, err
	} else if blocked {
		return false, nil
	}
	return t.inner.AbleToAccept(ctx, n)
}

// Request returns the cached blocked state, if any, without calling
// through; otherwise it delegates to inner and caches a newly-installed
// block.
func (t *Throttle) Request(ctx context.Context, n float64) (pecorino.ThrottleState, error) {
	if cachedState, blocked, err := t.cachedBlocked(ctx); err != nil {
		return pecorino.ThrottleState{}, err
	} else if blocked {
		return cachedState, nil
	}

	state, err := t.inner.Request(ctx, n)
	if err != nil {
		return pecorino.ThrottleState{}, err
	}
	if err := t.cacheBlock(ctx, state); err != nil {
		return pecorino.ThrottleState{}, err
	}
	return state, nil
}

// MustRequest behaves like Request, raising *pecorino.Throttled from the
// cached state (without calling through) when a cached block is active,
// and caching the exception's state when the underlying throttle raises
// it.
func (t *Throttle) MustRequest(ctx context.Context, n float64) (pecorino.ThrottleState, error) {
	if cachedState, blocked, err := t.cachedBlocked(ctx); err != nil {
		return pecorino.ThrottleState{}, err
	} else if blocked {
		return pecorino.ThrottleState{}, &pecorino.Throttled{Throttle: t.inner, State: cachedState}
	}

	state, err := t.inner.MustRequest(ctx, n)
	if err != nil {
		var throttled *pecorino.Throttled
		if errors.As(err, &throttled) {
			if cacheErr := t.cacheBlock(ctx, throttled.State); cacheErr != nil {
				return pecorino.ThrottleState{}, cacheErr
			}
		}
		return pecorino.ThrottleState{}, err
	}
	return state, nil
}

// ThrottledCall guards body with Request(1), the way pecorino.ThrottledCall
// guards a plain *pecorino.Throttle.
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
