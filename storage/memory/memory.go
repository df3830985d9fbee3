// Package memory implements storage.Adapter in-process, grounded on
// backends/memory.go's per-key mutex map: a sync.Map of keys to dedicated
// mutexes, each acquired for the scope of a single operation with
// guaranteed release on every exit path.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cheddarme/pecorino/internal/clock"
	"github.com/cheddarme/pecorino/storage"
)

// mutexPool reduces allocations for per-key mutex creation under high key
// cardinality.
var mutexPool = sync.Pool{
	New: func() any { return &sync.Mutex{} },
}

type bucketRecord struct {
	level             float64
	lastTouchedAt     time.Time
	mayBeDeletedAfter time.Time
}

type blockRecord struct {
	blockedUntil time.Time
}

// Adapter is the in-process storage.Adapter. The zero value is not usable;
// construct with New.
type Adapter struct {
	clock clock.Clock

	locks sync.Map // map[string]*sync.Mutex
	buckets sync.Map // map[string]bucketRecord
	blocks  sync.Map // map[string]blockRecord
}

// New returns an Adapter using the real system clock.
func New() *Adapter {
	return &Adapter{clock: clock.Real{}}
}

// NewWithClock returns an Adapter driven by an injected clock, for
// deterministic tests.
func NewWithClock(c clock.Clock) *Adapter {
	return &Adapter{clock: c}
}

func (a *Adapter) getLock(key string) *sync.Mutex {
	if existing, ok := a.locks.Load(key); ok {
		return existing.(*sync.Mutex)
	}
	fresh := mutexPool.Get().(*sync.Mutex)
	actual, loaded := a.locks.LoadOrStore(key, fresh)
	if loaded {
		mutexPool.Put(fresh)
	}
	return actual.(*sync.Mutex)
}

// effectiveLevel applies the leak invariant of spec §3: clamp(0, level -
// elapsed*leakRate, capacity).
func effectiveLevel(rec bucketRecord, now time.Time, capacity, leakRate float64) float64 {
	elapsed := now.Sub(rec.lastTouchedAt).Seconds()
	leaked := rec.level - elapsed*leakRate
	return clamp(leaked, 0, capacity)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func deletionHorizon(now time.Time, capacity, leakRate float64) time.Time {
	return now.Add(time.Duration(2 * capacity / leakRate * float64(time.Second)))
}

func (a *Adapter) State(ctx context.Context, key string, capacity, leakRate float64) (storage.State, error) {
	if err := ctx.Err(); err != nil {
		return storage.State{}, err
	}

	lock := a.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	recAny, ok := a.buckets.Load(key)
	if !ok {
		return storage.State{Level: 0, AtCapacity: false}, nil
	}

	now := a.clock.Now()
	level := effectiveLevel(recAny.(bucketRecord), now, capacity, leakRate)
	return storage.State{Level: level, AtCapacity: level >= capacity}, nil
}

func (a *Adapter) AddTokens(ctx context.Context, key string, capacity, leakRate, n float64) (storage.State, error) {
	if err := ctx.Err(); err != nil {
		return storage.State{}, err
	}

	lock := a.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := a.clock.Now()
	var pre float64
	if recAny, ok := a.buckets.Load(key); ok {
		pre = effectiveLevel(recAny.(bucketRecord), now, capacity, leakRate)
	}

	post := clamp(pre+n, 0, capacity)
	a.buckets.Store(key, bucketRecord{
		level:             post,
		lastTouchedAt:     now,
		mayBeDeletedAfter: deletionHorizon(now, capacity, leakRate),
	})

	return storage.State{Level: post, AtCapacity: post >= capacity}, nil
}

func (a *Adapter) AddTokensConditionally(ctx context.Context, key string, capacity, leakRate, n float64) (storage.ConditionalState, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConditionalState{}, err
	}

	lock := a.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := a.clock.Now()
	var pre float64
	if recAny, ok := a.buckets.Load(key); ok {
		pre = effectiveLevel(recAny.(bucketRecord), now, capacity, leakRate)
	}

	would := pre + n
	accepted := would <= capacity

	var post float64
	if accepted {
		post = clamp(would, 0, capacity)
	} else {
		post = pre
	}

	a.buckets.Store(key, bucketRecord{
		level:             post,
		lastTouchedAt:     now,
		mayBeDeletedAfter: deletionHorizon(now, capacity, leakRate),
	})

	return storage.ConditionalState{Level: post, AtCapacity: post >= capacity, Accepted: accepted}, nil
}

func (a *Adapter) SetBlock(ctx context.Context, key string, blockFor time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if blockFor <= 0 {
		return time.Time{}, storage.ErrInvalidArgument
	}

	lock := a.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := a.clock.Now()
	proposed := now.Add(blockFor)

	existing := proposed
	if recAny, ok := a.blocks.Load(key); ok {
		rec := recAny.(blockRecord)
		if rec.blockedUntil.After(proposed) {
			existing = rec.blockedUntil
		}
	}

	a.blocks.Store(key, blockRecord{blockedUntil: existing})
	return existing, nil
}

func (a *Adapter) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	recAny, ok := a.blocks.Load(key)
	if !ok {
		return time.Time{}, false, nil
	}

	rec := recAny.(blockRecord)
	now := a.clock.Now()
	if !rec.blockedUntil.After(now) {
		return time.Time{}, false, nil
	}
	return rec.blockedUntil, true, nil
}

func (a *Adapter) Prune(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := a.clock.Now()

	var staleBuckets []string
	a.buckets.Range(func(k, v any) bool {
		if !v.(bucketRecord).mayBeDeletedAfter.After(now) {
			staleBuckets = append(staleBuckets, k.(string))
		}
		return true
	})
	for _, k := range staleBuckets {
		lock := a.getLock(k)
		lock.Lock()
		a.buckets.Delete(k)
		lock.Unlock()
	}

	var staleBlocks []string
	a.blocks.Range(func(k, v any) bool {
		if !v.(blockRecord).blockedUntil.After(now) {
			staleBlocks = append(staleBlocks, k.(string))
		}
		return true
	})
	for _, k := range staleBlocks {
		lock := a.getLock(k)
		lock.Lock()
		a.blocks.Delete(k)
		lock.Unlock()
	}

	return nil
}

func (a *Adapter) CreateTables(ctx context.Context) error { return nil }

func (a *Adapter) Close() error { return nil }
