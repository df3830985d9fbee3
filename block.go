package pecorino

import (
	"context"
	"errors"
	"time"

	"github.com/cheddarme/pecorino/storage"
)

// Block is a thin wrapper over a storage.Adapter's block operations. Set
// with a non-positive duration is a caller convenience: rather than
// raising ErrInvalidArgument, it reports no block was installed.
type Block struct {
	adapter storage.Adapter
}

// NewBlock returns a Block backed by adapter.
func NewBlock(adapter storage.Adapter) *Block {
	return &Block{adapter: adapter}
}

// Set installs or extends a block on key for blockFor. On success it
// returns the resulting blocked_until and true. If blockFor <= 0 it
// returns the zero time and false instead of propagating
// ErrInvalidArgument, since callers that unconditionally arm a block after
// every overflow should not need to special-case a misconfigured
// duration.
func (b *Block) Set(ctx context.Context, key string, blockFor time.Duration) (time.Time, bool, error) {
	until, err := b.adapter.SetBlock(ctx, key, blockFor)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidArgument) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return until, true, nil
}

// BlockedUntil returns the active block's expiry and true, or the zero
// time and false if no block is active (including one that has lapsed).
func (b *Block) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	return b.adapter.BlockedUntil(ctx, key)
}
