package pecorino

import (
	"errors"
	"fmt"
	"time"

	"github.com/cheddarme/pecorino/storage"
)

// ErrInvalidArgument is returned for caller misuse: constructing a
// LeakyBucket with both or neither of LeakRate/OverTime, a non-positive
// BlockFor, or a non-positive capacity.
var ErrInvalidArgument = storage.ErrInvalidArgument

// Throttled is a domain signal, not an operational error: it is raised by
// Throttle.MustRequest when a request is refused, and carries enough
// context for the caller to report a retry-after without a second round
// trip to the store.
type Throttled struct {
	Throttle *Throttle
	State    ThrottleState
}

func (e *Throttled) Error() string {
	return fmt.Sprintf("throttled: key %q blocked until %s", e.Throttle.key, e.State.BlockedUntil.Format(time.RFC3339))
}

// RetryAfter is the number of whole seconds remaining until the block
// lapses, rounded up. It is always >= 0.
func (e *Throttled) RetryAfter() int {
	remaining := time.Until(e.State.BlockedUntil)
	if remaining <= 0 {
		return 0
	}
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// StoreFailure reports whether err originated from the backing store
// (I/O, transport, or SQL/Redis error) as opposed to a domain outcome.
func StoreFailure(err error) bool {
	if err == nil {
		return false
	}
	var throttled *Throttled
	if errors.As(err, &throttled) {
		return false
	}
	return !errors.Is(err, ErrInvalidArgument)
}
