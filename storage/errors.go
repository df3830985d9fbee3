package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument is the sentinel for caller misuse: a non-positive block
// duration, a negative capacity, or similar construction mistakes. It is
// reported at the call site and never recovered inside the core.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrUnhealthy is a sentinel used to signal that a backend is unreachable.
// It mirrors the connectivity-classification idiom used throughout the
// pack's backend adapters: operational errors (constraint violations, bad
// Lua, syntax errors) are not health errors, only transport/connectivity
// failures are.
var ErrUnhealthy = errors.New("backend unhealthy")

// HealthError wraps an underlying cause with operation context. Adapters
// return it for connectivity/auth/TLS/unavailability issues so callers can
// distinguish "the store is down" from "the store rejected this request".
type HealthError struct {
	Op    string // logical operation, e.g. "postgres:AddTokens", "redis:Eval"
	Cause error
}

func (e *HealthError) Error() string {
	if e == nil {
		return ErrUnhealthy.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", ErrUnhealthy, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %v", ErrUnhealthy, e.Cause)
}

func (e *HealthError) Unwrap() error { return e.Cause }

// Is implements errors.Is against the ErrUnhealthy sentinel.
func (e *HealthError) Is(target error) bool { return target == ErrUnhealthy }

// NewHealthError wraps cause as a health error with context. If cause is
// nil, the bare sentinel is returned.
func NewHealthError(op string, cause error) error {
	if cause == nil {
		return ErrUnhealthy
	}
	return &HealthError{Op: op, Cause: cause}
}

// IsHealthError reports whether err indicates the backing store is
// unreachable, as opposed to a regular operational error.
func IsHealthError(err error) bool {
	if errors.Is(err, ErrUnhealthy) {
		return true
	}
	var he *HealthError
	return errors.As(err, &he)
}

// MaybeConnError classifies err as a HealthError when its message matches
// one of patterns (already-lowercased) or when err wraps a context
// cancellation/deadline. Otherwise err is returned unchanged. patterns is
// nil-safe: a nil slice disables pattern matching and only the context
// check applies.
func MaybeConnError(op string, err error, patterns []string) error {
	if err == nil {
		return nil
	}

	if patterns != nil {
		msg := strings.ToLower(err.Error())
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return NewHealthError(op, err)
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewHealthError(op, err)
	}

	return err
}

// StoreFailure wraps any transport/SQL/Redis error surfaced by an adapter.
// It is propagated to the caller unchanged in substance; the core never
// retries on it.
func StoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}
