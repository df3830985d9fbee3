// Package keyvalidate enforces the character and length constraints a
// storage key must satisfy across every backend (Postgres/SQLite column,
// Redis key segment), grounded on utils/validation.go's precomputed
// allowed-character table.
package keyvalidate

import "fmt"

var allowedChars [128]bool

func init() {
	for _, c := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-:.@+" {
		allowedChars[c] = true
	}
}

// Key validates that key is non-empty, at most 64 bytes, and contains only
// ASCII alphanumerics plus _-:.@+.
func Key(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > 64 {
		return fmt.Errorf("key cannot exceed 64 bytes, got %d bytes", len(key))
	}

	const hint = "only alphanumeric ASCII, underscore (_), hyphen (-), colon (:), period (.), at (@), and plus (+) are allowed"
	for i, r := range key {
		if r >= 128 || !allowedChars[r] {
			return fmt.Errorf("key contains invalid character %q at position %d: %s", r, i, hint)
		}
	}
	return nil
}
