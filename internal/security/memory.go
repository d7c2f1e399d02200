// Package security provides memory hygiene and randomness helpers for
// the crypto layer.
//
// Sensitive material (plaintext secret values, DEKs, derived keys) MUST
// be held as []byte, never string: Go strings are immutable and cannot
// be erased. Callers wipe buffers with Zeroize as soon as their owning
// scope ends.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"runtime"
)

// Zeroize overwrites a byte slice so plaintext does not linger on the
// heap. Multiple passes with alternating patterns, then a final zero
// pass; runtime.KeepAlive prevents the compiler from eliding the writes.
func Zeroize(b []byte) {
	if len(b) == 0 {
		return
	}
	for _, pattern := range [...]byte{0xFF, 0xAA, 0x55} {
		for i := range b {
			b[i] = pattern
		}
		runtime.KeepAlive(b)
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("random length must be positive, got %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("system rng failed: %w", err)
	}
	return b, nil
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomAlphanumeric returns a random string of length n drawn from
// [A-Za-z0-9] with rejection sampling so the distribution is uniform.
func RandomAlphanumeric(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("random length must be positive, got %d", n)
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("system rng failed: %w", err)
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 below 256.
			if b >= 248 {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about the position of the first mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
