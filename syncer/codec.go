// Package syncer keeps replicas of a conflict-free document converged by
// shipping opaque deltas through an append-only relay: local edits are
// debounced into batched publishes, relay events are absorbed as they
// arrive, and a one-time catch-up on join repairs any local state the
// relay's log is missing.
package syncer

import "encoding/base64"

// Encode converts a binary delta to its text transport form.
func Encode(delta []byte) string {
	return base64.StdEncoding.EncodeToString(delta)
}

// Decode is the exact inverse of Encode, for every input including empty.
func Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// BytesEqual reports byte-exact equality of two buffers. Length mismatch is
// an immediate false; otherwise every byte is compared.
func BytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
