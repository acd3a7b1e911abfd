// Package memzero wipes sensitive byte slices in place.
package memzero

import "crypto/subtle"

// Zero clears b. Going through subtle.ConstantTimeCopy keeps the compiler
// from eliding the wipe as a dead store.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
