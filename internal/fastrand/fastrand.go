// Package fastrand provides a minimal, allocation-free source of randomness
// for the skiplist's node-height coin flips. It deliberately does not expose
// anything beyond Uint32: callers needing general-purpose randomness should
// reach for math/rand/v2 directly.
package fastrand

import "math/rand/v2"

// Uint32 returns a pseudo-random uint32 suitable for skiplist height
// selection. It is not cryptographically secure and is not suitable for any
// use beyond coin-flipping.
func Uint32() uint32 {
	return rand.Uint32()
}
