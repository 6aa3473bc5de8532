//go:build chm_opt_enablepadding

package chm

import "unsafe"

// enablePadding is true, the counting structure `counterStripe` will be padded to align with a cache line,
// This can mitigate the impact of false sharing on certain machine architectures.
// If turned on, the related fields will occupy a bit more memory.
// By default, it is turned off.
const enablePadding = true

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c int64
	}{})%CacheLineSize) % CacheLineSize]byte
	c int64 // Counter value, accessed atomically
}
