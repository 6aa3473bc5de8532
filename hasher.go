package chm

import (
	"hash/maphash"
	"math/bits"
	"math/rand/v2"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// hashPrime is the 64-bit Golden Ratio mixing constant.
const hashPrime = 0x9E3779B185EBCA87

type hashFunc[K comparable] func(key K) uint64

// mixInt spreads an integer key over all 64 bits. Bin indexes use the low
// bits, so a plain identity hash would put sequential keys of a stride into
// the same few bins.
func mixInt[T constraints.Integer](v T, seed uint64) uint64 {
	h := (uint64(v) ^ seed) * hashPrime
	return h ^ (h >> 32)
}

// defaultHasher returns the hasher used when none is supplied. Integer keys
// are mixed directly; everything else goes through maphash.
func defaultHasher[K comparable]() hashFunc[K] {
	seed := rand.Uint64()
	switch any(*new(K)).(type) {
	case int:
		return func(key K) uint64 { return mixInt(*(*int)(unsafe.Pointer(&key)), seed) }
	case uint:
		return func(key K) uint64 { return mixInt(*(*uint)(unsafe.Pointer(&key)), seed) }
	case uintptr:
		return func(key K) uint64 { return mixInt(*(*uintptr)(unsafe.Pointer(&key)), seed) }
	case int64:
		return func(key K) uint64 { return mixInt(*(*int64)(unsafe.Pointer(&key)), seed) }
	case uint64:
		return func(key K) uint64 { return mixInt(*(*uint64)(unsafe.Pointer(&key)), seed) }
	case int32:
		return func(key K) uint64 { return mixInt(*(*int32)(unsafe.Pointer(&key)), seed) }
	case uint32:
		return func(key K) uint64 { return mixInt(*(*uint32)(unsafe.Pointer(&key)), seed) }
	case int16:
		return func(key K) uint64 { return mixInt(*(*int16)(unsafe.Pointer(&key)), seed) }
	case uint16:
		return func(key K) uint64 { return mixInt(*(*uint16)(unsafe.Pointer(&key)), seed) }
	case int8:
		return func(key K) uint64 { return mixInt(*(*int8)(unsafe.Pointer(&key)), seed) }
	case uint8:
		return func(key K) uint64 { return mixInt(*(*uint8)(unsafe.Pointer(&key)), seed) }
	default:
		ms := maphash.MakeSeed()
		return func(key K) uint64 { return maphash.Comparable(ms, key) }
	}
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
