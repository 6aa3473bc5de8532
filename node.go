package chm

import (
	"sync/atomic"
)

// Node is one key/value occupant of a bin chain.
//
// hash and key are fixed at construction. The value may be replaced in place
// by the writer that holds the bin lock; readers see either the old or the
// new value, never a mix. next is the only edge that links the chain and is
// changed only through CompareAndSwapNext or, on a node not yet published,
// StoreNext.
type Node[K comparable, V any] struct {
	bin   BinEntry[K, V] // must be first
	hash  uint64
	key   K
	value atomic.Pointer[V]
	next  atomic.Pointer[Node[K, V]]
}

// NewNode creates a node that links to next.
func NewNode[K comparable, V any](hash uint64, key K, value V, next *Node[K, V]) *Node[K, V] {
	n := &Node[K, V]{
		bin:  BinEntry[K, V]{kind: nodeBin},
		hash: hash,
		key:  key,
	}
	n.value.Store(&value)
	if next != nil {
		n.next.Store(next)
	}
	return n
}

// Entry returns n as a bin head. A nil node yields a nil entry.
func (n *Node[K, V]) Entry() *BinEntry[K, V] {
	if n == nil {
		return nil
	}
	return &n.bin
}

// Hash returns the precomputed hash of the key.
func (n *Node[K, V]) Hash() uint64 {
	return n.hash
}

// Key returns the node's key.
func (n *Node[K, V]) Key() K {
	return n.key
}

// Value returns the current value. The caller must hold a pinned guard
// that was pinned before the node could have been retired.
func (n *Node[K, V]) Value() V {
	if v := n.value.Load(); v != nil {
		return *v
	}
	return *new(V)
}

// SetValue replaces the value in place.
//
// The caller must hold the write exclusion of the bin the node lives in;
// SetValue itself does not synchronize writers with each other.
func (n *Node[K, V]) SetValue(v V) {
	n.value.Store(&v)
}

// Next returns the successor in the chain, or nil at the tail.
func (n *Node[K, V]) Next() *Node[K, V] {
	return n.next.Load()
}

// CompareAndSwapNext replaces the successor edge if it still equals old.
// A false result means another writer changed the edge first; nothing was
// modified and the caller should re-read the chain and retry.
func (n *Node[K, V]) CompareAndSwapNext(old, new *Node[K, V]) bool {
	return n.next.CompareAndSwap(old, new)
}

// StoreNext sets the successor edge unconditionally. It is only safe on a
// node that is not yet reachable by readers, or under the bin lock when no
// concurrent CAS on the same edge can happen.
func (n *Node[K, V]) StoreNext(next *Node[K, V]) {
	n.next.Store(next)
}

// find scans the chain starting at n.
func (n *Node[K, V]) find(hash uint64, key K) *Node[K, V] {
	for e := n; e != nil; e = e.next.Load() {
		if e.hash == hash && e.key == key {
			return e
		}
	}
	return nil
}

// release drops the value once the node has been reclaimed. A reader that
// still held the node past its guard would observe the zero value.
func (n *Node[K, V]) release() {
	n.value.Store(nil)
}

func (n *Node[K, V]) released() bool {
	return n.value.Load() == nil
}
