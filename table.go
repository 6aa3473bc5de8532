package chm

import (
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/chm/epoch"
)

// Table is a power-of-two array of bin slots. Slots are read without locks;
// writers serialize on the per-bin lock and then publish with CAS or atomic
// stores.
type Table[K comparable, V any] struct {
	bins  []atomic.Pointer[BinEntry[K, V]]
	locks []sync.Mutex
	mask  uint64
}

// NewTable creates a table with at least n bins.
func NewTable[K comparable, V any](n int) *Table[K, V] {
	n = nextPowOf2(n)
	return &Table[K, V]{
		bins:  make([]atomic.Pointer[BinEntry[K, V]], n),
		locks: make([]sync.Mutex, n),
		mask:  uint64(n - 1),
	}
}

// Len returns the number of bins.
func (t *Table[K, V]) Len() int {
	return len(t.bins)
}

// Index returns the bin index for hash.
func (t *Table[K, V]) Index(hash uint64) int {
	return int(hash & t.mask)
}

// BinAt loads the head of bin i, nil when the bin is empty.
func (t *Table[K, V]) BinAt(i int) *BinEntry[K, V] {
	return t.bins[i].Load()
}

// CompareAndSwapBin replaces the head of bin i if it still equals old.
func (t *Table[K, V]) CompareAndSwapBin(i int, old, new *BinEntry[K, V]) bool {
	return t.bins[i].CompareAndSwap(old, new)
}

// StoreBin sets the head of bin i. The caller must hold lock i, or own a
// table that is not yet published.
func (t *Table[K, V]) StoreBin(i int, e *BinEntry[K, V]) {
	t.bins[i].Store(e)
}

// Find looks up key in the bin its hash maps to.
func (t *Table[K, V]) Find(hash uint64, key K, guard *epoch.Guard) *Node[K, V] {
	if e := t.BinAt(t.Index(hash)); e != nil {
		return e.Find(hash, key, guard)
	}
	return nil
}

func (t *Table[K, V]) lock(i int) {
	t.locks[i].Lock()
}

func (t *Table[K, V]) unlock(i int) {
	t.locks[i].Unlock()
}
