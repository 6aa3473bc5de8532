package chm

import (
	"sync/atomic"

	"github.com/google/btree"
)

// treeDegree is the btree node degree used for tree bins. Tree bins hold
// tens of entries at most, so a small degree keeps clones cheap.
const treeDegree = 4

// treeItem orders nodes by hash, then by insertion sequence, so that
// nodes with identical hashes still have distinct positions.
type treeItem[K comparable, V any] struct {
	hash uint64
	seq  uint64
	node *Node[K, V]
}

func lessTreeItem[K comparable, V any](a, b treeItem[K, V]) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.seq < b.seq
}

// TreeBin replaces a bin's chain once it grows past the treeify threshold.
//
// The tree itself is never modified after publication. A writer, holding the
// bin lock, clones the current tree copy-on-write, changes the clone and
// publishes it with one atomic store. Readers load whichever tree is current
// and search it without locks.
type TreeBin[K comparable, V any] struct {
	bin  BinEntry[K, V] // must be first
	root atomic.Pointer[btree.BTreeG[treeItem[K, V]]]
	seq  uint64 // guarded by the bin lock
}

func newEmptyTreeBin[K comparable, V any]() (*TreeBin[K, V], *btree.BTreeG[treeItem[K, V]]) {
	tb := &TreeBin[K, V]{bin: BinEntry[K, V]{kind: treeBin}}
	return tb, btree.NewG[treeItem[K, V]](treeDegree, lessTreeItem[K, V])
}

// newTreeBin builds a tree bin from copies of the chain starting at first.
// The chain itself is left untouched for readers still walking it.
func newTreeBin[K comparable, V any](first *Node[K, V]) *TreeBin[K, V] {
	tb, tr := newEmptyTreeBin[K, V]()
	for e := first; e != nil; e = e.Next() {
		tb.seq++
		tr.ReplaceOrInsert(treeItem[K, V]{
			hash: e.hash,
			seq:  tb.seq,
			node: NewNode[K, V](e.hash, e.key, e.Value(), nil),
		})
	}
	tb.root.Store(tr)
	return tb
}

// newTreeBinOf builds a tree bin over existing tree nodes. Tree nodes never
// use their next edge, so they can be shared between the old and new bin.
func newTreeBinOf[K comparable, V any](nodes []*Node[K, V]) *TreeBin[K, V] {
	tb, tr := newEmptyTreeBin[K, V]()
	for _, n := range nodes {
		tb.seq++
		tr.ReplaceOrInsert(treeItem[K, V]{hash: n.hash, seq: tb.seq, node: n})
	}
	tb.root.Store(tr)
	return tb
}

// Entry returns tb as a bin head.
func (tb *TreeBin[K, V]) Entry() *BinEntry[K, V] {
	return &tb.bin
}

// Len returns the number of nodes in the published tree.
func (tb *TreeBin[K, V]) Len() int {
	return tb.root.Load().Len()
}

func (tb *TreeBin[K, V]) find(hash uint64, key K) *Node[K, V] {
	return findInTree(tb.root.Load(), hash, key)
}

func findInTree[K comparable, V any](tr *btree.BTreeG[treeItem[K, V]], hash uint64, key K) (found *Node[K, V]) {
	tr.AscendGreaterOrEqual(treeItem[K, V]{hash: hash}, func(it treeItem[K, V]) bool {
		if it.hash != hash {
			return false
		}
		if it.node.key == key {
			found = it.node
			return false
		}
		return true
	})
	return found
}

// putTreeVal returns the node already holding key, or inserts a new node
// and returns nil. The caller holds the bin lock.
func (tb *TreeBin[K, V]) putTreeVal(hash uint64, key K, value V) *Node[K, V] {
	cur := tb.root.Load()
	if n := findInTree(cur, hash, key); n != nil {
		return n
	}
	next := cur.Clone()
	tb.seq++
	next.ReplaceOrInsert(treeItem[K, V]{
		hash: hash,
		seq:  tb.seq,
		node: NewNode[K, V](hash, key, value, nil),
	})
	tb.root.Store(next)
	return nil
}

// removeTreeNode unpublishes n. The caller holds the bin lock.
func (tb *TreeBin[K, V]) removeTreeNode(n *Node[K, V]) bool {
	cur := tb.root.Load()
	var (
		item  treeItem[K, V]
		found bool
	)
	cur.AscendGreaterOrEqual(treeItem[K, V]{hash: n.hash}, func(it treeItem[K, V]) bool {
		if it.hash != n.hash {
			return false
		}
		if it.node == n {
			item, found = it, true
			return false
		}
		return true
	})
	if !found {
		return false
	}
	next := cur.Clone()
	next.Delete(item)
	tb.root.Store(next)
	return true
}

// ascend calls fn for every node of the published tree in hash order.
func (tb *TreeBin[K, V]) ascend(fn func(n *Node[K, V]) bool) {
	tb.root.Load().Ascend(func(it treeItem[K, V]) bool {
		return fn(it.node)
	})
}

// untreeify returns a fresh chain holding copies of the tree's nodes.
func (tb *TreeBin[K, V]) untreeify() *Node[K, V] {
	var nodes []*Node[K, V]
	tb.ascend(func(n *Node[K, V]) bool {
		nodes = append(nodes, n)
		return true
	})
	return chainOf(nodes)
}

// chainOf links copies of nodes in order and returns the head.
func chainOf[K comparable, V any](nodes []*Node[K, V]) *Node[K, V] {
	var head *Node[K, V]
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		head = NewNode(n.hash, n.key, n.Value(), head)
	}
	return head
}
