package chm

import (
	"unsafe"

	"github.com/llxisdsh/chm/epoch"
)

type binKind uint8

const (
	nodeBin binKind = iota
	treeBin
	forwardingBin
)

func (k binKind) String() string {
	switch k {
	case nodeBin:
		return "node"
	case treeBin:
		return "tree"
	case forwardingBin:
		return "forwarding"
	default:
		return "unknown"
	}
}

// BinEntry is whatever occupies a non-empty bin slot. It is the header of
// one of three variants:
//   - a Node, head of a linked chain of Nodes
//   - a TreeBin, a bin whose chain grew past the treeify threshold
//   - a ForwardingNode, left in every bin of a table being resized
//
// The header is always the first field of its variant, so a *BinEntry can
// be converted back to the variant it heads. Only the head slot may hold a
// non-Node variant; successors reached through Node.Next are always Nodes.
type BinEntry[K comparable, V any] struct {
	kind binKind
}

// IsNode reports whether the entry heads a plain Node chain.
func (b *BinEntry[K, V]) IsNode() bool {
	return b.kind == nodeBin
}

// IsTree reports whether the entry is a TreeBin.
func (b *BinEntry[K, V]) IsTree() bool {
	return b.kind == treeBin
}

// IsForwarding reports whether the entry is a resize forwarding marker.
func (b *BinEntry[K, V]) IsForwarding() bool {
	return b.kind == forwardingBin
}

// Node returns the Node variant. It panics on any other variant.
func (b *BinEntry[K, V]) Node() *Node[K, V] {
	if b.kind != nodeBin {
		panic("chm: called Node on a " + b.kind.String() + " bin")
	}
	return (*Node[K, V])(unsafe.Pointer(b))
}

// Tree returns the TreeBin variant. It panics on any other variant.
func (b *BinEntry[K, V]) Tree() *TreeBin[K, V] {
	if b.kind != treeBin {
		panic("chm: called Tree on a " + b.kind.String() + " bin")
	}
	return (*TreeBin[K, V])(unsafe.Pointer(b))
}

// Forwarding returns the ForwardingNode variant. It panics on any other
// variant.
func (b *BinEntry[K, V]) Forwarding() *ForwardingNode[K, V] {
	if b.kind != forwardingBin {
		panic("chm: called Forwarding on a " + b.kind.String() + " bin")
	}
	return (*ForwardingNode[K, V])(unsafe.Pointer(b))
}

// Find looks for the node holding key in the bin headed by b.
//
// A Node chain is scanned until a match or its tail. A TreeBin is searched
// through its published tree. A ForwardingNode sends the search to the
// matching bin of the table it forwards to, which may itself be forwarded.
// Nil means the key is absent from the bin as of the snapshot observed.
//
// Find never blocks and never locks. guard must be pinned for as long as
// the returned node is used.
func (b *BinEntry[K, V]) Find(hash uint64, key K, guard *epoch.Guard) *Node[K, V] {
	for e := b; e != nil; {
		switch e.kind {
		case nodeBin:
			return e.Node().find(hash, key)
		case treeBin:
			return e.Tree().find(hash, key)
		case forwardingBin:
			next := e.Forwarding().nextTable
			e = next.BinAt(next.Index(hash))
		default:
			panic("chm: unknown bin kind")
		}
	}
	return nil
}
