package chm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llxisdsh/chm/epoch"
)

// abcChain builds (1,"a") -> (1,"b") -> (2,"c").
func abcChain() (a, b, c *Node[string, int]) {
	c = NewNode[string, int](2, "c", 3, nil)
	b = NewNode(1, "b", 2, c)
	a = NewNode(1, "a", 1, b)
	return
}

func TestBinEntryFindChain(t *testing.T) {
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	a, b, c := abcChain()
	head := a.Entry()

	require.Same(t, b, head.Find(1, "b", g), "same hash, second position")
	require.Same(t, a, head.Find(1, "a", g))
	require.Same(t, c, head.Find(2, "c", g))
	require.Nil(t, head.Find(1, "z", g))
	require.Nil(t, head.Find(3, "c", g))
}

func TestBinEntryFindEmptyHead(t *testing.T) {
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	var head *BinEntry[string, int]
	require.Nil(t, head.Find(1, "a", g))
}

func TestBinEntryFindDuringUnlink(t *testing.T) {
	col := epoch.NewCollector()
	tb := NewTable[string, int](1)
	a, b, _ := abcChain()
	tb.StoreBin(0, a.Entry())

	reader := col.Pin()
	// The reader has reached a when the writer unlinks it.
	cur := tb.BinAt(0).Node()
	require.Same(t, a, cur)

	writer := col.Pin()
	tb.lock(0)
	require.True(t, tb.CompareAndSwapBin(0, a.Entry(), a.Next().Entry()))
	tb.unlock(0)
	writer.Retire(a.release)
	writer.Unpin()

	for i := 0; i < 8; i++ {
		col.Collect()
	}
	require.False(t, a.released(), "a must survive while the reader is pinned")
	require.Equal(t, 1, a.Value())
	require.Same(t, b, cur.find(1, "b"), "traversal continues through the unlinked node")
	reader.Unpin()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, col.Barrier(ctx))
	require.True(t, a.released())

	g := col.Pin()
	defer g.Unpin()
	require.Nil(t, tb.Find(1, "a", g))
	require.Same(t, b, tb.Find(1, "b", g))
}

func TestBinEntryFindForwarding(t *testing.T) {
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	next := NewTable[string, int](4)
	n := NewNode[string, int](6, "x", 9, nil)
	next.StoreBin(next.Index(6), n.Entry())

	fwd := newForwardingNode(next)
	head := fwd.Entry()
	require.True(t, head.IsForwarding())
	require.Same(t, next, head.Forwarding().NextTable())

	require.Same(t, n, head.Find(6, "x", g))
	require.Nil(t, head.Find(6, "y", g))
	require.Nil(t, head.Find(5, "x", g), "empty target bin")
}

func TestBinEntryFindChainedForwarding(t *testing.T) {
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	last := NewTable[string, int](8)
	n := NewNode[string, int](13, "k", 1, nil)
	last.StoreBin(last.Index(13), n.Entry())

	mid := NewTable[string, int](4)
	mid.StoreBin(mid.Index(13), newForwardingNode(last).Entry())

	head := newForwardingNode(mid).Entry()
	require.Same(t, n, head.Find(13, "k", g))
}

func TestBinEntryFindTree(t *testing.T) {
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	a, _, _ := abcChain()
	tree := newTreeBin(a)
	head := tree.Entry()
	require.True(t, head.IsTree())

	found := head.Find(1, "b", g)
	require.NotNil(t, found)
	require.Equal(t, 2, found.Value())
	require.Nil(t, head.Find(1, "z", g))
}

func TestBinEntryWrongVariantPanics(t *testing.T) {
	a, _, _ := abcChain()
	head := a.Entry()
	require.PanicsWithValue(t, "chm: called Tree on a node bin", func() { head.Tree() })
	require.PanicsWithValue(t, "chm: called Forwarding on a node bin", func() { head.Forwarding() })

	fwd := newForwardingNode(NewTable[string, int](1)).Entry()
	require.PanicsWithValue(t, "chm: called Node on a forwarding bin", func() { fwd.Node() })
}
