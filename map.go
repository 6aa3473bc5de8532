package chm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/llxisdsh/chm/epoch"
)

const (
	// mapLoadFactor defines the threshold that triggers a table resize during insertion.
	mapLoadFactor = 0.75
	// defaultMinMapTableLen defines the minimum table size (number of bins).
	defaultMinMapTableLen = 16
	// maxMapTableLen bounds growth; past it chains and tree bins absorb the load.
	maxMapTableLen = 1 << 30

	// defaultTreeifyThreshold is the chain length at which a bin is
	// converted to a tree bin.
	defaultTreeifyThreshold = 8
	// defaultUntreeifyThreshold is the size at or below which a tree bin is
	// converted back to a chain.
	defaultUntreeifyThreshold = 6
	// defaultMinTreeifyCapacity is the smallest table for which bins are
	// treeified. Smaller tables grow instead.
	defaultMinTreeifyCapacity = 64

	// minBinsPerTransferChunk defines the minimum number of bins one
	// goroutine moves at a time during a resize.
	minBinsPerTransferChunk = 16
)

// Map is a concurrent hash map whose bins are chains of Nodes, tree bins
// for long collision chains, or forwarding markers during a resize.
//
// Reads take no locks: Load pins an epoch guard, loads the bin head and
// searches it. Writers lock one bin, re-check its head, link and unlink
// nodes with CAS, and retire unlinked nodes to the epoch collector.
//
// The zero Map is empty and ready to use. A Map must not be copied after
// first use.
type Map[K comparable, V any] struct {
	initMu         sync.Mutex
	table          atomic.Pointer[Table[K, V]]
	resizeState    atomic.Pointer[resizeState[K, V]]
	totalGrowths   atomic.Uint32
	totalTreeifies atomic.Uint32

	size               []counterStripe
	keyHash            hashFunc[K]
	collector          *epoch.Collector
	logger             *zap.Logger
	minTableLen        int
	treeifyThreshold   int
	untreeifyThreshold int
	minTreeifyCapacity int
}

// MapConfig defines configurable Map options.
type MapConfig struct {
	sizeHint           int
	treeifyThreshold   int
	untreeifyThreshold int
	minTreeifyCapacity int
	collector          *epoch.Collector
	logger             *zap.Logger
}

// WithPresize configures new Map instance with capacity enough
// to hold sizeHint entries. If sizeHint is zero or negative, the value
// is ignored.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		if sizeHint > 0 {
			c.sizeHint = sizeHint
		}
	}
}

// WithTreeifyThreshold sets the chain length at which a bin becomes a tree
// bin. Values below 2 are ignored.
func WithTreeifyThreshold(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		if n >= 2 {
			c.treeifyThreshold = n
		}
	}
}

// WithUntreeifyThreshold sets the size at or below which a tree bin turns
// back into a chain. It is clamped below the treeify threshold; values
// below 1 are ignored.
func WithUntreeifyThreshold(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		if n >= 1 {
			c.untreeifyThreshold = n
		}
	}
}

// WithMinTreeifyCapacity sets the smallest table length at which bins are
// treeified; smaller tables grow instead. Values below 1 are ignored.
func WithMinTreeifyCapacity(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		if n >= 1 {
			c.minTreeifyCapacity = n
		}
	}
}

// WithCollector sets the epoch collector readers pin and writers retire to.
// Maps sharing a collector share its epochs. Defaults to epoch.Default().
func WithCollector(collector *epoch.Collector) func(*MapConfig) {
	return func(c *MapConfig) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// WithLogger sets the logger for resize and treeify events.
func WithLogger(logger *zap.Logger) func(*MapConfig) {
	return func(c *MapConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewMap creates a new Map.
func NewMap[K comparable, V any](options ...func(*MapConfig)) *Map[K, V] {
	m := &Map[K, V]{}
	m.setup(nil, options...)
	return m
}

// NewMapWithHasher creates a Map with a custom key hasher. seed is chosen
// at random per map.
func NewMapWithHasher[K comparable, V any](
	keyHash func(key K, seed uint64) uint64,
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	var hs hashFunc[K]
	if keyHash != nil {
		seed := rand.Uint64()
		hs = func(key K) uint64 {
			return keyHash(key, seed)
		}
	}
	m.setup(hs, options...)
	return m
}

func (m *Map[K, V]) setup(keyHash hashFunc[K], options ...func(*MapConfig)) *Table[K, V] {
	c := &MapConfig{
		treeifyThreshold:   defaultTreeifyThreshold,
		untreeifyThreshold: defaultUntreeifyThreshold,
		minTreeifyCapacity: defaultMinTreeifyCapacity,
	}
	for _, o := range options {
		o(c)
	}
	if c.untreeifyThreshold >= c.treeifyThreshold {
		c.untreeifyThreshold = c.treeifyThreshold - 1
	}
	if c.collector == nil {
		c.collector = epoch.Default()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	m.keyHash = keyHash
	if m.keyHash == nil {
		m.keyHash = defaultHasher[K]()
	}
	m.collector = c.collector
	m.logger = c.logger
	m.treeifyThreshold = c.treeifyThreshold
	m.untreeifyThreshold = c.untreeifyThreshold
	m.minTreeifyCapacity = c.minTreeifyCapacity
	m.minTableLen = calcTableLen(c.sizeHint)
	m.size = make([]counterStripe, nextPowOf2(runtime.GOMAXPROCS(0)))

	t := NewTable[K, V](m.minTableLen)
	m.table.Store(t)
	return t
}

// calcTableLen computes the bin count for the table
// return value must be a power of 2
func calcTableLen(sizeHint int) int {
	tableLen := defaultMinMapTableLen
	if n := int(float64(sizeHint) / mapLoadFactor); n > tableLen {
		tableLen = nextPowOf2(n + 1)
	}
	return min(tableLen, maxMapTableLen)
}

func (m *Map[K, V]) init() *Table[K, V] {
	if t := m.table.Load(); t != nil {
		return t
	}
	return m.initSlow()
}

//go:noinline
func (m *Map[K, V]) initSlow() *Table[K, V] {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if t := m.table.Load(); t != nil {
		// Someone got to it while we were waiting.
		return t
	}
	return m.setup(nil)
}

// Pin returns a guard on the map's collector. Nodes obtained through
// LoadNode stay valid until the guard is unpinned.
func (m *Map[K, V]) Pin() *epoch.Guard {
	m.init()
	return m.collector.Pin()
}

// Load returns the value stored in the map for a key, compatible with `sync.Map`.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	t := m.table.Load()
	if t == nil {
		return
	}
	g := m.collector.Pin()
	if n := t.Find(m.keyHash(key), key, g); n != nil {
		value, ok = n.Value(), true
	}
	g.Unpin()
	return
}

// LoadNode returns the node holding key, or nil. The node is borrowed: it
// may be unlinked concurrently, but its memory and fields stay valid while
// guard is pinned. guard must come from Pin on this map.
func (m *Map[K, V]) LoadNode(key K, guard *epoch.Guard) *Node[K, V] {
	t := m.table.Load()
	if t == nil {
		return nil
	}
	return t.Find(m.keyHash(key), key, guard)
}

// HasKey to check if the key exist
func (m *Map[K, V]) HasKey(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// Store sets the value for a key, compatible with `sync.Map`.
func (m *Map[K, V]) Store(key K, value V) {
	m.processNode(key, func(*Node[K, V]) (V, ComputeOp) {
		return value, UpdateOp
	})
}

// LoadAndStore stores a key-value pair and returns the previous value if any.
func (m *Map[K, V]) LoadAndStore(key K, value V) (previous V, loaded bool) {
	m.processNode(key, func(n *Node[K, V]) (V, ComputeOp) {
		if n != nil {
			previous, loaded = n.Value(), true
		}
		return value, UpdateOp
	})
	return
}

// Swap is LoadAndStore, compatible with `sync.Map`.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	return m.LoadAndStore(key, value)
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	return m.LoadOrStoreFn(key, func() V { return value })
}

// LoadOrStoreFn is similar to LoadOrStore, but uses a generator function
// for lazy value creation. valueFn runs under the bin lock, at most once.
func (m *Map[K, V]) LoadOrStoreFn(key K, valueFn func() V) (actual V, loaded bool) {
	if actual, loaded = m.Load(key); loaded {
		return
	}
	actual, _ = m.processNode(key, func(n *Node[K, V]) (V, ComputeOp) {
		if n != nil {
			loaded = true
			return n.Value(), CancelOp
		}
		return valueFn(), UpdateOp
	})
	return
}

// Delete deletes the value for a key, compatible with `sync.Map`.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete deletes the value for a key, returning the previous value if any.
// The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	if m.table.Load() == nil {
		return
	}
	m.processNode(key, func(n *Node[K, V]) (V, ComputeOp) {
		if n == nil {
			return *new(V), CancelOp
		}
		value, loaded = n.Value(), true
		return *new(V), DeleteOp
	})
	return
}

// ComputeOp tells Compute what to do with the value computed by its
// function.
type ComputeOp int

const (
	// CancelOp signals to Compute to not do anything as a result
	// of executing the lambda. If the entry was not present in
	// the map, nothing happens, and if it was present, the
	// returned value is ignored.
	CancelOp ComputeOp = iota
	// UpdateOp signals to Compute to update the entry to the
	// value returned by the lambda, creating it if necessary.
	UpdateOp
	// DeleteOp signals to Compute to always delete the entry
	// from the map.
	DeleteOp
)

// Compute either sets the computed new value for the key,
// deletes the value for the key, or does nothing, based on
// the returned [ComputeOp]. An existing entry is updated in place:
// its node stays linked and concurrent readers see either the old or the
// new value. The ok result indicates whether the entry is present in the
// map after the compute operation. The actual result contains the value of
// the map if a corresponding entry is present, or the zero value otherwise.
//
// This call locks a bin while the compute function is executed. Avoid
// calling other map methods inside valueFn to prevent deadlocks.
func (m *Map[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	return m.processNode(key, func(n *Node[K, V]) (V, ComputeOp) {
		if n != nil {
			return valueFn(n.Value(), true)
		}
		return valueFn(*new(V), false)
	})
}

// processNode locks the bin key maps to and calls fn with the node holding
// key, or nil when absent. fn's op is then applied: UpdateOp sets the value
// in place or links a new node, DeleteOp unlinks and retires the node,
// CancelOp leaves the bin as is. It returns the value present afterwards.
func (m *Map[K, V]) processNode(
	key K,
	fn func(n *Node[K, V]) (V, ComputeOp),
) (V, bool) {
	t := m.init()
	hash := m.keyHash(key)
	g := m.collector.Pin()
	defer g.Unpin()

	for {
		i := t.Index(hash)
		f := t.BinAt(i)
		if f != nil && f.kind == forwardingBin {
			t = m.helpTransfer(t, f.Forwarding(), g)
			continue
		}

		t.lock(i)
		// The head may have changed between the load and the lock,
		// by an insert into an empty bin, a head removal, a treeify
		// or a transfer.
		if t.BinAt(i) != f {
			t.unlock(i)
			continue
		}

		if f == nil {
			newValue, op := fn(nil)
			if op != UpdateOp {
				t.unlock(i)
				return *new(V), false
			}
			if !t.CompareAndSwapBin(i, nil, NewNode(hash, key, newValue, nil).Entry()) {
				panic("chm: bin modified without holding its lock")
			}
			t.unlock(i)
			m.addSize(hash, 1)
			m.maybeGrow(t, g)
			return newValue, true
		}

		if f.kind == treeBin {
			return m.processTreeNode(t, i, f.Tree(), hash, key, fn, g)
		}

		var (
			pred  *Node[K, V]
			e     = f.Node()
			count int
		)
		for ; e != nil; pred, e = e, e.Next() {
			count++
			if e.hash == hash && e.key == key {
				break
			}
		}
		newValue, op := fn(e)
		switch {
		case e != nil && op == UpdateOp:
			e.SetValue(newValue)
			t.unlock(i)
			return newValue, true
		case e != nil && op == DeleteOp:
			m.unlink(t, i, pred, e)
			t.unlock(i)
			m.retire(g, e)
			m.addSize(hash, -1)
			return *new(V), false
		case e != nil:
			t.unlock(i)
			return e.Value(), true
		case op == UpdateOp:
			// pred is the tail.
			if !pred.CompareAndSwapNext(nil, NewNode(hash, key, newValue, nil)) {
				panic("chm: bin modified without holding its lock")
			}
			t.unlock(i)
			if count+1 >= m.treeifyThreshold {
				m.treeifyBin(t, i, g)
			}
			m.addSize(hash, 1)
			m.maybeGrow(t, g)
			return newValue, true
		default:
			t.unlock(i)
			return *new(V), false
		}
	}
}

// processTreeNode is processNode for a tree bin. It is entered with lock i
// held and releases it.
func (m *Map[K, V]) processTreeNode(
	t *Table[K, V],
	i int,
	tb *TreeBin[K, V],
	hash uint64,
	key K,
	fn func(n *Node[K, V]) (V, ComputeOp),
	g *epoch.Guard,
) (V, bool) {
	e := tb.find(hash, key)
	newValue, op := fn(e)
	switch {
	case e != nil && op == UpdateOp:
		e.SetValue(newValue)
		t.unlock(i)
		return newValue, true
	case e != nil && op == DeleteOp:
		if !tb.removeTreeNode(e) {
			panic("chm: bin modified without holding its lock")
		}
		var dropped []*Node[K, V]
		if n := tb.Len(); n == 0 {
			t.StoreBin(i, nil)
		} else if n <= m.untreeifyThreshold {
			tb.ascend(func(n *Node[K, V]) bool {
				dropped = append(dropped, n)
				return true
			})
			t.StoreBin(i, tb.untreeify().Entry())
		}
		t.unlock(i)
		m.retire(g, e)
		for _, n := range dropped {
			m.retire(g, n)
		}
		if dropped != nil {
			m.logger.Debug("chm: bin untreeified", zap.Int("bin", i), zap.Int("nodes", len(dropped)))
		}
		m.addSize(hash, -1)
		return *new(V), false
	case e != nil:
		t.unlock(i)
		return e.Value(), true
	case op == UpdateOp:
		tb.putTreeVal(hash, key, newValue)
		t.unlock(i)
		m.addSize(hash, 1)
		m.maybeGrow(t, g)
		return newValue, true
	default:
		t.unlock(i)
		return *new(V), false
	}
}

// unlink removes e, whose predecessor is pred (nil when e heads bin i).
// The caller holds lock i.
func (m *Map[K, V]) unlink(t *Table[K, V], i int, pred, e *Node[K, V]) {
	next := e.Next()
	var ok bool
	if pred == nil {
		ok = t.CompareAndSwapBin(i, e.Entry(), next.Entry())
	} else {
		ok = pred.CompareAndSwapNext(e, next)
	}
	if !ok {
		panic("chm: bin modified without holding its lock")
	}
}

// retire hands an unlinked node to the collector. The node's value is
// dropped only once no guard that could have seen it remains.
func (m *Map[K, V]) retire(g *epoch.Guard, n *Node[K, V]) {
	g.Retire(n.release)
}

// treeifyBin converts the chain in bin i into a tree bin, or grows the
// table instead when it is still small.
func (m *Map[K, V]) treeifyBin(t *Table[K, V], i int, g *epoch.Guard) {
	if n := t.Len(); n < m.minTreeifyCapacity {
		m.tryGrow(t, n<<1, g)
		return
	}
	t.lock(i)
	f := t.BinAt(i)
	if f == nil || f.kind != nodeBin {
		t.unlock(i)
		return
	}
	tb := newTreeBin(f.Node())
	t.StoreBin(i, tb.Entry())
	t.unlock(i)

	count := 0
	for e := f.Node(); e != nil; e = e.Next() {
		m.retire(g, e)
		count++
	}
	m.totalTreeifies.Add(1)
	m.logger.Debug("chm: bin treeified", zap.Int("bin", i), zap.Int("nodes", count))
}

// resizeState represents the current state of a resizing operation
type resizeState[K comparable, V any] struct {
	table     *Table[K, V]
	newTable  *Table[K, V]
	fwd       *ForwardingNode[K, V]
	chunks    int32
	chunkSize int
	process   atomic.Int32
	completed atomic.Int32
	wg        sync.WaitGroup
}

// calcParallelism calculates the number of goroutines for parallel processing.
//
// Parameters:
//   - items: Number of items to process.
//   - threshold: Minimum threshold to enable parallel processing.
//   - number of available CPU cores
//
// Returns:
//   - chunkSize: Number of items processed per goroutine
//   - chunks: Suggested degree of parallelism (number of goroutines).
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}

func (m *Map[K, V]) maybeGrow(t *Table[K, V], g *epoch.Guard) {
	n := t.Len()
	if n < maxMapTableLen && m.sumSize() >= int(float64(n)*mapLoadFactor) {
		m.tryGrow(t, n<<1, g)
	}
}

// tryGrow starts a resize of t to newTableLen unless one is already
// running, then helps copy. It does not wait for other helpers.
func (m *Map[K, V]) tryGrow(t *Table[K, V], newTableLen int, g *epoch.Guard) {
	if m.resizeState.Load() != nil || m.table.Load() != t {
		return
	}
	chunkSize, chunks := calcParallelism(t.Len(), minBinsPerTransferChunk, runtime.GOMAXPROCS(0))
	newTable := NewTable[K, V](newTableLen)
	rs := &resizeState[K, V]{
		table:     t,
		newTable:  newTable,
		fwd:       newForwardingNode(newTable),
		chunks:    int32(chunks),
		chunkSize: chunkSize,
	}
	rs.wg.Add(1)
	if !m.resizeState.CompareAndSwap(nil, rs) {
		return
	}
	// The table may have been replaced after the first check by a resize
	// that completed in between.
	if m.table.Load() != t {
		m.resizeState.Store(nil)
		rs.wg.Done()
		return
	}
	m.totalGrowths.Add(1)
	m.logger.Debug("chm: table resize started",
		zap.Int("from", t.Len()),
		zap.Int("to", newTable.Len()),
		zap.Int("chunks", chunks))
	m.helpCopy(rs, g)
}

// helpTransfer is called by writers that hit a forwarding marker in t.
// It helps the running resize of t, if any, and returns the table to retry on.
func (m *Map[K, V]) helpTransfer(t *Table[K, V], fwd *ForwardingNode[K, V], g *epoch.Guard) *Table[K, V] {
	if rs := m.resizeState.Load(); rs != nil && rs.table == t {
		m.helpCopy(rs, g)
	}
	return fwd.nextTable
}

// helpCopy claims and copies chunks until none are left. It does not
// wait for chunks claimed by other helpers.
func (m *Map[K, V]) helpCopy(rs *resizeState[K, V], g *epoch.Guard) {
	for {
		process := rs.process.Add(1)
		if process > rs.chunks {
			return
		}
		m.copyChunk(rs, int(process-1), g)
	}
}

// helpCopyAndWait is helpCopy followed by waiting for the whole resize.
func (m *Map[K, V]) helpCopyAndWait(rs *resizeState[K, V], g *epoch.Guard) {
	m.helpCopy(rs, g)
	rs.wg.Wait()
}

// copyChunk transfers one claimed chunk. The helper completing the last
// chunk publishes the new table.
func (m *Map[K, V]) copyChunk(rs *resizeState[K, V], chunk int, g *epoch.Guard) {
	start := chunk * rs.chunkSize
	end := min(start+rs.chunkSize, rs.table.Len())
	for i := start; i < end; i++ {
		m.transferBin(rs, i, g)
	}
	if rs.completed.Add(1) == rs.chunks {
		m.table.Store(rs.newTable)
		m.resizeState.Store(nil)
		rs.wg.Done()
		m.logger.Debug("chm: table resize finished", zap.Int("len", rs.newTable.Len()))
	}
}

// transferBin moves bin i of the old table into bins i and i+n of the new
// one, then installs the forwarding marker. The new bins are published
// before the marker, so a reader redirected by it finds them complete.
func (m *Map[K, V]) transferBin(rs *resizeState[K, V], i int, g *epoch.Guard) {
	old, nt := rs.table, rs.newTable
	n := old.Len()
	old.lock(i)
	f := old.BinAt(i)
	var (
		lo, hi   *BinEntry[K, V]
		replaced []*Node[K, V]
	)
	if f != nil {
		switch f.kind {
		case nodeBin:
			lo, hi, replaced = splitChain(f.Node(), uint64(n))
		case treeBin:
			lo, hi, replaced = m.splitTree(f.Tree(), uint64(n))
		default:
			panic("chm: bin transferred twice")
		}
	}
	nt.StoreBin(i, lo)
	nt.StoreBin(i+n, hi)
	old.StoreBin(i, rs.fwd.Entry())
	old.unlock(i)
	for _, e := range replaced {
		m.retire(g, e)
	}
}

// splitChain splits a chain by the hash bit that distinguishes bin i from
// bin i+n in the doubled table. The trailing run of nodes that all go to
// the same side is reused as is; the nodes before it are copied, since
// readers of the old bin may still be walking them. It returns the
// originals that were copied.
func splitChain[K comparable, V any](head *Node[K, V], bit uint64) (lo, hi *BinEntry[K, V], replaced []*Node[K, V]) {
	lastRun := head
	runBit := head.hash & bit
	for e := head.Next(); e != nil; e = e.Next() {
		if b := e.hash & bit; b != runBit {
			runBit = b
			lastRun = e
		}
	}
	var ln, hn *Node[K, V]
	if runBit == 0 {
		ln = lastRun
	} else {
		hn = lastRun
	}
	for e := head; e != lastRun; e = e.Next() {
		if e.hash&bit == 0 {
			ln = NewNode(e.hash, e.key, e.Value(), ln)
		} else {
			hn = NewNode(e.hash, e.key, e.Value(), hn)
		}
		replaced = append(replaced, e)
	}
	return ln.Entry(), hn.Entry(), replaced
}

// splitTree splits a tree bin like splitChain. Halves small enough become
// chains of copies; larger halves become new tree bins sharing the nodes.
func (m *Map[K, V]) splitTree(tb *TreeBin[K, V], bit uint64) (lo, hi *BinEntry[K, V], replaced []*Node[K, V]) {
	var ln, hn []*Node[K, V]
	tb.ascend(func(e *Node[K, V]) bool {
		if e.hash&bit == 0 {
			ln = append(ln, e)
		} else {
			hn = append(hn, e)
		}
		return true
	})
	binOf := func(nodes []*Node[K, V]) *BinEntry[K, V] {
		switch {
		case len(nodes) == 0:
			return nil
		case len(nodes) <= m.untreeifyThreshold:
			replaced = append(replaced, nodes...)
			return chainOf(nodes).Entry()
		default:
			return newTreeBinOf(nodes).Entry()
		}
	}
	return binOf(ln), binOf(hn), replaced
}

func (m *Map[K, V]) addSize(hash uint64, delta int) {
	idx := (hash >> 32) & uint64(len(m.size)-1)
	atomic.AddInt64(&m.size[idx].c, int64(delta))
}

func (m *Map[K, V]) sumSize() int {
	var sum int64
	for i := range m.size {
		sum += atomic.LoadInt64(&m.size[i].c)
	}
	return int(max(sum, 0))
}

// Clear deletes all the entries, compatible with `sync.Map`.
// Entries stored concurrently with Clear may survive it. A resize in
// progress is finished first, so no entry moved by it is missed.
func (m *Map[K, V]) Clear() {
	t := m.table.Load()
	if t == nil {
		return
	}
	g := m.collector.Pin()
	defer g.Unpin()

	for i := 0; i < t.Len(); {
		f := t.BinAt(i)
		if f == nil {
			i++
			continue
		}
		if f.kind == forwardingBin {
			if rs := m.resizeState.Load(); rs != nil && rs.table == t {
				m.helpCopyAndWait(rs, g)
			}
			t = f.Forwarding().nextTable
			i = 0
			continue
		}
		t.lock(i)
		if t.BinAt(i) != f {
			t.unlock(i)
			continue
		}
		var removed []*Node[K, V]
		collectBin(f, func(e *Node[K, V]) bool {
			removed = append(removed, e)
			return true
		})
		t.StoreBin(i, nil)
		t.unlock(i)
		for _, e := range removed {
			m.addSize(e.hash, -1)
			m.retire(g, e)
		}
		i++
	}
}

// collectBin visits the nodes of a Node or tree bin head.
func collectBin[K comparable, V any](f *BinEntry[K, V], yield func(e *Node[K, V]) bool) bool {
	switch f.kind {
	case nodeBin:
		for e := f.Node(); e != nil; e = e.Next() {
			if !yield(e) {
				return false
			}
		}
	case treeBin:
		cont := true
		f.Tree().ascend(func(e *Node[K, V]) bool {
			cont = yield(e)
			return cont
		})
		return cont
	}
	return true
}

// rangeBin visits bin i of t, following forwarding markers into both
// bins the old bin was split into.
func rangeBin[K comparable, V any](t *Table[K, V], i int, yield func(e *Node[K, V]) bool) bool {
	f := t.BinAt(i)
	if f == nil {
		return true
	}
	if f.kind == forwardingBin {
		nt := f.Forwarding().nextTable
		return rangeBin(nt, i, yield) && rangeBin(nt, i+t.Len(), yield)
	}
	return collectBin(f, yield)
}

// RangeNode calls yield for each node present in the map, under one
// guard held for the whole iteration.
//
// Notes:
//   - Never retain a node past the call.
//   - The iteration is not a snapshot. No key is visited twice, but entries
//     stored or deleted concurrently may or may not be visited.
//   - A long iteration delays reclamation of nodes retired meanwhile.
func (m *Map[K, V]) RangeNode(yield func(n *Node[K, V]) bool) {
	t := m.table.Load()
	if t == nil {
		return
	}
	g := m.collector.Pin()
	defer g.Unpin()
	for i := 0; i < t.Len(); i++ {
		if !rangeBin(t, i, yield) {
			return
		}
	}
}

// All compatible with `sync.Map`.
func (m *Map[K, V]) All() func(yield func(K, V) bool) {
	return m.Range
}

// Keys is the iterator version for iterating over all keys.
func (m *Map[K, V]) Keys() func(yield func(K) bool) {
	return func(yield func(K) bool) {
		m.RangeNode(func(n *Node[K, V]) bool {
			return yield(n.key)
		})
	}
}

// Values is the iterator version for iterating over all values.
func (m *Map[K, V]) Values() func(yield func(V) bool) {
	return func(yield func(V) bool) {
		m.RangeNode(func(n *Node[K, V]) bool {
			return yield(n.Value())
		})
	}
}

// Range compatible with `sync.Map`.
func (m *Map[K, V]) Range(yield func(key K, value V) bool) {
	m.RangeNode(func(n *Node[K, V]) bool {
		return yield(n.key, n.Value())
	})
}

// Size returns the number of key-value pairs in the map.
// This is an O(1) operation.
func (m *Map[K, V]) Size() int {
	if m.table.Load() == nil {
		return 0
	}
	return m.sumSize()
}

// IsZero checks zero values, faster than Size().
func (m *Map[K, V]) IsZero() bool {
	return m.Size() == 0
}

// ToMap collect all entries and return a map[K]V
func (m *Map[K, V]) ToMap() map[K]V {
	return m.ToMapWithLimit(-1)
}

// ToMapWithLimit collect up to limit entries into a map[K]V, limit < 0 is no limit
func (m *Map[K, V]) ToMapWithLimit(limit int) map[K]V {
	if limit == 0 {
		return map[K]V{}
	}
	if limit < 0 {
		limit = math.MaxInt
	}
	a := make(map[K]V, min(m.Size(), limit))
	m.Range(func(k K, v V) bool {
		a[k] = v
		limit--
		return limit > 0
	})
	return a
}

// FromMap stores every pair of source.
func (m *Map[K, V]) FromMap(source map[K]V) {
	for k, v := range source {
		m.Store(k, v)
	}
}

// String implement the formatting output interface fmt.Stringer
func (m *Map[K, V]) String() string {
	const limit = 1024
	return strings.Replace(fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "Map[", 1)
}

// MarshalJSON JSON serialization
func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON JSON deserialization
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.Wrap(err, "chm: unmarshal map")
	}
	m.FromMap(a)
	return nil
}

// Stats returns statistics for the Map. Just like other map
// methods, this one is thread-safe. Yet it's an O(N) operation,
// so it should be used only for diagnostics or debugging purposes.
func (m *Map[K, V]) Stats() *MapStats {
	stats := &MapStats{
		TotalGrowths:   m.totalGrowths.Load(),
		TotalTreeifies: m.totalTreeifies.Load(),
		MinEntries:     math.MaxInt,
		PaddedCounter:  enablePadding,
	}
	t := m.table.Load()
	if t == nil {
		stats.MinEntries = 0
		return stats
	}
	stats.Counter = m.sumSize()
	stats.CounterLen = len(m.size)
	stats.PendingRetired = m.collector.Pending()

	g := m.collector.Pin()
	defer g.Unpin()
	stats.Bins = t.Len()
	for i := 0; i < t.Len(); i++ {
		f := t.BinAt(i)
		nentries := 0
		switch {
		case f == nil:
			stats.EmptyBins++
		case f.kind == forwardingBin:
			stats.ForwardingBins++
		case f.kind == treeBin:
			stats.TreeBins++
		}
		rangeBin(t, i, func(*Node[K, V]) bool {
			nentries++
			return true
		})
		stats.Size += nentries
		stats.MinEntries = min(stats.MinEntries, nentries)
		stats.MaxEntries = max(stats.MaxEntries, nentries)
	}
	return stats
}

// MapStats is Map statistics.
//
// Warning: map statistics are intented to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// Bins is the number of bins in the current table.
	Bins int
	// EmptyBins is the number of bins that hold no entries.
	EmptyBins int
	// TreeBins is the number of bins converted to trees.
	TreeBins int
	// ForwardingBins is the number of bins already moved by a resize in
	// progress.
	ForwardingBins int
	// Size is the exact number of entries reachable from the table.
	Size int
	// Counter is the number of entries stored in the map according
	// to the internal atomic counter. In case of concurrent map
	// modifications this number may be different from Size.
	Counter int
	// CounterLen is the number of internal atomic counter stripes.
	CounterLen int
	// PaddedCounter reports whether counter stripes are cache-line padded.
	PaddedCounter bool
	// MinEntries is the minimum number of entries per bin.
	MinEntries int
	// MaxEntries is the maximum number of entries per bin.
	MaxEntries int
	// TotalGrowths is the number of times the hash table grew.
	TotalGrowths uint32
	// TotalTreeifies is the number of chains converted to tree bins.
	TotalTreeifies uint32
	// PendingRetired is the number of retired nodes the collector has not
	// reclaimed yet, across every map sharing the collector.
	PendingRetired int
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("Bins:           %d\n", s.Bins))
	sb.WriteString(fmt.Sprintf("EmptyBins:      %d\n", s.EmptyBins))
	sb.WriteString(fmt.Sprintf("TreeBins:       %d\n", s.TreeBins))
	sb.WriteString(fmt.Sprintf("ForwardingBins: %d\n", s.ForwardingBins))
	sb.WriteString(fmt.Sprintf("Size:           %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:        %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("CounterLen:     %d\n", s.CounterLen))
	sb.WriteString(fmt.Sprintf("PaddedCounter:  %t\n", s.PaddedCounter))
	sb.WriteString(fmt.Sprintf("MinEntries:     %d\n", s.MinEntries))
	sb.WriteString(fmt.Sprintf("MaxEntries:     %d\n", s.MaxEntries))
	sb.WriteString(fmt.Sprintf("TotalGrowths:   %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalTreeifies: %d\n", s.TotalTreeifies))
	sb.WriteString(fmt.Sprintf("PendingRetired: %d\n", s.PendingRetired))
	sb.WriteString("}\n")
	return sb.String()
}
