// Package epoch implements epoch-based memory reclamation for lock-free
// readers.
//
// A reader pins a Guard before dereferencing shared pointers and unpins it
// when done. A writer that unlinks an object retires it through a Guard
// instead of releasing it directly. The retirement callback runs only after
// the global epoch has advanced twice past the retirement epoch, which can
// only happen once every guard that was pinned at or before that epoch has
// been unpinned.
//
// The Go runtime already owns memory lifetime, so a callback does not free
// anything itself; it is the point at which an object is handed back (pooled,
// poisoned, counted) and after which no reader may legitimately reach it.
package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

const (
	// pinnedBit marks a participant slot as pinned; the remaining bits hold
	// the epoch it observed when pinning.
	pinnedBit uint64 = 1

	defaultCollectThreshold = 64
)

// participant is one announcement slot. Slots form a push-only list and
// are recycled across guards; next never changes once published.
type participant struct {
	_     cpu.CacheLinePad
	state atomic.Uint64
	inUse atomic.Bool
	next  *participant
	_     cpu.CacheLinePad
}

type retired struct {
	epoch uint64
	fn    func()
	next  *retired
}

// Collector tracks the global epoch, the participant slots and the retired
// objects waiting to be reclaimed.
//
// Pin, Unpin and Retire never block on the collection lock; only the
// goroutine that collects takes it.
//
// A Collector must not be copied after first use.
type Collector struct {
	global       atomic.Uint64
	pending      atomic.Int64
	reclaimed    atomic.Uint64
	running      atomic.Int64
	sinceCollect atomic.Int64

	participants atomic.Pointer[participant]
	incoming     atomic.Pointer[retired]

	mu      sync.Mutex
	garbage []*retired

	threshold int64
	logger    *zap.Logger
}

// Config defines configurable Collector options.
type Config struct {
	collectThreshold int
	logger           *zap.Logger
}

// Option configures a Collector.
type Option func(*Config)

// WithCollectThreshold sets how many objects may be retired on the
// collector, by any number of guards, before an Unpin attempts a
// collection. Zero or negative values are ignored.
func WithCollectThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.collectThreshold = n
		}
	}
}

// WithLogger sets the logger used for debug events. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCollector creates a Collector.
func NewCollector(options ...Option) *Collector {
	c := &Config{
		collectThreshold: defaultCollectThreshold,
		logger:           zap.NewNop(),
	}
	for _, o := range options {
		o(c)
	}
	return &Collector{
		threshold: int64(c.collectThreshold),
		logger:    c.logger,
	}
}

var defaultCollector = NewCollector()

// Default returns the process-wide Collector.
func Default() *Collector {
	return defaultCollector
}

// Pin announces the current epoch and returns a Guard. Every pointer loaded
// from a shared structure while the Guard is pinned stays valid until Unpin.
//
// Guards are cheap but not free; pin once per operation, not per pointer.
func (c *Collector) Pin() *Guard {
	p := c.acquire()
	for {
		e := c.global.Load()
		p.state.Store(e<<1 | pinnedBit)
		// An advance that scanned before the store may have missed it;
		// the announced epoch is valid only if global did not move.
		if c.global.Load() == e {
			break
		}
	}
	return &Guard{c: c, p: p}
}

func (c *Collector) acquire() *participant {
	for p := c.participants.Load(); p != nil; p = p.next {
		if !p.inUse.Load() && p.inUse.CompareAndSwap(false, true) {
			return p
		}
	}
	p := &participant{}
	p.inUse.Store(true)
	for {
		head := c.participants.Load()
		p.next = head
		if c.participants.CompareAndSwap(head, p) {
			return p
		}
	}
}

func (c *Collector) release(p *participant) {
	p.state.Store(0)
	p.inUse.Store(false)
}

func (c *Collector) retire(fn func()) {
	r := &retired{epoch: c.global.Load(), fn: fn}
	for {
		head := c.incoming.Load()
		r.next = head
		if c.incoming.CompareAndSwap(head, r) {
			break
		}
	}
	c.pending.Add(1)
}

// TryAdvance moves the global epoch forward by one if every pinned
// participant has already observed the current epoch.
func (c *Collector) TryAdvance() bool {
	e := c.global.Load()
	for p := c.participants.Load(); p != nil; p = p.next {
		s := p.state.Load()
		if s&pinnedBit != 0 && s>>1 != e {
			return false
		}
	}
	return c.global.CompareAndSwap(e, e+1)
}

// Collect advances the epoch if possible and runs every retirement callback
// whose epoch is at least two behind the global epoch. It returns the number
// of callbacks that ran.
//
// Callbacks run on the calling goroutine, outside the collector lock.
func (c *Collector) Collect() int {
	c.mu.Lock()
	return c.collectLocked()
}

// tryCollect is Collect that gives up when another goroutine is
// collecting.
func (c *Collector) tryCollect() int {
	if !c.mu.TryLock() {
		return 0
	}
	return c.collectLocked()
}

// collectLocked releases c.mu before running the callbacks.
func (c *Collector) collectLocked() int {
	// next is left intact; a concurrent hasGarbageBefore may still be
	// walking the drained list.
	for r := c.incoming.Swap(nil); r != nil; r = r.next {
		c.garbage = append(c.garbage, r)
	}
	advanced := c.TryAdvance()
	e := c.global.Load()
	var ready []func()
	kept := c.garbage[:0]
	for _, r := range c.garbage {
		if r.epoch+2 <= e {
			ready = append(ready, r.fn)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(c.garbage); i++ {
		c.garbage[i] = nil
	}
	c.garbage = kept
	c.running.Add(int64(len(ready)))
	c.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	if n := len(ready); n > 0 {
		c.pending.Add(int64(-n))
		c.reclaimed.Add(uint64(n))
		c.running.Add(int64(-n))
		c.logger.Debug("epoch: reclaimed retired objects",
			zap.Int("count", n),
			zap.Uint64("epoch", e),
			zap.Bool("advanced", advanced))
	}
	return len(ready)
}

// Barrier blocks until every object retired before the call has been
// reclaimed, or until ctx is done. A guard held by the caller itself makes
// Barrier wait until ctx expires.
func (c *Collector) Barrier(ctx context.Context) error {
	target := c.global.Load() + 2
	const (
		minBackoff = 10 * time.Microsecond
		maxBackoff = 5 * time.Millisecond
	)
	backoff := minBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		c.Collect()
		if c.global.Load() >= target && !c.hasGarbageBefore(target-1) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "epoch: barrier at epoch %d", target-2)
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
		timer.Reset(backoff)
	}
}

func (c *Collector) hasGarbageBefore(epoch uint64) bool {
	if c.running.Load() > 0 {
		return true
	}
	for r := c.incoming.Load(); r != nil; r = r.next {
		if r.epoch < epoch {
			return true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.garbage {
		if r.epoch < epoch {
			return true
		}
	}
	return false
}

// Epoch returns the current global epoch.
func (c *Collector) Epoch() uint64 {
	return c.global.Load()
}

// Pending returns the number of retired objects not yet reclaimed.
func (c *Collector) Pending() int {
	return int(c.pending.Load())
}

// Reclaimed returns the total number of retirement callbacks that have run.
func (c *Collector) Reclaimed() uint64 {
	return c.reclaimed.Load()
}

// Guard is proof that the holder announced an epoch. It must be unpinned
// exactly once, by the goroutine that pinned it.
type Guard struct {
	c       *Collector
	p       *participant
	retired int
}

// Retire defers fn until no reader pinned before this call can still hold a
// reference to the retired object. The object must already be unreachable
// from the shared structure.
func (g *Guard) Retire(fn func()) {
	if g.p == nil {
		panic("epoch: Retire on an unpinned guard")
	}
	g.c.retire(fn)
	g.retired++
}

// Unpin ends the critical section. Pointers loaded under the guard must not
// be used afterwards.
func (g *Guard) Unpin() {
	if g.p == nil {
		panic("epoch: Unpin on an unpinned guard")
	}
	g.c.release(g.p)
	g.p = nil
	if g.retired > 0 {
		g.c.noteRetired(int64(g.retired))
		g.retired = 0
	}
}

// noteRetired counts retirements across all guards and collects each time
// the count crosses the threshold.
func (c *Collector) noteRetired(n int64) {
	total := c.sinceCollect.Add(n)
	for total >= c.threshold {
		if c.sinceCollect.CompareAndSwap(total, 0) {
			c.tryCollect()
			return
		}
		total = c.sinceCollect.Load()
	}
}

// Collector returns the collector the guard is pinned on.
func (g *Guard) Collector() *Collector {
	return g.c
}
