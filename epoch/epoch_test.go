package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPinUnpinAdvances(t *testing.T) {
	c := NewCollector()
	require.EqualValues(t, 0, c.Epoch())

	g := c.Pin()
	require.True(t, c.TryAdvance(), "a guard pinned at the current epoch must not block one advance")
	require.False(t, c.TryAdvance(), "a guard pinned at an older epoch must block")
	g.Unpin()
	require.True(t, c.TryAdvance())
	require.EqualValues(t, 2, c.Epoch())
}

func TestRetireDeferredWhileGuardHeld(t *testing.T) {
	c := NewCollector(WithLogger(zaptest.NewLogger(t)))

	reader := c.Pin()

	writer := c.Pin()
	var ran atomic.Bool
	writer.Retire(func() { ran.Store(true) })
	writer.Unpin()
	require.Equal(t, 1, c.Pending())

	for i := 0; i < 10; i++ {
		c.Collect()
	}
	require.False(t, ran.Load(), "retired object reclaimed while an older guard is pinned")
	require.Equal(t, 1, c.Pending())

	reader.Unpin()
	for i := 0; i < 3 && !ran.Load(); i++ {
		c.Collect()
	}
	require.True(t, ran.Load())
	require.Equal(t, 0, c.Pending())
	require.EqualValues(t, 1, c.Reclaimed())
}

func TestUnpinCollectsAtThreshold(t *testing.T) {
	const threshold = 4
	c := NewCollector(WithCollectThreshold(threshold))
	var n atomic.Int32
	// Each guard retires a single object, far below the threshold on its
	// own; the count is kept across guards.
	for i := 0; i < 100; i++ {
		g := c.Pin()
		g.Retire(func() { n.Add(1) })
		g.Unpin()
	}
	require.Positive(t, n.Load())
	require.LessOrEqual(t, c.Pending(), 3*threshold)
	require.EqualValues(t, 100, int(n.Load())+c.Pending())
}

func TestConcurrentUnpinBoundsPending(t *testing.T) {
	const threshold = 16
	c := NewCollector(WithCollectThreshold(threshold))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				g := c.Pin()
				g.Retire(func() {})
				g.Unpin()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, c.Barrier(context.Background()))
	require.Zero(t, c.Pending())
	require.EqualValues(t, 8*2000, c.Reclaimed())
}

func TestBarrier(t *testing.T) {
	c := NewCollector()
	g := c.Pin()
	var ran atomic.Bool
	g.Retire(func() { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Barrier(ctx)
	require.Error(t, err, "barrier must not complete while the caller holds a guard")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.False(t, ran.Load())

	g.Unpin()
	require.NoError(t, c.Barrier(context.Background()))
	require.True(t, ran.Load())
}

func TestUseOfUnpinnedGuardPanics(t *testing.T) {
	c := NewCollector()
	g := c.Pin()
	g.Unpin()
	require.Panics(t, func() { g.Unpin() })
	require.Panics(t, func() { g.Retire(func() {}) })
}

func TestParticipantsRecycled(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 100; i++ {
		c.Pin().Unpin()
	}
	n := 0
	for p := c.participants.Load(); p != nil; p = p.next {
		n++
	}
	require.Equal(t, 1, n)

	g1, g2 := c.Pin(), c.Pin()
	require.NotSame(t, g1.p, g2.p)
	g1.Unpin()
	g2.Unpin()
}

func TestPinDoesNotTakeCollectLock(t *testing.T) {
	c := NewCollector(WithCollectThreshold(1))
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			g := c.Pin()
			g.Retire(func() {})
			g.Unpin()
		}
		c.TryAdvance()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pin, Retire or Unpin blocked on the collection lock")
	}
	require.Equal(t, 10, c.Pending())
}

// Readers pin, read the published object and check that it has not been
// reclaimed. Writers swap the object and retire the old one.
func TestConcurrentNoReclaimUnderGuard(t *testing.T) {
	type object struct {
		reclaimed atomic.Bool
	}
	c := NewCollector(WithCollectThreshold(8))
	var shared atomic.Pointer[object]
	shared.Store(&object{})

	var violations atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup

	const readers, writers = 8, 2
	wg.Add(readers + writers)
	for r := 0; r < readers; r++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := c.Pin()
				o := shared.Load()
				for i := 0; i < 16; i++ {
					if o.reclaimed.Load() {
						violations.Add(1)
					}
				}
				g.Unpin()
			}
		}()
	}
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := c.Pin()
				old := shared.Swap(&object{})
				g.Retire(func() { old.reclaimed.Store(true) })
				g.Unpin()
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.Zero(t, violations.Load())
	require.NoError(t, c.Barrier(context.Background()))
	require.Zero(t, c.Pending())
}
