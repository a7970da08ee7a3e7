package dedup_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/dedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotent(t *testing.T) {
	tr := dedup.NewTracker(0)
	for i := 0; i < 5; i++ {
		tr.MarkSent("p1", "e1")
	}
	assert.Equal(t, 1, tr.EventCount("p1"))
	assert.True(t, tr.HasSent("p1", "e1"))
	assert.False(t, tr.HasSent("p2", "e1"))
	assert.Equal(t, 0, tr.EventCount("p2"))
}

func TestEvictionBound(t *testing.T) {
	tr := dedup.NewTracker(0)
	for i := 0; i <= dedup.PeerCapacity; i++ {
		tr.MarkSent("p", fmt.Sprint(i))
	}
	assert.Equal(t, dedup.PeerCapacity, tr.EventCount("p"))
	assert.True(t, tr.HasSent("p", fmt.Sprint(dedup.PeerCapacity)))
	assert.False(t, tr.HasSent("p", "0"))
	assert.True(t, tr.HasSent("p", "1"))
}

func TestEvictionIsInsertionOrder(t *testing.T) {
	tr := dedup.NewTracker(3)
	tr.MarkSent("p", "a")
	tr.MarkSent("p", "b")
	tr.MarkSent("p", "c")
	// touching a must not make it younger than b and c
	tr.MarkSent("p", "a")
	assert.True(t, tr.HasSent("p", "a"))
	tr.MarkSent("p", "d")
	assert.False(t, tr.HasSent("p", "a"))
	assert.True(t, tr.HasSent("p", "b"))
	assert.True(t, tr.HasSent("p", "c"))
	assert.True(t, tr.HasSent("p", "d"))
}

func TestClearPeerIsolation(t *testing.T) {
	tr := dedup.NewTracker(0)
	tr.MarkSent("p1", "a")
	tr.MarkSent("p1", "b")
	tr.MarkSent("p2", "a")
	tr.ClearPeer("p1")
	assert.Equal(t, 0, tr.EventCount("p1"))
	assert.False(t, tr.HasSent("p1", "a"))
	assert.True(t, tr.HasSent("p2", "a"))
	assert.Equal(t, []string{"p2"}, tr.Peers())
	tr.Clear()
	assert.Empty(t, tr.Peers())
}

func TestCleanupConcurrent(t *testing.T) {
	tr := dedup.NewTracker(0)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tr.MarkSent(fmt.Sprint("p", p), fmt.Sprint(i))
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tr.Cleanup(func(peer string) bool { return peer != "p0" })
		}
	}()
	wg.Wait()
	for p := 1; p < 8; p++ {
		assert.Equal(t, 500, tr.EventCount(fmt.Sprint("p", p)))
	}
	removed := tr.Cleanup(func(string) bool { return false })
	assert.Equal(t, len(tr.Peers()), 0)
	assert.GreaterOrEqual(t, removed, 7)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestSeenTTL(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	s := dedup.NewSeenCache(0, c.Now)
	s.MarkAsSeen("e")
	assert.True(t, s.HasSeenEvent("e"))
	c.now = c.now.Add(dedup.SeenTTL - time.Second)
	assert.True(t, s.HasSeenEvent("e"))
	c.now = c.now.Add(time.Second)
	assert.False(t, s.HasSeenEvent("e"))
	// lazily deleted on read
	assert.Equal(t, 0, s.Len())
}

func TestSeenSweep(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	s := dedup.NewSeenCache(time.Hour, c.Now)
	for i := 0; i < dedup.SweepEvery-1; i++ {
		s.MarkAsSeen(fmt.Sprint("old", i))
	}
	require.Equal(t, dedup.SweepEvery-1, s.Len())
	c.now = c.now.Add(2 * time.Hour)
	// the 1000th insertion sweeps everything expired
	s.MarkAsSeen("new")
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.HasSeenEvent("new"))
	assert.Equal(t, 0, s.Sweep())
}

func TestSeenCheckAndMark(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	s := dedup.NewSeenCache(time.Minute, c.Now)
	assert.False(t, s.CheckAndMark("e"))
	assert.True(t, s.CheckAndMark("e"))
	c.now = c.now.Add(time.Minute)
	// expired entries count as new and are marked again
	assert.False(t, s.CheckAndMark("e"))
	assert.True(t, s.HasSeenEvent("e"))
}
