// Package dedup keeps the flood control state: which events were already
// forwarded to which peer, and which events this relay has seen at all.
package dedup

import (
	"os"
	"sync"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr, "dedup")

// PeerCapacity bounds the number of event ids remembered per peer.
const PeerCapacity = 10000

// peerSet is the record of events forwarded to one peer.
//
// Eviction is by insertion order, not by recency of use: MarkSent checks
// Contains, which does not touch recency, and only Adds new ids, so a
// re-marked id keeps its original position.
type peerSet struct {
	sync.Mutex
	ids *simplelru.LRU[string, struct{}]
	// dead is set when the set has been dropped from the table so a writer
	// that raced with removal retries against a fresh set.
	dead bool
}

func newPeerSet(capacity int) func() *peerSet {
	return func() *peerSet {
		ids, err := simplelru.NewLRU[string, struct{}](capacity, nil)
		if chk.E(err) {
			panic(err)
		}
		return &peerSet{ids: ids}
	}
}

// Tracker records, per peer, the events already sent to it. Each peer's set
// has its own lock, so cleanup never holds more than one of them.
type Tracker struct {
	capacity int
	peers    *xsync.MapOf[string, *peerSet]
}

// NewTracker makes a Tracker holding up to capacity ids per peer, or
// PeerCapacity if capacity is not positive.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = PeerCapacity
	}
	return &Tracker{capacity: capacity, peers: xsync.NewMapOf[*peerSet]()}
}

// MarkSent records that eventID was sent to peer. Marking the same pair
// again is a no-op.
func (t *Tracker) MarkSent(peer, eventID string) {
	for {
		s, _ := t.peers.LoadOrCompute(peer, newPeerSet(t.capacity))
		s.Lock()
		if s.dead {
			s.Unlock()
			continue
		}
		if !s.ids.Contains(eventID) {
			s.ids.Add(eventID, struct{}{})
		}
		s.Unlock()
		return
	}
}

// HasSent reports whether eventID is recorded for peer.
func (t *Tracker) HasSent(peer, eventID string) (sent bool) {
	s, ok := t.peers.Load(peer)
	if !ok {
		return
	}
	s.Lock()
	sent = !s.dead && s.ids.Contains(eventID)
	s.Unlock()
	return
}

// EventCount is the number of ids currently recorded for peer.
func (t *Tracker) EventCount(peer string) (n int) {
	s, ok := t.peers.Load(peer)
	if !ok {
		return
	}
	s.Lock()
	if !s.dead {
		n = s.ids.Len()
	}
	s.Unlock()
	return
}

// ClearPeer forgets everything recorded for peer.
func (t *Tracker) ClearPeer(peer string) {
	s, ok := t.peers.LoadAndDelete(peer)
	if !ok {
		return
	}
	s.Lock()
	s.dead = true
	s.ids.Purge()
	s.Unlock()
}

// Clear forgets every peer.
func (t *Tracker) Clear() {
	t.peers.Range(func(peer string, _ *peerSet) bool {
		t.ClearPeer(peer)
		return true
	})
}

// Cleanup drops the sets of every peer for which keep returns false. Only
// one peer entry is locked at a time.
func (t *Tracker) Cleanup(keep func(peer string) bool) (removed int) {
	t.peers.Range(func(peer string, _ *peerSet) bool {
		if !keep(peer) {
			t.ClearPeer(peer)
			removed++
		}
		return true
	})
	if removed > 0 {
		log.D.F("dropped dedup state for %d peers", removed)
	}
	return
}

// Peers lists the peers that have recorded state.
func (t *Tracker) Peers() (peers []string) {
	peers = make([]string, 0, t.peers.Size())
	t.peers.Range(func(peer string, _ *peerSet) bool {
		peers = append(peers, peer)
		return true
	})
	return
}
