package dedup

import (
	"sync"
	"time"
)

const (
	// SeenTTL is how long an event id stays in the global seen cache.
	SeenTTL = 24 * time.Hour
	// SweepEvery is the number of insertions between full expiry sweeps.
	SweepEvery = 1000
)

// SeenCache is the relay wide record of event ids already handled. Entries
// expire after a flat TTL; expiry is checked when an entry is read and a full
// sweep runs on every SweepEvery'th insertion.
type SeenCache struct {
	mx      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	seen    map[string]time.Time
	inserts uint64
}

// NewSeenCache makes a cache with the given TTL, or SeenTTL if ttl is zero.
// clock may be nil, in which case time.Now is used.
func NewSeenCache(ttl time.Duration, clock func() time.Time) *SeenCache {
	if ttl <= 0 {
		ttl = SeenTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &SeenCache{ttl: ttl, now: clock, seen: make(map[string]time.Time)}
}

// HasSeenEvent reports whether id was marked within the TTL. An expired entry
// is deleted and reported absent.
func (s *SeenCache) HasSeenEvent(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	at, ok := s.seen[id]
	if !ok {
		return false
	}
	if s.now().Sub(at) >= s.ttl {
		delete(s.seen, id)
		return false
	}
	return true
}

// MarkAsSeen records id as seen now.
func (s *SeenCache) MarkAsSeen(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.mark(id)
}

// CheckAndMark reports whether id was already seen and marks it if not, as
// one step.
func (s *SeenCache) CheckAndMark(id string) (seen bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if at, ok := s.seen[id]; ok && s.now().Sub(at) < s.ttl {
		return true
	}
	s.mark(id)
	return
}

func (s *SeenCache) mark(id string) {
	s.seen[id] = s.now()
	s.inserts++
	if s.inserts%SweepEvery == 0 {
		s.sweep()
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *SeenCache) Sweep() (removed int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.sweep()
}

func (s *SeenCache) sweep() (removed int) {
	now := s.now()
	for id, at := range s.seen {
		if now.Sub(at) >= s.ttl {
			delete(s.seen, id)
			removed++
		}
	}
	if removed > 0 {
		log.T.F("swept %d expired seen entries", removed)
	}
	return
}

// Len is the number of entries held, including any not yet swept.
func (s *SeenCache) Len() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.seen)
}
