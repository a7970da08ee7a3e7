package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr"
)

const (
	PositiveTTL = time.Hour
	NegativeTTL = 5 * time.Minute
	CacheSize   = 4096
)

// Resolver caches lookups: found announcements for PositiveTTL, misses for
// NegativeTTL. A fresher announcement seen through Observe replaces both
// immediately.
type Resolver struct {
	src Source
	// mx makes the newer-than check and the cache update one step.
	mx  sync.Mutex
	pos *expirable.LRU[string, *Announcement]
	neg *expirable.LRU[string, struct{}]
}

// NewResolver makes a resolver in front of src. Zero TTLs take the defaults.
func NewResolver(src Source, positive, negative time.Duration) *Resolver {
	if positive <= 0 {
		positive = PositiveTTL
	}
	if negative <= 0 {
		negative = NegativeTTL
	}
	return &Resolver{
		src: src,
		pos: expirable.NewLRU[string, *Announcement](CacheSize, nil, positive),
		neg: expirable.NewLRU[string, struct{}](CacheSize, nil, negative),
	}
}

// Resolve returns the announcement of pubkey, or ErrNotFound.
func (r *Resolver) Resolve(c context.Context, pubkey string) (
	a *Announcement, err error) {

	var ok bool
	if a, ok = r.pos.Get(pubkey); ok {
		return
	}
	if _, miss := r.neg.Get(pubkey); miss {
		return nil, ErrNotFound
	}
	if a, err = r.src.Lookup(c, pubkey); err != nil {
		if errors.Is(err, ErrNotFound) {
			r.mx.Lock()
			if !r.pos.Contains(pubkey) {
				r.neg.Add(pubkey, struct{}{})
			}
			r.mx.Unlock()
		}
		return
	}
	return r.offer(pubkey, a), nil
}

// offer caches a for pubkey unless a newer announcement is already held, and
// returns whichever is newest.
func (r *Resolver) offer(pubkey string, a *Announcement) *Announcement {
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.pos.Peek(pubkey); ok && cur.CreatedAt >= a.CreatedAt {
		return cur
	}
	r.neg.Remove(pubkey)
	r.pos.Add(pubkey, a)
	return a
}

// Observe takes note of an event passing through the relay. A valid
// announcement newer than what is cached for its author replaces the cache
// entries; it returns true when that happened.
func (r *Resolver) Observe(ev *nostr.Event) bool {
	if !IsAnnouncement(ev) {
		return false
	}
	a, err := ParseAnnouncement(ev)
	if chk.D(err) {
		return false
	}
	if r.offer(a.Pubkey, a) != a {
		return false
	}
	log.D.F("announcement from %s now %s", a.Pubkey, a.Endpoint)
	return true
}

// Invalidate drops anything cached for pubkey.
func (r *Resolver) Invalidate(pubkey string) {
	r.pos.Remove(pubkey)
	r.neg.Remove(pubkey)
}
