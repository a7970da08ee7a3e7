package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Source looks up the newest announcement of a peer.
type Source interface {
	Lookup(c context.Context, pubkey string) (a *Announcement, err error)
}

// QueryFunc queries an event repository, as the eventstore backends do.
type QueryFunc func(c context.Context, f nostr.Filter) (ch chan *nostr.Event,
	err error)

// RepositorySource reads announcements from the local event repository.
type RepositorySource struct {
	Query QueryFunc
}

func (s *RepositorySource) Lookup(c context.Context, pubkey string) (
	a *Announcement, err error) {

	var ch chan *nostr.Event
	if ch, err = s.Query(c, Filter(pubkey)); chk.E(err) {
		return
	}
	var evs []*nostr.Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return Latest(evs)
}

// RelaySource asks bootstrap relays for announcements.
type RelaySource struct {
	URLs    []string
	Timeout time.Duration
}

func (s *RelaySource) Lookup(c context.Context, pubkey string) (
	a *Announcement, err error) {

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	var evs []*nostr.Event
	var reached bool
	for _, u := range s.URLs {
		got, e := s.query(c, u, pubkey, timeout)
		if chk.D(e) {
			continue
		}
		reached = true
		evs = append(evs, got...)
	}
	if !reached && len(s.URLs) > 0 {
		err = errors.New("no bootstrap relay reachable")
		return
	}
	return Latest(evs)
}

func (s *RelaySource) query(c context.Context, url, pubkey string,
	timeout time.Duration) (evs []*nostr.Event, err error) {

	qc, cancel := context.WithTimeout(c, timeout)
	defer cancel()
	var r *nostr.Relay
	if r, err = nostr.RelayConnect(qc, url); err != nil {
		return
	}
	defer r.Close()
	return r.QuerySync(qc, Filter(pubkey))
}

// MultiSource asks every source and keeps the newest announcement. Sources
// that fail are skipped unless all of them fail.
type MultiSource []Source

func (m MultiSource) Lookup(c context.Context, pubkey string) (
	a *Announcement, err error) {

	var failures int
	for _, s := range m {
		cand, e := s.Lookup(c, pubkey)
		switch {
		case errors.Is(e, ErrNotFound):
			continue
		case e != nil:
			failures++
			err = e
			continue
		}
		if a == nil || cand.CreatedAt > a.CreatedAt {
			a = cand
		}
	}
	if a != nil {
		return a, nil
	}
	if failures == len(m) && err != nil {
		return
	}
	return nil, ErrNotFound
}
