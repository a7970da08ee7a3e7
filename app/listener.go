package app

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

type Listener struct {
	filters nostr.Filters
}

type ListenerMap = *xsync.MapOf[string, *Listener]

// GetListeningFilters returns every distinct filter any peer is subscribed
// with.
func (rl *Relay) GetListeningFilters() (respFilters nostr.Filters) {
	respFilters = make(nostr.Filters, 0, rl.listeners.Size()*2)
	rl.listeners.Range(func(_ string, subs ListenerMap) bool {
		subs.Range(func(_ string, listener *Listener) bool {
			for _, listenerFilter := range listener.filters {
				for _, respFilter := range respFilters {
					// check if this filter specifically is already added to
					// respFilters
					if nostr.FilterEqual(listenerFilter, respFilter) {
						goto next
					}
				}
				respFilters = append(respFilters, listenerFilter)
			next:
				continue
			}
			return true
		})
		return true
	})
	return
}

// SetListener records subscription id of peer, replacing any previous filters
// under the same id.
func (rl *Relay) SetListener(peer, id string, f nostr.Filters) {
	subs, _ := rl.listeners.LoadOrCompute(peer, func() ListenerMap {
		return xsync.NewMapOf[*Listener]()
	})
	subs.Store(id, &Listener{filters: f})
}

// RemoveListenerId removes a specific subscription id of peer.
func (rl *Relay) RemoveListenerId(peer, id string) (found bool) {
	if subs, ok := rl.listeners.Load(peer); ok {
		_, found = subs.LoadAndDelete(id)
		if subs.Size() == 0 {
			rl.listeners.Delete(peer)
		}
	}
	return
}

// RemoveListener drops every subscription of peer.
func (rl *Relay) RemoveListener(peer string) { rl.listeners.Delete(peer) }

// matchListener finds the subscription of peer that wants ev. A peer that has
// not subscribed to anything receives every event with an empty id.
func (rl *Relay) matchListener(peer string, ev *nostr.Event) (subID string,
	ok bool) {

	subs, found := rl.listeners.Load(peer)
	if !found || subs.Size() == 0 {
		return "", true
	}
	subs.Range(func(id string, l *Listener) bool {
		if l.filters.Match(ev) {
			subID, ok = id, true
			return false
		}
		return true
	})
	return
}
