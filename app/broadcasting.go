package app

import (
	"context"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/payload"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/nbd-wtf/go-nostr"
)

// Forward sends ev to every peer with a live session except origin, skipping
// peers already sent it and peers whose subscriptions do not match it.
func (rl *Relay) Forward(ev *nostr.Event, origin string) (sent int) {
	rl.sessions.Range(func(pubkey string, s *Session) bool {
		if pubkey == origin || !s.live() {
			return true
		}
		if rl.Tracker.HasSent(pubkey, ev.ID) {
			return true
		}
		subID, ok := rl.matchListener(pubkey, ev)
		if !ok {
			log.T.F("%s has no subscription matching %s", short(pubkey),
				ev.ID)
			return true
		}
		if err := s.sendAsync(packet.EVENT,
			&payload.EventBody{SubID: subID, Event: ev}); err != nil {
			return true
		}
		rl.Tracker.MarkSent(pubkey, ev.ID)
		rl.Metrics.Forwards.Inc()
		sent++
		return true
	})
	if sent > 0 {
		log.D.F("forwarded %s to %d peers", ev.ID, sent)
	}
	return
}

// Publish takes an event created locally and spreads it to the peers.
func (rl *Relay) Publish(c context.Context, ev *nostr.Event) (ok *response.OK) {
	return rl.ingest(c, "", ev)
}
