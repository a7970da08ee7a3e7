package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/payload"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/Hubmakerlabs/btprelay/pkg/eventcheck"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/nbd-wtf/go-nostr"
)

var ErrNoSubID = errors.New("subscription id is required")

// handle runs the message handler for a paid packet and returns the response
// bound into its fulfillment.
func (s *Session) handle(c context.Context, typ packet.MessageType,
	p *payload.T) (resp response.T, err error) {

	switch typ {
	case packet.EVENT:
		var b payload.EventBody
		if err = p.Body(&b); err != nil {
			return
		}
		return s.rl.ingest(c, s.Peer, b.Event), nil
	case packet.REQ:
		var b payload.ReqBody
		if err = p.Body(&b); err != nil {
			return
		}
		return s.subscribe(c, b)
	case packet.CLOSE:
		var b payload.CloseBody
		if err = p.Body(&b); err != nil {
			return
		}
		if b.SubID == "" {
			return nil, ErrNoSubID
		}
		found := s.rl.RemoveListenerId(s.Peer, b.SubID)
		if _, err = s.machine.Send(c, peer.Unsubscribe{
			SubID: b.SubID}); chk.E(err) {
			return
		}
		msg := "closed: " + b.SubID
		if !found {
			msg = "closed: no such subscription " + b.SubID
		}
		return &response.Notice{Message: msg}, nil
	case packet.AUTH:
		var b payload.AuthBody
		if err = p.Body(&b); err != nil {
			return
		}
		if b.Event == nil {
			return nil, eventcheck.ErrNilEvent
		}
		ok := &response.OK{EventID: b.Event.ID, Accepted: true}
		if e := eventcheck.Verify(b.Event); e != nil {
			ok.Accepted, ok.Message = false, "invalid: "+e.Error()
		} else if b.Event.PubKey != s.Peer {
			ok.Accepted, ok.Message = false,
				"restricted: auth event is not from this peer"
		}
		return ok, nil
	case packet.NOTICE:
		var b payload.NoticeBody
		if err = p.Body(&b); err != nil {
			return
		}
		log.I.F("notice from %s: %s", short(s.Peer), b.Message)
	case packet.EOSE:
		var b payload.EOSEBody
		if err = p.Body(&b); err != nil {
			return
		}
		log.D.F("%s finished stored events for %s", short(s.Peer), b.SubID)
	case packet.OK:
		var b payload.OKBody
		if err = p.Body(&b); err != nil {
			return
		}
		log.D.F("%s: ok %s %v %s", short(s.Peer), b.EventID, b.Accepted,
			b.Message)
	default:
		return nil, fmt.Errorf("no handler for %s", typ)
	}
	return &response.Notice{Message: "received"}, nil
}

// ingest takes an event from origin, or from this relay when origin is
// empty. A new event is stored and observed; new or not, it is forwarded to
// every peer that has not yet been sent it.
func (rl *Relay) ingest(c context.Context, origin string,
	ev *nostr.Event) (ok *response.OK) {

	if ev == nil {
		return &response.OK{Message: "invalid: no event"}
	}
	ok = &response.OK{EventID: ev.ID, Accepted: true}
	if err := eventcheck.Verify(ev); err != nil {
		ok.Accepted, ok.Message = false, "invalid: "+err.Error()
		return
	}
	if origin != "" {
		rl.Tracker.MarkSent(origin, ev.ID)
	}
	if rl.Seen.CheckAndMark(ev.ID) {
		rl.Metrics.Duplicates.Inc()
		ok.Message = "duplicate: already have this event"
	} else {
		for _, store := range rl.StoreEvent {
			if err := store(c, ev); chk.E(err) {
				ok.Accepted, ok.Message = false, "error: "+err.Error()
				return
			}
		}
		if rl.Resolver.Observe(ev) {
			log.D.F("refreshed announcement of %s", short(ev.PubKey))
		}
		for _, fn := range rl.OnEventSaved {
			fn(c, ev)
		}
	}
	rl.Forward(ev, origin)
	return
}

// subscribe records a subscription, queues the stored events it matches and
// answers with EOSE once they are all queued.
func (s *Session) subscribe(c context.Context,
	b payload.ReqBody) (resp response.T, err error) {

	if b.SubID == "" {
		return nil, ErrNoSubID
	}
	s.rl.SetListener(s.Peer, b.SubID, b.Filters)
	if _, err = s.machine.Send(c, peer.Subscribe{SubID: b.SubID}); chk.E(err) {
		s.rl.RemoveListenerId(s.Peer, b.SubID)
		return
	}
	sent := make(map[string]struct{})
	for _, f := range b.Filters {
		for _, query := range s.rl.QueryEvents {
			var ch chan *nostr.Event
			if ch, err = query(c, f); chk.E(err) {
				continue
			}
			for ev := range ch {
				if _, dup := sent[ev.ID]; dup {
					continue
				}
				sent[ev.ID] = struct{}{}
				s.sendAsync(packet.EVENT,
					&payload.EventBody{SubID: b.SubID, Event: ev})
			}
		}
	}
	log.D.F("%s subscribed %s, %d stored events", short(s.Peer), b.SubID,
		len(sent))
	return &response.EOSE{SubID: b.SubID}, nil
}
