package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/discovery"
	"github.com/Hubmakerlabs/btprelay/pkg/fulfill"
	"github.com/Hubmakerlabs/btprelay/pkg/handshake"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/settlement"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
)

var ErrNoEndpoint = errors.New("peer has no known endpoint")

func (rl *Relay) isDialing(pubkey string) bool {
	_, ok := rl.dialing.Load(pubkey)
	return ok
}

// Connect dials pubkey, discovering its endpoint first if needed, and runs
// the handshake. A peer that needs a channel has its open started.
func (rl *Relay) Connect(c context.Context, pubkey string) (err error) {
	if pubkey == rl.Pubkey {
		return fmt.Errorf("cannot connect to self")
	}
	if _, loaded := rl.dialing.LoadOrStore(pubkey, struct{}{}); loaded {
		return ErrDialing
	}
	defer rl.dialing.Delete(pubkey)
	m, _ := rl.Peers.Ensure(pubkey, 0)
	var conn peer.Connection
	if conn, err = rl.prepareDial(c, m, pubkey); err != nil {
		return
	}
	fail := func(e error) error {
		// an inbound link may have won meanwhile
		if s, ok := rl.Session(pubkey); !ok || !s.live() {
			_, _ = m.Send(c, peer.HandshakeFailed{Err: e})
		}
		return e
	}
	dc, cancel := context.WithTimeout(c, HandshakeTimeout)
	defer cancel()
	var ws *websocket.Conn
	if ws, _, err = rl.dialer.DialContext(dc, conn.Endpoint, nil); err != nil {
		return fail(fmt.Errorf("dial %s: %w", conn.Endpoint, err))
	}
	ws.SetReadLimit(rl.MaxMessageSize)
	var res handshake.Result
	if res, err = rl.dialHandshake(ws, conn.Endpoint, pubkey); err != nil {
		closeWith(ws, websocket.ClosePolicyViolation, err.Error())
		return fail(err)
	}
	if _, err = rl.attach(ws, res, conn.Endpoint, true, m); err != nil {
		closeWith(ws, websocket.CloseNormalClosure, err.Error())
		return
	}
	return
}

// prepareDial brings the machine to Connecting with a known endpoint.
func (rl *Relay) prepareDial(c context.Context, m *peer.Machine,
	pubkey string) (conn peer.Connection, err error) {

	conn = m.Snapshot()
	resolve := func() (res peer.Resolved, err error) {
		var a *discovery.Announcement
		if a, err = rl.Resolver.Resolve(c, pubkey); err != nil {
			return
		}
		return peer.Resolved{ILPAddress: a.ILPAddress, Endpoint: a.Endpoint,
			Priority: a.Priority}, nil
	}
	switch conn.State {
	case peer.Failed:
		return conn, ErrPeerFailed
	case peer.Discovering:
		var res peer.Resolved
		if res, err = resolve(); err != nil {
			return
		}
		if conn, err = m.Send(c, res); err != nil {
			return
		}
	case peer.Disconnected:
		if conn.Endpoint == "" {
			var res peer.Resolved
			if res, err = resolve(); err != nil {
				return
			}
			if conn, err = m.Send(c, res); err != nil {
				return
			}
		}
		if conn, err = m.Send(c, peer.Reconnect{}); err != nil {
			return
		}
	case peer.Connecting:
	default:
		if s, ok := rl.Session(pubkey); ok && s.live() {
			return conn, ErrDuplicate
		}
		if _, err = m.Send(c, peer.ConnectionLost{
			Err: errors.New("no live session")}); err != nil {
			return
		}
		if conn, err = m.Send(c, peer.Reconnect{}); err != nil {
			return
		}
	}
	if conn.Endpoint == "" {
		err = ErrNoEndpoint
		_, _ = m.Send(c, peer.HandshakeFailed{Err: err})
	}
	return
}

// dialHandshake runs the dialing side of the handshake on ws.
func (rl *Relay) dialHandshake(ws *websocket.Conn, url,
	expect string) (res handshake.Result, err error) {

	cl := handshake.NewClient(rl.SecKey, url, expect)
	deadline := time.Now().Add(HandshakeTimeout)
	var env *link.Envelope
	if env, err = readEnvelope(ws, link.AuthChallenge, deadline); err != nil {
		return
	}
	auth := &link.Envelope{Type: link.Auth}
	if auth.Event, err = cl.Respond(env.Challenge); err != nil {
		return
	}
	if err = writeEnvelope(ws, auth, deadline); err != nil {
		return
	}
	if env, err = readEnvelope(ws, link.AuthOK, deadline); err != nil {
		return
	}
	return cl.Confirm(env.Event, time.Now())
}

// openChannel asks the settlement backend for a channel to the session's
// peer and announces it. The peer acknowledges once it has verified the
// channel with its own backend.
func (rl *Relay) openChannel(s *Session) {
	c := s.ctx
	if _, err := s.machine.Send(c, peer.ChannelOpenRequested{}); err != nil {
		log.D.F("%s: %v", short(s.Peer), err)
		return
	}
	var err error
	var ch channel.Channel
	defer func() {
		if err != nil {
			log.W.F("opening channel to %s: %v", short(s.Peer), err)
			_, _ = s.machine.Send(c, peer.ChannelOpenFailed{Err: err})
			return
		}
		_, err = s.machine.Send(c, peer.ChannelOpened{ChannelID: ch.ID})
		chk.D(err)
	}()
	var b settlement.Backend
	if b, err = rl.Settlement.Registry().Get(
		channel.Scheme(rl.Config.Scheme)); err != nil {
		return
	}
	if ch, err = b.Open(c, rl.Config.OpenRequest(rl.Pubkey,
		s.Peer)); err != nil {
		return
	}
	if err = rl.Book.Put(c, ch); err != nil {
		return
	}
	var ack *link.Envelope
	if ack, err = s.request(c, &link.Envelope{Type: link.Channel,
		ID: uuid.NewString(), Channel: &ch},
		time.Now().Add(ChannelAckTimeout)); err != nil {
		return
	}
	if ack.Type != link.ChannelAck || ack.Code != "" {
		err = fmt.Errorf("peer refused channel %s: %s %s", ch.ID, ack.Code,
			ack.Message)
		return
	}
	log.I.F("channel %s to %s open (%s, capacity %d)", ch.ID, short(s.Peer),
		ch.Scheme, ch.Capacity)
}

// acceptChannel answers a channel announced by the session's peer.
func (rl *Relay) acceptChannel(s *Session, env *link.Envelope) *link.Envelope {
	ack := &link.Envelope{Type: link.ChannelAck, ID: env.ID}
	refuse := func(err error) *link.Envelope {
		log.W.F("refusing channel from %s: %v", short(s.Peer), err)
		ack.Code, ack.Message = fulfill.CodeApplicationError, err.Error()
		return ack
	}
	ch := *env.Channel
	if ch.Sender != s.Peer || ch.Recipient != rl.Pubkey {
		return refuse(channel.ErrWrongParty)
	}
	b, err := rl.Settlement.Registry().Get(ch.Scheme)
	if err != nil {
		return refuse(err)
	}
	if err = b.Verify(s.ctx, ch); err != nil {
		return refuse(err)
	}
	if err = rl.Book.Put(s.ctx, ch); err != nil &&
		!errors.Is(err, channel.ErrAlreadyExists) {
		return refuse(err)
	}
	log.I.F("channel %s from %s accepted", ch.ID, short(s.Peer))
	return ack
}
