package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/handshake"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sebest/xff"
)

var (
	ErrDenied     = errors.New("address not in whitelist")
	ErrDuplicate  = errors.New("peer already has a live session")
	ErrPeerFailed = errors.New("peer is marked failed")
	ErrDialing    = errors.New("connection to peer already in progress")
)

// HandleWebsocket accepts a peer connection and runs the responding side of
// the handshake. url is the address the dialer must have signed for.
func (rl *Relay) HandleWebsocket(url string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remote := xff.GetRemoteAddr(r)
		if !rl.allowed(remote) {
			log.T.F("denying access to '%s'", remote)
			http.Error(w, ErrDenied.Error(), http.StatusForbidden)
			return
		}
		var err error
		var conn *websocket.Conn
		if conn, err = rl.upgrader.Upgrade(w, r, nil); chk.E(err) {
			log.E.F("failed to upgrade websocket: %v", err)
			return
		}
		log.T.Ln("inbound connection from", remote)
		conn.SetReadLimit(rl.MaxMessageSize)
		if err = rl.accept(conn, url, remote); err != nil {
			log.D.F("inbound handshake from %s: %v", remote, err)
			closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		}
	}
}

func (rl *Relay) allowed(remote string) bool {
	if len(rl.Whitelist) == 0 {
		return true
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 &&
		!strings.HasSuffix(remote, "]") {
		host = remote[:i]
	}
	for i := range rl.Whitelist {
		if rl.Whitelist[i] == remote || rl.Whitelist[i] == host {
			return true
		}
	}
	return false
}

func (rl *Relay) accept(conn *websocket.Conn, url, remote string) (err error) {
	srv := handshake.NewServer(rl.SecKey, url)
	deadline := time.Now().Add(HandshakeTimeout)
	if err = writeEnvelope(conn, &link.Envelope{Type: link.AuthChallenge,
		Challenge: srv.Challenge()}, deadline); err != nil {
		return
	}
	var env *link.Envelope
	if env, err = readEnvelope(conn, link.Auth, deadline); err != nil {
		return
	}
	var res handshake.Result
	var reply *nostr.Event
	if res, reply, err = srv.Accept(env.Event, time.Now()); err != nil {
		return
	}
	if res.Peer == rl.Pubkey {
		return fmt.Errorf("refusing connection from own key")
	}
	var m *peer.Machine
	if m, err = rl.admit(rl.Ctx, res.Peer, false); err != nil {
		return
	}
	if err = writeEnvelope(conn, &link.Envelope{Type: link.AuthOK,
		Event: reply}, deadline); err != nil {
		_, _ = m.Send(rl.Ctx, peer.HandshakeFailed{Err: err})
		return
	}
	_, err = rl.attach(conn, res, remote, false, m)
	return
}

// admit brings the machine of pubkey to Connecting so a freshly
// authenticated link can be attached to it.
func (rl *Relay) admit(c context.Context, pubkey string,
	outbound bool) (m *peer.Machine, err error) {

	m, _ = rl.Peers.Ensure(pubkey, 0)
	conn := m.Snapshot()
	switch conn.State {
	case peer.Failed:
		return nil, ErrPeerFailed
	case peer.Discovering:
		res := peer.Resolved{}
		rc, cancel := context.WithTimeout(c, HandshakeTimeout)
		if a, e := rl.Resolver.Resolve(rc, pubkey); e == nil {
			res = peer.Resolved{ILPAddress: a.ILPAddress, Endpoint: a.Endpoint,
				Priority: a.Priority}
		}
		cancel()
		_, err = m.Send(c, res)
	case peer.Disconnected:
		_, err = m.Send(c, peer.Reconnect{})
	case peer.Connecting:
		// when both ends dial at once the link dialed by the lower key wins
		if !outbound && rl.isDialing(pubkey) && rl.Pubkey < pubkey {
			return nil, ErrDialing
		}
	default:
		if s, ok := rl.Session(pubkey); ok && s.live() {
			return nil, ErrDuplicate
		}
		if _, err = m.Send(c, peer.ConnectionLost{
			Err: errors.New("replaced by new connection")}); err != nil {
			return
		}
		_, err = m.Send(c, peer.Reconnect{})
	}
	return
}

// attach makes a session of an authenticated link and completes the
// handshake transition. If the peer now needs a channel the open is started
// in the background.
func (rl *Relay) attach(conn *websocket.Conn, res handshake.Result,
	remote string, outbound bool, m *peer.Machine) (s *Session, err error) {

	s = rl.newSession(conn, res, remote, outbound, m)
	var ok bool
	if s.token, ok = m.Attach(s.teardown); !ok {
		s.cancel()
		return nil, ErrDuplicate
	}
	rl.sessions.Store(s.Peer, s)
	go s.writer()
	ch, _ := rl.Book.FindOpen(rl.Pubkey, s.Peer, time.Now())
	var pc peer.Connection
	if pc, err = m.Send(rl.Ctx, peer.HandshakeSucceeded{
		ChannelID: ch.ID}); err != nil {
		m.Detach(s.token)
		s.teardown()
		return nil, err
	}
	log.I.F("session with %s established (%s, outbound=%v)", short(s.Peer),
		remote, outbound)
	go s.reader()
	if pc.State == peer.ChannelNeeded {
		go rl.openChannel(s)
	}
	return
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
