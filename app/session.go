package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/handshake"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/fasthttp/websocket"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/time/rate"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrTimeout       = errors.New("timed out waiting for reply")
)

// Session is one authenticated websocket link to a peer. A single writer
// goroutine owns the socket's write side; the reader processes inbound
// messages in the order they arrive.
type Session struct {
	rl       *Relay
	conn     *websocket.Conn
	Peer     string
	secret   []byte
	remote   string
	outbound bool
	machine  *peer.Machine
	token    uint64
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	out      chan []byte
	// writerDone is closed once the writer has stopped touching the socket.
	writerDone chan struct{}
	// sendMx keeps claim nonces in the order prepares are queued.
	sendMx  sync.Mutex
	pending *xsync.MapOf[string, chan *link.Envelope]
}

func (rl *Relay) newSession(conn *websocket.Conn, res handshake.Result,
	remote string, outbound bool, m *peer.Machine) (s *Session) {

	limit, burst := rate.Limit(rl.Config.RateLimit), rl.Config.RateBurst
	if rl.Config.RateLimit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(rl.Config.RateLimit) + 1
	}
	s = &Session{
		rl:         rl,
		conn:       conn,
		Peer:       res.Peer,
		secret:     res.Secret,
		remote:     remote,
		outbound:   outbound,
		machine:    m,
		limiter:    rate.NewLimiter(limit, burst),
		out:        make(chan []byte, OutboundQueue),
		writerDone: make(chan struct{}),
		pending:    xsync.NewMapOf[chan *link.Envelope](),
	}
	s.ctx, s.cancel = context.WithCancel(rl.Ctx)
	return
}

// RealRemote is the network address of the peer.
func (s *Session) RealRemote() string { return s.remote }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Write queues e for the writer.
func (s *Session) Write(e *link.Envelope) (err error) {
	var b []byte
	if b, err = e.Bytes(); chk.E(err) {
		return
	}
	t := time.NewTimer(s.rl.WriteWait)
	defer t.Stop()
	select {
	case s.out <- b:
	case <-s.ctx.Done():
		err = ErrSessionClosed
	case <-t.C:
		err = ErrTimeout
	}
	return
}

// request writes e and waits for the reply carrying the same id.
func (s *Session) request(c context.Context, e *link.Envelope,
	deadline time.Time) (reply *link.Envelope, err error) {

	wait := make(chan *link.Envelope, 1)
	s.pending.Store(e.ID, wait)
	defer s.pending.Delete(e.ID)
	if err = s.Write(e); err != nil {
		return
	}
	return s.waitReply(c, wait, deadline)
}

func (s *Session) waitReply(c context.Context, wait chan *link.Envelope,
	deadline time.Time) (reply *link.Envelope, err error) {

	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case reply = <-wait:
	case <-t.C:
		err = ErrTimeout
	case <-s.ctx.Done():
		err = ErrSessionClosed
	case <-c.Done():
		err = c.Err()
	}
	return
}

// deliver hands a reply to whoever is waiting for it.
func (s *Session) deliver(e *link.Envelope) {
	if wait, ok := s.pending.LoadAndDelete(e.ID); ok {
		wait <- e
		return
	}
	log.D.F("%s: no one waiting for %s %s", short(s.Peer), e.Type, e.ID)
}

// teardown runs on the peer's machine goroutine when the peer goes down. It
// stops the writer and closes the socket before returning, so nothing is
// written for this session afterwards.
func (s *Session) teardown() {
	s.cancel()
	<-s.writerDone
	_ = s.conn.Close()
	s.rl.sessions.Compute(s.Peer, func(cur *Session, loaded bool) (*Session,
		bool) {
		return cur, !loaded || cur == s
	})
	s.rl.RemoveListener(s.Peer)
	log.I.F("session with %s closed", short(s.Peer))
}

// live reports whether the session has not been torn down.
func (s *Session) live() bool { return s.ctx.Err() == nil }
