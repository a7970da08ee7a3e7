package app

import (
	"context"
	"errors"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/fasthttp/websocket"
)

// reader processes inbound messages in order until the link fails, then
// reports the loss to the peer's machine.
func (s *Session) reader() {
	conn := s.conn
	chk.E(conn.SetReadDeadline(time.Now().Add(s.rl.PongWait)))
	conn.SetPongHandler(func(string) (err error) {
		err = conn.SetReadDeadline(time.Now().Add(s.rl.PongWait))
		log.E.Chk(err)
		return
	})
	for {
		var err error
		var typ int
		var message []byte
		typ, message, err = conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,    // 1000
				websocket.CloseGoingAway,        // 1001
				websocket.CloseNoStatusReceived, // 1005
				websocket.CloseAbnormalClosure,  // 1006
			) {
				log.E.F("unexpected close error from %s: %v", s.remote, err)
			}
			s.lost(err)
			return
		}
		if !s.live() {
			return
		}
		// any traffic shows the link is alive
		chk.E(conn.SetReadDeadline(time.Now().Add(s.rl.PongWait)))
		if typ != websocket.TextMessage {
			continue
		}
		log.T.F("receiving message from %s: %s", short(s.Peer), message)
		var env *link.Envelope
		if env, err = link.Parse(message); chk.D(err) {
			continue
		}
		s.dispatch(env)
	}
}

// lost tells the machine the link is gone, unless the session was already
// torn down.
func (s *Session) lost(err error) {
	if !s.live() {
		return
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, e := s.machine.Send(c, peer.ConnectionLost{Err: err}); e != nil {
		log.D.F("%s: %v", short(s.Peer), e)
	}
	// the machine did not take the event
	if s.live() {
		s.machine.Detach(s.token)
		s.teardown()
	}
}

func (s *Session) dispatch(env *link.Envelope) {
	switch env.Type {
	case link.Heartbeat:
		_, _ = s.machine.Send(s.ctx, peer.Heartbeat{})
	case link.Prepare:
		reply := s.process(env)
		if reply.Type == link.Reject {
			s.rl.Metrics.Rejections.WithLabelValues(reply.Code).Inc()
			log.D.F("%s: rejected %s: %s %s", short(s.Peer), env.ID,
				reply.Code, reply.Message)
		}
		chk.E(s.Write(reply))
	case link.Fulfill, link.Reject, link.ChannelAck:
		s.deliver(env)
	case link.Channel:
		chk.E(s.Write(s.rl.acceptChannel(s, env)))
	default:
		log.D.F("%s: unexpected %s on open session", short(s.Peer), env.Type)
	}
}
