package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/payload"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/fulfill"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotConnected = errors.New("no session with peer")
	ErrNoChannel    = errors.New("no open channel to peer")
	ErrUnexpected   = errors.New("unexpected reply")
)

// outgoing is a prepare this relay sent and is waiting on. channel is the
// channel its claim was made on, empty when the packet was free.
type outgoing struct {
	env     *link.Envelope
	wait    chan *link.Envelope
	channel string
}

func (rl *Relay) packetTimeout() time.Duration {
	if rl.Config.PacketTimeout > 0 {
		return rl.Config.PacketTimeout
	}
	return link.DefaultExpiry
}

// prepare frames body as a packet of type typ, pays for it with the next
// claim on the channel to the peer and queues it. Claims are built and
// queued under one lock so the peer sees their nonces in order.
func (s *Session) prepare(typ packet.MessageType, body any) (o *outgoing,
	err error) {

	price := s.rl.Prices.For(typ)
	var p *payload.T
	if p, err = payload.New(price, s.rl.Config.Currency, typ.String(),
		s.rl.Pubkey, body); chk.E(err) {
		return
	}
	var data, frame []byte
	if data, err = p.Bytes(); chk.E(err) {
		return
	}
	if frame, err = packet.Encode(typ, data); chk.E(err) {
		return
	}
	cond := fulfill.Condition(fulfill.Derive(s.secret, frame))
	s.sendMx.Lock()
	defer s.sendMx.Unlock()
	var claim *nostr.Event
	var chID string
	if price > 0 {
		conn := s.machine.Snapshot()
		if conn.State != peer.Connected || conn.ChannelID == "" {
			return nil, fmt.Errorf("%w: %s is %s", ErrNoChannel,
				short(s.Peer), conn.State)
		}
		var cl channel.Claim
		if cl, err = s.rl.Book.NextClaim(s.ctx, conn.ChannelID, price,
			time.Now()); err != nil {
			return
		}
		chID = cl.ChannelID
		if claim, err = channel.NewClaimEvent(s.rl.SecKey, cl); chk.E(err) {
			s.refund(chID, price)
			return
		}
	}
	env := link.NewPrepare(price, cond, claim, frame,
		time.Now().Add(s.rl.packetTimeout()))
	o = &outgoing{env: env, wait: make(chan *link.Envelope, 1),
		channel: chID}
	s.pending.Store(env.ID, o.wait)
	if err = s.Write(env); err != nil {
		s.pending.Delete(env.ID)
		s.refund(chID, price)
		return nil, err
	}
	return
}

// refund returns the price of a packet the peer never accepted to the
// channel, so the next claim spends it again. A prepare that expires without
// an answer is not refunded, as the peer may have delivered it.
func (s *Session) refund(chID string, price uint64) {
	if chID == "" || price == 0 {
		return
	}
	_, err := s.rl.Book.Refund(s.ctx, chID, price)
	chk.E(err)
}

// await waits for the peer to answer o. A fulfill must match the condition
// and carry a well formed response; a reject is returned as the error.
func (s *Session) await(c context.Context, o *outgoing) (resp response.T,
	err error) {

	defer s.pending.Delete(o.env.ID)
	var reply *link.Envelope
	if reply, err = s.waitReply(c, o.wait, o.env.Expiry()); err != nil {
		return
	}
	switch reply.Type {
	case link.Fulfill:
		if !fulfill.VerifyFulfillment(reply.Fulfillment, o.env.Condition) {
			return nil, fulfill.ErrConditionMismatch
		}
		return response.Parse(reply.Data)
	case link.Reject:
		s.refund(o.channel, o.env.Amount)
		return nil, reply.Rejection()
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpected, reply.Type)
}

// sendAsync queues a packet and logs its outcome when it arrives.
func (s *Session) sendAsync(typ packet.MessageType, body any) (err error) {
	var o *outgoing
	if o, err = s.prepare(typ, body); err != nil {
		log.D.F("%s: not sending %s: %v", short(s.Peer), typ, err)
		return
	}
	go func() {
		resp, e := s.await(s.ctx, o)
		if e != nil {
			log.D.F("%s: %s %s: %v", short(s.Peer), typ, o.env.ID, e)
			return
		}
		log.T.F("%s: %s %s answered %s", short(s.Peer), typ, o.env.ID,
			resp.Label())
	}()
	return
}

// SendPacket sends one packet to a connected peer and waits for the
// response bound into its fulfillment.
func (rl *Relay) SendPacket(c context.Context, pubkey string,
	typ packet.MessageType, body any) (resp response.T, err error) {

	s, ok := rl.Session(pubkey)
	if !ok || !s.live() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, short(pubkey))
	}
	var o *outgoing
	if o, err = s.prepare(typ, body); err != nil {
		return
	}
	return s.await(c, o)
}
