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
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrExpired        = errors.New("prepare expired")
	ErrRateLimited    = errors.New("rate limited")
	ErrPeerDown       = errors.New("peer is not connected")
	ErrWrongSender    = errors.New("payload sender does not match session peer")
	ErrAmount         = errors.New("payload amount does not match prepare")
	ErrCondition      = errors.New("condition does not match packet")
	ErrNoClaim        = errors.New("payment claim required")
	ErrClaimParties   = errors.New("claim is not from this peer to this relay")
	ErrClaimBackwards = errors.New("claim amount below previous claim")
)

// process runs an inbound prepare through the packet pipeline and returns
// the fulfill or reject to send back. Each step either passes the packet on
// or ends with the rejection category for its failure.
func (s *Session) process(env *link.Envelope) *link.Envelope {
	reject := func(cat fulfill.Category, err error) *link.Envelope {
		return link.NewReject(env.ID, fulfill.CreateRejection(err, cat))
	}
	now := time.Now()
	if !s.live() {
		return reject(fulfill.TemporaryFailure, ErrSessionClosed)
	}
	if s.machine.Snapshot().State.Down() {
		return reject(fulfill.TemporaryFailure, ErrPeerDown)
	}
	if env.Expired(now) {
		return reject(fulfill.TemporaryFailure, ErrExpired)
	}
	if !s.limiter.AllowN(now, 1) {
		return reject(fulfill.TemporaryFailure, ErrRateLimited)
	}
	var err error
	var pkt *packet.T
	if pkt, err = packet.Decode(env.Data); err != nil {
		kind := "Unknown"
		var de *packet.DecodeError
		if errors.As(err, &de) {
			kind = de.Kind.String()
		}
		s.rl.Metrics.FramingErrors.WithLabelValues(kind).Inc()
		return reject(fulfill.InvalidPacket, err)
	}
	s.rl.Metrics.Packets.WithLabelValues(pkt.Type.String()).Inc()
	var p *payload.T
	if p, err = payload.Parse(pkt.Payload); err != nil {
		return reject(fulfill.InvalidPacket, err)
	}
	if p.Metadata.Sender != s.Peer {
		return reject(fulfill.InvalidPacket, ErrWrongSender)
	}
	var amount uint64
	if amount, err = p.Amount(); err != nil {
		return reject(fulfill.InvalidPacket, err)
	}
	if amount != env.Amount {
		return reject(fulfill.InvalidPacket, fmt.Errorf("%w: %d != %d",
			ErrAmount, amount, env.Amount))
	}
	if price := s.rl.Prices.For(pkt.Type); amount < price {
		return reject(fulfill.InsufficientDestinationAmount,
			fmt.Errorf("%s costs %d, paid %d", pkt.Type, price, amount))
	}
	ff := fulfill.Derive(s.secret, env.Data)
	if !fulfill.VerifyFulfillment(ff, env.Condition) {
		return reject(fulfill.InvalidPacket, ErrCondition)
	}
	var paid string
	if amount > 0 {
		cl, cat, e := s.redeemClaim(s.ctx, env.Claim, amount)
		if e != nil {
			return reject(cat, e)
		}
		paid = cl.ChannelID
	}
	// a packet that fails from here on is not paid for
	refund := func(cat fulfill.Category, err error) *link.Envelope {
		if paid != "" {
			_, e := s.rl.Book.Refund(s.ctx, paid, amount)
			chk.E(e)
		}
		return reject(cat, err)
	}
	var resp response.T
	if resp, err = s.handle(s.ctx, pkt.Type, p); err != nil {
		return refund(fulfill.ApplicationError, err)
	}
	var f *fulfill.Fulfillment
	if f, err = fulfill.CreateFulfillment(resp, env.Condition,
		ff); chk.E(err) {
		return refund(fulfill.TemporaryFailure, err)
	}
	return link.NewFulfill(env.ID, f)
}

// redeemClaim accepts the claim paying for a prepare of amount. The claim
// must cover everything already spent on the channel plus amount.
func (s *Session) redeemClaim(c context.Context, ev *nostr.Event,
	amount uint64) (cl channel.Claim, cat fulfill.Category, err error) {

	cat = fulfill.ApplicationError
	if ev == nil {
		err = ErrNoClaim
		return
	}
	if cl, err = channel.ParseClaim(ev); err != nil {
		return
	}
	if cl.Sender != s.Peer || cl.Recipient != s.rl.Pubkey {
		err = ErrClaimParties
		return
	}
	ch, ok := s.rl.Book.Get(cl.ChannelID)
	if !ok {
		err = fmt.Errorf("%w: %s", channel.ErrNotFound, cl.ChannelID)
		return
	}
	if cl.Amount < ch.HighestClaimAmount {
		err = fmt.Errorf("%w: %d < %d", ErrClaimBackwards, cl.Amount,
			ch.HighestClaimAmount)
		return
	}
	if _, err = s.rl.Settlement.OnClaim(c, cl, amount); err != nil {
		if errors.Is(err, channel.ErrUnderpaid) {
			cat = fulfill.InsufficientDestinationAmount
		}
		return
	}
	return
}
