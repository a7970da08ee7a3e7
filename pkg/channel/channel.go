// Package channel models bilateral payment channels, the claims made against
// them and the policy deciding when accumulated claims must be settled.
package channel

import (
	"errors"
	"fmt"
	"time"
)

// Scheme names the settlement system backing a channel.
type Scheme string

const (
	Lightning Scheme = "lightning"
	EVM       Scheme = "evm"
	Cosmos    Scheme = "cosmos"
	Ledger    Scheme = "ledger"
)

// Schemes lists every known scheme.
var Schemes = []Scheme{Lightning, EVM, Cosmos, Ledger}

// Valid reports whether s is one of Schemes.
func (s Scheme) Valid() bool {
	for _, k := range Schemes {
		if s == k {
			return true
		}
	}
	return false
}

// Channel is the state of one payment channel. HighestNonce and
// HighestClaimAmount never decrease and IsClosed never reverts.
type Channel struct {
	ID                 string    `json:"channelId"`
	Sender             string    `json:"senderPubkey"`
	Recipient          string    `json:"recipientPubkey"`
	Currency           string    `json:"currency"`
	Scheme             Scheme    `json:"scheme"`
	Capacity           uint64    `json:"capacity"`
	HighestNonce       uint64    `json:"highestNonce"`
	HighestClaimAmount uint64    `json:"highestClaimAmount"`
	Expiration         time.Time `json:"expiration"`
	IsClosed           bool      `json:"isClosed"`
	LastClaimTime      time.Time `json:"lastClaimTime"`
	TotalClaims        uint64    `json:"totalClaims"`
	CreatedAt          time.Time `json:"createdAt"`
	// SettledAmount and SettledClaims are HighestClaimAmount and TotalClaims
	// as of the last settlement.
	SettledAmount uint64    `json:"settledAmount"`
	SettledClaims uint64    `json:"settledClaims"`
	LastSettledAt time.Time `json:"lastSettledAt"`
	// Spent is the part of HighestClaimAmount backing packets that were
	// delivered, or on the sending side are still in flight. It falls back
	// when a paid packet is rejected, and the next claim reuses the amount.
	Spent uint64 `json:"spent"`
	// Version counts the changes made to this record. Stores keep the
	// highest version they have been given.
	Version uint64 `json:"version"`
}

// Claim is a signed promise from the sender that the recipient may collect
// Amount, the cumulative total, from the channel.
type Claim struct {
	ChannelID string
	Nonce     uint64
	Amount    uint64
	Sender    string
	Recipient string
}

var (
	ErrClosed        = errors.New("channel is closed")
	ErrExpired       = errors.New("channel has expired")
	ErrWrongChannel  = errors.New("claim is for a different channel")
	ErrWrongParty    = errors.New("claim parties do not match channel")
	ErrStaleNonce    = errors.New("claim nonce is not above the highest nonce")
	ErrOverCapacity  = errors.New("claim amount exceeds channel capacity")
	ErrNotFound      = errors.New("channel not found")
	ErrAlreadyExists = errors.New("channel already exists")
	ErrUnderpaid     = errors.New("claim does not cover the packet")
)

// Unsettled is the claimed amount not yet covered by a settlement.
func (ch *Channel) Unsettled() uint64 {
	if ch.HighestClaimAmount < ch.SettledAmount {
		return 0
	}
	return ch.HighestClaimAmount - ch.SettledAmount
}

// UnsettledClaims is the number of claims since the last settlement.
func (ch *Channel) UnsettledClaims() uint64 {
	if ch.TotalClaims < ch.SettledClaims {
		return 0
	}
	return ch.TotalClaims - ch.SettledClaims
}

// ApplyClaim checks c against the channel and records it. A claim must carry
// a nonce above every previous one; its amount raises HighestClaimAmount only
// when larger.
func (ch *Channel) ApplyClaim(c Claim, now time.Time) (err error) {
	switch {
	case ch.IsClosed:
		return ErrClosed
	case !ch.Expiration.IsZero() && !now.Before(ch.Expiration):
		return ErrExpired
	case c.ChannelID != ch.ID:
		return ErrWrongChannel
	case (c.Sender != "" && c.Sender != ch.Sender) ||
		(c.Recipient != "" && c.Recipient != ch.Recipient):
		return ErrWrongParty
	case c.Nonce <= ch.HighestNonce:
		return fmt.Errorf("%w: %d <= %d", ErrStaleNonce, c.Nonce,
			ch.HighestNonce)
	case c.Amount > ch.Capacity:
		return fmt.Errorf("%w: %d > %d", ErrOverCapacity, c.Amount,
			ch.Capacity)
	}
	ch.HighestNonce = c.Nonce
	if c.Amount > ch.HighestClaimAmount {
		ch.HighestClaimAmount = c.Amount
	}
	ch.TotalClaims++
	ch.LastClaimTime = now
	return
}

// Redeem applies c as payment for a packet costing price. The claim must
// cover everything spent so far plus price.
func (ch *Channel) Redeem(c Claim, price uint64, now time.Time) (err error) {
	if c.Amount < ch.Spent+price {
		return fmt.Errorf("%w: claim %d, spent %d, packet costs %d",
			ErrUnderpaid, c.Amount, ch.Spent, price)
	}
	if err = ch.ApplyClaim(c, now); err != nil {
		return
	}
	ch.Spent += price
	return
}

// Refund returns amount of a rejected packet to the unspent part of the
// highest claim.
func (ch *Channel) Refund(amount uint64) {
	if amount > ch.Spent {
		amount = ch.Spent
	}
	ch.Spent -= amount
}

// Close marks the channel closed. Closing is one way.
func (ch *Channel) Close() { ch.IsClosed = true }

// MarkSettled records that everything claimed so far has been settled.
func (ch *Channel) MarkSettled(at time.Time) {
	ch.SettledAmount = ch.HighestClaimAmount
	ch.SettledClaims = ch.TotalClaims
	ch.LastSettledAt = at
}
