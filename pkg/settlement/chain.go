package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/google/uuid"
	"lukechampine.com/frand"
)

// Executor performs the chain specific steps of a settlement scheme. Amounts
// passed to Submit are cumulative, so resubmitting is safe.
type Executor interface {
	Open(c context.Context, ch channel.Channel) (ref string, err error)
	Verify(c context.Context, ch channel.Channel) (err error)
	Submit(c context.Context, ch channel.Channel, amount uint64) (ref string,
		err error)
	Close(c context.Context, ch channel.Channel) (err error)
}

// chain is the part shared by the executor backed variants.
type chain struct {
	scheme   channel.Scheme
	policy   channel.Policy
	exec     Executor
	newID    func() string
	validate func(req OpenRequest) error
}

func (b *chain) Scheme() channel.Scheme { return b.scheme }
func (b *chain) Policy() channel.Policy { return b.policy }

func (b *chain) Open(c context.Context, req OpenRequest) (ch channel.Channel,
	err error) {

	if err = validate(req); err != nil {
		return
	}
	if b.validate != nil {
		if err = b.validate(req); err != nil {
			return
		}
	}
	ch = newChannel(b.newID(), b.scheme, req, time.Now())
	var ref string
	if ref, err = b.exec.Open(c, ch); err != nil {
		err = fmt.Errorf("%s open: %w", b.scheme, err)
		return
	}
	log.D.F("opened %s channel %s (%s)", b.scheme, ch.ID, ref)
	return
}

func (b *chain) Verify(c context.Context, ch channel.Channel) (err error) {
	if ch.Scheme != b.scheme {
		return fmt.Errorf("%w: scheme %s", ErrMismatch, ch.Scheme)
	}
	return b.exec.Verify(c, ch)
}

func (b *chain) Close(c context.Context, ch channel.Channel) (err error) {
	return b.exec.Close(c, ch)
}

// RecordClaim is bookkeeping only; chain schemes act on claims at
// settlement time.
func (b *chain) RecordClaim(context.Context, channel.Channel,
	channel.Claim) (err error) {
	return
}

func (b *chain) ShouldSettle(ch channel.Channel, now time.Time) bool {
	return channel.ShouldSettle(ch, b.policy, now)
}

func (b *chain) Settle(c context.Context, ch channel.Channel) (r Receipt,
	err error) {

	var ref string
	if ref, err = b.exec.Submit(c, ch, ch.HighestClaimAmount); err != nil {
		err = fmt.Errorf("%s settle: %w", b.scheme, err)
		return
	}
	r = Receipt{
		ID:        uuid.NewString(),
		Scheme:    b.scheme,
		ChannelID: ch.ID,
		Amount:    ch.Unsettled(),
		Total:     ch.HighestClaimAmount,
		Claims:    ch.TotalClaims,
		Reference: ref,
		At:        time.Now(),
	}
	return
}

// Lightning settles by paying out over a lightning channel. Amounts are in
// millisatoshi or satoshi.
type Lightning struct{ chain }

// NewLightning makes a lightning backend driven by exec.
func NewLightning(exec Executor, p channel.Policy) *Lightning {
	return &Lightning{chain{
		scheme: channel.Lightning,
		policy: p,
		exec:   exec,
		newID:  func() string { return "ln" + hex.EncodeToString(frand.Bytes(16)) },
		validate: func(req OpenRequest) error {
			switch strings.ToLower(req.Currency) {
			case "msat", "sat", "btc":
				return nil
			}
			return fmt.Errorf("%w: lightning cannot carry %q",
				ErrInvalidRequest, req.Currency)
		},
	}}
}

// EVM settles through a payment channel contract. Channels must carry an
// expiry, which becomes the contract's timeout.
type EVM struct{ chain }

// NewEVM makes an EVM backend driven by exec.
func NewEVM(exec Executor, p channel.Policy) *EVM {
	return &EVM{chain{
		scheme: channel.EVM,
		policy: p,
		exec:   exec,
		newID:  func() string { return "0x" + hex.EncodeToString(frand.Bytes(32)) },
		validate: func(req OpenRequest) error {
			if req.Duration <= 0 {
				return fmt.Errorf("%w: evm channels need a timeout",
					ErrInvalidRequest)
			}
			return nil
		},
	}}
}

// Cosmos settles through a cosmos chain payment module.
type Cosmos struct{ chain }

// NewCosmos makes a cosmos backend driven by exec.
func NewCosmos(exec Executor, p channel.Policy) *Cosmos {
	return &Cosmos{chain{
		scheme: channel.Cosmos,
		policy: p,
		exec:   exec,
		newID:  func() string { return "cosmos-" + uuid.NewString() },
		validate: func(req OpenRequest) error {
			if req.Currency == "" {
				return fmt.Errorf("%w: cosmos channels need a denom",
					ErrInvalidRequest)
			}
			return nil
		},
	}}
}

var (
	_ Backend = (*Lightning)(nil)
	_ Backend = (*EVM)(nil)
	_ Backend = (*Cosmos)(nil)
)
