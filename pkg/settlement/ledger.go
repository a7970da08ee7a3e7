package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/google/uuid"
)

type escrow struct {
	sender    string
	recipient string
	capacity  uint64
	paid      uint64
	claimed   uint64
	closed    bool
}

// Ledger settles channels on an in-memory ledger of account balances. It is
// the scheme used between relays that share an operator, and in tests one
// Ledger is shared by several relays to stand in for a common chain.
type Ledger struct {
	policy    channel.Policy
	mx        sync.Mutex
	available bool
	balances  map[string]uint64
	escrows   map[string]*escrow
}

var _ Backend = (*Ledger)(nil)

// NewLedger makes an empty, available ledger.
func NewLedger(p channel.Policy) *Ledger {
	return &Ledger{
		policy:    p,
		available: true,
		balances:  make(map[string]uint64),
		escrows:   make(map[string]*escrow),
	}
}

func (l *Ledger) Scheme() channel.Scheme { return channel.Ledger }
func (l *Ledger) Policy() channel.Policy { return l.policy }

// Fund credits account.
func (l *Ledger) Fund(account string, amount uint64) {
	l.mx.Lock()
	l.balances[account] += amount
	l.mx.Unlock()
}

// Balance returns the spendable balance of account.
func (l *Ledger) Balance(account string) uint64 {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.balances[account]
}

// SetAvailable simulates the ledger going down or recovering.
func (l *Ledger) SetAvailable(up bool) {
	l.mx.Lock()
	l.available = up
	l.mx.Unlock()
}

func (l *Ledger) Open(_ context.Context, req OpenRequest) (ch channel.Channel,
	err error) {

	if err = validate(req); err != nil {
		return
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	if !l.available {
		err = ErrUnavailable
		return
	}
	if l.balances[req.Sender] < req.Capacity {
		err = fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds,
			req.Sender, l.balances[req.Sender], req.Capacity)
		return
	}
	l.balances[req.Sender] -= req.Capacity
	ch = newChannel(uuid.NewString(), channel.Ledger, req, time.Now())
	l.escrows[ch.ID] = &escrow{sender: req.Sender, recipient: req.Recipient,
		capacity: req.Capacity}
	log.D.F("opened ledger channel %s capacity %d", ch.ID, ch.Capacity)
	return
}

func (l *Ledger) lookup(ch channel.Channel) (e *escrow, err error) {
	if !l.available {
		return nil, ErrUnavailable
	}
	var ok bool
	if e, ok = l.escrows[ch.ID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch.ID)
	}
	return
}

func (l *Ledger) Verify(_ context.Context, ch channel.Channel) (err error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	var e *escrow
	if e, err = l.lookup(ch); err != nil {
		return
	}
	if e.sender != ch.Sender || e.recipient != ch.Recipient ||
		e.capacity != ch.Capacity || e.closed {
		err = fmt.Errorf("%w: %s", ErrMismatch, ch.ID)
	}
	return
}

func (l *Ledger) RecordClaim(_ context.Context, ch channel.Channel,
	cl channel.Claim) (err error) {

	l.mx.Lock()
	defer l.mx.Unlock()
	var e *escrow
	if e, err = l.lookup(ch); err != nil {
		return
	}
	if cl.Amount > e.claimed {
		e.claimed = cl.Amount
	}
	return
}

func (l *Ledger) ShouldSettle(ch channel.Channel, now time.Time) bool {
	return channel.ShouldSettle(ch, l.policy, now)
}

// Settle pays the recipient everything claimed beyond what was already paid.
// Replaying a settlement moves nothing twice.
func (l *Ledger) Settle(_ context.Context, ch channel.Channel) (r Receipt,
	err error) {

	l.mx.Lock()
	defer l.mx.Unlock()
	var e *escrow
	if e, err = l.lookup(ch); err != nil {
		return
	}
	target := ch.HighestClaimAmount
	if target > e.capacity {
		target = e.capacity
	}
	var delta uint64
	if target > e.paid {
		delta = target - e.paid
		l.balances[e.recipient] += delta
		e.paid = target
	}
	r = Receipt{
		ID:        uuid.NewString(),
		Scheme:    channel.Ledger,
		ChannelID: ch.ID,
		Amount:    delta,
		Total:     e.paid,
		Claims:    ch.TotalClaims,
		At:        time.Now(),
	}
	return
}

// Close refunds the unpaid remainder to the sender.
func (l *Ledger) Close(_ context.Context, ch channel.Channel) (err error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	var e *escrow
	if e, err = l.lookup(ch); err != nil {
		return
	}
	if e.closed {
		return
	}
	e.closed = true
	l.balances[e.sender] += e.capacity - e.paid
	return
}
