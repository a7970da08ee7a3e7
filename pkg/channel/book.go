package channel

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr, "channel")

// Store persists channels.
type Store interface {
	PutChannel(c context.Context, ch *Channel) (err error)
	ListChannels(c context.Context) (chs []*Channel, err error)
}

type entry struct {
	sync.Mutex
	ch Channel
	// saving orders the writes of this channel to the store; saved is the
	// newest version written.
	saving sync.Mutex
	saved  uint64
}

// Book is the in-memory table of channels known to this relay, writing
// through to a Store. Each channel is locked individually.
type Book struct {
	store    Store
	channels *xsync.MapOf[string, *entry]
}

// NewBook makes an empty Book. store may be nil.
func NewBook(store Store) *Book {
	return &Book{store: store, channels: xsync.NewMapOf[*entry]()}
}

// Load fills the book from its store.
func (b *Book) Load(c context.Context) (err error) {
	if b.store == nil {
		return
	}
	var chs []*Channel
	if chs, err = b.store.ListChannels(c); chk.E(err) {
		return
	}
	for _, ch := range chs {
		b.channels.Store(ch.ID, &entry{ch: *ch, saved: ch.Version})
	}
	log.D.F("loaded %d channels", len(chs))
	return
}

// persist writes ch unless a newer version of it has already been written.
// The entry lock is not held here, so a slow store only delays other writes
// of the same channel.
func (b *Book) persist(c context.Context, e *entry, ch Channel) {
	if b.store == nil {
		return
	}
	e.saving.Lock()
	defer e.saving.Unlock()
	if ch.Version <= e.saved {
		return
	}
	if err := b.store.PutChannel(c, &ch); chk.E(err) {
		log.W.F("channel %s kept in memory only: %v", ch.ID, err)
		return
	}
	e.saved = ch.Version
}

// Put adds a channel, failing if the id is already known.
func (b *Book) Put(c context.Context, ch Channel) (err error) {
	ch.Version++
	e := &entry{ch: ch}
	if _, loaded := b.channels.LoadOrStore(ch.ID, e); loaded {
		return ErrAlreadyExists
	}
	b.persist(c, e, ch)
	return
}

// Get returns a copy of the channel.
func (b *Book) Get(id string) (ch Channel, ok bool) {
	var e *entry
	if e, ok = b.channels.Load(id); !ok {
		return
	}
	e.Lock()
	ch = e.ch
	e.Unlock()
	return
}

// update runs fn on the channel under its lock and persists the result if fn
// succeeds.
func (b *Book) update(c context.Context, id string,
	fn func(ch *Channel) error) (ch Channel, err error) {

	e, ok := b.channels.Load(id)
	if !ok {
		err = ErrNotFound
		return
	}
	e.Lock()
	next := e.ch
	if err = fn(&next); err == nil {
		next.Version = e.ch.Version + 1
		e.ch = next
	}
	ch = e.ch
	e.Unlock()
	if err == nil {
		b.persist(c, e, ch)
	}
	return
}

// ApplyClaim applies a received claim to its channel.
func (b *Book) ApplyClaim(c context.Context, cl Claim,
	now time.Time) (ch Channel, err error) {

	return b.update(c, cl.ChannelID, func(ch *Channel) error {
		return ch.ApplyClaim(cl, now)
	})
}

// Redeem applies a received claim paying price for one packet.
func (b *Book) Redeem(c context.Context, cl Claim, price uint64,
	now time.Time) (ch Channel, err error) {

	return b.update(c, cl.ChannelID, func(ch *Channel) error {
		return ch.Redeem(cl, price, now)
	})
}

// Refund gives back amount paid for a packet that was rejected.
func (b *Book) Refund(c context.Context, id string,
	amount uint64) (ch Channel, err error) {

	return b.update(c, id, func(ch *Channel) error {
		ch.Refund(amount)
		return nil
	})
}

// NextClaim builds the sender's next claim on channel id paying amount for
// one packet, and records it locally. Amounts refunded by rejected packets
// are spent again before the claim rises above the highest one made.
func (b *Book) NextClaim(c context.Context, id string, amount uint64,
	now time.Time) (cl Claim, err error) {

	_, err = b.update(c, id, func(ch *Channel) error {
		total := ch.Spent + amount
		if total < ch.HighestClaimAmount {
			total = ch.HighestClaimAmount
		}
		cl = Claim{
			ChannelID: ch.ID,
			Nonce:     ch.HighestNonce + 1,
			Amount:    total,
			Sender:    ch.Sender,
			Recipient: ch.Recipient,
		}
		return ch.Redeem(cl, amount, now)
	})
	return
}

// MarkSettled records a completed settlement covering everything up to the
// state in settled.
func (b *Book) MarkSettled(c context.Context, settled Channel,
	at time.Time) (ch Channel, err error) {

	return b.update(c, settled.ID, func(ch *Channel) error {
		if settled.HighestClaimAmount > ch.SettledAmount {
			ch.SettledAmount = settled.HighestClaimAmount
		}
		if settled.TotalClaims > ch.SettledClaims {
			ch.SettledClaims = settled.TotalClaims
		}
		ch.LastSettledAt = at
		return nil
	})
}

// Close marks channel id closed.
func (b *Book) Close(c context.Context, id string) (ch Channel, err error) {
	return b.update(c, id, func(ch *Channel) error {
		ch.Close()
		return nil
	})
}

// FindOpen returns an open, unexpired channel from sender to recipient.
func (b *Book) FindOpen(sender, recipient string,
	now time.Time) (ch Channel, ok bool) {

	b.channels.Range(func(_ string, e *entry) bool {
		e.Lock()
		cur := e.ch
		e.Unlock()
		if cur.Sender == sender && cur.Recipient == recipient &&
			!cur.IsClosed &&
			(cur.Expiration.IsZero() || now.Before(cur.Expiration)) {
			ch, ok = cur, true
			return false
		}
		return true
	})
	return
}

// List returns copies of every channel ordered by id.
func (b *Book) List() (chs []Channel) {
	chs = make([]Channel, 0, b.channels.Size())
	b.channels.Range(func(_ string, e *entry) bool {
		e.Lock()
		chs = append(chs, e.ch)
		e.Unlock()
		return true
	})
	sort.Slice(chs, func(i, j int) bool { return chs[i].ID < chs[j].ID })
	return
}
