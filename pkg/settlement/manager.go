package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/errgroup"
)

// ManagerConfig tunes the settlement manager.
type ManagerConfig struct {
	// Workers is the number of settlements run concurrently.
	Workers int
	// SweepInterval is how often every channel is re-evaluated so time based
	// triggers fire without new claims.
	SweepInterval time.Duration
	// RetryInterval is how often failed settlements are replayed.
	RetryInterval time.Duration
}

// DefaultManagerConfig returns the standard tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:       4,
		SweepInterval: time.Minute,
		RetryInterval: 10 * time.Second,
	}
}

// Manager applies incoming claims, asks each channel's backend whether to
// settle, and settles off the caller's goroutine. Settlements that fail are
// kept and replayed until they succeed.
type Manager struct {
	cfg      ManagerConfig
	registry Registry
	book     *channel.Book
	queue    chan string
	// pending holds channel ids queued or in flight.
	pending *xsync.MapOf[string, struct{}]
	mx      sync.Mutex
	retry   []string
	// OnSettled hooks run after each successful settlement.
	OnSettled []func(r Receipt, trig channel.Trigger)
	// OnFailed hooks run after each failed attempt.
	OnFailed []func(ch channel.Channel, err error)
}

// NewManager makes a manager over the book's channels.
func NewManager(cfg ManagerConfig, r Registry, book *channel.Book) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Manager{
		cfg:      cfg,
		registry: r,
		book:     book,
		queue:    make(chan string, 256),
		pending:  xsync.NewMapOf[struct{}](),
	}
}

// Registry returns the backends the manager settles through.
func (m *Manager) Registry() Registry { return m.registry }

// OnClaim redeems a received claim paying price for one packet through the
// book, lets the backend record it and schedules settlement if the backend's
// policy asks for it. It returns the claim rule error, if any; backend
// trouble only delays settlement.
func (m *Manager) OnClaim(c context.Context, cl channel.Claim,
	price uint64) (ch channel.Channel, err error) {

	now := time.Now()
	if ch, err = m.book.Redeem(c, cl, price, now); err != nil {
		return
	}
	var b Backend
	if b, err = m.registry.Get(ch.Scheme); chk.E(err) {
		return
	}
	chk.E(b.RecordClaim(c, ch, cl))
	if b.ShouldSettle(ch, now) {
		m.Schedule(ch.ID)
	}
	return
}

// Schedule queues channel id for settlement unless it is already pending.
func (m *Manager) Schedule(id string) {
	if _, loaded := m.pending.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	select {
	case m.queue <- id:
	default:
		m.deferRetry(id)
	}
}

func (m *Manager) deferRetry(id string) {
	m.mx.Lock()
	m.retry = append(m.retry, id)
	m.mx.Unlock()
}

// Pending is the number of channels queued, in flight or awaiting retry.
func (m *Manager) Pending() int { return m.pending.Size() }

// Run processes settlements until c is cancelled.
func (m *Manager) Run(c context.Context) (err error) {
	g, gc := errgroup.WithContext(c)
	for i := 0; i < m.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gc.Done():
					return nil
				case id := <-m.queue:
					m.settle(gc, id)
				}
			}
		})
	}
	g.Go(func() error { return m.every(gc, m.cfg.SweepInterval, m.Sweep) })
	g.Go(func() error { return m.every(gc, m.cfg.RetryInterval, m.replay) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return
}

func (m *Manager) every(c context.Context, d time.Duration,
	fn func(context.Context)) error {

	if d <= 0 {
		return nil
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return nil
		case <-t.C:
			fn(c)
		}
	}
}

// Sweep evaluates every open channel and schedules those that should settle.
func (m *Manager) Sweep(context.Context) {
	now := time.Now()
	for _, ch := range m.book.List() {
		if ch.IsClosed {
			continue
		}
		b, err := m.registry.Get(ch.Scheme)
		if err != nil {
			continue
		}
		if b.ShouldSettle(ch, now) {
			m.Schedule(ch.ID)
		}
	}
}

func (m *Manager) replay(c context.Context) {
	m.mx.Lock()
	ids := m.retry
	m.retry = nil
	m.mx.Unlock()
	if len(ids) > 0 {
		log.D.F("replaying %d settlements", len(ids))
	}
	for i, id := range ids {
		select {
		case m.queue <- id:
		case <-c.Done():
			m.mx.Lock()
			m.retry = append(m.retry, ids[i:]...)
			m.mx.Unlock()
			return
		}
	}
}

// SettleNow settles channel id on the calling goroutine, returning the
// receipt. It is used by operators and tests; normal settlement goes through
// Schedule.
func (m *Manager) SettleNow(c context.Context, id string) (r Receipt,
	err error) {

	ch, ok := m.book.Get(id)
	if !ok {
		err = channel.ErrNotFound
		return
	}
	var b Backend
	if b, err = m.registry.Get(ch.Scheme); err != nil {
		return
	}
	return m.complete(c, b, ch, reason(b, ch, time.Now()))
}

func (m *Manager) settle(c context.Context, id string) {
	ch, ok := m.book.Get(id)
	if !ok || ch.IsClosed {
		m.pending.Delete(id)
		return
	}
	b, err := m.registry.Get(ch.Scheme)
	if chk.E(err) {
		m.pending.Delete(id)
		return
	}
	now := time.Now()
	if !b.ShouldSettle(ch, now) {
		m.pending.Delete(id)
		return
	}
	if _, err = m.complete(c, b, ch, reason(b, ch, now)); err != nil {
		m.deferRetry(id)
		return
	}
	m.pending.Delete(id)
}

// reason reports which trigger of the backend's policy fired.
func reason(b Backend, ch channel.Channel, now time.Time) channel.Trigger {
	var p channel.Policy
	if pb, ok := b.(interface{ Policy() channel.Policy }); ok {
		p = pb.Policy()
	}
	return channel.Evaluate(ch, p, now)
}

func (m *Manager) complete(c context.Context, b Backend, ch channel.Channel,
	trig channel.Trigger) (r Receipt, err error) {

	if r, err = b.Settle(c, ch); err != nil {
		log.W.F("settlement of %s on %s failed, will retry: %v", ch.ID,
			ch.Scheme, err)
		for _, fn := range m.OnFailed {
			fn(ch, err)
		}
		return
	}
	now := time.Now()
	if _, err = m.book.MarkSettled(c, ch, now); chk.E(err) {
		return
	}
	log.I.F("settled %d on %s channel %s (%s)", r.Amount, ch.Scheme, ch.ID,
		trig)
	if trig == channel.Expiry {
		if err = b.Close(c, ch); chk.E(err) {
			return
		}
		_, err = m.book.Close(c, ch.ID)
	}
	for _, fn := range m.OnSettled {
		fn(r, trig)
	}
	return
}
