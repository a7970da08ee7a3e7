package peer

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
)

var log, chk = slog.New(os.Stderr, "peer")

// ErrStopped is returned by a Machine that is no longer running.
var ErrStopped = errors.New("peer machine stopped")

// Persister stores peer records.
type Persister interface {
	PutPeer(c context.Context, conn *Connection) (err error)
}

// Change is delivered to observers after every applied transition.
type Change struct {
	From, To Connection
	Event    Event
}

type request struct {
	ev       Event
	attach   func()
	detach   uint64
	snapshot bool
	reply    chan reply
}

type reply struct {
	conn  Connection
	token uint64
	err   error
}

// Machine owns one peer's record. Every change is applied by its own
// goroutine in the order requests arrive; readers get copies through
// Snapshot.
//
// A peer task may attach a teardown function. When the record enters
// Disconnected or Failed the teardown runs on the machine goroutine before
// Send returns, so it must not call back into the machine.
type Machine struct {
	cfg      Config
	persist  Persister
	observe  func(Change)
	now      func() time.Time
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once
}

// NewMachine starts a machine holding conn. persist and observe may be nil.
func NewMachine(conn Connection, cfg Config, persist Persister,
	observe func(Change)) (m *Machine) {

	return newMachine(conn, cfg, persist, observe, false)
}

// newMachine starts a machine, first saving conn from the machine goroutine
// when fresh is set so the write is ordered before any transition's.
func newMachine(conn Connection, cfg Config, persist Persister,
	observe func(Change), fresh bool) (m *Machine) {

	m = &Machine{
		cfg:      cfg,
		persist:  persist,
		observe:  observe,
		now:      time.Now,
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run(conn, fresh)
	return
}

func (m *Machine) run(conn Connection, fresh bool) {
	defer close(m.done)
	if fresh {
		m.save(conn)
	}
	var teardown func()
	var token, issued uint64
	for {
		select {
		case <-m.quit:
			if teardown != nil {
				teardown()
			}
			return
		case r := <-m.requests:
			var rep reply
			switch {
			case r.snapshot:
			case r.attach != nil:
				if teardown == nil && !conn.State.Down() {
					issued++
					teardown, token = r.attach, issued
					rep.token = token
				}
			case r.detach != 0:
				if r.detach == token {
					teardown, token = nil, 0
				}
			default:
				prev := conn
				var next Connection
				if next, rep.err = Transition(conn, r.ev, m.now(),
					m.cfg); rep.err != nil {
					log.D.F("%s: %v", short(conn.Pubkey), rep.err)
					break
				}
				conn = next
				if conn.UpdatedAt.Equal(prev.UpdatedAt) &&
					conn.State == prev.State {
					break
				}
				if prev.State != conn.State {
					log.I.F("%s: %s -> %s (%s)", short(conn.Pubkey),
						prev.State, conn.State, Name(r.ev))
				}
				if conn.State.Down() && teardown != nil {
					teardown()
					teardown, token = nil, 0
				}
				m.save(conn)
				if m.observe != nil {
					m.observe(Change{From: prev, To: conn, Event: r.ev})
				}
			}
			rep.conn = conn
			r.reply <- rep
		}
	}
}

func (m *Machine) save(conn Connection) {
	if m.persist == nil {
		return
	}
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chk.E(m.persist.PutPeer(c, &conn))
}

func (m *Machine) do(c context.Context, r request) (rep reply, err error) {
	r.reply = make(chan reply, 1)
	select {
	case m.requests <- r:
	case <-m.quit:
		err = ErrStopped
		return
	case <-c.Done():
		err = c.Err()
		return
	}
	// once accepted the request is always answered
	rep = <-r.reply
	return
}

// Send applies ev and returns the resulting record. Entering Disconnected or
// Failed has completed the attached teardown by the time Send returns.
func (m *Machine) Send(c context.Context, ev Event) (conn Connection,
	err error) {

	var rep reply
	if rep, err = m.do(c, request{ev: ev}); err != nil {
		return
	}
	return rep.conn, rep.err
}

// Snapshot returns a copy of the current record.
func (m *Machine) Snapshot() (conn Connection) {
	rep, err := m.do(context.Background(), request{snapshot: true})
	if err != nil {
		return
	}
	return rep.conn
}

// Attach registers teardown as the running peer task and returns a token for
// Detach. It fails if another task is attached or the peer is down.
func (m *Machine) Attach(teardown func()) (token uint64, ok bool) {
	rep, err := m.do(context.Background(), request{attach: teardown})
	if err != nil || rep.token == 0 {
		return
	}
	return rep.token, true
}

// Detach forgets the task registered under token without running its
// teardown.
func (m *Machine) Detach(token uint64) {
	if token == 0 {
		return
	}
	_, _ = m.do(context.Background(), request{detach: token})
}

// Stop ends the machine, running any attached teardown.
func (m *Machine) Stop() {
	m.stop.Do(func() { close(m.quit) })
	<-m.done
}

func short(pubkey string) string {
	if len(pubkey) > 12 {
		return pubkey[:12]
	}
	return pubkey
}
