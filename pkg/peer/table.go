package peer

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/exp/slices"
)

// Table holds the machine of every known peer.
type Table struct {
	cfg      Config
	persist  Persister
	machines *xsync.MapOf[string, *Machine]
	// OnChange hooks are called from machine goroutines after each applied
	// transition.
	OnChange []func(Change)
}

// NewTable makes an empty table. persist may be nil.
func NewTable(cfg Config, persist Persister) *Table {
	return &Table{cfg: cfg, persist: persist,
		machines: xsync.NewMapOf[*Machine]()}
}

// Config returns the limits the table's machines run with.
func (t *Table) Config() Config { return t.cfg }

func (t *Table) observe(ch Change) {
	for _, fn := range t.OnChange {
		fn(ch)
	}
}

// Load starts machines for previously persisted records. Records that were
// mid-connection when the relay stopped are restored as Disconnected so they
// are retried.
func (t *Table) Load(conns []*Connection) {
	for _, c := range conns {
		conn := *c
		switch conn.State {
		case Connecting, ChannelNeeded, ChannelOpening, Connected:
			conn.State = Disconnected
		}
		m := NewMachine(conn, t.cfg, t.persist, t.observe)
		if _, loaded := t.machines.LoadOrStore(conn.Pubkey, m); loaded {
			m.Stop()
		}
	}
}

// Ensure returns the machine for pubkey, creating a Discovering record if the
// peer is new. The new record is saved by the machine itself, outside the
// table's locks.
func (t *Table) Ensure(pubkey string, priority int) (m *Machine,
	created bool) {

	m, loaded := t.machines.LoadOrCompute(pubkey, func() *Machine {
		return newMachine(New(pubkey, priority, time.Now()), t.cfg,
			t.persist, t.observe, true)
	})
	return m, !loaded
}

// Get returns the machine for pubkey.
func (t *Table) Get(pubkey string) (m *Machine, ok bool) {
	return t.machines.Load(pubkey)
}

// Snapshots returns a copy of every record, ordered by pubkey.
func (t *Table) Snapshots() (conns []Connection) {
	conns = make([]Connection, 0, t.machines.Size())
	t.machines.Range(func(_ string, m *Machine) bool {
		conns = append(conns, m.Snapshot())
		return true
	})
	slices.SortFunc(conns, func(a, b Connection) int {
		return strings.Compare(a.Pubkey, b.Pubkey)
	})
	return
}

func (t *Table) filter(keep func(c Connection) bool) (conns []Connection) {
	for _, c := range t.Snapshots() {
		if keep(c) {
			conns = append(conns, c)
		}
	}
	return
}

// InState returns the records currently in state s.
func (t *Table) InState(s State) []Connection {
	return t.filter(func(c Connection) bool { return c.State == s })
}

// Disconnected returns the disconnected peers in retry order: priority first
// (lower is sooner), then fewest reconnect attempts.
func (t *Table) Disconnected() (conns []Connection) {
	conns = t.InState(Disconnected)
	SortForRetry(conns)
	return
}

// SortForRetry orders records by priority then reconnect attempts.
func SortForRetry(conns []Connection) {
	slices.SortStableFunc(conns, func(a, b Connection) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.ReconnectAttempts - b.ReconnectAttempts
	})
}

// Active returns the connected peers heard from within the active window.
func (t *Table) Active(now time.Time) []Connection {
	return t.filter(func(c Connection) bool { return c.Active(now, t.cfg) })
}

// Pubkeys lists every known peer.
func (t *Table) Pubkeys() (keys []string) {
	t.machines.Range(func(k string, _ *Machine) bool {
		keys = append(keys, k)
		return true
	})
	return
}

// Tick sends a liveness check to every machine.
func (t *Table) Tick(c context.Context) {
	t.machines.Range(func(_ string, m *Machine) bool {
		_, _ = m.Send(c, Tick{})
		return c.Err() == nil
	})
}

// Close stops every machine.
func (t *Table) Close() {
	t.machines.Range(func(_ string, m *Machine) bool {
		m.Stop()
		return true
	})
}
