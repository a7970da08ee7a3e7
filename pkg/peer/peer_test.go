package peer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func cfg() peer.Config {
	c := peer.DefaultConfig()
	c.Jitter = nil
	return c
}

func apply(t *testing.T, c peer.Connection, now time.Time,
	evs ...peer.Event) peer.Connection {

	t.Helper()
	for _, ev := range evs {
		var err error
		c, err = peer.Transition(c, ev, now, cfg())
		require.NoError(t, err, peer.Name(ev))
	}
	return c
}

func TestHappyPath(t *testing.T) {
	c := peer.New("pk", 0, t0)
	assert.Equal(t, peer.DefaultPriority, c.Priority)
	var states []peer.State
	for _, ev := range []peer.Event{
		peer.Resolved{ILPAddress: "g.b", Endpoint: "ws://b", Priority: 2},
		peer.HandshakeSucceeded{},
		peer.ChannelOpenRequested{},
		peer.ChannelOpened{ChannelID: "ch"},
	} {
		c = apply(t, c, t0, ev)
		states = append(states, c.State)
	}
	assert.Equal(t, []peer.State{peer.Connecting, peer.ChannelNeeded,
		peer.ChannelOpening, peer.Connected}, states)
	assert.Equal(t, "ch", c.ChannelID)
	assert.Equal(t, 2, c.Priority)
	assert.Equal(t, "ws://b", c.Endpoint)
}

func TestKnownChannelSkipsNegotiation(t *testing.T) {
	c := apply(t, peer.New("pk", 1, t0), t0,
		peer.Resolved{Endpoint: "ws://b"},
		peer.HandshakeSucceeded{ChannelID: "existing"})
	assert.Equal(t, peer.Connected, c.State)
}

func TestIllegalLeavesRecord(t *testing.T) {
	c := peer.New("pk", 1, t0)
	for _, ev := range []peer.Event{
		peer.HandshakeSucceeded{}, peer.ChannelOpened{}, peer.Reconnect{},
		peer.Heartbeat{}, peer.Reset{}, peer.ChannelOpenRequested{},
	} {
		next, err := peer.Transition(c, ev, t0.Add(time.Hour), cfg())
		assert.ErrorIs(t, err, peer.ErrIllegalTransition, peer.Name(ev))
		assert.Equal(t, c, next)
	}
}

func TestHardTimeout(t *testing.T) {
	c := apply(t, peer.New("pk", 1, t0), t0,
		peer.Resolved{}, peer.HandshakeSucceeded{ChannelID: "ch"})
	// stale for the active window but not yet past the hard timeout
	later := t0.Add(peer.DefaultActiveWindow + time.Second)
	assert.False(t, c.Active(later, cfg()))
	c = apply(t, c, later, peer.Tick{})
	assert.Equal(t, peer.Connected, c.State)
	c = apply(t, c, t0.Add(peer.DefaultHardTimeout), peer.Tick{})
	assert.Equal(t, peer.Disconnected, c.State)
	assert.Equal(t, "heartbeat timeout", c.LastError)
	assert.Equal(t, t0.Add(peer.DefaultHardTimeout+peer.Backoff(0)),
		c.NextAttemptAt)
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	c := apply(t, peer.New("pk", 1, t0), t0,
		peer.Resolved{}, peer.HandshakeSucceeded{ChannelID: "ch"})
	now := t0.Add(80 * time.Second)
	c = apply(t, c, now, peer.Heartbeat{})
	assert.True(t, c.Active(now, cfg()))
	c = apply(t, c, now.Add(80*time.Second), peer.Tick{})
	assert.Equal(t, peer.Connected, c.State)
}

func TestReconnectBudget(t *testing.T) {
	c := apply(t, peer.New("pk", 1, t0), t0, peer.Resolved{})
	for i := 0; i < peer.DefaultMaxReconnectAttempts; i++ {
		c = apply(t, c, t0, peer.HandshakeFailed{Err: errors.New("refused")})
		require.Equal(t, peer.Disconnected, c.State)
		c = apply(t, c, t0, peer.Reconnect{})
		assert.Equal(t, i+1, c.ReconnectAttempts)
	}
	c = apply(t, c, t0, peer.HandshakeFailed{Err: errors.New("refused")})
	assert.Equal(t, peer.Failed, c.State)
	assert.Contains(t, c.LastError, "refused")
	// failed is durable until an operator reset
	_, err := peer.Transition(c, peer.Reconnect{}, t0, cfg())
	assert.ErrorIs(t, err, peer.ErrIllegalTransition)
	c = apply(t, c, t0, peer.Reset{})
	assert.Equal(t, peer.Discovering, c.State)
	assert.Zero(t, c.ReconnectAttempts)
}

func TestChannelOpenBudget(t *testing.T) {
	c := apply(t, peer.New("pk", 1, t0), t0, peer.Resolved{},
		peer.HandshakeSucceeded{})
	for i := 0; i < peer.DefaultMaxChannelOpenAttempts-1; i++ {
		c = apply(t, c, t0, peer.ChannelOpenRequested{},
			peer.ChannelOpenFailed{})
		require.Equal(t, peer.ChannelNeeded, c.State)
	}
	c = apply(t, c, t0, peer.ChannelOpenRequested{}, peer.ChannelOpenFailed{})
	assert.Equal(t, peer.Failed, c.State)
}

func TestSubscriptions(t *testing.T) {
	c := peer.New("pk", 1, t0)
	c = apply(t, c, t0, peer.Subscribe{SubID: "b"}, peer.Subscribe{SubID: "a"},
		peer.Subscribe{SubID: "b"})
	assert.Equal(t, []string{"a", "b"}, c.Subscriptions)
	d := apply(t, c, t0, peer.Unsubscribe{SubID: "a"})
	assert.Equal(t, []string{"b"}, d.Subscriptions)
	assert.Equal(t, []string{"a", "b"}, c.Subscriptions)
	e := apply(t, c, t0, peer.Resolved{Endpoint: "ws://x"},
		peer.HandshakeSucceeded{ChannelID: "ch"}, peer.ConnectionLost{})
	assert.Equal(t, peer.Disconnected, e.State)
	assert.Empty(t, e.Subscriptions)
	// a peer without a session cannot subscribe
	f, err := peer.Transition(e, peer.Subscribe{SubID: "c"}, t0, cfg())
	assert.ErrorIs(t, err, peer.ErrIllegalTransition)
	assert.Equal(t, e, f)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, peer.Backoff(0))
	assert.Equal(t, 8*time.Second, peer.Backoff(3))
	assert.Equal(t, 5*time.Minute, peer.Backoff(9))
	assert.Equal(t, 5*time.Minute, peer.Backoff(100))
	for i := 0; i < 100; i++ {
		j := peer.Jitter(10 * time.Second)
		assert.True(t, j >= 0 && j <= 2*time.Second)
	}
}

type memPersist struct {
	sync.Mutex
	conns map[string]peer.Connection
}

func (m *memPersist) PutPeer(_ context.Context, c *peer.Connection) error {
	m.Lock()
	defer m.Unlock()
	m.conns[c.Pubkey] = *c
	return nil
}

func TestMachineTeardownBeforeReturn(t *testing.T) {
	st := &memPersist{conns: map[string]peer.Connection{}}
	m := peer.NewMachine(peer.New("pk", 1, time.Now()), cfg(), st, nil)
	defer m.Stop()
	c := context.Background()
	_, err := m.Send(c, peer.Resolved{Endpoint: "ws://x"})
	require.NoError(t, err)
	_, err = m.Send(c, peer.HandshakeSucceeded{ChannelID: "ch"})
	require.NoError(t, err)
	var torn atomic.Bool
	tok, ok := m.Attach(func() { torn.Store(true) })
	require.True(t, ok)
	_, ok = m.Attach(func() {})
	assert.False(t, ok, "second task must be refused")
	conn, err := m.Send(c, peer.ConnectionLost{})
	require.NoError(t, err)
	assert.Equal(t, peer.Disconnected, conn.State)
	assert.True(t, torn.Load())
	// detaching a spent token is harmless
	m.Detach(tok)
	st.Lock()
	assert.Equal(t, peer.Disconnected, st.conns["pk"].State)
	st.Unlock()
	_, err = m.Send(c, peer.Heartbeat{})
	assert.ErrorIs(t, err, peer.ErrIllegalTransition)
	assert.Equal(t, peer.Disconnected, m.Snapshot().State)
}

func TestTableOrdering(t *testing.T) {
	tb := peer.NewTable(cfg(), nil)
	defer tb.Close()
	c := context.Background()
	for _, p := range []struct {
		key      string
		priority int
		attempts int
	}{{"a", 5, 0}, {"b", 1, 3}, {"c", 1, 1}, {"d", 9, 0}} {
		m, created := tb.Ensure(p.key, p.priority)
		require.True(t, created)
		_, err := m.Send(c, peer.Resolved{})
		require.NoError(t, err)
		for i := 0; i < p.attempts; i++ {
			_, err = m.Send(c, peer.HandshakeFailed{})
			require.NoError(t, err)
			_, err = m.Send(c, peer.Reconnect{})
			require.NoError(t, err)
		}
		_, err = m.Send(c, peer.HandshakeFailed{})
		require.NoError(t, err)
	}
	_, created := tb.Ensure("a", 1)
	assert.False(t, created)
	var order []string
	for _, conn := range tb.Disconnected() {
		order = append(order, conn.Pubkey)
	}
	assert.Equal(t, []string{"c", "b", "a", "d"}, order)
	assert.Empty(t, tb.Active(time.Now()))
}

func TestTableObserve(t *testing.T) {
	tb := peer.NewTable(cfg(), nil)
	defer tb.Close()
	var mx sync.Mutex
	var seen []peer.State
	tb.OnChange = append(tb.OnChange, func(ch peer.Change) {
		mx.Lock()
		seen = append(seen, ch.To.State)
		mx.Unlock()
	})
	m, _ := tb.Ensure("x", 1)
	_, err := m.Send(context.Background(), peer.Resolved{})
	require.NoError(t, err)
	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []peer.State{peer.Connecting}, seen)
}

// gatedPersist holds every write until gate is closed.
type gatedPersist struct {
	memPersist
	gate chan struct{}
}

func (g *gatedPersist) PutPeer(c context.Context, conn *peer.Connection) error {
	<-g.gate
	return g.memPersist.PutPeer(c, conn)
}

func TestEnsureDoesNotWaitForStore(t *testing.T) {
	st := &gatedPersist{memPersist: memPersist{
		conns: map[string]peer.Connection{}}, gate: make(chan struct{})}
	tb := peer.NewTable(cfg(), st)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			tb.Ensure(k, 1)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Ensure waited on the store")
	}
	close(st.gate)
	m, _ := tb.Get("a")
	conn, err := m.Send(context.Background(), peer.Resolved{})
	require.NoError(t, err)
	assert.Equal(t, peer.Connecting, conn.State)
	tb.Close()
	st.Lock()
	defer st.Unlock()
	assert.Len(t, st.conns, 8)
	// the first save comes before the transition's
	assert.Equal(t, peer.Connecting, st.conns["a"].State)
}
