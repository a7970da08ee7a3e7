package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("backend down")

// flaky fails every write and list while down is set.
type flaky struct {
	*store.Memory
	down atomic.Bool
}

func (f *flaky) PutPeer(c context.Context, conn *peer.Connection) error {
	if f.down.Load() {
		return errDown
	}
	return f.Memory.PutPeer(c, conn)
}

func (f *flaky) PutChannel(c context.Context, ch *channel.Channel) error {
	if f.down.Load() {
		return errDown
	}
	return f.Memory.PutChannel(c, ch)
}

func (f *flaky) ListPeers(c context.Context) ([]*peer.Connection, error) {
	if f.down.Load() {
		return nil, errDown
	}
	return f.Memory.ListPeers(c)
}

func (f *flaky) ListDisconnected(c context.Context) ([]*peer.Connection,
	error) {

	if f.down.Load() {
		return nil, errDown
	}
	return f.Memory.ListDisconnected(c)
}

func conn(pubkey string, s peer.State, prio, attempts int) *peer.Connection {
	c := peer.New(pubkey, prio, time.Now())
	c.State = s
	c.ReconnectAttempts = attempts
	return &c
}

func TestMemoryDisconnectedOrder(t *testing.T) {
	m := store.NewMemory()
	c := context.Background()
	require.NoError(t, m.PutPeer(c, conn("a", peer.Disconnected, 5, 3)))
	require.NoError(t, m.PutPeer(c, conn("b", peer.Disconnected, 2, 9)))
	require.NoError(t, m.PutPeer(c, conn("c", peer.Connected, 1, 0)))
	require.NoError(t, m.PutPeer(c, conn("d", peer.Disconnected, 5, 1)))
	down, err := m.ListDisconnected(c)
	require.NoError(t, err)
	var keys []string
	for _, p := range down {
		keys = append(keys, p.Pubkey)
	}
	assert.Equal(t, []string{"b", "d", "a"}, keys)
	_, err = m.GetPeer(c, "zz")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBufferedDegradedMode(t *testing.T) {
	f := &flaky{Memory: store.NewMemory()}
	b := store.NewBuffered(f)
	c := context.Background()

	require.NoError(t, b.PutPeer(c, conn("a", peer.Connected, 5, 0)))
	assert.False(t, b.Degraded())

	f.down.Store(true)
	require.NoError(t, b.PutPeer(c, conn("b", peer.Disconnected, 3, 1)))
	require.NoError(t, b.PutChannel(c, &channel.Channel{ID: "ch1"}))
	assert.True(t, b.Degraded())
	assert.Equal(t, 2, b.Pending())

	// reads are served from memory while the backend is down
	p, err := b.GetPeer(c, "b")
	require.NoError(t, err)
	assert.Equal(t, peer.Disconnected, p.State)
	all, err := b.ListPeers(c)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	down, err := b.ListDisconnected(c)
	require.NoError(t, err)
	require.Len(t, down, 1)
	assert.Equal(t, "b", down[0].Pubkey)

	assert.Error(t, b.Flush(c))
	assert.Equal(t, 2, b.Pending())

	f.down.Store(false)
	require.NoError(t, b.Flush(c))
	assert.Zero(t, b.Pending())
	_, err = f.Memory.GetPeer(c, "b")
	assert.NoError(t, err)
	chs, err := f.Memory.ListChannels(c)
	require.NoError(t, err)
	require.Len(t, chs, 1)
	assert.Equal(t, "ch1", chs[0].ID)
}

func TestBufferedRun(t *testing.T) {
	f := &flaky{Memory: store.NewMemory()}
	f.down.Store(true)
	b := store.NewBuffered(f)
	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.PutPeer(c, conn("a", peer.Connected, 5, 0)))
	go func() { _ = b.Run(c, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.Pending())
	f.down.Store(false)
	assert.Eventually(t, func() bool { return b.Pending() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestStaleChannelWritesDropped(t *testing.T) {
	c := context.Background()
	mem := store.NewMemory()
	b := store.NewBuffered(mem)
	require.NoError(t, b.PutChannel(c,
		&channel.Channel{ID: "x1", HighestNonce: 2, Version: 3}))
	require.NoError(t, b.PutChannel(c,
		&channel.Channel{ID: "x1", HighestNonce: 1, Version: 2}))
	for _, s := range []store.Store{b, mem} {
		chs, err := s.ListChannels(c)
		require.NoError(t, err)
		require.Len(t, chs, 1)
		assert.Equal(t, uint64(2), chs[0].HighestNonce)
	}
	require.NoError(t, mem.PutChannel(c,
		&channel.Channel{ID: "x1", HighestNonce: 1, Version: 1}))
	chs, err := mem.ListChannels(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), chs[0].HighestNonce)
}
