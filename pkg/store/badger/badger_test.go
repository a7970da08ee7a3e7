package badger_test

import (
	"context"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/store"
	"github.com/Hubmakerlabs/btprelay/pkg/store/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *badger.Backend {
	b, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func put(t *testing.T, b *badger.Backend, pubkey string, s peer.State,
	prio, attempts int) {

	c := peer.New(pubkey, prio, time.Now())
	c.State = s
	c.ReconnectAttempts = attempts
	require.NoError(t, b.PutPeer(context.Background(), &c))
}

func pubkeys(conns []*peer.Connection) (keys []string) {
	for _, c := range conns {
		keys = append(keys, c.Pubkey)
	}
	return
}

func TestPeers(t *testing.T) {
	b := open(t)
	c := context.Background()
	put(t, b, "aa", peer.Disconnected, 5, 3)
	put(t, b, "bb", peer.Disconnected, 2, 9)
	put(t, b, "cc", peer.Connected, 1, 0)
	put(t, b, "dd", peer.Disconnected, 5, 1)
	put(t, b, "ee", peer.Disconnected, 10, 0)

	all, err := b.ListPeers(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb", "cc", "dd", "ee"}, pubkeys(all))

	down, err := b.ListDisconnected(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"bb", "dd", "aa", "ee"}, pubkeys(down))

	// a state change moves the index entry
	put(t, b, "bb", peer.Connected, 2, 0)
	put(t, b, "cc", peer.Disconnected, 1, 1)
	down, err = b.ListDisconnected(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"cc", "dd", "aa", "ee"}, pubkeys(down))

	got, err := b.GetPeer(c, "bb")
	require.NoError(t, err)
	assert.Equal(t, peer.Connected, got.State)
	_, err = b.GetPeer(c, "zz")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChannels(t *testing.T) {
	b := open(t)
	c := context.Background()
	ch := &channel.Channel{ID: "x1", Sender: "s", Recipient: "r",
		Scheme: channel.Ledger, Capacity: 100, HighestNonce: 4}
	require.NoError(t, b.PutChannel(c, ch))
	ch.HighestNonce = 5
	require.NoError(t, b.PutChannel(c, ch))
	require.NoError(t, b.PutChannel(c, &channel.Channel{ID: "x0"}))
	chs, err := b.ListChannels(c)
	require.NoError(t, err)
	require.Len(t, chs, 2)
	assert.Equal(t, "x0", chs[0].ID)
	assert.Equal(t, uint64(5), chs[1].HighestNonce)
	assert.Equal(t, channel.Ledger, chs[1].Scheme)
}

func TestWipe(t *testing.T) {
	b := open(t)
	c := context.Background()
	put(t, b, "aa", peer.Disconnected, 1, 0)
	require.NoError(t, b.PutChannel(c, &channel.Channel{ID: "ch1"}))
	require.NoError(t, b.Wipe())
	conns, err := b.ListPeers(c)
	require.NoError(t, err)
	assert.Empty(t, conns)
	conns, err = b.ListDisconnected(c)
	require.NoError(t, err)
	assert.Empty(t, conns)
	chs, err := b.ListChannels(c)
	require.NoError(t, err)
	assert.Empty(t, chs)
	_, err = b.GetPeer(c, "aa")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChannelsKeepNewestVersion(t *testing.T) {
	b := open(t)
	c := context.Background()
	newer := &channel.Channel{ID: "x1", HighestNonce: 2, Version: 3}
	require.NoError(t, b.PutChannel(c, newer))
	require.NoError(t, b.PutChannel(c,
		&channel.Channel{ID: "x1", HighestNonce: 1, Version: 2}))
	chs, err := b.ListChannels(c)
	require.NoError(t, err)
	require.Len(t, chs, 1)
	assert.Equal(t, uint64(2), chs[0].HighestNonce)
}
