package store

import (
	"context"
	"strings"
	"sync"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"golang.org/x/exp/slices"
)

// Memory is a Store that keeps nothing across restarts.
type Memory struct {
	mx       sync.Mutex
	peers    map[string]peer.Connection
	channels map[string]channel.Channel
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		peers:    make(map[string]peer.Connection),
		channels: make(map[string]channel.Channel),
	}
}

func (m *Memory) PutPeer(_ context.Context, conn *peer.Connection) (err error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	p := *conn
	p.Subscriptions = slices.Clone(conn.Subscriptions)
	m.peers[conn.Pubkey] = p
	return
}

func (m *Memory) GetPeer(_ context.Context, pubkey string) (
	conn *peer.Connection, err error) {

	m.mx.Lock()
	defer m.mx.Unlock()
	p, ok := m.peers[pubkey]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) ListPeers(context.Context) (conns []*peer.Connection,
	err error) {

	m.mx.Lock()
	for k := range m.peers {
		p := m.peers[k]
		conns = append(conns, &p)
	}
	m.mx.Unlock()
	slices.SortFunc(conns, func(a, b *peer.Connection) int {
		return strings.Compare(a.Pubkey, b.Pubkey)
	})
	return
}

func (m *Memory) ListDisconnected(c context.Context) (
	conns []*peer.Connection, err error) {

	all, _ := m.ListPeers(c)
	var down []peer.Connection
	for _, p := range all {
		if p.State == peer.Disconnected {
			down = append(down, *p)
		}
	}
	peer.SortForRetry(down)
	for i := range down {
		conns = append(conns, &down[i])
	}
	return
}

func (m *Memory) PutChannel(_ context.Context, ch *channel.Channel) (
	err error) {

	m.mx.Lock()
	defer m.mx.Unlock()
	if cur, ok := m.channels[ch.ID]; ok && cur.Version > ch.Version {
		return
	}
	m.channels[ch.ID] = *ch
	return
}

func (m *Memory) ListChannels(context.Context) (chs []*channel.Channel,
	err error) {

	m.mx.Lock()
	for k := range m.channels {
		ch := m.channels[k]
		chs = append(chs, &ch)
	}
	m.mx.Unlock()
	slices.SortFunc(chs, func(a, b *channel.Channel) int {
		return strings.Compare(a.ID, b.ID)
	})
	return
}

func (m *Memory) Close() (err error) { return }
