// Package store defines where peer and channel records are persisted, and a
// write-behind wrapper that keeps the relay running while the backing store
// is unavailable.
package store

import (
	"context"
	"errors"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
)

var ErrNotFound = errors.New("record not found")

// PeerStore persists peer connection records.
type PeerStore interface {
	PutPeer(c context.Context, conn *peer.Connection) (err error)
	// GetPeer returns ErrNotFound for an unknown pubkey.
	GetPeer(c context.Context, pubkey string) (conn *peer.Connection, err error)
	// ListPeers returns every record ordered by pubkey.
	ListPeers(c context.Context) (conns []*peer.Connection, err error)
	// ListDisconnected returns the disconnected records ordered by priority,
	// then by reconnect attempts.
	ListDisconnected(c context.Context) (conns []*peer.Connection, err error)
}

// ChannelStore persists payment channels.
type ChannelStore interface {
	PutChannel(c context.Context, ch *channel.Channel) (err error)
	ListChannels(c context.Context) (chs []*channel.Channel, err error)
}

// Store is a complete backend.
type Store interface {
	PeerStore
	ChannelStore
	Close() (err error)
}

var (
	_ peer.Persister = (Store)(nil)
	_ channel.Store  = (Store)(nil)
)
