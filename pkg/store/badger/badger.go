// Package badger persists peer and channel records in a badger key/value
// database.
//
// Keys:
//
//	p/<pubkey>                              peer record (JSON)
//	i/<state>/<priority:1><attempts:4>/<pubkey>  retry order index, empty value
//	c/<channel id>                          channel record (JSON)
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/Hubmakerlabs/btprelay/pkg/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var log, chk = slog.New(os.Stderr, "badger")

const (
	peerPrefix    = "p/"
	indexPrefix   = "i/"
	channelPrefix = "c/"
)

// Backend is a store.Store on badger.
type Backend struct {
	Path     string
	InMemory bool
	// BlockCacheSize is in bytes.
	BlockCacheSize int64
	*badger.DB
}

var _ store.Store = (*Backend)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string, blockCacheSize int64) (b *Backend, err error) {
	b = &Backend{Path: path, BlockCacheSize: blockCacheSize}
	if err = b.Init(); chk.E(err) {
		return nil, err
	}
	return
}

// OpenInMemory opens a database that is lost on Close.
func OpenInMemory() (b *Backend, err error) {
	b = &Backend{InMemory: true}
	if err = b.Init(); chk.E(err) {
		return nil, err
	}
	return
}

func (b *Backend) Init() (err error) {
	var opts badger.Options
	if b.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		log.I.Ln("opening peer store at", b.Path)
		opts = badger.DefaultOptions(b.Path)
		opts.Compression = options.ZSTD
		opts.CompactL0OnClose = true
		if b.BlockCacheSize > 0 {
			opts.BlockCacheSize = b.BlockCacheSize
		}
	}
	opts.Logger = logger{Level: slog.GetLogLevel(), Label: b.Path}
	if b.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	return
}

func (b *Backend) Close() (err error) { return b.DB.Close() }

// GC runs value log garbage collection every interval until c is done.
func (b *Backend) GC(c context.Context, every time.Duration) (err error) {
	if b.InMemory {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			for {
				if err = b.DB.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				chk.W(err)
			}
			err = nil
		}
	}
}

// Wipe removes every peer and channel record.
func (b *Backend) Wipe() (err error) {
	if err = b.DB.DropPrefix([]byte(peerPrefix), []byte(indexPrefix),
		[]byte(channelPrefix)); chk.E(err) {
		return
	}
	if b.InMemory {
		return
	}
	if err = b.DB.RunValueLogGC(0.8); errors.Is(err, badger.ErrNoRewrite) {
		err = nil
	}
	return
}

func peerKey(pubkey string) []byte { return []byte(peerPrefix + pubkey) }

func indexKey(p *peer.Connection) (k []byte) {
	k = append(k, indexPrefix...)
	k = append(k, string(p.State)...)
	k = append(k, '/', byte(peer.ClampPriority(p.Priority)))
	k = binary.BigEndian.AppendUint32(k, uint32(p.ReconnectAttempts))
	k = append(k, '/')
	k = append(k, p.Pubkey...)
	return
}

func statePrefix(s peer.State) []byte {
	return []byte(indexPrefix + string(s) + "/")
}

func getPeer(txn *badger.Txn, pubkey string) (p *peer.Connection, err error) {
	var item *badger.Item
	if item, err = txn.Get(peerKey(pubkey)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = store.ErrNotFound
		}
		return
	}
	p = &peer.Connection{}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, p) })
	return
}

func (b *Backend) PutPeer(_ context.Context, conn *peer.Connection) (
	err error) {

	var val []byte
	if val, err = json.Marshal(conn); chk.E(err) {
		return
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		var old *peer.Connection
		if old, err = getPeer(txn, conn.Pubkey); err == nil {
			if err = txn.Delete(indexKey(old)); chk.E(err) {
				return
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return
		}
		if err = txn.Set(peerKey(conn.Pubkey), val); chk.E(err) {
			return
		}
		return txn.Set(indexKey(conn), nil)
	})
}

func (b *Backend) GetPeer(_ context.Context, pubkey string) (
	conn *peer.Connection, err error) {

	err = b.View(func(txn *badger.Txn) (err error) {
		conn, err = getPeer(txn, pubkey)
		return
	})
	return
}

func (b *Backend) ListPeers(context.Context) (conns []*peer.Connection,
	err error) {

	err = b.View(func(txn *badger.Txn) (err error) {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(peerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			p := &peer.Connection{}
			if err = it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, p)
			}); chk.E(err) {
				return
			}
			conns = append(conns, p)
		}
		return
	})
	return
}

// ListDisconnected walks the retry index, which is already in priority then
// attempts order.
func (b *Backend) ListDisconnected(context.Context) (
	conns []*peer.Connection, err error) {

	err = b.View(func(txn *badger.Txn) (err error) {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = statePrefix(peer.Disconnected)
		it := txn.NewIterator(opts)
		defer it.Close()
		// priority byte, four attempt bytes, then '/'
		skip := len(opts.Prefix) + 6
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(k) <= skip {
				continue
			}
			var p *peer.Connection
			if p, err = getPeer(txn, string(k[skip:])); chk.E(err) {
				return
			}
			conns = append(conns, p)
		}
		return
	})
	return
}

func (b *Backend) PutChannel(_ context.Context, ch *channel.Channel) (
	err error) {

	var val []byte
	if val, err = json.Marshal(ch); chk.E(err) {
		return
	}
	key := []byte(channelPrefix + ch.ID)
	return b.Update(func(txn *badger.Txn) (err error) {
		var item *badger.Item
		if item, err = txn.Get(key); err == nil {
			cur := &channel.Channel{}
			if err = item.Value(func(v []byte) error {
				return json.Unmarshal(v, cur)
			}); chk.E(err) {
				return
			}
			// never replace a newer record
			if cur.Version > ch.Version {
				return
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return
		}
		return txn.Set(key, val)
	})
}

func (b *Backend) ListChannels(context.Context) (chs []*channel.Channel,
	err error) {

	err = b.View(func(txn *badger.Txn) (err error) {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(channelPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ch := &channel.Channel{}
			if err = it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, ch)
			}); chk.E(err) {
				return
			}
			chs = append(chs, ch)
		}
		return
	})
	return
}
