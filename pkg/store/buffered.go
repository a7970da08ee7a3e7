package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr, "store")

// Buffered fronts a Store with an in-memory copy of everything written
// through it. Writes the backend refuses are accepted, kept dirty and
// replayed by Flush, so a store outage degrades durability without stopping
// the relay. Replays are at-least-once; the newest copy of each record wins.
type Buffered struct {
	backend       Store
	mx            sync.Mutex
	peers         map[string]peer.Connection
	channels      map[string]channel.Channel
	dirtyPeers    map[string]struct{}
	dirtyChannels map[string]struct{}
}

var _ Store = (*Buffered)(nil)

// NewBuffered wraps backend.
func NewBuffered(backend Store) *Buffered {
	return &Buffered{
		backend:       backend,
		peers:         make(map[string]peer.Connection),
		channels:      make(map[string]channel.Channel),
		dirtyPeers:    make(map[string]struct{}),
		dirtyChannels: make(map[string]struct{}),
	}
}

// Pending is the number of records waiting to be written to the backend.
func (b *Buffered) Pending() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.dirtyPeers) + len(b.dirtyChannels)
}

// Degraded reports whether any write is waiting for the backend.
func (b *Buffered) Degraded() bool { return b.Pending() > 0 }

func (b *Buffered) PutPeer(c context.Context, conn *peer.Connection) (
	err error) {

	b.mx.Lock()
	b.peers[conn.Pubkey] = *conn
	b.mx.Unlock()
	if err = b.backend.PutPeer(c, conn); err != nil {
		log.W.F("peer %s queued for write: %v", conn.Pubkey, err)
		b.mx.Lock()
		b.dirtyPeers[conn.Pubkey] = struct{}{}
		b.mx.Unlock()
		return nil
	}
	b.mx.Lock()
	delete(b.dirtyPeers, conn.Pubkey)
	b.mx.Unlock()
	return
}

func (b *Buffered) GetPeer(c context.Context, pubkey string) (
	conn *peer.Connection, err error) {

	b.mx.Lock()
	p, ok := b.peers[pubkey]
	b.mx.Unlock()
	if ok {
		return &p, nil
	}
	return b.backend.GetPeer(c, pubkey)
}

func (b *Buffered) ListPeers(c context.Context) (conns []*peer.Connection,
	err error) {

	var stored []*peer.Connection
	if stored, err = b.backend.ListPeers(c); err != nil {
		log.W.F("listing peers from memory: %v", err)
		err = nil
	}
	merged := make(map[string]peer.Connection, len(stored))
	for _, p := range stored {
		merged[p.Pubkey] = *p
	}
	b.mx.Lock()
	for k, p := range b.peers {
		merged[k] = p
	}
	b.mx.Unlock()
	conns = make([]*peer.Connection, 0, len(merged))
	for k := range merged {
		p := merged[k]
		conns = append(conns, &p)
	}
	slices.SortFunc(conns, func(a, b *peer.Connection) int {
		return strings.Compare(a.Pubkey, b.Pubkey)
	})
	return
}

func (b *Buffered) ListDisconnected(c context.Context) (
	conns []*peer.Connection, err error) {

	if !b.Degraded() {
		if conns, err = b.backend.ListDisconnected(c); err == nil {
			return
		}
	}
	var all []*peer.Connection
	if all, err = b.ListPeers(c); chk.E(err) {
		return
	}
	var down []peer.Connection
	for _, p := range all {
		if p.State == peer.Disconnected {
			down = append(down, *p)
		}
	}
	peer.SortForRetry(down)
	conns = make([]*peer.Connection, len(down))
	for i := range down {
		conns[i] = &down[i]
	}
	return
}

func (b *Buffered) PutChannel(c context.Context, ch *channel.Channel) (
	err error) {

	b.mx.Lock()
	if cur, ok := b.channels[ch.ID]; ok && cur.Version > ch.Version {
		b.mx.Unlock()
		log.D.F("dropping stale write of channel %s", ch.ID)
		return
	}
	b.channels[ch.ID] = *ch
	b.mx.Unlock()
	if err = b.backend.PutChannel(c, ch); err != nil {
		log.W.F("channel %s queued for write: %v", ch.ID, err)
		b.mx.Lock()
		b.dirtyChannels[ch.ID] = struct{}{}
		b.mx.Unlock()
		return nil
	}
	b.mx.Lock()
	// a newer version written meanwhile is replayed by Flush in case this
	// write landed after it
	if b.channels[ch.ID].Version > ch.Version {
		b.dirtyChannels[ch.ID] = struct{}{}
	} else {
		delete(b.dirtyChannels, ch.ID)
	}
	b.mx.Unlock()
	return
}

func (b *Buffered) ListChannels(c context.Context) (chs []*channel.Channel,
	err error) {

	var stored []*channel.Channel
	if stored, err = b.backend.ListChannels(c); err != nil {
		log.W.F("listing channels from memory: %v", err)
		err = nil
	}
	merged := make(map[string]channel.Channel, len(stored))
	for _, ch := range stored {
		merged[ch.ID] = *ch
	}
	b.mx.Lock()
	for k, ch := range b.channels {
		merged[k] = ch
	}
	b.mx.Unlock()
	chs = make([]*channel.Channel, 0, len(merged))
	for k := range merged {
		ch := merged[k]
		chs = append(chs, &ch)
	}
	slices.SortFunc(chs, func(a, b *channel.Channel) int {
		return strings.Compare(a.ID, b.ID)
	})
	return
}

// Flush retries every queued write once. Records that still fail stay
// queued; their errors are combined in err.
func (b *Buffered) Flush(c context.Context) (err error) {
	b.mx.Lock()
	peers := make([]peer.Connection, 0, len(b.dirtyPeers))
	for k := range b.dirtyPeers {
		peers = append(peers, b.peers[k])
	}
	chans := make([]channel.Channel, 0, len(b.dirtyChannels))
	for k := range b.dirtyChannels {
		chans = append(chans, b.channels[k])
	}
	b.mx.Unlock()
	for i := range peers {
		p := peers[i]
		if e := b.backend.PutPeer(c, &p); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		b.mx.Lock()
		// a newer write may have raced in and be dirty again on its own
		if cur, ok := b.peers[p.Pubkey]; ok && cur.UpdatedAt.Equal(p.UpdatedAt) {
			delete(b.dirtyPeers, p.Pubkey)
		}
		b.mx.Unlock()
	}
	for i := range chans {
		ch := chans[i]
		if e := b.backend.PutChannel(c, &ch); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		b.mx.Lock()
		if cur, ok := b.channels[ch.ID]; ok && cur.Version == ch.Version {
			delete(b.dirtyChannels, ch.ID)
		}
		b.mx.Unlock()
	}
	return
}

// Run flushes the queue every interval until c is done.
func (b *Buffered) Run(c context.Context, every time.Duration) (err error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if b.Pending() == 0 {
				continue
			}
			if e := b.Flush(c); e != nil {
				log.D.F("%d records still queued: %v", b.Pending(), e)
			} else {
				log.I.Ln("store recovered, write queue drained")
			}
		}
	}
}

// Close flushes what it can and closes the backend.
func (b *Buffered) Close() (err error) {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if b.Pending() > 0 {
		err = b.Flush(c)
	}
	return multierr.Append(err, b.backend.Close())
}
