package app

import (
	"context"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"golang.org/x/sync/errgroup"
)

// MaxDialsPerRound caps the outbound connections started by one maintenance
// pass.
const MaxDialsPerRound = 8

// Maintain runs the periodic peer housekeeping until c is done.
func (rl *Relay) Maintain(c context.Context) (err error) {
	every := rl.Config.MaintainEvery
	if every <= 0 {
		every = 5 * time.Second
	}
	for _, pk := range rl.Config.StaticPeers {
		if pk != rl.Pubkey {
			rl.Peers.Ensure(pk, 0)
		}
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		rl.MaintainOnce(c)
		select {
		case <-c.Done():
			return
		case <-t.C:
		}
	}
}

// MaintainOnce checks liveness, reconnects disconnected peers by priority
// once their backoff has passed, dials newly discovered peers, retries
// pending channel opens and trims the dedup state.
func (rl *Relay) MaintainOnce(c context.Context) {
	now := time.Now()
	rl.Peers.Tick(c)
	var dial []string
	for _, conn := range rl.Peers.Disconnected() {
		if now.Before(conn.NextAttemptAt) {
			continue
		}
		dial = append(dial, conn.Pubkey)
	}
	for _, conn := range rl.Peers.InState(peer.Discovering) {
		dial = append(dial, conn.Pubkey)
	}
	if len(dial) > MaxDialsPerRound {
		dial = dial[:MaxDialsPerRound]
	}
	var g errgroup.Group
	for _, pk := range dial {
		if rl.isDialing(pk) {
			continue
		}
		pk := pk
		g.Go(func() error {
			if err := rl.Connect(c, pk); err != nil {
				log.D.F("connect %s: %v", short(pk), err)
			}
			return nil
		})
	}
	for _, conn := range rl.Peers.InState(peer.ChannelNeeded) {
		if s, ok := rl.Session(conn.Pubkey); ok && s.live() {
			go rl.openChannel(s)
		}
	}
	_ = g.Wait()
	known := make(map[string]bool)
	for _, conn := range rl.Peers.Snapshots() {
		known[conn.Pubkey] = conn.State != peer.Failed
	}
	if n := rl.Tracker.Cleanup(func(pk string) bool {
		return known[pk]
	}); n > 0 {
		log.D.F("dropped sent-event history of %d peers", n)
	}
	rl.Seen.Sweep()
	rl.countPeers()
	if b, ok := rl.Store.(interface{ Pending() int }); ok {
		rl.Metrics.StoreQueue.Set(float64(b.Pending()))
	}
}
