package discovery_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/discovery"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func announce(t *testing.T, sk, endpoint string,
	at nostr.Timestamp) *nostr.Event {

	t.Helper()
	ev, err := discovery.NewAnnouncementEvent(sk, discovery.Announcement{
		ILPAddress: "g.btp." + endpoint,
		Endpoint:   endpoint,
		Currencies: []string{"msat"},
		Schemes:    []channel.Scheme{channel.Ledger},
		Priority:   2,
		CreatedAt:  at,
	})
	require.NoError(t, err)
	return ev
}

func TestParse(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	ev := announce(t, sk, "ws://b", nostr.Now())
	assert.True(t, discovery.IsAnnouncement(ev))
	assert.True(t, discovery.Filter(pk).Matches(ev))
	a, err := discovery.ParseAnnouncement(ev)
	require.NoError(t, err)
	assert.Equal(t, pk, a.Pubkey)
	assert.Equal(t, "ws://b", a.Endpoint)
	assert.True(t, a.Accepts("MSAT", channel.Ledger))
	assert.False(t, a.Accepts("msat", channel.EVM))

	ev.Content = `{"endpoint":"ws://evil"}`
	_, err = discovery.ParseAnnouncement(ev)
	assert.Error(t, err)
	_, err = discovery.ParseAnnouncement(&nostr.Event{Kind: 1})
	assert.ErrorIs(t, err, discovery.ErrNotAnnouncement)
}

func TestLatestWins(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	old := announce(t, sk, "ws://old", nostr.Timestamp(1000))
	cur := announce(t, sk, "ws://new", nostr.Timestamp(2000))
	a, err := discovery.Latest([]*nostr.Event{cur, old})
	require.NoError(t, err)
	assert.Equal(t, "ws://new", a.Endpoint)
	_, err = discovery.Latest(nil)
	assert.ErrorIs(t, err, discovery.ErrNotFound)
}

type countingSource struct {
	calls atomic.Int32
	ann   atomic.Pointer[discovery.Announcement]
	fail  atomic.Bool
}

func (s *countingSource) Lookup(context.Context, string) (
	*discovery.Announcement, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("relay offline")
	}
	if a := s.ann.Load(); a != nil {
		return a, nil
	}
	return nil, discovery.ErrNotFound
}

func TestResolverCaching(t *testing.T) {
	c := context.Background()
	src := &countingSource{}
	r := discovery.NewResolver(src, time.Hour, 50*time.Millisecond)
	_, err := r.Resolve(c, "pk")
	assert.ErrorIs(t, err, discovery.ErrNotFound)
	_, err = r.Resolve(c, "pk")
	assert.ErrorIs(t, err, discovery.ErrNotFound)
	assert.Equal(t, int32(1), src.calls.Load(), "negative result is cached")

	src.ann.Store(&discovery.Announcement{Pubkey: "pk", Endpoint: "ws://b"})
	time.Sleep(80 * time.Millisecond)
	a, err := r.Resolve(c, "pk")
	require.NoError(t, err)
	assert.Equal(t, "ws://b", a.Endpoint)
	_, _ = r.Resolve(c, "pk")
	assert.Equal(t, int32(2), src.calls.Load(), "positive result is cached")

	// errors other than not found are not cached
	r.Invalidate("pk")
	src.fail.Store(true)
	_, err = r.Resolve(c, "pk")
	assert.Error(t, err)
	src.fail.Store(false)
	_, err = r.Resolve(c, "pk")
	assert.NoError(t, err)
}

func TestObserveInvalidates(t *testing.T) {
	c := context.Background()
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	src := &countingSource{}
	r := discovery.NewResolver(src, time.Hour, time.Hour)
	_, err := r.Resolve(c, pk)
	require.ErrorIs(t, err, discovery.ErrNotFound)

	assert.True(t, r.Observe(announce(t, sk, "ws://b1", 2000)))
	a, err := r.Resolve(c, pk)
	require.NoError(t, err)
	assert.Equal(t, "ws://b1", a.Endpoint)

	// older announcements do not replace newer ones
	assert.False(t, r.Observe(announce(t, sk, "ws://b0", 1000)))
	assert.True(t, r.Observe(announce(t, sk, "ws://b2", 3000)))
	a, _ = r.Resolve(c, pk)
	assert.Equal(t, "ws://b2", a.Endpoint)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.False(t, r.Observe(&nostr.Event{Kind: 1}))
}

func TestMultiSource(t *testing.T) {
	c := context.Background()
	a := &countingSource{}
	a.ann.Store(&discovery.Announcement{Endpoint: "ws://a", CreatedAt: 1})
	b := &countingSource{}
	b.ann.Store(&discovery.Announcement{Endpoint: "ws://b", CreatedAt: 2})
	down := &countingSource{}
	down.fail.Store(true)
	got, err := discovery.MultiSource{a, down, b}.Lookup(c, "pk")
	require.NoError(t, err)
	assert.Equal(t, "ws://b", got.Endpoint)
	_, err = discovery.MultiSource{&countingSource{}, down}.Lookup(c, "pk")
	assert.ErrorIs(t, err, discovery.ErrNotFound)
	_, err = discovery.MultiSource{down}.Lookup(c, "pk")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, discovery.ErrNotFound))
}

func TestRepositorySource(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	evs := []*nostr.Event{announce(t, sk, "ws://x", 10),
		announce(t, sk, "ws://y", 20)}
	src := &discovery.RepositorySource{Query: func(_ context.Context,
		f nostr.Filter) (chan *nostr.Event, error) {
		ch := make(chan *nostr.Event, len(evs))
		for _, ev := range evs {
			if f.Matches(ev) {
				ch <- ev
			}
		}
		close(ch)
		return ch, nil
	}}
	a, err := src.Lookup(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, "ws://y", a.Endpoint)
}

// heldSource answers with ann once gate is closed.
type heldSource struct {
	ann     *discovery.Announcement
	entered chan struct{}
	gate    chan struct{}
}

func (s *heldSource) Lookup(context.Context, string) (
	*discovery.Announcement, error) {
	close(s.entered)
	<-s.gate
	return s.ann, nil
}

func TestLookupKeepsFresherObserved(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	src := &heldSource{
		ann:     &discovery.Announcement{Pubkey: pk, Endpoint: "ws://old", CreatedAt: 1000},
		entered: make(chan struct{}), gate: make(chan struct{})}
	r := discovery.NewResolver(src, time.Hour, time.Hour)
	got := make(chan *discovery.Announcement, 1)
	go func() {
		a, err := r.Resolve(context.Background(), pk)
		assert.NoError(t, err)
		got <- a
	}()
	<-src.entered
	require.True(t, r.Observe(announce(t, sk, "ws://new", 2000)))
	close(src.gate)
	assert.Equal(t, "ws://new", (<-got).Endpoint)
	a, err := r.Resolve(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, "ws://new", a.Endpoint)
}
