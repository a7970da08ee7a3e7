package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	sync.Mutex
	down      bool
	opened    map[string]bool
	submitted map[string]uint64
	closed    map[string]bool
}

func newFakeExec() *fakeExec {
	return &fakeExec{opened: map[string]bool{}, submitted: map[string]uint64{},
		closed: map[string]bool{}}
}

func (f *fakeExec) Open(_ context.Context, ch channel.Channel) (string, error) {
	f.Lock()
	defer f.Unlock()
	if f.down {
		return "", settlement.ErrUnavailable
	}
	f.opened[ch.ID] = true
	return "tx-open", nil
}

func (f *fakeExec) Verify(_ context.Context, ch channel.Channel) error {
	f.Lock()
	defer f.Unlock()
	if !f.opened[ch.ID] {
		return settlement.ErrUnknownChannel
	}
	return nil
}

func (f *fakeExec) Submit(_ context.Context, ch channel.Channel,
	amount uint64) (string, error) {
	f.Lock()
	defer f.Unlock()
	if f.down {
		return "", settlement.ErrUnavailable
	}
	f.submitted[ch.ID] = amount
	return "tx-settle", nil
}

func (f *fakeExec) Close(_ context.Context, ch channel.Channel) error {
	f.Lock()
	defer f.Unlock()
	f.closed[ch.ID] = true
	return nil
}

func TestRegistry(t *testing.T) {
	p := channel.DefaultPolicy()
	ex := newFakeExec()
	r := settlement.NewRegistry(settlement.NewLedger(p),
		settlement.NewLightning(ex, p), settlement.NewEVM(ex, p),
		settlement.NewCosmos(ex, p))
	assert.Equal(t, channel.Schemes, r.Schemes())
	for _, s := range channel.Schemes {
		b, err := r.Get(s)
		require.NoError(t, err)
		assert.Equal(t, s, b.Scheme())
	}
	_, err := r.Get("paypal")
	assert.ErrorIs(t, err, settlement.ErrUnknownScheme)
}

func TestLedger(t *testing.T) {
	c := context.Background()
	l := settlement.NewLedger(channel.DefaultPolicy())
	req := settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "msat", Capacity: 1000, Duration: time.Hour * 48}
	_, err := l.Open(c, req)
	assert.ErrorIs(t, err, settlement.ErrInsufficientFunds)
	l.Fund("a", 1500)
	ch, err := l.Open(c, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), l.Balance("a"))
	require.NoError(t, l.Verify(c, ch))
	forged := ch
	forged.Capacity = 5000
	assert.ErrorIs(t, l.Verify(c, forged), settlement.ErrMismatch)

	require.NoError(t, ch.ApplyClaim(channel.Claim{ChannelID: ch.ID, Nonce: 1,
		Amount: 300}, time.Now()))
	r, err := l.Settle(c, ch)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), r.Amount)
	assert.NotEmpty(t, r.ID)
	// replay moves nothing
	r, err = l.Settle(c, ch)
	require.NoError(t, err)
	assert.Zero(t, r.Amount)
	assert.Equal(t, uint64(300), l.Balance("b"))

	l.SetAvailable(false)
	_, err = l.Settle(c, ch)
	assert.ErrorIs(t, err, settlement.ErrUnavailable)
	l.SetAvailable(true)
	require.NoError(t, l.Close(c, ch))
	require.NoError(t, l.Close(c, ch))
	assert.Equal(t, uint64(1200), l.Balance("a"))
}

func TestChainVariants(t *testing.T) {
	c := context.Background()
	p := channel.DefaultPolicy()
	ex := newFakeExec()
	ln := settlement.NewLightning(ex, p)
	_, err := ln.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "usd", Capacity: 10})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
	ch, err := ln.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "msat", Capacity: 10})
	require.NoError(t, err)
	assert.Equal(t, channel.Lightning, ch.Scheme)
	require.NoError(t, ln.Verify(c, ch))

	evm := settlement.NewEVM(ex, p)
	_, err = evm.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "wei", Capacity: 10})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
	ch, err = evm.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "wei", Capacity: 10, Duration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "0x", ch.ID[:2])
	ch.HighestClaimAmount = 7
	r, err := evm.Settle(c, ch)
	require.NoError(t, err)
	assert.Equal(t, "tx-settle", r.Reference)
	assert.Equal(t, uint64(7), ex.submitted[ch.ID])

	cos := settlement.NewCosmos(ex, p)
	_, err = cos.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Capacity: 10})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
	_, err = cos.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "a",
		Currency: "uatom", Capacity: 10})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
}

func TestManagerRetriesUntilAvailable(t *testing.T) {
	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := channel.Policy{Threshold: 100, MaxClaims: 100}
	l := settlement.NewLedger(p)
	l.Fund("a", 1000)
	ch, err := l.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "msat", Capacity: 1000, Duration: 72 * time.Hour})
	require.NoError(t, err)
	book := channel.NewBook(nil)
	require.NoError(t, book.Put(c, ch))
	m := settlement.NewManager(settlement.ManagerConfig{Workers: 2,
		SweepInterval: 20 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond},
		settlement.NewRegistry(l), book)
	settled := make(chan settlement.Receipt, 4)
	m.OnSettled = append(m.OnSettled,
		func(r settlement.Receipt, _ channel.Trigger) { settled <- r })
	go func() { _ = m.Run(c) }()

	l.SetAvailable(false)
	_, err = m.OnClaim(c, channel.Claim{ChannelID: ch.ID, Nonce: 1,
		Amount: 50}, 0)
	require.NoError(t, err)
	_, err = m.OnClaim(c, channel.Claim{ChannelID: ch.ID, Nonce: 1,
		Amount: 60}, 0)
	assert.ErrorIs(t, err, channel.ErrStaleNonce)
	_, err = m.OnClaim(c, channel.Claim{ChannelID: ch.ID, Nonce: 2,
		Amount: 150}, 0)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(0), l.Balance("b"))
	assert.Equal(t, 1, m.Pending())

	l.SetAvailable(true)
	select {
	case r := <-settled:
		assert.Equal(t, uint64(150), r.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("settlement was not replayed")
	}
	assert.Equal(t, uint64(150), l.Balance("b"))
	got, _ := book.Get(ch.ID)
	assert.Equal(t, uint64(150), got.SettledAmount)
	assert.False(t, got.IsClosed)
}

func TestManagerExpiryCloses(t *testing.T) {
	c := context.Background()
	l := settlement.NewLedger(channel.DefaultPolicy())
	l.Fund("a", 1000)
	ch, err := l.Open(c, settlement.OpenRequest{Sender: "a", Recipient: "b",
		Currency: "msat", Capacity: 1000, Duration: time.Hour})
	require.NoError(t, err)
	book := channel.NewBook(nil)
	require.NoError(t, book.Put(c, ch))
	m := settlement.NewManager(settlement.DefaultManagerConfig(),
		settlement.NewRegistry(l), book)
	var trig channel.Trigger
	m.OnSettled = append(m.OnSettled,
		func(_ settlement.Receipt, t channel.Trigger) { trig = t })
	_, err = book.ApplyClaim(c, channel.Claim{ChannelID: ch.ID, Nonce: 1,
		Amount: 10}, time.Now())
	require.NoError(t, err)
	_, err = m.SettleNow(c, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, channel.Expiry, trig)
	got, _ := book.Get(ch.ID)
	assert.True(t, got.IsClosed)
	assert.Equal(t, uint64(990), l.Balance("a"))
	assert.Equal(t, uint64(10), l.Balance("b"))
	_, err = m.SettleNow(c, "missing")
	assert.True(t, errors.Is(err, channel.ErrNotFound))
}
