package handshake_test

import (
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/handshake"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys() (sk, pk string) {
	sk = nostr.GeneratePrivateKey()
	pk, _ = nostr.GetPublicKey(sk)
	return
}

func TestMutual(t *testing.T) {
	ssk, spk := keys()
	csk, cpk := keys()
	srv := handshake.NewServer(ssk, "ws://relay.example.com:3334/")
	cli := handshake.NewClient(csk, "ws://relay.example.com:3334", spk)
	ev, err := cli.Respond(srv.Challenge())
	require.NoError(t, err)
	now := time.Now()
	sres, reply, err := srv.Accept(ev, now)
	require.NoError(t, err)
	assert.Equal(t, cpk, sres.Peer)
	cres, err := cli.Confirm(reply, now)
	require.NoError(t, err)
	assert.Equal(t, spk, cres.Peer)
	require.Len(t, sres.Secret, 32)
	assert.Equal(t, sres.Secret, cres.Secret)
}

func TestWrongServerKey(t *testing.T) {
	ssk, _ := keys()
	csk, _ := keys()
	_, other := keys()
	srv := handshake.NewServer(ssk, "ws://a")
	cli := handshake.NewClient(csk, "ws://a", other)
	ev, err := cli.Respond(srv.Challenge())
	require.NoError(t, err)
	_, reply, err := srv.Accept(ev, time.Now())
	require.NoError(t, err)
	_, err = cli.Confirm(reply, time.Now())
	assert.ErrorIs(t, err, handshake.ErrWrongPeer)
}

func TestValidate(t *testing.T) {
	sk, pk := keys()
	ch := handshake.NewNonce()
	now := time.Now()
	ev, err := handshake.Sign(sk, ch, "wss://relay.example.com/btp", "")
	require.NoError(t, err)
	got, ok, err := handshake.Validate(ev, ch, "WSS://relay.example.com/btp/",
		now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pk, got)

	for name, c := range map[string]struct {
		challenge, url string
		now            time.Time
	}{
		"challenge": {handshake.NewNonce(), "wss://relay.example.com/btp", now},
		"scheme":    {ch, "ws://relay.example.com/btp", now},
		"host":      {ch, "wss://other.example.com/btp", now},
		"path":      {ch, "wss://relay.example.com/", now},
		"stale":     {ch, "wss://relay.example.com/btp", now.Add(11 * time.Minute)},
		"future":    {ch, "wss://relay.example.com/btp", now.Add(-11 * time.Minute)},
	} {
		_, ok, err = handshake.Validate(ev, c.challenge, c.url, c.now)
		assert.False(t, ok, name)
		assert.Error(t, err, name)
	}
	ev.Content = "tampered"
	_, ok, _ = handshake.Validate(ev, ch, "wss://relay.example.com/btp", now)
	assert.False(t, ok)
	ev.Kind = 1
	_, ok, err = handshake.Validate(ev, ch, "wss://relay.example.com/btp", now)
	assert.False(t, ok)
	assert.ErrorIs(t, err, handshake.ErrInvalid)
}

func TestSecretNonces(t *testing.T) {
	sk, _ := keys()
	_, pk := keys()
	_, err := handshake.Secret(sk, pk, "abcd", handshake.NewNonce())
	assert.ErrorIs(t, err, handshake.ErrBadNonce)
	a, b := handshake.NewNonce(), handshake.NewNonce()
	s1, err := handshake.Secret(sk, pk, a, b)
	require.NoError(t, err)
	s2, err := handshake.Secret(sk, pk, b, a)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}
