package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/payload"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameThenDescribe(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	h, err := frame(packet.REQ, 10, "msat", "relay", sk,
		`{"subId":"a","filters":[{"kinds":[1]}]}`)
	require.NoError(t, err)
	d, err := describe(h)
	require.NoError(t, err)
	assert.Equal(t, packet.Version, d.Version)
	assert.Equal(t, "REQ", d.Type)
	require.NotNil(t, d.Payload)
	assert.Empty(t, d.Error)
	assert.Equal(t, pk, d.Payload.Metadata.Sender)
	amt, err := d.Payload.Amount()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), amt)
	var body payload.ReqBody
	require.NoError(t, d.Payload.Body(&body))
	assert.Equal(t, "a", body.SubID)
}

func TestDescribeKeepsInvalidPayload(t *testing.T) {
	b, err := packet.Encode(packet.EVENT, []byte(`{"payment":{}}`))
	require.NoError(t, err)
	d, err := describe(hex.EncodeToString(b))
	require.NoError(t, err)
	assert.Nil(t, d.Payload)
	assert.NotEmpty(t, d.Error)
	assert.JSONEq(t, `{"payment":{}}`, string(d.Raw))

	_, err = describe("zz")
	assert.Error(t, err)
	_, err = describe("0201")
	assert.Error(t, err)
}

func TestKeyArguments(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	got, err := parseSecretKey(nsec)
	require.NoError(t, err)
	assert.Equal(t, sk, got)
	_, err = parseSecretKey("nothex")
	assert.Error(t, err)

	id, err := identity(sk)
	require.NoError(t, err)
	pk, err := pubkeyArg(id.Npub)
	require.NoError(t, err)
	assert.Equal(t, id.Pubkey, pk)
	pk, err = pubkeyArg(id.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, id.Pubkey, pk)
	_, err = pubkeyArg("npub1bad")
	assert.Error(t, err)
}

func TestPeerTable(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	require.NoError(t, peerTable(&buf, []peer.Connection{{
		Pubkey:          "abc",
		State:           peer.Connected,
		Priority:        3,
		LastHeartbeatAt: now.Add(-5 * time.Second),
		Subscriptions:   []string{"x"},
	}}, now))
	out := buf.String()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "5s")
	// the table must not be mistaken for JSON
	assert.False(t, json.Valid(buf.Bytes()))
}
