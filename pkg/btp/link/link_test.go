package link_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/Hubmakerlabs/btprelay/pkg/fulfill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func TestPrepare(t *testing.T) {
	frame, err := packet.Encode(packet.NOTICE, []byte(`{}`))
	require.NoError(t, err)
	cond := frand.Bytes(32)
	e := link.NewPrepare(10, cond, nil, frame, time.Time{})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Expired(time.Now()))
	assert.True(t, e.Expired(time.Now().Add(link.DefaultExpiry+time.Second)))
	b, err := e.Bytes()
	require.NoError(t, err)
	got, err := link.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, cond, got.Condition)
	assert.Equal(t, frame, got.Data)
	assert.Equal(t, e.ExpiresAt, got.ExpiresAt)
}

func TestFulfillReject(t *testing.T) {
	f, err := fulfill.CreateFulfillment(&response.EOSE{SubID: "s"}, nil)
	require.NoError(t, err)
	b, _ := link.NewFulfill("id1", f).Bytes()
	got, err := link.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, link.Fulfill, got.Type)
	assert.Equal(t, f.Fulfillment, got.Fulfillment)

	r := fulfill.CreateRejection(errors.New("too cheap"),
		fulfill.InsufficientDestinationAmount)
	b, _ = link.NewReject("id2", r).Bytes()
	got, err = link.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, r, got.Rejection())
}

func TestParseRejects(t *testing.T) {
	for _, b := range []string{
		`{"type":"bogus"}`,
		`{"type":"prepare","id":"x"}`,
		`{"type":"auth"}`,
		`{"type":"auth_challenge"}`,
		`{"type":"reject","id":"x"}`,
		`{"type":"channel","id":"x"}`,
		`not json`,
	} {
		_, err := link.Parse([]byte(b))
		assert.ErrorIs(t, err, link.ErrInvalid, b)
	}
	_, err := link.Parse([]byte(`{"type":"heartbeat"}`))
	assert.NoError(t, err)
}
