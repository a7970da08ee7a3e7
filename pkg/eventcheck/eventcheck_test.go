package eventcheck_test

import (
	"testing"

	"github.com/Hubmakerlabs/btprelay/pkg/eventcheck"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T) *nostr.Event {
	sk := nostr.GeneratePrivateKey()
	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      1,
		Tags:      nostr.Tags{{"t", "btp"}},
		Content:   "This event contains { braces } and [ brackets ]",
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestVerify(t *testing.T) {
	ev := signed(t)
	assert.Equal(t, ev.GetID(), eventcheck.ID(ev))
	assert.NoError(t, eventcheck.Verify(ev))
	assert.True(t, eventcheck.Valid(ev))
}

func TestTampered(t *testing.T) {
	ev := signed(t)
	ev.Content += "!"
	assert.ErrorIs(t, eventcheck.Verify(ev), eventcheck.ErrIDMismatch)

	ev = signed(t)
	other := signed(t)
	ev.Sig = other.Sig
	assert.ErrorIs(t, eventcheck.Verify(ev), eventcheck.ErrBadSignature)

	ev = signed(t)
	ev.Sig = "zz"
	assert.ErrorIs(t, eventcheck.Verify(ev), eventcheck.ErrBadSignature)
	assert.ErrorIs(t, eventcheck.Verify(nil), eventcheck.ErrNilEvent)
}
