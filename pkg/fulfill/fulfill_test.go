package fulfill_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/Hubmakerlabs/btprelay/pkg/fulfill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func TestSoundness(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := frand.Bytes(fulfill.Len)
		if !fulfill.VerifyFulfillment(f, fulfill.Condition(f)) {
			t.Fatalf("fulfillment %x did not verify", f)
		}
		g := frand.Bytes(fulfill.Len)
		if bytes.Equal(f, g) {
			continue
		}
		if fulfill.VerifyFulfillment(f, fulfill.Condition(g)) {
			t.Fatalf("fulfillment %x verified against wrong condition", f)
		}
	}
}

func TestLengthGuard(t *testing.T) {
	f := frand.Bytes(fulfill.Len)
	c := fulfill.Condition(f)
	for _, n := range []int{0, 1, 31, 33, 64} {
		assert.False(t, fulfill.VerifyFulfillment(frand.Bytes(n), c), n)
		assert.False(t, fulfill.VerifyFulfillment(f, frand.Bytes(n)), n)
	}
	assert.False(t, fulfill.VerifyFulfillment(nil, nil))
}

func TestCreateFulfillment(t *testing.T) {
	resp := &response.OK{EventID: "ab", Accepted: true}
	f, err := fulfill.CreateFulfillment(resp, nil)
	require.NoError(t, err)
	assert.Equal(t, fulfill.Zero(), f.Fulfillment)
	assert.Equal(t, `["OK","ab",true,""]`, string(f.Data))

	ff := frand.Bytes(fulfill.Len)
	f, err = fulfill.CreateFulfillment(resp, fulfill.Condition(ff), ff)
	require.NoError(t, err)
	assert.Equal(t, ff, f.Fulfillment)

	_, err = fulfill.CreateFulfillment(resp, fulfill.Condition(ff),
		frand.Bytes(fulfill.Len))
	assert.ErrorIs(t, err, fulfill.ErrConditionMismatch)
	_, err = fulfill.CreateFulfillment(resp, fulfill.Condition(ff), ff[:16])
	assert.ErrorIs(t, err, fulfill.ErrBadLength)
}

func TestDerive(t *testing.T) {
	secret := frand.Bytes(32)
	data := []byte("prepared packet")
	a := fulfill.Derive(secret, data)
	require.Len(t, a, fulfill.Len)
	assert.Equal(t, a, fulfill.Derive(secret, data))
	assert.NotEqual(t, a, fulfill.Derive(frand.Bytes(32), data))
	assert.True(t, fulfill.VerifyFulfillment(a, fulfill.Condition(a)))
}

func TestCreateRejection(t *testing.T) {
	r := fulfill.CreateRejection(errors.New("peer busy"))
	assert.Equal(t, "F99", r.Code)
	assert.Equal(t, `["NOTICE","peer busy"]`, string(r.Data))
	codes := map[fulfill.Category]string{
		fulfill.TemporaryFailure:              "F99",
		fulfill.InvalidPacket:                 "F01",
		fulfill.ApplicationError:              "F02",
		fulfill.InsufficientDestinationAmount: "F03",
	}
	for c, code := range codes {
		assert.Equal(t, code, fulfill.CreateRejection(errors.New("x"), c).Code)
	}
	assert.Equal(t, "F99", fulfill.CreateRejection(nil, fulfill.Category(42)).Code)
}
