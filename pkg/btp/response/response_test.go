package response_test

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapes(t *testing.T) {
	ev := &nostr.Event{Kind: 1, Content: "x", Tags: nostr.Tags{}}
	cases := []struct {
		r    response.T
		want string
	}{
		{&response.OK{EventID: "ab", Accepted: true, Message: ""},
			`["OK","ab",true,""]`},
		{&response.EOSE{SubID: "s"}, `["EOSE","s"]`},
		{&response.Notice{Message: "slow down"}, `["NOTICE","slow down"]`},
	}
	for _, c := range cases {
		b, err := json.Marshal(c.r)
		require.NoError(t, err)
		assert.Equal(t, c.want, string(b))
	}
	b, err := json.Marshal(&response.Event{SubID: "s", Event: ev})
	require.NoError(t, err)
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(b, &arr))
	require.Len(t, arr, 3)
	assert.Equal(t, `"EVENT"`, string(arr[0]))
}

func TestParse(t *testing.T) {
	r, err := response.Parse([]byte(`["OK","ab",false,"blocked: no"]`))
	require.NoError(t, err)
	ok, is := r.(*response.OK)
	require.True(t, is)
	assert.False(t, ok.Accepted)
	assert.Equal(t, "blocked: no", ok.Message)
	r, err = response.Parse([]byte(`["NOTICE","hi"]`))
	require.NoError(t, err)
	assert.Equal(t, response.LabelNotice, r.Label())
}

func TestParseRejects(t *testing.T) {
	for _, b := range []string{
		`[]`, `{}`, `["COUNT","x",{}]`, `["OK","ab",true]`,
		`["EOSE"]`, `["NOTICE","a","b"]`, `[1,2]`, `["OK","ab","yes",""]`,
	} {
		_, err := response.Parse([]byte(b))
		assert.ErrorIs(t, err, response.ErrInvalid, b)
	}
}
