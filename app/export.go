package app

import (
	"context"
	"encoding/json"
	"io"

	"github.com/nbd-wtf/go-nostr"
)

// Export writes every stored event matching f to w, one JSON object per
// line, and returns how many were written.
func (rl *Relay) Export(c context.Context, w io.Writer,
	f nostr.Filter) (n int, err error) {

	log.D.Ln("running export")
	enc := json.NewEncoder(w)
	seen := make(map[string]struct{})
	for _, query := range rl.QueryEvents {
		var ch chan *nostr.Event
		if ch, err = query(c, f); chk.E(err) {
			return
		}
		for ev := range ch {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			if err = enc.Encode(ev); chk.E(err) {
				return
			}
			n++
		}
	}
	return
}
