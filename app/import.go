package app

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/nbd-wtf/go-nostr"
)

// Import reads line structured JSON events from the named files, or stdin
// when none are given, and publishes each as if created locally. It returns
// the number of events accepted.
func (rl *Relay) Import(c context.Context, files ...string) (n int,
	err error) {

	log.D.Ln("importing events from", files)
	if len(files) == 0 {
		return rl.importFrom(c, os.Stdin)
	}
	for i := range files {
		var fh *os.File
		if fh, err = os.Open(files[i]); chk.E(err) {
			return
		}
		var got int
		got, err = rl.importFrom(c, fh)
		chk.D(fh.Close())
		n += got
		if err != nil {
			return
		}
	}
	return
}

func (rl *Relay) importFrom(c context.Context, r io.Reader) (n int,
	err error) {

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), int(rl.MaxMessageSize))
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		ev := &nostr.Event{}
		if err = json.Unmarshal(b, ev); chk.D(err) {
			log.D.S(string(b))
			continue
		}
		if ok := rl.Publish(c, ev); !ok.Accepted {
			log.D.F("skipped %s: %s", ev.ID, ok.Message)
			continue
		}
		n++
	}
	err = scanner.Err()
	return
}
