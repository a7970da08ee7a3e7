// Package eventcheck verifies that an event's id is the hash of its canonical
// serialization and that its signature is valid for that id and pubkey.
package eventcheck

import (
	"encoding/hex"
	"errors"
	"os"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr, "eventcheck")

var (
	ErrNilEvent     = errors.New("invalid: nil event")
	ErrIDMismatch   = errors.New("invalid: id is computed incorrectly")
	ErrBadSignature = errors.New("invalid: signature is invalid")
)

// ID computes the canonical id of ev.
func ID(ev *nostr.Event) string {
	hash := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(hash[:])
}

// Verify checks the id and then the signature, the latter being the expensive
// part.
func Verify(ev *nostr.Event) (err error) {
	if ev == nil {
		return ErrNilEvent
	}
	if id := ID(ev); id != ev.ID {
		log.D.F("id mismatch got %s, expected %s", ev.ID, id)
		return ErrIDMismatch
	}
	var ok bool
	if ok, err = ev.CheckSignature(); chk.D(err) || !ok {
		return ErrBadSignature
	}
	return
}

// Valid is Verify as a predicate.
func Valid(ev *nostr.Event) bool { return Verify(ev) == nil }
