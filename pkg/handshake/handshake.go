// Package handshake implements mutual peer authentication over signed client
// authentication events: each side signs the other's challenge, and both
// derive the session secret that keys packet fulfillments.
package handshake

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/eventcheck"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr, "handshake")

const (
	// Kind is the client authentication event kind.
	Kind = nostr.KindClientAuthentication
	// Window is how far an auth event's timestamp may be from now.
	Window = 10 * time.Minute
	// NonceLen is the number of random bytes in a challenge.
	NonceLen = 32
)

var (
	ErrInvalid    = errors.New("invalid auth event")
	ErrWrongPeer  = errors.New("auth event signed by unexpected key")
	ErrBadNonce   = errors.New("nonce must be 32 hex encoded bytes")
	ErrNotStarted = errors.New("handshake not started")
)

// NewNonce returns a fresh random challenge.
func NewNonce() string { return hex.EncodeToString(frand.Bytes(NonceLen)) }

// CreateUnsigned creates the auth event answering challenge for relayURL,
// offering nonce as this side's challenge in return.
func CreateUnsigned(challenge, relayURL, nonce string) *nostr.Event {
	tags := nostr.Tags{{"relay", relayURL}, {"challenge", challenge}}
	if nonce != "" {
		tags = append(tags, nostr.Tag{"nonce", nonce})
	}
	return &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      Kind,
		Tags:      tags,
		Content:   "",
	}
}

// Sign creates and signs an auth event with sk.
func Sign(sk, challenge, relayURL, nonce string) (ev *nostr.Event,
	err error) {

	ev = CreateUnsigned(challenge, relayURL, nonce)
	if err = ev.Sign(sk); chk.E(err) {
		ev = nil
	}
	return
}

// helper function for Validate.
func parseURL(input string) (*url.URL, error) {
	return url.Parse(
		strings.ToLower(
			strings.TrimSuffix(input, "/"),
		),
	)
}

func tagValue(ev *nostr.Event, name string) string {
	if t := ev.Tags.GetFirst([]string{name, ""}); t != nil {
		return t.Value()
	}
	return ""
}

// Nonce returns the nonce an auth event offers, if any.
func Nonce(ev *nostr.Event) string { return tagValue(ev, "nonce") }

// Validate checks whether evt is a valid auth event for the given challenge
// and relayURL. The result of the validation is encoded in the ok bool.
func Validate(evt *nostr.Event, challenge string, relayURL string,
	now time.Time) (pubkey string, ok bool, err error) {

	if evt == nil || evt.Kind != Kind {
		err = fmt.Errorf("%w: incorrect kind", ErrInvalid)
		log.D.Ln(err)
		return
	}
	if tagValue(evt, "challenge") != challenge {
		err = fmt.Errorf("%w: challenge tag missing or wrong", ErrInvalid)
		log.D.Ln(err)
		return
	}
	var expected, found *url.URL
	if expected, err = parseURL(relayURL); chk.D(err) {
		return
	}
	r := tagValue(evt, "relay")
	if r == "" {
		err = fmt.Errorf("%w: relay tag missing", ErrInvalid)
		log.D.Ln(err)
		return
	}
	if found, err = parseURL(r); chk.D(err) {
		err = fmt.Errorf("%w: error parsing relay url: %s", ErrInvalid, err)
		return
	}
	if expected.Scheme != found.Scheme {
		err = fmt.Errorf("%w: scheme incorrect: expected '%s' got '%s'",
			ErrInvalid, expected.Scheme, found.Scheme)
		log.D.Ln(err)
		return
	}
	if expected.Host != found.Host {
		err = fmt.Errorf("%w: host incorrect: expected '%s' got '%s'",
			ErrInvalid, expected.Host, found.Host)
		log.D.Ln(err)
		return
	}
	if expected.Path != found.Path {
		err = fmt.Errorf("%w: path incorrect: expected '%s' got '%s'",
			ErrInvalid, expected.Path, found.Path)
		log.D.Ln(err)
		return
	}
	at := evt.CreatedAt.Time()
	if at.After(now.Add(Window)) || at.Before(now.Add(-Window)) {
		err = fmt.Errorf("%w: more than %v from current time", ErrInvalid,
			Window)
		log.D.Ln(err)
		return
	}
	// save for last, as it is most expensive operation
	if err = eventcheck.Verify(evt); err != nil {
		log.D.Ln(err)
		return
	}
	pubkey = evt.PubKey
	ok = true
	return
}

// Secret derives the session secret from this side's key, the peer's pubkey
// and both nonces. Both ends compute the same value.
func Secret(sk, peerPubkey, serverNonce, clientNonce string) (secret []byte,
	err error) {

	var sn, cn, shared []byte
	if sn, err = hex.DecodeString(serverNonce); err != nil ||
		len(sn) != NonceLen {
		return nil, ErrBadNonce
	}
	if cn, err = hex.DecodeString(clientNonce); err != nil ||
		len(cn) != NonceLen {
		return nil, ErrBadNonce
	}
	if shared, err = nip04.ComputeSharedSecret(peerPubkey, sk); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	h := sha256.New()
	h.Write(shared)
	h.Write(sn)
	h.Write(cn)
	return h.Sum(nil), nil
}
