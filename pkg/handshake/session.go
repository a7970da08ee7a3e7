package handshake

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Result is what a completed handshake yields.
type Result struct {
	Peer   string
	Secret []byte
}

// Server is the accepting side of one handshake. URL is the address peers
// dial to reach it.
type Server struct {
	SecKey    string
	URL       string
	challenge string
}

// NewServer starts a handshake with a fresh challenge.
func NewServer(sk, url string) *Server {
	return &Server{SecKey: sk, URL: url, challenge: NewNonce()}
}

// Challenge is sent to the dialing peer.
func (s *Server) Challenge() string { return s.challenge }

// Accept validates the dialer's auth event and returns the server's own auth
// event answering the dialer's nonce.
func (s *Server) Accept(ev *nostr.Event, now time.Time) (res Result,
	reply *nostr.Event, err error) {

	var ok bool
	if res.Peer, ok, err = Validate(ev, s.challenge, s.URL, now); !ok {
		return
	}
	nonce := Nonce(ev)
	if res.Secret, err = Secret(s.SecKey, res.Peer, s.challenge,
		nonce); err != nil {
		return
	}
	reply, err = Sign(s.SecKey, nonce, s.URL, "")
	return
}

// Client is the dialing side of one handshake. Expect, when set, is the
// pubkey the server must prove.
type Client struct {
	SecKey string
	URL    string
	Expect string
	nonce  string
	server string
}

// NewClient prepares a handshake with the server at url.
func NewClient(sk, url, expect string) *Client {
	return &Client{SecKey: sk, URL: url, Expect: expect, nonce: NewNonce()}
}

// Respond answers the server's challenge.
func (c *Client) Respond(challenge string) (ev *nostr.Event, err error) {
	c.server = challenge
	return Sign(c.SecKey, challenge, c.URL, c.nonce)
}

// Confirm checks the server's reply and derives the session secret.
func (c *Client) Confirm(reply *nostr.Event, now time.Time) (res Result,
	err error) {

	if c.server == "" {
		err = ErrNotStarted
		return
	}
	var ok bool
	if res.Peer, ok, err = Validate(reply, c.nonce, c.URL, now); !ok {
		return
	}
	if c.Expect != "" && res.Peer != c.Expect {
		err = fmt.Errorf("%w: expected %s got %s", ErrWrongPeer, c.Expect,
			res.Peer)
		return
	}
	res.Secret, err = Secret(c.SecKey, res.Peer, c.server, c.nonce)
	return
}
