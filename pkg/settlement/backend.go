// Package settlement finalizes accumulated channel claims on the value
// transfer system behind each channel. Each scheme is one variant of Backend;
// the Manager decides when to settle and retries while a backend is down.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
)

var log, chk = slog.New(os.Stderr, "settlement")

var (
	ErrUnavailable       = errors.New("settlement backend unavailable")
	ErrUnknownScheme     = errors.New("no backend for scheme")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownChannel    = errors.New("channel unknown to backend")
	ErrMismatch          = errors.New("channel does not match backend record")
	ErrInvalidRequest    = errors.New("invalid open request")
)

// OpenRequest asks a backend to open a channel.
type OpenRequest struct {
	Sender    string
	Recipient string
	Currency  string
	Capacity  uint64
	Duration  time.Duration
}

// Receipt records one completed settlement.
type Receipt struct {
	ID        string         `json:"id"`
	Scheme    channel.Scheme `json:"scheme"`
	ChannelID string         `json:"channelId"`
	// Amount is what this settlement moved, Total the cumulative amount
	// settled on the channel afterwards.
	Amount    uint64    `json:"amount"`
	Total     uint64    `json:"total"`
	Claims    uint64    `json:"claims"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

// Backend is the capability every settlement scheme provides.
type Backend interface {
	Scheme() channel.Scheme
	// Open creates a channel funded by the sender.
	Open(c context.Context, req OpenRequest) (ch channel.Channel, err error)
	// Verify lets the recipient confirm a channel announced by the sender.
	Verify(c context.Context, ch channel.Channel) (err error)
	Close(c context.Context, ch channel.Channel) (err error)
	RecordClaim(c context.Context, ch channel.Channel,
		cl channel.Claim) (err error)
	ShouldSettle(ch channel.Channel, now time.Time) bool
	Settle(c context.Context, ch channel.Channel) (r Receipt, err error)
}

// Registry maps each scheme to its backend.
type Registry map[channel.Scheme]Backend

// NewRegistry builds a registry from backends.
func NewRegistry(backends ...Backend) Registry {
	r := make(Registry, len(backends))
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces the backend for its scheme.
func (r Registry) Register(b Backend) { r[b.Scheme()] = b }

// Get returns the backend for s.
func (r Registry) Get(s channel.Scheme) (b Backend, err error) {
	var ok bool
	if b, ok = r[s]; !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownScheme, s)
	}
	return
}

// Schemes lists the registered schemes.
func (r Registry) Schemes() (s []channel.Scheme) {
	for _, k := range channel.Schemes {
		if _, ok := r[k]; ok {
			s = append(s, k)
		}
	}
	return
}

func validate(req OpenRequest) error {
	switch {
	case req.Sender == "" || req.Recipient == "":
		return fmt.Errorf("%w: both parties are required", ErrInvalidRequest)
	case req.Sender == req.Recipient:
		return fmt.Errorf("%w: sender and recipient are the same",
			ErrInvalidRequest)
	case req.Capacity == 0:
		return fmt.Errorf("%w: zero capacity", ErrInvalidRequest)
	}
	return nil
}

func newChannel(id string, s channel.Scheme, req OpenRequest,
	now time.Time) channel.Channel {

	ch := channel.Channel{
		ID:        id,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Currency:  req.Currency,
		Scheme:    s,
		Capacity:  req.Capacity,
		CreatedAt: now,
	}
	if req.Duration > 0 {
		ch.Expiration = now.Add(req.Duration)
	}
	return ch
}
