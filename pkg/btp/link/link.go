// Package link defines the JSON envelopes exchanged between two peers over a
// websocket: the handshake, channel announcements, and the prepare /
// fulfill / reject exchange that carries each paid BTP packet.
package link

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/fulfill"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// Type labels an envelope.
type Type string

const (
	AuthChallenge Type = "auth_challenge"
	Auth          Type = "auth"
	AuthOK        Type = "auth_ok"
	Channel       Type = "channel"
	ChannelAck    Type = "channel_ack"
	Prepare       Type = "prepare"
	Fulfill       Type = "fulfill"
	Reject        Type = "reject"
	Heartbeat     Type = "heartbeat"
)

// DefaultExpiry is how long a prepare stays valid when the sender sets no
// expiry of its own.
const DefaultExpiry = 30 * time.Second

var ErrInvalid = errors.New("invalid link envelope")

// Envelope is one message on the link. Which fields are set depends on Type.
type Envelope struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`
	// handshake
	Challenge string       `json:"challenge,omitempty"`
	Event     *nostr.Event `json:"event,omitempty"`
	// channel announcement
	Channel *channel.Channel `json:"channel,omitempty"`
	// prepare
	Amount    uint64       `json:"amount,omitempty"`
	ExpiresAt int64        `json:"expiresAt,omitempty"`
	Condition []byte       `json:"condition,omitempty"`
	Claim     *nostr.Event `json:"claim,omitempty"`
	// Data is the framed packet in a prepare and the serialized response in
	// a fulfill or reject.
	Data        []byte `json:"data,omitempty"`
	Fulfillment []byte `json:"fulfillment,omitempty"`
	// reject, channel_ack
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewPrepare builds a prepare for a framed packet. A zero expiry uses
// DefaultExpiry from now.
func NewPrepare(amount uint64, condition []byte, claim *nostr.Event,
	packet []byte, expiresAt time.Time) *Envelope {

	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultExpiry)
	}
	return &Envelope{
		Type:      Prepare,
		ID:        uuid.NewString(),
		Amount:    amount,
		ExpiresAt: expiresAt.UnixMilli(),
		Condition: condition,
		Claim:     claim,
		Data:      packet,
	}
}

// NewFulfill answers prepare id with f.
func NewFulfill(id string, f *fulfill.Fulfillment) *Envelope {
	return &Envelope{Type: Fulfill, ID: id, Fulfillment: f.Fulfillment,
		Data: f.Data}
}

// NewReject answers prepare id with r.
func NewReject(id string, r *fulfill.Rejection) *Envelope {
	return &Envelope{Type: Reject, ID: id, Code: r.Code, Message: r.Message,
		Data: r.Data}
}

// Expiry returns the prepare's deadline.
func (e *Envelope) Expiry() time.Time { return time.UnixMilli(e.ExpiresAt) }

// Expired reports whether a prepare's deadline has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return !now.Before(e.Expiry())
}

// Rejection returns the rejection carried by a reject envelope.
func (e *Envelope) Rejection() *fulfill.Rejection {
	return &fulfill.Rejection{Code: e.Code, Message: e.Message, Data: e.Data}
}

// Bytes is the JSON encoding of e.
func (e *Envelope) Bytes() (b []byte, err error) { return json.Marshal(e) }

// Parse decodes an envelope and checks the fields its type requires.
func Parse(b []byte) (e *Envelope, err error) {
	e = &Envelope{}
	if err = json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	var missing string
	switch e.Type {
	case AuthChallenge:
		if e.Challenge == "" {
			missing = "challenge"
		}
	case Auth, AuthOK:
		if e.Event == nil {
			missing = "event"
		}
	case Channel:
		if e.Channel == nil || e.ID == "" {
			missing = "channel"
		}
	case ChannelAck:
		if e.ID == "" {
			missing = "id"
		}
	case Prepare:
		switch {
		case e.ID == "":
			missing = "id"
		case e.ExpiresAt == 0:
			missing = "expiresAt"
		case len(e.Data) == 0:
			missing = "data"
		}
	case Fulfill:
		if e.ID == "" || len(e.Fulfillment) == 0 {
			missing = "fulfillment"
		}
	case Reject:
		if e.ID == "" || e.Code == "" {
			missing = "code"
		}
	case Heartbeat:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, e.Type)
	}
	if missing != "" {
		return nil, fmt.Errorf("%w: %s needs %s", ErrInvalid, e.Type, missing)
	}
	return
}
