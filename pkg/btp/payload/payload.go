// Package payload decodes and validates the JSON carried inside a BTP-NIPs
// packet: a payment section, the nostr message body and sender metadata.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Payment describes what the sender paid for the packet.
type Payment struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Purpose  string `json:"purpose"`
}

// Metadata identifies the sender and when the packet was built.
type Metadata struct {
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

// T is a validated BTP-NIPs payload. Nostr holds the message type specific
// body, see the *Body types.
type T struct {
	Payment  Payment         `json:"payment"`
	Nostr    json.RawMessage `json:"nostr"`
	Metadata Metadata        `json:"metadata"`
}

// ValidationError lists every required path that was absent or null.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

// ErrMalformed is returned when the payload is not a JSON object or a field
// has the wrong type.
var ErrMalformed = errors.New("malformed payload")

var sections = []struct {
	name   string
	leaves []string
}{
	{"payment", []string{"amount", "currency", "purpose"}},
	{"nostr", nil},
	{"metadata", []string{"timestamp", "sender"}},
}

func present(raw json.RawMessage, ok bool) bool {
	return ok && len(raw) > 0 && string(raw) != "null"
}

// Parse decodes b and checks that all sections and leaf fields are present.
// A missing section is reported by its own path only.
func Parse(b []byte) (p *T, err error) {
	var top map[string]json.RawMessage
	if err = json.Unmarshal(b, &top); err != nil {
		err = fmt.Errorf("%w: %s", ErrMalformed, err)
		return
	}
	var missing []string
	for _, s := range sections {
		raw, ok := top[s.name]
		if !present(raw, ok) {
			missing = append(missing, s.name)
			continue
		}
		if len(s.leaves) == 0 {
			continue
		}
		var inner map[string]json.RawMessage
		if err = json.Unmarshal(raw, &inner); err != nil {
			err = fmt.Errorf("%w: %s is not an object", ErrMalformed, s.name)
			return
		}
		for _, leaf := range s.leaves {
			if v, ok := inner[leaf]; !present(v, ok) {
				missing = append(missing, s.name+"."+leaf)
			}
		}
	}
	if len(missing) > 0 {
		err = &ValidationError{Missing: missing}
		return
	}
	p = &T{}
	if err = json.Unmarshal(b, p); err != nil {
		p = nil
		err = fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return
}

// Amount parses the decimal payment amount.
func (p *T) Amount() (amt uint64, err error) {
	if amt, err = strconv.ParseUint(p.Payment.Amount, 10, 64); err != nil {
		err = fmt.Errorf("%w: amount %q", ErrMalformed, p.Payment.Amount)
	}
	return
}

// Body decodes the nostr section into v.
func (p *T) Body(v any) (err error) {
	if err = json.Unmarshal(p.Nostr, v); err != nil {
		err = fmt.Errorf("%w: nostr body: %s", ErrMalformed, err)
	}
	return
}

// New builds a payload around a message body.
func New(amount uint64, currency, purpose, sender string, body any) (
	p *T, err error) {

	var raw []byte
	if raw, err = json.Marshal(body); err != nil {
		return
	}
	p = &T{
		Payment: Payment{
			Amount:   strconv.FormatUint(amount, 10),
			Currency: currency,
			Purpose:  purpose,
		},
		Nostr: raw,
		Metadata: Metadata{
			Timestamp: time.Now().Unix(),
			Sender:    sender,
		},
	}
	return
}

// Bytes is the JSON encoding of the payload.
func (p *T) Bytes() ([]byte, error) { return json.Marshal(p) }

// Message bodies carried in the nostr section, one per packet type.
type (
	EventBody struct {
		SubID string       `json:"subId,omitempty"`
		Event *nostr.Event `json:"event"`
	}
	ReqBody struct {
		SubID   string        `json:"subId"`
		Filters nostr.Filters `json:"filters"`
	}
	CloseBody struct {
		SubID string `json:"subId"`
	}
	NoticeBody struct {
		Message string `json:"message"`
	}
	EOSEBody struct {
		SubID string `json:"subId"`
	}
	OKBody struct {
		EventID  string `json:"eventId"`
		Accepted bool   `json:"accepted"`
		Message  string `json:"message"`
	}
	AuthBody struct {
		Event *nostr.Event `json:"event"`
	}
)
