// Package response holds the four tagged tuple shapes that may be bound into
// a fulfillment or a rejection: OK, EOSE, EVENT and NOTICE.
package response

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

const (
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelEvent  = "EVENT"
	LabelNotice = "NOTICE"
)

// T is implemented by every response variant.
type T interface {
	Label() string
	json.Marshaler
}

// OK acknowledges an event.
type OK struct {
	EventID  string
	Accepted bool
	Message  string
}

// EOSE marks the end of stored events for a subscription.
type EOSE struct {
	SubID string
}

// Event delivers an event on a subscription.
type Event struct {
	SubID string
	Event *nostr.Event
}

// Notice carries a human readable message.
type Notice struct {
	Message string
}

var (
	_ T = (*OK)(nil)
	_ T = (*EOSE)(nil)
	_ T = (*Event)(nil)
	_ T = (*Notice)(nil)
)

func (r *OK) Label() string     { return LabelOK }
func (r *EOSE) Label() string   { return LabelEOSE }
func (r *Event) Label() string  { return LabelEvent }
func (r *Notice) Label() string { return LabelNotice }

func (r *OK) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelOK, r.EventID, r.Accepted, r.Message})
}

func (r *EOSE) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, r.SubID})
}

func (r *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelEvent, r.SubID, r.Event})
}

func (r *Notice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelNotice, r.Message})
}

// ErrInvalid is returned by Parse for anything other than the four shapes.
var ErrInvalid = errors.New("invalid response")

// Parse decodes one of the four tagged tuples.
func Parse(b []byte) (r T, err error) {
	var arr []json.RawMessage
	if err = json.Unmarshal(b, &arr); err != nil {
		err = fmt.Errorf("%w: %s", ErrInvalid, err)
		return
	}
	if len(arr) == 0 {
		err = fmt.Errorf("%w: empty array", ErrInvalid)
		return
	}
	var label string
	if err = json.Unmarshal(arr[0], &label); err != nil {
		err = fmt.Errorf("%w: label is not a string", ErrInvalid)
		return
	}
	arity := map[string]int{LabelOK: 4, LabelEOSE: 2, LabelEvent: 3,
		LabelNotice: 2}
	n, known := arity[label]
	if !known {
		err = fmt.Errorf("%w: unknown label %q", ErrInvalid, label)
		return
	}
	if len(arr) != n {
		err = fmt.Errorf("%w: %s needs %d elements, got %d", ErrInvalid,
			label, n, len(arr))
		return
	}
	switch label {
	case LabelOK:
		ok := &OK{}
		err = unmarshalAll(arr[1:], &ok.EventID, &ok.Accepted, &ok.Message)
		r = ok
	case LabelEOSE:
		e := &EOSE{}
		err = unmarshalAll(arr[1:], &e.SubID)
		r = e
	case LabelEvent:
		e := &Event{Event: &nostr.Event{}}
		err = unmarshalAll(arr[1:], &e.SubID, e.Event)
		r = e
	case LabelNotice:
		n := &Notice{}
		err = unmarshalAll(arr[1:], &n.Message)
		r = n
	}
	if err != nil {
		r = nil
	}
	return
}

func unmarshalAll(raw []json.RawMessage, v ...any) (err error) {
	for i := range v {
		if err = json.Unmarshal(raw[i], v[i]); err != nil {
			return fmt.Errorf("%w: element %d: %s", ErrInvalid, i+1, err)
		}
	}
	return
}
