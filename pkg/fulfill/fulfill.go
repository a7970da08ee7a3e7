// Package fulfill builds and checks condition/fulfillment pairs bound to a
// serialized response, and maps failures to the fixed rejection codes.
package fulfill

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/response"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/minio/sha256-simd"
)

var log, chk = slog.New(os.Stderr, "fulfill")

// Len is the size of both conditions and fulfillments.
const Len = 32

var (
	// ErrConditionMismatch means a supplied fulfillment does not hash to the
	// condition it was paired with.
	ErrConditionMismatch = errors.New("fulfillment does not match condition")
	ErrBadLength         = errors.New("fulfillment and condition must be 32 bytes")
)

// Fulfillment proves a packet was paid for and carries the response.
type Fulfillment struct {
	Fulfillment []byte
	Data        []byte
}

// Condition is the SHA-256 of a fulfillment.
func Condition(fulfillment []byte) []byte {
	h := sha256.Sum256(fulfillment)
	return h[:]
}

// Derive computes the fulfillment both ends of a session agree on for data,
// keyed by the session secret.
func Derive(secret, data []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(data)
	return m.Sum(nil)
}

// Zero is the explicit "no proof" fulfillment used for unconditional
// responses.
func Zero() []byte { return make([]byte, Len) }

// CreateFulfillment serializes resp and pairs it with fulfillment, or with
// Zero when none is given. A supplied fulfillment that does not hash to
// condition is an error.
func CreateFulfillment(resp response.T, condition []byte,
	fulfillment ...[]byte) (f *Fulfillment, err error) {

	var ff []byte
	if len(fulfillment) > 0 && fulfillment[0] != nil {
		ff = fulfillment[0]
		if len(ff) != Len || len(condition) != Len {
			err = fmt.Errorf("%w: got %d and %d", ErrBadLength, len(ff),
				len(condition))
			return
		}
		if !VerifyFulfillment(ff, condition) {
			err = ErrConditionMismatch
			return
		}
	} else {
		ff = Zero()
	}
	var data []byte
	if data, err = json.Marshal(resp); chk.E(err) {
		return
	}
	f = &Fulfillment{Fulfillment: ff, Data: data}
	return
}

// VerifyFulfillment reports whether SHA-256(fulfillment) equals condition.
// Any length other than 32 on either side is false. The comparison takes the
// same time whichever byte differs.
func VerifyFulfillment(fulfillment, condition []byte) bool {
	if len(fulfillment) != Len || len(condition) != Len {
		return false
	}
	h := sha256.Sum256(fulfillment)
	return subtle.ConstantTimeCompare(h[:], condition) == 1
}

// Category names a class of packet failure.
type Category int

const (
	TemporaryFailure Category = iota
	InvalidPacket
	ApplicationError
	InsufficientDestinationAmount
)

// Codes are wire constants and must not be renumbered.
const (
	CodeTemporaryFailure              = "F99"
	CodeInvalidPacket                 = "F01"
	CodeApplicationError              = "F02"
	CodeInsufficientDestinationAmount = "F03"
)

// Code returns the rejection code for c, F99 for anything unknown.
func (c Category) Code() string {
	switch c {
	case InvalidPacket:
		return CodeInvalidPacket
	case ApplicationError:
		return CodeApplicationError
	case InsufficientDestinationAmount:
		return CodeInsufficientDestinationAmount
	}
	return CodeTemporaryFailure
}

// Rejection is returned to the paying counterparty in place of a fulfillment.
type Rejection struct {
	Code    string
	Message string
	Data    []byte
}

func (r *Rejection) Error() string { return r.Code + ": " + r.Message }

// CreateRejection classifies err, defaulting to a temporary failure. Data is
// always a serialized NOTICE carrying the message.
func CreateRejection(err error, category ...Category) (r *Rejection) {
	c := TemporaryFailure
	if len(category) > 0 {
		c = category[0]
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r = &Rejection{Code: c.Code(), Message: msg}
	var e error
	if r.Data, e = json.Marshal(&response.Notice{Message: msg}); chk.E(e) {
		log.E.Ln("unable to encode rejection notice", e)
	}
	return
}
