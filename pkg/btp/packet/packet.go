// Package packet implements the BTP-NIPs binary framing: a four byte header
// carrying the version, the message type and the big-endian payload length,
// followed by exactly that many bytes of JSON payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only framing version understood by this relay.
const Version uint8 = 1

// HeaderLen is the size of the fixed header in front of every payload.
const HeaderLen = 4

// MaxPayload is the largest payload that can be described by the u16 length.
const MaxPayload = 0xffff

// MessageType identifies the nostr message carried in the payload.
type MessageType uint8

const (
	EVENT MessageType = iota + 1
	REQ
	CLOSE
	NOTICE
	EOSE
	OK
	AUTH
)

var typeNames = map[MessageType]string{
	EVENT:  "EVENT",
	REQ:    "REQ",
	CLOSE:  "CLOSE",
	NOTICE: "NOTICE",
	EOSE:   "EOSE",
	OK:     "OK",
	AUTH:   "AUTH",
}

// Valid reports whether m is one of the seven defined message types.
func (m MessageType) Valid() bool { return m >= EVENT && m <= AUTH }

func (m MessageType) String() string {
	if s, ok := typeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
}

// TypeFromString maps a message label back to its code.
func TypeFromString(s string) (m MessageType, ok bool) {
	for k, v := range typeNames {
		if v == s {
			return k, true
		}
	}
	return
}

// T is a decoded packet. Packets are treated as immutable once framed.
type T struct {
	Version uint8
	Type    MessageType
	Payload []byte
}

// Kind classifies a framing failure.
type Kind uint8

const (
	InvalidVersion Kind = iota + 1
	InvalidMessageType
	PayloadLengthMismatch
)

func (k Kind) String() string {
	switch k {
	case InvalidVersion:
		return "InvalidVersion"
	case InvalidMessageType:
		return "InvalidMessageType"
	case PayloadLengthMismatch:
		return "PayloadLengthMismatch"
	}
	return "Unknown"
}

var (
	ErrInvalidVersion        = errors.New("invalid version")
	ErrInvalidMessageType    = errors.New("invalid message type")
	ErrPayloadLengthMismatch = errors.New("payload length mismatch")
	ErrPayloadTooLarge       = errors.New("payload too large")
)

// DecodeError is returned by Decode for every framing failure.
type DecodeError struct {
	Kind     Kind
	Version  uint8
	Type     uint8
	Declared int
	Actual   int
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case InvalidVersion:
		return fmt.Sprintf("invalid version: %d", e.Version)
	case InvalidMessageType:
		return fmt.Sprintf("invalid message type: %d", e.Type)
	case PayloadLengthMismatch:
		return fmt.Sprintf("payload length mismatch: header declares %d, got %d",
			e.Declared, e.Actual)
	}
	return "decode error"
}

// Is makes DecodeError match the package sentinel for its Kind.
func (e *DecodeError) Is(target error) bool {
	switch e.Kind {
	case InvalidVersion:
		return target == ErrInvalidVersion
	case InvalidMessageType:
		return target == ErrInvalidMessageType
	case PayloadLengthMismatch:
		return target == ErrPayloadLengthMismatch
	}
	return false
}

// Encode frames payload as a packet of the given type.
func Encode(typ MessageType, payload []byte) (b []byte, err error) {
	if !typ.Valid() {
		err = fmt.Errorf("%w: %d", ErrInvalidMessageType, uint8(typ))
		return
	}
	if len(payload) > MaxPayload {
		err = fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
		return
	}
	b = make([]byte, HeaderLen+len(payload))
	b[0] = Version
	b[1] = uint8(typ)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[HeaderLen:], payload)
	return
}

// Decode parses a whole frame. Version, type and length are checked in that
// order; a buffer shorter than the header is a length mismatch.
func Decode(b []byte) (p *T, err error) {
	if len(b) < HeaderLen {
		err = &DecodeError{Kind: PayloadLengthMismatch, Declared: -1,
			Actual: len(b) - HeaderLen}
		return
	}
	if b[0] != Version {
		err = &DecodeError{Kind: InvalidVersion, Version: b[0]}
		return
	}
	typ := MessageType(b[1])
	if !typ.Valid() {
		err = &DecodeError{Kind: InvalidMessageType, Type: b[1]}
		return
	}
	declared := int(binary.BigEndian.Uint16(b[2:4]))
	if actual := len(b) - HeaderLen; declared != actual {
		err = &DecodeError{Kind: PayloadLengthMismatch, Declared: declared,
			Actual: actual}
		return
	}
	payload := make([]byte, declared)
	copy(payload, b[HeaderLen:])
	p = &T{Version: b[0], Type: typ, Payload: payload}
	return
}

// Bytes re-frames the packet.
func (p *T) Bytes() (b []byte, err error) { return Encode(p.Type, p.Payload) }
