// Package audiosocket implements the Asterisk AudioSocket framing protocol.
//
// Every message on the wire is a 3-byte header followed by a payload:
//
//	[type:1][length:2 big-endian][payload:length]
//
// The telephony side sends a SessionId frame once at connection start, then a
// continuous stream of Audio frames, and a Hangup frame when the call ends.
// [Reader] decodes frames from a byte stream with a bounded header wait so
// callers can emit keepalives while the line is quiet; [Encode] and
// [WriteFrame] build frames for the opposite direction.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Type identifies the kind of an AudioSocket frame.
type Type uint8

const (
	// TypeHangup terminates the session. It carries no payload.
	TypeHangup Type = 0x00

	// TypeSessionID carries the call UUID, sent once at connection start.
	TypeSessionID Type = 0x01

	// TypeAudio carries raw audio in the encoding agreed for the trunk.
	TypeAudio Type = 0x10

	// TypeError is sent by Asterisk when its side of the socket fails. It is
	// not part of the bridge's contract and is skipped like unknown types.
	TypeError Type = 0xff
)

const (
	// HeaderSize is the size of the type+length header in bytes.
	HeaderSize = 3

	// MaxPayload is the largest payload the 16-bit length field can describe.
	MaxPayload = 0xffff
)

var (
	// ErrProtocol is returned when the stream ends inside a frame header or
	// a frame is otherwise malformed. It is fatal to the session.
	ErrProtocol = errors.New("audiosocket: protocol error")

	// ErrPayloadTooLarge is returned by Encode when the payload does not fit
	// into the 16-bit length field.
	ErrPayloadTooLarge = errors.New("audiosocket: payload too large")
)

// String returns the protocol name of t.
func (t Type) String() string {
	switch t {
	case TypeHangup:
		return "hangup"
	case TypeSessionID:
		return "session_id"
	case TypeAudio:
		return "audio"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Known reports whether t is one of the frame types the bridge acts on.
func (t Type) Known() bool {
	return t == TypeHangup || t == TypeSessionID || t == TypeAudio
}

// Frame is one decoded AudioSocket message.
type Frame struct {
	Type    Type
	Payload []byte
}

// SessionID parses the payload of a SessionId frame. Asterisk sends the call
// UUID as 16 raw bytes; some gateways send the textual form instead, which is
// accepted as a fallback.
func (f Frame) SessionID() (uuid.UUID, error) {
	if f.Type != TypeSessionID {
		return uuid.Nil, fmt.Errorf("audiosocket: frame type %s carries no session id", f.Type)
	}
	if len(f.Payload) == 16 {
		return uuid.FromBytes(f.Payload)
	}
	id, err := uuid.ParseBytes(f.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("audiosocket: parse session id: %w", err)
	}
	return id, nil
}

// String returns a compact description of the frame for logging.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Type:%s, Len:%d}", f.Type, len(f.Payload))
}

// Encode builds the wire representation of a frame.
func Encode(t Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame encodes a frame and writes it to w in a single Write call so that
// concurrent writers serialised by a mutex never interleave partial frames.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	buf, err := Encode(t, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("audiosocket: write %s frame: %w", t, err)
	}
	return nil
}

// Hangup returns the encoded Hangup frame.
func Hangup() []byte {
	return []byte{byte(TypeHangup), 0, 0}
}
