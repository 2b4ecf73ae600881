// Package proto defines the wire message contract consumed by the transport
// core, together with a default length-prefixed frame codec.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Message is one self-delimiting unit of the wire protocol.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Codec serializes messages onto a stream and reads them back.
//
// Decode must return a bare io.EOF when the stream ends cleanly before the
// first byte of a message, so callers can tell a closed peer from a torn frame.
type Codec interface {
	// Decode reads exactly one message from r.
	Decode(r io.Reader) (Message, error)
	// Encode writes m to w.
	Encode(w io.Writer, m Message) error
}

// Message types understood by the default codec.
const (
	MessageTypeRequest  uint8 = 0x1
	MessageTypeResponse uint8 = 0x2
	MessageTypeData     uint8 = 0x3
)

// HeaderLength is the size of an encoded MessageHeader.
const HeaderLength = 10

// DefaultMaxLength bounds a single payload (4MB).
const DefaultMaxLength = 4 << 20

// ErrMessageTooLarge is returned when a frame declares a payload above the codec limit.
var ErrMessageTooLarge = errors.New("message too large")

// MessageHeader precedes every frame:
//
//	[4 bytes] payload length (big-endian uint32)
//	[4 bytes] stream id (big-endian uint32)
//	[1 byte]  message type
//	[1 byte]  flags
type MessageHeader struct {
	Length   uint32
	StreamID uint32
	Type     uint8
	Flags    uint8
}

func (h MessageHeader) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Length)
	binary.BigEndian.PutUint32(b[4:8], h.StreamID)
	b[8] = h.Type
	b[9] = h.Flags
}

func decodeHeader(b []byte) MessageHeader {
	return MessageHeader{
		Length:   binary.BigEndian.Uint32(b[0:4]),
		StreamID: binary.BigEndian.Uint32(b[4:8]),
		Type:     b[8],
		Flags:    b[9],
	}
}

// GenMessage is the generic frame produced by FrameCodec.
type GenMessage struct {
	Header  MessageHeader
	Payload []byte
}

// NewGenMessage builds a frame with a header matching payload.
func NewGenMessage(streamID uint32, typ uint8, payload []byte) *GenMessage {
	return &GenMessage{
		Header: MessageHeader{
			Length:   uint32(len(payload)),
			StreamID: streamID,
			Type:     typ,
		},
		Payload: payload,
	}
}

func (m *GenMessage) Length() int {
	return len(m.Payload)
}

func (m *GenMessage) Body() []byte {
	return m.Payload
}

func (m *GenMessage) String() string {
	return fmt.Sprintf("GenMessage{stream=%d type=%d flags=%d len=%d}",
		m.Header.StreamID, m.Header.Type, m.Header.Flags, len(m.Payload))
}

// FrameCodec is the default Codec: a fixed header followed by the payload.
// Messages that are not *GenMessage are sent as data frames on stream 0.
type FrameCodec struct {
	// MaxLength caps the payload accepted by Decode. Zero means DefaultMaxLength.
	MaxLength int
}

func (c FrameCodec) maxLength() int {
	if c.MaxLength <= 0 {
		return DefaultMaxLength
	}
	return c.MaxLength
}

// Encode writes the header and payload of m to w.
func (c FrameCodec) Encode(w io.Writer, m Message) error {
	var hdr MessageHeader
	if gm, ok := m.(*GenMessage); ok {
		hdr = gm.Header
	} else {
		hdr = MessageHeader{Type: MessageTypeData}
	}
	body := m.Body()
	if len(body) > c.maxLength() {
		return NewError(KindOther, "encode", ErrMessageTooLarge)
	}
	hdr.Length = uint32(len(body))

	var b [HeaderLength]byte
	hdr.encode(b[:])
	if _, err := w.Write(b[:]); err != nil {
		return NewError(KindTransport, "write header", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return NewError(KindTransport, "write payload", err)
		}
	}
	return nil
}

// Decode reads one frame from r. It returns io.EOF unchanged when r is
// exhausted before the header starts.
func (c FrameCodec) Decode(r io.Reader) (Message, error) {
	var b [HeaderLength]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, NewError(KindDecode, "read header", err)
		}
		return nil, NewError(KindTransport, "read header", err)
	}
	hdr := decodeHeader(b[:])
	if int64(hdr.Length) > int64(c.maxLength()) {
		return nil, NewError(KindDecode, "read header",
			errors.Wrapf(ErrMessageTooLarge, "declared %d bytes", hdr.Length))
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, NewError(KindDecode, "read payload", io.ErrUnexpectedEOF)
		}
		return nil, NewError(KindTransport, "read payload", err)
	}
	return &GenMessage{Header: hdr, Payload: payload}, nil
}
