package protocol

import (
	"errors"
	"fmt"
)

// MaxPayload caps a single message payload. Chunked transfers keep
// individual frames far below this; the guard rejects corrupt length
// fields before allocation.
const MaxPayload = 64 * 1024

var (
	ErrShortBuffer    = errors.New("protocol: buffer too small")
	ErrPayloadTooBig  = errors.New("protocol: payload too big")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
)

// Message is a parsed or to-be-sent protocol message. Payload is owned by
// the message; DecodeFrame copies it out of the input buffer.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message with a fresh header. payload is referenced,
// not copied.
func NewMessage(t Type, src Source, payload []byte) *Message {
	h := NewHeader(t, src)
	h.PayloadLen = uint32(len(payload))
	return &Message{Header: h, Payload: payload}
}

// WireSize returns the encoded size of the message.
func (m *Message) WireSize() int { return HeaderSize + len(m.Payload) }

// EncodeFrame serializes the message into a fresh buffer.
func (m *Message) EncodeFrame() ([]byte, error) {
	buf := make([]byte, m.WireSize())
	if _, err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo serializes the message into buf and returns the number of bytes
// written. The header's PayloadLen is forced to match the actual payload.
func (m *Message) EncodeTo(buf []byte) (int, error) {
	if len(m.Payload) > MaxPayload {
		return 0, ErrPayloadTooBig
	}
	n := m.WireSize()
	if len(buf) < n {
		return 0, ErrShortBuffer
	}
	h := m.Header
	h.PayloadLen = uint32(len(m.Payload))
	h.marshalTo(buf[:HeaderSize])
	copy(buf[HeaderSize:n], m.Payload)
	return n, nil
}

// DecodeFrame parses one message from buf. The returned message owns a
// copy of the payload, so buf may be reused. A zero-length payload
// decodes as a nil slice.
func DecodeFrame(buf []byte) (*Message, error) {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if h.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, h.PayloadLen)
	}
	if uint32(len(buf)-HeaderSize) < h.PayloadLen {
		return nil, ErrTruncatedFrame
	}
	m := &Message{Header: h}
	if h.PayloadLen > 0 {
		m.Payload = make([]byte, h.PayloadLen)
		copy(m.Payload, buf[HeaderSize:HeaderSize+int(h.PayloadLen)])
	}
	return m, nil
}
