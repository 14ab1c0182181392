package protocol

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"
)

const (
	// HeaderSize is the fixed wire size of a message header.
	HeaderSize = 16

	MagicA = 'A'
	MagicK = 'K'

	VersionMajor = 1
	VersionMinor = 0

	// Version packs major/minor into one byte: high nibble major, low minor.
	Version = VersionMajor<<4 | VersionMinor
)

var (
	ErrShortHeader = errors.New("protocol: short header")
	ErrBadMagic    = errors.New("protocol: bad magic")
)

// Header is the 16-byte wire header. All multi-byte fields are
// little-endian on the wire.
type Header struct {
	Version    uint8
	Type       Type
	Source     Source
	Flags      uint8
	Seq        uint16
	PayloadLen uint32
	Timestamp  uint32 // unix seconds
}

var seqCounter atomic.Uint32

// NewHeader builds a header for a fresh outgoing message: current protocol
// version, next process-wide sequence number, current time.
func NewHeader(t Type, src Source) Header {
	return Header{
		Version:   Version,
		Type:      t,
		Source:    src,
		Seq:       uint16(seqCounter.Add(1)),
		Timestamp: uint32(time.Now().Unix()),
	}
}

// MarshalBinary writes the header into a fresh HeaderSize-byte slice.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.marshalTo(buf)
	return buf, nil
}

func (h Header) marshalTo(buf []byte) {
	buf[0] = MagicA
	buf[1] = MagicK
	buf[2] = h.Version
	buf[3] = uint8(h.Type)
	buf[4] = uint8(h.Source)
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], h.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.Timestamp)
}

// UnmarshalBinary parses a header from buf. buf may be longer than
// HeaderSize; extra bytes are ignored.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	if buf[0] != MagicA || buf[1] != MagicK {
		return ErrBadMagic
	}
	h.Version = buf[2]
	h.Type = Type(buf[3])
	h.Source = Source(buf[4])
	h.Flags = buf[5]
	h.Seq = binary.LittleEndian.Uint16(buf[6:8])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[8:12])
	h.Timestamp = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}

// IsResponse reports whether the response flag is set.
func (h Header) IsResponse() bool { return h.Flags&FlagResponse != 0 }

// IsError reports whether the error flag is set.
func (h Header) IsError() bool { return h.Flags&FlagError != 0 }
