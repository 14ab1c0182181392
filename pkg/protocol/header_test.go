package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	var h Header
	h.Version = Version
	h.Type = TypeFWChunk
	h.Source = SourceCloud
	h.Flags = FlagNeedsAck | FlagFinal
	h.Seq = 4242
	h.PayloadLen = 520
	h.Timestamp = 1756100000

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("header size = %d", len(b))
	}
	if b[0] != 'A' || b[1] != 'K' {
		t.Fatalf("magic = %q%q", b[0], b[1])
	}

	var h2 Header
	if err := h2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if h2 != h {
		t.Fatalf("headers differ: %#v vs %#v", h2, h)
	}
}

func TestHeaderShort(t *testing.T) {
	var h Header
	if err := h.UnmarshalBinary(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("short header err = %v", err)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	b, _ := NewHeader(TypeHeartbeat, SourceInternal).MarshalBinary()
	b[0] = 'X'
	var h Header
	if err := h.UnmarshalBinary(b); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("bad magic err = %v", err)
	}
}

func TestNewHeaderSequence(t *testing.T) {
	a := NewHeader(TypeHeartbeat, SourceInternal)
	b := NewHeader(TypeHeartbeat, SourceInternal)
	if b.Seq != a.Seq+1 {
		t.Fatalf("seq not monotonic: %d then %d", a.Seq, b.Seq)
	}
	if a.Version != Version {
		t.Fatalf("version = %#x", a.Version)
	}
}

func TestTypeCategory(t *testing.T) {
	cases := []struct {
		typ Type
		cat Category
	}{
		{TypeHeartbeat, CatSystem},
		{TypeFWChunk, CatOTA},
		{TypeAppMetadata, CatApp},
		{TypeSensorData, CatData},
		{TypeCmdReboot, CatControl},
		{TypeNotifyAlert, CatNotify},
	}
	for _, c := range cases {
		if got := c.typ.Category(); got != c.cat {
			t.Fatalf("%v category = %#x, want %#x", c.typ, got, c.cat)
		}
	}
}

func TestFrameRoundtrip(t *testing.T) {
	payload := []byte("akira payload")
	m := NewMessage(TypeStatusResponse, SourceInternal, payload)
	m.Header.Flags = FlagResponse

	frame, err := m.EncodeFrame()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != HeaderSize+len(payload) {
		t.Fatalf("frame size = %d", len(frame))
	}

	m2, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m2.Header != m.Header {
		t.Fatalf("headers differ: %#v vs %#v", m2.Header, m.Header)
	}
	if !bytes.Equal(m2.Payload, payload) {
		t.Fatalf("payload differs")
	}

	// decoded payload must be an owned copy
	frame[HeaderSize] = 'X'
	if m2.Payload[0] == 'X' {
		t.Fatalf("payload aliases input buffer")
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	m := NewMessage(TypeHeartbeat, SourceInternal, nil)
	frame, err := m.EncodeFrame()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m2, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m2.Payload != nil {
		t.Fatalf("empty payload decoded as %v", m2.Payload)
	}
}

func TestFrameTruncated(t *testing.T) {
	m := NewMessage(TypeLogData, SourceWeb, []byte("0123456789"))
	frame, _ := m.EncodeFrame()
	if _, err := DecodeFrame(frame[:len(frame)-3]); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("truncated err = %v", err)
	}
}

func TestEncodeToShortBuffer(t *testing.T) {
	m := NewMessage(TypeLogData, SourceWeb, []byte("0123456789"))
	buf := make([]byte, m.WireSize()-1)
	if _, err := m.EncodeTo(buf); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("short buffer err = %v", err)
	}
}
