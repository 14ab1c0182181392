package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestStatusRoundtrip(t *testing.T) {
	s := Status{
		FWVersion:   [4]byte{1, 2, 3, 4},
		Uptime:      86400,
		BatteryMV:   3700,
		BatteryPct:  85,
		CPUUsage:    12,
		FreeMemory:  128 * 1024,
		FreeStorage: 2048 * 1024,
		AppCount:    3,
		RunningApps: 1,
	}
	b, err := s.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != StatusSize {
		t.Fatalf("status size = %d", len(b))
	}

	var s2 Status
	if err := s2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s2 != s {
		t.Fatalf("status differs: %#v vs %#v", s2, s)
	}
}

func TestFirmwareMetadataRoundtrip(t *testing.T) {
	fm := FirmwareMetadata{
		Version:      [4]byte{2, 1, 0, 0},
		Size:         262144,
		ChunkSize:    512,
		ChunkCount:   512,
		ReleaseNotes: "fixes BLE reconnect loop",
	}
	for i := range fm.Hash {
		fm.Hash[i] = byte(i)
	}
	b, err := fm.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != FirmwareMetadataSize {
		t.Fatalf("metadata size = %d", len(b))
	}

	var fm2 FirmwareMetadata
	if err := fm2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fm2 != fm {
		t.Fatalf("metadata differs: %#v vs %#v", fm2, fm)
	}
	if got := VersionString(fm2.Version); got != "2.1.0.0" {
		t.Fatalf("version string = %q", got)
	}
}

func TestChunkRoundtrip(t *testing.T) {
	c := Chunk{Index: 7, Offset: 7 * 512, Data: bytes.Repeat([]byte{0xAB}, 512)}
	b, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != ChunkHeaderSize+512 {
		t.Fatalf("chunk size = %d", len(b))
	}

	var c2 Chunk
	if err := c2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c2.Index != c.Index || c2.Offset != c.Offset || !bytes.Equal(c2.Data, c.Data) {
		t.Fatalf("chunk differs")
	}
}

func TestChunkShortData(t *testing.T) {
	c := Chunk{Index: 1, Offset: 512, Data: make([]byte, 64)}
	b, _ := c.MarshalBinary()
	// declared size exceeds remaining bytes
	if err := new(Chunk).UnmarshalBinary(b[:ChunkHeaderSize+10]); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("short chunk err = %v", err)
	}
}

func TestAppMetadataRoundtrip(t *testing.T) {
	am := AppMetadata{
		AppID:       "com.akira.weather",
		Name:        "Weather",
		Version:     [4]byte{0, 9, 1, 0},
		Size:        40960,
		Permissions: 0x0000000000000013,
		ChunkSize:   1024,
		ChunkCount:  40,
	}
	b, err := am.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != AppMetadataSize {
		t.Fatalf("metadata size = %d", len(b))
	}

	var am2 AppMetadata
	if err := am2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if am2 != am {
		t.Fatalf("metadata differs: %#v vs %#v", am2, am)
	}
}

func TestCatalogRoundtrip(t *testing.T) {
	entries := []AppEntry{
		{AppID: "com.akira.weather", Name: "Weather", Version: [4]byte{0, 9, 1, 0}, Installed: true},
		{AppID: "com.akira.timer", Name: "Timer", Version: [4]byte{1, 0, 0, 0}, Installed: true, HasUpdate: true},
	}
	b, err := EncodeCatalog(entries)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != 2+2*AppEntrySize {
		t.Fatalf("catalog size = %d", len(b))
	}

	got, err := DecodeCatalog(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("catalog differs: %#v", got)
	}
}

func TestCatalogEmpty(t *testing.T) {
	b, err := EncodeCatalog(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeCatalog(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty catalog decoded %d entries", len(got))
	}
}

func TestCatalogSizeMismatch(t *testing.T) {
	b, _ := EncodeCatalog([]AppEntry{{AppID: "a"}})
	if _, err := DecodeCatalog(b[:len(b)-1]); !errors.Is(err, ErrCatalogSize) {
		t.Fatalf("truncated catalog err = %v", err)
	}
	b[0] = 9 // count lies
	if _, err := DecodeCatalog(b); !errors.Is(err, ErrCatalogSize) {
		t.Fatalf("overcounted catalog err = %v", err)
	}
}

func TestNotificationRoundtrip(t *testing.T) {
	n := Notification{Priority: 2, Category: 1, Title: "Battery low", Body: "15% remaining"}
	b, err := n.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var n2 Notification
	if err := n2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n2 != n {
		t.Fatalf("notification differs: %#v vs %#v", n2, n)
	}
}

func TestErrorInfoRoundtrip(t *testing.T) {
	e := ErrorInfo{Code: 0x0102, Severity: 3, Message: "flash write failed"}
	b, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != ErrorInfoSize {
		t.Fatalf("error info size = %d", len(b))
	}

	var e2 ErrorInfo
	if err := e2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e2 != e {
		t.Fatalf("error info differs: %#v vs %#v", e2, e)
	}
}

func TestZeroHash(t *testing.T) {
	var h [HashLen]byte
	if !ZeroHash(h) {
		t.Fatalf("zero hash not detected")
	}
	h[31] = 1
	if ZeroHash(h) {
		t.Fatalf("nonzero hash reported zero")
	}
}
