package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed wire sizes of the packed payload structs.
const (
	StatusSize           = 22
	FirmwareMetadataSize = 172
	ChunkHeaderSize      = 8
	AppMetadataSize      = 116
	AppEntrySize         = 70
	ErrorInfoSize        = 131

	AppIDLen        = 32
	AppNameLen      = 32
	VersionLen      = 4
	HashLen         = 32
	ReleaseNotesLen = 128
	ErrorMessageLen = 128
)

var (
	ErrShortPayload = errors.New("protocol: short payload")
	ErrCatalogSize  = errors.New("protocol: catalog size mismatch")
)

// fixedString copies s into a NUL-padded fixed-size array slot.
func fixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// trimFixed returns the string up to the first NUL.
func trimFixed(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ZeroHash reports whether a declared hash is all zero (not provided).
func ZeroHash(h [HashLen]byte) bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// Status is the STATUS_RESPONSE payload.
type Status struct {
	FWVersion   [VersionLen]byte
	Uptime      uint32 // seconds
	BatteryMV   uint16
	BatteryPct  uint8
	CPUUsage    uint8
	FreeMemory  uint32
	FreeStorage uint32
	AppCount    uint8
	RunningApps uint8
}

func (s Status) MarshalBinary() ([]byte, error) {
	buf := make([]byte, StatusSize)
	copy(buf[0:4], s.FWVersion[:])
	binary.LittleEndian.PutUint32(buf[4:8], s.Uptime)
	binary.LittleEndian.PutUint16(buf[8:10], s.BatteryMV)
	buf[10] = s.BatteryPct
	buf[11] = s.CPUUsage
	binary.LittleEndian.PutUint32(buf[12:16], s.FreeMemory)
	binary.LittleEndian.PutUint32(buf[16:20], s.FreeStorage)
	buf[20] = s.AppCount
	buf[21] = s.RunningApps
	return buf, nil
}

func (s *Status) UnmarshalBinary(buf []byte) error {
	if len(buf) < StatusSize {
		return ErrShortPayload
	}
	copy(s.FWVersion[:], buf[0:4])
	s.Uptime = binary.LittleEndian.Uint32(buf[4:8])
	s.BatteryMV = binary.LittleEndian.Uint16(buf[8:10])
	s.BatteryPct = buf[10]
	s.CPUUsage = buf[11]
	s.FreeMemory = binary.LittleEndian.Uint32(buf[12:16])
	s.FreeStorage = binary.LittleEndian.Uint32(buf[16:20])
	s.AppCount = buf[20]
	s.RunningApps = buf[21]
	return nil
}

// FirmwareMetadata is the FW_METADATA payload describing an incoming image.
type FirmwareMetadata struct {
	Version      [VersionLen]byte
	Size         uint32
	Hash         [HashLen]byte
	ChunkSize    uint16
	ChunkCount   uint16
	ReleaseNotes string // at most ReleaseNotesLen-1 bytes on the wire
}

func (fm FirmwareMetadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FirmwareMetadataSize)
	copy(buf[0:4], fm.Version[:])
	binary.LittleEndian.PutUint32(buf[4:8], fm.Size)
	copy(buf[8:40], fm.Hash[:])
	binary.LittleEndian.PutUint16(buf[40:42], fm.ChunkSize)
	binary.LittleEndian.PutUint16(buf[42:44], fm.ChunkCount)
	fixedString(buf[44:44+ReleaseNotesLen], fm.ReleaseNotes)
	return buf, nil
}

func (fm *FirmwareMetadata) UnmarshalBinary(buf []byte) error {
	if len(buf) < FirmwareMetadataSize {
		return ErrShortPayload
	}
	copy(fm.Version[:], buf[0:4])
	fm.Size = binary.LittleEndian.Uint32(buf[4:8])
	copy(fm.Hash[:], buf[8:40])
	fm.ChunkSize = binary.LittleEndian.Uint16(buf[40:42])
	fm.ChunkCount = binary.LittleEndian.Uint16(buf[42:44])
	fm.ReleaseNotes = trimFixed(buf[44 : 44+ReleaseNotesLen])
	return nil
}

// VersionString renders a 4-byte version as "a.b.c.d".
func VersionString(v [VersionLen]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// Chunk is one slice of a chunked transfer: an 8-byte header followed by
// Data. Size on the wire must equal len(Data).
type Chunk struct {
	Index  uint16
	Offset uint32
	Data   []byte
}

func (c Chunk) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ChunkHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint16(buf[0:2], c.Index)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(c.Data)))
	binary.LittleEndian.PutUint32(buf[4:8], c.Offset)
	copy(buf[ChunkHeaderSize:], c.Data)
	return buf, nil
}

func (c *Chunk) UnmarshalBinary(buf []byte) error {
	if len(buf) < ChunkHeaderSize {
		return ErrShortPayload
	}
	c.Index = binary.LittleEndian.Uint16(buf[0:2])
	size := binary.LittleEndian.Uint16(buf[2:4])
	c.Offset = binary.LittleEndian.Uint32(buf[4:8])
	if len(buf)-ChunkHeaderSize < int(size) {
		return ErrShortPayload
	}
	c.Data = make([]byte, size)
	copy(c.Data, buf[ChunkHeaderSize:ChunkHeaderSize+int(size)])
	return nil
}

// ChunkAck is the FW_CHUNK_ACK / APP_CHUNK_ACK payload: the acknowledged
// chunk index.
type ChunkAck struct {
	Index uint16
}

func (a ChunkAck) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, a.Index)
	return buf, nil
}

func (a *ChunkAck) UnmarshalBinary(buf []byte) error {
	if len(buf) < 2 {
		return ErrShortPayload
	}
	a.Index = binary.LittleEndian.Uint16(buf[0:2])
	return nil
}

// AppMetadata is the APP_METADATA payload describing an incoming app binary.
type AppMetadata struct {
	AppID       string // at most AppIDLen-1 bytes on the wire
	Name        string
	Version     [VersionLen]byte
	Size        uint32
	Hash        [HashLen]byte
	Permissions uint64
	ChunkSize   uint16
	ChunkCount  uint16
}

func (am AppMetadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, AppMetadataSize)
	fixedString(buf[0:32], am.AppID)
	fixedString(buf[32:64], am.Name)
	copy(buf[64:68], am.Version[:])
	binary.LittleEndian.PutUint32(buf[68:72], am.Size)
	copy(buf[72:104], am.Hash[:])
	binary.LittleEndian.PutUint64(buf[104:112], am.Permissions)
	binary.LittleEndian.PutUint16(buf[112:114], am.ChunkSize)
	binary.LittleEndian.PutUint16(buf[114:116], am.ChunkCount)
	return buf, nil
}

func (am *AppMetadata) UnmarshalBinary(buf []byte) error {
	if len(buf) < AppMetadataSize {
		return ErrShortPayload
	}
	am.AppID = trimFixed(buf[0:32])
	am.Name = trimFixed(buf[32:64])
	copy(am.Version[:], buf[64:68])
	am.Size = binary.LittleEndian.Uint32(buf[68:72])
	copy(am.Hash[:], buf[72:104])
	am.Permissions = binary.LittleEndian.Uint64(buf[104:112])
	am.ChunkSize = binary.LittleEndian.Uint16(buf[112:114])
	am.ChunkCount = binary.LittleEndian.Uint16(buf[114:116])
	return nil
}

// AppEntry is one row of an APP_LIST_RESPONSE catalog.
type AppEntry struct {
	AppID     string
	Name      string
	Version   [VersionLen]byte
	Installed bool
	HasUpdate bool
}

func (e AppEntry) marshalTo(buf []byte) {
	fixedString(buf[0:32], e.AppID)
	fixedString(buf[32:64], e.Name)
	copy(buf[64:68], e.Version[:])
	buf[68] = boolByte(e.Installed)
	buf[69] = boolByte(e.HasUpdate)
}

func (e *AppEntry) unmarshalFrom(buf []byte) {
	e.AppID = trimFixed(buf[0:32])
	e.Name = trimFixed(buf[32:64])
	copy(e.Version[:], buf[64:68])
	e.Installed = buf[68] != 0
	e.HasUpdate = buf[69] != 0
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// EncodeCatalog serializes a count-prefixed app catalog.
func EncodeCatalog(entries []AppEntry) ([]byte, error) {
	buf := make([]byte, 2+len(entries)*AppEntrySize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(entries)))
	for i := range entries {
		entries[i].marshalTo(buf[2+i*AppEntrySize:])
	}
	return buf, nil
}

// DecodeCatalog parses a count-prefixed app catalog. The payload length
// must match the declared count exactly.
func DecodeCatalog(buf []byte) ([]AppEntry, error) {
	if len(buf) < 2 {
		return nil, ErrShortPayload
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) != 2+count*AppEntrySize {
		return nil, ErrCatalogSize
	}
	entries := make([]AppEntry, count)
	for i := range entries {
		entries[i].unmarshalFrom(buf[2+i*AppEntrySize:])
	}
	return entries, nil
}

// Notification is the NOTIFY_PUSH / NOTIFY_ALERT payload: fixed header
// followed by the title and body bytes.
type Notification struct {
	Priority uint8
	Category uint8
	Title    string
	Body     string
}

func (n Notification) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 6+len(n.Title)+len(n.Body))
	buf[0] = n.Priority
	buf[1] = n.Category
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(n.Title)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(n.Body)))
	copy(buf[6:], n.Title)
	copy(buf[6+len(n.Title):], n.Body)
	return buf, nil
}

func (n *Notification) UnmarshalBinary(buf []byte) error {
	if len(buf) < 6 {
		return ErrShortPayload
	}
	n.Priority = buf[0]
	n.Category = buf[1]
	tl := int(binary.LittleEndian.Uint16(buf[2:4]))
	bl := int(binary.LittleEndian.Uint16(buf[4:6]))
	if len(buf) < 6+tl+bl {
		return ErrShortPayload
	}
	n.Title = string(buf[6 : 6+tl])
	n.Body = string(buf[6+tl : 6+tl+bl])
	return nil
}

// ErrorInfo is the ERROR payload.
type ErrorInfo struct {
	Code     uint16
	Severity uint8
	Message  string // at most ErrorMessageLen-1 bytes on the wire
}

func (e ErrorInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ErrorInfoSize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Code)
	buf[2] = e.Severity
	fixedString(buf[3:3+ErrorMessageLen], e.Message)
	return buf, nil
}

func (e *ErrorInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) < ErrorInfoSize {
		return ErrShortPayload
	}
	e.Code = binary.LittleEndian.Uint16(buf[0:2])
	e.Severity = buf[2]
	e.Message = trimFixed(buf[3 : 3+ErrorMessageLen])
	return nil
}
