package ota

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akiralink/pkg/protocol"
)

type fakeFlash struct {
	buf       []byte
	started   bool
	finalized bool
	aborted   bool
	failWrite bool
}

func (f *fakeFlash) Start(total uint32) error {
	f.buf = make([]byte, total)
	f.started = true
	f.finalized = false
	f.aborted = false
	return nil
}

func (f *fakeFlash) Write(offset uint32, data []byte) error {
	if f.failWrite {
		return assert.AnError
	}
	copy(f.buf[offset:], data)
	return nil
}

func (f *fakeFlash) Finalize() error { f.finalized = true; return nil }
func (f *fakeFlash) Abort() error    { f.aborted = true; return nil }

type fakeSender struct {
	sent []*protocol.Message
	dsts []protocol.Source
}

func (s *fakeSender) Send(m *protocol.Message, dst protocol.Source) error {
	s.sent = append(s.sent, m)
	s.dsts = append(s.dsts, dst)
	return nil
}

func (s *fakeSender) Broadcast(m *protocol.Message) int {
	s.sent = append(s.sent, m)
	s.dsts = append(s.dsts, protocol.SourceUnknown)
	return 1
}

func metadataMsg(t *testing.T, image []byte, chunkSize int, withHash bool) *protocol.Message {
	t.Helper()
	fm := protocol.FirmwareMetadata{
		Version:    [4]byte{2, 0, 0, 0},
		Size:       uint32(len(image)),
		ChunkSize:  uint16(chunkSize),
		ChunkCount: uint16((len(image) + chunkSize - 1) / chunkSize),
	}
	if withHash {
		fm.Hash = sha256.Sum256(image)
	}
	payload, err := fm.MarshalBinary()
	require.NoError(t, err)
	return protocol.NewMessage(protocol.TypeFWMetadata, protocol.SourceCloud, payload)
}

func chunkMsg(t *testing.T, index int, offset int, data []byte) *protocol.Message {
	t.Helper()
	payload, err := protocol.Chunk{Index: uint16(index), Offset: uint32(offset), Data: data}.MarshalBinary()
	require.NoError(t, err)
	return protocol.NewMessage(protocol.TypeFWChunk, protocol.SourceCloud, payload)
}

func completeMsg() *protocol.Message {
	return protocol.NewMessage(protocol.TypeFWComplete, protocol.SourceCloud, nil)
}

func feedTransfer(t *testing.T, e *Engine, image []byte, chunkSize int) {
	t.Helper()
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, chunkSize, true), protocol.SourceCloud))
	for i, off := 0, 0; off < len(image); i, off = i+1, off+chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		require.NoError(t, e.HandleMessage(chunkMsg(t, i, off, image[off:end]), protocol.SourceCloud))
	}
	require.NoError(t, e.HandleMessage(completeMsg(), protocol.SourceCloud))
}

func TestFullTransfer(t *testing.T) {
	flash := &fakeFlash{}
	sender := &fakeSender{}
	var progress []uint32
	var done bool
	e := New(flash, sender,
		WithProgress(func(received, _ uint32) { progress = append(progress, received) }),
		WithComplete(func(success bool, _ string) { done = success }))

	image := bytes.Repeat([]byte{0x5A}, 1024)
	feedTransfer(t, e, image, 512)

	assert.Equal(t, StateReady, e.State())
	assert.True(t, done)
	assert.True(t, bytes.Equal(flash.buf, image))
	assert.Equal(t, []uint32{512, 1024}, progress)

	// one ack per chunk, carrying the chunk index
	require.Len(t, sender.sent, 2)
	for i, m := range sender.sent {
		assert.Equal(t, protocol.TypeFWChunkAck, m.Header.Type)
		assert.Equal(t, protocol.SourceCloud, sender.dsts[i])
		var ack protocol.ChunkAck
		require.NoError(t, ack.UnmarshalBinary(m.Payload))
		assert.Equal(t, uint16(i), ack.Index)
	}
}

func TestReorderedChunksVerify(t *testing.T) {
	flash := &fakeFlash{}
	var done bool
	e := New(flash, &fakeSender{},
		WithComplete(func(success bool, _ string) { done = success }))

	image := bytes.Repeat([]byte{0xD4}, 256)
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, 128, true), protocol.SourceCloud))
	// second chunk overtakes the first in transit
	require.NoError(t, e.HandleMessage(chunkMsg(t, 1, 128, image[128:]), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(chunkMsg(t, 0, 0, image[:128]), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(completeMsg(), protocol.SourceCloud))

	assert.Equal(t, StateReady, e.State())
	assert.True(t, done)
	assert.True(t, bytes.Equal(flash.buf, image))
}

func TestRetransmittedChunkVerifies(t *testing.T) {
	flash := &fakeFlash{}
	e := New(flash, &fakeSender{})

	image := bytes.Repeat([]byte{0xE1}, 256)
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, 128, true), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(chunkMsg(t, 0, 0, image[:128]), protocol.SourceCloud))
	// lost ack: the sender repeats chunk 0 before moving on
	require.NoError(t, e.HandleMessage(chunkMsg(t, 0, 0, image[:128]), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(chunkMsg(t, 1, 128, image[128:]), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(completeMsg(), protocol.SourceCloud))

	assert.Equal(t, StateReady, e.State())
	assert.True(t, bytes.Equal(flash.buf, image))
}

func TestDownloadWhileReceiving(t *testing.T) {
	e := New(&fakeFlash{}, &fakeSender{})
	image := bytes.Repeat([]byte{1}, 256)
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, 128, false), protocol.SourceCloud))
	require.Equal(t, StateReceiving, e.State())

	assert.ErrorIs(t, e.Download(), ErrBusy)
}

func TestCancelMidTransfer(t *testing.T) {
	flash := &fakeFlash{}
	var detail string
	var success = true
	e := New(flash, &fakeSender{},
		WithComplete(func(ok bool, d string) { success, detail = ok, d }))

	image := bytes.Repeat([]byte{2}, 256)
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, 128, false), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(chunkMsg(t, 0, 0, image[:128]), protocol.SourceCloud))

	require.NoError(t, e.Cancel())
	assert.Equal(t, StateIdle, e.State())
	assert.True(t, flash.aborted)
	assert.False(t, success)
	assert.Equal(t, "Cancelled", detail)

	// chunks after cancel are rejected
	assert.ErrorIs(t, e.HandleMessage(chunkMsg(t, 1, 128, image[128:]), protocol.SourceCloud), ErrBadState)
}

func TestHashMismatchAborts(t *testing.T) {
	flash := &fakeFlash{}
	var success = true
	e := New(flash, &fakeSender{},
		WithComplete(func(ok bool, _ string) { success = ok }))

	image := bytes.Repeat([]byte{3}, 128)
	m := metadataMsg(t, image, 128, true)
	require.NoError(t, e.HandleMessage(m, protocol.SourceCloud))
	corrupted := append([]byte(nil), image...)
	corrupted[0] ^= 0xFF
	require.NoError(t, e.HandleMessage(chunkMsg(t, 0, 0, corrupted), protocol.SourceCloud))

	assert.Error(t, e.HandleMessage(completeMsg(), protocol.SourceCloud))
	assert.Equal(t, StateIdle, e.State())
	assert.True(t, flash.aborted)
	assert.False(t, success)
}

func TestZeroHashSkipsVerification(t *testing.T) {
	flash := &fakeFlash{}
	e := New(flash, &fakeSender{})
	image := bytes.Repeat([]byte{4}, 128)
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, 128, false), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(chunkMsg(t, 0, 0, image), protocol.SourceCloud))
	require.NoError(t, e.HandleMessage(completeMsg(), protocol.SourceCloud))
	assert.Equal(t, StateReady, e.State())
}

func TestApplyOnlyFromReady(t *testing.T) {
	flash := &fakeFlash{}
	rebooted := false
	e := New(flash, &fakeSender{}, WithReboot(func() error { rebooted = true; return nil }))

	assert.ErrorIs(t, e.Apply(), ErrBadState)

	image := bytes.Repeat([]byte{5}, 64)
	feedTransfer(t, e, image, 64)
	require.NoError(t, e.Apply())
	assert.True(t, flash.finalized)
	assert.True(t, rebooted)
}

func TestChunkBeyondImageSize(t *testing.T) {
	flash := &fakeFlash{}
	e := New(flash, &fakeSender{})
	image := bytes.Repeat([]byte{6}, 128)
	require.NoError(t, e.HandleMessage(metadataMsg(t, image, 128, false), protocol.SourceCloud))

	assert.Error(t, e.HandleMessage(chunkMsg(t, 0, 100, image), protocol.SourceCloud))
	// transfer survives a rejected chunk
	assert.Equal(t, StateReceiving, e.State())
}

func TestAvailableThenRequest(t *testing.T) {
	sender := &fakeSender{}
	e := New(&fakeFlash{}, sender)

	fm := protocol.FirmwareMetadata{Version: [4]byte{9, 9, 0, 0}, Size: 1}
	payload, err := fm.MarshalBinary()
	require.NoError(t, err)
	avail := protocol.NewMessage(protocol.TypeFWAvailable, protocol.SourceCloud, payload)
	require.NoError(t, e.HandleMessage(avail, protocol.SourceCloud))
	assert.Equal(t, StateAvailable, e.State())
	require.NotNil(t, e.AvailableInfo())
	assert.Equal(t, "9.9.0.0", protocol.VersionString(e.AvailableInfo().Version))

	require.NoError(t, e.Download())
	assert.Equal(t, StateReceiving, e.State())
	require.Len(t, sender.sent, 1)
	assert.Equal(t, protocol.TypeFWRequest, sender.sent[0].Header.Type)
	assert.Equal(t, protocol.SourceCloud, sender.dsts[0])

	assert.ErrorIs(t, e.Download(), ErrBusy)
}
