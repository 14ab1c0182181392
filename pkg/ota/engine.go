// Package ota receives chunked firmware images, streams them to a flash
// writer and drives the verify/apply sequence.
package ota

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"sync"

	"go.uber.org/zap"

	"akiralink/pkg/protocol"
)

// State of the firmware engine.
type State uint8

const (
	StateIdle State = iota
	StateChecking
	StateAvailable
	StateReceiving
	StateVerifying
	StateReady
	StateApplying
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateAvailable:
		return "available"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateReady:
		return "ready"
	case StateApplying:
		return "applying"
	default:
		return "error"
	}
}

var (
	ErrBusy     = errors.New("ota: update already in progress")
	ErrBadState = errors.New("ota: operation not valid in current state")
)

// FlashWriter is the slot the incoming image is streamed into. It mirrors
// the device's update-partition contract: Start opens the slot for an
// image of the given size, Write places chunk bytes at their offset,
// Finalize marks the image bootable, Abort discards it.
type FlashWriter interface {
	Start(total uint32) error
	Write(offset uint32, data []byte) error
	Finalize() error
	Abort() error
}

// Sender sends protocol messages back to sources. The client satisfies it.
type Sender interface {
	Send(m *protocol.Message, dst protocol.Source) error
	Broadcast(m *protocol.Message) int
}

// ProgressFunc is called after each accepted chunk.
type ProgressFunc func(received, total uint32)

// CompleteFunc is called once per finished transfer attempt.
type CompleteFunc func(success bool, detail string)

// Engine is the firmware transfer state machine. All exported methods are
// safe for concurrent use; callbacks run outside the engine lock.
type Engine struct {
	mu sync.Mutex

	state  State
	writer FlashWriter
	sender Sender
	reboot func() error

	available *protocol.FirmwareMetadata // set by FW_AVAILABLE / FW_METADATA
	src       protocol.Source            // source of the active transfer

	total      uint32
	received   uint32
	chunks     uint16
	writerOpen bool
	sum        hash.Hash         // running SHA-256, fed in offset order
	hashed     uint32            // bytes digested so far, contiguous from 0
	held       map[uint32][]byte // out-of-order chunk data keyed by offset

	onProgress ProgressFunc
	onComplete CompleteFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithProgress(f ProgressFunc) Option { return func(e *Engine) { e.onProgress = f } }
func WithComplete(f CompleteFunc) Option { return func(e *Engine) { e.onComplete = f } }
func WithReboot(f func() error) Option   { return func(e *Engine) { e.reboot = f } }

// New builds an idle engine around a flash writer and a sender.
func New(writer FlashWriter, sender Sender, opts ...Option) *Engine {
	e := &Engine{state: StateIdle, writer: writer, sender: sender}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns received and total byte counts of the active transfer.
func (e *Engine) Progress() (received, total uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received, e.total
}

// AvailableInfo returns the advertised firmware metadata, or nil.
func (e *Engine) AvailableInfo() *protocol.FirmwareMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available == nil {
		return nil
	}
	cp := *e.available
	return &cp
}

// Check broadcasts a firmware availability query.
func (e *Engine) Check() error {
	e.mu.Lock()
	if e.state == StateReceiving || e.state == StateApplying {
		e.mu.Unlock()
		return ErrBusy
	}
	e.state = StateChecking
	e.mu.Unlock()
	m := protocol.NewMessage(protocol.TypeFWCheck, protocol.SourceInternal, nil)
	e.sender.Broadcast(m)
	return nil
}

// Download requests the advertised image and enters receiving. Returns
// ErrBusy while a transfer is already receiving; state is unchanged.
func (e *Engine) Download() error {
	e.mu.Lock()
	if e.state == StateReceiving {
		e.mu.Unlock()
		return ErrBusy
	}
	e.state = StateReceiving
	src := e.src
	e.mu.Unlock()
	m := protocol.NewMessage(protocol.TypeFWRequest, protocol.SourceInternal, nil)
	if src != protocol.SourceUnknown {
		return e.sender.Send(m, src)
	}
	e.sender.Broadcast(m)
	return nil
}

// Cancel aborts an in-flight transfer and returns the engine to idle.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	if e.state != StateReceiving && e.state != StateVerifying && e.state != StateAvailable {
		e.mu.Unlock()
		return ErrBadState
	}
	hadWriter := e.writerOpen
	e.resetLocked()
	cb := e.onComplete
	e.mu.Unlock()
	if hadWriter {
		_ = e.writer.Abort()
	}
	if cb != nil {
		cb(false, "Cancelled")
	}
	return nil
}

// Apply finalizes a verified image and reboots into it. Valid only from
// ready.
func (e *Engine) Apply() error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return ErrBadState
	}
	e.state = StateApplying
	e.mu.Unlock()

	if err := e.writer.Finalize(); err != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		return fmt.Errorf("ota: finalize: %w", err)
	}
	if e.reboot != nil {
		if err := e.reboot(); err != nil {
			e.mu.Lock()
			e.state = StateError
			e.mu.Unlock()
			return fmt.Errorf("ota: reboot: %w", err)
		}
	}
	return nil
}

// HandleMessage consumes an OTA-category message. It returns an error for
// malformed payloads and protocol violations; unknown OTA types are
// ignored.
func (e *Engine) HandleMessage(m *protocol.Message, src protocol.Source) error {
	switch m.Header.Type {
	case protocol.TypeFWAvailable:
		return e.handleAvailable(m, src)
	case protocol.TypeFWMetadata:
		return e.handleMetadata(m, src)
	case protocol.TypeFWChunk:
		return e.handleChunk(m, src)
	case protocol.TypeFWComplete:
		return e.handleComplete(src)
	default:
		return nil
	}
}

func (e *Engine) handleAvailable(m *protocol.Message, src protocol.Source) error {
	var fm protocol.FirmwareMetadata
	if err := fm.UnmarshalBinary(m.Payload); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == StateReceiving || e.state == StateApplying {
		e.mu.Unlock()
		return ErrBusy
	}
	e.available = &fm
	e.src = src
	e.state = StateAvailable
	e.mu.Unlock()
	zap.L().Info("firmware available",
		zap.String("version", protocol.VersionString(fm.Version)),
		zap.Uint32("size", fm.Size),
		zap.Stringer("source", src))
	return nil
}

// handleMetadata arms the transfer: counters reset, flash slot opened.
// A metadata message during an active receive restarts the transfer.
func (e *Engine) handleMetadata(m *protocol.Message, src protocol.Source) error {
	var fm protocol.FirmwareMetadata
	if err := fm.UnmarshalBinary(m.Payload); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == StateApplying {
		e.mu.Unlock()
		return ErrBusy
	}
	restart := e.writerOpen
	e.mu.Unlock()
	if restart {
		_ = e.writer.Abort()
	}

	if err := e.writer.Start(fm.Size); err != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		return fmt.Errorf("ota: open flash slot: %w", err)
	}

	e.mu.Lock()
	e.available = &fm
	e.src = src
	e.total = fm.Size
	e.received = 0
	e.chunks = 0
	e.writerOpen = true
	e.sum = sha256.New()
	e.hashed = 0
	e.held = make(map[uint32][]byte)
	e.state = StateReceiving
	e.mu.Unlock()
	zap.L().Info("firmware transfer started",
		zap.String("version", protocol.VersionString(fm.Version)),
		zap.Uint32("size", fm.Size),
		zap.Uint16("chunks", fm.ChunkCount),
		zap.Stringer("source", src))
	return nil
}

func (e *Engine) handleChunk(m *protocol.Message, src protocol.Source) error {
	var c protocol.Chunk
	if err := c.UnmarshalBinary(m.Payload); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateReceiving || !e.writerOpen {
		e.mu.Unlock()
		return fmt.Errorf("%w: chunk while %s", ErrBadState, e.state)
	}
	if uint64(c.Offset)+uint64(len(c.Data)) > uint64(e.total) {
		e.mu.Unlock()
		return fmt.Errorf("ota: chunk %d exceeds image size", c.Index)
	}
	e.mu.Unlock()

	if err := e.writer.Write(c.Offset, c.Data); err != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		return fmt.Errorf("ota: write chunk %d: %w", c.Index, err)
	}

	e.mu.Lock()
	e.digestLocked(c.Offset, c.Data)
	e.received += uint32(len(c.Data))
	e.chunks++
	received, total := e.received, e.total
	progress := e.onProgress
	e.mu.Unlock()

	e.ack(c.Index, src)
	if progress != nil {
		progress(received, total)
	}
	return nil
}

// digestLocked feeds chunk bytes to the running SHA-256 in offset order.
// Chunks arriving ahead of the contiguous front are held until the gap
// before them fills; bytes below the front are retransmits and already
// digested.
func (e *Engine) digestLocked(offset uint32, data []byte) {
	if offset < e.hashed {
		return
	}
	if offset > e.hashed {
		e.held[offset] = append([]byte(nil), data...)
		return
	}
	e.sum.Write(data)
	e.hashed += uint32(len(data))
	for {
		next, ok := e.held[e.hashed]
		if !ok {
			return
		}
		delete(e.held, e.hashed)
		e.sum.Write(next)
		e.hashed += uint32(len(next))
	}
}

func (e *Engine) handleComplete(src protocol.Source) error {
	e.mu.Lock()
	if e.state != StateReceiving || !e.writerOpen {
		e.mu.Unlock()
		return fmt.Errorf("%w: complete while %s", ErrBadState, e.state)
	}
	e.state = StateVerifying
	declared := e.available.Hash
	var got [protocol.HashLen]byte
	e.sum.Sum(got[:0])
	received, total := e.received, e.total
	e.mu.Unlock()

	if received != total {
		zap.L().Warn("firmware transfer short",
			zap.Uint32("received", received), zap.Uint32("declared", total))
	}
	if !protocol.ZeroHash(declared) && got != declared {
		_ = e.writer.Abort()
		e.mu.Lock()
		e.resetLocked()
		cb := e.onComplete
		e.mu.Unlock()
		if cb != nil {
			cb(false, "Hash mismatch")
		}
		return errors.New("ota: image hash mismatch")
	}

	e.mu.Lock()
	e.state = StateReady
	cb := e.onComplete
	e.mu.Unlock()
	zap.L().Info("firmware transfer complete",
		zap.Uint32("bytes", received), zap.Stringer("source", src))
	if cb != nil {
		cb(true, "Ready to apply")
	}
	return nil
}

func (e *Engine) ack(index uint16, src protocol.Source) {
	payload, _ := protocol.ChunkAck{Index: index}.MarshalBinary()
	m := protocol.NewMessage(protocol.TypeFWChunkAck, protocol.SourceInternal, payload)
	m.Header.Flags |= protocol.FlagResponse
	if err := e.sender.Send(m, src); err != nil {
		zap.L().Debug("chunk ack not sent", zap.Stringer("source", src), zap.Error(err))
	}
}

func (e *Engine) resetLocked() {
	e.state = StateIdle
	e.available = nil
	e.src = protocol.SourceUnknown
	e.total = 0
	e.received = 0
	e.chunks = 0
	e.writerOpen = false
	e.sum = nil
	e.hashed = 0
	e.held = nil
}
