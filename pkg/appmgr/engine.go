// Package appmgr receives chunked application binaries into bounded
// download slots and hands completed images to the installer.
package appmgr

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"akiralink/pkg/protocol"
)

const (
	// DefaultSlots is the number of concurrent app downloads.
	DefaultSlots = 2

	// DefaultMaxAppSize caps a single app binary (bytes).
	DefaultMaxAppSize = 512 * 1024
)

var (
	ErrNoFreeSlot         = errors.New("appmgr: no free download slot")
	ErrSourceBusy         = errors.New("appmgr: source already has an active transfer")
	ErrNotFound           = errors.New("appmgr: no active transfer")
	ErrChunkOverflow      = errors.New("appmgr: chunk exceeds app bounds")
	ErrAlreadyDownloading = errors.New("appmgr: app already downloading")
	ErrTooBig             = errors.New("appmgr: app exceeds size limit")
)

// Installer places a fully received app binary into app storage and
// optionally starts it. The device's app runtime satisfies it.
type Installer interface {
	Upload(meta protocol.AppMetadata, data []byte) error
	Start(appID string) error
}

// Sender sends protocol messages back to sources. The client satisfies it.
type Sender interface {
	Send(m *protocol.Message, dst protocol.Source) error
	Broadcast(m *protocol.Message) int
}

// ProgressFunc is called after each accepted chunk.
type ProgressFunc func(appID string, received, total uint32)

// CompleteFunc is called once per finished download attempt.
type CompleteFunc func(appID string, success bool, detail string)

// CatalogFunc receives a parsed APP_LIST_RESPONSE. It is called exactly
// once per RequestList, with err set for malformed payloads; responses
// nobody asked for are dropped.
type CatalogFunc func(entries []protocol.AppEntry, err error)

type slotState uint8

const (
	slotFree slotState = iota
	slotPending
	slotReceiving
)

type transfer struct {
	state    slotState
	id       uuid.UUID
	appID    string
	meta     protocol.AppMetadata
	src      protocol.Source
	buf      []byte
	received uint32
	chunks   uint16

	autoStart  bool
	onProgress ProgressFunc
	onComplete CompleteFunc
}

// Engine is the app transfer state machine. Exported methods are safe for
// concurrent use; callbacks run outside the engine lock.
type Engine struct {
	mu sync.Mutex

	slots     []transfer
	installer Installer
	sender    Sender
	maxSize   uint32
	autoStart bool

	onProgress ProgressFunc
	onComplete CompleteFunc
	onCatalog  CatalogFunc

	catalogPending bool
}

// Request describes one app download. AutoStart and the callbacks apply
// to this transfer only; nil callbacks and a false AutoStart fall back
// to the engine-wide defaults.
type Request struct {
	AppID      string
	AutoStart  bool
	OnProgress ProgressFunc
	OnComplete CompleteFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithSlots(n int) Option             { return func(e *Engine) { e.slots = make([]transfer, n) } }
func WithMaxAppSize(n uint32) Option     { return func(e *Engine) { e.maxSize = n } }
func WithAutoStart(on bool) Option       { return func(e *Engine) { e.autoStart = on } }
func WithProgress(f ProgressFunc) Option { return func(e *Engine) { e.onProgress = f } }
func WithComplete(f CompleteFunc) Option { return func(e *Engine) { e.onComplete = f } }
func WithCatalog(f CatalogFunc) Option   { return func(e *Engine) { e.onCatalog = f } }

// New builds an engine around an installer and a sender.
func New(installer Installer, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		slots:     make([]transfer, DefaultSlots),
		installer: installer,
		sender:    sender,
		maxSize:   DefaultMaxAppSize,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Active returns the app ids with a claimed slot.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for i := range e.slots {
		if e.slots[i].state != slotFree {
			ids = append(ids, e.slots[i].appID)
		}
	}
	return ids
}

// RequestList broadcasts an app catalog query and arms the catalog
// callback for the next response.
func (e *Engine) RequestList() {
	e.mu.Lock()
	e.catalogPending = true
	e.mu.Unlock()
	e.sender.Broadcast(protocol.NewMessage(protocol.TypeAppListRequest, protocol.SourceInternal, nil))
}

// Download claims a slot for the requested app and broadcasts an
// APP_REQUEST carrying its id. The transfer proper starts when
// APP_METADATA arrives.
func (e *Engine) Download(req Request) error {
	e.mu.Lock()
	if e.findByAppID(req.AppID) != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDownloading, req.AppID)
	}
	s := e.findFree()
	if s == nil {
		e.mu.Unlock()
		return ErrNoFreeSlot
	}
	s.state = slotPending
	s.id = uuid.New()
	s.appID = req.AppID
	s.autoStart = req.AutoStart || e.autoStart
	s.onProgress = req.OnProgress
	s.onComplete = req.OnComplete
	id := s.id
	e.mu.Unlock()

	payload := make([]byte, protocol.AppIDLen)
	copy(payload, req.AppID)
	e.sender.Broadcast(protocol.NewMessage(protocol.TypeAppRequest, protocol.SourceInternal, payload))
	zap.L().Info("app download requested",
		zap.String("app", req.AppID), zap.String("transfer", id.String()))
	return nil
}

// Cancel releases the slot for appID, if any.
func (e *Engine) Cancel(appID string) error {
	e.mu.Lock()
	s := e.findByAppID(appID)
	if s == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	cb := e.completeFor(s)
	e.releaseLocked(s)
	e.mu.Unlock()
	if cb != nil {
		cb(appID, false, "Cancelled")
	}
	return nil
}

// CancelAll releases every claimed slot.
func (e *Engine) CancelAll() {
	type cancelled struct {
		appID string
		cb    CompleteFunc
	}
	e.mu.Lock()
	var done []cancelled
	for i := range e.slots {
		if e.slots[i].state != slotFree {
			done = append(done, cancelled{e.slots[i].appID, e.completeFor(&e.slots[i])})
			e.releaseLocked(&e.slots[i])
		}
	}
	e.mu.Unlock()
	for _, d := range done {
		if d.cb != nil {
			d.cb(d.appID, false, "Cancelled")
		}
	}
}

// HandleMessage consumes an app-category message. Unknown app types are
// ignored.
func (e *Engine) HandleMessage(m *protocol.Message, src protocol.Source) error {
	switch m.Header.Type {
	case protocol.TypeAppMetadata:
		return e.handleMetadata(m, src)
	case protocol.TypeAppChunk:
		return e.handleChunk(m, src)
	case protocol.TypeAppComplete:
		return e.handleComplete(src)
	case protocol.TypeAppListResponse:
		return e.handleCatalog(m)
	default:
		return nil
	}
}

func (e *Engine) handleMetadata(m *protocol.Message, src protocol.Source) error {
	var am protocol.AppMetadata
	if err := am.UnmarshalBinary(m.Payload); err != nil {
		return err
	}
	if am.Size > e.maxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooBig, am.AppID, am.Size)
	}

	e.mu.Lock()
	// chunks carry no app id, so each source may feed only one transfer;
	// repeated metadata for the same app restarts that transfer instead
	if busy := e.findReceivingBySource(src); busy != nil && busy.appID != am.AppID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceBusy, src)
	}
	s := e.findByAppID(am.AppID)
	if s == nil {
		s = e.findFree()
		if s == nil {
			e.mu.Unlock()
			return ErrNoFreeSlot
		}
		s.id = uuid.New()
		s.appID = am.AppID
		s.autoStart = e.autoStart
	}
	s.state = slotReceiving
	s.meta = am
	s.src = src
	s.buf = make([]byte, am.Size)
	s.received = 0
	s.chunks = 0
	id := s.id
	e.mu.Unlock()

	zap.L().Info("app transfer started",
		zap.String("app", am.AppID),
		zap.String("transfer", id.String()),
		zap.Uint32("size", am.Size),
		zap.Uint16("chunks", am.ChunkCount),
		zap.Stringer("source", src))
	return nil
}

func (e *Engine) handleChunk(m *protocol.Message, src protocol.Source) error {
	var c protocol.Chunk
	if err := c.UnmarshalBinary(m.Payload); err != nil {
		return err
	}
	e.mu.Lock()
	s := e.findReceivingBySource(src)
	if s == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: no transfer for source %s", ErrNotFound, src)
	}
	if uint64(c.Offset)+uint64(len(c.Data)) > uint64(len(s.buf)) {
		e.mu.Unlock()
		return fmt.Errorf("%w: chunk %d at %d+%d > %d",
			ErrChunkOverflow, c.Index, c.Offset, len(c.Data), len(s.buf))
	}
	copy(s.buf[c.Offset:], c.Data)
	s.received += uint32(len(c.Data))
	s.chunks++
	appID, received, total := s.appID, s.received, s.meta.Size
	progress := e.progressFor(s)
	e.mu.Unlock()

	e.ack(c.Index, src)
	if progress != nil {
		progress(appID, received, total)
	}
	return nil
}

func (e *Engine) handleComplete(src protocol.Source) error {
	e.mu.Lock()
	s := e.findReceivingBySource(src)
	if s == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: no transfer for source %s", ErrNotFound, src)
	}
	meta := s.meta
	buf := s.buf
	received := s.received
	id := s.id
	autoStart := s.autoStart
	cb := e.completeFor(s)
	e.releaseLocked(s)
	e.mu.Unlock()

	if received != meta.Size {
		zap.L().Warn("app transfer short",
			zap.String("app", meta.AppID),
			zap.Uint32("received", received), zap.Uint32("declared", meta.Size))
	}
	if !protocol.ZeroHash(meta.Hash) {
		got := sha256.Sum256(buf)
		if !bytes.Equal(got[:], meta.Hash[:]) {
			if cb != nil {
				cb(meta.AppID, false, "Hash mismatch")
			}
			return fmt.Errorf("appmgr: %s hash mismatch", meta.AppID)
		}
	}

	if err := e.installer.Upload(meta, buf); err != nil {
		if cb != nil {
			cb(meta.AppID, false, "Install failed")
		}
		return fmt.Errorf("appmgr: install %s: %w", meta.AppID, err)
	}
	if autoStart {
		if err := e.installer.Start(meta.AppID); err != nil {
			zap.L().Warn("app start failed", zap.String("app", meta.AppID), zap.Error(err))
		}
	}
	zap.L().Info("app installed",
		zap.String("app", meta.AppID), zap.String("transfer", id.String()))
	if cb != nil {
		cb(meta.AppID, true, "Installed")
	}
	return nil
}

func (e *Engine) handleCatalog(m *protocol.Message) error {
	e.mu.Lock()
	pending := e.catalogPending
	e.catalogPending = false
	cb := e.onCatalog
	e.mu.Unlock()
	if !pending {
		zap.L().Debug("unsolicited app catalog dropped")
		return nil
	}
	entries, err := protocol.DecodeCatalog(m.Payload)
	if cb != nil {
		cb(entries, err)
	}
	return err
}

func (e *Engine) ack(index uint16, src protocol.Source) {
	payload, _ := protocol.ChunkAck{Index: index}.MarshalBinary()
	m := protocol.NewMessage(protocol.TypeAppChunkAck, protocol.SourceInternal, payload)
	m.Header.Flags |= protocol.FlagResponse
	if err := e.sender.Send(m, src); err != nil {
		zap.L().Debug("chunk ack not sent", zap.Stringer("source", src), zap.Error(err))
	}
}

func (e *Engine) findFree() *transfer {
	for i := range e.slots {
		if e.slots[i].state == slotFree {
			return &e.slots[i]
		}
	}
	return nil
}

func (e *Engine) findByAppID(appID string) *transfer {
	for i := range e.slots {
		if e.slots[i].state != slotFree && e.slots[i].appID == appID {
			return &e.slots[i]
		}
	}
	return nil
}

func (e *Engine) findReceivingBySource(src protocol.Source) *transfer {
	for i := range e.slots {
		if e.slots[i].state == slotReceiving && e.slots[i].src == src {
			return &e.slots[i]
		}
	}
	return nil
}

func (e *Engine) progressFor(s *transfer) ProgressFunc {
	if s.onProgress != nil {
		return s.onProgress
	}
	return e.onProgress
}

func (e *Engine) completeFor(s *transfer) CompleteFunc {
	if s.onComplete != nil {
		return s.onComplete
	}
	return e.onComplete
}

func (e *Engine) releaseLocked(s *transfer) { *s = transfer{} }
