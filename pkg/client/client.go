// Package client routes protocol messages between the device and its
// sources (remote server, mobile app, local web, USB) over attached
// transport links, and feeds the firmware and app transfer engines.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"akiralink/pkg/protocol"
	"akiralink/pkg/protocol/codec"
	"akiralink/pkg/transport"
)

// ConnState is the per-source connection state.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

const (
	// MaxHandlers bounds the message handler registry.
	MaxHandlers = 8

	defaultQueueSize = 16
	pollInterval     = 100 * time.Millisecond
	sendTimeout      = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("client: source not connected")
	ErrNoLink       = errors.New("client: no link for source")
	ErrHandlerLimit = errors.New("client: handler registry full")
	ErrQueueFull    = errors.New("client: rx queue full")
)

// Handler consumes inbound messages for a category (CatAny matches all).
// Returning true stops further registry dispatch for that message.
type Handler func(m *protocol.Message, src protocol.Source) bool

// StateFunc observes per-source connection state transitions.
type StateFunc func(src protocol.Source, state ConnState)

// Engine is a transfer engine fed before the handler registry.
// Both *ota.Engine and *appmgr.Engine satisfy it.
type Engine interface {
	HandleMessage(m *protocol.Message, src protocol.Source) error
}

// Stats counts client traffic since the last reset.
type Stats struct {
	TxMessages  uint32
	TxBytes     uint64
	RxMessages  uint32
	RxBytes     uint64
	RxErrors    uint32
	FWChunks    uint32 // FW_CHUNK messages received
	AppChunks   uint32 // APP_CHUNK messages received
	TextDropped uint32
	Dropped     uint32 // rx queue overflows
}

type handlerEntry struct {
	cat protocol.Category
	fn  Handler
}

type sourceInfo struct {
	link          transport.Link
	state         ConnState
	authenticated bool
}

type queued struct {
	m   *protocol.Message
	src protocol.Source
}

// Client is the message router. Safe for concurrent use; handlers and
// callbacks run outside the client lock.
type Client struct {
	mu       sync.Mutex
	sources  map[protocol.Source]*sourceInfo
	handlers []handlerEntry
	stats    Stats

	// cbMu serializes state transitions with their callback so observers
	// see transitions in order.
	cbMu    sync.Mutex
	onState StateFunc

	otaEngine Engine
	appEngine Engine

	registry *codec.Registry

	rxq       chan queued
	stop      chan struct{}
	wg        sync.WaitGroup
	started   bool
	closed    bool
	heartbeat time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithQueueSize bounds the async rx queue.
func WithQueueSize(n int) Option {
	return func(c *Client) { c.rxq = make(chan queued, n) }
}

// WithHeartbeat enables the periodic heartbeat; 0 disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithCodecRegistry overrides the body codec registry.
func WithCodecRegistry(r *codec.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// New builds a client with no links attached.
func New(opts ...Option) *Client {
	c := &Client{
		sources: make(map[protocol.Source]*sourceInfo),
		rxq:     make(chan queued, defaultQueueSize),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.registry == nil {
		c.registry = codec.NewRegistry()
		if cb, err := codec.CBOR(); err == nil {
			c.registry.Register(cb)
		}
	}
	return c
}

// AttachOTA installs the firmware engine (single slot).
func (c *Client) AttachOTA(e Engine) {
	c.mu.Lock()
	c.otaEngine = e
	c.mu.Unlock()
}

// AttachApps installs the app engine (single slot).
func (c *Client) AttachApps(e Engine) {
	c.mu.Lock()
	c.appEngine = e
	c.mu.Unlock()
}

// OnStateChange installs the connection state observer (single slot).
func (c *Client) OnStateChange(f StateFunc) {
	c.cbMu.Lock()
	c.onState = f
	c.cbMu.Unlock()
}

// RegisterHandler appends a handler for a category. Duplicates are
// allowed; dispatch follows registration order.
func (c *Client) RegisterHandler(cat protocol.Category, fn Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handlers) >= MaxHandlers {
		return ErrHandlerLimit
	}
	c.handlers = append(c.handlers, handlerEntry{cat: cat, fn: fn})
	return nil
}

// AttachLink binds a transport link to a source and starts receiving
// from it. The source begins disconnected.
func (c *Client) AttachLink(src protocol.Source, link transport.Link) {
	c.mu.Lock()
	c.sources[src] = &sourceInfo{link: link}
	c.mu.Unlock()
	if rs, ok := link.(interface{ SetReceiver(transport.Receiver) }); ok {
		rs.SetReceiver(func(frame []byte, binary bool) {
			_ = c.Receive(src, frame, binary)
		})
	}
}

// Connect marks a source as connected, firing connecting then connected.
func (c *Client) Connect(src protocol.Source) error {
	c.mu.Lock()
	si := c.sources[src]
	c.mu.Unlock()
	if si == nil {
		return ErrNoLink
	}
	c.setState(src, si, StateConnecting)
	c.setState(src, si, StateConnected)
	return nil
}

// Disconnect marks a source as disconnected.
func (c *Client) Disconnect(src protocol.Source) error {
	c.mu.Lock()
	si := c.sources[src]
	c.mu.Unlock()
	if si == nil {
		return ErrNoLink
	}
	c.setState(src, si, StateDisconnected)
	return nil
}

// MarkAuthenticated promotes a connected source to authenticated.
func (c *Client) MarkAuthenticated(src protocol.Source) error {
	c.mu.Lock()
	si := c.sources[src]
	if si == nil {
		c.mu.Unlock()
		return ErrNoLink
	}
	if si.state < StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	si.authenticated = true
	c.mu.Unlock()
	c.setState(src, si, StateAuthenticated)
	return nil
}

// BTConnected reflects the Bluetooth stack's connection notification on
// the mobile source.
func (c *Client) BTConnected(connected bool) {
	if connected {
		_ = c.Connect(protocol.SourceMobile)
	} else {
		_ = c.Disconnect(protocol.SourceMobile)
	}
}

func (c *Client) setState(src protocol.Source, si *sourceInfo, st ConnState) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	if si.state == st {
		c.mu.Unlock()
		return
	}
	si.state = st
	if st < StateConnected {
		si.authenticated = false
	}
	cb := c.onState
	c.mu.Unlock()
	zap.L().Info("source state", zap.Stringer("source", src), zap.Stringer("state", st))
	if cb != nil {
		cb(src, st)
	}
}

// State returns the connection state of a source.
func (c *Client) State(src protocol.Source) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if si := c.sources[src]; si != nil {
		return si.state
	}
	return StateDisconnected
}

// SourceInfo is one row of the Sources snapshot.
type SourceInfo struct {
	Source        protocol.Source
	Kind          transport.Kind
	State         ConnState
	Authenticated bool
}

// Sources returns a snapshot of all attached sources.
func (c *Client) Sources() []SourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SourceInfo, 0, len(c.sources))
	for src, si := range c.sources {
		out = append(out, SourceInfo{
			Source:        src,
			Kind:          si.link.Kind(),
			State:         si.state,
			Authenticated: si.authenticated,
		})
	}
	return out
}

// Send encodes m and writes it to the link of dst. The source must be at
// least connected.
func (c *Client) Send(m *protocol.Message, dst protocol.Source) error {
	c.mu.Lock()
	si := c.sources[dst]
	if si == nil {
		c.mu.Unlock()
		return ErrNoLink
	}
	if si.state < StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, dst, si.state)
	}
	link := si.link
	c.mu.Unlock()

	frame, err := m.EncodeFrame()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := link.Send(ctx, frame); err != nil {
		return fmt.Errorf("client: send to %s: %w", dst, err)
	}
	c.mu.Lock()
	c.stats.TxMessages++
	c.stats.TxBytes += uint64(len(frame))
	c.mu.Unlock()
	return nil
}

// Broadcast sends m to every connected source and returns the number of
// successful sends.
func (c *Client) Broadcast(m *protocol.Message) int {
	c.mu.Lock()
	dsts := make([]protocol.Source, 0, len(c.sources))
	for src, si := range c.sources {
		if si.state >= StateConnected {
			dsts = append(dsts, src)
		}
	}
	c.mu.Unlock()
	n := 0
	for _, dst := range dsts {
		if err := c.Send(m, dst); err == nil {
			n++
		}
	}
	return n
}

// Stats returns a copy of the traffic counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes the traffic counters.
func (c *Client) ResetStats() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}

// Start launches the rx consumer and the heartbeat ticker.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	hb := c.heartbeat
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume()
	if hb > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(hb)
	}
}

// Close stops background goroutines and closes all links.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := make([]transport.Link, 0, len(c.sources))
	for _, si := range c.sources {
		links = append(links, si.link)
	}
	c.mu.Unlock()
	close(c.stop)
	c.wg.Wait()
	for _, l := range links {
		_ = l.Close()
	}
	return nil
}

func (c *Client) consume() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case it := <-c.rxq:
			c.dispatch(it.m, it.src)
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) heartbeatLoop(every time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Heartbeat()
		}
	}
}
