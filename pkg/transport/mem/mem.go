// Package mem provides an in-process link pair over channels. Useful for
// tests and as the loopback transport for the internal source.
package mem

import (
	"context"
	"errors"
	"sync"

	"akiralink/pkg/transport"
)

var ErrClosed = errors.New("mem: link closed")

// Link is one end of an in-process pair. Frames sent on one end are
// delivered to the receiver registered on the other.
type Link struct {
	mu      sync.Mutex
	peer    *Link
	recv    transport.Receiver
	pending [][]byte // frames that arrived before SetReceiver
	closed  bool
}

// Pair returns two connected links.
func Pair() (*Link, *Link) {
	a := &Link{}
	b := &Link{}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Link) Kind() transport.Kind { return transport.KindMem }

// SetReceiver installs the inbound frame callback and flushes any frames
// buffered before registration.
func (l *Link) SetReceiver(r transport.Receiver) {
	l.mu.Lock()
	l.recv = r
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, f := range pending {
		r(f, true)
	}
}

func (l *Link) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return l.peer.deliver(cp)
}

func (l *Link) deliver(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	r := l.recv
	if r == nil {
		l.pending = append(l.pending, frame)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	r(frame, true)
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.recv = nil
	l.pending = nil
	l.mu.Unlock()
	return nil
}
