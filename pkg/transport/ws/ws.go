// Package ws provides a WebSocket link. Protocol messages travel as
// binary frames; text frames are surfaced to the receiver with
// binary=false so the client can count and drop them.
package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"akiralink/pkg/transport"
)

// Link wraps one WebSocket connection.
type Link struct {
	conn *websocket.Conn

	wmu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	recv    transport.Receiver
	started bool
	done    chan struct{}
}

// Dial connects to url (ws:// or wss://) and returns a link.
func Dial(ctx context.Context, url string) (*Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewLink(conn), nil
}

// NewLink wraps an established connection (e.g. one accepted by the
// local web server's upgrader).
func NewLink(conn *websocket.Conn) *Link {
	return &Link{conn: conn, done: make(chan struct{})}
}

func (l *Link) Kind() transport.Kind { return transport.KindWebSocket }

// SetReceiver installs the inbound callback and starts the read loop.
func (l *Link) SetReceiver(r transport.Receiver) {
	l.mu.Lock()
	l.recv = r
	start := !l.started
	l.started = true
	l.mu.Unlock()
	if start {
		go l.readLoop()
	}
}

func (l *Link) readLoop() {
	defer close(l.done)
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("ws read loop ended", zap.Error(err))
			}
			return
		}
		l.mu.Lock()
		r := l.recv
		l.mu.Unlock()
		if r == nil {
			continue
		}
		switch mt {
		case websocket.BinaryMessage:
			r(data, true)
		case websocket.TextMessage:
			r(data, false)
		}
	}
}

func (l *Link) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *Link) Close() error { return l.conn.Close() }
