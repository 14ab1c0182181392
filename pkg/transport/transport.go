// Package transport defines the link contract between the message client
// and the concrete per-source transports (BLE bridge, WebSocket, QUIC,
// USB CDC, in-process loopback).
package transport

import "context"

// Kind identifies the concrete transport backing a link.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMem
	KindBLE
	KindWebSocket
	KindQUIC
	KindUSB
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindBLE:
		return "ble"
	case KindWebSocket:
		return "ws"
	case KindQUIC:
		return "quic"
	case KindUSB:
		return "usb"
	default:
		return "unknown"
	}
}

// Receiver is invoked for each inbound frame. binary is false for
// transports that distinguish text payloads (WebSocket); frame is only
// valid for the duration of the call.
type Receiver func(frame []byte, binary bool)

// Link is a bidirectional raw-frame pipe to one source.
type Link interface {
	Kind() Kind
	// Send writes one frame. It returns once the frame is handed to the
	// transport or ctx is done.
	Send(ctx context.Context, frame []byte) error
	Close() error
}
