package client

import (
	"go.uber.org/zap"

	"akiralink/pkg/protocol"
)

// Receive parses a raw frame from a source and dispatches it
// synchronously. Non-binary frames (WebSocket text) are counted and
// dropped.
func (c *Client) Receive(src protocol.Source, frame []byte, binary bool) error {
	if !binary {
		c.mu.Lock()
		c.stats.TextDropped++
		c.mu.Unlock()
		zap.L().Debug("text frame dropped", zap.Stringer("source", src), zap.Int("len", len(frame)))
		return nil
	}
	m, err := protocol.DecodeFrame(frame)
	if err != nil {
		c.mu.Lock()
		c.stats.RxErrors++
		c.mu.Unlock()
		zap.L().Warn("bad frame", zap.Stringer("source", src), zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.stats.RxMessages++
	c.stats.RxBytes += uint64(len(frame))
	switch m.Header.Type {
	case protocol.TypeFWChunk:
		c.stats.FWChunks++
	case protocol.TypeAppChunk:
		c.stats.AppChunks++
	}
	c.mu.Unlock()
	c.dispatch(m, src)
	return nil
}

// BTReceive feeds a frame from the Bluetooth bridge.
func (c *Client) BTReceive(frame []byte) error {
	return c.Receive(protocol.SourceMobile, frame, true)
}

// WSReceive feeds a WebSocket frame from the given source.
func (c *Client) WSReceive(src protocol.Source, frame []byte, binary bool) error {
	return c.Receive(src, frame, binary)
}

// USBReceive feeds a frame from the USB CDC bridge.
func (c *Client) USBReceive(frame []byte) error {
	return c.Receive(protocol.SourceUSB, frame, true)
}

// Enqueue queues a parsed message for the background consumer instead of
// dispatching inline. Returns ErrQueueFull when the bounded queue is
// full; the message is dropped and counted.
func (c *Client) Enqueue(m *protocol.Message, src protocol.Source) error {
	select {
	case c.rxq <- queued{m: m, src: src}:
		return nil
	default:
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		return ErrQueueFull
	}
}

// dispatch routes one message: transfer engines see their categories
// first, then the handler registry sees every message.
func (c *Client) dispatch(m *protocol.Message, src protocol.Source) {
	cat := m.Header.Type.Category()

	c.mu.Lock()
	var engine Engine
	switch cat {
	case protocol.CatOTA:
		engine = c.otaEngine
	case protocol.CatApp:
		engine = c.appEngine
	}
	// snapshot so handlers may register/send without deadlocking
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	if engine != nil {
		// engines run first but do not consume: the registry still sees
		// every message so observers can watch transfer traffic
		if err := engine.HandleMessage(m, src); err != nil {
			zap.L().Warn("engine rejected message",
				zap.Stringer("type", m.Header.Type), zap.Stringer("source", src), zap.Error(err))
		}
	}

	for _, h := range handlers {
		if h.cat != protocol.CatAny && h.cat != cat {
			continue
		}
		if h.fn(m, src) {
			return
		}
	}
}

// --- high-level operations ---

// Heartbeat broadcasts a HEARTBEAT and returns the delivery count.
func (c *Client) Heartbeat() int {
	return c.Broadcast(protocol.NewMessage(protocol.TypeHeartbeat, protocol.SourceInternal, nil))
}

// SendStatus sends a STATUS_RESPONSE to dst.
func (c *Client) SendStatus(s protocol.Status, dst protocol.Source) error {
	payload, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	m := protocol.NewMessage(protocol.TypeStatusResponse, protocol.SourceInternal, payload)
	m.Header.Flags |= protocol.FlagResponse
	return c.Send(m, dst)
}

// CheckFirmware broadcasts a firmware availability query.
func (c *Client) CheckFirmware() int {
	return c.Broadcast(protocol.NewMessage(protocol.TypeFWCheck, protocol.SourceInternal, nil))
}

// RequestFirmware asks dst to begin a firmware transfer.
func (c *Client) RequestFirmware(dst protocol.Source) error {
	return c.Send(protocol.NewMessage(protocol.TypeFWRequest, protocol.SourceInternal, nil), dst)
}

// RequestAppList broadcasts an app catalog query.
func (c *Client) RequestAppList() int {
	return c.Broadcast(protocol.NewMessage(protocol.TypeAppListRequest, protocol.SourceInternal, nil))
}

// RequestApp asks all sources for an app binary by id.
func (c *Client) RequestApp(appID string) int {
	payload := make([]byte, protocol.AppIDLen)
	copy(payload, appID)
	return c.Broadcast(protocol.NewMessage(protocol.TypeAppRequest, protocol.SourceInternal, payload))
}

// CheckAppUpdates broadcasts an app update query.
func (c *Client) CheckAppUpdates() int {
	return c.Broadcast(protocol.NewMessage(protocol.TypeAppCheck, protocol.SourceInternal, nil))
}

// SendSensorData encodes v as a CBOR body and sends it to dst.
func (c *Client) SendSensorData(v any, dst protocol.Source) error {
	payload, err := protocol.EncodeBody(c.registry, protocol.FormatCBOR, v)
	if err != nil {
		return err
	}
	return c.Send(protocol.NewMessage(protocol.TypeSensorData, protocol.SourceInternal, payload), dst)
}

// SendLogData encodes v as a JSON body and sends it to dst.
func (c *Client) SendLogData(v any, dst protocol.Source) error {
	payload, err := protocol.EncodeBody(c.registry, protocol.FormatJSON, v)
	if err != nil {
		return err
	}
	return c.Send(protocol.NewMessage(protocol.TypeLogData, protocol.SourceInternal, payload), dst)
}

// SendError sends an ERROR message to dst.
func (c *Client) SendError(info protocol.ErrorInfo, dst protocol.Source) error {
	payload, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	m := protocol.NewMessage(protocol.TypeError, protocol.SourceInternal, payload)
	m.Header.Flags |= protocol.FlagError
	return c.Send(m, dst)
}

// SendRaw sends a pre-built payload as type t to dst.
func (c *Client) SendRaw(t protocol.Type, payload []byte, dst protocol.Source) error {
	return c.Send(protocol.NewMessage(t, protocol.SourceInternal, payload), dst)
}
