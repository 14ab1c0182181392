// Package quic provides a QUIC link: one bidirectional stream per
// connection carrying u32-LE length-prefixed frames.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"akiralink/pkg/transport"
)

const alpn = "akiralink"

var ErrFrameTooBig = errors.New("quic: invalid frame size")

// Link wraps one QUIC connection and its control stream.
type Link struct {
	conn   quicgo.Connection
	stream quicgo.Stream

	wmu sync.Mutex
	bw  *bufio.Writer

	mu      sync.Mutex
	recv    transport.Receiver
	started bool
}

// Dial connects to addr and opens the control stream. TLS verification is
// skipped; peers are authenticated at the message layer (AUTH_REQUEST).
func Dial(ctx context.Context, addr string) (*Link, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, addr, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return newLink(conn, stream), nil
}

// Listener accepts inbound QUIC links.
type Listener struct {
	l *quicgo.Listener
}

// Listen starts a QUIC listener on addr with an ephemeral self-signed
// certificate.
func Listen(addr string) (*Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(addr, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{l: l}, nil
}

// Accept waits for the next connection and its control stream.
func (ln *Listener) Accept(ctx context.Context) (*Link, error) {
	conn, err := ln.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream")
		return nil, err
	}
	return newLink(conn, stream), nil
}

func (ln *Listener) Close() error { return ln.l.Close() }

// Addr returns the bound address.
func (ln *Listener) Addr() net.Addr { return ln.l.Addr() }

func newLink(conn quicgo.Connection, stream quicgo.Stream) *Link {
	return &Link{conn: conn, stream: stream, bw: bufio.NewWriter(stream)}
}

func (l *Link) Kind() transport.Kind { return transport.KindQUIC }

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
	br := bufio.NewReader(l.stream)
	var lenbuf [4]byte
	for {
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			if err != io.EOF {
				zap.L().Debug("quic read loop ended", zap.Error(err))
			}
			return
		}
		n := int(binary.LittleEndian.Uint32(lenbuf[:]))
		if n < 0 || n > (1<<24) {
			zap.L().Warn("quic frame size out of range", zap.Int("size", n))
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return
		}
		l.mu.Lock()
		r := l.recv
		l.mu.Unlock()
		if r != nil {
			r(buf, true)
		}
	}
}

func (l *Link) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > (1 << 24) {
		return ErrFrameTooBig
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))
	if _, err := l.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := l.bw.Write(frame); err != nil {
		return err
	}
	return l.bw.Flush()
}

func (l *Link) Close() error {
	_ = l.stream.Close()
	return l.conn.CloseWithError(0, "")
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
