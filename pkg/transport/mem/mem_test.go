package mem

import (
	"bytes"
	"context"
	"testing"
)

func TestPairDelivery(t *testing.T) {
	a, b := Pair()
	var got []byte
	b.SetReceiver(func(frame []byte, binary bool) {
		if !binary {
			t.Fatalf("mem frame not binary")
		}
		got = append([]byte(nil), frame...)
	})
	if err := a.Send(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("got %q", got)
	}
}

func TestPairBuffersBeforeReceiver(t *testing.T) {
	a, b := Pair()
	if err := a.Send(context.Background(), []byte("early")); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got []byte
	b.SetReceiver(func(frame []byte, _ bool) { got = frame })
	if !bytes.Equal(got, []byte("early")) {
		t.Fatalf("buffered frame lost, got %q", got)
	}
}

func TestSendAfterPeerClose(t *testing.T) {
	a, b := Pair()
	_ = b.Close()
	if err := a.Send(context.Background(), []byte("x")); err != ErrClosed {
		t.Fatalf("send to closed peer: %v", err)
	}
}

func TestSendCopiesFrame(t *testing.T) {
	a, b := Pair()
	var got []byte
	b.SetReceiver(func(frame []byte, _ bool) { got = frame })
	buf := []byte("mutable")
	_ = a.Send(context.Background(), buf)
	buf[0] = 'X'
	if got[0] == 'X' {
		t.Fatalf("delivered frame aliases sender buffer")
	}
}
