package protocol

import (
	"testing"

	"akiralink/pkg/protocol/codec"
)

type reading struct {
	Sensor string  `json:"sensor" cbor:"1,keyasint"`
	Value  float64 `json:"value" cbor:"2,keyasint"`
}

func registry(t *testing.T) *codec.Registry {
	t.Helper()
	r := codec.NewRegistry()
	c, err := codec.CBOR()
	if err != nil {
		t.Fatalf("cbor codec: %v", err)
	}
	r.Register(c)
	return r
}

func TestBodyRoundtripJSON(t *testing.T) {
	r := registry(t)
	in := reading{Sensor: "hr", Value: 72}
	b, err := EncodeBody(r, FormatJSON, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Format(b[0]) != FormatJSON {
		t.Fatalf("format byte = %d", b[0])
	}

	var out reading
	f, err := DecodeBody(r, b, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f != FormatJSON || out != in {
		t.Fatalf("decoded %v as %v", out, f)
	}
}

func TestBodyRoundtripCBOR(t *testing.T) {
	r := registry(t)
	in := reading{Sensor: "accel", Value: 0.98}
	b, err := EncodeBody(r, FormatCBOR, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out reading
	f, err := DecodeBody(r, b, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f != FormatCBOR || out != in {
		t.Fatalf("decoded %v as %v", out, f)
	}
}

func TestBodyUnknownFormat(t *testing.T) {
	r := registry(t)
	var out reading
	if _, err := DecodeBody(r, []byte{0x7F, 0x00}, &out); err == nil {
		t.Fatalf("unknown format accepted")
	}
	if _, err := DecodeBody(r, nil, &out); err == nil {
		t.Fatalf("empty payload accepted")
	}
}
