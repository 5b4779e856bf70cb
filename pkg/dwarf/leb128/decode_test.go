package leb128

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	leb128 := bytes.NewBuffer([]byte{0xE5, 0x8E, 0x26})

	n, c, err := DecodeUnsigned(leb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != 624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}

	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeSigned(t *testing.T) {
	sleb128 := bytes.NewBuffer([]byte{0x9b, 0xf1, 0x59})

	n, c, err := DecodeSigned(sleb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != -624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}
}

func TestDecodeTruncated(t *testing.T) {
	// continuation bit set on the last available byte
	_, c, err := DecodeUnsigned(bytes.NewReader([]byte{0xE5, 0x8E}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if c != 2 {
		t.Fatalf("expected 2 bytes consumed, got %d", c)
	}

	_, _, err = DecodeSigned(bytes.NewReader(nil))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF on empty input, got %v", err)
	}
}

func TestDecodeOverlong(t *testing.T) {
	// eleven bytes of padding still terminate and keep the low 64 bits
	in := []byte{0x81, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x00}
	n, c, err := DecodeUnsigned(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || c != uint32(len(in)) {
		t.Fatalf("got %d (%d bytes), expected 1 (%d bytes)", n, c, len(in))
	}
}
