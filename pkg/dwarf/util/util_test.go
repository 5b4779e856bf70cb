package util

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestBufFixedWidth(t *testing.T) {
	b := MakeBuf("info", binary.LittleEndian, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	if v := b.Uint16(); v != 0x0201 {
		t.Fatalf("Uint16: got %#x", v)
	}
	if v := b.Uint(3); v != 0x050403 {
		t.Fatalf("Uint(3): got %#x", v)
	}
	if b.Off() != 5 || b.Len() != 2 {
		t.Fatalf("wrong position %d/%d", b.Off(), b.Len())
	}
	if v := b.Uint32(); v != 0 {
		t.Fatalf("expected zero on underflow, got %#x", v)
	}
	if !IsUnderflow(b.Err) {
		t.Fatalf("expected underflow, got %v", b.Err)
	}
	var derr *DecodeError
	if !errors.As(b.Err, &derr) || derr.Offset != 5 || derr.Section != "info" {
		t.Fatalf("unexpected decode error %#v", b.Err)
	}
	// sticky
	if v := b.Uint8(); v != 0 || b.Off() != 5 {
		t.Fatalf("read after error moved the cursor")
	}
}

func TestBufBigEndian(t *testing.T) {
	b := MakeBuf("info", binary.BigEndian, []byte{0x01, 0x02, 0x03})
	if v := b.Uint(3); v != 0x010203 {
		t.Fatalf("got %#x", v)
	}
}

func TestBufLEBAndStrings(t *testing.T) {
	b := MakeBuf("abbrev", nil, []byte{0xE5, 0x8E, 0x26, 0x7f, 'a', 'b', 0, 0x80})
	if v := b.ULEB(); v != 624485 {
		t.Fatalf("ULEB: got %d", v)
	}
	if v := b.SLEB(); v != -1 {
		t.Fatalf("SLEB: got %d", v)
	}
	if s := b.CString(); s != "ab" {
		t.Fatalf("CString: got %q", s)
	}
	if v := b.ULEB(); v != 0 || b.Err == nil {
		t.Fatalf("expected truncated ULEB to fail, got %d %v", v, b.Err)
	}
	if b.Off() != 7 {
		t.Fatalf("failed ULEB should leave cursor at its start, got %d", b.Off())
	}
}

func TestBufSeek(t *testing.T) {
	b := MakeBuf("line", nil, make([]byte, 4))
	b.Seek(4)
	if b.Err != nil || b.Len() != 0 {
		t.Fatalf("seek to end failed: %v", b.Err)
	}
	b.Seek(5)
	if !IsUnderflow(b.Err) {
		t.Fatalf("expected underflow seeking past the end, got %v", b.Err)
	}
}

func TestWriteUint(t *testing.T) {
	for _, sz := range []int{1, 2, 4, 8} {
		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			var buf bytes.Buffer
			if err := WriteUint(&buf, order, sz, 0x12); err != nil {
				t.Fatal(err)
			}
			if buf.Len() != sz {
				t.Fatalf("size %d: wrote %d bytes", sz, buf.Len())
			}
			b := MakeBuf("info", order, buf.Bytes())
			if v := b.Uint(sz); v != 0x12 || b.Err != nil {
				t.Fatalf("size %d %v: got %#x %v", sz, order, v, b.Err)
			}
		}
	}
	if err := WriteUint(io.Discard, binary.LittleEndian, 3, 0); err == nil {
		t.Fatal("expected error for unsupported size")
	}
}
