// Buffered reading and decoding of DWARF data streams.

package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/binscan/binscan/pkg/dwarf/leb128"
)

// ErrUnderflow is recorded when a read needs more bytes than are left.
var ErrUnderflow = io.ErrUnexpectedEOF

// DecodeError describes a failed read inside a DWARF section.
type DecodeError struct {
	Section string
	Offset  int
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding dwarf section %s at offset %#x: %v", e.Section, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Buf is a cursor over one DWARF section. The first failed read is
// recorded in Err; once set, every subsequent read returns a zero value and
// does not move the cursor.
type Buf struct {
	name  string
	order binary.ByteOrder
	data  []byte
	off   int
	Err   error
}

// MakeBuf returns a cursor positioned at the start of data.
func MakeBuf(name string, order binary.ByteOrder, data []byte) *Buf {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Buf{name: name, order: order, data: data}
}

// Name returns the section name the buffer was created for.
func (b *Buf) Name() string { return b.name }

// Order returns the byte order used for fixed width reads.
func (b *Buf) Order() binary.ByteOrder { return b.order }

// Off returns the current position, relative to the start of the section.
func (b *Buf) Off() int { return b.off }

// Len returns the number of unread bytes.
func (b *Buf) Len() int {
	if b.off >= len(b.data) {
		return 0
	}
	return len(b.data) - b.off
}

// Data returns the whole underlying section.
func (b *Buf) Data() []byte { return b.data }

// Seek moves the cursor to off. Seeking past the end of the section is an
// underflow.
func (b *Buf) Seek(off int) {
	if off < 0 || off > len(b.data) {
		b.error(ErrUnderflow)
		return
	}
	b.off = off
}

// ReadByte implements io.ByteReader. It does not record errors, callers
// going through ReadByte are expected to handle io.EOF themselves.
func (b *Buf) ReadByte() (byte, error) {
	if b.Err != nil || b.Len() < 1 {
		return 0, io.EOF
	}
	c := b.data[b.off]
	b.off++
	return c, nil
}

// Read implements io.Reader.
func (b *Buf) Read(p []byte) (int, error) {
	if b.Err != nil || b.Len() == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

// Bytes returns the next n bytes without copying them.
func (b *Buf) Bytes(n int) []byte {
	if b.Err != nil {
		return nil
	}
	if n < 0 || b.Len() < n {
		b.error(ErrUnderflow)
		return nil
	}
	data := b.data[b.off : b.off+n]
	b.off += n
	return data
}

// Skip advances the cursor by n bytes.
func (b *Buf) Skip(n int) { b.Bytes(n) }

func (b *Buf) Uint8() uint8 {
	data := b.Bytes(1)
	if data == nil {
		return 0
	}
	return data[0]
}

func (b *Buf) Uint16() uint16 {
	data := b.Bytes(2)
	if data == nil {
		return 0
	}
	return b.order.Uint16(data)
}

func (b *Buf) Uint32() uint32 {
	data := b.Bytes(4)
	if data == nil {
		return 0
	}
	return b.order.Uint32(data)
}

func (b *Buf) Uint64() uint64 {
	data := b.Bytes(8)
	if data == nil {
		return 0
	}
	return b.order.Uint64(data)
}

// Uint reads an unsigned integer of size bytes, size must be between 1 and 8.
func (b *Buf) Uint(size int) uint64 {
	switch size {
	case 1:
		return uint64(b.Uint8())
	case 2:
		return uint64(b.Uint16())
	case 4:
		return uint64(b.Uint32())
	case 8:
		return b.Uint64()
	}
	if size < 1 || size > 8 {
		b.error(fmt.Errorf("unsupported integer size %d", size))
		return 0
	}
	data := b.Bytes(size)
	if data == nil {
		return 0
	}
	var v uint64
	if b.order == binary.BigEndian {
		for _, c := range data {
			v = v<<8 | uint64(c)
		}
		return v
	}
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

// ULEB reads an unsigned LEB128 value.
func (b *Buf) ULEB() uint64 {
	if b.Err != nil {
		return 0
	}
	start := b.off
	v, _, err := leb128.DecodeUnsigned(b)
	if err != nil {
		b.off = start
		b.error(err)
		return 0
	}
	return v
}

// SLEB reads a signed LEB128 value.
func (b *Buf) SLEB() int64 {
	if b.Err != nil {
		return 0
	}
	start := b.off
	v, _, err := leb128.DecodeSigned(b)
	if err != nil {
		b.off = start
		b.error(err)
		return 0
	}
	return v
}

// CString returns the NUL-terminated (C-like) string at the cursor.
// The terminal NUL is discarded.
func (b *Buf) CString() string {
	if b.Err != nil {
		return ""
	}
	for i := b.off; i < len(b.data); i++ {
		if b.data[i] == 0 {
			s := string(b.data[b.off:i])
			b.off = i + 1
			return s
		}
	}
	b.error(ErrUnderflow)
	return ""
}

func (b *Buf) error(err error) {
	if b.Err == nil {
		b.Err = &DecodeError{Section: b.name, Offset: b.off, Err: err}
	}
}

// IsUnderflow reports whether err was caused by running out of input.
func IsUnderflow(err error) bool {
	return errors.Is(err, ErrUnderflow)
}
