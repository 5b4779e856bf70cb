package binfile

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

// sectionElf returns the contents of .debug_<name>, or of .zdebug_<name>
// decompressed. Uncompressed sections are slices of the mapping.
func (f *File) sectionElf(name string) ([]byte, error) {
	if sec := f.elf.Section(".debug_" + name); sec != nil {
		if sec.Type == elf.SHT_NOBITS {
			return nil, nil
		}
		if sec.Flags&elf.SHF_COMPRESSED == 0 {
			return f.slice(sec.Offset, sec.FileSize)
		}
		return sec.Data()
	}
	sec := f.elf.Section(".zdebug_" + name)
	if sec == nil {
		return nil, nil
	}
	b, err := sec.Data()
	if err != nil {
		return nil, err
	}
	return decompressMaybe(b)
}

func (f *File) sectionPE(name string) ([]byte, error) {
	if sec := f.pe.Section(".debug_" + name); sec != nil {
		return peSectionData(sec)
	}
	sec := f.pe.Section(".zdebug_" + name)
	if sec == nil {
		return nil, nil
	}
	b, err := peSectionData(sec)
	if err != nil {
		return nil, err
	}
	return decompressMaybe(b)
}

func peSectionData(sec *pe.Section) ([]byte, error) {
	b, err := sec.Data()
	if err != nil {
		return nil, err
	}
	if 0 < sec.VirtualSize && sec.VirtualSize < sec.Size {
		b = b[:sec.VirtualSize]
	}
	return b, nil
}

func (f *File) sectionMacho(name string) ([]byte, error) {
	if sec := f.macho.Section("__debug_" + name); sec != nil {
		if sec.Offset == 0 {
			// zero fill
			return nil, nil
		}
		return f.slice(uint64(sec.Offset), sec.Size)
	}
	sec := f.macho.Section("__zdebug_" + name)
	if sec == nil {
		return nil, nil
	}
	b, err := sec.Data()
	if err != nil {
		return nil, err
	}
	return decompressMaybe(b)
}

// slice returns size bytes of the mapping starting at off.
func (f *File) slice(off, size uint64) ([]byte, error) {
	if off > uint64(len(f.data)) || size > uint64(len(f.data))-off {
		return nil, fmt.Errorf("%s: section at %#x+%#x outside of the file", f.Path, off, size)
	}
	return f.data[off : off+size : off+size], nil
}

// decompressMaybe decompresses the legacy GNU .zdebug format: "ZLIB"
// followed by the big endian uncompressed size and a zlib stream.
func decompressMaybe(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		// not compressed
		return b, nil
	}

	dlen := binary.BigEndian.Uint64(b[4:12])
	if dlen > maxDecompressedSize {
		return nil, fmt.Errorf("compressed section declares %d bytes", dlen)
	}
	dbuf := make([]byte, dlen)
	r, err := zlib.NewReader(bytes.NewBuffer(b[12:]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, dbuf); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return dbuf, nil
}

const maxDecompressedSize = 1 << 32
