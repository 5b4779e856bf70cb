// Package binfile opens executables and hands out the raw contents of
// their DWARF sections.
package binfile

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/binscan/binscan/pkg/dwarf"
	"github.com/binscan/binscan/pkg/logflags"
)

// ErrUnknownFormat is returned by Open for files that are not ELF, Mach-O
// or PE executables.
var ErrUnknownFormat = errors.New("unrecognized executable format")

// Format is the container format of an executable.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "macho"
	FormatPE    Format = "pe"
)

// Names of the DWARF sections, without the .debug_ prefix.
const (
	SectionAbbrev  = "abbrev"
	SectionInfo    = "info"
	SectionStr     = "str"
	SectionLineStr = "line_str"
	SectionLine    = "line"
)

// File is an open executable. Section contents may point into a read-only
// mapping of the file and must not be used after Close.
type File struct {
	Path      string
	Format    Format
	ByteOrder binary.ByteOrder

	data  []byte
	unmap func() error
	osf   *os.File

	elf   *elf.File
	macho *macho.File
	pe    *pe.File
}

// Open maps path and detects its format.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, unmap, err := mapFile(osf)
	if err != nil {
		osf.Close()
		return nil, err
	}
	f := &File{Path: path, data: data, unmap: unmap, osf: osf}
	if err := f.detect(); err != nil {
		f.Close()
		return nil, err
	}
	logflags.LoaderLogger().Debugf("opened %s (%s, %d bytes)", path, f.Format, len(data))
	return f, nil
}

func (f *File) detect() error {
	r := bytes.NewReader(f.data)
	switch {
	case bytes.HasPrefix(f.data, []byte(elf.ELFMAG)):
		ef, err := elf.NewFile(r)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		f.elf, f.Format, f.ByteOrder = ef, FormatELF, ef.ByteOrder
	case isMacho(f.data):
		mf, err := macho.NewFile(r)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		f.macho, f.Format, f.ByteOrder = mf, FormatMachO, mf.ByteOrder
	case bytes.HasPrefix(f.data, []byte("MZ")):
		pf, err := pe.NewFile(r)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		f.pe, f.Format, f.ByteOrder = pf, FormatPE, binary.LittleEndian
	default:
		return fmt.Errorf("%s: %w", f.Path, ErrUnknownFormat)
	}
	return nil
}

func isMacho(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch binary.LittleEndian.Uint32(data) {
	case macho.Magic32, macho.Magic64:
		return true
	}
	switch binary.BigEndian.Uint32(data) {
	case macho.Magic32, macho.Magic64:
		return true
	}
	return false
}

// Section returns the contents of the DWARF section .debug_<name>,
// decompressed if needed. A missing section is not an error: nil is
// returned.
func (f *File) Section(name string) ([]byte, error) {
	switch f.Format {
	case FormatELF:
		return f.sectionElf(name)
	case FormatMachO:
		return f.sectionMacho(name)
	case FormatPE:
		return f.sectionPE(name)
	}
	return nil, nil
}

// DWARF collects the sections the decoder uses.
func (f *File) DWARF() (dwarf.Sections, error) {
	var (
		sec dwarf.Sections
		err error
	)
	for _, s := range []struct {
		name string
		dst  *[]byte
	}{
		{SectionAbbrev, &sec.Abbrev},
		{SectionInfo, &sec.Info},
		{SectionStr, &sec.Str},
		{SectionLineStr, &sec.LineStr},
		{SectionLine, &sec.Line},
	} {
		*s.dst, err = f.Section(s.name)
		if err != nil {
			return dwarf.Sections{}, fmt.Errorf("%s: .debug_%s: %w", f.Path, s.name, err)
		}
	}
	return sec, nil
}

// ImageBase returns the address the image is linked at, which line table
// addresses are made relative to.
func (f *File) ImageBase() uint64 {
	switch f.Format {
	case FormatELF:
		base := ^uint64(0)
		for _, prog := range f.elf.Progs {
			if prog.Type == elf.PT_LOAD && prog.Vaddr < base {
				base = prog.Vaddr
			}
		}
		if base == ^uint64(0) {
			return 0
		}
		return base
	case FormatMachO:
		if seg := f.macho.Segment("__TEXT"); seg != nil {
			return seg.Addr
		}
	case FormatPE:
		switch oh := f.pe.OptionalHeader.(type) {
		case *pe.OptionalHeader32:
			return uint64(oh.ImageBase)
		case *pe.OptionalHeader64:
			return oh.ImageBase
		}
	}
	return 0
}

// Arch returns the machine the executable is built for.
func (f *File) Arch() string {
	switch f.Format {
	case FormatELF:
		return f.elf.Machine.String()
	case FormatMachO:
		return f.macho.Cpu.String()
	case FormatPE:
		return fmt.Sprintf("%#x", f.pe.Machine)
	}
	return ""
}

// Close releases the mapping. Section contents returned earlier become
// invalid.
func (f *File) Close() error {
	var err error
	if f.unmap != nil {
		err = f.unmap()
		f.unmap = nil
	}
	f.data = nil
	if f.osf != nil {
		if cerr := f.osf.Close(); err == nil {
			err = cerr
		}
		f.osf = nil
	}
	return err
}
