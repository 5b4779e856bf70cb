package dwarfbuilder

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/binscan/binscan/pkg/elfwriter"
)

// ELFOptions describes the executable WriteELF produces.
type ELFOptions struct {
	// Base is the address of the only PT_LOAD segment.
	Base    uint64
	Machine elf.Machine
	// BuildID, when set, is written as a .note.gnu.build-id section.
	BuildID []byte
	// Compress names sections, without the .debug_ prefix, to store as
	// legacy .zdebug sections.
	Compress map[string]bool
}

// WriteELF writes an ELF executable carrying sec to path.
func WriteELF(path string, sec Sections, opts ELFOptions) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	fhdr := &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		Type:    elf.ET_EXEC,
		Machine: opts.Machine,
		Entry:   opts.Base,
	}
	if fhdr.Machine == elf.EM_NONE {
		fhdr.Machine = elf.EM_X86_64
	}
	w := elfwriter.New(fh, fhdr)

	w.Progs = append(w.Progs, &elf.ProgHeader{
		Type:  elf.PT_LOAD,
		Flags: elf.PF_R | elf.PF_X,
		Vaddr: opts.Base,
		Paddr: opts.Base,
		Memsz: 0x1000,
		Align: 0x1000,
	})
	w.WriteSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, opts.Base, []byte{0xc3})
	if opts.BuildID != nil {
		note := w.WriteNotes([]elfwriter.Note{{Type: elfwriter.NT_GNU_BUILD_ID, Name: "GNU\x00", Data: opts.BuildID}})
		h := w.WriteSection(".note.gnu.build-id", elf.SHT_NOTE, elf.SHF_ALLOC, 0, nil)
		h.Offset, h.Size = note.Off, note.Filesz
		w.Progs = append(w.Progs, note)
	}
	for _, s := range []struct {
		name string
		data []byte
	}{
		{"abbrev", sec.Abbrev},
		{"info", sec.Info},
		{"str", sec.Str},
		{"line", sec.Line},
	} {
		if len(s.data) == 0 {
			continue
		}
		name, data := ".debug_"+s.name, s.data
		if opts.Compress[s.name] {
			name, data = ".zdebug_"+s.name, zlibSection(data)
		}
		w.WriteSection(name, elf.SHT_PROGBITS, 0, 0, data)
	}
	w.WriteSectionHeaders()
	w.WriteProgramHeaders()
	return w.Err
}

// zlibSection encodes data in the .zdebug format: "ZLIB", the big endian
// uncompressed size, then a zlib stream.
func zlibSection(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("ZLIB")
	binary.Write(&buf, binary.BigEndian, uint64(len(data)))
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}
