// elfwriter is a package to write ELF files without having their entire
// contents in memory at any one time.
// This package is incomplete, only 64bit files are supported and program
// and section headers are always written at the end of the file.

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"io"
)

// NT_GNU_BUILD_ID is the note type of the build ID note written by GNU ld
// and lld.
const NT_GNU_BUILD_ID elf.NType = 3

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
)

// Writer writes ELF files.
type Writer struct {
	w     io.WriteSeeker
	order binary.ByteOrder
	Err   error
	Progs []*elf.ProgHeader

	sections []*elf.SectionHeader

	seekProgHeader int64
	seekProgNum    int64
	seekSectHeader int64
	seekSectNum    int64
}

type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// New creates a new Writer.
func New(w io.WriteSeeker, fhdr *elf.FileHeader) *Writer {
	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		panic("can't write halfway through a file")
	}

	r := &Writer{w: w}

	if fhdr.Class != elf.ELFCLASS64 {
		panic("unsupported")
	}

	switch fhdr.Data {
	case elf.ELFDATA2LSB:
		r.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		r.order = binary.BigEndian
	default:
		panic("unsupported")
	}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(fhdr.Version)) // e_version
	r.u64(fhdr.Entry)           // e_entry
	r.seekProgHeader = r.Here()
	r.u64(0) // e_phoff
	r.seekSectHeader = r.Here()
	r.u64(0)         // e_shoff
	r.u32(0)         // e_flags
	r.u16(ehsize)    // e_ehsize
	r.u16(phentsize) // e_phentsize
	r.seekProgNum = r.Here()
	r.u16(0) // e_phnum
	r.u16(0) // e_shentsize
	r.seekSectNum = r.Here()
	r.u16(0)                     // e_shnum
	r.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	// Sanity check, size of file header should be the same as ehsize
	if sz, _ := w.Seek(0, io.SeekCurrent); sz != ehsize {
		panic("internal error, ELF header size")
	}

	return r
}

// WriteNotes writes notes to the current location, returns a ProgHeader describing the
// notes.
func (w *Writer) WriteNotes(notes []Note) *elf.ProgHeader {
	if len(notes) == 0 {
		return nil
	}
	h := &elf.ProgHeader{
		Type:  elf.PT_NOTE,
		Align: 4,
	}
	for i := range notes {
		note := &notes[i]
		w.Align(4)
		if h.Off == 0 {
			h.Off = uint64(w.Here())
		}
		w.u32(uint32(len(note.Name)))
		w.u32(uint32(len(note.Data)))
		w.u32(uint32(note.Type))
		w.Write([]byte(note.Name))
		w.Align(4)
		w.Write(note.Data)
		w.Align(4)
	}
	h.Filesz = uint64(w.Here()) - h.Off
	return h
}

// WriteSection writes data to the current location and records a section
// header for it, written later by WriteSectionHeaders.
func (w *Writer) WriteSection(name string, typ elf.SectionType, flags elf.SectionFlag, addr uint64, data []byte) *elf.SectionHeader {
	w.Align(8)
	h := &elf.SectionHeader{
		Name:      name,
		Type:      typ,
		Flags:     flags,
		Addr:      addr,
		Offset:    uint64(w.Here()),
		Size:      uint64(len(data)),
		Addralign: 1,
	}
	if typ != elf.SHT_NOBITS {
		w.Write(data)
	}
	w.sections = append(w.sections, h)
	return h
}

// WriteProgramHeaders writes the program headers at the current location
// and patches the file header accordingly.
func (w *Writer) WriteProgramHeaders() {
	w.Align(8)
	phoff := w.Here()

	// Patch File Header
	w.w.Seek(w.seekProgHeader, io.SeekStart)
	w.u64(uint64(phoff))
	w.w.Seek(w.seekProgNum, io.SeekStart)
	w.u16(uint16(len(w.Progs)))
	w.w.Seek(0, io.SeekEnd)

	for _, prog := range w.Progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
}

// WriteSectionHeaders writes the section name table followed by the
// section headers and patches the file header accordingly. The sections
// written so far are preceded by the null section.
func (w *Writer) WriteSectionHeaders() {
	var (
		strtab  = []byte{0}
		nameOff = make([]uint32, len(w.sections)+1)
	)
	shstrtab := &elf.SectionHeader{Name: ".shstrtab", Type: elf.SHT_STRTAB, Addralign: 1}
	all := append(w.sections, shstrtab)
	for i, s := range all {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}
	shstrtab.Offset = uint64(w.Here())
	shstrtab.Size = uint64(len(strtab))
	w.Write(strtab)

	w.Align(8)
	shoff := w.Here()

	// Patch File Header
	w.w.Seek(w.seekSectHeader, io.SeekStart)
	w.u64(uint64(shoff))
	w.w.Seek(w.seekSectNum-2, io.SeekStart)
	w.u16(shentsize)
	w.u16(uint16(len(all) + 1))
	w.u16(uint16(len(all)))
	w.w.Seek(0, io.SeekEnd)

	w.Write(make([]byte, shentsize))
	for i, s := range all {
		w.u32(nameOff[i])
		w.u32(uint32(s.Type))
		w.u64(uint64(s.Flags))
		w.u64(s.Addr)
		w.u64(s.Offset)
		w.u64(s.Size)
		w.u32(s.Link)
		w.u32(s.Info)
		w.u64(s.Addralign)
		w.u64(s.Entsize)
	}
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, w.order, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, w.order, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, w.order, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}
