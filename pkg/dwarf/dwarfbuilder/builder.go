// Package dwarfbuilder provides a way to build DWARF sections with
// arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// Sections are the DWARF sections produced by a Builder.
type Sections struct {
	Abbrev []byte
	Info   []byte
	Str    []byte
	Line   []byte
}

// Builder dwarf builder
type Builder struct {
	info bytes.Buffer
	str  bytes.Buffer
	line bytes.Buffer

	// abbrev holds the abbreviation tables already written out, abbrevs
	// is the table being built.
	abbrev  bytes.Buffer
	abbrevs []tagDescr

	strOffs map[string]uint32

	separateAbbrevs bool
	unitOpen        bool
	unitStart       int
	version         uint16
	addrSize        int
	tagStack        []*tagState
}

// New creates a new DWARF builder. Call StartUnit to begin the first
// compilation unit.
func New() *Builder {
	return &Builder{strOffs: make(map[string]uint32)}
}

// NewGo creates a builder with a version 4 unit already open and its
// DW_TAG_compile_unit entry started, the way the Go linker lays it out.
func NewGo() *Builder {
	b := New()
	b.StartUnit(4, 8)
	b.TagOpen(dwarf.TagCompileUnit, "go")
	b.Attr(dwarf.AttrLanguage, uint8(22))
	return b
}

// SeparateAbbrevTables makes every unit started from now on use its own
// abbreviation table instead of sharing the one at offset 0.
func (b *Builder) SeparateAbbrevTables() {
	b.separateAbbrevs = true
}

// StartUnit writes the header of a new unit. Any unit already open is
// closed first.
func (b *Builder) StartUnit(version uint16, addrSize int) {
	if b.unitOpen {
		b.EndUnit()
	}
	b.unitOpen = true
	b.unitStart = b.info.Len()
	b.version = version
	b.addrSize = addrSize

	abbrevOff := uint32(0)
	if b.separateAbbrevs {
		abbrevOff = uint32(b.abbrev.Len())
	}

	b.info.Write([]byte{0x0, 0x0, 0x0, 0x0}) // length
	binary.Write(&b.info, binary.LittleEndian, version)
	if version >= 5 {
		b.info.WriteByte(0x01) // DW_UT_compile
		b.info.WriteByte(byte(addrSize))
		binary.Write(&b.info, binary.LittleEndian, abbrevOff)
	} else {
		binary.Write(&b.info, binary.LittleEndian, abbrevOff)
		b.info.WriteByte(byte(addrSize))
	}
}

// UnitStart returns the offset of the header of the current unit.
func (b *Builder) UnitStart() dwarf.Offset {
	return dwarf.Offset(b.unitStart)
}

// EndUnit closes all the open tags of the current unit and patches its
// length.
func (b *Builder) EndUnit() {
	if !b.unitOpen {
		return
	}
	for len(b.tagStack) > 0 {
		b.TagClose()
	}
	info := b.info.Bytes()
	binary.LittleEndian.PutUint32(info[b.unitStart:], uint32(len(info)-b.unitStart-4))
	b.unitOpen = false
	if b.separateAbbrevs {
		b.abbrev.Write(b.makeAbbrevTable())
		b.abbrevs = nil
	}
}

// Build closes b and returns all the dwarf sections.
func (b *Builder) Build() (Sections, error) {
	if b.info.Len() == 0 && b.line.Len() == 0 {
		return Sections{}, fmt.Errorf("nothing to build")
	}
	b.EndUnit()
	if !b.separateAbbrevs || len(b.abbrevs) > 0 {
		b.abbrev.Write(b.makeAbbrevTable())
	}

	return Sections{
		Abbrev: b.abbrev.Bytes(),
		Info:   b.info.Bytes(),
		Str:    b.str.Bytes(),
		Line:   b.line.Bytes(),
	}, nil
}

// Truncate drops the last n bytes written to debug_info.
func (b *Builder) Truncate(n int) {
	b.info.Truncate(b.info.Len() - n)
}

// WriteInfo appends raw bytes to debug_info, inside the current entry.
func (b *Builder) WriteInfo(p []byte) {
	b.info.Write(p)
}

// AddLineProgram appends p to debug_line and returns its offset, to be used
// as the DW_AT_stmt_list of a compile unit.
func (b *Builder) AddLineProgram(p *LineProgram) uint32 {
	off := uint32(b.line.Len())
	b.line.Write(p.Bytes())
	return off
}

func (b *Builder) strOff(s string) uint32 {
	if off, ok := b.strOffs[s]; ok {
		return off
	}
	off := uint32(b.str.Len())
	b.str.WriteString(s)
	b.str.WriteByte(0)
	b.strOffs[s] = off
	return off
}
