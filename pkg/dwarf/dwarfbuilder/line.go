package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/binscan/binscan/pkg/dwarf/leb128"
	"github.com/binscan/binscan/pkg/dwarf/util"
)

// Standard and extended line number opcodes.
const (
	DW_LNS_copy               = 1
	DW_LNS_advance_pc         = 2
	DW_LNS_advance_line       = 3
	DW_LNS_set_file           = 4
	DW_LNS_set_column         = 5
	DW_LNS_negate_stmt        = 6
	DW_LNS_set_basic_block    = 7
	DW_LNS_const_add_pc       = 8
	DW_LNS_fixed_advance_pc   = 9
	DW_LNS_set_prologue_end   = 10
	DW_LNS_set_epilogue_begin = 11
	DW_LNS_set_isa            = 12

	DW_LNE_end_sequence      = 1
	DW_LNE_set_address       = 2
	DW_LNE_define_file       = 3
	DW_LNE_set_discriminator = 4
)

var stdOpLengths = []uint8{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}

// LineFile is an entry of the file name table of a line program.
type LineFile struct {
	Name        string
	DirIdx      uint64
	LastModTime uint64
	Length      uint64
}

// LineProgram builds one unit of .debug_line.
type LineProgram struct {
	Version        uint16
	AddrSize       int
	MinInstrLength uint8
	// MaxOpsPerInstr is only written for version 4 and later, 0 means 1.
	MaxOpsPerInstr uint8
	DefaultIsStmt  bool
	LineBase       int8
	LineRange      uint8
	OpcodeBase     uint8
	IncludeDirs    []string
	Files          []LineFile

	ops bytes.Buffer
}

// NewLineProgram returns a version 2 program using the header values GCC
// emits for x86-64.
func NewLineProgram() *LineProgram {
	return &LineProgram{
		Version:        2,
		AddrSize:       8,
		MinInstrLength: 1,
		DefaultIsStmt:  true,
		LineBase:       -5,
		LineRange:      14,
		OpcodeBase:     13,
	}
}

func (p *LineProgram) extended(op byte, payload []byte) *LineProgram {
	p.ops.WriteByte(0)
	leb128.EncodeUnsigned(&p.ops, uint64(len(payload)+1))
	p.ops.WriteByte(op)
	p.ops.Write(payload)
	return p
}

// Extended writes an extended opcode with an arbitrary payload.
func (p *LineProgram) Extended(op byte, payload []byte) *LineProgram {
	return p.extended(op, payload)
}

// Raw appends bytes to the opcode stream verbatim.
func (p *LineProgram) Raw(b ...byte) *LineProgram {
	p.ops.Write(b)
	return p
}

func (p *LineProgram) SetAddress(addr uint64) *LineProgram {
	var buf bytes.Buffer
	util.WriteUint(&buf, binary.LittleEndian, p.AddrSize, addr)
	return p.extended(DW_LNE_set_address, buf.Bytes())
}

func (p *LineProgram) EndSequence() *LineProgram {
	return p.extended(DW_LNE_end_sequence, nil)
}

func (p *LineProgram) DefineFile(f LineFile) *LineProgram {
	var buf bytes.Buffer
	writeFileEntry(&buf, f)
	return p.extended(DW_LNE_define_file, buf.Bytes())
}

func (p *LineProgram) SetDiscriminator(d uint64) *LineProgram {
	var buf bytes.Buffer
	leb128.EncodeUnsigned(&buf, d)
	return p.extended(DW_LNE_set_discriminator, buf.Bytes())
}

func (p *LineProgram) Copy() *LineProgram {
	p.ops.WriteByte(DW_LNS_copy)
	return p
}

func (p *LineProgram) AdvancePC(n uint64) *LineProgram {
	p.ops.WriteByte(DW_LNS_advance_pc)
	leb128.EncodeUnsigned(&p.ops, n)
	return p
}

func (p *LineProgram) AdvanceLine(n int64) *LineProgram {
	p.ops.WriteByte(DW_LNS_advance_line)
	leb128.EncodeSigned(&p.ops, n)
	return p
}

func (p *LineProgram) SetFile(i uint64) *LineProgram {
	p.ops.WriteByte(DW_LNS_set_file)
	leb128.EncodeUnsigned(&p.ops, i)
	return p
}

func (p *LineProgram) SetColumn(c uint64) *LineProgram {
	p.ops.WriteByte(DW_LNS_set_column)
	leb128.EncodeUnsigned(&p.ops, c)
	return p
}

func (p *LineProgram) NegateStmt() *LineProgram {
	p.ops.WriteByte(DW_LNS_negate_stmt)
	return p
}

func (p *LineProgram) SetBasicBlock() *LineProgram {
	p.ops.WriteByte(DW_LNS_set_basic_block)
	return p
}

func (p *LineProgram) ConstAddPC() *LineProgram {
	p.ops.WriteByte(DW_LNS_const_add_pc)
	return p
}

func (p *LineProgram) FixedAdvancePC(n uint16) *LineProgram {
	p.ops.WriteByte(DW_LNS_fixed_advance_pc)
	binary.Write(&p.ops, binary.LittleEndian, n)
	return p
}

func (p *LineProgram) PrologueEnd() *LineProgram {
	p.ops.WriteByte(DW_LNS_set_prologue_end)
	return p
}

func (p *LineProgram) EpilogueBegin() *LineProgram {
	p.ops.WriteByte(DW_LNS_set_epilogue_begin)
	return p
}

func (p *LineProgram) SetISA(isa uint64) *LineProgram {
	p.ops.WriteByte(DW_LNS_set_isa)
	leb128.EncodeUnsigned(&p.ops, isa)
	return p
}

// Special writes the special opcode advancing the address by addrAdv
// instructions and the line by lineAdv. The caller must pick values the
// header's line base and range can represent.
func (p *LineProgram) Special(addrAdv uint8, lineAdv int8) *LineProgram {
	op := int(lineAdv-p.LineBase) + int(p.LineRange)*int(addrAdv) + int(p.OpcodeBase)
	if lineAdv < p.LineBase || int(lineAdv-p.LineBase) >= int(p.LineRange) || op > 255 {
		panic("special opcode out of range")
	}
	p.ops.WriteByte(byte(op))
	return p
}

func writeFileEntry(buf *bytes.Buffer, f LineFile) {
	buf.WriteString(f.Name)
	buf.WriteByte(0)
	leb128.EncodeUnsigned(buf, f.DirIdx)
	leb128.EncodeUnsigned(buf, f.LastModTime)
	leb128.EncodeUnsigned(buf, f.Length)
}

// DWARF 5 line table content type codes and the forms used to encode them.
const (
	dw_LNCT_path            = 0x1
	dw_LNCT_directory_index = 0x2
	dw_FORM_string          = 0x08
	dw_FORM_udata           = 0x0f
)

// Bytes returns the encoded program, header included.
func (p *LineProgram) Bytes() []byte {
	var hdr bytes.Buffer
	hdr.WriteByte(p.MinInstrLength)
	if p.Version >= 4 {
		if p.MaxOpsPerInstr == 0 {
			hdr.WriteByte(1)
		} else {
			hdr.WriteByte(p.MaxOpsPerInstr)
		}
	}
	if p.DefaultIsStmt {
		hdr.WriteByte(1)
	} else {
		hdr.WriteByte(0)
	}
	hdr.WriteByte(byte(p.LineBase))
	hdr.WriteByte(p.LineRange)
	hdr.WriteByte(p.OpcodeBase)
	for i := 0; i < int(p.OpcodeBase)-1; i++ {
		if i < len(stdOpLengths) {
			hdr.WriteByte(stdOpLengths[i])
		} else {
			hdr.WriteByte(0)
		}
	}
	if p.Version >= 5 {
		hdr.WriteByte(1)
		leb128.EncodeUnsigned(&hdr, dw_LNCT_path)
		leb128.EncodeUnsigned(&hdr, dw_FORM_string)
		leb128.EncodeUnsigned(&hdr, uint64(len(p.IncludeDirs)))
		for _, dir := range p.IncludeDirs {
			hdr.WriteString(dir)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(2)
		leb128.EncodeUnsigned(&hdr, dw_LNCT_path)
		leb128.EncodeUnsigned(&hdr, dw_FORM_string)
		leb128.EncodeUnsigned(&hdr, dw_LNCT_directory_index)
		leb128.EncodeUnsigned(&hdr, dw_FORM_udata)
		leb128.EncodeUnsigned(&hdr, uint64(len(p.Files)))
		for _, f := range p.Files {
			hdr.WriteString(f.Name)
			hdr.WriteByte(0)
			leb128.EncodeUnsigned(&hdr, f.DirIdx)
		}
	} else {
		for _, dir := range p.IncludeDirs {
			hdr.WriteString(dir)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(0)
		for _, f := range p.Files {
			writeFileEntry(&hdr, f)
		}
		hdr.WriteByte(0)
	}

	var out bytes.Buffer
	out.Write([]byte{0, 0, 0, 0}) // unit_length
	binary.Write(&out, binary.LittleEndian, p.Version)
	if p.Version >= 5 {
		out.WriteByte(byte(p.AddrSize))
		out.WriteByte(0) // segment_selector_size
	}
	binary.Write(&out, binary.LittleEndian, uint32(hdr.Len()))
	out.Write(hdr.Bytes())
	out.Write(p.ops.Bytes())
	r := out.Bytes()
	binary.LittleEndian.PutUint32(r, uint32(len(r)-4))
	return r
}
