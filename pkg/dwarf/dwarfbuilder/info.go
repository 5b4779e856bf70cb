package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"

	"github.com/binscan/binscan/pkg/dwarf/leb128"
	"github.com/binscan/binscan/pkg/dwarf/util"
)

// Form represents a DWARF form kind (see Figure 20, page 160 and following,
// DWARF v4)
type Form uint16

const (
	DW_FORM_addr           Form = 0x01 // address
	DW_FORM_block2         Form = 0x03 // block
	DW_FORM_block4         Form = 0x04 // block
	DW_FORM_data2          Form = 0x05 // constant
	DW_FORM_data4          Form = 0x06 // constant
	DW_FORM_data8          Form = 0x07 // constant
	DW_FORM_string         Form = 0x08 // string
	DW_FORM_block          Form = 0x09 // block
	DW_FORM_block1         Form = 0x0a // block
	DW_FORM_data1          Form = 0x0b // constant
	DW_FORM_flag           Form = 0x0c // flag
	DW_FORM_sdata          Form = 0x0d // constant
	DW_FORM_strp           Form = 0x0e // string
	DW_FORM_udata          Form = 0x0f // constant
	DW_FORM_ref_addr       Form = 0x10 // reference
	DW_FORM_ref1           Form = 0x11 // reference
	DW_FORM_ref2           Form = 0x12 // reference
	DW_FORM_ref4           Form = 0x13 // reference
	DW_FORM_ref8           Form = 0x14 // reference
	DW_FORM_ref_udata      Form = 0x15 // reference
	DW_FORM_indirect       Form = 0x16 // (see Section 7.5.3)
	DW_FORM_sec_offset     Form = 0x17 // lineptr, loclistptr, macptr, rangelistptr
	DW_FORM_exprloc        Form = 0x18 // exprloc
	DW_FORM_flag_present   Form = 0x19 // flag
	DW_FORM_ref_sig8       Form = 0x20 // reference
	DW_FORM_implicit_const Form = 0x21 // constant
)

// Address represents a machine address.
type Address uint64

// Strp is a string stored in debug_str and referenced by offset.
type Strp string

// Ref4 is a reference to an entry, relative to the start of its unit.
type Ref4 uint32

// Sdata is a signed LEB128 constant.
type Sdata int64

// Udata is an unsigned LEB128 constant.
type Udata uint64

// ExprLoc is a location expression.
type ExprLoc []byte

// SecOffset is an offset into another DWARF section.
type SecOffset uint32

// ImplicitConst is a constant stored in the abbreviation.
type ImplicitConst int64

// Raw is an attribute written verbatim with the given form. It is used to
// produce malformed or unusual encodings.
type Raw struct {
	Form Form
	Data []byte
}

type tagDescr struct {
	tag dwarf.Tag

	attr     []dwarf.Attr
	form     []Form
	consts   []int64
	children bool
}

type tagState struct {
	off dwarf.Offset
	tagDescr
}

// TagOpen starts a new DIE, call TagClose after adding all attributes and
// children elements. If name is not empty a DW_AT_name attribute is added.
func (b *Builder) TagOpen(tag dwarf.Tag, name string) dwarf.Offset {
	if len(b.tagStack) > 0 {
		b.tagStack[len(b.tagStack)-1].children = true
	}
	ts := &tagState{off: dwarf.Offset(b.info.Len())}
	ts.tag = tag
	b.info.WriteByte(0)
	b.tagStack = append(b.tagStack, ts)
	if name != "" {
		b.Attr(dwarf.AttrName, name)
	}

	return ts.off
}

// SetHasChildren sets the current DIE as having children (even if none are added).
func (b *Builder) SetHasChildren() {
	if len(b.tagStack) <= 0 {
		panic("NoChildren with no open tags")
	}
	b.tagStack[len(b.tagStack)-1].children = true
}

// TagClose closes the current DIE.
func (b *Builder) TagClose() {
	if len(b.tagStack) <= 0 {
		panic("TagClose with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	abbrev := b.abbrevFor(tag.tagDescr)
	b.info.Bytes()[tag.off] = abbrev
	if tag.children {
		b.info.WriteByte(0)
	}
	b.tagStack = b.tagStack[:len(b.tagStack)-1]
}

// Attr adds an attribute to the current DIE.
func (b *Builder) Attr(attr dwarf.Attr, val interface{}) {
	if len(b.tagStack) <= 0 {
		panic("Attr with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	if tag.children {
		panic("Can't add attributes after adding children")
	}

	form, c := b.writeValue(val)
	tag.attr = append(tag.attr, attr)
	tag.form = append(tag.form, form)
	tag.consts = append(tag.consts, c)
}

func (b *Builder) writeValue(val interface{}) (Form, int64) {
	switch x := val.(type) {
	case string:
		b.info.Write([]byte(x))
		b.info.WriteByte(0)
		return DW_FORM_string, 0
	case Strp:
		binary.Write(&b.info, binary.LittleEndian, b.strOff(string(x)))
		return DW_FORM_strp, 0
	case bool:
		if x {
			b.info.WriteByte(1)
		} else {
			b.info.WriteByte(0)
		}
		return DW_FORM_flag, 0
	case uint8:
		binary.Write(&b.info, binary.LittleEndian, x)
		return DW_FORM_data1, 0
	case uint16:
		binary.Write(&b.info, binary.LittleEndian, x)
		return DW_FORM_data2, 0
	case uint32:
		binary.Write(&b.info, binary.LittleEndian, x)
		return DW_FORM_data4, 0
	case uint64:
		binary.Write(&b.info, binary.LittleEndian, x)
		return DW_FORM_data8, 0
	case Sdata:
		leb128.EncodeSigned(&b.info, int64(x))
		return DW_FORM_sdata, 0
	case Udata:
		leb128.EncodeUnsigned(&b.info, uint64(x))
		return DW_FORM_udata, 0
	case ImplicitConst:
		return DW_FORM_implicit_const, int64(x)
	case Address:
		util.WriteUint(&b.info, binary.LittleEndian, b.addrSize, uint64(x))
		return DW_FORM_addr, 0
	case dwarf.Offset:
		binary.Write(&b.info, binary.LittleEndian, uint32(x))
		return DW_FORM_ref_addr, 0
	case Ref4:
		binary.Write(&b.info, binary.LittleEndian, uint32(x))
		return DW_FORM_ref4, 0
	case SecOffset:
		binary.Write(&b.info, binary.LittleEndian, uint32(x))
		return DW_FORM_sec_offset, 0
	case ExprLoc:
		leb128.EncodeUnsigned(&b.info, uint64(len(x)))
		b.info.Write(x)
		return DW_FORM_exprloc, 0
	case []byte:
		binary.Write(&b.info, binary.LittleEndian, uint32(len(x)))
		b.info.Write(x)
		return DW_FORM_block4, 0
	case Raw:
		b.info.Write(x.Data)
		return x.Form, 0
	default:
		panic("unknown value type")
	}
}

func sameTagDescr(a, b tagDescr) bool {
	if a.tag != b.tag {
		return false
	}
	if len(a.attr) != len(b.attr) {
		return false
	}
	if a.children != b.children {
		return false
	}
	for i := range a.attr {
		if a.attr[i] != b.attr[i] {
			return false
		}
		if a.form[i] != b.form[i] {
			return false
		}
		if a.consts[i] != b.consts[i] {
			return false
		}
	}
	return true
}

// abbrevFor returns an abbrev for the given entry description. If no abbrev
// for tag already exist a new one is created.
func (b *Builder) abbrevFor(tag tagDescr) byte {
	for abbrev, descr := range b.abbrevs {
		if sameTagDescr(descr, tag) {
			return byte(abbrev + 1)
		}
	}

	b.abbrevs = append(b.abbrevs, tag)
	return byte(len(b.abbrevs))
}

func (b *Builder) makeAbbrevTable() []byte {
	var abbrev bytes.Buffer

	for i := range b.abbrevs {
		leb128.EncodeUnsigned(&abbrev, uint64(i+1))
		leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].tag))
		if b.abbrevs[i].children {
			abbrev.WriteByte(0x01)
		} else {
			abbrev.WriteByte(0x00)
		}
		for j := range b.abbrevs[i].attr {
			leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].attr[j]))
			leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].form[j]))
			if b.abbrevs[i].form[j] == DW_FORM_implicit_const {
				leb128.EncodeSigned(&abbrev, b.abbrevs[i].consts[j])
			}
		}
		leb128.EncodeUnsigned(&abbrev, 0)
		leb128.EncodeUnsigned(&abbrev, 0)
	}
	leb128.EncodeUnsigned(&abbrev, 0)

	return abbrev.Bytes()
}

// AddCompileUnit opens a DW_TAG_compile_unit with the attributes a C
// compiler emits. Must call TagClose (or EndUnit) after adding children.
func (b *Builder) AddCompileUnit(name, producer, compDir string, language uint16, stmtList uint32) dwarf.Offset {
	r := b.TagOpen(dwarf.TagCompileUnit, "")
	b.Attr(dwarf.AttrProducer, Strp(producer))
	b.Attr(dwarf.AttrLanguage, language)
	b.Attr(dwarf.AttrName, Strp(name))
	b.Attr(dwarf.AttrCompDir, Strp(compDir))
	b.Attr(dwarf.AttrStmtList, SecOffset(stmtList))
	return r
}

// AddSubprogram adds a subprogram declaration to debug_info, must call
// TagClose after adding all local variables and parameters.
// Will write an abbrev corresponding to a DW_TAG_subprogram, followed by a
// DW_AT_lowpc and a DW_AT_highpc.
func (b *Builder) AddSubprogram(fnname string, lowpc, highpc uint64) dwarf.Offset {
	r := b.TagOpen(dwarf.TagSubprogram, fnname)
	b.Attr(dwarf.AttrLowpc, Address(lowpc))
	b.Attr(dwarf.AttrHighpc, Address(highpc))
	return r
}

// AddVariable adds a new variable entry to debug_info.
// Will write a DW_TAG_variable, followed by a DW_AT_type and a
// DW_AT_location.
func (b *Builder) AddVariable(varname string, typ Ref4, loc ExprLoc) dwarf.Offset {
	r := b.TagOpen(dwarf.TagVariable, varname)
	b.Attr(dwarf.AttrType, typ)
	b.Attr(dwarf.AttrLocation, loc)
	b.TagClose()
	return r
}

// AddBaseType adds a new base type entry to debug_info.
// Will write a DW_TAG_base_type, followed by a DW_AT_encoding and a
// DW_AT_byte_size.
func (b *Builder) AddBaseType(typename string, encoding uint8, byteSz uint8) dwarf.Offset {
	r := b.TagOpen(dwarf.TagBaseType, typename)
	b.Attr(dwarf.AttrEncoding, encoding)
	b.Attr(dwarf.AttrByteSize, byteSz)
	b.TagClose()
	return r
}

// RefTo converts the global offset of an entry of the current unit to a
// unit relative reference.
func (b *Builder) RefTo(off dwarf.Offset) Ref4 {
	return Ref4(uint32(off) - uint32(b.unitStart))
}
