package info

import (
	"debug/dwarf"
	"fmt"

	"github.com/binscan/binscan/pkg/dwarf/strtab"
	"github.com/binscan/binscan/pkg/dwarf/util"
	"github.com/binscan/binscan/pkg/logflags"
)

// Entry is a debugging information entry.
type Entry struct {
	// Offset is the position of the entry in .debug_info. It is the key
	// Reference values point at.
	Offset      uint64
	Abbrev      uint64
	Tag         dwarf.Tag
	HasChildren bool
	Attrs       map[dwarf.Attr]Value
	// Fields lists the attributes in decoding order.
	Fields   []dwarf.Attr
	Children []*Entry
	Parent   *Entry
}

// Val returns the value of attr.
func (e *Entry) Val(attr dwarf.Attr) (Value, bool) {
	if e == nil {
		return Value{}, false
	}
	v, ok := e.Attrs[attr]
	return v, ok
}

// Str returns the text of a string attribute. Attributes that are missing,
// are not strings, or point outside the string section are reported as
// absent.
func (e *Entry) Str(attr dwarf.Attr) (string, bool) {
	v, ok := e.Val(attr)
	if !ok || v.Class() != ClassString {
		return "", false
	}
	s, err := v.Str()
	if err != nil {
		return "", false
	}
	return s, true
}

// Uint returns the value of a constant, address, reference or section
// offset attribute.
func (e *Entry) Uint(attr dwarf.Attr) (uint64, bool) {
	v, ok := e.Val(attr)
	if !ok {
		return 0, false
	}
	switch v.Class() {
	case ClassConstant, ClassAddress, ClassReference, ClassSecOffset:
		return v.u64, true
	}
	return 0, false
}

// Name returns DW_AT_name, or the empty string.
func (e *Entry) Name() string {
	s, _ := e.Str(dwarf.AttrName)
	return s
}

func (e *Entry) String() string {
	return fmt.Sprintf("<%#x> %v", e.Offset, e.Tag)
}

// unitContext carries what the attribute decoder needs to know about the
// unit being decoded.
type unitContext struct {
	start    uint64 // offset of the unit header, added to unit-relative references
	version  uint16
	addrSize int
	strs     *strtab.Table
	lineStrs *strtab.Table
	logger   logflags.Logger
}

// readEntry decodes one entry at the cursor. A zero abbreviation code is
// the end of a sibling chain and is returned as (nil, nil).
func readEntry(b *util.Buf, tab AbbrevTable, u *unitContext) (*Entry, error) {
	off := uint64(b.Off())
	code := b.ULEB()
	if b.Err != nil {
		return nil, b.Err
	}
	if code == 0 {
		return nil, nil
	}
	abbrev, ok := tab[code]
	if !ok {
		return nil, fmt.Errorf("entry at %#x: code %d: %w", off, code, ErrUnknownAbbrev)
	}
	e := &Entry{
		Offset:      off,
		Abbrev:      code,
		Tag:         abbrev.Tag,
		HasChildren: abbrev.Children,
		Attrs:       make(map[dwarf.Attr]Value, len(abbrev.Attrs)),
	}
	for _, spec := range abbrev.Attrs {
		v, ok, err := readValue(b, spec, u)
		if err != nil {
			return e, err
		}
		if !ok {
			continue
		}
		if _, dup := e.Attrs[spec.Attr]; !dup {
			e.Fields = append(e.Fields, spec.Attr)
		}
		e.Attrs[spec.Attr] = v
	}
	return e, nil
}

// readValue decodes the value of one attribute. The boolean result is false
// when the attribute was skipped; an error means decoding of the unit cannot
// continue.
func readValue(b *util.Buf, spec AttrSpec, u *unitContext) (Value, bool, error) {
	off := uint64(b.Off())
	var v Value
	switch spec.Form {
	case DW_FORM_addr:
		v = AddressValue(b.Uint(u.addrSize))

	case DW_FORM_block1:
		return readBlock(b, spec, uint64(b.Uint8()), u)
	case DW_FORM_block2:
		return readBlock(b, spec, uint64(b.Uint16()), u)
	case DW_FORM_block4:
		return readBlock(b, spec, uint64(b.Uint32()), u)
	case DW_FORM_block, DW_FORM_exprloc:
		return readBlock(b, spec, b.ULEB(), u)

	case DW_FORM_data1:
		v = fixedConstant(b, spec.Form, 1)
	case DW_FORM_data2:
		v = fixedConstant(b, spec.Form, 2)
	case DW_FORM_data4:
		v = fixedConstant(b, spec.Form, 4)
	case DW_FORM_data8:
		v = fixedConstant(b, spec.Form, 8)
	case DW_FORM_data16:
		v = Value{class: ClassConstant, form: spec.Form, data: b.Bytes(16)}
	case DW_FORM_sdata:
		v = ConstantValue(spec.Form, uint64(b.SLEB()))
	case DW_FORM_udata:
		v = ConstantValue(spec.Form, b.ULEB())
	case DW_FORM_implicit_const:
		v = ConstantValue(spec.Form, uint64(spec.ImplicitConst))

	case DW_FORM_string:
		v = StringValue(b.CString())
	case DW_FORM_strp:
		v = strOffsetValue(spec.Form, uint64(b.Uint32()), u.strs)
	case DW_FORM_line_strp:
		v = strOffsetValue(spec.Form, uint64(b.Uint32()), u.lineStrs)

	// Index forms need the DWARF 5 offset tables to be resolved, their
	// index is kept as a constant.
	case DW_FORM_strx, DW_FORM_addrx, DW_FORM_loclistx, DW_FORM_rnglistx:
		v = ConstantValue(spec.Form, b.ULEB())
	case DW_FORM_strx1, DW_FORM_addrx1:
		v = ConstantValue(spec.Form, b.Uint(1))
	case DW_FORM_strx2, DW_FORM_addrx2:
		v = ConstantValue(spec.Form, b.Uint(2))
	case DW_FORM_strx3, DW_FORM_addrx3:
		v = ConstantValue(spec.Form, b.Uint(3))
	case DW_FORM_strx4, DW_FORM_addrx4:
		v = ConstantValue(spec.Form, b.Uint(4))

	case DW_FORM_flag:
		v = FlagValue(spec.Form, b.Uint8() != 0)
	case DW_FORM_flag_present:
		v = FlagValue(spec.Form, true)

	case DW_FORM_ref1:
		v = ReferenceValue(spec.Form, b.Uint(1)+u.start)
	case DW_FORM_ref2:
		v = ReferenceValue(spec.Form, b.Uint(2)+u.start)
	case DW_FORM_ref4:
		v = ReferenceValue(spec.Form, b.Uint(4)+u.start)
	case DW_FORM_ref8:
		v = ReferenceValue(spec.Form, b.Uint(8)+u.start)
	case DW_FORM_ref_udata:
		v = ReferenceValue(spec.Form, b.ULEB()+u.start)
	case DW_FORM_ref_addr:
		// Already relative to the start of .debug_info. DWARF 2 encodes
		// it with the size of an address, later versions with the
		// offset size.
		if u.version <= 2 {
			v = ReferenceValue(spec.Form, b.Uint(u.addrSize))
		} else {
			v = ReferenceValue(spec.Form, uint64(b.Uint32()))
		}
	case DW_FORM_ref_sig8:
		v = ConstantValue(spec.Form, b.Uint64())
	case DW_FORM_ref_sup4, DW_FORM_strp_sup:
		v = ConstantValue(spec.Form, uint64(b.Uint32()))
	case DW_FORM_ref_sup8:
		v = ConstantValue(spec.Form, b.Uint64())

	case DW_FORM_sec_offset:
		v = SecOffsetValue(uint64(b.Uint32()))

	case DW_FORM_indirect:
		u.logger.WithField("form", spec.Form.String()).Errorf("attribute %v at %#x uses a form the decoder does not implement", spec.Attr, off)
		return Value{}, false, &UnsupportedFormError{Form: spec.Form, Offset: off}

	default:
		u.logger.Warnf("skipping attribute %v at %#x: unknown form %v", spec.Attr, off, spec.Form)
		return Value{}, false, nil
	}
	if b.Err != nil {
		return Value{}, false, b.Err
	}
	return v, true, nil
}

func fixedConstant(b *util.Buf, form Form, size int) Value {
	raw := b.Bytes(size)
	if raw == nil {
		return Value{}
	}
	var c uint64
	switch size {
	case 1:
		c = uint64(raw[0])
	case 2:
		c = uint64(b.Order().Uint16(raw))
	case 4:
		c = uint64(b.Order().Uint32(raw))
	case 8:
		c = b.Order().Uint64(raw)
	}
	return Value{class: ClassConstant, form: form, u64: c, data: raw}
}

// readBlock reads n bytes of block data. A length running past the end of
// the unit skips the attribute: only the length prefix is consumed and
// decoding continues with the next attribute.
func readBlock(b *util.Buf, spec AttrSpec, n uint64, u *unitContext) (Value, bool, error) {
	if b.Err != nil {
		return Value{}, false, b.Err
	}
	if n > uint64(b.Len()) {
		u.logger.Warnf("skipping attribute %v at %#x: %v length %d exceeds the %d bytes left", spec.Attr, b.Off(), spec.Form, n, b.Len())
		return Value{}, false, nil
	}
	data := b.Bytes(int(n))
	if spec.Form == DW_FORM_exprloc {
		return ExprLocValue(data), true, nil
	}
	return BlockValue(spec.Form, data), true, nil
}
