package info

import (
	"bytes"
	"fmt"

	"github.com/binscan/binscan/pkg/dwarf/strtab"
)

// Class is the kind of a decoded attribute value.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassAddress
	ClassBlock
	ClassConstant
	ClassString
	ClassFlag
	ClassReference
	ClassExprLoc
	ClassSecOffset
)

var classNames = [...]string{
	ClassUnknown:   "unknown",
	ClassAddress:   "address",
	ClassBlock:     "block",
	ClassConstant:  "constant",
	ClassString:    "string",
	ClassFlag:      "flag",
	ClassReference: "reference",
	ClassExprLoc:   "exprloc",
	ClassSecOffset: "secoffset",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Value is a decoded attribute value. Only the accessor matching Class may
// be called; the others panic.
type Value struct {
	class Class
	form  Form
	u64   uint64
	data  []byte
	str   string
	// strings held as offsets into a string section are resolved
	// against strs when Str is called.
	isOff bool
	strs  *strtab.Table
}

// Class returns the kind of v.
func (v Value) Class() Class { return v.class }

// Form returns the form v was encoded with.
func (v Value) Form() Form { return v.form }

func (v Value) mustBe(c Class) {
	if v.class != c {
		panic(fmt.Sprintf("dwarf value of class %v (%v) accessed as %v", v.class, v.form, c))
	}
}

// Address returns the value of an address attribute.
func (v Value) Address() uint64 {
	v.mustBe(ClassAddress)
	return v.u64
}

// Block returns the contents of a block attribute.
func (v Value) Block() []byte {
	v.mustBe(ClassBlock)
	return v.data
}

// ExprLoc returns the opaque location expression bytes.
func (v Value) ExprLoc() []byte {
	v.mustBe(ClassExprLoc)
	return v.data
}

// Constant returns a constant as an unsigned integer. Signed constants
// (DW_FORM_sdata, DW_FORM_implicit_const) are returned in two's complement,
// use Int to read them back.
func (v Value) Constant() uint64 {
	v.mustBe(ClassConstant)
	return v.u64
}

// Int returns a constant as a signed integer.
func (v Value) Int() int64 {
	v.mustBe(ClassConstant)
	return int64(v.u64)
}

// Raw returns the encoded bytes of a fixed width constant (data1 through
// data16), nil for variable width constants.
func (v Value) Raw() []byte {
	v.mustBe(ClassConstant)
	return v.data
}

// Flag returns the value of a flag attribute.
func (v Value) Flag() bool {
	v.mustBe(ClassFlag)
	return v.u64 != 0
}

// Reference returns the .debug_info offset of the referenced entry. References
// local to a unit have already been rebased on the unit's start.
func (v Value) Reference() uint64 {
	v.mustBe(ClassReference)
	return v.u64
}

// SecOffset returns an offset into another DWARF section.
func (v Value) SecOffset() uint64 {
	v.mustBe(ClassSecOffset)
	return v.u64
}

// Str returns the text of a string attribute, reading it from the string
// section if the attribute was encoded as an offset.
func (v Value) Str() (string, error) {
	v.mustBe(ClassString)
	if !v.isOff {
		return v.str, nil
	}
	return v.strs.StringAt(v.u64)
}

// StrOffset returns the string section offset of a string attribute and
// true, or false for inline strings.
func (v Value) StrOffset() (uint64, bool) {
	v.mustBe(ClassString)
	return v.u64, v.isOff
}

// Equal reports whether v and o hold the same value. Blocks compare byte
// by byte; numeric classes compare numerically; strings compare by text
// when both are resolvable.
func (v Value) Equal(o Value) bool {
	if v.class != o.class {
		return false
	}
	switch v.class {
	case ClassBlock, ClassExprLoc:
		return bytes.Equal(v.data, o.data)
	case ClassString:
		a, errA := v.Str()
		b, errB := o.Str()
		if errA != nil || errB != nil {
			return v.isOff == o.isOff && v.strs == o.strs && v.u64 == o.u64
		}
		return a == b
	case ClassFlag:
		return (v.u64 != 0) == (o.u64 != 0)
	case ClassConstant:
		if v.data != nil && o.data != nil && len(v.data) != len(o.data) {
			return false
		}
		if v.form == DW_FORM_data16 || o.form == DW_FORM_data16 {
			return bytes.Equal(v.data, o.data)
		}
		return v.u64 == o.u64
	default:
		return v.u64 == o.u64
	}
}

func (v Value) String() string {
	switch v.class {
	case ClassAddress:
		return fmt.Sprintf("%#x", v.u64)
	case ClassBlock, ClassExprLoc:
		return fmt.Sprintf("[% x]", v.data)
	case ClassConstant:
		if v.form == DW_FORM_sdata || v.form == DW_FORM_implicit_const {
			return fmt.Sprintf("%d", int64(v.u64))
		}
		if v.form == DW_FORM_data16 {
			return fmt.Sprintf("%x", v.data)
		}
		return fmt.Sprintf("%d", v.u64)
	case ClassString:
		s, err := v.Str()
		if err != nil {
			return fmt.Sprintf("<%v>", err)
		}
		return fmt.Sprintf("%q", s)
	case ClassFlag:
		return fmt.Sprintf("%v", v.u64 != 0)
	case ClassReference:
		return fmt.Sprintf("<%#x>", v.u64)
	case ClassSecOffset:
		return fmt.Sprintf("sec+%#x", v.u64)
	}
	return "<unknown>"
}

// Constructors, used by the decoder and by tests that build expected values.

func AddressValue(addr uint64) Value { return Value{class: ClassAddress, form: DW_FORM_addr, u64: addr} }

func BlockValue(form Form, b []byte) Value { return Value{class: ClassBlock, form: form, data: b} }

func ExprLocValue(b []byte) Value { return Value{class: ClassExprLoc, form: DW_FORM_exprloc, data: b} }

func ConstantValue(form Form, c uint64) Value { return Value{class: ClassConstant, form: form, u64: c} }

func StringValue(s string) Value { return Value{class: ClassString, form: DW_FORM_string, str: s} }

func FlagValue(form Form, b bool) Value {
	v := Value{class: ClassFlag, form: form}
	if b {
		v.u64 = 1
	}
	return v
}

func ReferenceValue(form Form, off uint64) Value {
	return Value{class: ClassReference, form: form, u64: off}
}

func SecOffsetValue(off uint64) Value {
	return Value{class: ClassSecOffset, form: DW_FORM_sec_offset, u64: off}
}

func strOffsetValue(form Form, off uint64, strs *strtab.Table) Value {
	return Value{class: ClassString, form: form, u64: off, isOff: true, strs: strs}
}
