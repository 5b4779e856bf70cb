// Package op decodes DWARF expressions, the stack programs found in
// DW_AT_location, DW_AT_frame_base and similar attributes.
package op

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/binscan/binscan/pkg/dwarf/util"
)

// Opcode represent a DWARF stack program instruction.
type Opcode byte

const (
	DW_OP_addr                Opcode = 0x03
	DW_OP_deref               Opcode = 0x06
	DW_OP_const1u             Opcode = 0x08
	DW_OP_const1s             Opcode = 0x09
	DW_OP_const2u             Opcode = 0x0a
	DW_OP_const2s             Opcode = 0x0b
	DW_OP_const4u             Opcode = 0x0c
	DW_OP_const4s             Opcode = 0x0d
	DW_OP_const8u             Opcode = 0x0e
	DW_OP_const8s             Opcode = 0x0f
	DW_OP_constu              Opcode = 0x10
	DW_OP_consts              Opcode = 0x11
	DW_OP_dup                 Opcode = 0x12
	DW_OP_drop                Opcode = 0x13
	DW_OP_over                Opcode = 0x14
	DW_OP_pick                Opcode = 0x15
	DW_OP_swap                Opcode = 0x16
	DW_OP_rot                 Opcode = 0x17
	DW_OP_xderef              Opcode = 0x18
	DW_OP_abs                 Opcode = 0x19
	DW_OP_and                 Opcode = 0x1a
	DW_OP_div                 Opcode = 0x1b
	DW_OP_minus               Opcode = 0x1c
	DW_OP_mod                 Opcode = 0x1d
	DW_OP_mul                 Opcode = 0x1e
	DW_OP_neg                 Opcode = 0x1f
	DW_OP_not                 Opcode = 0x20
	DW_OP_or                  Opcode = 0x21
	DW_OP_plus                Opcode = 0x22
	DW_OP_plus_uconst         Opcode = 0x23
	DW_OP_shl                 Opcode = 0x24
	DW_OP_shr                 Opcode = 0x25
	DW_OP_shra                Opcode = 0x26
	DW_OP_xor                 Opcode = 0x27
	DW_OP_bra                 Opcode = 0x28
	DW_OP_eq                  Opcode = 0x29
	DW_OP_ge                  Opcode = 0x2a
	DW_OP_gt                  Opcode = 0x2b
	DW_OP_le                  Opcode = 0x2c
	DW_OP_lt                  Opcode = 0x2d
	DW_OP_ne                  Opcode = 0x2e
	DW_OP_skip                Opcode = 0x2f
	DW_OP_lit0                Opcode = 0x30
	DW_OP_lit31               Opcode = 0x4f
	DW_OP_reg0                Opcode = 0x50
	DW_OP_reg31               Opcode = 0x6f
	DW_OP_breg0               Opcode = 0x70
	DW_OP_breg31              Opcode = 0x8f
	DW_OP_regx                Opcode = 0x90
	DW_OP_fbreg               Opcode = 0x91
	DW_OP_bregx               Opcode = 0x92
	DW_OP_piece               Opcode = 0x93
	DW_OP_deref_size          Opcode = 0x94
	DW_OP_xderef_size         Opcode = 0x95
	DW_OP_nop                 Opcode = 0x96
	DW_OP_push_object_address Opcode = 0x97
	DW_OP_call2               Opcode = 0x98
	DW_OP_call4               Opcode = 0x99
	DW_OP_call_ref            Opcode = 0x9a
	DW_OP_form_tls_address    Opcode = 0x9b
	DW_OP_call_frame_cfa      Opcode = 0x9c
	DW_OP_bit_piece           Opcode = 0x9d
	DW_OP_implicit_value      Opcode = 0x9e
	DW_OP_stack_value         Opcode = 0x9f
	DW_OP_implicit_pointer    Opcode = 0xa0
	DW_OP_addrx               Opcode = 0xa1
	DW_OP_constx              Opcode = 0xa2
	DW_OP_entry_value         Opcode = 0xa3
	DW_OP_const_type          Opcode = 0xa4
	DW_OP_regval_type         Opcode = 0xa5
	DW_OP_deref_type          Opcode = 0xa6
	DW_OP_xderef_type         Opcode = 0xa7
	DW_OP_convert             Opcode = 0xa8
	DW_OP_reinterpret         Opcode = 0xa9

	DW_OP_GNU_push_tls_address Opcode = 0xe0
	DW_OP_GNU_uninit           Opcode = 0xf0
	DW_OP_GNU_entry_value      Opcode = 0xf3
)

// operand is the encoding of one argument of an instruction.
type operand uint8

const (
	argAddr operand = iota
	argU8
	argS8
	argU16
	argS16
	argU32
	argS32
	argU64
	argS64
	argULEB
	argSLEB
	// argBlock is a ULEB128 length followed by that many bytes.
	argBlock
	// argBlock1 is a one byte length followed by that many bytes.
	argBlock1
)

type opinfo struct {
	name string
	args []operand
}

var opcodes = map[Opcode]opinfo{
	DW_OP_addr:                {"DW_OP_addr", []operand{argAddr}},
	DW_OP_deref:               {"DW_OP_deref", nil},
	DW_OP_const1u:             {"DW_OP_const1u", []operand{argU8}},
	DW_OP_const1s:             {"DW_OP_const1s", []operand{argS8}},
	DW_OP_const2u:             {"DW_OP_const2u", []operand{argU16}},
	DW_OP_const2s:             {"DW_OP_const2s", []operand{argS16}},
	DW_OP_const4u:             {"DW_OP_const4u", []operand{argU32}},
	DW_OP_const4s:             {"DW_OP_const4s", []operand{argS32}},
	DW_OP_const8u:             {"DW_OP_const8u", []operand{argU64}},
	DW_OP_const8s:             {"DW_OP_const8s", []operand{argS64}},
	DW_OP_constu:              {"DW_OP_constu", []operand{argULEB}},
	DW_OP_consts:              {"DW_OP_consts", []operand{argSLEB}},
	DW_OP_dup:                 {"DW_OP_dup", nil},
	DW_OP_drop:                {"DW_OP_drop", nil},
	DW_OP_over:                {"DW_OP_over", nil},
	DW_OP_pick:                {"DW_OP_pick", []operand{argU8}},
	DW_OP_swap:                {"DW_OP_swap", nil},
	DW_OP_rot:                 {"DW_OP_rot", nil},
	DW_OP_xderef:              {"DW_OP_xderef", nil},
	DW_OP_abs:                 {"DW_OP_abs", nil},
	DW_OP_and:                 {"DW_OP_and", nil},
	DW_OP_div:                 {"DW_OP_div", nil},
	DW_OP_minus:               {"DW_OP_minus", nil},
	DW_OP_mod:                 {"DW_OP_mod", nil},
	DW_OP_mul:                 {"DW_OP_mul", nil},
	DW_OP_neg:                 {"DW_OP_neg", nil},
	DW_OP_not:                 {"DW_OP_not", nil},
	DW_OP_or:                  {"DW_OP_or", nil},
	DW_OP_plus:                {"DW_OP_plus", nil},
	DW_OP_plus_uconst:         {"DW_OP_plus_uconst", []operand{argULEB}},
	DW_OP_shl:                 {"DW_OP_shl", nil},
	DW_OP_shr:                 {"DW_OP_shr", nil},
	DW_OP_shra:                {"DW_OP_shra", nil},
	DW_OP_xor:                 {"DW_OP_xor", nil},
	DW_OP_bra:                 {"DW_OP_bra", []operand{argS16}},
	DW_OP_eq:                  {"DW_OP_eq", nil},
	DW_OP_ge:                  {"DW_OP_ge", nil},
	DW_OP_gt:                  {"DW_OP_gt", nil},
	DW_OP_le:                  {"DW_OP_le", nil},
	DW_OP_lt:                  {"DW_OP_lt", nil},
	DW_OP_ne:                  {"DW_OP_ne", nil},
	DW_OP_skip:                {"DW_OP_skip", []operand{argS16}},
	DW_OP_regx:                {"DW_OP_regx", []operand{argULEB}},
	DW_OP_fbreg:               {"DW_OP_fbreg", []operand{argSLEB}},
	DW_OP_bregx:               {"DW_OP_bregx", []operand{argULEB, argSLEB}},
	DW_OP_piece:               {"DW_OP_piece", []operand{argULEB}},
	DW_OP_deref_size:          {"DW_OP_deref_size", []operand{argU8}},
	DW_OP_xderef_size:         {"DW_OP_xderef_size", []operand{argU8}},
	DW_OP_nop:                 {"DW_OP_nop", nil},
	DW_OP_push_object_address: {"DW_OP_push_object_address", nil},
	DW_OP_call2:               {"DW_OP_call2", []operand{argU16}},
	DW_OP_call4:               {"DW_OP_call4", []operand{argU32}},
	DW_OP_call_ref:            {"DW_OP_call_ref", []operand{argU32}},
	DW_OP_form_tls_address:    {"DW_OP_form_tls_address", nil},
	DW_OP_call_frame_cfa:      {"DW_OP_call_frame_cfa", nil},
	DW_OP_bit_piece:           {"DW_OP_bit_piece", []operand{argULEB, argULEB}},
	DW_OP_implicit_value:      {"DW_OP_implicit_value", []operand{argBlock}},
	DW_OP_stack_value:         {"DW_OP_stack_value", nil},
	DW_OP_implicit_pointer:    {"DW_OP_implicit_pointer", []operand{argU32, argSLEB}},
	DW_OP_addrx:               {"DW_OP_addrx", []operand{argULEB}},
	DW_OP_constx:              {"DW_OP_constx", []operand{argULEB}},
	DW_OP_entry_value:         {"DW_OP_entry_value", []operand{argBlock}},
	DW_OP_const_type:          {"DW_OP_const_type", []operand{argULEB, argBlock1}},
	DW_OP_regval_type:         {"DW_OP_regval_type", []operand{argULEB, argULEB}},
	DW_OP_deref_type:          {"DW_OP_deref_type", []operand{argU8, argULEB}},
	DW_OP_xderef_type:         {"DW_OP_xderef_type", []operand{argU8, argULEB}},
	DW_OP_convert:             {"DW_OP_convert", []operand{argULEB}},
	DW_OP_reinterpret:         {"DW_OP_reinterpret", []operand{argULEB}},

	DW_OP_GNU_push_tls_address: {"DW_OP_GNU_push_tls_address", nil},
	DW_OP_GNU_uninit:           {"DW_OP_GNU_uninit", nil},
	DW_OP_GNU_entry_value:      {"DW_OP_GNU_entry_value", []operand{argBlock}},
}

func (op Opcode) info() (opinfo, bool) {
	switch {
	case op >= DW_OP_lit0 && op <= DW_OP_lit31:
		return opinfo{name: fmt.Sprintf("DW_OP_lit%d", op-DW_OP_lit0)}, true
	case op >= DW_OP_reg0 && op <= DW_OP_reg31:
		return opinfo{name: fmt.Sprintf("DW_OP_reg%d", op-DW_OP_reg0)}, true
	case op >= DW_OP_breg0 && op <= DW_OP_breg31:
		return opinfo{name: fmt.Sprintf("DW_OP_breg%d", op-DW_OP_breg0), args: []operand{argSLEB}}, true
	}
	i, ok := opcodes[op]
	return i, ok
}

func (op Opcode) String() string {
	if i, ok := op.info(); ok {
		return i.name
	}
	return fmt.Sprintf("DW_OP(%#x)", byte(op))
}

// PrettyPrint returns the instructions of a DWARF expression, one per
// space separated group, for example "DW_OP_fbreg -20". Unsigned operands
// are printed in hexadecimal and signed ones in decimal.
//
// Decoding stops at the first opcode whose operands are unknown or
// truncated: the text decoded so far is returned with the error.
func PrettyPrint(instructions []byte, order binary.ByteOrder, addrSize int) (string, error) {
	buf := util.MakeBuf("expression", order, instructions)
	var out []string
	for buf.Len() > 0 {
		off := buf.Off()
		op := Opcode(buf.Uint8())
		i, ok := op.info()
		if !ok {
			return strings.Join(out, " "), fmt.Errorf("unknown opcode %#x at offset %d", byte(op), off)
		}
		inst := []string{i.name}
		for _, arg := range i.args {
			inst = append(inst, readOperand(buf, arg, addrSize))
		}
		if buf.Err != nil {
			return strings.Join(out, " "), fmt.Errorf("%s at offset %d: %w", i.name, off, buf.Err)
		}
		out = append(out, strings.Join(inst, " "))
	}
	return strings.Join(out, " "), nil
}

func readOperand(buf *util.Buf, arg operand, addrSize int) string {
	switch arg {
	case argAddr:
		return fmt.Sprintf("%#x", buf.Uint(addrSize))
	case argU8:
		return fmt.Sprintf("%#x", buf.Uint8())
	case argS8:
		return fmt.Sprintf("%d", int8(buf.Uint8()))
	case argU16:
		return fmt.Sprintf("%#x", buf.Uint16())
	case argS16:
		return fmt.Sprintf("%d", int16(buf.Uint16()))
	case argU32:
		return fmt.Sprintf("%#x", buf.Uint32())
	case argS32:
		return fmt.Sprintf("%d", int32(buf.Uint32()))
	case argU64:
		return fmt.Sprintf("%#x", buf.Uint64())
	case argS64:
		return fmt.Sprintf("%d", int64(buf.Uint64()))
	case argULEB:
		return fmt.Sprintf("%#x", buf.ULEB())
	case argSLEB:
		return fmt.Sprintf("%d", buf.SLEB())
	case argBlock:
		return fmt.Sprintf("[% x]", buf.Bytes(int(buf.ULEB())))
	case argBlock1:
		return fmt.Sprintf("[% x]", buf.Bytes(int(buf.Uint8())))
	}
	return ""
}
