package op

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrettyPrint(t *testing.T) {
	tests := []struct {
		in       []byte
		addrSize int
		want     string
	}{
		{[]byte{byte(DW_OP_fbreg), 0x6c}, 8, "DW_OP_fbreg -20"},
		{[]byte{byte(DW_OP_call_frame_cfa)}, 8, "DW_OP_call_frame_cfa"},
		{[]byte{byte(DW_OP_addr), 0x00, 0x10, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00}, 8, "DW_OP_addr 0x401000"},
		{[]byte{byte(DW_OP_addr), 0x00, 0x10, 0x40, 0x00}, 4, "DW_OP_addr 0x401000"},
		{[]byte{byte(DW_OP_consts), 0x1c, byte(DW_OP_consts), 0x1c, byte(DW_OP_plus)}, 8, "DW_OP_consts 28 DW_OP_consts 28 DW_OP_plus"},
		{[]byte{byte(DW_OP_reg0) + 6, byte(DW_OP_piece), 0x08, byte(DW_OP_lit0) + 3, byte(DW_OP_stack_value)}, 8, "DW_OP_reg6 DW_OP_piece 0x8 DW_OP_lit3 DW_OP_stack_value"},
		{[]byte{byte(DW_OP_breg0) + 7, 0x10}, 8, "DW_OP_breg7 16"},
		{[]byte{byte(DW_OP_bregx), 0x21, 0x7f}, 8, "DW_OP_bregx 0x21 -1"},
		{[]byte{byte(DW_OP_const2s), 0xfe, 0xff}, 8, "DW_OP_const2s -2"},
		{[]byte{byte(DW_OP_implicit_value), 0x02, 0xaa, 0xbb}, 8, "DW_OP_implicit_value [aa bb]"},
		{[]byte{byte(DW_OP_entry_value), 0x01, byte(DW_OP_reg0) + 5, byte(DW_OP_stack_value)}, 8, "DW_OP_entry_value [55] DW_OP_stack_value"},
		{nil, 8, ""},
	}
	for _, tc := range tests {
		got, err := PrettyPrint(tc.in, binary.LittleEndian, tc.addrSize)
		require.NoError(t, err)
		if got != tc.want {
			t.Fatalf("%x: expected %q got %q", tc.in, tc.want, got)
		}
	}
}

func TestPrettyPrintErrors(t *testing.T) {
	got, err := PrettyPrint([]byte{byte(DW_OP_dup), 0x01, byte(DW_OP_drop)}, nil, 8)
	require.Error(t, err)
	require.Equal(t, "DW_OP_dup", got)

	got, err = PrettyPrint([]byte{byte(DW_OP_drop), byte(DW_OP_const4u), 0x01, 0x02}, nil, 8)
	require.Error(t, err)
	require.Equal(t, "DW_OP_drop", got)
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "DW_OP_lit31", DW_OP_lit31.String())
	require.Equal(t, "DW_OP_breg0", DW_OP_breg0.String())
	require.Equal(t, "DW_OP_plus_uconst", DW_OP_plus_uconst.String())
	require.Equal(t, "DW_OP(0x1)", Opcode(0x01).String())
}
