package line

import (
	"fmt"

	"github.com/binscan/binscan/pkg/dwarf/util"
)

// Row is one row of the line number matrix: the value of the state
// machine registers at the time the row was appended.
type Row struct {
	// Address is the normalized address of the row.
	Address uint64
	// LinkAddress is the address as the program states it.
	LinkAddress uint64
	// OpIndex is the operation within a VLIW instruction, always zero
	// unless the header declares more than one operation per instruction.
	OpIndex       uint64
	File          *FileEntry
	Line          int
	Column        uint64
	IsStmt        bool
	BasicBlock    bool
	EndSequence   bool
	PrologueEnd   bool
	EpilogueBegin bool
	ISA           uint64
	Discriminator uint64
}

func (r *Row) String() string {
	file := "?"
	if r.File != nil {
		file = r.File.Path
	}
	if r.EndSequence {
		return fmt.Sprintf("%#x end_sequence", r.Address)
	}
	return fmt.Sprintf("%#x %s:%d:%d", r.Address, file, r.Line, r.Column)
}

// StateMachine runs one line number program. The registers live in regs
// and are only modified by the opcode handlers.
type StateMachine struct {
	dbl  *Table
	regs Row

	// lastEndAddress is the address of the last DW_LNE_end_sequence,
	// used in place of a DW_LNE_set_address to 0.
	lastEndAddress uint64
}

type opcodefn func(*StateMachine, *util.Buf) error

// Special opcodes
const (
	DW_LNS_copy             = 1
	DW_LNS_advance_pc       = 2
	DW_LNS_advance_line     = 3
	DW_LNS_set_file         = 4
	DW_LNS_set_column       = 5
	DW_LNS_negate_stmt      = 6
	DW_LNS_set_basic_block  = 7
	DW_LNS_const_add_pc     = 8
	DW_LNS_fixed_advance_pc = 9
	DW_LNS_prologue_end     = 10
	DW_LNS_epilogue_begin   = 11
	DW_LNS_set_isa          = 12
)

// Extended opcodes
const (
	DW_LINE_end_sequence      = 1
	DW_LINE_set_address       = 2
	DW_LINE_define_file       = 3
	DW_LINE_set_discriminator = 4
)

var standardopcodes = [...]opcodefn{
	DW_LNS_copy:             copyfn,
	DW_LNS_advance_pc:       advancepc,
	DW_LNS_advance_line:     advanceline,
	DW_LNS_set_file:         setfile,
	DW_LNS_set_column:       setcolumn,
	DW_LNS_negate_stmt:      negatestmt,
	DW_LNS_set_basic_block:  setbasicblock,
	DW_LNS_const_add_pc:     constaddpc,
	DW_LNS_fixed_advance_pc: fixedadvancepc,
	DW_LNS_prologue_end:     prologueend,
	DW_LNS_epilogue_begin:   epiloguebegin,
	DW_LNS_set_isa:          setisa,
}

var extendedopcodes = map[byte]opcodefn{
	DW_LINE_end_sequence:      endsequence,
	DW_LINE_set_address:       setaddress,
	DW_LINE_define_file:       definefile,
	DW_LINE_set_discriminator: setdiscriminator,
}

func newStateMachine(dbl *Table) *StateMachine {
	sm := &StateMachine{dbl: dbl}
	sm.reset()
	return sm
}

// reset puts the registers back to their initial value, with the first
// file of the table as the current file.
func (sm *StateMachine) reset() {
	sm.regs = Row{
		Line:   1,
		IsStmt: sm.dbl.Prologue.InitialIsStmt != 0,
	}
	if len(sm.dbl.FileNames) > 0 {
		sm.regs.File = sm.dbl.FileNames[0]
	}
}

// run executes the program at the cursor until the end of buf.
func (dbl *Table) run(buf *util.Buf) error {
	sm := newStateMachine(dbl)
	for buf.Len() > 0 {
		if err := sm.step(buf); err != nil {
			if util.IsUnderflow(err) {
				return fmt.Errorf("program at %#x: %v: %w", dbl.Offset, err, ErrTruncated)
			}
			return err
		}
	}
	return nil
}

// step executes one instruction.
func (sm *StateMachine) step(buf *util.Buf) error {
	off := buf.Off()
	b := buf.Uint8()
	if buf.Err != nil {
		return buf.Err
	}
	p := sm.dbl.Prologue
	switch {
	case b >= p.OpcodeBase:
		execSpecialOpcode(sm, b)
		return nil
	case b == 0:
		return execExtendedOpcode(sm, buf)
	case int(b) < len(standardopcodes):
		if err := standardopcodes[b](sm, buf); err != nil {
			return err
		}
		return buf.Err
	default:
		return fmt.Errorf("opcode %d at %#x: %w", b, off, ErrUnknownOpcode)
	}
}

// emit appends the current registers as a new row and clears the
// registers that only apply to one row.
func (sm *StateMachine) emit() {
	row := new(Row)
	*row = sm.regs
	row.LinkAddress = row.Address
	sm.dbl.Rows = append(sm.dbl.Rows, row)
	if row.File != nil {
		row.File.Lines = append(row.File.Lines, row)
	}
	sm.regs.BasicBlock = false
	sm.regs.PrologueEnd = false
	sm.regs.EpilogueBegin = false
	sm.regs.Discriminator = 0
}

// advance moves the address by opAdvance operations.
func (sm *StateMachine) advance(opAdvance uint64) {
	p := sm.dbl.Prologue
	if p.MaxOpPerInstr <= 1 {
		sm.regs.Address += uint64(p.MinInstrLength) * opAdvance
		return
	}
	ops := sm.regs.OpIndex + opAdvance
	sm.regs.Address += uint64(p.MinInstrLength) * (ops / uint64(p.MaxOpPerInstr))
	sm.regs.OpIndex = ops % uint64(p.MaxOpPerInstr)
}

func execSpecialOpcode(sm *StateMachine, instr byte) {
	p := sm.dbl.Prologue
	decoded := instr - p.OpcodeBase
	sm.advance(uint64(decoded / p.LineRange))
	sm.regs.Line += int(p.LineBase) + int(decoded%p.LineRange)
	sm.emit()
}

// execExtendedOpcode runs an extended opcode. Whatever its handler reads,
// execution resumes after the number of bytes declared by its length,
// which is also how unknown extended opcodes are skipped.
func execExtendedOpcode(sm *StateMachine, buf *util.Buf) error {
	n := buf.ULEB()
	if buf.Err != nil {
		return buf.Err
	}
	start := buf.Off()
	if n > uint64(buf.Len()) {
		return fmt.Errorf("extended opcode at %#x: length %d: %w", start, n, ErrTruncated)
	}
	end := start + int(n)
	if n == 0 {
		return nil
	}
	op := buf.Uint8()
	if fn, ok := extendedopcodes[op]; ok {
		operands := util.MakeBuf(buf.Name(), buf.Order(), buf.Data()[:end])
		operands.Seek(buf.Off())
		if err := fn(sm, operands); err != nil {
			return err
		}
		if operands.Err != nil {
			return operands.Err
		}
	} else {
		sm.dbl.logger.Debugf("skipping unknown extended opcode %#x at %#x", op, start)
	}
	buf.Seek(end)
	return nil
}

func copyfn(sm *StateMachine, buf *util.Buf) error {
	sm.emit()
	return nil
}

func advancepc(sm *StateMachine, buf *util.Buf) error {
	sm.advance(buf.ULEB())
	return nil
}

func advanceline(sm *StateMachine, buf *util.Buf) error {
	sm.regs.Line += int(buf.SLEB())
	return nil
}

func setfile(sm *StateMachine, buf *util.Buf) error {
	i := buf.ULEB()
	sm.regs.File = sm.dbl.fileAt(i)
	if sm.regs.File == nil && buf.Err == nil {
		sm.dbl.logger.Debugf("file index %d out of range (%d files)", i, len(sm.dbl.FileNames))
	}
	return nil
}

func setcolumn(sm *StateMachine, buf *util.Buf) error {
	sm.regs.Column = buf.ULEB()
	return nil
}

func negatestmt(sm *StateMachine, buf *util.Buf) error {
	sm.regs.IsStmt = !sm.regs.IsStmt
	return nil
}

func setbasicblock(sm *StateMachine, buf *util.Buf) error {
	sm.regs.BasicBlock = true
	return nil
}

func constaddpc(sm *StateMachine, buf *util.Buf) error {
	p := sm.dbl.Prologue
	sm.advance(uint64((255 - p.OpcodeBase) / p.LineRange))
	return nil
}

func fixedadvancepc(sm *StateMachine, buf *util.Buf) error {
	sm.regs.Address += uint64(buf.Uint16())
	sm.regs.OpIndex = 0
	return nil
}

func prologueend(sm *StateMachine, buf *util.Buf) error {
	sm.regs.PrologueEnd = true
	return nil
}

func epiloguebegin(sm *StateMachine, buf *util.Buf) error {
	sm.regs.EpilogueBegin = true
	return nil
}

func setisa(sm *StateMachine, buf *util.Buf) error {
	sm.regs.ISA = buf.ULEB()
	return nil
}

func endsequence(sm *StateMachine, buf *util.Buf) error {
	sm.regs.EndSequence = true
	sm.emit()
	sm.lastEndAddress = sm.regs.Address
	sm.reset()
	return nil
}

// setaddress reads an address as wide as the operand. Some linkers leave
// a 0 here for sequences they discarded; those continue from the end of
// the previous sequence.
func setaddress(sm *StateMachine, buf *util.Buf) error {
	width := buf.Len()
	if width < 1 || width > 8 {
		return fmt.Errorf("DW_LNE_set_address at %#x: %d byte operand: %w", buf.Off(), width, ErrBadHeader)
	}
	addr := buf.Uint(width)
	if addr == 0 {
		addr = sm.lastEndAddress
	}
	sm.regs.Address = addr
	sm.regs.OpIndex = 0
	return nil
}

func definefile(sm *StateMachine, buf *util.Buf) error {
	entry := sm.dbl.readFileEntry(buf)
	if entry != nil {
		sm.dbl.FileNames = append(sm.dbl.FileNames, entry)
	}
	return nil
}

func setdiscriminator(sm *StateMachine, buf *util.Buf) error {
	sm.regs.Discriminator = buf.ULEB()
	return nil
}
