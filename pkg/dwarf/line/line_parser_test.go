package line_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/binscan/binscan/pkg/dwarf/dwarfbuilder"
	"github.com/binscan/binscan/pkg/dwarf/line"
	"github.com/binscan/binscan/pkg/dwarf/strtab"
)

func newProgram(files ...string) *dwarfbuilder.LineProgram {
	p := dwarfbuilder.NewLineProgram()
	for _, f := range files {
		p.Files = append(p.Files, dwarfbuilder.LineFile{Name: f})
	}
	return p
}

func parseOne(t *testing.T, p *dwarfbuilder.LineProgram, opts line.Options) *line.Table {
	t.Helper()
	lines := line.ParseAll(p.Bytes(), opts)
	require.Len(t, lines, 1)
	return lines[0]
}

func TestMinimalProgram(t *testing.T) {
	p := newProgram("main.c")
	p.SetAddress(0x1000).AdvanceLine(9).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Equal(t, uint16(2), dbl.Prologue.Version)
	require.Len(t, dbl.Rows, 2)

	row := dbl.Rows[0]
	require.Equal(t, uint64(0x1000), row.Address)
	require.Equal(t, 10, row.Line)
	require.Equal(t, uint64(0), row.Column)
	require.True(t, row.IsStmt)
	require.False(t, row.EndSequence)
	require.Equal(t, "main.c", row.File.Path)

	require.True(t, dbl.Rows[1].EndSequence)
	require.Equal(t, uint64(0x1000), dbl.Rows[1].Address)

	require.Len(t, dbl.FileNames, 1)
	require.Len(t, dbl.FileNames[0].Lines, 2)
}

func TestSetAddressZero(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x2000).Copy().AdvancePC(0x10).EndSequence()
	p.SetAddress(0).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.Rows, 4)
	require.Equal(t, uint64(0x2010), dbl.Rows[1].Address)
	require.Equal(t, uint64(0x2010), dbl.Rows[2].Address)
	require.Equal(t, 1, dbl.Rows[2].Line)
}

func TestSpecialOpcodes(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x1000).Special(0, 1).Special(2, 3).ConstAddPC().FixedAdvancePC(0x100).Copy()
	p.AdvancePC(4).EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.Rows, 4)
	require.Equal(t, uint64(0x1000), dbl.Rows[0].Address)
	require.Equal(t, 2, dbl.Rows[0].Line)
	require.Equal(t, uint64(0x1002), dbl.Rows[1].Address)
	require.Equal(t, 5, dbl.Rows[1].Line)
	// const_add_pc advances by (255-13)/14 = 17
	require.Equal(t, uint64(0x1002+17+0x100), dbl.Rows[2].Address)
	require.Equal(t, 5, dbl.Rows[2].Line)
	require.Equal(t, uint64(0x1002+17+0x100+4), dbl.Rows[3].Address)
}

func TestMinInstrLength(t *testing.T) {
	p := newProgram("a.c")
	p.MinInstrLength = 4
	p.SetAddress(0x1000).Special(3, 0).AdvancePC(2).Copy().FixedAdvancePC(2).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Equal(t, uint64(0x100c), dbl.Rows[0].Address)
	require.Equal(t, uint64(0x1014), dbl.Rows[1].Address)
	// fixed_advance_pc is not scaled
	require.Equal(t, uint64(0x1016), dbl.Rows[2].Address)
}

func TestRegisters(t *testing.T) {
	p := newProgram("a.c", "b.c")
	p.SetAddress(0x1000).SetColumn(7).SetFile(2).NegateStmt().SetBasicBlock().PrologueEnd().SetDiscriminator(3).SetISA(2).Copy()
	p.EpilogueBegin().Special(1, 0).EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.Rows, 3)

	r := dbl.Rows[0]
	require.Equal(t, "b.c", r.File.Path)
	require.Equal(t, uint64(7), r.Column)
	require.False(t, r.IsStmt)
	require.True(t, r.BasicBlock)
	require.True(t, r.PrologueEnd)
	require.False(t, r.EpilogueBegin)
	require.Equal(t, uint64(3), r.Discriminator)
	require.Equal(t, uint64(2), r.ISA)

	r = dbl.Rows[1]
	require.Equal(t, "b.c", r.File.Path)
	require.False(t, r.BasicBlock)
	require.False(t, r.PrologueEnd)
	require.True(t, r.EpilogueBegin)
	require.Equal(t, uint64(0), r.Discriminator)
	require.Equal(t, uint64(7), r.Column)

	require.Len(t, dbl.FileNames[0].Lines, 0)
	require.Len(t, dbl.FileNames[1].Lines, 3)
}

func TestResetAfterEndSequence(t *testing.T) {
	p := newProgram("a.c", "b.c")
	p.SetAddress(0x1000).SetFile(2).SetColumn(3).AdvanceLine(20).NegateStmt().EndSequence()
	p.Copy()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	r := dbl.Rows[len(dbl.Rows)-1]
	require.False(t, r.EndSequence)
	require.Equal(t, uint64(0), r.Address)
	require.Equal(t, 1, r.Line)
	require.Equal(t, uint64(0), r.Column)
	require.True(t, r.IsStmt)
	require.Equal(t, "a.c", r.File.Path)
}

func TestSetFileOutOfRange(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x1000).SetFile(9).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Nil(t, dbl.Rows[0].File)
	require.Empty(t, dbl.FileNames[0].Lines)
}

func TestDefineFile(t *testing.T) {
	p := newProgram("a.c")
	p.IncludeDirs = []string{"/usr/include"}
	p.DefineFile(dwarfbuilder.LineFile{Name: "stdio.h", DirIdx: 1, Length: 100})
	p.SetAddress(0x1000).SetFile(2).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.FileNames, 2)
	require.Equal(t, "/usr/include/stdio.h", dbl.FileNames[1].Path)
	require.Equal(t, uint64(100), dbl.FileNames[1].Length)
	require.Equal(t, "/usr/include/stdio.h", dbl.Rows[0].File.Path)
}

func TestUnknownExtendedOpcode(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x1000).Extended(0x80, []byte{0xde, 0xad, 0xbe, 0xef}).AdvanceLine(1).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.Rows, 2)
	require.Equal(t, 2, dbl.Rows[0].Line)
}

func TestExtendedOpcodeResync(t *testing.T) {
	// a set_discriminator whose declared length covers two extra bytes
	p := newProgram("a.c")
	p.SetAddress(0x1000).Extended(4, []byte{5, 0xff, 0xff}).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.Rows, 2)
	require.Equal(t, uint64(5), dbl.Rows[0].Discriminator)
}

func TestUnknownStandardOpcode(t *testing.T) {
	p := newProgram("a.c")
	p.OpcodeBase = 14
	p.SetAddress(0x1000).Copy().Raw(13).Copy().EndSequence()

	lines := line.ParseAll(append(p.Bytes(), newProgram("b.c").SetAddress(0x2000).Copy().EndSequence().Bytes()...), line.Options{})
	require.Len(t, lines, 2)
	require.True(t, errors.Is(lines[0].Err, line.ErrUnknownOpcode))
	require.Len(t, lines[0].Rows, 1)
	require.NoError(t, lines[1].Err)
	require.Len(t, lines[1].Rows, 2)
}

func TestTruncatedProgram(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x1000).Copy().AdvancePC(0x10).EndSequence()
	data := p.Bytes()
	data = data[:len(data)-3]

	lines := line.ParseAll(data, line.Options{})
	require.Len(t, lines, 1)
	require.True(t, errors.Is(lines[0].Err, line.ErrTruncated))
	require.Len(t, lines[0].Rows, 1)
}

func TestBadHeader(t *testing.T) {
	p := newProgram("a.c")
	p.LineRange = 0
	p.Copy()
	dbl := parseOne(t, p, line.Options{})
	require.True(t, errors.Is(dbl.Err, line.ErrBadHeader))
	require.Empty(t, dbl.Rows)
}

func TestNormalize(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x401000).Copy().AdvancePC(8).EndSequence()

	dbl := parseOne(t, p, line.Options{Normalize: line.RelativeTo(0x400000)})
	require.NoError(t, dbl.Err)
	require.Equal(t, uint64(0x1000), dbl.Rows[0].Address)
	require.Equal(t, uint64(0x1008), dbl.Rows[1].Address)

	require.Equal(t, uint64(0x10), line.RelativeTo(0x400000)(0x10))
	require.Equal(t, uint64(0x10), line.Identity(0x10))
}

func TestLinkAddress(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x401000).Copy().EndSequence()
	p.SetAddress(0x200).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{Normalize: line.RelativeTo(0x400000)})
	require.NoError(t, dbl.Err)
	require.Len(t, dbl.Rows, 4)
	want := [][2]uint64{{0x1000, 0x401000}, {0x1000, 0x401000}, {0x200, 0x200}, {0x200, 0x200}}
	for i, row := range dbl.Rows {
		if row.Address != want[i][0] || row.LinkAddress != want[i][1] {
			t.Fatalf("row %d: address %#x link %#x, want %#x %#x", i, row.Address, row.LinkAddress, want[i][0], want[i][1])
		}
	}

	dbl = parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Equal(t, dbl.Rows[0].Address, dbl.Rows[0].LinkAddress)
}

func TestCompDir(t *testing.T) {
	p := newProgram("main.c", "/abs/x.c")
	p.SetAddress(0x1000).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{CompDirs: map[uint64]string{0: "/build"}})
	require.Equal(t, "/build", dbl.IncludeDirs[0])
	require.Equal(t, "/build/main.c", dbl.FileNames[0].Path)
	require.Equal(t, "main.c", dbl.FileNames[0].Name)
	require.Equal(t, "/abs/x.c", dbl.FileNames[1].Path)
}

func TestNormalizeBackslash(t *testing.T) {
	p := newProgram("src\\a.c")
	p.IncludeDirs = []string{"C:\\work"}
	p.Files[0].DirIdx = 1

	dbl := parseOne(t, p, line.Options{NormalizeBackslash: true})
	require.Equal(t, "C:/work/src/a.c", dbl.FileNames[0].Path)

	dbl = parseOne(t, p, line.Options{})
	require.Equal(t, "C:\\work/src\\a.c", dbl.FileNames[0].Path)
}

func TestVersion4MaxOps(t *testing.T) {
	p := newProgram("a.c")
	p.Version = 4
	p.MinInstrLength = 8
	p.MaxOpsPerInstr = 3
	p.SetAddress(0x1000).AdvancePC(4).Copy().AdvancePC(2).Copy().EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Equal(t, uint8(3), dbl.Prologue.MaxOpPerInstr)
	require.Equal(t, uint64(0x1008), dbl.Rows[0].Address)
	require.Equal(t, uint64(1), dbl.Rows[0].OpIndex)
	require.Equal(t, uint64(0x1010), dbl.Rows[1].Address)
	require.Equal(t, uint64(0), dbl.Rows[1].OpIndex)
}

func TestVersion5(t *testing.T) {
	p := dwarfbuilder.NewLineProgram()
	p.Version = 5
	p.IncludeDirs = []string{"/src", "inc"}
	p.Files = []dwarfbuilder.LineFile{{Name: "a.c", DirIdx: 0}, {Name: "b.h", DirIdx: 1}}
	p.SetAddress(0x1000).Copy().SetFile(1).Special(1, 1).EndSequence()

	dbl := parseOne(t, p, line.Options{})
	require.NoError(t, dbl.Err)
	require.Equal(t, uint16(5), dbl.Prologue.Version)
	require.Equal(t, uint8(8), dbl.Prologue.AddrSize)
	require.Equal(t, []string{"/src", "/src/inc"}, dbl.IncludeDirs)
	require.Len(t, dbl.FileNames, 2)
	require.Equal(t, "/src/a.c", dbl.Rows[0].File.Path)
	require.Equal(t, "/src/inc/b.h", dbl.Rows[1].File.Path)
}

func TestVersion5LineStrp(t *testing.T) {
	// directory format: path as line_strp; file format: path as
	// line_strp, directory index as udata
	lineStr := []byte("/src\x00main.c\x00")
	hdr := []byte{
		1,          // min_inst_length
		1,          // max_ops
		1,          // default_is_stmt
		0xfb,       // line_base -5
		14,         // line_range
		13,         // opcode_base
		0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1,
		1, 0x01, 0x1f, // directory format
		1, 0, 0, 0, 0, // one directory at .debug_line_str+0
		2, 0x01, 0x1f, 0x02, 0x0f, // file format
		1, 5, 0, 0, 0, 0, // one file at .debug_line_str+5, dir 0
	}
	ops := []byte{0, 9, 2, 0, 0x10, 0, 0, 0, 0, 0, 0, 1, 0, 1, 1}
	var data []byte
	body := []byte{5, 0, 8, 0}
	body = append(body, byte(len(hdr)), 0, 0, 0)
	body = append(body, hdr...)
	body = append(body, ops...)
	data = append(data, byte(len(body)), 0, 0, 0)
	data = append(data, body...)

	lines := line.ParseAll(data, line.Options{LineStrs: strtab.New(".debug_line_str", lineStr, 0)})
	require.Len(t, lines, 1)
	dbl := lines[0]
	require.NoError(t, dbl.Err)
	require.Equal(t, []string{"/src"}, dbl.IncludeDirs)
	require.Equal(t, "/src/main.c", dbl.FileNames[0].Path)
	require.Len(t, dbl.Rows, 2)
	require.Equal(t, uint64(0x1000), dbl.Rows[0].Address)
}

// version5Program wraps hdr, the header fields after header_length, and
// ops in a DWARF 5 line program with 8 byte addresses.
func version5Program(hdr, ops []byte) []byte {
	body := []byte{5, 0, 8, 0}
	body = append(body, byte(len(hdr)), 0, 0, 0)
	body = append(body, hdr...)
	body = append(body, ops...)
	data := []byte{byte(len(body)), 0, 0, 0}
	return append(data, body...)
}

func TestVersion5EntryCount(t *testing.T) {
	fixed := []byte{1, 1, 1, 0xfb, 14, 13, 0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}
	huge := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x20} // 1<<40
	ops := []byte{0, 1, 1}

	tests := []struct {
		name   string
		tables []byte
	}{
		{"empty directory format", append(append([]byte{0}, huge...), 0, 0)},
		{"empty file format", append([]byte{1, 0x01, 0x08, 1, '/', 0, 0}, huge...)},
		{"more directories than bytes", append([]byte{1, 0x01, 0x08}, huge...)},
		{"more files than bytes", append([]byte{0, 0, 1, 0x01, 0x08}, huge...)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hdr := append(append([]byte(nil), fixed...), tc.tables...)
			done := make(chan *line.Table, 1)
			go func() {
				done <- line.Parse(version5Program(hdr, ops), 0, line.Options{})
			}()
			select {
			case dbl := <-done:
				if !errors.Is(dbl.Err, line.ErrBadHeader) {
					t.Fatalf("expected ErrBadHeader, got %v", dbl.Err)
				}
				require.Empty(t, dbl.Rows)
			case <-time.After(5 * time.Second):
				t.Fatal("Parse did not return")
			}
		})
	}

	// an empty format with no entries is valid
	hdr := append(append([]byte(nil), fixed...), 0, 0, 0, 0)
	dbl := line.Parse(version5Program(hdr, []byte{1, 0, 1, 1}), 0, line.Options{})
	require.NoError(t, dbl.Err)
	require.Empty(t, dbl.FileNames)
	require.Len(t, dbl.Rows, 2)
}

func TestParseAtOffset(t *testing.T) {
	first := newProgram("a.c").SetAddress(0x1000).Copy().EndSequence().Bytes()
	second := newProgram("b.c").SetAddress(0x2000).Copy().EndSequence().Bytes()
	data := append(append([]byte(nil), first...), second...)

	lines := line.ParseAll(data, line.Options{CompDirs: map[uint64]string{uint64(len(first)): "/second"}})
	require.Len(t, lines, 2)
	require.Equal(t, uint64(len(first)), lines[1].Offset)
	require.Equal(t, "/second/b.c", lines[1].FileNames[0].Path)
	require.Equal(t, 4, lines.RowCount())

	dbl := line.Parse(data, uint64(len(first)), line.Options{})
	require.NoError(t, dbl.Err)
	require.Equal(t, uint64(0x2000), dbl.Rows[0].Address)
}

func TestEmptySection(t *testing.T) {
	require.Empty(t, line.ParseAll(nil, line.Options{}))
}

func TestPCToLine(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x1000).AdvanceLine(9).Copy().Special(8, 1).AdvancePC(8).EndSequence()
	p.SetAddress(0x3000).Copy().AdvancePC(4).EndSequence()
	dbl := parseOne(t, p, line.Options{})

	tests := []struct {
		pc   uint64
		line int
		ok   bool
	}{
		{0x0fff, 0, false},
		{0x1000, 10, true},
		{0x1007, 10, true},
		{0x1008, 11, true},
		{0x100f, 11, true},
		{0x1010, 0, false},
		{0x3002, 1, true},
		{0x3004, 0, false},
	}
	for _, tc := range tests {
		row, ok := dbl.PCToLine(tc.pc)
		if ok != tc.ok {
			t.Fatalf("PCToLine(%#x): got %v expected %v", tc.pc, ok, tc.ok)
		}
		if ok && row.Line != tc.line {
			t.Fatalf("PCToLine(%#x): got line %d expected %d", tc.pc, row.Line, tc.line)
		}
	}

	lines := line.DebugLines{dbl}
	row, ok := lines.PCToLine(0x1009)
	require.True(t, ok)
	require.Equal(t, 11, row.Line)
}

func TestLineToPC(t *testing.T) {
	p := newProgram("a.c")
	p.SetAddress(0x1000).NegateStmt().AdvanceLine(4).Copy().NegateStmt().AdvancePC(4).Copy().AdvancePC(4).AdvanceLine(1).Copy().EndSequence()
	dbl := parseOne(t, p, line.Options{})

	pc, ok := dbl.LineToPC("a.c", 5)
	require.True(t, ok)
	require.Equal(t, uint64(0x1004), pc)
	pc, ok = dbl.LineToPC("a.c", 6)
	require.True(t, ok)
	require.Equal(t, uint64(0x1008), pc)
	_, ok = dbl.LineToPC("b.c", 5)
	require.False(t, ok)
}

func TestFileIndex(t *testing.T) {
	a := newProgram("main.c", "util.c")
	a.IncludeDirs = []string{"/src/app"}
	a.Files[0].DirIdx = 1
	a.Files[1].DirIdx = 1
	b := newProgram("/src/app/util.c", "/usr/include/stdio.h")
	data := append(a.Bytes(), b.Bytes()...)

	ix := line.NewFileIndex(line.ParseAll(data, line.Options{}))
	require.Equal(t, []string{"/src/app/main.c", "/src/app/util.c", "/usr/include/stdio.h"}, ix.Paths())
	require.Equal(t, []string{"/src/app/main.c", "/src/app/util.c"}, ix.WithPrefix("/src/"))
	require.Len(t, ix.Lookup("/src/app/util.c"), 2)
	require.Nil(t, ix.Lookup("/nope"))
	require.Contains(t, ix.Fuzzy("stdio"), "/usr/include/stdio.h")
}
