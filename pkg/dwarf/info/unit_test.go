package info_test

import (
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/binscan/binscan/pkg/dwarf/dwarfbuilder"
	"github.com/binscan/binscan/pkg/dwarf/info"
	"github.com/binscan/binscan/pkg/dwarf/op"
	"github.com/binscan/binscan/pkg/dwarf/strtab"
)

const producer = "GNU C17 11.2.0 -mtune=generic -O2 -fstack-protector-strong"

func build(t *testing.T, b *dwarfbuilder.Builder) info.Sections {
	t.Helper()
	sec, err := b.Build()
	require.NoError(t, err)
	return info.Sections{Abbrev: sec.Abbrev, Info: sec.Info, Str: sec.Str}
}

func parse(t *testing.T, sec info.Sections, opts info.Options) []*info.CompileUnit {
	t.Helper()
	units, err := info.Parse(sec, opts)
	require.NoError(t, err)
	return units
}

func TestParseAbbrevs(t *testing.T) {
	abbrevs, err := info.ParseAbbrevs([]byte{1, 0x11, 1, 0x03, 0x0e, 0, 0, 0})
	require.NoError(t, err)
	tab, err := abbrevs.Table(0)
	require.NoError(t, err)
	require.Len(t, tab, 1)
	a := tab[1]
	require.Equal(t, dwarf.TagCompileUnit, a.Tag)
	require.True(t, a.Children)
	require.Equal(t, []info.AttrSpec{{Attr: dwarf.AttrName, Form: info.DW_FORM_strp}}, a.Attrs)
}

func TestParseAbbrevsSegments(t *testing.T) {
	data := []byte{
		1, 0x11, 1, 0x03, 0x08, 0, 0, 0, // table at 0
		1, 0x24, 0, 0x0b, 0x0b, 0x3e, 0x21, 0x07, 0, 0, 0, // table at 8
	}
	abbrevs, err := info.ParseAbbrevs(data)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 8}, abbrevs.Offsets())

	tab, err := abbrevs.Table(8)
	require.NoError(t, err)
	a := tab[1]
	require.Equal(t, dwarf.TagBaseType, a.Tag)
	require.False(t, a.Children)
	require.Equal(t, uint64(8), a.Offset)
	require.Len(t, a.Attrs, 2)
	require.Equal(t, info.DW_FORM_implicit_const, a.Attrs[1].Form)
	require.Equal(t, int64(7), a.Attrs[1].ImplicitConst)
	require.Len(t, abbrevs.All(), 2)

	_, err = abbrevs.Table(100)
	require.True(t, errors.Is(err, info.ErrBadUnitHeader))
}

func TestParseAbbrevsTruncated(t *testing.T) {
	abbrevs, err := info.ParseAbbrevs([]byte{1, 0x11, 1, 0x03, 0x08, 0, 0, 0, 2, 0x2e})
	require.Error(t, err)
	tab, _ := abbrevs.Table(0)
	require.Contains(t, tab, uint64(1))
}

func TestParseCompileUnit(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("main.c", producer, "/src", 0x0c, 0)
	intType := b.AddBaseType("int", 5, 4)
	b.AddSubprogram("main", 0x401000, 0x401040)
	v := b.AddVariable("x", b.RefTo(intType), dwarfbuilder.LocationBlock(op.DW_OP_fbreg, -20))
	b.TagClose()

	units := parse(t, build(t, b), info.Options{})
	require.Len(t, units, 1)
	cu := units[0]
	require.NoError(t, cu.Err)
	require.False(t, cu.Partial())
	require.Equal(t, uint16(4), cu.Header.Version)
	require.Equal(t, uint8(8), cu.Header.AddrSize)

	require.Equal(t, dwarf.TagCompileUnit, cu.Root.Tag)
	require.Equal(t, producer, cu.Producer())
	require.Equal(t, "main.c", cu.Name())
	require.Equal(t, "/src", cu.CompDir())
	lang, ok := cu.Language()
	require.True(t, ok)
	require.Equal(t, uint64(0x0c), lang)
	stmt, ok := cu.StmtList()
	require.True(t, ok)
	require.Equal(t, uint64(0), stmt)
	require.Equal(t, 4, cu.Entries)

	require.Len(t, cu.Root.Children, 2)
	require.Equal(t, dwarf.TagBaseType, cu.Root.Children[0].Tag)
	fn := cu.Root.Children[1]
	require.Equal(t, "main", fn.Name())
	lowpc, _ := fn.Uint(dwarf.AttrLowpc)
	require.Equal(t, uint64(0x401000), lowpc)
	require.Len(t, fn.Children, 1)

	x := cu.EntryAt(uint64(v))
	require.NotNil(t, x)
	require.Same(t, fn, x.Parent)
	typ, ok := x.Val(dwarf.AttrType)
	require.True(t, ok)
	require.Equal(t, info.ClassReference, typ.Class())
	require.Equal(t, uint64(intType), typ.Reference())
	require.Equal(t, "int", cu.EntryAt(typ.Reference()).Name())
	loc, _ := x.Val(dwarf.AttrLocation)
	require.Equal(t, []byte{0x91, 0x6c}, loc.ExprLoc())
	require.Equal(t, []dwarf.Attr{dwarf.AttrName, dwarf.AttrType, dwarf.AttrLocation}, x.Fields)

	require.Len(t, cu.FindByTag(dwarf.TagVariable), 1)
	require.Len(t, cu.FindByAttr(dwarf.AttrLowpc), 1)
}

func TestValueAccessorPanics(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("a.c", producer, "/", 0x0c, 0)
	units := parse(t, build(t, b), info.Options{})
	lang, ok := units[0].Root.Val(dwarf.AttrLanguage)
	require.True(t, ok)
	require.Equal(t, uint64(0x0c), lang.Constant())
	require.Panics(t, func() { lang.Block() })
	require.Panics(t, func() { lang.Str() })
}

func TestMultipleUnits(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("a.c", producer, "/src", 0x0c, 0)
	b.AddBaseType("char", 8, 1)
	b.StartUnit(4, 8)
	b.AddCompileUnit("b.c", producer, "/src", 0x0c, 0x40)
	second := b.UnitStart()
	intType := b.AddBaseType("int", 5, 4)
	b.AddVariable("y", b.RefTo(intType), dwarfbuilder.LocationBlock(op.DW_OP_call_frame_cfa))

	units := parse(t, build(t, b), info.Options{})
	require.Len(t, units, 2)
	require.Equal(t, "a.c", units[0].Name())
	require.Equal(t, "b.c", units[1].Name())
	require.Equal(t, uint64(second), units[1].Header.Offset)

	y := units[1].FindByTag(dwarf.TagVariable)[0]
	ref, _ := y.Uint(dwarf.AttrType)
	require.Equal(t, uint64(intType), ref)
	require.Nil(t, units[0].EntryAt(ref))
	require.Equal(t, "int", units[1].EntryAt(ref).Name())
}

func separateTables() *dwarfbuilder.Builder {
	b := dwarfbuilder.New()
	b.SeparateAbbrevTables()
	b.StartUnit(4, 8)
	b.AddCompileUnit("a.c", producer, "/src", 0x0c, 0)
	b.AddSubprogram("f", 0x1000, 0x1010)
	b.TagClose()
	b.StartUnit(4, 8)
	b.AddCompileUnit("b.c", producer, "/src", 0x0c, 0)
	b.AddBaseType("long", 5, 8)
	return b
}

func TestSeparateAbbrevTables(t *testing.T) {
	units := parse(t, build(t, separateTables()), info.Options{})
	require.Len(t, units, 2)
	require.NotZero(t, units[1].Header.AbbrevOffset)
	for _, cu := range units {
		require.NoError(t, cu.Err)
	}
	require.Equal(t, dwarf.TagSubprogram, units[0].Root.Children[0].Tag)
	require.Equal(t, dwarf.TagBaseType, units[1].Root.Children[0].Tag)
	require.Equal(t, "long", units[1].Root.Children[0].Name())
}

func TestAbbrevOffsetZero(t *testing.T) {
	units := parse(t, build(t, separateTables()), info.Options{AbbrevOffsetZero: true})
	require.Len(t, units, 2)
	require.NoError(t, units[0].Err)
	// code 2 means DW_TAG_subprogram in the first table
	require.Equal(t, dwarf.TagSubprogram, units[1].Root.Children[0].Tag)
}

func TestDWARF5Header(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(5, 8)
	b.AddCompileUnit("v5.c", producer, "/src", 0x1d, 0)
	b.AddBaseType("int", 5, 4)

	units := parse(t, build(t, b), info.Options{})
	require.Len(t, units, 1)
	h := units[0].Header
	require.Equal(t, uint16(5), h.Version)
	require.Equal(t, uint8(info.DW_UT_compile), h.UnitType)
	require.Equal(t, uint8(8), h.AddrSize)
	require.Equal(t, uint64(0), h.AbbrevOffset)
	require.Equal(t, producer, units[0].Producer())
	require.Len(t, units[0].Root.Children, 1)
}

func TestStrpResolution(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("s.c", producer, "/src", 0x0c, 0)
	sec := build(t, b)

	units := parse(t, sec, info.Options{StringCacheSize: 2})
	v, ok := units[0].Root.Val(dwarf.AttrProducer)
	require.True(t, ok)
	off, isOff := v.StrOffset()
	require.True(t, isOff)
	require.Equal(t, uint64(0), off)
	s, err := v.Str()
	require.NoError(t, err)
	require.Equal(t, producer, s)

	// without .debug_str the attribute is still decoded, it just cannot
	// be resolved
	sec.Str = nil
	units = parse(t, sec, info.Options{})
	v, ok = units[0].Root.Val(dwarf.AttrProducer)
	require.True(t, ok)
	_, err = v.Str()
	require.True(t, errors.Is(err, strtab.ErrNoSection))
	require.Equal(t, "", units[0].Producer())
}

func TestMalformedBlock(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("m.c", producer, "/src", 0x0c, 0)
	b.TagOpen(dwarf.TagVariable, "v")
	b.Attr(dwarf.AttrLocation, dwarfbuilder.Raw{Form: dwarfbuilder.DW_FORM_block4, Data: []byte{0xff, 0xff, 0, 0}})
	b.Attr(dwarf.AttrByteSize, uint8(4))
	b.TagClose()

	units := parse(t, build(t, b), info.Options{})
	cu := units[0]
	require.NoError(t, cu.Err)
	v := cu.FindByTag(dwarf.TagVariable)[0]
	_, ok := v.Val(dwarf.AttrLocation)
	require.False(t, ok)
	sz, ok := v.Uint(dwarf.AttrByteSize)
	require.True(t, ok)
	require.Equal(t, uint64(4), sz)
	require.Equal(t, "v", v.Name())
}

func TestUnknownAbbrevCode(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("u.c", producer, "/src", 0x0c, 0)
	b.AddBaseType("int", 5, 4)
	b.WriteInfo([]byte{0x7f})
	b.StartUnit(4, 8)
	b.AddCompileUnit("next.c", producer, "/src", 0x0c, 0)

	units := parse(t, build(t, b), info.Options{})
	require.Len(t, units, 2)
	require.True(t, errors.Is(units[0].Err, info.ErrUnknownAbbrev))
	require.True(t, units[0].Partial())
	require.Len(t, units[0].Root.Children, 1)
	require.NoError(t, units[1].Err)
	require.Equal(t, "next.c", units[1].Name())
}

func TestIndirectFormPartialUnit(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("i.c", producer, "/src", 0x0c, 0)
	b.TagOpen(dwarf.TagBaseType, "int")
	b.Attr(dwarf.AttrByteSize, dwarfbuilder.Raw{Form: dwarfbuilder.DW_FORM_indirect, Data: []byte{0x0b, 4}})
	b.TagClose()

	units := parse(t, build(t, b), info.Options{})
	cu := units[0]
	require.True(t, errors.Is(cu.Err, info.ErrUnsupportedForm))
	require.Len(t, cu.Root.Children, 1)
	require.Equal(t, "int", cu.Root.Children[0].Name())
}

func TestTruncatedSection(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("t.c", producer, "/src", 0x0c, 0)
	b.AddSubprogram("main", 0x1000, 0x1040)
	b.TagClose()
	sec := build(t, b)
	sec.Info = sec.Info[:len(sec.Info)-5]

	units, err := info.Parse(sec, info.Options{})
	require.True(t, errors.Is(err, info.ErrTruncated))
	require.Len(t, units, 1)
	require.True(t, units[0].Partial())
	require.NotNil(t, units[0].Root)
	require.Equal(t, "t.c", units[0].Name())
}

func TestSkip64BitUnit(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(4, 8)
	b.AddCompileUnit("after.c", producer, "/src", 0x0c, 0)
	sec := build(t, b)

	var prefix []byte
	prefix = append(prefix, 0xff, 0xff, 0xff, 0xff)
	prefix = binary.LittleEndian.AppendUint64(prefix, 2)
	prefix = append(prefix, 4, 0)
	sec.Info = append(prefix, sec.Info...)

	units := parse(t, sec, info.Options{})
	require.Len(t, units, 2)
	require.True(t, errors.Is(units[0].Err, info.ErrBadUnitHeader))
	require.Nil(t, units[0].Root)
	require.NoError(t, units[1].Err)
	require.Equal(t, "after.c", units[1].Name())
}

func TestEmptySections(t *testing.T) {
	units, err := info.Parse(info.Sections{}, info.Options{})
	require.NoError(t, err)
	require.Empty(t, units)
}

func TestImplicitConstAttribute(t *testing.T) {
	b := dwarfbuilder.New()
	b.StartUnit(5, 8)
	b.AddCompileUnit("c.c", producer, "/src", 0x1d, 0)
	b.TagOpen(dwarf.TagVariable, "a")
	b.Attr(dwarf.AttrDeclFile, dwarfbuilder.ImplicitConst(1))
	b.TagClose()
	b.TagOpen(dwarf.TagVariable, "b")
	b.Attr(dwarf.AttrDeclFile, dwarfbuilder.ImplicitConst(1))
	b.TagClose()

	units := parse(t, build(t, b), info.Options{})
	vars := units[0].FindByTag(dwarf.TagVariable)
	require.Len(t, vars, 2)
	for _, v := range vars {
		f, ok := v.Uint(dwarf.AttrDeclFile)
		require.True(t, ok)
		require.Equal(t, uint64(1), f)
	}
}

func TestParseGoUnit(t *testing.T) {
	b := dwarfbuilder.NewGo()
	b.Attr(dwarf.AttrProducer, "Go cmd/compile go1.21.5; regabi")
	b.AddSubprogram("main.main", 0x47e0a0, 0x47e100)
	b.TagClose()

	units := parse(t, build(t, b), info.Options{})
	require.Len(t, units, 1)
	cu := units[0]
	require.NoError(t, cu.Err)
	require.Equal(t, "go", cu.Name())
	require.Equal(t, "Go cmd/compile go1.21.5; regabi", cu.Producer())
	lang, ok := cu.Language()
	require.True(t, ok)
	require.Equal(t, uint64(22), lang)
	require.Len(t, cu.FindByTag(dwarf.TagSubprogram), 1)
}
