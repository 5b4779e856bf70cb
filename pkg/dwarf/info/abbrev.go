package info

import (
	"debug/dwarf"
	"fmt"
	"sort"

	"github.com/binscan/binscan/pkg/dwarf/util"
)

// AttrSpec is one (attribute, form) pair of an abbreviation declaration.
type AttrSpec struct {
	Attr dwarf.Attr
	Form Form
	// ImplicitConst is the value of a DW_FORM_implicit_const attribute,
	// stored in the abbreviation rather than in the entry.
	ImplicitConst int64
}

// Abbrev is the schema of every entry using its code.
type Abbrev struct {
	Code     uint64
	Tag      dwarf.Tag
	Children bool
	Attrs    []AttrSpec
	// Offset is the start of the abbreviation table this declaration
	// belongs to.
	Offset uint64
}

// AbbrevTable holds one segment of .debug_abbrev, keyed by code.
type AbbrevTable map[uint64]*Abbrev

// Abbrevs is the decoded .debug_abbrev section: every table, keyed by the
// section offset where it starts.
type Abbrevs struct {
	data   []byte
	tables map[uint64]AbbrevTable
	order  []uint64
	errs   map[uint64]error
}

// ParseAbbrevs decodes every table in data. Tables are laid out back to
// back, each terminated by a zero code. A truncated table keeps the
// declarations read before the truncation; the error is returned alongside
// the tables parsed so far.
func ParseAbbrevs(data []byte) (*Abbrevs, error) {
	a := &Abbrevs{
		data:   data,
		tables: make(map[uint64]AbbrevTable),
		errs:   make(map[uint64]error),
	}
	buf := util.MakeBuf(".debug_abbrev", nil, data)
	for buf.Len() > 0 {
		off := uint64(buf.Off())
		tab, err := readAbbrevTable(buf)
		a.tables[off] = tab
		a.order = append(a.order, off)
		if err != nil {
			a.errs[off] = err
			return a, err
		}
	}
	return a, nil
}

// Table returns the abbreviation table starting at off. Offsets that do
// not coincide with the start of a table found while scanning the section
// sequentially are decoded on demand.
func (a *Abbrevs) Table(off uint64) (AbbrevTable, error) {
	if a == nil {
		return nil, fmt.Errorf("no abbreviation section: %w", ErrBadUnitHeader)
	}
	if tab, ok := a.tables[off]; ok {
		return tab, a.errs[off]
	}
	if off >= uint64(len(a.data)) {
		return nil, fmt.Errorf("abbreviation offset %#x out of range: %w", off, ErrBadUnitHeader)
	}
	buf := util.MakeBuf(".debug_abbrev", nil, a.data)
	buf.Seek(int(off))
	tab, err := readAbbrevTable(buf)
	a.tables[off] = tab
	a.order = append(a.order, off)
	if err != nil {
		a.errs[off] = err
	}
	return tab, err
}

// Offsets returns the offsets of all known tables, in ascending order.
func (a *Abbrevs) Offsets() []uint64 {
	r := append([]uint64(nil), a.order...)
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// All returns every declaration, ordered by table offset and then by code.
func (a *Abbrevs) All() []*Abbrev {
	var r []*Abbrev
	for _, off := range a.Offsets() {
		tab := a.tables[off]
		codes := make([]uint64, 0, len(tab))
		for code := range tab {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		for _, code := range codes {
			r = append(r, tab[code])
		}
	}
	return r
}

func readAbbrevTable(buf *util.Buf) (AbbrevTable, error) {
	off := uint64(buf.Off())
	tab := make(AbbrevTable)
	for {
		code := buf.ULEB()
		if buf.Err != nil {
			return tab, buf.Err
		}
		if code == 0 {
			return tab, nil
		}
		abbrev := &Abbrev{Code: code, Offset: off}
		abbrev.Tag = dwarf.Tag(buf.ULEB())
		abbrev.Children = buf.Uint8() != 0
		for {
			attr := buf.ULEB()
			form := Form(buf.ULEB())
			if buf.Err != nil {
				return tab, buf.Err
			}
			if attr == 0 && form == 0 {
				break
			}
			spec := AttrSpec{Attr: dwarf.Attr(attr), Form: form}
			if form == DW_FORM_implicit_const {
				spec.ImplicitConst = buf.SLEB()
			}
			abbrev.Attrs = append(abbrev.Attrs, spec)
		}
		if buf.Err != nil {
			return tab, buf.Err
		}
		if _, dup := tab[code]; !dup {
			tab[code] = abbrev
		}
	}
}
