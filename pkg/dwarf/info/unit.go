// Package info decodes the .debug_info section into trees of debugging
// information entries, one per compilation unit.
package info

import (
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/binscan/binscan/pkg/dwarf/strtab"
	"github.com/binscan/binscan/pkg/dwarf/util"
	"github.com/binscan/binscan/pkg/logflags"
)

// Unit types introduced by DWARF 5 (section 7.5.1).
const (
	DW_UT_compile       = 0x01
	DW_UT_type          = 0x02
	DW_UT_partial       = 0x03
	DW_UT_skeleton      = 0x04
	DW_UT_split_compile = 0x05
	DW_UT_split_type    = 0x06
)

// UnitHeader is the fixed part at the start of every unit.
type UnitHeader struct {
	// Offset of the header in .debug_info. References local to the unit
	// are relative to it.
	Offset uint64
	// Length of the unit, not counting the length field itself.
	Length       uint64
	Version      uint16
	UnitType     uint8
	AbbrevOffset uint64
	AddrSize     uint8
}

// End returns the offset of the first byte after the unit.
func (h UnitHeader) End() uint64 { return h.Offset + 4 + h.Length }

// CompileUnit is one decoded unit of .debug_info.
type CompileUnit struct {
	Header UnitHeader
	// Root is the first top level entry, normally a DW_TAG_compile_unit.
	// It is nil if not even the root could be decoded.
	Root *Entry
	// Entries counts the entries decoded, null entries excluded.
	Entries int
	// Err is the reason decoding stopped early, nil for a complete unit.
	// Whatever was decoded before the error is still available from Root.
	Err error

	indexOnce sync.Once
	index     map[uint64]*Entry
}

// Partial reports whether the unit was not decoded completely.
func (cu *CompileUnit) Partial() bool { return cu.Err != nil }

// Sections holds the raw contents of the sections the decoder reads.
// Missing sections are nil.
type Sections struct {
	Abbrev  []byte
	Info    []byte
	Str     []byte
	LineStr []byte
}

// Options configures Parse.
type Options struct {
	// ByteOrder of the executable, little endian if nil.
	ByteOrder binary.ByteOrder
	// StringCacheSize is the number of resolved .debug_str strings to keep.
	StringCacheSize int
	// AbbrevOffsetZero resolves abbreviation codes of every unit against
	// the table at offset 0, regardless of the unit's declared offset. It
	// reproduces the behavior of older tools and is wrong for executables
	// with more than one abbreviation table.
	AbbrevOffsetZero bool
	Logger           logflags.Logger
}

// Parse decodes every unit in sec.Info. Units are independent: an error in
// one unit is recorded in its Err field and decoding continues with the
// next unit. The returned error is only set if the section itself could not
// be walked to the end, in which case the units decoded so far are still
// returned.
func Parse(sec Sections, opts Options) ([]*CompileUnit, error) {
	if len(sec.Info) == 0 {
		return nil, nil
	}
	if opts.Logger == nil {
		opts.Logger = logflags.DWARFLogger()
	}
	abbrevs, err := ParseAbbrevs(sec.Abbrev)
	if err != nil {
		opts.Logger.Warnf("abbreviation section is truncated: %v", err)
	}
	strs := strtab.New(".debug_str", sec.Str, opts.StringCacheSize)
	lineStrs := strtab.New(".debug_line_str", sec.LineStr, opts.StringCacheSize)

	var units []*CompileUnit
	buf := util.MakeBuf(".debug_info", opts.ByteOrder, sec.Info)
	for buf.Len() > 0 {
		cu, next, err := parseUnit(buf, abbrevs, strs, lineStrs, &opts)
		if cu != nil {
			units = append(units, cu)
			if cu.Err != nil {
				logUnitError(opts.Logger, cu)
			}
		}
		if err != nil {
			return units, err
		}
		buf.Seek(int(next))
	}
	return units, nil
}

func logUnitError(logger logflags.Logger, cu *CompileUnit) {
	logger = logger.WithField("unit", fmt.Sprintf("%#x", cu.Header.Offset))
	var uerr *UnsupportedFormError
	if errors.As(cu.Err, &uerr) {
		logger.Errorf("unit decoded partially, decoder does not implement %v: %v", uerr.Form, cu.Err)
		return
	}
	logger.Warnf("unit decoded partially (%d entries): %v", cu.Entries, cu.Err)
}

// parseUnit decodes the unit at the cursor and returns the offset of the
// next unit. The error result is set when the section cannot be walked
// past this unit.
func parseUnit(buf *util.Buf, abbrevs *Abbrevs, strs, lineStrs *strtab.Table, opts *Options) (*CompileUnit, uint64, error) {
	start := uint64(buf.Off())
	length := uint64(buf.Uint32())
	if buf.Err != nil {
		return nil, 0, fmt.Errorf("unit header at %#x: %w", start, ErrTruncated)
	}
	if length == 0xffffffff {
		length = buf.Uint64()
		if buf.Err != nil {
			return nil, 0, fmt.Errorf("unit header at %#x: %w", start, ErrTruncated)
		}
		cu := &CompileUnit{Header: UnitHeader{Offset: start, Length: length}}
		cu.Err = fmt.Errorf("64-bit DWARF unit at %#x: %w", start, ErrBadUnitHeader)
		next := start + 12 + length
		if length > uint64(len(buf.Data())) || next > uint64(len(buf.Data())) {
			return cu, 0, fmt.Errorf("unit at %#x: %w", start, ErrTruncated)
		}
		return cu, next, nil
	}
	if length >= 0xfffffff0 {
		return nil, 0, fmt.Errorf("unit at %#x: reserved length %#x: %w", start, length, ErrBadUnitHeader)
	}

	cu := &CompileUnit{Header: UnitHeader{Offset: start, Length: length}}
	end := cu.Header.End()
	var sectionErr error
	if end > uint64(len(buf.Data())) {
		// decode what is there, there is no next unit to move to
		end = uint64(len(buf.Data()))
		cu.Err = fmt.Errorf("unit at %#x declares %#x bytes: %w", start, length, ErrTruncated)
		sectionErr = cu.Err
	}

	// The unit gets its own cursor so that a corrupt entry cannot read
	// into the next unit.
	ub := util.MakeBuf(buf.Name(), buf.Order(), buf.Data()[:end])
	ub.Seek(buf.Off())

	h := &cu.Header
	h.Version = ub.Uint16()
	switch {
	case h.Version >= 5:
		h.UnitType = ub.Uint8()
		h.AddrSize = ub.Uint8()
		h.AbbrevOffset = uint64(ub.Uint32())
		switch h.UnitType {
		case DW_UT_type, DW_UT_split_type:
			ub.Skip(8 + 4) // type signature, type offset
		case DW_UT_skeleton, DW_UT_split_compile:
			ub.Skip(8) // dwo id
		}
	default:
		h.UnitType = DW_UT_compile
		h.AbbrevOffset = uint64(ub.Uint32())
		h.AddrSize = ub.Uint8()
	}
	if ub.Err != nil {
		cu.Err = fmt.Errorf("unit header at %#x: %w", start, ErrTruncated)
		return cu, end, sectionErr
	}
	if h.Version < 2 || h.Version > 5 {
		cu.Err = fmt.Errorf("unit at %#x: version %d: %w", start, h.Version, ErrBadUnitHeader)
		return cu, end, sectionErr
	}
	switch h.AddrSize {
	case 1, 2, 4, 8:
	default:
		cu.Err = fmt.Errorf("unit at %#x: address size %d: %w", start, h.AddrSize, ErrBadUnitHeader)
		return cu, end, sectionErr
	}

	abbrevOff := h.AbbrevOffset
	if opts.AbbrevOffsetZero {
		abbrevOff = 0
	}
	tab, err := abbrevs.Table(abbrevOff)
	if tab == nil {
		cu.Err = fmt.Errorf("unit at %#x: abbreviation table %#x: %w", start, abbrevOff, err)
		return cu, end, sectionErr
	}

	u := &unitContext{
		start:    start,
		version:  h.Version,
		addrSize: int(h.AddrSize),
		strs:     strs,
		lineStrs: lineStrs,
		logger:   opts.Logger,
	}
	flat, err := readEntries(ub, tab, u)
	if err != nil && cu.Err == nil {
		cu.Err = err
	}
	roots, err := inflate(flat)
	if err != nil && cu.Err == nil {
		cu.Err = err
	}
	for _, e := range flat {
		if e != nil {
			cu.Entries++
		}
	}
	if len(roots) > 0 {
		cu.Root = roots[0]
		if len(roots) > 1 {
			opts.Logger.Debugf("unit at %#x has %d top level entries, only the first is kept", start, len(roots))
		}
	}
	return cu, end, sectionErr
}

// readEntries decodes the flat sequence of entries of a unit, null entries
// included as nil. Decoding stops at the first error and the entries read
// until then are returned with it.
func readEntries(b *util.Buf, tab AbbrevTable, u *unitContext) ([]*Entry, error) {
	var flat []*Entry
	for b.Len() > 0 {
		e, err := readEntry(b, tab, u)
		if err != nil {
			if errors.Is(err, ErrUnknownAbbrev) || e == nil {
				return flat, err
			}
			// the entry was partially decoded, keep the attributes read
			// so far but do not let it open a level of children that
			// will never be closed
			e.HasChildren = false
			return append(flat, e), err
		}
		flat = append(flat, e)
	}
	return flat, nil
}

// inflate rebuilds the entry tree from the flat sequence produced by
// readEntries. An entry with HasChildren owns every entry that follows it
// up to the null entry closing its level. A null entry at the top level
// ends the sequence.
func inflate(flat []*Entry) ([]*Entry, error) {
	var (
		roots []*Entry
		stack []*Entry
	)
	for i := 0; i < len(flat); i++ {
		e := flat[i]
		if e == nil {
			if len(stack) == 0 {
				break
			}
			stack = stack[:len(stack)-1]
			continue
		}
		if len(stack) == 0 {
			roots = append(roots, e)
		} else {
			parent := stack[len(stack)-1]
			e.Parent = parent
			parent.Children = append(parent.Children, e)
		}
		if e.HasChildren {
			stack = append(stack, e)
		}
	}
	if len(stack) > 0 {
		return roots, fmt.Errorf("%d levels left open: %w", len(stack), ErrUnbalanced)
	}
	return roots, nil
}

// EntryAt returns the entry of cu at off. It is safe to call from
// multiple goroutines.
func (cu *CompileUnit) EntryAt(off uint64) *Entry {
	if cu.Root == nil || off < cu.Header.Offset || off >= cu.Header.End() {
		return nil
	}
	cu.indexOnce.Do(func() {
		index := make(map[uint64]*Entry, cu.Entries)
		cu.Root.Walk(func(e *Entry) bool {
			index[e.Offset] = e
			return true
		})
		cu.index = index
	})
	return cu.index[off]
}

// Producer returns the DW_AT_producer attribute of the root entry.
func (cu *CompileUnit) Producer() string {
	s, _ := cu.Root.Str(dwarf.AttrProducer)
	return s
}

// Name returns the DW_AT_name attribute of the root entry.
func (cu *CompileUnit) Name() string {
	return cu.Root.Name()
}

// CompDir returns the DW_AT_comp_dir attribute of the root entry.
func (cu *CompileUnit) CompDir() string {
	s, _ := cu.Root.Str(dwarf.AttrCompDir)
	return s
}

// Language returns the DW_AT_language attribute of the root entry.
func (cu *CompileUnit) Language() (uint64, bool) {
	return cu.Root.Uint(dwarf.AttrLanguage)
}

// StmtList returns the offset of the unit's line number program.
func (cu *CompileUnit) StmtList() (uint64, bool) {
	v, ok := cu.Root.Val(dwarf.AttrStmtList)
	if !ok {
		return 0, false
	}
	switch v.Class() {
	case ClassSecOffset, ClassConstant:
		return v.u64, true
	}
	return 0, false
}
