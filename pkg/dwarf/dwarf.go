// Package dwarf decodes the debugging information of an executable into
// compilation unit trees and line tables, and answers the queries made
// against them.
package dwarf

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/binscan/binscan/pkg/dwarf/info"
	"github.com/binscan/binscan/pkg/dwarf/line"
	"github.com/binscan/binscan/pkg/dwarf/strtab"
	"github.com/binscan/binscan/pkg/logflags"
)

// Sections holds the raw DWARF sections of an executable. Absent sections
// are nil. The slices must stay valid for as long as the Data built from
// them is used.
type Sections struct {
	Abbrev  []byte
	Info    []byte
	Str     []byte
	LineStr []byte
	Line    []byte
}

// Empty reports whether s has no debugging information at all.
func (s Sections) Empty() bool {
	return len(s.Info) == 0 && len(s.Line) == 0
}

// Options configures Load.
type Options struct {
	ByteOrder binary.ByteOrder
	// Normalize is applied to line table addresses.
	Normalize          line.Normalizer
	StringCacheSize    int
	NormalizeBackslash bool
	AbbrevOffsetZero   bool
}

// Data is the decoded debugging information of one executable.
type Data struct {
	// ByteOrder of the sections.
	ByteOrder binary.ByteOrder

	Units []*info.CompileUnit
	Lines line.DebugLines
	// InfoErr is set when .debug_info could not be walked to its end.
	// The units before the failure are still in Units.
	InfoErr error

	byStmt map[uint64]*line.Table

	filesOnce sync.Once
	files     *line.FileIndex
}

// Load decodes all units and line programs in sec. Decoding errors are
// recorded on the unit or line table they affect, Load itself never
// fails.
func Load(sec Sections, opts Options) *Data {
	logger := logflags.DWARFLogger()
	d := &Data{ByteOrder: opts.ByteOrder, byStmt: make(map[uint64]*line.Table)}
	if d.ByteOrder == nil {
		d.ByteOrder = binary.LittleEndian
	}

	d.Units, d.InfoErr = info.Parse(info.Sections{
		Abbrev:  sec.Abbrev,
		Info:    sec.Info,
		Str:     sec.Str,
		LineStr: sec.LineStr,
	}, info.Options{
		ByteOrder:        opts.ByteOrder,
		StringCacheSize:  opts.StringCacheSize,
		AbbrevOffsetZero: opts.AbbrevOffsetZero,
		Logger:           logger,
	})
	if d.InfoErr != nil {
		logger.Warnf(".debug_info decoded partially, %d units: %v", len(d.Units), d.InfoErr)
	}

	compDirs := make(map[uint64]string)
	for _, cu := range d.Units {
		if off, ok := cu.StmtList(); ok {
			compDirs[off] = cu.CompDir()
		}
	}
	d.Lines = line.ParseAll(sec.Line, line.Options{
		ByteOrder:          opts.ByteOrder,
		Normalize:          opts.Normalize,
		CompDirs:           compDirs,
		NormalizeBackslash: opts.NormalizeBackslash,
		LineStrs:           strtab.New(".debug_line_str", sec.LineStr, opts.StringCacheSize),
	})
	for _, dbl := range d.Lines {
		d.byStmt[dbl.Offset] = dbl
	}
	logger.Debugf("loaded %d units, %d line programs", len(d.Units), len(d.Lines))
	return d
}

// PartialUnits returns the number of units that were not decoded
// completely.
func (d *Data) PartialUnits() int {
	n := 0
	for _, cu := range d.Units {
		if cu.Partial() {
			n++
		}
	}
	return n
}

// UnitAt returns the unit containing the .debug_info offset off.
func (d *Data) UnitAt(off uint64) *info.CompileUnit {
	i := sort.Search(len(d.Units), func(i int) bool {
		return d.Units[i].Header.End() > off
	})
	if i >= len(d.Units) || d.Units[i].Header.Offset > off {
		return nil
	}
	return d.Units[i]
}

// EntryAt resolves a reference: it returns the entry at the .debug_info
// offset off, whichever unit it belongs to.
func (d *Data) EntryAt(off uint64) *info.Entry {
	cu := d.UnitAt(off)
	if cu == nil {
		return nil
	}
	return cu.EntryAt(off)
}

// FindByTag returns the entries of every unit with the given tag.
func (d *Data) FindByTag(tag dwarf.Tag) []*info.Entry {
	var r []*info.Entry
	for _, cu := range d.Units {
		r = append(r, cu.FindByTag(tag)...)
	}
	return r
}

// Producers returns the distinct DW_AT_producer strings of all units, in
// the order they first appear.
func (d *Data) Producers() []string {
	seen := make(map[string]bool)
	var r []string
	for _, cu := range d.Units {
		p := cu.Producer()
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		r = append(r, p)
	}
	return r
}

// LineTable returns the line table of cu, nil if it has none.
func (d *Data) LineTable(cu *info.CompileUnit) *line.Table {
	off, ok := cu.StmtList()
	if !ok {
		return nil
	}
	return d.byStmt[off]
}

// Files returns the file entries of every line table.
func (d *Data) Files() []*line.FileEntry {
	return d.Lines.Files()
}

func (d *Data) fileIndex() *line.FileIndex {
	d.filesOnce.Do(func() {
		d.files = line.NewFileIndex(d.Lines)
	})
	return d.files
}

// SourcePaths returns every distinct source path, sorted.
func (d *Data) SourcePaths() []string {
	return d.fileIndex().Paths()
}

// FilesWithPrefix returns the distinct source paths starting with prefix.
func (d *Data) FilesWithPrefix(prefix string) []string {
	return d.fileIndex().WithPrefix(prefix)
}

// FuzzyFiles returns the source paths containing the characters of s in
// order.
func (d *Data) FuzzyFiles(s string) []string {
	return d.fileIndex().Fuzzy(s)
}

// LookupFile returns the file entries whose path is p.
func (d *Data) LookupFile(p string) []*line.FileEntry {
	return d.fileIndex().Lookup(p)
}

// PCToLine returns the line table row covering the normalized address pc.
func (d *Data) PCToLine(pc uint64) (*line.Row, bool) {
	return d.Lines.PCToLine(pc)
}

// Location formats a row as file:line:column.
func Location(row *line.Row) string {
	if row == nil {
		return "??:0"
	}
	file := "??"
	if row.File != nil {
		file = row.File.Path
	}
	if row.Column == 0 {
		return fmt.Sprintf("%s:%d", file, row.Line)
	}
	return fmt.Sprintf("%s:%d:%d", file, row.Line, row.Column)
}
