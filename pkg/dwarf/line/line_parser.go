// Package line decodes the line number programs of .debug_line into
// per-file tables of rows mapping addresses to source positions.
package line

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/binscan/binscan/pkg/dwarf/strtab"
	"github.com/binscan/binscan/pkg/dwarf/util"
	"github.com/binscan/binscan/pkg/logflags"
)

var (
	// ErrBadHeader is recorded for program headers that cannot be used to
	// run the program.
	ErrBadHeader = errors.New("bad line program header")
	// ErrUnknownOpcode is recorded when a standard opcode has no known
	// meaning. It stops the program it was found in.
	ErrUnknownOpcode = errors.New("unknown line program opcode")
	// ErrTruncated is recorded when a program ends in the middle of an
	// instruction or extends past the end of the section.
	ErrTruncated = errors.New("truncated line program")
)

// DebugLinePrologue prologue of .debug_line data.
type DebugLinePrologue struct {
	UnitLength     uint32
	Version        uint16
	AddrSize       uint8
	Length         uint32
	MinInstrLength uint8
	MaxOpPerInstr  uint8
	InitialIsStmt  uint8
	LineBase       int8
	LineRange      uint8
	OpcodeBase     uint8
	StdOpLengths   []uint8
}

// FileEntry file entry in File Name Table.
type FileEntry struct {
	// Path is Name joined with its directory, unless Name is absolute.
	Path        string
	Name        string
	Dir         string
	DirIdx      uint64
	LastModTime uint64
	Length      uint64
	// Lines are the rows attributed to this file, in program order.
	Lines []*Row
}

// Table is one decoded line number program.
type Table struct {
	// Offset of the program in .debug_line, the value DW_AT_stmt_list
	// uses to refer to it.
	Offset      uint64
	Prologue    *DebugLinePrologue
	IncludeDirs []string
	// FileNames holds the file table of the header followed by the files
	// added by DW_LNE_define_file.
	FileNames []*FileEntry
	// Rows is the line number matrix, every sequence terminated by a row
	// with EndSequence set.
	Rows []*Row
	// Err is the reason the program stopped before its end.
	Err error

	normalizeBackslash bool
	lineStrs           *strtab.Table
	logger             logflags.Logger
}

// DebugLines is every program found in a .debug_line section.
type DebugLines []*Table

// Options configures ParseAll.
type Options struct {
	// ByteOrder of the executable, little endian if nil.
	ByteOrder binary.ByteOrder
	// Normalize is applied to every row address once a program has been
	// run. Identity if nil.
	Normalize Normalizer
	// CompDirs maps program offsets to the DW_AT_comp_dir of the unit
	// using them, which DWARF 2 to 4 programs refer to as directory 0.
	CompDirs map[uint64]string
	// NormalizeBackslash converts all backslashes in paths to forward
	// slashes.
	NormalizeBackslash bool
	// LineStrs resolves DW_FORM_line_strp in DWARF 5 headers.
	LineStrs *strtab.Table
	Logger   logflags.Logger
}

// ParseAll parses all debug_line segments found in data. A program that
// fails records its error in Table.Err; programs after it are still parsed
// as long as its length can be trusted.
func ParseAll(data []byte, opts Options) DebugLines {
	if opts.Logger == nil {
		opts.Logger = logflags.LineLogger()
	}
	lines := make(DebugLines, 0)
	buf := util.MakeBuf(".debug_line", opts.ByteOrder, data)
	for buf.Len() > 0 {
		dbl, next := parse(buf, &opts)
		lines = append(lines, dbl)
		if dbl.Err != nil {
			opts.Logger.WithField("offset", fmt.Sprintf("%#x", dbl.Offset)).Warnf("line program stopped after %d rows: %v", len(dbl.Rows), dbl.Err)
		}
		if next < 0 {
			break
		}
		buf.Seek(next)
	}
	return lines
}

// Parse parses the single program at off.
func Parse(data []byte, off uint64, opts Options) *Table {
	if opts.Logger == nil {
		opts.Logger = logflags.LineLogger()
	}
	buf := util.MakeBuf(".debug_line", opts.ByteOrder, data)
	buf.Seek(int(off))
	dbl, _ := parse(buf, &opts)
	return dbl
}

// parse decodes and runs the program at the cursor, returning the offset
// of the next program or -1 if the section cannot be walked any further.
func parse(buf *util.Buf, opts *Options) (*Table, int) {
	start := uint64(buf.Off())
	dbl := &Table{
		Offset:             start,
		normalizeBackslash: opts.NormalizeBackslash,
		lineStrs:           opts.LineStrs,
		logger:             opts.Logger.WithField("offset", fmt.Sprintf("%#x", start)),
	}
	if buf.Len() < 4 {
		dbl.Err = fmt.Errorf("program at %#x: %w", start, ErrTruncated)
		return dbl, -1
	}
	length := uint64(buf.Uint32())
	if length == 0xffffffff {
		length = buf.Uint64()
		next := start + 12 + length
		if buf.Err != nil || next > uint64(len(buf.Data())) || next < start {
			dbl.Err = fmt.Errorf("program at %#x: %w", start, ErrTruncated)
			return dbl, -1
		}
		dbl.Err = fmt.Errorf("64-bit DWARF program at %#x: %w", start, ErrBadHeader)
		return dbl, int(next)
	}
	if length >= 0xfffffff0 {
		dbl.Err = fmt.Errorf("program at %#x: reserved length %#x: %w", start, length, ErrBadHeader)
		return dbl, -1
	}

	end := start + 4 + length
	next := int(end)
	if end > uint64(len(buf.Data())) {
		end = uint64(len(buf.Data()))
		next = -1
		dbl.Err = fmt.Errorf("program at %#x declares %#x bytes: %w", start, length, ErrTruncated)
	}
	pb := util.MakeBuf(buf.Name(), buf.Order(), buf.Data()[:end])
	pb.Seek(buf.Off())

	dbl.Prologue = &DebugLinePrologue{UnitLength: uint32(length)}
	compDir := opts.CompDirs[start]
	if err := dbl.parsePrologue(pb, compDir); err != nil {
		if dbl.Err == nil {
			dbl.Err = err
		}
		return dbl, next
	}

	err := dbl.run(pb)
	if err != nil && dbl.Err == nil {
		dbl.Err = err
	}
	dbl.normalize(opts.Normalize)
	return dbl, next
}

func (dbl *Table) parsePrologue(buf *util.Buf, compDir string) error {
	p := dbl.Prologue
	p.Version = buf.Uint16()
	if buf.Err != nil {
		return fmt.Errorf("program at %#x: %w", dbl.Offset, ErrTruncated)
	}
	if p.Version < 2 || p.Version > 5 {
		return fmt.Errorf("program at %#x: version %d: %w", dbl.Offset, p.Version, ErrBadHeader)
	}
	if p.Version >= 5 {
		p.AddrSize = buf.Uint8()
		buf.Uint8() // segment_selector_size
	}
	p.Length = buf.Uint32()
	programStart := buf.Off() + int(p.Length)

	p.MinInstrLength = buf.Uint8()
	p.MaxOpPerInstr = 1
	if p.Version >= 4 {
		p.MaxOpPerInstr = buf.Uint8()
	}
	p.InitialIsStmt = buf.Uint8()
	p.LineBase = int8(buf.Uint8())
	p.LineRange = buf.Uint8()
	p.OpcodeBase = buf.Uint8()
	if buf.Err != nil {
		return fmt.Errorf("program at %#x: %w", dbl.Offset, ErrTruncated)
	}
	if p.LineRange == 0 || p.OpcodeBase == 0 || p.MaxOpPerInstr == 0 {
		return fmt.Errorf("program at %#x: line_range %d, opcode_base %d, max_ops %d: %w", dbl.Offset, p.LineRange, p.OpcodeBase, p.MaxOpPerInstr, ErrBadHeader)
	}
	p.StdOpLengths = make([]uint8, p.OpcodeBase-1)
	for i := range p.StdOpLengths {
		p.StdOpLengths[i] = buf.Uint8()
	}

	if p.Version >= 5 {
		if err := dbl.parseIncludeDirs5(buf); err != nil {
			return err
		}
		if err := dbl.parseFileEntries5(buf); err != nil {
			return err
		}
	} else {
		dbl.IncludeDirs = append(dbl.IncludeDirs, dbl.fixSlashes(compDir))
		dbl.parseIncludeDirs2(buf)
		dbl.parseFileEntries2(buf)
	}
	if buf.Err != nil {
		return fmt.Errorf("program at %#x: header: %w", dbl.Offset, ErrTruncated)
	}
	if programStart < buf.Off() || programStart > len(buf.Data()) {
		return fmt.Errorf("program at %#x: header length %#x: %w", dbl.Offset, p.Length, ErrBadHeader)
	}
	// skip header fields added by later versions
	buf.Seek(programStart)
	return nil
}

// parseIncludeDirs2 parses the directory table for DWARF version 2 through 4.
func (dbl *Table) parseIncludeDirs2(buf *util.Buf) {
	for buf.Err == nil {
		str := buf.CString()
		if str == "" {
			break
		}
		dbl.IncludeDirs = append(dbl.IncludeDirs, dbl.includeDir(str))
	}
}

// parseFileEntries2 parses the file table for DWARF 2 through 4
func (dbl *Table) parseFileEntries2(buf *util.Buf) {
	for buf.Err == nil {
		entry := dbl.readFileEntry(buf)
		if entry == nil {
			break
		}
		dbl.FileNames = append(dbl.FileNames, entry)
	}
}

// readFileEntry reads an entry in the DWARF 2 to 4 layout, shared with
// DW_LNE_define_file. An empty name ends the table and returns nil.
func (dbl *Table) readFileEntry(buf *util.Buf) *FileEntry {
	name := buf.CString()
	if name == "" || buf.Err != nil {
		return nil
	}
	entry := &FileEntry{Name: name}
	entry.DirIdx = buf.ULEB()
	entry.LastModTime = buf.ULEB()
	entry.Length = buf.ULEB()
	dbl.resolvePath(entry, int64(entry.DirIdx))
	return entry
}

func (dbl *Table) parseIncludeDirs5(buf *util.Buf) error {
	rdr := readEntryFormat(buf, dbl.logger)
	if rdr == nil {
		return fmt.Errorf("program at %#x: directory format: %w", dbl.Offset, ErrTruncated)
	}
	count := buf.ULEB()
	if err := dbl.checkEntryCount(rdr, count, buf, "directory table"); err != nil {
		return err
	}
	for i := uint64(0); i < count && buf.Err == nil; i++ {
		rdr.reset()
		dir := ""
		for rdr.next(buf) {
			if rdr.contentType == _DW_LNCT_path {
				dir = dbl.entryString(rdr)
			}
		}
		if rdr.err != nil {
			return fmt.Errorf("program at %#x: directory table: %w", dbl.Offset, rdr.err)
		}
		if i == 0 {
			dbl.IncludeDirs = append(dbl.IncludeDirs, dbl.fixSlashes(dir))
		} else {
			dbl.IncludeDirs = append(dbl.IncludeDirs, dbl.includeDir(dir))
		}
	}
	return nil
}

func (dbl *Table) parseFileEntries5(buf *util.Buf) error {
	rdr := readEntryFormat(buf, dbl.logger)
	if rdr == nil {
		return fmt.Errorf("program at %#x: file name format: %w", dbl.Offset, ErrTruncated)
	}
	count := buf.ULEB()
	if err := dbl.checkEntryCount(rdr, count, buf, "file table"); err != nil {
		return err
	}
	for i := uint64(0); i < count && buf.Err == nil; i++ {
		rdr.reset()
		entry := new(FileEntry)
		diridx := int64(-1)
		for rdr.next(buf) {
			switch rdr.contentType {
			case _DW_LNCT_path:
				entry.Name = dbl.entryString(rdr)
			case _DW_LNCT_directory_index:
				diridx = int64(rdr.u64)
				entry.DirIdx = rdr.u64
			case _DW_LNCT_timestamp:
				entry.LastModTime = rdr.u64
			case _DW_LNCT_size:
				entry.Length = rdr.u64
			case _DW_LNCT_MD5:
				// not used
			}
		}
		if rdr.err != nil {
			return fmt.Errorf("program at %#x: file table: %w", dbl.Offset, rdr.err)
		}
		dbl.resolvePath(entry, diridx)
		dbl.FileNames = append(dbl.FileNames, entry)
	}
	return nil
}

// checkEntryCount rejects DWARF 5 tables whose entries cannot fit in the
// rest of the header. Every form takes at least one byte, an entry format
// without fields takes none.
func (dbl *Table) checkEntryCount(rdr *formReader, count uint64, buf *util.Buf, what string) error {
	if count == 0 {
		return nil
	}
	if len(rdr.contentTypes) == 0 {
		return fmt.Errorf("program at %#x: %s: %d entries with an empty format: %w", dbl.Offset, what, count, ErrBadHeader)
	}
	if count > uint64(buf.Len()) {
		return fmt.Errorf("program at %#x: %s: %d entries in %d bytes: %w", dbl.Offset, what, count, buf.Len(), ErrBadHeader)
	}
	return nil
}

func (dbl *Table) entryString(rdr *formReader) string {
	switch rdr.formCode {
	case _DW_FORM_string:
		return rdr.str
	case _DW_FORM_line_strp:
		s, err := dbl.lineStrs.StringAt(rdr.u64)
		if err != nil {
			dbl.logger.Warnf("path at .debug_line_str+%#x: %v", rdr.u64, err)
		}
		return s
	default:
		dbl.logger.Warnf("unsupported string form %#x", rdr.formCode)
		return ""
	}
}

func (dbl *Table) fixSlashes(s string) string {
	if dbl.normalizeBackslash {
		return strings.ReplaceAll(s, "\\", "/")
	}
	return s
}

// includeDir resolves a directory relative to directory 0, the
// compilation directory.
func (dbl *Table) includeDir(dir string) string {
	dir = dbl.fixSlashes(dir)
	if pathIsAbs(dir) || len(dbl.IncludeDirs) == 0 || dbl.IncludeDirs[0] == "" {
		return dir
	}
	return path.Join(dbl.IncludeDirs[0], dir)
}

func (dbl *Table) resolvePath(entry *FileEntry, diridx int64) {
	entry.Name = dbl.fixSlashes(entry.Name)
	entry.Path = entry.Name
	if diridx >= 0 && diridx < int64(len(dbl.IncludeDirs)) {
		entry.Dir = dbl.IncludeDirs[diridx]
	}
	if !pathIsAbs(entry.Name) && entry.Dir != "" {
		entry.Path = path.Join(entry.Dir, entry.Name)
	}
}

// pathIsAbs returns true if this is an absolute path.
// We can not use path.IsAbs because it will not recognize windows paths as
// absolute. We also can not use filepath.Abs because we want this
// processing to be independent of the host operating system (we could be
// reading an executable file produced on windows on a unix machine or vice
// versa).
func pathIsAbs(s string) bool {
	if len(s) >= 1 && s[0] == '/' {
		return true
	}
	if len(s) >= 2 && s[1] == ':' && (('a' <= s[0] && s[0] <= 'z') || ('A' <= s[0] && s[0] <= 'Z')) {
		return true
	}
	return false
}

// fileAt returns the entry a DW_LNS_set_file operand refers to, nil if
// the index is out of range. DWARF 5 numbers files from 0, earlier
// versions from 1.
func (dbl *Table) fileAt(i uint64) *FileEntry {
	if dbl.Prologue.Version < 5 {
		if i == 0 {
			return nil
		}
		i--
	}
	if i < uint64(len(dbl.FileNames)) {
		return dbl.FileNames[i]
	}
	return nil
}
