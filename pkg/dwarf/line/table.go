package line

// Normalizer maps an address found in a line program to the address
// reported for it.
type Normalizer func(addr uint64) uint64

// Identity reports addresses as they appear in the program.
func Identity(addr uint64) uint64 { return addr }

// RelativeTo reports addresses as offsets from base, the address the
// image is linked at. Addresses below base are left unchanged.
func RelativeTo(base uint64) Normalizer {
	return func(addr uint64) uint64 {
		if addr < base {
			return addr
		}
		return addr - base
	}
}

func (dbl *Table) normalize(fn Normalizer) {
	if fn == nil {
		return
	}
	for _, row := range dbl.Rows {
		row.Address = fn(row.Address)
	}
}

// PCToLine returns the row whose address range contains pc. A row covers
// the addresses from its own up to the next row of its sequence.
func (dbl *Table) PCToLine(pc uint64) (*Row, bool) {
	if dbl == nil {
		return nil, false
	}
	for i := 0; i+1 < len(dbl.Rows); i++ {
		row := dbl.Rows[i]
		if row.EndSequence {
			continue
		}
		if row.Address <= pc && pc < dbl.Rows[i+1].Address {
			return row, true
		}
	}
	return nil, false
}

// LineToPC returns the first address associated with filename:lineno.
// Rows marked is_stmt are preferred; if there are none the first row for
// the line is used.
func (dbl *Table) LineToPC(filename string, lineno int) (uint64, bool) {
	if dbl == nil {
		return 0, false
	}
	var (
		fallbackPC uint64
		found      bool
	)
	for _, row := range dbl.Rows {
		if row.EndSequence || row.File == nil || row.Line != lineno || row.File.Path != filename {
			continue
		}
		if row.IsStmt {
			return row.Address, true
		}
		if !found {
			fallbackPC, found = row.Address, true
		}
	}
	return fallbackPC, found
}

// Files returns every file entry of all tables, in table order.
func (lines DebugLines) Files() []*FileEntry {
	var r []*FileEntry
	for _, dbl := range lines {
		if dbl != nil {
			r = append(r, dbl.FileNames...)
		}
	}
	return r
}

// PCToLine looks pc up in every table, returning the first match.
func (lines DebugLines) PCToLine(pc uint64) (*Row, bool) {
	for _, dbl := range lines {
		if row, ok := dbl.PCToLine(pc); ok {
			return row, true
		}
	}
	return nil, false
}

// RowCount returns the number of rows of all tables.
func (lines DebugLines) RowCount() int {
	n := 0
	for _, dbl := range lines {
		if dbl != nil {
			n += len(dbl.Rows)
		}
	}
	return n
}
