package cmds

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/binscan/binscan/pkg/config"
	"github.com/binscan/binscan/pkg/dwarf"
	"github.com/binscan/binscan/pkg/dwarf/info"
	"github.com/binscan/binscan/pkg/dwarf/line"
	"github.com/binscan/binscan/pkg/dwarf/op"
	"github.com/binscan/binscan/pkg/scanner"
)

const (
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiReset  = "\033[0m"
)

func paint(color bool, code, s string) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func printReports(w io.Writer, reports []*scanner.Report, format string, color bool) error {
	if format == config.OutputYAML {
		buf, err := yaml.Marshal(reports)
		if err != nil {
			return err
		}
		_, err = w.Write(buf)
		return err
	}
	for _, r := range reports {
		printReport(w, r, color)
	}
	return nil
}

func printReport(w io.Writer, r *scanner.Report, color bool) {
	if r.Err != nil {
		fmt.Fprintf(w, "%s: %s\n", paint(color, ansiBold, r.Path), paint(color, ansiRed, r.Err.Error()))
		return
	}
	fmt.Fprintf(w, "%s (%s %s): %d units, %d partial, %d line rows, %d sources\n",
		paint(color, ansiBold, r.Path), r.Format, r.Arch, r.Units, r.PartialUnits, r.LineRows, len(r.Sources))
	for _, c := range r.Compilers {
		desc := c.String()
		if c.Language != "" {
			desc += " " + c.Language
		}
		if c.LanguageName != "" {
			desc += " [" + c.LanguageName + "]"
		}
		fmt.Fprintf(w, "\t%s x%d", paint(color, ansiBlue, desc), c.Units)
		if len(c.Flags) > 0 {
			fmt.Fprintf(w, " %s", strings.Join(c.Flags, " "))
		}
		fmt.Fprintln(w)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "\t%s\n", paint(color, ansiYellow, "warning: "+warn))
	}
}

func printUnits(w io.Writer, d *dwarf.Data, color bool) error {
	for _, cu := range d.Units {
		h := cu.Header
		fmt.Fprintf(w, "%s version=%d type=%#x abbrev=%#x addr_size=%d length=%#x\n",
			paint(color, ansiBold, fmt.Sprintf("unit %#x", h.Offset)), h.Version, h.UnitType, h.AbbrevOffset, h.AddrSize, h.Length)
		if cu.Err != nil {
			fmt.Fprintf(w, "  %s\n", paint(color, ansiRed, cu.Err.Error()))
		}
		cu.Root.Walk(func(e *info.Entry) bool {
			printEntry(w, e, d.ByteOrder, int(h.AddrSize), color)
			return true
		})
	}
	if d.InfoErr != nil {
		fmt.Fprintf(w, "%s\n", paint(color, ansiRed, d.InfoErr.Error()))
	}
	return nil
}

func printEntry(w io.Writer, e *info.Entry, order binary.ByteOrder, addrSize int, color bool) {
	indent := strings.Repeat("  ", e.Depth()+1)
	fmt.Fprintf(w, "%s<%#x> %s\n", indent, e.Offset, paint(color, ansiBlue, e.Tag.String()))
	for _, attr := range e.Fields {
		fmt.Fprintf(w, "%s  %-20s %s\n", indent, attr.String(), formatValue(e.Attrs[attr], order, addrSize))
	}
}

// formatValue prints expressions as instructions, falling back to their
// bytes when they cannot be decoded.
func formatValue(v info.Value, order binary.ByteOrder, addrSize int) string {
	if v.Class() == info.ClassExprLoc {
		if text, err := op.PrettyPrint(v.ExprLoc(), order, addrSize); err == nil {
			return text
		}
	}
	return v.String()
}

// printLines prints every row at the address the line program gives it,
// whatever normalization the scanner applied.
func printLines(w io.Writer, d *dwarf.Data, color bool) error {
	for _, tab := range d.Lines {
		title := paint(color, ansiBold, fmt.Sprintf("line program %#x", tab.Offset))
		if p := tab.Prologue; p != nil {
			fmt.Fprintf(w, "%s version=%d min_inst=%d line_base=%d line_range=%d opcode_base=%d\n",
				title, p.Version, p.MinInstrLength, p.LineBase, p.LineRange, p.OpcodeBase)
		} else {
			fmt.Fprintln(w, title)
		}
		for i, dir := range tab.IncludeDirs {
			fmt.Fprintf(w, "  dir[%d] %s\n", i, dir)
		}
		for i, f := range tab.FileNames {
			fmt.Fprintf(w, "  file[%d] %s\n", i, f.Path)
		}
		for _, row := range tab.Rows {
			fmt.Fprintf(w, "  %#016x %s%s\n", row.LinkAddress, dwarf.Location(row), rowFlags(row))
		}
		if tab.Err != nil {
			fmt.Fprintf(w, "  %s\n", paint(color, ansiRed, tab.Err.Error()))
		}
	}
	return nil
}

func rowFlags(row *line.Row) string {
	var flags []string
	if row.IsStmt {
		flags = append(flags, "is_stmt")
	}
	if row.BasicBlock {
		flags = append(flags, "basic_block")
	}
	if row.PrologueEnd {
		flags = append(flags, "prologue_end")
	}
	if row.EpilogueBegin {
		flags = append(flags, "epilogue_begin")
	}
	if row.EndSequence {
		flags = append(flags, "end_sequence")
	}
	if row.Discriminator != 0 {
		flags = append(flags, fmt.Sprintf("discriminator=%d", row.Discriminator))
	}
	if len(flags) == 0 {
		return ""
	}
	return " " + strings.Join(flags, " ")
}
