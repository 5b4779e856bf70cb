package binfile

import (
	"debug/elf"
	"encoding/hex"
	"io"

	"github.com/binscan/binscan/pkg/dwarf/util"
	"github.com/binscan/binscan/pkg/elfwriter"
	"github.com/binscan/binscan/pkg/logflags"
)

const lcUUID = 0x1b

// BuildID returns the hex encoded GNU build ID of an ELF file or the
// LC_UUID of a Mach-O file, or the empty string if there is none.
func (f *File) BuildID() string {
	switch f.Format {
	case FormatELF:
		for _, sec := range f.elf.Sections {
			if sec.Type != elf.SHT_NOTE {
				continue
			}
			data, err := sec.Data()
			if err != nil {
				continue
			}
			if id := gnuBuildID(data, f); id != "" {
				return id
			}
		}
		for _, prog := range f.elf.Progs {
			if prog.Type != elf.PT_NOTE {
				continue
			}
			data, err := io.ReadAll(prog.Open())
			if err != nil {
				continue
			}
			if id := gnuBuildID(data, f); id != "" {
				return id
			}
		}
	case FormatMachO:
		for _, l := range f.macho.Loads {
			raw := l.Raw()
			if len(raw) >= 24 && f.ByteOrder.Uint32(raw) == lcUUID {
				return hex.EncodeToString(raw[8:24])
			}
		}
	}
	return ""
}

// gnuBuildID scans a sequence of ELF notes for NT_GNU_BUILD_ID.
func gnuBuildID(notes []byte, f *File) string {
	buf := util.MakeBuf("notes", f.ByteOrder, notes)
	for buf.Len() >= 12 {
		namesz := int(buf.Uint32())
		descsz := int(buf.Uint32())
		typ := elf.NType(buf.Uint32())
		name := buf.Bytes(align4(namesz))
		desc := buf.Bytes(align4(descsz))
		if buf.Err != nil || namesz > len(name) || descsz > len(desc) {
			logflags.LoaderLogger().Debugf("%s: malformed note: %v", f.Path, buf.Err)
			return ""
		}
		if typ == elfwriter.NT_GNU_BUILD_ID && string(name[:namesz]) == "GNU\x00" {
			return hex.EncodeToString(desc[:descsz])
		}
	}
	return ""
}

func align4(n int) int {
	return (n + 3) &^ 3
}
