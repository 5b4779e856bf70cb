package provenance

import "fmt"

// DW_LANG values, DWARF 5 section 7.12 plus common vendor extensions.
var languageNames = map[uint64]string{
	0x0001: "C89",
	0x0002: "C",
	0x0003: "Ada83",
	0x0004: "C++",
	0x0005: "Cobol74",
	0x0006: "Cobol85",
	0x0007: "Fortran77",
	0x0008: "Fortran90",
	0x0009: "Pascal83",
	0x000a: "Modula2",
	0x000b: "Java",
	0x000c: "C99",
	0x000d: "Ada95",
	0x000e: "Fortran95",
	0x000f: "PLI",
	0x0010: "ObjC",
	0x0011: "ObjC++",
	0x0012: "UPC",
	0x0013: "D",
	0x0014: "Python",
	0x0015: "OpenCL",
	0x0016: "Go",
	0x0017: "Modula3",
	0x0018: "Haskell",
	0x0019: "C++03",
	0x001a: "C++11",
	0x001b: "OCaml",
	0x001c: "Rust",
	0x001d: "C11",
	0x001e: "Swift",
	0x001f: "Julia",
	0x0020: "Dylan",
	0x0021: "C++14",
	0x0022: "Fortran03",
	0x0023: "Fortran08",
	0x0024: "RenderScript",
	0x0025: "BLISS",
	0x0026: "Kotlin",
	0x0027: "Zig",
	0x0028: "Crystal",
	0x002a: "C++17",
	0x002b: "C++20",
	0x002c: "C17",
	0x002d: "Fortran18",
	0x002e: "Ada2005",
	0x002f: "Ada2012",
	0x8001: "Mips_Assembler",
	0x8e57: "GOOGLE_RenderScript",
	0xb000: "BORLAND_Delphi",
}

// LanguageName returns the name of a DW_AT_language value.
func LanguageName(lang uint64) string {
	if name, ok := languageNames[lang]; ok {
		return name
	}
	return fmt.Sprintf("DW_LANG(%#x)", lang)
}
