// Package provenance recovers the toolchain that produced a compilation
// unit from its DW_AT_producer and DW_AT_language attributes.
package provenance

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/binscan/binscan/pkg/config"
)

// Family identifies a compiler or assembler.
type Family string

const (
	FamilyGCC     Family = "gcc"
	FamilyGAS     Family = "gas"
	FamilyClang   Family = "clang"
	FamilyGo      Family = "go"
	FamilyGccgo   Family = "gccgo"
	FamilyRust    Family = "rustc"
	FamilyIntel   Family = "icc"
	FamilySwift   Family = "swift"
	FamilyNASM    Family = "nasm"
	FamilyUnknown Family = "unknown"
)

// Compiler is the parsed form of a producer string.
type Compiler struct {
	Family Family `yaml:"family"`
	// Language is the source language named in the producer, for
	// example "C17" or "C++14" for GCC.
	Language string `yaml:"language,omitempty"`
	// Version is nil when RawVersion could not be parsed.
	Version    *semver.Version `yaml:"-"`
	RawVersion string          `yaml:"version,omitempty"`
	// Flags are the command line options recorded in the producer, in
	// the order they appear.
	Flags    []string `yaml:"flags,omitempty"`
	Producer string   `yaml:"producer"`
}

func (c *Compiler) String() string {
	if c.RawVersion == "" {
		return string(c.Family)
	}
	return fmt.Sprintf("%s %s", c.Family, c.RawVersion)
}

// AtLeast reports whether the compiler version is v or later. Compilers
// with an unknown version never are.
func (c *Compiler) AtLeast(v string) (bool, error) {
	want, err := semver.NewVersion(v)
	if err != nil {
		return false, err
	}
	if c.Version == nil {
		return false, nil
	}
	return !c.Version.LessThan(want), nil
}

// Satisfies checks the compiler version against a constraint such as
// ">= 9, < 12".
func (c *Compiler) Satisfies(constraint string) (bool, error) {
	cs, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	if c.Version == nil {
		return false, nil
	}
	return cs.Check(c.Version), nil
}

// HasFlag reports whether the flag was recorded. A flag ending in '='
// matches any value.
func (c *Compiler) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag || (strings.HasSuffix(flag, "=") && strings.HasPrefix(f, flag)) {
			return true
		}
	}
	return false
}

// FlagValue returns the value of the last occurrence of a -name=value
// flag.
func (c *Compiler) FlagValue(name string) (string, bool) {
	prefix := name + "="
	for i := len(c.Flags) - 1; i >= 0; i-- {
		if strings.HasPrefix(c.Flags[i], prefix) {
			return c.Flags[i][len(prefix):], true
		}
	}
	return "", false
}

var (
	gnuRe    = regexp.MustCompile(`^GNU ([A-Za-z+]+(?: [A-Za-z]+)?[0-9]*) ([0-9][0-9A-Za-z.+-]*)`)
	clangRe  = regexp.MustCompile(`clang(?:-\d+)? version ([0-9][0-9A-Za-z.+~-]*)`)
	rustcRe  = regexp.MustCompile(`rustc version ([0-9][0-9A-Za-z.+-]*)`)
	goRe     = regexp.MustCompile(`^Go cmd/compile (?:devel )?(?:go)?([^;\s]*)`)
	intelRe  = regexp.MustCompile(`^Intel\(R\).*Version ([0-9][0-9.]*)`)
	swiftRe  = regexp.MustCompile(`Swift version ([0-9][0-9.]*)`)
	nasmRe   = regexp.MustCompile(`^NASM ([0-9][0-9.]*)`)
	semverRe = regexp.MustCompile(`^v?[0-9]+(\.[0-9]+){0,2}`)
)

// Parse recovers the compiler from a producer string. Unrecognized
// producers are returned with FamilyUnknown and whatever flags can be
// found.
func Parse(producer string) *Compiler {
	producer = strings.TrimSpace(producer)
	c := &Compiler{Family: FamilyUnknown, Producer: producer}
	if producer == "" {
		return c
	}

	switch {
	case strings.HasPrefix(producer, "GNU AS "):
		c.Family = FamilyGAS
		c.RawVersion = strings.Fields(producer)[2]
	case strings.HasPrefix(producer, "GNU Go "):
		c.Family = FamilyGccgo
		c.Language = "Go"
		if m := gnuRe.FindStringSubmatch(producer); m != nil {
			c.RawVersion = m[2]
		}
	case gnuRe.MatchString(producer):
		m := gnuRe.FindStringSubmatch(producer)
		c.Family = FamilyGCC
		c.Language = m[1]
		c.RawVersion = m[2]
	case rustcRe.MatchString(producer):
		c.Family = FamilyRust
		c.Language = "Rust"
		c.RawVersion = rustcRe.FindStringSubmatch(producer)[1]
	case clangRe.MatchString(producer):
		c.Family = FamilyClang
		c.RawVersion = clangRe.FindStringSubmatch(producer)[1]
	case goRe.MatchString(producer):
		c.Family = FamilyGo
		c.Language = "Go"
		c.RawVersion = goRe.FindStringSubmatch(producer)[1]
	case intelRe.MatchString(producer):
		c.Family = FamilyIntel
		c.RawVersion = intelRe.FindStringSubmatch(producer)[1]
	case swiftRe.MatchString(producer):
		c.Family = FamilySwift
		c.Language = "Swift"
		c.RawVersion = swiftRe.FindStringSubmatch(producer)[1]
	case nasmRe.MatchString(producer):
		c.Family = FamilyNASM
		c.RawVersion = nasmRe.FindStringSubmatch(producer)[1]
	}
	c.Version = parseVersion(c.RawVersion)
	c.Flags = flags(producer, c.Family)
	return c
}

// parseVersion parses the leading dotted numbers of raw, ignoring
// distribution suffixes such as "-1ubuntu1" and a fourth component.
func parseVersion(raw string) *semver.Version {
	m := semverRe.FindString(raw)
	if m == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(m, "v"), ".")
	for i, p := range parts {
		if p = strings.TrimLeft(p, "0"); p == "" {
			p = "0"
		}
		parts[i] = p
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil
	}
	return v
}

// flags extracts the command line options from a producer. Go producers
// list their experiments after a semicolon instead.
func flags(producer string, family Family) []string {
	if family == FamilyGo {
		i := strings.Index(producer, ";")
		if i < 0 {
			return nil
		}
		var r []string
		for _, f := range strings.Fields(producer[i+1:]) {
			r = append(r, strings.TrimSuffix(f, ","))
		}
		return r
	}
	var r []string
	for _, f := range config.SplitQuotedFields(producer, '"') {
		if len(f) > 1 && f[0] == '-' {
			r = append(r, f)
		}
	}
	return r
}
