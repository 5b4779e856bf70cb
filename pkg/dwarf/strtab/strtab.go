// Package strtab resolves offsets into the NUL-terminated string sections
// of a DWARF image (.debug_str and .debug_line_str).
package strtab

import (
	"bytes"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of resolved strings kept per table when
// the caller does not specify a size.
const DefaultCacheSize = 1024

var (
	// ErrNoSection is returned when resolving against an absent section.
	ErrNoSection = errors.New("string section not present")
	// ErrOutOfRange is returned for offsets past the end of the section.
	ErrOutOfRange = errors.New("string offset out of range")
	// ErrUnterminated is returned when no NUL byte follows the offset.
	ErrUnterminated = errors.New("unterminated string")
)

// Table is a read-only view of a string section. It is safe for
// concurrent use.
type Table struct {
	name  string
	data  []byte
	cache *lru.Cache
}

// New returns a table over data. A nil or empty data slice produces a table
// for which every lookup fails with ErrNoSection.
func New(name string, data []byte, cacheSize int) *Table {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		// only possible for a non-positive size
		panic(err)
	}
	return &Table{name: name, data: data, cache: cache}
}

// Name returns the name of the section backing t.
func (t *Table) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Len returns the size of the section in bytes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.data)
}

// StringAt returns the string starting at off, up to but not including the
// next NUL byte.
func (t *Table) StringAt(off uint64) (string, error) {
	if t == nil || len(t.data) == 0 {
		return "", ErrNoSection
	}
	if off >= uint64(len(t.data)) {
		return "", fmt.Errorf("%s offset %#x (size %#x): %w", t.name, off, len(t.data), ErrOutOfRange)
	}
	if s, ok := t.cache.Get(off); ok {
		return s.(string), nil
	}
	end := bytes.IndexByte(t.data[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%s offset %#x: %w", t.name, off, ErrUnterminated)
	}
	s := string(t.data[off : off+uint64(end)])
	t.cache.Add(off, s)
	return s, nil
}
