package line

import (
	"sort"

	"github.com/derekparker/trie"
)

// FileIndex finds file entries by path.
type FileIndex struct {
	t *trie.Trie
}

// NewFileIndex indexes the files of all the given tables. Entries with the
// same path, from different tables, share one key.
func NewFileIndex(lines DebugLines) *FileIndex {
	byPath := make(map[string][]*FileEntry)
	var paths []string
	for _, entry := range lines.Files() {
		if _, ok := byPath[entry.Path]; !ok {
			paths = append(paths, entry.Path)
		}
		byPath[entry.Path] = append(byPath[entry.Path], entry)
	}
	t := trie.New()
	for _, p := range paths {
		t.Add(p, byPath[p])
	}
	return &FileIndex{t: t}
}

// Lookup returns the entries whose path is exactly p.
func (ix *FileIndex) Lookup(p string) []*FileEntry {
	node, ok := ix.t.Find(p)
	if !ok {
		return nil
	}
	return node.Meta().([]*FileEntry)
}

// WithPrefix returns the paths starting with prefix, sorted.
func (ix *FileIndex) WithPrefix(prefix string) []string {
	r := ix.t.PrefixSearch(prefix)
	sort.Strings(r)
	return r
}

// Fuzzy returns the paths containing the characters of s in order,
// shortest first.
func (ix *FileIndex) Fuzzy(s string) []string {
	return ix.t.FuzzySearch(s)
}

// Paths returns every indexed path, sorted.
func (ix *FileIndex) Paths() []string {
	r := ix.t.Keys()
	sort.Strings(r)
	return r
}
