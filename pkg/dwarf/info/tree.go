package info

import "debug/dwarf"

// Walk calls fn for e and all of its descendants, in the order they appear
// in .debug_info. Returning false from fn skips the children of that entry.
func (e *Entry) Walk(fn func(*Entry) bool) {
	if e == nil {
		return
	}
	stack := []*Entry{e}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(cur) {
			continue
		}
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

// Depth returns the number of ancestors of e.
func (e *Entry) Depth() int {
	d := 0
	for p := e.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

// FindByTag returns every entry of the unit with the given tag.
func (cu *CompileUnit) FindByTag(tag dwarf.Tag) []*Entry {
	var r []*Entry
	cu.Root.Walk(func(e *Entry) bool {
		if e.Tag == tag {
			r = append(r, e)
		}
		return true
	})
	return r
}

// FindByAttr returns every entry of the unit carrying attr.
func (cu *CompileUnit) FindByAttr(attr dwarf.Attr) []*Entry {
	var r []*Entry
	cu.Root.Walk(func(e *Entry) bool {
		if _, ok := e.Attrs[attr]; ok {
			r = append(r, e)
		}
		return true
	})
	return r
}
