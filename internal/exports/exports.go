// Package exports holds the fixed table of kernel-resident functions that
// applications link against in place of a dynamic linker.
package exports

import (
	"fmt"

	"github.com/google/btree"
)

// Entry names one kernel-resident function.
type Entry struct {
	Name string
	Addr uint64
}

func (e Entry) String() string { return fmt.Sprintf("%s@%#x", e.Name, e.Addr) }

// Table is populated once, before the first application is loaded, and is
// read-only afterwards. It is safe for concurrent readers.
type Table struct {
	entries []Entry
	byAddr  *btree.BTreeG[Entry]
}

// NewTable builds a table. Names and addresses must be unique and addresses
// non-zero.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{
		entries: make([]Entry, 0, len(entries)),
		byAddr:  btree.NewG(8, func(a, b Entry) bool { return a.Addr < b.Addr }),
	}
	for _, e := range entries {
		if e.Name == "" || e.Addr == 0 {
			return nil, fmt.Errorf("exports: invalid entry %v", e)
		}
		if _, dup := t.Lookup(e.Name); dup {
			return nil, fmt.Errorf("exports: duplicate name %q", e.Name)
		}
		if old, dup := t.byAddr.ReplaceOrInsert(e); dup {
			return nil, fmt.Errorf("exports: %s and %s share an address", old, e)
		}
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// Lookup returns the address exported under name. It is a linear scan by
// exact match.
func (t *Table) Lookup(name string) (uint64, bool) {
	for _, e := range t.entries {
		if e.Name == name {
			return e.Addr, true
		}
	}
	return 0, false
}

// At returns the entry whose address is exactly addr.
func (t *Table) At(addr uint64) (Entry, bool) {
	return t.byAddr.Get(Entry{Addr: addr})
}

// Symbolize returns the closest export at or below addr, for diagnostics.
func (t *Table) Symbolize(addr uint64) (Entry, uint64, bool) {
	var (
		found Entry
		ok    bool
	)
	t.byAddr.DescendLessOrEqual(Entry{Addr: addr}, func(e Entry) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		return Entry{}, 0, false
	}
	return found, addr - found.Addr, true
}

// Entries returns the table in insertion order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of exports.
func (t *Table) Len() int { return len(t.entries) }
