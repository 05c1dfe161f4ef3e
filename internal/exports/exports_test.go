package exports

import "testing"

func TestTableLookup(t *testing.T) {
	table, err := NewTable(
		Entry{Name: "puts", Addr: 0x1010},
		Entry{Name: "putchar", Addr: 0x1000},
		Entry{Name: "printf", Addr: 0x1020},
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	if addr, ok := table.Lookup("puts"); !ok || addr != 0x1010 {
		t.Errorf("Lookup(puts) = %#x, %v", addr, ok)
	}
	if _, ok := table.Lookup("put"); ok {
		t.Errorf("Lookup matched a prefix")
	}
	if _, ok := table.Lookup("memcpy"); ok {
		t.Errorf("Lookup(memcpy) succeeded")
	}

	if e, ok := table.At(0x1020); !ok || e.Name != "printf" {
		t.Errorf("At(0x1020) = %v, %v", e, ok)
	}
	if _, ok := table.At(0x1021); ok {
		t.Errorf("At matched a non-entry address")
	}

	e, off, ok := table.Symbolize(0x1014)
	if !ok || e.Name != "puts" || off != 4 {
		t.Errorf("Symbolize(0x1014) = %v+%d, %v", e, off, ok)
	}
	if _, _, ok := table.Symbolize(0xfff); ok {
		t.Errorf("Symbolize below the table succeeded")
	}

	got := table.Entries()
	if len(got) != 3 || got[0].Name != "puts" || got[2].Name != "printf" {
		t.Errorf("Entries lost insertion order: %v", got)
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"name", []Entry{{"puts", 0x10}, {"puts", 0x20}}},
		{"address", []Entry{{"puts", 0x10}, {"putchar", 0x10}}},
		{"empty name", []Entry{{"", 0x10}}},
		{"zero address", []Entry{{"puts", 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.entries...); err == nil {
				t.Errorf("NewTable accepted %v", tt.entries)
			}
		})
	}
}
