// Package fdt reads and writes Flattened Device Tree blobs.
package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Node is a decoded device-tree node. Property values are kept raw.
type Node struct {
	Name       string
	Properties map[string][]byte
	Children   []*Node
}

// Range is one (address, size) pair of a reg property.
type Range struct {
	Base uint64
	Size uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 { return r.Base + r.Size }

// Child returns the direct child called name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Lookup resolves an absolute path such as "/soc/flash@22000000".
func (n *Node) Lookup(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}
	return cur
}

// UnitName returns the node name without its @unit-address.
func (n *Node) UnitName() string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

// Strings decodes a NUL separated string list property.
func (n *Node) Strings(prop string) []string {
	v, ok := n.Properties[prop]
	if !ok || len(v) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(v), "\x00"), "\x00")
}

// U32 decodes a single cell property.
func (n *Node) U32(prop string) (uint32, bool) {
	v, ok := n.Properties[prop]
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// Reg decodes the reg property using the cell counts of the parent node.
func (n *Node) Reg(addressCells, sizeCells uint32) ([]Range, error) {
	v, ok := n.Properties["reg"]
	if !ok {
		return nil, nil
	}
	if addressCells == 0 || addressCells > 2 || sizeCells > 2 {
		return nil, fmt.Errorf("fdt: %s: unsupported cell sizes %d/%d", n.Name, addressCells, sizeCells)
	}
	stride := int(addressCells+sizeCells) * 4
	if len(v)%stride != 0 {
		return nil, fmt.Errorf("fdt: %s: reg length %d is not a multiple of %d", n.Name, len(v), stride)
	}
	var out []Range
	for off := 0; off < len(v); off += stride {
		base := cells(v[off:], addressCells)
		size := cells(v[off+int(addressCells)*4:], sizeCells)
		out = append(out, Range{Base: base, Size: size})
	}
	return out, nil
}

// CellSizes returns #address-cells and #size-cells, defaulting to 2 and 1.
func (n *Node) CellSizes() (address, size uint32) {
	address, size = 2, 1
	if v, ok := n.U32("#address-cells"); ok {
		address = v
	}
	if v, ok := n.U32("#size-cells"); ok {
		size = v
	}
	return address, size
}

func cells(b []byte, count uint32) uint64 {
	var v uint64
	for i := range count {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}
