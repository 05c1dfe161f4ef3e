package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotDeviceTree is returned when a blob does not carry the FDT magic.
var ErrNotDeviceTree = errors.New("fdt: not a device tree")

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUID       uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// Parse decodes blob into its root node.
func Parse(blob []byte) (*Node, error) {
	var h header
	if _, err := binary.Decode(blob, binary.BigEndian, &h); err != nil || h.Magic != magic {
		return nil, ErrNotDeviceTree
	}
	if uint64(h.TotalSize) > uint64(len(blob)) {
		return nil, fmt.Errorf("fdt: total size %d exceeds blob of %d bytes", h.TotalSize, len(blob))
	}
	if h.LastCompVersion > version {
		return nil, fmt.Errorf("fdt: incompatible version %d", h.LastCompVersion)
	}
	structEnd := uint64(h.OffStruct) + uint64(h.SizeStruct)
	stringsEnd := uint64(h.OffStrings) + uint64(h.SizeStrings)
	if structEnd > uint64(h.TotalSize) || stringsEnd > uint64(h.TotalSize) {
		return nil, fmt.Errorf("fdt: blocks exceed total size %d", h.TotalSize)
	}

	p := &parser{
		data:    blob[h.OffStruct:structEnd],
		strings: blob[h.OffStrings:stringsEnd],
	}
	var (
		root  *Node
		stack []*Node
	)
	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, err := p.cstring()
			if err != nil {
				return nil, err
			}
			n := &Node{Name: name, Properties: make(map[string][]byte)}
			switch {
			case len(stack) > 0:
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			case root != nil:
				return nil, fmt.Errorf("fdt: multiple root nodes")
			default:
				root = n
			}
			stack = append(stack, n)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: unbalanced end node at %#x", p.off)
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: property outside a node at %#x", p.off)
			}
			size, err := p.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}
			value, err := p.bytes(int(size))
			if err != nil {
				return nil, err
			}
			name, err := p.name(nameOff)
			if err != nil {
				return nil, err
			}
			stack[len(stack)-1].Properties[name] = value
		case tokenNop:
		case tokenEnd:
			if root == nil || len(stack) != 0 {
				return nil, fmt.Errorf("fdt: structure ended inside a node")
			}
			return root, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token %#x at %#x", tok, p.off-4)
		}
	}
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("fdt: structure block truncated at %#x", p.off)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) bytes(n int) ([]byte, error) {
	if n < 0 || p.off+n > len(p.data) {
		return nil, fmt.Errorf("fdt: property of %d bytes overruns structure block", n)
	}
	v := p.data[p.off : p.off+n : p.off+n]
	p.off = align4(p.off + n)
	return v, nil
}

func (p *parser) cstring() (string, error) {
	end := bytes.IndexByte(p.data[p.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("fdt: unterminated node name at %#x", p.off)
	}
	s := string(p.data[p.off : p.off+end])
	p.off = align4(p.off + end + 1)
	return s, nil
}

func (p *parser) name(off uint32) (string, error) {
	if uint64(off) >= uint64(len(p.strings)) {
		return "", fmt.Errorf("fdt: string offset %#x out of range", off)
	}
	end := bytes.IndexByte(p.strings[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("fdt: unterminated string at %#x", off)
	}
	return string(p.strings[off : int(off)+end]), nil
}

func align4(v int) int { return (v + 3) &^ 3 }
