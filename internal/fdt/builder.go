package fdt

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize = 40
	magic      = 0xd00dfeed
	version    = 17
	compatible = 16

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Builder writes a device tree in a single pass. Nodes must be balanced
// before Build is called.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
	depth     int
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

// BeginNode opens a node. The root node has an empty name.
func (b *Builder) BeginNode(name string) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, tokenBeginNode)
	b.structure = append(b.structure, name...)
	b.structure = append(b.structure, 0)
	b.pad()
	b.depth++
}

// EndNode closes the innermost open node.
func (b *Builder) EndNode() {
	b.structure = binary.BigEndian.AppendUint32(b.structure, tokenEndNode)
	b.depth--
}

// AddPropertyEmpty adds a boolean property.
func (b *Builder) AddPropertyEmpty(name string) {
	b.AddPropertyBytes(name, nil)
}

// AddPropertyString adds a NUL terminated string.
func (b *Builder) AddPropertyString(name, value string) {
	b.AddPropertyStringList(name, []string{value})
}

// AddPropertyStringList adds a list of NUL terminated strings.
func (b *Builder) AddPropertyStringList(name string, values []string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	b.AddPropertyBytes(name, data)
}

// AddPropertyU32 adds a single cell.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.AddPropertyBytes(name, binary.BigEndian.AppendUint32(nil, value))
}

// AddPropertyReg adds a reg property of 2-cell addresses and 2-cell sizes.
func (b *Builder) AddPropertyReg(name string, ranges ...Range) {
	data := make([]byte, 0, len(ranges)*16)
	for _, r := range ranges {
		data = binary.BigEndian.AppendUint64(data, r.Base)
		data = binary.BigEndian.AppendUint64(data, r.Size)
	}
	b.AddPropertyBytes(name, data)
}

// AddPropertyBytes adds a raw property value.
func (b *Builder) AddPropertyBytes(name string, data []byte) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, tokenProp)
	b.structure = binary.BigEndian.AppendUint32(b.structure, uint32(len(data)))
	b.structure = binary.BigEndian.AppendUint32(b.structure, b.addString(name))
	b.structure = append(b.structure, data...)
	b.pad()
}

// Build terminates the structure block and returns the blob.
func (b *Builder) Build() ([]byte, error) {
	if b.depth != 0 {
		return nil, fmt.Errorf("fdt: %d unclosed node(s)", b.depth)
	}
	structure := binary.BigEndian.AppendUint32(append([]byte(nil), b.structure...), tokenEnd)

	const rsvmapOff = headerSize
	structOff := uint32(rsvmapOff + 16)
	stringsOff := structOff + uint32(len(structure))
	total := stringsOff + uint32(len(b.strings))

	blob := make([]byte, 0, total)
	for _, v := range []uint32{
		magic,
		total,
		structOff,
		stringsOff,
		rsvmapOff,
		version,
		compatible,
		0, // boot_cpuid_phys
		uint32(len(b.strings)),
		uint32(len(structure)),
	} {
		blob = binary.BigEndian.AppendUint32(blob, v)
	}
	// Empty memory reservation map.
	blob = append(blob, make([]byte, 16)...)
	blob = append(blob, structure...)
	blob = append(blob, b.strings...)
	return blob, nil
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
