package riscv

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/plash/internal/asm"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
	elfSectionSize       = 64
	elfSymSize           = 24
	elfRelaSize          = 24

	segmentAlignment = 0x1000
)

// Segment is one PT_LOAD entry.
type Segment struct {
	Vaddr uint64
	Data  []byte
	// MemSize defaults to len(Data); anything beyond it is zero-filled at
	// load time.
	MemSize uint64
	Flags   elf.ProgFlag
}

// Symbol is one dynamic symbol. A zero Value means undefined.
type Symbol struct {
	Name  string
	Bind  elf.SymBind
	Type  elf.SymType
	Value uint64
}

// Reloc is one RELA entry. An empty Symbol encodes symbol index 0.
type Reloc struct {
	Offset uint64
	Type   elf.R_RISCV
	Symbol string
	Addend int64
}

// Image describes an ELF64 RISC-V executable.
type Image struct {
	Type     elf.Type // defaults to ET_EXEC
	Entry    uint64
	Segments []Segment
	Symbols  []Symbol
	PLT      []Reloc // .rela.plt
	Dyn      []Reloc // .rela.dyn

	// OmitDynsym drops .dynsym and .dynstr even when relocations reference
	// them. It only exists to produce broken images.
	OmitDynsym bool
}

// TextSegment builds a read+execute segment from a program.
func TextSegment(vaddr uint64, prog asm.Program) Segment {
	return Segment{Vaddr: vaddr, Data: prog.Bytes(), Flags: elf.PF_R | elf.PF_X}
}

// SplitProgram cuts prog at the given label into a read+execute segment at
// vaddr and a read+write segment for the remainder, placed at
// vaddr+offset(label). The label offset must be page aligned.
func SplitProgram(vaddr uint64, prog asm.Program, label asm.Label) ([]Segment, error) {
	off, ok := prog.Label(label)
	if !ok {
		return nil, fmt.Errorf("riscv: split label %q not defined", label)
	}
	if off%segmentAlignment != 0 {
		return nil, fmt.Errorf("riscv: split label %q at %#x is not page aligned", label, off)
	}
	code := prog.Bytes()
	return []Segment{
		{Vaddr: vaddr, Data: code[:off], Flags: elf.PF_R | elf.PF_X},
		{Vaddr: vaddr + uint64(off), Data: code[off:], Flags: elf.PF_R | elf.PF_W},
	}, nil
}

type section struct {
	name string
	hdr  elf.Section64
	data []byte
}

// Encode lays out the image: headers, page-aligned segment payloads, the
// dynamic tables as non-allocated sections, and the section header table.
func (img Image) Encode() ([]byte, error) {
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("riscv: image has no segments")
	}
	typ := img.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}

	phoff := uint64(elfHeaderSize)
	cursor := phoff + uint64(len(img.Segments))*elfProgramHeaderSize

	var phdrs []elf.Prog64
	var payloads []uint64
	for i, seg := range img.Segments {
		memsz := seg.MemSize
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		if memsz < uint64(len(seg.Data)) {
			return nil, fmt.Errorf("riscv: segment %d memsz %#x < filesz %#x", i, memsz, len(seg.Data))
		}
		off := alignUp(cursor, segmentAlignment) + seg.Vaddr%segmentAlignment
		phdrs = append(phdrs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    off,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  segmentAlignment,
		})
		payloads = append(payloads, off)
		cursor = off + uint64(len(seg.Data))
	}

	sections, err := img.dynamicSections()
	if err != nil {
		return nil, err
	}

	// Section name table goes last.
	shstr := []byte{0}
	for i := range sections {
		sections[i].hdr.Name = uint32(len(shstr))
		shstr = append(shstr, sections[i].name...)
		shstr = append(shstr, 0)
	}
	shstrName := uint32(len(shstr))
	shstr = append(shstr, ".shstrtab\x00"...)
	sections = append(sections, section{
		name: ".shstrtab",
		hdr:  elf.Section64{Name: shstrName, Type: uint32(elf.SHT_STRTAB), Addralign: 1},
		data: shstr,
	})

	for i := range sections {
		cursor = alignUp(cursor, 8)
		sections[i].hdr.Off = cursor
		sections[i].hdr.Size = uint64(len(sections[i].data))
		cursor += uint64(len(sections[i].data))
	}
	shoff := alignUp(cursor, 8)

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    elfHeaderSize,
		Phentsize: elfProgramHeaderSize,
		Phnum:     uint16(len(phdrs)),
		Shentsize: elfSectionSize,
		Shnum:     uint16(len(sections) + 1),
		Shstrndx:  uint16(len(sections)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := make([]byte, shoff, shoff+uint64(len(sections)+1)*elfSectionSize)
	head, err := binary.Append(nil, binary.LittleEndian, &hdr)
	if err != nil {
		return nil, err
	}
	for _, ph := range phdrs {
		if head, err = binary.Append(head, binary.LittleEndian, &ph); err != nil {
			return nil, err
		}
	}
	copy(out, head)
	for i, seg := range img.Segments {
		copy(out[payloads[i]:], seg.Data)
	}
	for _, s := range sections {
		copy(out[s.hdr.Off:], s.data)
	}

	// Index 0 is the null section.
	if out, err = binary.Append(out, binary.LittleEndian, &elf.Section64{}); err != nil {
		return nil, err
	}
	for _, s := range sections {
		if out, err = binary.Append(out, binary.LittleEndian, &s.hdr); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// dynamicSections builds .dynsym, .dynstr, .rela.plt and .rela.dyn. Section
// indices are 1-based because of the null section.
func (img Image) dynamicSections() ([]section, error) {
	hasRelocs := len(img.PLT) > 0 || len(img.Dyn) > 0
	if len(img.Symbols) == 0 && !hasRelocs {
		return nil, nil
	}

	symbols := append([]Symbol(nil), img.Symbols...)
	index := make(map[string]int)
	for i, s := range symbols {
		index[s.Name] = i + 1
	}
	// Relocations may reference symbols nobody declared: add them as
	// undefined global functions.
	for _, r := range append(append([]Reloc(nil), img.PLT...), img.Dyn...) {
		if r.Symbol == "" {
			continue
		}
		if _, ok := index[r.Symbol]; !ok {
			symbols = append(symbols, Symbol{Name: r.Symbol, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
			index[r.Symbol] = len(symbols)
		}
	}

	var sections []section
	const dynsymIdx = 1

	if !img.OmitDynsym {
		strtab := []byte{0}
		symtab := make([]byte, elfSymSize) // null symbol
		var err error
		for _, s := range symbols {
			sym := elf.Sym64{
				Name:  uint32(len(strtab)),
				Info:  elf.ST_INFO(s.Bind, s.Type),
				Value: s.Value,
			}
			if s.Value != 0 {
				sym.Shndx = uint16(elf.SHN_ABS)
			}
			strtab = append(strtab, s.Name...)
			strtab = append(strtab, 0)
			if symtab, err = binary.Append(symtab, binary.LittleEndian, &sym); err != nil {
				return nil, err
			}
		}
		sections = append(sections,
			section{
				name: ".dynsym",
				hdr: elf.Section64{
					Type:      uint32(elf.SHT_DYNSYM),
					Link:      dynsymIdx + 1,
					Info:      1,
					Addralign: 8,
					Entsize:   elfSymSize,
				},
				data: symtab,
			},
			section{
				name: ".dynstr",
				hdr:  elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1},
				data: strtab,
			},
		)
	}

	encodeRela := func(relocs []Reloc) ([]byte, error) {
		var out []byte
		for _, r := range relocs {
			var sym uint32
			if r.Symbol != "" {
				sym = uint32(index[r.Symbol])
			}
			rela := elf.Rela64{
				Off:    r.Offset,
				Info:   elf.R_INFO(sym, uint32(r.Type)),
				Addend: r.Addend,
			}
			var err error
			if out, err = binary.Append(out, binary.LittleEndian, &rela); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	for _, rs := range []struct {
		name   string
		relocs []Reloc
	}{
		{".rela.plt", img.PLT},
		{".rela.dyn", img.Dyn},
	} {
		if len(rs.relocs) == 0 {
			continue
		}
		data, err := encodeRela(rs.relocs)
		if err != nil {
			return nil, err
		}
		var link uint32
		if !img.OmitDynsym {
			link = dynsymIdx
		}
		sections = append(sections, section{
			name: rs.name,
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_RELA),
				Link:      link,
				Addralign: 8,
				Entsize:   elfRelaSize,
			},
			data: data,
		})
	}
	return sections, nil
}

// EmitImage assembles frag into a single read+execute segment at vaddr with
// the entry point at its start.
func EmitImage(vaddr uint64, frag asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(frag)
	if err != nil {
		return nil, err
	}
	return Image{Entry: vaddr, Segments: []Segment{TextSegment(vaddr, prog)}}.Encode()
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
