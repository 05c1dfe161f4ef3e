package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/plash/internal/exports"
	"github.com/tinyrange/plash/internal/mem"
)

// RelocKind distinguishes relocations that need a symbol lookup from those
// that carry their value.
type RelocKind int

const (
	// Named relocations store the address of a symbol.
	Named RelocKind = iota
	// AddendOnly relocations store their addend.
	AddendOnly
)

func (k RelocKind) String() string {
	if k == AddendOnly {
		return "addend"
	}
	return "named"
}

// Relocation is one decoded RELA entry.
type Relocation struct {
	Offset uint64
	Kind   RelocKind
	Type   elf.R_RISCV
	Symbol string
	Addend int64

	sym elf.Sym64
}

const (
	relaSize = 24
	symSize  = 24
)

// dynamic holds the linking tables of an image, sliced in place.
type dynamic struct {
	img    []byte
	dynsym []byte
	dynstr []byte
	plt    []byte
	dyn    []byte
}

func sectionBytes(img []byte, s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("%w: %s has no file data", ErrMalformedImage, s.Name)
	}
	size := uint64(len(img))
	if s.Offset > size || s.Size > size-s.Offset {
		return nil, fmt.Errorf("%w: %s [%#x, +%#x) past end of image (%#x)", ErrMalformedImage, s.Name, s.Offset, s.Size, size)
	}
	return img[s.Offset : s.Offset+s.Size : s.Offset+s.Size], nil
}

// readDynamic locates the linking sections of f. A nil result means the image
// is static.
func readDynamic(f *elf.File, img []byte) (*dynamic, error) {
	d := &dynamic{img: img}
	for _, target := range []struct {
		name string
		dst  *[]byte
	}{
		{".dynsym", &d.dynsym},
		{".dynstr", &d.dynstr},
		{".rela.plt", &d.plt},
		{".rela.dyn", &d.dyn},
	} {
		s := f.Section(target.name)
		if s == nil {
			continue
		}
		data, err := sectionBytes(img, s)
		if err != nil {
			return nil, err
		}
		*target.dst = data
	}

	if d.plt == nil && d.dyn == nil {
		return nil, nil
	}
	if d.dynsym == nil || d.dynstr == nil {
		return nil, fmt.Errorf("%w: relocations without .dynsym and .dynstr", ErrMalformedImage)
	}
	if len(d.plt)%relaSize != 0 || len(d.dyn)%relaSize != 0 || len(d.dynsym)%symSize != 0 {
		return nil, fmt.Errorf("%w: linking section size is not a multiple of its entry size", ErrMalformedImage)
	}
	return d, nil
}

func (d *dynamic) symbol(idx uint32) (elf.Sym64, string, error) {
	var sym elf.Sym64
	off := uint64(idx) * symSize
	if off >= uint64(len(d.dynsym)) {
		return sym, "", fmt.Errorf("%w: symbol index %d out of range", ErrMalformedImage, idx)
	}
	if _, err := binary.Decode(d.dynsym[off:off+symSize], binary.LittleEndian, &sym); err != nil {
		return sym, "", fmt.Errorf("%w: symbol %d: %v", ErrMalformedImage, idx, err)
	}
	name, err := d.str(sym.Name)
	return sym, name, err
}

func (d *dynamic) str(off uint32) (string, error) {
	if uint64(off) >= uint64(len(d.dynstr)) {
		return "", fmt.Errorf("%w: string offset %#x out of range", ErrMalformedImage, off)
	}
	rest := d.dynstr[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformedImage, off)
	}
	return string(rest[:end]), nil
}

// relocations decodes one RELA table. Entries in .rela.plt are always named;
// entries in .rela.dyn are named when they carry a symbol.
func (d *dynamic) relocations(table []byte, plt bool) ([]Relocation, error) {
	var out []Relocation
	for off := 0; off < len(table); off += relaSize {
		var rela elf.Rela64
		if _, err := binary.Decode(table[off:off+relaSize], binary.LittleEndian, &rela); err != nil {
			return nil, fmt.Errorf("%w: relocation at %#x: %v", ErrMalformedImage, off, err)
		}
		r := Relocation{
			Offset: rela.Off,
			Type:   elf.R_RISCV(elf.R_TYPE64(rela.Info)),
			Addend: rela.Addend,
		}
		symIdx := elf.R_SYM64(rela.Info)

		switch r.Type {
		case elf.R_RISCV_NONE:
			continue
		case elf.R_RISCV_RELATIVE:
			r.Kind = AddendOnly
		case elf.R_RISCV_64, elf.R_RISCV_JUMP_SLOT:
			r.Kind = Named
			if symIdx == 0 {
				if plt || r.Type == elf.R_RISCV_JUMP_SLOT {
					return nil, fmt.Errorf("%w: %s at %#x has no symbol", ErrMalformedImage, r.Type, r.Offset)
				}
				r.Kind = AddendOnly
			}
		default:
			return nil, fmt.Errorf("%w: %s at %#x", ErrUnsupportedRelocation, r.Type, r.Offset)
		}
		if plt && r.Kind != Named {
			return nil, fmt.Errorf("%w: %s in .rela.plt at %#x", ErrUnsupportedRelocation, r.Type, r.Offset)
		}

		if r.Kind == Named {
			sym, name, err := d.symbol(symIdx)
			if err != nil {
				return nil, err
			}
			if name == "" {
				return nil, fmt.Errorf("%w: relocation at %#x names an empty symbol", ErrMalformedImage, r.Offset)
			}
			r.sym, r.Symbol = sym, name
		}
		out = append(out, r)
	}
	return out, nil
}

// linker patches relocations of one application.
type linker struct {
	app     int
	space   *AddressSpace
	window  *mem.Window
	exports *exports.Table
	log     *slog.Logger
}

// value computes what r stores. Named symbols are looked up in the export
// table first, then among the application's own definitions; an undefined
// weak symbol resolves to zero.
func (l *linker) value(r Relocation) (uint64, error) {
	if r.Kind == AddendOnly {
		return uint64(r.Addend), nil
	}

	var s uint64
	if addr, ok := l.exports.Lookup(r.Symbol); ok {
		s = addr
	} else if elf.SectionIndex(r.sym.Shndx) != elf.SHN_UNDEF {
		s = r.sym.Value
	} else if elf.ST_BIND(r.sym.Info) == elf.STB_WEAK {
		l.log.Debug("weak symbol left unresolved", "symbol", r.Symbol)
	} else {
		return 0, &UnresolvedSymbolError{App: l.app, Symbol: r.Symbol}
	}

	if r.Type == elf.R_RISCV_JUMP_SLOT {
		return s, nil
	}
	return s + uint64(r.Addend), nil
}

// apply writes one relocation. The slot is found through the application's
// page table and written through the kernel identity window; the
// application's own mapping is never used for the write.
func (l *linker) apply(r Relocation) error {
	v, err := l.value(r)
	if err != nil {
		return err
	}
	if r.Offset%8 != 0 {
		return fmt.Errorf("%w: %s slot %#x is not 8-byte aligned", ErrMalformedImage, r.Type, r.Offset)
	}
	tr, err := l.space.Query(r.Offset)
	if err != nil {
		return fmt.Errorf("%s slot %#x: %w", r.Type, r.Offset, err)
	}
	if err := l.window.Write64(l.window.PhysToKernel(tr.Phys), v); err != nil {
		return fmt.Errorf("%s slot %#x (pa %#x): %w", r.Type, r.Offset, tr.Phys, err)
	}
	l.log.Debug("relocated",
		"kind", r.Kind.String(),
		"type", r.Type.String(),
		"slot", fmt.Sprintf("%#x", r.Offset),
		"symbol", r.Symbol,
		"value", fmt.Sprintf("%#x", v))
	return nil
}

// link applies both relocation tables and returns how many slots it wrote.
func (l *linker) link(d *dynamic) (int, error) {
	plt, err := d.relocations(d.plt, true)
	if err != nil {
		return 0, fmt.Errorf(".rela.plt: %w", err)
	}
	dyn, err := d.relocations(d.dyn, false)
	if err != nil {
		return 0, fmt.Errorf(".rela.dyn: %w", err)
	}
	for _, r := range append(plt, dyn...) {
		if err := l.apply(r); err != nil {
			return 0, err
		}
	}
	return len(plt) + len(dyn), nil
}
