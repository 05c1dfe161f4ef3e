package loader

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"slices"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/plash/internal/paging"
)

// span is a page-aligned range of one or more PT_LOAD segments that share
// frames.
type span struct {
	begin, end uint64
	flags      elf.ProgFlag
	progs      []*elf.Prog
}

func (s span) pages() int { return int((s.end - s.begin) / paging.PageSize) }

func pageDown(v uint64) uint64 { return v &^ (paging.PageSize - 1) }

func pageUp(v uint64) uint64 { return (v + paging.PageSize - 1) &^ (paging.PageSize - 1) }

// planSegments validates the PT_LOAD headers of f against the image size and
// groups them into spans. Segments whose page ranges overlap share one span
// mapped with the union of their permissions.
func planSegments(f *elf.File, imageSize uint64, log *slog.Logger) ([]span, error) {
	var spans []span
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment %d file size %#x exceeds mem size %#x", ErrMalformedImage, i, prog.Filesz, prog.Memsz)
		}
		if prog.Off > imageSize || prog.Filesz > imageSize-prog.Off {
			return nil, fmt.Errorf("%w: segment %d [%#x, +%#x) past end of image (%#x)", ErrMalformedImage, i, prog.Off, prog.Filesz, imageSize)
		}
		end := prog.Vaddr + prog.Memsz
		if end < prog.Vaddr || pageUp(end) < end || !paging.Canonical(prog.Vaddr) || !paging.Canonical(end-1) {
			return nil, fmt.Errorf("%w: segment %d [%#x, +%#x) is not a valid virtual range", ErrMalformedImage, i, prog.Vaddr, prog.Memsz)
		}
		spans = append(spans, span{
			begin: pageDown(prog.Vaddr),
			end:   pageUp(end),
			flags: prog.Flags,
			progs: []*elf.Prog{prog},
		})
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrMalformedImage)
	}

	slices.SortStableFunc(spans, func(a, b span) int {
		switch {
		case a.begin < b.begin:
			return -1
		case a.begin > b.begin:
			return 1
		}
		return 0
	})

	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.begin >= last.end {
			merged = append(merged, s)
			continue
		}
		log.Warn("segments share a page, merging",
			"first", fmt.Sprintf("%#x-%#x", last.begin, last.end),
			"second", fmt.Sprintf("%#x-%#x", s.begin, s.end),
			"flags", (last.flags | s.flags).String())
		last.end = max(last.end, s.end)
		last.flags |= s.flags
		last.progs = append(last.progs, s.progs...)
	}

	for _, s := range merged {
		perms := paging.FlagsFromProg(s.flags)
		if perms&(paging.PteR|paging.PteX) == 0 {
			return nil, fmt.Errorf("%w: segment at %#x has unmappable flags %s", ErrMalformedImage, s.begin, s.flags)
		}
		if perms&paging.PteW != 0 && perms&paging.PteR == 0 {
			return nil, fmt.Errorf("%w: segment at %#x is writable but not readable: %w", ErrMalformedImage, s.begin, paging.ErrInvalidFlags)
		}
	}
	return merged, nil
}

// loadSpan allocates zeroed frames for s, copies the file-backed bytes of
// each segment at its offset within the first page, and maps the span.
func loadSpan(as *AddressSpace, img []byte, s span) (paging.MappedRegion, error) {
	kva, pa, err := as.allocSegment(s.pages())
	if err != nil {
		return paging.MappedRegion{}, fmt.Errorf("allocate %d pages for %#x: %w", s.pages(), s.begin, err)
	}

	for _, prog := range s.progs {
		if prog.Filesz == 0 {
			continue
		}
		data := img[prog.Off : prog.Off+prog.Filesz]
		if err := as.window.Copy(kva+(prog.Vaddr-s.begin), data); err != nil {
			return paging.MappedRegion{}, fmt.Errorf("copy segment %#x: %w", prog.Vaddr, err)
		}
	}

	region := paging.MappedRegion{
		Virtual: hostarch.AddrRange{Start: hostarch.Addr(s.begin), End: hostarch.Addr(s.end)},
		Phys:    pa,
		Flags:   paging.FlagsFromProg(s.flags),
	}
	if err := as.pt.Map(region); err != nil {
		return paging.MappedRegion{}, fmt.Errorf("map %s: %w", region, err)
	}
	return region, nil
}
