package hart

import (
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/plash/internal/paging"
)

type tlbEntry struct {
	valid bool
	vpn   uint64
	ppn   uint64 // physical page of the 4 KiB page containing vpn
	pte   paging.PTE
}

func (h *Hart) flushTLB() {
	for i := range h.tlb {
		h.tlb[i].valid = false
	}
}

func pageFault(at hostarch.AccessType, va uint64) error {
	switch {
	case at.Execute:
		return exception(CauseInsnPageFault, va)
	case at.Write:
		return exception(CauseStorePageFault, va)
	default:
		return exception(CauseLoadPageFault, va)
	}
}

func accessFault(at hostarch.AccessType, va uint64) error {
	switch {
	case at.Execute:
		return exception(CauseInsnAccessFault, va)
	case at.Write:
		return exception(CauseStoreAccessFault, va)
	default:
		return exception(CauseLoadAccessFault, va)
	}
}

// Translate returns the physical address of va for the given access.
func (h *Hart) Translate(va uint64, at hostarch.AccessType) (uint64, error) {
	if paging.SatpMode(h.satp) == paging.SatpModeOff {
		return va, nil
	}

	vpn := va >> paging.PageShift
	entry := &h.tlb[vpn%uint64(len(h.tlb))]
	if entry.valid && entry.vpn == vpn {
		if !permits(entry.pte, at) {
			return 0, pageFault(at, va)
		}
		if !at.Write || entry.pte&paging.PteD != 0 {
			return entry.ppn<<paging.PageShift | va&(paging.PageSize-1), nil
		}
		// First write through a clean entry: walk again to set D.
	}

	pa, pte, err := h.walk(va, at)
	if err != nil {
		return 0, err
	}
	*entry = tlbEntry{valid: true, vpn: vpn, ppn: pa >> paging.PageShift, pte: pte}
	return pa, nil
}

func permits(pte paging.PTE, at hostarch.AccessType) bool {
	// Supervisor code may not touch user pages without SUM, which is never
	// set here.
	if pte&paging.PteU != 0 {
		return false
	}
	return pte.Flags().Access().SupersetOf(at)
}

// walk performs a full Sv39 table walk, updating A and D as hardware would.
func (h *Hart) walk(va uint64, at hostarch.AccessType) (uint64, paging.PTE, error) {
	if !paging.Canonical(va) {
		return 0, 0, pageFault(at, va)
	}

	table := paging.SatpRoot(h.satp)
	for level := paging.Levels - 1; level >= 0; level-- {
		slot := table + paging.VPN(va, level)*paging.PteSize
		raw, err := h.bus.Read64(slot)
		if err != nil {
			return 0, 0, accessFault(at, va)
		}
		pte := paging.PTE(raw)

		if !pte.Valid() || (pte&paging.PteR == 0 && pte&paging.PteW != 0) {
			return 0, 0, pageFault(at, va)
		}
		if !pte.Leaf() {
			table = pte.Phys()
			continue
		}

		size := paging.LevelSize(level)
		if pte.Phys()&(size-1) != 0 {
			// Misaligned superpage.
			return 0, 0, pageFault(at, va)
		}
		if !permits(pte, at) {
			return 0, 0, pageFault(at, va)
		}
		if pte&paging.PteA == 0 || (at.Write && pte&paging.PteD == 0) {
			pte |= paging.PteA
			if at.Write {
				pte |= paging.PteD
			}
			if err := h.bus.Write64(slot, uint64(pte)); err != nil {
				return 0, 0, accessFault(at, va)
			}
		}
		return pte.Phys() | va&(size-1), pte, nil
	}
	return 0, 0, pageFault(at, va)
}

func (h *Hart) fetch(pc uint64) (uint32, error) {
	pa, err := h.Translate(pc, hostarch.Execute)
	if err != nil {
		return 0, err
	}
	v, err := h.bus.Read(pa, 4)
	if err != nil {
		return 0, accessFault(hostarch.Execute, pc)
	}
	return uint32(v), nil
}

// load reads size bytes at va. Accesses that straddle a page are split
// into bytes, each translated on its own.
func (h *Hart) load(va uint64, size int) (uint64, error) {
	if va%paging.PageSize+uint64(size) <= paging.PageSize {
		pa, err := h.Translate(va, hostarch.Read)
		if err != nil {
			return 0, err
		}
		v, err := h.bus.Read(pa, size)
		if err != nil {
			return 0, accessFault(hostarch.Read, va)
		}
		return v, nil
	}
	var v uint64
	for i := 0; i < size; i++ {
		b, err := h.load(va+uint64(i), 1)
		if err != nil {
			return 0, err
		}
		v |= b << (8 * i)
	}
	return v, nil
}

func (h *Hart) store(va uint64, size int, v uint64) error {
	if va%paging.PageSize+uint64(size) <= paging.PageSize {
		pa, err := h.Translate(va, hostarch.Write)
		if err != nil {
			return err
		}
		if err := h.bus.Write(pa, size, v); err != nil {
			return accessFault(hostarch.Write, va)
		}
		return nil
	}
	for i := 0; i < size; i++ {
		if err := h.store(va+uint64(i), 1, v>>(8*i)); err != nil {
			return err
		}
	}
	return nil
}

// Read64 reads a doubleword from the hart's address space.
func (h *Hart) Read64(va uint64) (uint64, error) { return h.load(va, 8) }

// Write64 writes a doubleword into the hart's address space.
func (h *Hart) Write64(va, v uint64) error { return h.store(va, 8, v) }

// ReadBytes copies n bytes out of the hart's address space. The buffer grows
// a page at a time, so n is only trusted as far as memory is mapped.
func (h *Hart) ReadBytes(va, n uint64) ([]byte, error) {
	out := make([]byte, 0, min(n, paging.PageSize))
	for n > 0 {
		chunk := min(n, paging.PageSize-va%paging.PageSize)
		pa, err := h.Translate(va, hostarch.Read)
		if err != nil {
			return nil, err
		}
		buf, err := h.bus.Slice(pa, chunk)
		if err != nil {
			return nil, accessFault(hostarch.Read, va)
		}
		out = append(out, buf...)
		va += chunk
		n -= chunk
	}
	return out, nil
}

// WriteBytes copies data into the hart's address space.
func (h *Hart) WriteBytes(va uint64, data []byte) error {
	for len(data) > 0 {
		chunk := min(uint64(len(data)), paging.PageSize-va%paging.PageSize)
		pa, err := h.Translate(va, hostarch.Write)
		if err != nil {
			return err
		}
		buf, err := h.bus.WritableSlice(pa, chunk)
		if err != nil {
			return accessFault(hostarch.Write, va)
		}
		copy(buf, data[:chunk])
		va += chunk
		data = data[chunk:]
	}
	return nil
}

// ReadString reads a NUL-terminated string of at most max bytes.
func (h *Hart) ReadString(va uint64, max int) (string, error) {
	var out []byte
	for len(out) < max {
		b, err := h.load(va+uint64(len(out)), 1)
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, byte(b))
	}
	return string(out), nil
}
