package mem

import "fmt"

// Window is the kernel's physical identity window: every physical address pa
// is reachable from kernel context at pa+Offset, independent of whichever
// application page table is installed.
//
// The loader never converts addresses by hand. PhysToKernel and KernelToPhys
// are the only conversions, and all kernel-side accesses go through the
// window's accessors.
type Window struct {
	bus    *Bus
	offset uint64
}

// NewWindow returns the identity window for bus at the given offset.
func NewWindow(bus *Bus, offset uint64) *Window {
	return &Window{bus: bus, offset: offset}
}

// Bus returns the physical bus behind the window.
func (w *Window) Bus() *Bus { return w.bus }

// Offset returns the constant distance between kernel and physical addresses.
func (w *Window) Offset() uint64 { return w.offset }

// PhysToKernel returns the kernel-visible address of a physical address.
func (w *Window) PhysToKernel(pa uint64) uint64 {
	return pa + w.offset
}

// KernelToPhys is the inverse of PhysToKernel.
func (w *Window) KernelToPhys(kva uint64) (uint64, error) {
	if kva < w.offset {
		return 0, fmt.Errorf("mem: %#x is below the identity window %#x", kva, w.offset)
	}
	return kva - w.offset, nil
}

// Slice returns n bytes of read-only or writable memory at kva.
func (w *Window) Slice(kva, n uint64) ([]byte, error) {
	pa, err := w.KernelToPhys(kva)
	if err != nil {
		return nil, err
	}
	return w.bus.Slice(pa, n)
}

// WritableSlice returns n bytes of writable memory at kva.
func (w *Window) WritableSlice(kva, n uint64) ([]byte, error) {
	pa, err := w.KernelToPhys(kva)
	if err != nil {
		return nil, err
	}
	return w.bus.WritableSlice(pa, n)
}

// Zero clears n bytes at kva.
func (w *Window) Zero(kva, n uint64) error {
	buf, err := w.WritableSlice(kva, n)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}

// Copy copies data to kva.
func (w *Window) Copy(kva uint64, data []byte) error {
	buf, err := w.WritableSlice(kva, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// Read64 reads a doubleword at kva.
func (w *Window) Read64(kva uint64) (uint64, error) {
	pa, err := w.KernelToPhys(kva)
	if err != nil {
		return 0, err
	}
	return w.bus.Read64(pa)
}

// Write64 writes a doubleword at kva.
func (w *Window) Write64(kva uint64, value uint64) error {
	pa, err := w.KernelToPhys(kva)
	if err != nil {
		return err
	}
	return w.bus.Write64(pa, value)
}
