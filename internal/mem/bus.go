// Package mem models the physical address space the loader runs against:
// byte-backed regions on a bus, the kernel's physical identity window, and
// the page-frame allocators that hand out RAM.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnmapped = errors.New("mem: no region at address")
	ErrReadOnly = errors.New("mem: region is read-only")
	ErrBounds   = errors.New("mem: access out of bounds")
	ErrOverlap  = errors.New("mem: region overlaps an existing region")
)

var endian = binary.LittleEndian

// Region is a contiguous range of physical memory backed by a byte slice.
type Region struct {
	Name     string
	Base     uint64
	Data     []byte
	ReadOnly bool
}

// NewRegion creates a zeroed writable region of the given size.
func NewRegion(name string, base, size uint64) *Region {
	return &Region{
		Name: name,
		Base: base,
		Data: make([]byte, size),
	}
}

// NewROMRegion wraps data as a read-only region. The slice is used in place.
func NewROMRegion(name string, base uint64, data []byte) *Region {
	return &Region{
		Name:     name,
		Base:     base,
		Data:     data,
		ReadOnly: true,
	}
}

// Size returns the length of the region in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.Data)) }

// End returns the first physical address after the region.
func (r *Region) End() uint64 { return r.Base + r.Size() }

func (r *Region) contains(pa, n uint64) bool {
	return pa >= r.Base && n <= r.Size() && pa-r.Base <= r.Size()-n
}

// Bus routes physical accesses to regions.
//
// Regions are added during machine construction. Accesses to distinct bytes
// may happen concurrently from different tasks; the bus does not serialize
// data accesses, only region registration.
type Bus struct {
	mu      sync.RWMutex
	regions []*Region
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// AddRegion registers a region. Overlapping regions are rejected.
func (b *Bus) AddRegion(r *Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Size() == 0 {
		return fmt.Errorf("mem: region %s is empty", r.Name)
	}
	for _, other := range b.regions {
		if r.Base < other.End() && other.Base < r.End() {
			return fmt.Errorf("%w: %s [%#x-%#x) vs %s [%#x-%#x)",
				ErrOverlap, r.Name, r.Base, r.End(), other.Name, other.Base, other.End())
		}
	}
	b.regions = append(b.regions, r)
	return nil
}

// Region returns the region with the given name.
func (b *Bus) Region(name string) (*Region, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, r := range b.regions {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

func (b *Bus) find(pa, n uint64) (*Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, r := range b.regions {
		if r.contains(pa, n) {
			return r, nil
		}
	}
	for _, r := range b.regions {
		if pa >= r.Base && pa < r.End() {
			return nil, fmt.Errorf("%w: [%#x, +%#x) crosses the end of %s", ErrBounds, pa, n, r.Name)
		}
	}
	return nil, fmt.Errorf("%w %#x", ErrUnmapped, pa)
}

// Slice returns the n bytes at pa. The slice aliases the backing region.
func (b *Bus) Slice(pa, n uint64) ([]byte, error) {
	r, err := b.find(pa, n)
	if err != nil {
		return nil, err
	}
	off := pa - r.Base
	return r.Data[off : off+n : off+n], nil
}

// WritableSlice is Slice for regions that accept writes.
func (b *Bus) WritableSlice(pa, n uint64) ([]byte, error) {
	r, err := b.find(pa, n)
	if err != nil {
		return nil, err
	}
	if r.ReadOnly {
		return nil, fmt.Errorf("%w: %s at %#x", ErrReadOnly, r.Name, pa)
	}
	off := pa - r.Base
	return r.Data[off : off+n : off+n], nil
}

// Read reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (b *Bus) Read(pa uint64, size int) (uint64, error) {
	buf, err := b.Slice(pa, uint64(size))
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(endian.Uint16(buf)), nil
	case 4:
		return uint64(endian.Uint32(buf)), nil
	case 8:
		return endian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("mem: invalid read size %d", size)
	}
}

// Write writes a little-endian value of size 1, 2, 4 or 8 bytes.
func (b *Bus) Write(pa uint64, size int, value uint64) error {
	buf, err := b.WritableSlice(pa, uint64(size))
	if err != nil {
		return err
	}

	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		endian.PutUint16(buf, uint16(value))
	case 4:
		endian.PutUint32(buf, uint32(value))
	case 8:
		endian.PutUint64(buf, value)
	default:
		return fmt.Errorf("mem: invalid write size %d", size)
	}
	return nil
}

// Read64 reads a doubleword.
func (b *Bus) Read64(pa uint64) (uint64, error) {
	return b.Read(pa, 8)
}

// Write64 writes a doubleword.
func (b *Bus) Write64(pa uint64, value uint64) error {
	return b.Write(pa, 8, value)
}
