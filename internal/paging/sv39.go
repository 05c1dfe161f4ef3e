// Package paging builds and walks Sv39 page tables stored in simulated
// physical memory.
package paging

import (
	"debug/elf"
	"strings"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Geometry
const (
	PageSize   = 4096
	PageShift  = 12
	Levels     = 3
	VpnBits    = 9
	PpnBits    = 44
	PteSize    = 8
	PpnShift   = 10
	BlockLevel = Levels - 1

	// BlockSize is the span of one top-level leaf (a gigapage).
	BlockSize = 1 << (PageShift + BlockLevel*VpnBits)

	vpnMask = 1<<VpnBits - 1
	ppnMask = 1<<PpnBits - 1
)

// Flags is the permission subset of a leaf entry: R, W, X, U and G.
type Flags uint64

const permMask = PteR | PteW | PteX | PteU | PteG

// FlagsFromProg converts ELF segment flags into leaf permission bits.
//
// The ELF and Sv39 layouts differ (PF_X is bit 0, PTE X is bit 3), so each
// bit is remapped individually.
func FlagsFromProg(pf elf.ProgFlag) Flags {
	var f Flags
	if pf&elf.PF_R != 0 {
		f |= PteR
	}
	if pf&elf.PF_W != 0 {
		f |= PteW
	}
	if pf&elf.PF_X != 0 {
		f |= PteX
	}
	return f
}

// FlagsFromAccess converts an access set into leaf permission bits.
func FlagsFromAccess(at hostarch.AccessType) Flags {
	var f Flags
	if at.Read {
		f |= PteR
	}
	if at.Write {
		f |= PteW
	}
	if at.Execute {
		f |= PteX
	}
	return f
}

// Access returns the read/write/execute part of f.
func (f Flags) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&PteR != 0,
		Write:   f&PteW != 0,
		Execute: f&PteX != 0,
	}
}

// valid reports whether f is a legal leaf permission set. Sv39 reserves
// write-without-read, and a leaf needs at least one of R or X.
func (f Flags) valid() bool {
	if f&^permMask != 0 {
		return false
	}
	if f&(PteR|PteX) == 0 {
		return false
	}
	return f&PteW == 0 || f&PteR != 0
}

func (f Flags) String() string {
	var sb strings.Builder
	sb.WriteString(f.Access().String())
	if f&PteU != 0 {
		sb.WriteByte('u')
	}
	if f&PteG != 0 {
		sb.WriteByte('g')
	}
	return sb.String()
}

// PTE is a raw Sv39 page table entry.
type PTE uint64

func (p PTE) Valid() bool { return p&PteV != 0 }

// Leaf reports whether the entry maps memory rather than pointing at the
// next level.
func (p PTE) Leaf() bool { return p&(PteR|PteW|PteX) != 0 }

// Phys returns the physical address encoded in the entry.
func (p PTE) Phys() uint64 { return (uint64(p) >> PpnShift & ppnMask) << PageShift }

// Flags returns the permission bits of the entry.
func (p PTE) Flags() Flags { return Flags(p) & permMask }

func leafPTE(pa uint64, f Flags) PTE {
	return PTE((pa>>PageShift)<<PpnShift | uint64(f&permMask) | PteV | PteA | PteD)
}

func tablePTE(pa uint64) PTE {
	return PTE((pa>>PageShift)<<PpnShift | PteV)
}

// VPN returns the page-table index of va at the given level.
// Level 0 is the leaf level (bits 12-20), level 2 the root (bits 30-38).
func VPN(va uint64, level int) uint64 {
	return (va >> (PageShift + level*VpnBits)) & vpnMask
}

// LevelSize returns the span mapped by one entry at the given level.
func LevelSize(level int) uint64 {
	return 1 << (PageShift + level*VpnBits)
}

// Canonical reports whether va is a valid Sv39 address: bits 63-39 must
// all equal bit 38.
func Canonical(va uint64) bool {
	hi := int64(va) >> 38
	return hi == 0 || hi == -1
}

// MakeSatp builds the address-space selector for a root table.
func MakeSatp(mode uint64, asid uint16, rootPA uint64) uint64 {
	return mode<<60 | uint64(asid)<<44 | (rootPA>>PageShift)&ppnMask
}

// SatpRoot extracts the root table's physical address from a selector.
func SatpRoot(satp uint64) uint64 {
	return (satp & ppnMask) << PageShift
}

// SatpMode extracts the paging mode from a selector.
func SatpMode(satp uint64) uint64 {
	return satp >> 60 & 0xf
}
