package loader

import (
	"fmt"

	"github.com/tinyrange/plash/internal/mem"
)

// Machine is the simulated board: RAM and the read-only flash window on one
// physical bus, the kernel identity window over it, and the frame allocator
// that owns RAM.
type Machine struct {
	Bus    *mem.Bus
	Window *mem.Window
	Alloc  mem.Allocator

	// DeviceTree is the blob the board was discovered from.
	DeviceTree []byte
	Board      Board

	flash *mem.Region
}

// NewMachine builds the board described by cfg with image flashed at
// cfg.FlashBase. The layout is rendered to a device tree and the bus is
// populated from what the tree reports. The image is used in place.
func NewMachine(cfg Config, image []byte) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tree, err := BoardTree(cfg, uint64(len(image)))
	if err != nil {
		return nil, fmt.Errorf("build device tree: %w", err)
	}
	board, err := ParseBoard(tree)
	if err != nil {
		return nil, fmt.Errorf("parse device tree: %w", err)
	}

	bus := mem.NewBus()
	for i, r := range board.Memory {
		if err := bus.AddRegion(mem.NewRegion(fmt.Sprintf("ram%d", i), r.Base, r.Size)); err != nil {
			return nil, fmt.Errorf("add ram: %w", err)
		}
	}
	flash := mem.NewROMRegion("flash", uint64(cfg.FlashBase), nil)
	if len(board.Flash) > 0 {
		r := board.Flash[0]
		if r.Size != uint64(len(image)) {
			return nil, fmt.Errorf("%w: flash node covers %#x bytes, image is %#x", ErrInvalidConfig, r.Size, len(image))
		}
		flash = mem.NewROMRegion("flash", r.Base, image)
		if err := bus.AddRegion(flash); err != nil {
			return nil, fmt.Errorf("add flash: %w", err)
		}
	}

	window := mem.NewWindow(bus, uint64(cfg.PhysVirtOffset))
	ram := board.Memory[0]
	start := window.PhysToKernel(ram.Base)

	var alloc mem.Allocator
	switch cfg.Allocator {
	case AllocatorEarly:
		alloc, err = mem.NewEarlyAllocator(start, ram.Size)
	default:
		alloc, err = mem.NewBitmapAllocator(start, ram.Size)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s allocator: %w", cfg.Allocator, err)
	}

	return &Machine{
		Bus:    bus,
		Window: window,
		Alloc:  alloc,

		DeviceTree: tree,
		Board:      board,

		flash: flash,
	}, nil
}

// Flash returns the flashed image as seen on the bus.
func (m *Machine) Flash() ([]byte, error) {
	if m.flash.Size() == 0 {
		return nil, nil
	}
	return m.Bus.Slice(m.flash.Base, m.flash.Size())
}
