package loader

import (
	"fmt"
	"strings"

	"github.com/tinyrange/plash/internal/fdt"
)

// Board is the platform layout discovered from the device tree.
type Board struct {
	Memory []fdt.Range
	Flash  []fdt.Range
}

// BoardTree renders the device tree firmware hands the kernel for cfg. The
// flash node is omitted when no image is flashed.
func BoardTree(cfg Config, flashSize uint64) ([]byte, error) {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "plash,virt")

	b.BeginNode(fmt.Sprintf("memory@%x", uint64(cfg.RAMBase)))
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyReg("reg", fdt.Range{Base: uint64(cfg.RAMBase), Size: uint64(cfg.RAMSize)})
	b.EndNode()

	b.BeginNode("soc")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "simple-bus")
	b.AddPropertyEmpty("ranges")
	if flashSize > 0 {
		b.BeginNode(fmt.Sprintf("flash@%x", uint64(cfg.FlashBase)))
		b.AddPropertyString("compatible", "cfi-flash")
		b.AddPropertyReg("reg", fdt.Range{Base: uint64(cfg.FlashBase), Size: flashSize})
		b.EndNode()
	}
	b.EndNode()

	b.EndNode()
	return b.Build()
}

// ParseBoard collects memory nodes directly under the root and flash nodes
// under /soc. Regions with a zero base or size are ignored.
func ParseBoard(blob []byte) (Board, error) {
	root, err := fdt.Parse(blob)
	if err != nil {
		return Board{}, err
	}

	var board Board
	ac, sc := root.CellSizes()
	for _, n := range root.Children {
		isMemory := false
		for _, t := range n.Strings("device_type") {
			isMemory = isMemory || strings.Contains(t, "memory")
		}
		if !isMemory {
			continue
		}
		regs, err := n.Reg(ac, sc)
		if err != nil {
			return Board{}, err
		}
		board.Memory = append(board.Memory, nonEmpty(regs)...)
	}

	if soc := root.Child("soc"); soc != nil {
		ac, sc := soc.CellSizes()
		for _, n := range soc.Children {
			if n.UnitName() != "flash" {
				continue
			}
			regs, err := n.Reg(ac, sc)
			if err != nil {
				return Board{}, err
			}
			board.Flash = append(board.Flash, nonEmpty(regs)...)
		}
	}

	if len(board.Memory) == 0 {
		return Board{}, fmt.Errorf("%w: device tree has no memory", ErrInvalidConfig)
	}
	return board, nil
}

func nonEmpty(regs []fdt.Range) []fdt.Range {
	out := regs[:0]
	for _, r := range regs {
		if r.Base != 0 && r.Size != 0 {
			out = append(out, r)
		}
	}
	return out
}
