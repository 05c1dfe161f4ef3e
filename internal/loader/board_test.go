package loader

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/plash/internal/fdt"
)

func TestBoardTreeDescribesConfig(t *testing.T) {
	cfg := DefaultConfig()
	blob, err := BoardTree(cfg, 0x2345)
	if err != nil {
		t.Fatal(err)
	}
	board, err := ParseBoard(blob)
	if err != nil {
		t.Fatal(err)
	}
	want := Board{
		Memory: []fdt.Range{{Base: 0x8000_0000, Size: 16 << 20}},
		Flash:  []fdt.Range{{Base: 0x2200_0000, Size: 0x2345}},
	}
	if diff := cmp.Diff(want, board); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}
}

func TestBoardTreeWithoutFlash(t *testing.T) {
	blob, err := BoardTree(DefaultConfig(), 0)
	if err != nil {
		t.Fatal(err)
	}
	board, err := ParseBoard(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Flash) != 0 {
		t.Errorf("flash = %v, want none", board.Flash)
	}
}

func TestParseBoardNeedsMemory(t *testing.T) {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.BeginNode("memory@0")
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyReg("reg", fdt.Range{Base: 0, Size: 0x1000})
	b.EndNode()
	b.EndNode()
	blob, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseBoard(blob); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
	if _, err := ParseBoard([]byte("not a tree")); !errors.Is(err, fdt.ErrNotDeviceTree) {
		t.Errorf("err = %v, want ErrNotDeviceTree", err)
	}
}

func TestMachineFromDeviceTree(t *testing.T) {
	cfg := testConfig()
	image := make([]byte, 0x1800)
	image[0x10] = 0xab
	m, err := NewMachine(cfg, image)
	if err != nil {
		t.Fatal(err)
	}
	board, err := ParseBoard(m.DeviceTree)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m.Board, board); diff != "" {
		t.Errorf("stored board differs from tree (-stored +parsed):\n%s", diff)
	}
	flash, err := m.Flash()
	if err != nil {
		t.Fatal(err)
	}
	if len(flash) != len(image) || flash[0x10] != 0xab {
		t.Errorf("flash window does not expose the image")
	}
	if got, want := m.Alloc.AvailablePages(), int(cfg.RAMSize/4096); got != want {
		t.Errorf("AvailablePages = %d, want %d", got, want)
	}
}
