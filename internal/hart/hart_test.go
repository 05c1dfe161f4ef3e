package hart

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/plash/internal/asm"
	"github.com/tinyrange/plash/internal/asm/riscv"
	"github.com/tinyrange/plash/internal/mem"
	"github.com/tinyrange/plash/internal/paging"
)

const (
	testRAMBase = 0x8000_0000
	testRAMSize = 2 << 20
	testOffset  = 0xffff_ffc0_0000_0000

	codeVA  = 0x1000
	stackVA = 0x40_0000
)

type machine struct {
	bus    *mem.Bus
	window *mem.Window
	alloc  mem.Allocator
	pt     *paging.PageTable
}

func newMachine(t *testing.T) *machine {
	t.Helper()
	bus := mem.NewBus()
	if err := bus.AddRegion(mem.NewRegion("ram", testRAMBase, testRAMSize)); err != nil {
		t.Fatal(err)
	}
	window := mem.NewWindow(bus, testOffset)
	alloc, err := mem.NewBitmapAllocator(window.PhysToKernel(testRAMBase), testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := paging.New(alloc, window)
	if err != nil {
		t.Fatal(err)
	}
	m := &machine{bus: bus, window: window, alloc: alloc, pt: pt}
	m.mapBytes(t, stackVA-paging.PageSize, make([]byte, paging.PageSize), paging.PteR|paging.PteW)
	return m
}

func (m *machine) mapBytes(t *testing.T, va uint64, data []byte, flags paging.Flags) {
	t.Helper()
	pages := (len(data) + paging.PageSize - 1) / paging.PageSize
	kva, err := m.alloc.AllocPages(pages, paging.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.window.Zero(kva, uint64(pages*paging.PageSize)); err != nil {
		t.Fatal(err)
	}
	if err := m.window.Copy(kva, data); err != nil {
		t.Fatal(err)
	}
	pa, err := m.window.KernelToPhys(kva)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.pt.MapRegion(va, pa, uint64(pages*paging.PageSize), flags, false); err != nil {
		t.Fatalf("map %#x: %v", va, err)
	}
}

func (m *machine) load(t *testing.T, frag asm.Fragment) {
	t.Helper()
	prog, err := riscv.EmitProgram(frag)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	m.mapBytes(t, codeVA, prog.Bytes(), paging.PteR|paging.PteX)
}

func (m *machine) hart(cfg Config) *Hart {
	cfg.Bus = m.bus
	cfg.Satp = m.pt.Satp()
	cfg.Entry = codeVA
	cfg.Stack = stackVA
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 100_000
	}
	return New(cfg)
}

func TestExitStatus(t *testing.T) {
	m := newMachine(t)
	m.load(t, asm.Group{
		riscv.MovImmediate(riscv.A0, 42),
		riscv.Exit(),
	})
	code, err := m.hart(Config{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 42 {
		t.Errorf("exit status = %d, want 42", code)
	}
}

func TestFactorialWithStack(t *testing.T) {
	m := newMachine(t)
	// fact(n) = n * fact(n-1), recursive, spilling ra and n to the stack.
	m.load(t, asm.Group{
		riscv.MovImmediate(riscv.A0, 5),
		riscv.Call("fact"),
		riscv.Exit(),

		asm.MarkLabel("fact"),
		riscv.AddRegImm(riscv.SP, -16),
		riscv.MovToMemory(riscv.SP, riscv.RA, 8),
		riscv.MovToMemory(riscv.SP, riscv.A0, 0),
		riscv.MovImmediate(riscv.T0, 1),
		riscv.Bge(riscv.T0, riscv.A0, "base"),
		riscv.AddRegImm(riscv.A0, -1),
		riscv.Call("fact"),
		riscv.MovFromMemory(riscv.T1, riscv.SP, 0),
		riscv.Mul(riscv.A0, riscv.A0, riscv.T1),
		riscv.J("out"),
		asm.MarkLabel("base"),
		riscv.MovImmediate(riscv.A0, 1),
		asm.MarkLabel("out"),
		riscv.MovFromMemory(riscv.RA, riscv.SP, 8),
		riscv.AddRegImm(riscv.SP, 16),
		riscv.Ret(),
	})
	h := m.hart(Config{})
	code, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 120 {
		t.Errorf("5! = %d, want 120", code)
	}
	if h.Reg(RegSP) != stackVA {
		t.Errorf("sp = %#x after return, want %#x", h.Reg(RegSP), stackVA)
	}
}

func TestDivisionEdgeCases(t *testing.T) {
	m := newMachine(t)
	// 7 / 0 is all ones; 7 % 0 is 7; adding them gives 6.
	m.load(t, asm.Group{
		riscv.MovImmediate(riscv.T0, 7),
		riscv.Div(riscv.T1, riscv.T0, riscv.Zero),
		riscv.Remu(riscv.T2, riscv.T0, riscv.Zero),
		riscv.Add(riscv.A0, riscv.T1, riscv.T2),
		riscv.Exit(),
	})
	code, err := m.hart(Config{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if code != 6 {
		t.Errorf("got %d, want 6", code)
	}
}

func TestWriteSystemCall(t *testing.T) {
	m := newMachine(t)
	m.load(t, asm.Group{
		riscv.MovImmediate(riscv.A0, 1),
		riscv.La(riscv.A1, "msg"),
		riscv.MovImmediate(riscv.A2, 6),
		riscv.MovImmediate(riscv.A7, SysWrite),
		riscv.Ecall(),
		riscv.Mv(riscv.S1, riscv.A0),
		riscv.MovImmediate(riscv.A7, 1000),
		riscv.Ecall(),
		riscv.Add(riscv.A0, riscv.A0, riscv.S1),
		riscv.Exit(),
		asm.MarkLabel("msg"),
		asm.String("hello\n"),
	})
	var console bytes.Buffer
	code, err := m.hart(Config{Console: &console}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if console.String() != "hello\n" {
		t.Errorf("console = %q", console.String())
	}
	// write returns 6, the unknown call returns -ENOSYS.
	if code != 6-ENOSYS {
		t.Errorf("exit status = %d, want %d", code, 6-ENOSYS)
	}
}

func TestWriteWithBadLengthOrBuffer(t *testing.T) {
	tests := []struct {
		name string
		buf  asm.Fragment
		n    int64
	}{
		{"length -1", riscv.La(riscv.A1, "msg"), -1},
		{"length past mapping", riscv.La(riscv.A1, "msg"), 3 * paging.PageSize},
		{"unmapped buffer", riscv.MovImmediate(riscv.A1, 0x7000_0000), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t)
			m.load(t, asm.Group{
				riscv.MovImmediate(riscv.A0, 1),
				tt.buf,
				riscv.MovImmediate(riscv.A2, tt.n),
				riscv.MovImmediate(riscv.A7, SysWrite),
				riscv.Ecall(),
				riscv.Exit(),
				asm.MarkLabel("msg"),
				asm.String("hello\n"),
			})
			var console bytes.Buffer
			code, err := m.hart(Config{Console: &console}).Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if code != -EFAULT {
				t.Errorf("write returned %d, want %d", code, -EFAULT)
			}
			if console.Len() != 0 {
				t.Errorf("console = %q, want nothing", console.String())
			}
		})
	}
}

type hostCall struct {
	addr  uint64
	calls int
}

func (c *hostCall) Trap(h *Hart, pc uint64) (bool, error) {
	if pc != c.addr {
		return false, nil
	}
	c.calls++
	h.Return(h.Arg(0) * 3)
	return true, nil
}

func TestTrapHandler(t *testing.T) {
	m := newMachine(t)
	m.load(t, asm.Group{
		riscv.MovImmediate(riscv.T0, 0x7000),
		riscv.MovImmediate(riscv.A0, 11),
		riscv.Jalr(riscv.RA, riscv.T0, 0),
		riscv.Exit(),
	})
	handler := &hostCall{addr: 0x7000}
	code, err := m.hart(Config{Handler: handler}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handler.calls != 1 || code != 33 {
		t.Errorf("calls=%d exit=%d, want 1 and 33", handler.calls, code)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name  string
		frag  asm.Fragment
		cause uint64
		tval  uint64
	}{
		{
			name:  "fetch unmapped",
			frag:  asm.Group{riscv.MovImmediate(riscv.T0, 0x20_0000), riscv.Jalr(riscv.Zero, riscv.T0, 0)},
			cause: CauseInsnPageFault,
			tval:  0x20_0000,
		},
		{
			name:  "store to text",
			frag:  asm.Group{riscv.MovImmediate(riscv.T0, codeVA), riscv.MovToMemory(riscv.T0, riscv.Zero, 0)},
			cause: CauseStorePageFault,
			tval:  codeVA,
		},
		{
			name:  "load unmapped",
			frag:  asm.Group{riscv.MovFromMemory(riscv.A0, riscv.Zero, 8)},
			cause: CauseLoadPageFault,
			tval:  8,
		},
		{
			name:  "non-canonical",
			frag:  asm.Group{riscv.MovImmediate(riscv.T0, 1), riscv.Slli(riscv.T0, 40), riscv.MovFromMemory(riscv.A0, riscv.T0, 0)},
			cause: CauseLoadPageFault,
			tval:  1 << 40,
		},
		{
			name:  "compressed",
			frag:  asm.Bytes([]byte{0x01, 0x00, 0x01, 0x00}),
			cause: CauseIllegalInsn,
			tval:  0x00010001,
		},
		{
			name:  "csr",
			frag:  asm.Bytes([]byte{0x73, 0x25, 0x00, 0xc0}), // csrr a0, cycle
			cause: CauseIllegalInsn,
			tval:  0xc0002573,
		},
		{
			name:  "ebreak",
			frag:  riscv.Ebreak(),
			cause: CauseBreakpoint,
			tval:  codeVA,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t)
			m.load(t, tt.frag)
			_, err := m.hart(Config{}).Run(context.Background())
			var exc *Exception
			if !errors.As(err, &exc) {
				t.Fatalf("Run: got %v, want an exception", err)
			}
			if exc.Cause != tt.cause || exc.Tval != tt.tval {
				t.Errorf("got %v, want cause %d tval %#x", exc, tt.cause, tt.tval)
			}
		})
	}
}

func TestExecuteOnlyPageIsNotReadable(t *testing.T) {
	m := newMachine(t)
	m.load(t, asm.Group{
		riscv.MovImmediate(riscv.T0, 0x3000),
		riscv.MovFromMemory(riscv.A0, riscv.T0, 0),
		riscv.Exit(),
	})
	m.mapBytes(t, 0x3000, make([]byte, 8), paging.PteX)

	h := m.hart(Config{})
	_, err := h.Run(context.Background())
	var exc *Exception
	if !errors.As(err, &exc) || exc.Cause != CauseLoadPageFault {
		t.Fatalf("got %v, want load page fault", err)
	}

	if _, err := h.Translate(0x3000, hostarch.Execute); err != nil {
		t.Errorf("execute translation failed: %v", err)
	}
}

func TestStepLimitAndCancel(t *testing.T) {
	m := newMachine(t)
	m.load(t, asm.Group{asm.MarkLabel("spin"), riscv.J("spin")})

	if _, err := m.hart(Config{MaxSteps: 100}).Run(context.Background()); !errors.Is(err, ErrStepLimit) {
		t.Errorf("spin with step limit: got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.hart(Config{}).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled run: got %v", err)
	}
}

func TestVirtualAccessAcrossPages(t *testing.T) {
	m := newMachine(t)
	m.load(t, riscv.Exit())
	h := m.hart(Config{})

	// The last 4 bytes of the stack page and the unmapped page above it.
	if err := h.Write64(stackVA-8, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if v, err := h.Read64(stackVA - 8); err != nil || v != 0x1122334455667788 {
		t.Errorf("Read64 = %#x, %v", v, err)
	}
	if err := h.Write64(stackVA-4, 1); err == nil {
		t.Errorf("write straddling into an unmapped page succeeded")
	}

	if err := h.WriteBytes(stackVA-16, []byte("abc\x00")); err != nil {
		t.Fatal(err)
	}
	if s, err := h.ReadString(stackVA-16, 64); err != nil || s != "abc" {
		t.Errorf("ReadString = %q, %v", s, err)
	}
}
