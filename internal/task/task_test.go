package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/plash/internal/asm"
	"github.com/tinyrange/plash/internal/asm/riscv"
	"github.com/tinyrange/plash/internal/hart"
	"github.com/tinyrange/plash/internal/mem"
	"github.com/tinyrange/plash/internal/paging"
)

const (
	testRAMBase = 0x8000_0000
	testRAMSize = 4 << 20
	testOffset  = 0xffff_ffc0_0000_0000
	kernelBlock = 0xffff_ffc0_8000_0000
	codeVA      = 0x1000
)

type env struct {
	window *mem.Window
	alloc  mem.Allocator
}

func newEnv(t *testing.T) *env {
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
	return &env{window: window, alloc: alloc}
}

// space builds an address space with the kernel block and frag at codeVA.
func (e *env) space(t *testing.T, frag asm.Fragment) *paging.PageTable {
	t.Helper()
	prog, err := riscv.EmitProgram(frag)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := paging.New(e.alloc, e.window)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.MapRegion(kernelBlock, testRAMBase, paging.BlockSize, paging.FlagsFromAccess(hostarch.AnyAccess), true); err != nil {
		t.Fatal(err)
	}
	kva, err := e.alloc.AllocPages(1, paging.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.window.Copy(kva, prog.Bytes()); err != nil {
		t.Fatal(err)
	}
	pa, _ := e.window.KernelToPhys(kva)
	if err := pt.MapRegion(codeVA, pa, paging.PageSize, paging.PteR|paging.PteX, false); err != nil {
		t.Fatal(err)
	}
	return pt
}

// exitWith pushes status through the stack before exiting, so the task
// fails unless its stack is reachable.
func exitWith(status int64) asm.Fragment {
	return asm.Group{
		riscv.AddRegImm(riscv.SP, -8),
		riscv.MovImmediate(riscv.T0, status),
		riscv.MovToMemory(riscv.SP, riscv.T0, 0),
		riscv.MovFromMemory(riscv.A0, riscv.SP, 0),
		riscv.Exit(),
	}
}

type fakeRuntime struct {
	mu       sync.Mutex
	attached map[int]string
	released []int
}

func (f *fakeRuntime) Attach(_ *Scheduler, id, _ int, name string) hart.TrapHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = make(map[int]string)
	}
	f.attached[id] = name
	return nil
}

func (f *fakeRuntime) Release(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
}

func TestSpawnAndJoinInOrder(t *testing.T) {
	e := newEnv(t)
	rt := &fakeRuntime{}
	sched, err := New(context.Background(), Config{Window: e.window, Alloc: e.alloc, Runtime: rt, MaxSteps: 10_000})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		exited []string
	)
	var handles []*Handle
	for i, name := range []string{"first", "second", "third"} {
		pt := e.space(t, exitWith(int64(10+i)))
		h, err := sched.Spawn(Spec{
			Name:  name,
			Entry: codeVA,
			Satp:  pt.Satp(),
			OnExit: func(status int, err error) {
				mu.Lock()
				exited = append(exited, name)
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("Spawn(%s): %v", name, err)
		}
		if h.ID != i+1 {
			t.Errorf("task %s got id %d, want %d", name, h.ID, i+1)
		}
		handles = append(handles, h)
	}

	for i, h := range handles {
		status, err := h.Join()
		if err != nil {
			t.Fatalf("Join(%s): %v", h.Name, err)
		}
		if status != 10+i {
			t.Errorf("%s exited with %d, want %d", h.Name, status, 10+i)
		}
	}
	if err := sched.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if sched.Live() != 0 {
		t.Errorf("%d tasks still live", sched.Live())
	}
	if len(exited) != 3 {
		t.Errorf("OnExit ran for %v", exited)
	}
	if len(rt.attached) != 3 || len(rt.released) != 3 {
		t.Errorf("runtime attach/release: %v / %v", rt.attached, rt.released)
	}
}

func TestStackIsFreedOnExit(t *testing.T) {
	e := newEnv(t)
	sched, err := New(context.Background(), Config{Window: e.window, Alloc: e.alloc, MaxSteps: 10_000})
	if err != nil {
		t.Fatal(err)
	}
	pt := e.space(t, exitWith(0))
	before := e.alloc.UsedPages()

	h, err := sched.Spawn(Spec{Name: "app", Entry: codeVA, Satp: pt.Satp(), StackSize: 3 * mem.PageSize})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Join(); err != nil {
		t.Fatal(err)
	}
	if got := e.alloc.UsedPages(); got != before {
		t.Errorf("UsedPages after exit = %d, want %d", got, before)
	}
}

func TestFailingTaskDoesNotStopOthers(t *testing.T) {
	e := newEnv(t)
	sched, err := New(context.Background(), Config{Window: e.window, Alloc: e.alloc, MaxSteps: 10_000})
	if err != nil {
		t.Fatal(err)
	}

	bad, err := sched.Spawn(Spec{Name: "bad", Entry: codeVA, Satp: e.space(t, riscv.Ebreak()).Satp()})
	if err != nil {
		t.Fatal(err)
	}
	good, err := sched.Spawn(Spec{Name: "good", Entry: codeVA, Satp: e.space(t, exitWith(3)).Satp()})
	if err != nil {
		t.Fatal(err)
	}

	_, badErr := bad.Join()
	var exc *hart.Exception
	if !errors.As(badErr, &exc) || exc.Cause != hart.CauseBreakpoint {
		t.Errorf("bad task: got %v, want a breakpoint exception", badErr)
	}
	if status, err := good.Join(); err != nil || status != 3 {
		t.Errorf("good task: status %d, err %v", status, err)
	}
	if err := sched.Wait(); !errors.As(err, &exc) {
		t.Errorf("Wait: got %v, want the bad task's failure", err)
	}
}

func TestSpawnRejectsInvalidSpec(t *testing.T) {
	e := newEnv(t)
	sched, err := New(context.Background(), Config{Window: e.window, Alloc: e.alloc})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Spawn(Spec{Name: "noentry"}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("got %v, want ErrInvalidSpec", err)
	}
	if _, err := New(context.Background(), Config{}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("New without memory: got %v", err)
	}
}

func TestStackExhaustion(t *testing.T) {
	e := newEnv(t)
	sched, err := New(context.Background(), Config{Window: e.window, Alloc: e.alloc})
	if err != nil {
		t.Fatal(err)
	}
	_, err = sched.Spawn(Spec{Name: "huge", Entry: codeVA, StackSize: 2 * testRAMSize})
	if !errors.Is(err, mem.ErrNoMemory) {
		t.Errorf("got %v, want ErrNoMemory", err)
	}
}

func TestSpawnSeedsArgumentsAndReturn(t *testing.T) {
	e := newEnv(t)
	sched, err := New(context.Background(), Config{Window: e.window, Alloc: e.alloc, MaxSteps: 10_000})
	if err != nil {
		t.Fatal(err)
	}
	// The entry adds its two arguments and returns; the return address
	// exits with the sum.
	pt := e.space(t, asm.Group{
		riscv.Add(riscv.A0, riscv.A0, riscv.A1),
		riscv.Ret(),
		asm.Align(64),
		riscv.Exit(),
	})
	h, err := sched.Spawn(Spec{
		Name:   "args",
		Entry:  codeVA,
		Satp:   pt.Satp(),
		Args:   []uint64{5, 37},
		Return: codeVA + 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	if status, err := h.Join(); err != nil || status != 42 {
		t.Errorf("status %d, err %v; want 42", status, err)
	}

	if _, err := sched.Spawn(Spec{Name: "many", Entry: codeVA, Args: make([]uint64, MaxArgs+1)}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("nine arguments: got %v, want ErrInvalidSpec", err)
	}
}
