package loader

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/plash/internal/asm"
	"github.com/tinyrange/plash/internal/asm/riscv"
	"github.com/tinyrange/plash/internal/paging"
	"github.com/tinyrange/plash/internal/plash"
)

const textVA = 0x1000

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RAMSize = 4 << 20
	cfg.MaxSteps = 1_000_000
	return cfg
}

func encode(t *testing.T, img riscv.Image) []byte {
	t.Helper()
	data, err := img.Encode()
	if err != nil {
		t.Fatalf("encode image: %v", err)
	}
	return data
}

func assemble(t *testing.T, frag asm.Fragment) asm.Program {
	t.Helper()
	prog, err := riscv.EmitProgram(frag)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return prog
}

// trivialApp is li a0, 0; li a7, 93; ecall; nop: 16 bytes of text in a
// one-page R+X segment.
func trivialApp(t *testing.T) ([]byte, []byte) {
	t.Helper()
	text := assemble(t, asm.Group{
		riscv.MovImmediate(riscv.A0, 0),
		riscv.Exit(),
		riscv.Nop(),
	}).Bytes()
	if len(text) != 16 {
		t.Fatalf("trivial program is %d bytes, want 16", len(text))
	}
	return encode(t, riscv.Image{
		Entry: textVA,
		Segments: []riscv.Segment{{
			Vaddr:   textVA,
			Data:    text,
			MemSize: paging.PageSize,
			Flags:   elf.PF_R | elf.PF_X,
		}},
	}), text
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLoader(t *testing.T, cfg Config, apps ...[]byte) (*Loader, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	l, err := New(cfg, plash.Build(apps...), Options{Console: out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l, out
}

// physBytes reads n bytes at va through the application's page table and the
// kernel window. The range must not cross a page.
func physBytes(t *testing.T, l *Loader, app *App, va, n uint64) []byte {
	t.Helper()
	tr, err := app.Space.Query(va)
	if err != nil {
		t.Fatalf("Query(%#x): %v", va, err)
	}
	data, err := l.Machine().Window.Slice(l.Machine().Window.PhysToKernel(tr.Phys), n)
	if err != nil {
		t.Fatalf("read %#x: %v", va, err)
	}
	return data
}

func slot(t *testing.T, l *Loader, app *App, va uint64) uint64 {
	t.Helper()
	return binary.LittleEndian.Uint64(physBytes(t, l, app, va, 8))
}

func TestTwoAppsEndToEnd(t *testing.T) {
	first, text := trivialApp(t)
	second, _ := trivialApp(t)
	l, _ := newLoader(t, testConfig(), first, second)
	baseline := l.Machine().Alloc.UsedPages()

	if l.Directory().Len() != 2 {
		t.Fatalf("directory has %d apps, want 2", l.Directory().Len())
	}

	var apps []*App
	for i := range 2 {
		app, err := l.LoadApp(i)
		if err != nil {
			t.Fatalf("LoadApp(%d): %v", i, err)
		}
		apps = append(apps, app)
	}
	a, b := apps[0], apps[1]
	if a.Space.PageTable().Root() == b.Space.PageTable().Root() {
		t.Fatalf("apps share root table %#x", a.Space.PageTable().Root())
	}
	ta, err := a.Space.Query(textVA)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := b.Space.Query(textVA)
	if err != nil {
		t.Fatal(err)
	}
	if ta.Phys == tb.Phys {
		t.Fatalf("both apps translate %#x to %#x", textVA, ta.Phys)
	}

	for _, app := range apps {
		page := physBytes(t, l, app, textVA, paging.PageSize)
		if !bytes.Equal(page[:16], text) {
			t.Errorf("app%d text = % x, want % x", app.Index, page[:16], text)
		}
		if !bytes.Equal(page[16:], make([]byte, paging.PageSize-16)) {
			t.Errorf("app%d: tail of the segment page is not zero", app.Index)
		}
		if _, err := app.Space.Query(textVA + paging.PageSize); !errors.Is(err, paging.ErrNotMapped) {
			t.Errorf("app%d: page after text: got %v, want ErrNotMapped", app.Index, err)
		}
		app.Space.Destroy()
	}
	if got := l.Machine().Alloc.UsedPages(); got != baseline {
		t.Fatalf("after Destroy UsedPages = %d, want %d", got, baseline)
	}

	results, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Result{{Index: 0, Name: "app0"}, {Index: 1, Name: "app1"}}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if got := l.Machine().Alloc.UsedPages(); got != baseline {
		t.Errorf("after Run UsedPages = %d, want %d", got, baseline)
	}
}

func TestEarlyAllocatorRun(t *testing.T) {
	app, _ := trivialApp(t)
	cfg := testConfig()
	cfg.Allocator = AllocatorEarly
	l, _ := newLoader(t, cfg, app, app, app)
	results, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range results {
		if r.Err != nil || r.Status != 0 {
			t.Errorf("%s: status %d, err %v", r.Name, r.Status, r.Err)
		}
	}
}

func TestBssTailIsZero(t *testing.T) {
	cfg := testConfig()
	data := bytes.Repeat([]byte{0xa5}, 100)
	const vaddr = 0x2234
	img := encode(t, riscv.Image{
		Entry: textVA,
		Segments: []riscv.Segment{
			{Vaddr: textVA, Data: assemble(t, riscv.Exit()).Bytes(), Flags: elf.PF_R | elf.PF_X},
			{Vaddr: vaddr, Data: data, MemSize: 0x1800, Flags: elf.PF_R | elf.PF_W},
		},
	})

	l, _ := newLoader(t, cfg, img)

	// Dirty RAM first so zeroing is observable.
	used := make([]uint64, 0, 8)
	for range 8 {
		kva, err := l.Machine().Alloc.AllocPages(1, paging.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		buf, _ := l.Machine().Window.WritableSlice(kva, paging.PageSize)
		for i := range buf {
			buf[i] = 0xff
		}
		used = append(used, kva)
	}
	for _, kva := range used {
		l.Machine().Alloc.DeallocPages(kva, 1)
	}

	app, err := l.LoadApp(0)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Space.Destroy()

	first := physBytes(t, l, app, 0x2000, paging.PageSize)
	if !bytes.Equal(first[:0x234], make([]byte, 0x234)) {
		t.Error("bytes before the segment start are not zero")
	}
	if !bytes.Equal(first[0x234:0x234+100], data) {
		t.Error("file-backed bytes differ from the image")
	}
	if !bytes.Equal(first[0x234+100:], make([]byte, paging.PageSize-0x234-100)) {
		t.Error("bss in the first page is not zero")
	}
	second := physBytes(t, l, app, 0x3000, paging.PageSize)
	if !bytes.Equal(second, make([]byte, paging.PageSize)) {
		t.Error("bss in the second page is not zero")
	}

	tr, err := app.Space.Query(0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Flags.Access().Execute || !tr.Flags.Access().Write {
		t.Errorf("data flags = %s, want rw-", tr.Flags)
	}
	text, err := app.Space.Query(textVA)
	if err != nil {
		t.Fatal(err)
	}
	if !text.Flags.Access().Execute || text.Flags.Access().Write {
		t.Errorf("text flags = %s, want r-x", text.Flags)
	}
}

func TestMergedSegmentsShareFrames(t *testing.T) {
	text := assemble(t, riscv.Exit()).Bytes()
	data := []byte("shared page")
	img := encode(t, riscv.Image{
		Entry: textVA,
		Segments: []riscv.Segment{
			{Vaddr: textVA, Data: text, Flags: elf.PF_R | elf.PF_X},
			{Vaddr: textVA + 0x800, Data: data, Flags: elf.PF_R | elf.PF_W},
		},
	})
	l, _ := newLoader(t, testConfig(), img)
	app, err := l.LoadApp(0)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Space.Destroy()

	if len(app.Regions) != 1 {
		t.Fatalf("got %d regions, want 1: %v", len(app.Regions), app.Regions)
	}
	page := physBytes(t, l, app, textVA, paging.PageSize)
	if !bytes.Equal(page[:len(text)], text) || !bytes.Equal(page[0x800:0x800+len(data)], data) {
		t.Error("merged page does not hold both segments")
	}
	if got := app.Regions[0].Flags; got != paging.PteR|paging.PteW|paging.PteX {
		t.Errorf("merged flags = %s, want rwx", got)
	}
}

// gotProgram calls each export through a GOT slot in a writable data page.
func gotProgram(t *testing.T, names []string, body asm.Fragment) (asm.Program, []riscv.Segment) {
	t.Helper()
	g := asm.Group{body, asm.Align(paging.PageSize), asm.MarkLabel("data")}
	for _, name := range names {
		g = append(g, asm.MarkLabel(asm.Label("got_"+name)), riscv.Dword(0))
	}
	g = append(g, asm.MarkLabel("msg"), asm.String("hello from flash"))
	prog := assemble(t, g)
	segs, err := riscv.SplitProgram(textVA, prog, "data")
	if err != nil {
		t.Fatal(err)
	}
	return prog, segs
}

func gotVA(prog asm.Program, name string) uint64 {
	return textVA + uint64(prog.MustLabel(asm.Label("got_"+name)))
}

func callGOT(name string) asm.Fragment {
	return asm.Group{
		riscv.LoadLabel(riscv.T0, asm.Label("got_"+name)),
		riscv.Jalr(riscv.RA, riscv.T0, 0),
	}
}

func TestNamedRelocationWritesExportAddress(t *testing.T) {
	prog, segs := gotProgram(t, []string{"puts", "printf"}, riscv.Exit())
	msg := textVA + uint64(prog.MustLabel("msg"))

	img := encode(t, riscv.Image{
		Entry:    textVA,
		Segments: segs,
		PLT: []riscv.Reloc{
			{Offset: gotVA(prog, "puts"), Type: elf.R_RISCV_JUMP_SLOT, Symbol: "puts"},
		},
		Dyn: []riscv.Reloc{
			{Offset: gotVA(prog, "printf"), Type: elf.R_RISCV_RELATIVE, Addend: int64(msg)},
		},
	})
	l, _ := newLoader(t, testConfig(), img)
	app, err := l.LoadApp(0)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Space.Destroy()

	want, _ := l.Runtime().Exports().Lookup("puts")
	if got := slot(t, l, app, gotVA(prog, "puts")); got != want {
		t.Errorf("puts slot = %#x, want %#x", got, want)
	}
	if got := slot(t, l, app, gotVA(prog, "printf")); got != msg {
		t.Errorf("addend-only slot = %#x, want %#x", got, msg)
	}
	if app.Relocations != 2 {
		t.Errorf("Relocations = %d, want 2", app.Relocations)
	}
}

func TestRelocationIntoReadOnlyText(t *testing.T) {
	// The slot sits in r-x text: the write must go through the kernel
	// window, not the application's mapping.
	prog := assemble(t, asm.Group{
		riscv.Exit(),
		asm.Align(8),
		asm.MarkLabel("slot"), riscv.Dword(0),
	})
	at := textVA + uint64(prog.MustLabel("slot"))
	img := encode(t, riscv.Image{
		Entry:    textVA,
		Segments: []riscv.Segment{riscv.TextSegment(textVA, prog)},
		PLT:      []riscv.Reloc{{Offset: at, Type: elf.R_RISCV_JUMP_SLOT, Symbol: "malloc"}},
	})
	l, _ := newLoader(t, testConfig(), img)
	app, err := l.LoadApp(0)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Space.Destroy()
	want, _ := l.Runtime().Exports().Lookup("malloc")
	if got := slot(t, l, app, at); got != want {
		t.Errorf("slot = %#x, want %#x", got, want)
	}
}

func TestSymbolFallbacks(t *testing.T) {
	prog, segs := gotProgram(t, []string{"weak", "local", "plus"}, riscv.Exit())
	img := encode(t, riscv.Image{
		Entry:    textVA,
		Segments: segs,
		Symbols: []riscv.Symbol{
			{Name: "optional_hook", Bind: elf.STB_WEAK, Type: elf.STT_FUNC},
			{Name: "local_table", Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Value: 0x4000},
		},
		Dyn: []riscv.Reloc{
			{Offset: gotVA(prog, "weak"), Type: elf.R_RISCV_64, Symbol: "optional_hook"},
			{Offset: gotVA(prog, "local"), Type: elf.R_RISCV_64, Symbol: "local_table", Addend: 0x10},
			{Offset: gotVA(prog, "plus"), Type: elf.R_RISCV_64, Symbol: "rand", Addend: 4},
		},
	})
	l, _ := newLoader(t, testConfig(), img)
	app, err := l.LoadApp(0)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Space.Destroy()

	rand, _ := l.Runtime().Exports().Lookup("rand")
	for _, tc := range []struct {
		slot string
		want uint64
	}{
		{"weak", 0},
		{"local", 0x4010},
		{"plus", rand + 4},
	} {
		if got := slot(t, l, app, gotVA(prog, tc.slot)); got != tc.want {
			t.Errorf("%s slot = %#x, want %#x", tc.slot, got, tc.want)
		}
	}
}

func TestUnresolvedSymbolFailsLoad(t *testing.T) {
	prog, segs := gotProgram(t, []string{"missing"}, riscv.Exit())
	img := encode(t, riscv.Image{
		Entry:    textVA,
		Segments: segs,
		PLT: []riscv.Reloc{
			{Offset: gotVA(prog, "missing"), Type: elf.R_RISCV_JUMP_SLOT, Symbol: "no_such_function"},
		},
	})
	good, _ := trivialApp(t)
	l, _ := newLoader(t, testConfig(), good, img)
	baseline := l.Machine().Alloc.UsedPages()

	_, err := l.LoadApp(1)
	var unresolved *UnresolvedSymbolError
	if !errors.As(err, &unresolved) {
		t.Fatalf("LoadApp: got %v, want UnresolvedSymbolError", err)
	}
	if diff := cmp.Diff(&UnresolvedSymbolError{App: 1, Symbol: "no_such_function"}, unresolved); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
	if got := l.Machine().Alloc.UsedPages(); got != baseline {
		t.Errorf("failed load leaked %d pages", got-baseline)
	}

	if _, err := l.Run(context.Background()); !errors.As(err, &unresolved) {
		t.Errorf("Run: got %v, want UnresolvedSymbolError", err)
	}
}

func TestLoadErrorStopsRunningApps(t *testing.T) {
	spin := encode(t, riscv.Image{
		Entry: textVA,
		Segments: []riscv.Segment{riscv.TextSegment(textVA, assemble(t, asm.Group{
			asm.MarkLabel("spin"),
			riscv.J("spin"),
		}))},
	})
	cfg := testConfig()
	cfg.MaxSteps = 0
	l, _ := newLoader(t, cfg, spin, []byte("not an executable"))

	_, err := l.Run(context.Background())
	if !errors.Is(err, ErrMalformedImage) {
		t.Fatalf("Run: got %v, want ErrMalformedImage", err)
	}
}

func TestMalformedImages(t *testing.T) {
	exit := assemble(t, riscv.Exit())
	text := []riscv.Segment{riscv.TextSegment(textVA, exit)}

	wrongMachine := encode(t, riscv.Image{Entry: textVA, Segments: text})
	binary.LittleEndian.PutUint16(wrongMachine[18:], uint16(elf.EM_X86_64))

	for _, tc := range []struct {
		name string
		img  []byte
		want error
	}{
		{"not elf", []byte("definitely not an ELF file"), ErrMalformedImage},
		{"wrong machine", wrongMachine, ErrMalformedImage},
		{"entry outside text", encode(t, riscv.Image{Entry: 0x5000, Segments: text}), ErrMalformedImage},
		{
			"write without read",
			encode(t, riscv.Image{Entry: textVA, Segments: []riscv.Segment{
				{Vaddr: textVA, Data: exit.Bytes(), Flags: elf.PF_W | elf.PF_X},
			}}),
			paging.ErrInvalidFlags,
		},
		{
			"no permissions",
			encode(t, riscv.Image{Entry: textVA, Segments: []riscv.Segment{
				riscv.TextSegment(textVA, exit),
				{Vaddr: 0x8000, Data: []byte{1}},
			}}),
			ErrMalformedImage,
		},
		{
			"relocations without symbols",
			encode(t, riscv.Image{Entry: textVA, Segments: text, OmitDynsym: true,
				PLT: []riscv.Reloc{{Offset: textVA, Type: elf.R_RISCV_JUMP_SLOT, Symbol: "puts"}}}),
			ErrMalformedImage,
		},
		{
			"unsupported relocation",
			encode(t, riscv.Image{Entry: textVA, Segments: text,
				Dyn: []riscv.Reloc{{Offset: textVA, Type: elf.R_RISCV_32}}}),
			ErrUnsupportedRelocation,
		},
		{
			"misaligned slot",
			encode(t, riscv.Image{Entry: textVA, Segments: text,
				Dyn: []riscv.Reloc{{Offset: textVA + 4, Type: elf.R_RISCV_RELATIVE, Addend: 1}}}),
			ErrMalformedImage,
		},
		{
			"unmapped slot",
			encode(t, riscv.Image{Entry: textVA, Segments: text,
				Dyn: []riscv.Reloc{{Offset: 0x9000, Type: elf.R_RISCV_RELATIVE, Addend: 1}}}),
			paging.ErrNotMapped,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newLoader(t, testConfig(), tc.img)
			baseline := l.Machine().Alloc.UsedPages()
			_, err := l.LoadApp(0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if got := l.Machine().Alloc.UsedPages(); got != baseline {
				t.Errorf("failed load leaked %d pages", got-baseline)
			}
		})
	}
}

func TestLoadAppOutOfRange(t *testing.T) {
	app, _ := trivialApp(t)
	l, _ := newLoader(t, testConfig(), app)
	if _, err := l.LoadApp(1); !errors.Is(err, ErrNoSuchApp) {
		t.Errorf("got %v, want ErrNoSuchApp", err)
	}
}

func TestPutsThroughPLT(t *testing.T) {
	prog, segs := gotProgram(t, []string{"puts"}, asm.Group{
		riscv.La(riscv.A0, "msg"),
		callGOT("puts"),
		riscv.MovImmediate(riscv.A0, 5),
		riscv.Exit(),
	})
	img := encode(t, riscv.Image{
		Entry:    textVA,
		Segments: segs,
		PLT:      []riscv.Reloc{{Offset: gotVA(prog, "puts"), Type: elf.R_RISCV_JUMP_SLOT, Symbol: "puts"}},
	})

	var loaded []string
	out := &syncBuffer{}
	l, err := New(testConfig(), plash.Build(img, img), Options{
		Console:  out,
		OnLoaded: func(app *App) { loaded = append(loaded, app.Name) },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	baseline := l.Machine().Alloc.UsedPages()

	results, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range results {
		if r.Err != nil || r.Status != 5 {
			t.Errorf("%s: status %d, err %v", r.Name, r.Status, r.Err)
		}
	}
	if got, want := out.String(), strings.Repeat("hello from flash\n", 2); got != want {
		t.Errorf("console = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"app0", "app1"}, loaded); diff != "" {
		t.Errorf("OnLoaded order (-want +got):\n%s", diff)
	}
	if got := l.Machine().Alloc.UsedPages(); got != baseline {
		t.Errorf("UsedPages after Run = %d, want %d", got, baseline)
	}
}

func TestStartMainThroughPLT(t *testing.T) {
	names := []string{"__libc_start_main", "printf"}
	body := asm.Group{
		riscv.La(riscv.A0, "main"),
		callGOT("__libc_start_main"),
		riscv.Ebreak(),

		asm.MarkLabel("main"),
		riscv.AddRegImm(riscv.SP, -16),
		riscv.MovToMemory(riscv.SP, riscv.RA, 8),
		riscv.La(riscv.A0, "fmt"),
		riscv.MovImmediate(riscv.A1, 42),
		callGOT("printf"),
		riscv.MovFromMemory(riscv.RA, riscv.SP, 8),
		riscv.AddRegImm(riscv.SP, 16),
		riscv.MovImmediate(riscv.A0, 7),
		riscv.Ret(),

		asm.MarkLabel("fmt"),
		asm.String("answer=%d\n"),
	}
	prog, segs := gotProgram(t, names, body)
	var plt []riscv.Reloc
	for _, name := range names {
		plt = append(plt, riscv.Reloc{Offset: gotVA(prog, name), Type: elf.R_RISCV_JUMP_SLOT, Symbol: name})
	}
	img := encode(t, riscv.Image{Entry: textVA, Segments: segs, PLT: plt})

	l, out := newLoader(t, testConfig(), img)
	results, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil || results[0].Status != 7 {
		t.Fatalf("results = %+v", results)
	}
	if got := out.String(); got != "answer=42\n" {
		t.Errorf("console = %q", got)
	}
}

func TestNewRejectsBadImage(t *testing.T) {
	if _, err := New(testConfig(), []byte{1, 2, 3}, Options{}); !errors.Is(err, plash.ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
	if _, err := New(testConfig(), nil, Options{}); !errors.Is(err, plash.ErrTruncated) {
		t.Errorf("empty image: got %v, want ErrTruncated", err)
	}
}
