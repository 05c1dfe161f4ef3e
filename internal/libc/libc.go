// Package libc provides the kernel-resident functions that applications link
// against. Each function owns a small trampoline in kernel text; a hart that
// reaches a trampoline address is handed to the matching Go implementation.
package libc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/tinyrange/plash/internal/exports"
	"github.com/tinyrange/plash/internal/hart"
	"github.com/tinyrange/plash/internal/mem"
	"github.com/tinyrange/plash/internal/task"
)

// DefaultThreadStackSize is used when Config.ThreadStackSize is zero.
const DefaultThreadStackSize = 16 << 10

// TrampolineSize is the spacing between export addresses.
const TrampolineSize = 16

// Names is the export set in table order.
var Names = []string{
	"__libc_start_main",
	"putchar",
	"printf",
	"puts",
	"malloc",
	"free",
	"pthread_self",
	"pthread_exit",
	"pthread_mutex_unlock",
	"__assert_fail",
	"sprintf",
	"getpid",
	"pthread_create",
	"pthread_mutex_lock",
	"pthread_join",
	"rand",
	"calloc",
	"exit",
	"abort",
}

// trampoline is what a hart would execute if it ever fetched from an export
// address without the runtime attached: ebreak; ret; nop; nop.
var trampoline = []uint32{0x00100073, 0x00008067, 0x00000013, 0x00000013}

type Config struct {
	Window  *mem.Window
	Alloc   mem.Allocator
	Console io.Writer
	Logger  *slog.Logger
	// Seed drives rand; runs with the same seed see the same sequence.
	Seed uint64
	// ThreadStackSize is the stack given to pthread_create threads.
	ThreadStackSize uint64
}

// Runtime owns the trampoline text and the per-task state of every attached
// task.
type Runtime struct {
	window *mem.Window
	alloc  mem.Allocator
	log    *slog.Logger

	text      uint64 // kernel address of the trampoline page(s)
	textPages int
	end       uint64
	table     *exports.Table
	shims     map[string]shim

	console     *lockedWriter
	threadStack uint64

	mu      sync.Mutex
	threads map[int]*Thread
	locks   map[lockKey]chan struct{}
	rng     *rand.Rand
}

// lockKey names a pthread mutex by its address in one address space.
type lockKey struct {
	satp, va uint64
}

// New reserves kernel text for the trampolines and builds the export table.
func New(cfg Config) (*Runtime, error) {
	if cfg.Window == nil || cfg.Alloc == nil {
		return nil, fmt.Errorf("libc: window and allocator are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	console := cfg.Console
	if console == nil {
		console = io.Discard
	}

	threadStack := cfg.ThreadStackSize
	if threadStack == 0 {
		threadStack = DefaultThreadStackSize
	}

	size := uint64(len(Names) * TrampolineSize)
	pages := int((size + mem.PageSize - 1) / mem.PageSize)
	text, err := cfg.Alloc.AllocPages(pages, mem.PageSize)
	if err != nil {
		return nil, fmt.Errorf("libc: reserve trampoline text: %w", err)
	}

	rt := &Runtime{
		window:    cfg.Window,
		alloc:     cfg.Alloc,
		log:       log,
		text:      text,
		textPages: pages,
		end:       text + size,
		shims:     shimTable(),
		console:   &lockedWriter{w: console},
		threads:   make(map[int]*Thread),
		locks:     make(map[lockKey]chan struct{}),

		threadStack: threadStack,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}

	code := make([]byte, pages*mem.PageSize)
	entries := make([]exports.Entry, 0, len(Names))
	for i, name := range Names {
		if _, ok := rt.shims[name]; !ok {
			cfg.Alloc.DeallocPages(text, pages)
			return nil, fmt.Errorf("libc: no implementation for %s", name)
		}
		for j, insn := range trampoline {
			binary.LittleEndian.PutUint32(code[i*TrampolineSize+j*4:], insn)
		}
		entries = append(entries, exports.Entry{Name: name, Addr: text + uint64(i*TrampolineSize)})
	}
	if err := cfg.Window.Copy(text, code); err != nil {
		cfg.Alloc.DeallocPages(text, pages)
		return nil, fmt.Errorf("libc: write trampolines: %w", err)
	}

	rt.table, err = exports.NewTable(entries...)
	if err != nil {
		cfg.Alloc.DeallocPages(text, pages)
		return nil, err
	}
	return rt, nil
}

// Exports returns the export table. It is read-only.
func (rt *Runtime) Exports() *exports.Table { return rt.table }

// Console returns the serialized console shared by every task.
func (rt *Runtime) Console() io.Writer { return rt.console }

// Close releases the trampoline text. Attached tasks must have exited.
func (rt *Runtime) Close() {
	rt.alloc.DeallocPages(rt.text, rt.textPages)
}

// Attach creates the per-task state for task id and returns the handler its
// hart must consult before every fetch. A task spawned by another attached
// task is one of its threads and shares its heap. Threads may be created
// only when s is non-nil.
func (rt *Runtime) Attach(s *task.Scheduler, id, parent int, name string) hart.TrapHandler {
	t := &Thread{
		rt:       rt,
		id:       id,
		parent:   parent,
		name:     name,
		sched:    s,
		log:      rt.log.With("task", id, "name", name),
		children: make(map[int]*task.Handle),
		retvals:  make(map[int]uint64),
	}
	rt.mu.Lock()
	if p, ok := rt.threads[parent]; ok && parent != 0 {
		t.heap = p.heap
	} else {
		t.heap = &arena{alloc: rt.alloc, window: rt.window}
		t.ownsHeap = true
	}
	rt.threads[id] = t
	rt.mu.Unlock()
	return t
}

// Release waits for the unjoined threads task id created, then frees what
// it allocated through the runtime. The heap goes with the task that
// created it.
func (rt *Runtime) Release(id int) {
	rt.mu.Lock()
	t, ok := rt.threads[id]
	rt.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	children := make([]*task.Handle, 0, len(t.children))
	for _, c := range t.children {
		children = append(children, c)
	}
	t.children = nil
	t.mu.Unlock()
	for _, c := range children {
		t.log.Debug("waiting for unjoined thread", "thread", c.ID)
		<-c.Done()
	}

	rt.mu.Lock()
	delete(rt.threads, id)
	if t.ownsHeap {
		for k := range rt.locks {
			if k.satp == t.satp {
				delete(rt.locks, k)
			}
		}
	}
	rt.mu.Unlock()
	if t.ownsHeap {
		t.heap.release()
	}
}

// Attached returns the number of tasks currently attached.
func (rt *Runtime) Attached() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.threads)
}

func (rt *Runtime) rand() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rng.Uint64() & 0x7fff_ffff // RAND_MAX
}

// mutex returns the lock for the pthread mutex at va.
func (rt *Runtime) mutex(satp, va uint64) chan struct{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	k := lockKey{satp: satp, va: va}
	m, ok := rt.locks[k]
	if !ok {
		m = make(chan struct{}, 1)
		rt.locks[k] = m
	}
	return m
}

// Thread is the runtime state of one task.
type Thread struct {
	rt       *Runtime
	id       int
	parent   int
	name     string
	sched    *task.Scheduler
	heap     *arena
	ownsHeap bool
	log      *slog.Logger
	satp     uint64

	mu       sync.Mutex
	children map[int]*task.Handle
	retvals  map[int]uint64
}

func (t *Thread) context() context.Context {
	if t.sched == nil {
		return context.Background()
	}
	return t.sched.Context()
}

// Trap implements hart.TrapHandler.
func (t *Thread) Trap(h *hart.Hart, pc uint64) (bool, error) {
	if pc < t.rt.text || pc >= t.rt.end {
		return false, nil
	}
	t.satp = h.Satp()
	e, ok := t.rt.table.At(pc)
	if !ok {
		return true, fmt.Errorf("libc: jump into the middle of trampoline text at %#x", pc)
	}
	if err := t.rt.shims[e.Name](t, h); err != nil {
		return true, fmt.Errorf("libc: %s: %w", e.Name, err)
	}
	return true, nil
}

func (t *Thread) write(p []byte) (int, error) {
	return t.rt.console.Write(p)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
