// Package task spawns applications as independent units of execution, each on
// its own hart, and lets the caller join them.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/plash/internal/hart"
	"github.com/tinyrange/plash/internal/mem"
)

// DefaultStackSize is used when a Spec leaves StackSize at zero.
const DefaultStackSize = 4096

// MaxArgs is the number of argument registers.
const MaxArgs = 8

var ErrInvalidSpec = errors.New("task: invalid spec")

// Runtime supplies host services to tasks.
type Runtime interface {
	// Attach is called before the task's first instruction. parent is the
	// id of the spawning task, or 0. The returned handler is consulted
	// before every fetch and may spawn further tasks on s.
	Attach(s *Scheduler, id, parent int, name string) hart.TrapHandler
	// Release is called once the task has stopped.
	Release(id int)
}

type Config struct {
	Window  *mem.Window
	Alloc   mem.Allocator
	Runtime Runtime // optional
	Console io.Writer
	Logger  *slog.Logger

	// MaxSteps bounds every task; zero means unbounded.
	MaxSteps uint64
}

// Spec describes one task.
type Spec struct {
	Name      string
	Entry     uint64
	StackSize uint64
	// Satp selects the address space the task runs in. It is installed on
	// the task's hart before the first fetch.
	Satp uint64
	// Args are passed in a0 onwards, at most MaxArgs of them.
	Args []uint64
	// Return is the initial ra: where the entry function returns to.
	Return uint64
	// Parent is the id of the spawning task, 0 for applications.
	Parent int
	// OnExit runs after the task has stopped and its stack has been freed,
	// before Join returns.
	OnExit func(status int, err error)
}

// Handle is a joinable reference to a spawned task.
type Handle struct {
	ID   int
	Name string

	done   chan struct{}
	status int
	err    error
}

// Join blocks until the task finishes and returns its exit status.
func (h *Handle) Join() (int, error) {
	<-h.done
	return h.status, h.err
}

// Done is closed when the task finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Scheduler runs tasks. Tasks never cancel one another: a failing task is
// reported through its handle and Wait, the others keep running.
type Scheduler struct {
	cfg Config
	ctx context.Context
	log *slog.Logger

	group errgroup.Group

	mu     sync.Mutex
	nextID int
	live   int
}

// New creates a scheduler. Tasks run until they exit or ctx is done.
func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	if cfg.Window == nil || cfg.Alloc == nil {
		return nil, fmt.Errorf("%w: window and allocator are required", ErrInvalidSpec)
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, ctx: ctx, log: log, nextID: 1}, nil
}

// Spawn allocates a stack for spec and starts it. The stack lives in kernel
// memory, which every address space maps.
func (s *Scheduler) Spawn(spec Spec) (*Handle, error) {
	if spec.Entry == 0 {
		return nil, fmt.Errorf("%w: %q has no entry point", ErrInvalidSpec, spec.Name)
	}
	if len(spec.Args) > MaxArgs {
		return nil, fmt.Errorf("%w: %q has %d arguments", ErrInvalidSpec, spec.Name, len(spec.Args))
	}
	size := spec.StackSize
	if size == 0 {
		size = DefaultStackSize
	}
	pages := int((size + mem.PageSize - 1) / mem.PageSize)

	stack, err := s.cfg.Alloc.AllocPages(pages, mem.PageSize)
	if err != nil {
		return nil, fmt.Errorf("task: allocate %d stack pages for %q: %w", pages, spec.Name, err)
	}
	if err := s.cfg.Window.Zero(stack, uint64(pages)*mem.PageSize); err != nil {
		s.cfg.Alloc.DeallocPages(stack, pages)
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.live++
	s.mu.Unlock()

	handle := &Handle{ID: id, Name: spec.Name, done: make(chan struct{})}
	log := s.log.With("task", id, "name", spec.Name)

	var handler hart.TrapHandler
	if s.cfg.Runtime != nil {
		handler = s.cfg.Runtime.Attach(s, id, spec.Parent, spec.Name)
	}
	h := hart.New(hart.Config{
		Bus:      s.cfg.Window.Bus(),
		Satp:     spec.Satp,
		Entry:    spec.Entry,
		Stack:    stack + uint64(pages)*mem.PageSize,
		Args:     spec.Args,
		Return:   spec.Return,
		Console:  s.cfg.Console,
		Handler:  handler,
		Logger:   log,
		MaxSteps: s.cfg.MaxSteps,
	})

	log.Debug("task spawned",
		"entry", fmt.Sprintf("%#x", spec.Entry),
		"satp", fmt.Sprintf("%#x", spec.Satp),
		"stack", fmt.Sprintf("%#x", stack))

	s.group.Go(func() error {
		status, err := h.Run(s.ctx)

		s.cfg.Alloc.DeallocPages(stack, pages)
		if s.cfg.Runtime != nil {
			s.cfg.Runtime.Release(id)
		}
		if spec.OnExit != nil {
			spec.OnExit(status, err)
		}

		s.mu.Lock()
		s.live--
		s.mu.Unlock()

		if err != nil {
			log.Warn("task failed", "err", err, "steps", h.Steps())
			err = fmt.Errorf("task %d (%s): %w", id, spec.Name, err)
		} else {
			log.Debug("task exited", "status", status, "steps", h.Steps())
		}
		handle.status, handle.err = status, err
		close(handle.done)
		return err
	})
	return handle, nil
}

// Context returns the context tasks run under.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Live returns the number of tasks that have not finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Wait blocks until every spawned task has finished and returns the first
// task failure.
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
