// Package loader brings up the applications bundled in a flash image: it
// builds an Sv39 address space for each one, loads its segments, resolves
// its relocations against the runtime's export table, and runs it as a task.
package loader

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/plash/internal/libc"
	"github.com/tinyrange/plash/internal/paging"
	"github.com/tinyrange/plash/internal/plash"
	"github.com/tinyrange/plash/internal/task"
)

// App is a loaded and linked application that has not been spawned yet.
type App struct {
	Index int
	Name  string
	Entry uint64
	Space *AddressSpace

	Regions     []paging.MappedRegion
	Relocations int
}

// Result is the outcome of one application run.
type Result struct {
	Index  int
	Name   string
	Status int
	Err    error
}

type Options struct {
	// Console receives application output.
	Console io.Writer
	Logger  *slog.Logger
	// OnLoaded is called after each application is loaded and linked.
	OnLoaded func(app *App)
}

// Loader runs every application of one image.
type Loader struct {
	cfg     Config
	opts    Options
	log     *slog.Logger
	machine *Machine
	runtime *libc.Runtime
	dir     *plash.Directory
}

// New flashes image onto a fresh machine, installs the runtime's export
// table and reads the image directory.
func New(cfg Config, image []byte, opts Options) (*Loader, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m, err := NewMachine(cfg, image)
	if err != nil {
		return nil, err
	}
	flash, err := m.Flash()
	if err != nil {
		return nil, fmt.Errorf("read flash: %w", err)
	}
	dir, err := plash.ReadDirectory(flash)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}

	rt, err := libc.New(libc.Config{
		Window:  m.Window,
		Alloc:   m.Alloc,
		Console: opts.Console,
		Logger:  log,
		Seed:    cfg.Seed,

		ThreadStackSize: uint64(cfg.StackSize),
	})
	if err != nil {
		return nil, err
	}

	log.Debug("image directory read", "apps", dir.Len(), "flash", cfg.FlashBase.String())
	return &Loader{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		machine: m,
		runtime: rt,
		dir:     dir,
	}, nil
}

// Machine returns the simulated board.
func (l *Loader) Machine() *Machine { return l.machine }

// Directory returns the image directory.
func (l *Loader) Directory() *plash.Directory { return l.dir }

// Runtime returns the runtime applications link against.
func (l *Loader) Runtime() *libc.Runtime { return l.runtime }

// Close releases the runtime. It must not be called while applications run.
func (l *Loader) Close() {
	l.runtime.Close()
}

// LoadApp builds the address space of application i, loads its segments and
// resolves its relocations. The caller owns the returned App and must
// destroy its address space.
func (l *Loader) LoadApp(i int) (*App, error) {
	if i < 0 || i >= l.dir.Len() {
		return nil, fmt.Errorf("%w: %d (image has %d)", ErrNoSuchApp, i, l.dir.Len())
	}
	name := fmt.Sprintf("app%d", i)
	log := l.log.With("app", i)

	img := l.dir.Payload(i)
	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("app[%d]: %w: %v", i, ErrMalformedImage, err)
	}
	defer f.Close()
	if err := checkHeader(f); err != nil {
		return nil, fmt.Errorf("app[%d]: %w", i, err)
	}

	spans, err := planSegments(f, uint64(len(img)), log)
	if err != nil {
		return nil, fmt.Errorf("app[%d]: %w", i, err)
	}

	space, err := NewAddressSpace(l.machine, l.cfg)
	if err != nil {
		return nil, fmt.Errorf("app[%d]: %w", i, err)
	}
	app := &App{Index: i, Name: name, Entry: f.Entry, Space: space}

	if err := l.populate(app, f, img, spans, log); err != nil {
		space.Destroy()
		return nil, fmt.Errorf("app[%d]: %w", i, err)
	}

	log.Info("app loaded",
		"entry", fmt.Sprintf("%#x", app.Entry),
		"segments", len(app.Regions),
		"relocations", app.Relocations,
		"pages", space.Pages())
	if l.opts.OnLoaded != nil {
		l.opts.OnLoaded(app)
	}
	return app, nil
}

func (l *Loader) populate(app *App, f *elf.File, img []byte, spans []span, log *slog.Logger) error {
	for _, s := range spans {
		region, err := loadSpan(app.Space, img, s)
		if err != nil {
			return err
		}
		log.Debug("segment mapped", "region", region.String(), "segments", len(s.progs))
		app.Regions = append(app.Regions, region)
	}

	tr, err := app.Space.Query(app.Entry)
	if err != nil || tr.Flags&paging.PteX == 0 {
		return fmt.Errorf("%w: entry %#x is not in an executable segment", ErrMalformedImage, app.Entry)
	}

	d, err := readDynamic(f, img)
	if err != nil {
		return err
	}
	if d == nil {
		log.Debug("static image, nothing to link")
		return nil
	}
	lk := &linker{
		app:     app.Index,
		space:   app.Space,
		window:  l.machine.Window,
		exports: l.runtime.Exports(),
		log:     log,
	}
	app.Relocations, err = lk.link(d)
	return err
}

func checkHeader(f *elf.File) error {
	switch {
	case f.Class != elf.ELFCLASS64:
		return fmt.Errorf("%w: class %s, want ELFCLASS64", ErrMalformedImage, f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return fmt.Errorf("%w: data encoding %s, want little endian", ErrMalformedImage, f.Data)
	case f.Machine != elf.EM_RISCV:
		return fmt.Errorf("%w: machine %s, want RISC-V", ErrMalformedImage, f.Machine)
	case f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN:
		return fmt.Errorf("%w: type %s is not executable", ErrMalformedImage, f.Type)
	}
	return nil
}

// Run loads, links and spawns every application in image order, then joins
// them in the same order. An application is spawned only once it is fully
// linked. Loader errors are fatal and stop applications already running;
// application failures are reported in the results.
func (l *Loader) Run(ctx context.Context) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched, err := task.New(ctx, task.Config{
		Window:   l.machine.Window,
		Alloc:    l.machine.Alloc,
		Runtime:  l.runtime,
		Console:  l.runtime.Console(),
		Logger:   l.log,
		MaxSteps: l.cfg.MaxSteps,
	})
	if err != nil {
		return nil, err
	}

	abort := func(err error) ([]Result, error) {
		cancel()
		sched.Wait()
		return nil, err
	}

	handles := make([]*task.Handle, 0, l.dir.Len())
	for i := range l.dir.Len() {
		app, err := l.LoadApp(i)
		if err != nil {
			return abort(err)
		}
		space := app.Space
		h, err := sched.Spawn(task.Spec{
			Name:      app.Name,
			Entry:     app.Entry,
			StackSize: uint64(l.cfg.StackSize),
			Satp:      space.Satp(),
			OnExit: func(int, error) {
				space.Destroy()
			},
		})
		if err != nil {
			space.Destroy()
			return abort(fmt.Errorf("app[%d]: spawn: %w", i, err))
		}
		handles = append(handles, h)
	}

	results := make([]Result, 0, len(handles))
	for i, h := range handles {
		status, err := h.Join()
		if err != nil {
			l.log.Warn("app failed", "app", i, "err", err)
		} else {
			l.log.Info("app exited", "app", i, "status", status)
		}
		results = append(results, Result{Index: i, Name: h.Name, Status: status, Err: err})
	}
	return results, nil
}
