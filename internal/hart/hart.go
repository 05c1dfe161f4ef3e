// Package hart runs application code on a single RV64IM hart in supervisor
// mode, translating every access through the Sv39 table selected by satp.
package hart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/plash/internal/mem"
)

// Exception causes
const (
	CauseInsnAddrMisaligned = 0
	CauseInsnAccessFault    = 1
	CauseIllegalInsn        = 2
	CauseBreakpoint         = 3
	CauseLoadAccessFault    = 5
	CauseStoreAccessFault   = 7
	CauseEcallFromS         = 9
	CauseInsnPageFault      = 12
	CauseLoadPageFault      = 13
	CauseStorePageFault     = 15
)

// System call numbers understood by ecall.
const (
	SysWrite = 64
	SysExit  = 93
)

// Error numbers returned negated in a0.
const (
	EIO    = 5
	EFAULT = 14
	ENOSYS = 38
)

// MaxConsoleWrite bounds a single write; larger requests are short writes.
const MaxConsoleWrite = 64 << 10

// ABI register numbers
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

var ErrStepLimit = errors.New("hart: step limit reached")

// Exception is a synchronous trap that the hart cannot deliver. There is no
// supervisor trap vector behind an application, so every exception ends the
// run.
type Exception struct {
	Cause uint64
	Tval  uint64
	PC    uint64
}

func (e *Exception) Error() string {
	return fmt.Sprintf("hart: %s at pc=%#x (tval=%#x)", causeName(e.Cause), e.PC, e.Tval)
}

func causeName(cause uint64) string {
	switch cause {
	case CauseInsnAddrMisaligned:
		return "instruction address misaligned"
	case CauseInsnAccessFault:
		return "instruction access fault"
	case CauseIllegalInsn:
		return "illegal instruction"
	case CauseBreakpoint:
		return "breakpoint"
	case CauseLoadAccessFault:
		return "load access fault"
	case CauseStoreAccessFault:
		return "store access fault"
	case CauseInsnPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	default:
		return fmt.Sprintf("cause %d", cause)
	}
}

func exception(cause, tval uint64) error {
	return &Exception{Cause: cause, Tval: tval}
}

// TrapHandler is offered every program counter before it is fetched.
// Returning true means the handler consumed the step, typically by running
// a host function and setting the next pc.
type TrapHandler interface {
	Trap(h *Hart, pc uint64) (bool, error)
}

// Config describes a hart's initial state.
type Config struct {
	Bus     *mem.Bus
	Satp    uint64
	Entry   uint64
	Stack   uint64 // initial sp
	// Args seed a0-a7 and Return seeds ra.
	Args   []uint64
	Return uint64
	Console io.Writer
	Handler TrapHandler
	Logger  *slog.Logger

	// MaxSteps bounds the run; zero means unbounded.
	MaxSteps uint64
}

// Hart is one hardware thread. It is not safe for concurrent use; each task
// owns its own hart.
type Hart struct {
	X    [32]uint64
	PC   uint64
	next uint64 // pc of the following instruction while executing
	satp uint64

	bus     *mem.Bus
	console io.Writer
	handler TrapHandler
	log     *slog.Logger

	tlb      [64]tlbEntry
	steps    uint64
	maxSteps uint64

	exited   bool
	exitCode int
}

// New creates a hart that starts at cfg.Entry with cfg.Satp active.
func New(cfg Config) *Hart {
	h := &Hart{
		PC:       cfg.Entry,
		bus:      cfg.Bus,
		console:  cfg.Console,
		handler:  cfg.Handler,
		log:      cfg.Logger,
		maxSteps: cfg.MaxSteps,
	}
	if h.console == nil {
		h.console = io.Discard
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.SetSatp(cfg.Satp)
	h.X[RegSP] = cfg.Stack
	h.X[RegRA] = cfg.Return
	for i, a := range cfg.Args[:min(len(cfg.Args), 8)] {
		h.X[RegA0+i] = a
	}
	return h
}

// Satp returns the active address-space selector.
func (h *Hart) Satp() uint64 { return h.satp }

// SetSatp activates a new address space and flushes cached translations.
func (h *Hart) SetSatp(satp uint64) {
	h.satp = satp
	h.flushTLB()
}

// Reg reads an integer register (x0 always returns 0).
func (h *Hart) Reg(r int) uint64 {
	if r == 0 {
		return 0
	}
	return h.X[r]
}

// SetReg writes an integer register (writes to x0 are ignored).
func (h *Hart) SetReg(r int, v uint64) {
	if r != 0 {
		h.X[r] = v
	}
}

// Arg returns the i-th integer argument register.
func (h *Hart) Arg(i int) uint64 { return h.Reg(RegA0 + i) }

// Return places v in a0 and resumes at ra, completing a call into the host.
func (h *Hart) Return(v uint64) {
	h.SetReg(RegA0, v)
	h.PC = h.Reg(RegRA)
}

// Jump resumes at pc.
func (h *Hart) Jump(pc uint64) { h.PC = pc }

// Exit stops the hart with the given status.
func (h *Hart) Exit(code int) {
	h.exited = true
	h.exitCode = code
}

// Exited reports whether the hart has stopped and with what status.
func (h *Hart) Exited() (int, bool) { return h.exitCode, h.exited }

// Steps returns the number of instructions retired, host calls included.
func (h *Hart) Steps() uint64 { return h.steps }

// Step executes one instruction.
func (h *Hart) Step() error {
	pc := h.PC
	h.steps++

	if h.handler != nil {
		handled, err := h.handler.Trap(h, pc)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	if pc%4 != 0 {
		return &Exception{Cause: CauseInsnAddrMisaligned, Tval: pc, PC: pc}
	}
	insn, err := h.fetch(pc)
	if err != nil {
		return withPC(err, pc)
	}
	if insn&3 != 3 {
		// Compressed encodings are not implemented.
		return &Exception{Cause: CauseIllegalInsn, Tval: uint64(insn), PC: pc}
	}

	h.next = pc + 4
	if err := h.execute(insn); err != nil {
		return withPC(err, pc)
	}
	h.PC = h.next
	return nil
}

func withPC(err error, pc uint64) error {
	var exc *Exception
	if errors.As(err, &exc) && exc.PC == 0 {
		exc.PC = pc
	}
	return err
}

// Run steps the hart until it exits, faults or ctx is done. It returns the
// exit status.
func (h *Hart) Run(ctx context.Context) (int, error) {
	for !h.exited {
		if h.steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return -1, err
			}
		}
		if h.maxSteps != 0 && h.steps >= h.maxSteps {
			return -1, fmt.Errorf("%w (%d) at pc=%#x", ErrStepLimit, h.maxSteps, h.PC)
		}
		if err := h.Step(); err != nil {
			return -1, err
		}
	}
	return h.exitCode, nil
}

func (h *Hart) ecall() error {
	switch nr := h.Reg(RegA7); nr {
	case SysExit:
		h.Exit(int(int32(h.Reg(RegA0))))
	case SysWrite:
		buf, err := h.ReadBytes(h.Reg(RegA1), min(h.Reg(RegA2), MaxConsoleWrite))
		if err != nil {
			h.log.Debug("write from unreadable buffer", "buf", fmt.Sprintf("%#x", h.Reg(RegA1)), "err", err)
			h.setErrno(EFAULT)
			return nil
		}
		n, err := h.console.Write(buf)
		if err != nil {
			h.setErrno(EIO)
			return nil
		}
		h.SetReg(RegA0, uint64(n))
	default:
		h.log.Debug("unknown system call", "nr", nr, "pc", fmt.Sprintf("%#x", h.PC))
		h.setErrno(ENOSYS)
	}
	return nil
}

// setErrno returns -errno in a0.
func (h *Hart) setErrno(errno uint64) {
	h.SetReg(RegA0, -errno)
}
