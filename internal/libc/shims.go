package libc

import (
	"fmt"

	"github.com/tinyrange/plash/internal/hart"
	"github.com/tinyrange/plash/internal/task"
)

// StatusAbort is the exit status of an aborted application (128 + SIGABRT).
const StatusAbort = 134

// pthread error numbers, returned positive.
const (
	errEPERM  = 1
	errESRCH  = 3
	errEAGAIN = 11
	errENOSYS = 38
)

type shim func(t *Thread, h *hart.Hart) error

func shimTable() map[string]shim {
	return map[string]shim{
		"__libc_start_main":    libcStartMain,
		"putchar":              putchar,
		"printf":               printf,
		"puts":                 puts,
		"malloc":               malloc,
		"free":                 free,
		"pthread_self":         pthreadSelf,
		"pthread_exit":         pthreadExit,
		"pthread_mutex_unlock": pthreadMutexUnlock,
		"__assert_fail":        assertFail,
		"sprintf":              sprintf,
		"getpid":               getpid,
		"pthread_create":       pthreadCreate,
		"pthread_mutex_lock":   pthreadMutexLock,
		"pthread_join":         pthreadJoin,
		"rand":                 randShim,
		"calloc":               calloc,
		"exit":                 exit,
		"abort":                abort,
	}
}

// libcStartMain runs main(0, {NULL}) and exits with its result: main returns
// straight into the exit trampoline.
func libcStartMain(t *Thread, h *hart.Hart) error {
	main := h.Arg(0)
	argv, err := t.heap.malloc(16)
	if err != nil {
		return err
	}
	exitAddr, ok := t.rt.table.Lookup("exit")
	if !ok {
		return fmt.Errorf("exit is not exported")
	}

	t.log.Debug("starting main", "main", fmt.Sprintf("%#x", main))
	h.SetReg(hart.RegA0, 0)
	h.SetReg(hart.RegA1, argv)
	h.SetReg(hart.RegA2, 0)
	h.SetReg(hart.RegRA, exitAddr)
	h.Jump(main)
	return nil
}

func exit(t *Thread, h *hart.Hart) error {
	h.Exit(int(int32(h.Arg(0))))
	return nil
}

func abort(t *Thread, h *hart.Hart) error {
	t.log.Warn("application aborted")
	h.Exit(StatusAbort)
	return nil
}

// pthreadExit ends the calling task. A thread's start routine returns here
// too. The value is kept for pthread_join in the creating task.
func pthreadExit(t *Thread, h *hart.Hart) error {
	v := h.Arg(0)
	if t.parent != 0 {
		t.rt.mu.Lock()
		p, ok := t.rt.threads[t.parent]
		t.rt.mu.Unlock()
		if ok {
			p.mu.Lock()
			p.retvals[t.id] = v
			p.mu.Unlock()
		}
	}
	h.Exit(int(int32(v)))
	return nil
}

func putchar(t *Thread, h *hart.Hart) error {
	c := byte(h.Arg(0))
	if _, err := t.write([]byte{c}); err != nil {
		h.Return(^uint64(0)) // EOF
		return nil
	}
	h.Return(uint64(c))
	return nil
}

func puts(t *Thread, h *hart.Hart) error {
	s, err := h.ReadString(h.Arg(0), maxString)
	if err != nil {
		return err
	}
	n, err := t.write([]byte(s + "\n"))
	if err != nil {
		h.Return(^uint64(0))
		return nil
	}
	h.Return(uint64(n))
	return nil
}

func printf(t *Thread, h *hart.Hart) error {
	f, err := h.ReadString(h.Arg(0), maxString)
	if err != nil {
		return err
	}
	out, err := format(f, newVarargs(h, 1))
	if err != nil {
		return err
	}
	n, err := t.write([]byte(out))
	if err != nil {
		h.Return(^uint64(0))
		return nil
	}
	h.Return(uint64(n))
	return nil
}

func sprintf(t *Thread, h *hart.Hart) error {
	dst := h.Arg(0)
	f, err := h.ReadString(h.Arg(1), maxString)
	if err != nil {
		return err
	}
	out, err := format(f, newVarargs(h, 2))
	if err != nil {
		return err
	}
	if err := h.WriteBytes(dst, append([]byte(out), 0)); err != nil {
		return err
	}
	h.Return(uint64(len(out)))
	return nil
}

func malloc(t *Thread, h *hart.Hart) error {
	p, err := t.heap.malloc(h.Arg(0))
	if err != nil {
		t.log.Warn("malloc failed", "size", h.Arg(0), "err", err)
		p = 0
	}
	h.Return(p)
	return nil
}

func calloc(t *Thread, h *hart.Hart) error {
	n, size := h.Arg(0), h.Arg(1)
	if size != 0 && n > ^uint64(0)/size {
		h.Return(0)
		return nil
	}
	p, err := t.heap.malloc(n * size)
	if err != nil {
		t.log.Warn("calloc failed", "size", n*size, "err", err)
		h.Return(0)
		return nil
	}
	// Arena memory is zeroed when the chunk is allocated and never reused.
	h.Return(p)
	return nil
}

// free is a no-op: the heap is released as a whole when the task exits.
func free(t *Thread, h *hart.Hart) error {
	h.Return(0)
	return nil
}

func pthreadSelf(t *Thread, h *hart.Hart) error {
	h.Return(uint64(t.id))
	return nil
}

func getpid(t *Thread, h *hart.Hart) error {
	h.Return(uint64(t.id))
	return nil
}

// pthreadCreate starts start_routine(arg) as a new task in the caller's
// address space. The thread id is the task id.
func pthreadCreate(t *Thread, h *hart.Hart) error {
	tid, start, arg := h.Arg(0), h.Arg(2), h.Arg(3)
	if t.sched == nil {
		h.Return(errENOSYS)
		return nil
	}
	exitAddr, ok := t.rt.table.Lookup("pthread_exit")
	if !ok {
		return fmt.Errorf("pthread_exit is not exported")
	}

	t.mu.Lock()
	n := len(t.children) + 1
	t.mu.Unlock()
	child, err := t.sched.Spawn(task.Spec{
		Name:      fmt.Sprintf("%s/thread%d", t.name, n),
		Entry:     start,
		StackSize: t.rt.threadStack,
		Satp:      h.Satp(),
		Args:      []uint64{arg},
		Return:    exitAddr,
		Parent:    t.id,
	})
	if err != nil {
		t.log.Warn("pthread_create failed", "err", err)
		h.Return(errEAGAIN)
		return nil
	}
	t.mu.Lock()
	t.children[child.ID] = child
	t.mu.Unlock()

	t.log.Debug("thread created", "thread", child.ID, "start", fmt.Sprintf("%#x", start))
	if tid != 0 {
		if err := h.Write64(tid, uint64(child.ID)); err != nil {
			return err
		}
	}
	h.Return(0)
	return nil
}

// pthreadJoin waits for a thread the caller created. A thread that faulted
// takes the caller down with it.
func pthreadJoin(t *Thread, h *hart.Hart) error {
	id, retval := int(h.Arg(0)), h.Arg(1)
	t.mu.Lock()
	child, ok := t.children[id]
	delete(t.children, id)
	t.mu.Unlock()
	if !ok {
		h.Return(errESRCH)
		return nil
	}

	if _, err := child.Join(); err != nil {
		return fmt.Errorf("thread %d: %w", id, err)
	}
	t.mu.Lock()
	v := t.retvals[id]
	delete(t.retvals, id)
	t.mu.Unlock()
	if retval != 0 {
		if err := h.Write64(retval, v); err != nil {
			return err
		}
	}
	h.Return(0)
	return nil
}

// Mutexes are keyed by address; the pthread_mutex_t contents are unused.
func pthreadMutexLock(t *Thread, h *hart.Hart) error {
	m := t.rt.mutex(h.Satp(), h.Arg(0))
	ctx := t.context()
	select {
	case m <- struct{}{}:
		h.Return(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pthreadMutexUnlock(t *Thread, h *hart.Hart) error {
	m := t.rt.mutex(h.Satp(), h.Arg(0))
	select {
	case <-m:
		h.Return(0)
	default:
		h.Return(errEPERM)
	}
	return nil
}

func randShim(t *Thread, h *hart.Hart) error {
	h.Return(t.rt.rand())
	return nil
}

func assertFail(t *Thread, h *hart.Hart) error {
	expr, _ := h.ReadString(h.Arg(0), maxString)
	file, _ := h.ReadString(h.Arg(1), maxString)
	fn, _ := h.ReadString(h.Arg(3), maxString)
	line := int32(h.Arg(2))

	msg := fmt.Sprintf("%s: %s:%d: %s: Assertion `%s' failed.\n", t.name, file, line, fn, expr)
	t.write([]byte(msg))
	t.log.Error("assertion failed", "expr", expr, "file", file, "line", line)
	h.Exit(StatusAbort)
	return nil
}
