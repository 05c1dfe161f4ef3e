package libc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/plash/internal/mem"
)

const (
	arenaChunkPages = 4
	arenaAlign      = 16
	// arenaMaxBlock bounds one allocation.
	arenaMaxBlock = 1 << 30
)

var errBlockTooLarge = errors.New("libc: allocation too large")

type chunk struct {
	kva   uint64
	pages int
}

// arena is a per-application bump heap shared by its threads. Blocks are
// never reused; the whole arena is returned to the frame allocator when the
// application exits. Pointers are kernel addresses, which every application
// reaches through its kernel mapping.
type arena struct {
	alloc  mem.Allocator
	window *mem.Window

	mu        sync.Mutex
	chunks    []chunk
	cur, end  uint64
	allocated uint64
}

func (a *arena) malloc(n uint64) (uint64, error) {
	if n == 0 {
		n = 1
	}
	if n > arenaMaxBlock {
		return 0, fmt.Errorf("%w: %d bytes", errBlockTooLarge, n)
	}
	n = (n + arenaAlign - 1) &^ (arenaAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur+n > a.end || a.cur == 0 {
		pages := max(arenaChunkPages, int((n+mem.PageSize-1)/mem.PageSize))
		kva, err := a.alloc.AllocPages(pages, mem.PageSize)
		if err != nil {
			return 0, err
		}
		if err := a.window.Zero(kva, uint64(pages)*mem.PageSize); err != nil {
			a.alloc.DeallocPages(kva, pages)
			return 0, err
		}
		a.chunks = append(a.chunks, chunk{kva: kva, pages: pages})
		a.cur, a.end = kva, kva+uint64(pages)*mem.PageSize
	}

	p := a.cur
	a.cur += n
	a.allocated += n
	return p, nil
}

func (a *arena) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		a.alloc.DeallocPages(c.kva, c.pages)
	}
	a.chunks = nil
	a.cur, a.end = 0, 0
}
