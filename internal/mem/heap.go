package mem

import (
	"fmt"
)

// HeapLease is a contiguous frame run leased to exactly one process for its
// lifetime. There is no partial release: the whole run goes back at once.
type HeapLease struct {
	pool     *Pool
	start    Frame
	pages    uint64
	released bool
}

// LeaseHeap claims the first contiguous run of pages free frames.
func (p *Pool) LeaseHeap(pages uint64) (*HeapLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pages == 0 {
		return nil, fmt.Errorf("mem: cannot lease an empty heap")
	}

	run := uint64(0)
	for i := range p.used {
		if p.used[i] {
			run = 0
			continue
		}
		run++
		if run == pages {
			start := uint64(i) - pages + 1
			for j := start; j <= uint64(i); j++ {
				p.used[j] = true
			}
			p.free -= pages
			return &HeapLease{pool: p, start: Frame(start), pages: pages}, nil
		}
	}

	return nil, fmt.Errorf("%w: no contiguous run of %d frames", ErrInsufficientMemory, pages)
}

// Size returns the lease size in bytes.
func (h *HeapLease) Size() uint64 { return h.pages * h.pool.pageSize }

// Bytes returns the backing storage for the whole lease.
func (h *HeapLease) Bytes() []byte {
	off := uint64(h.start) * h.pool.pageSize
	return h.pool.arena.data[off : off+h.Size()]
}

// Release returns the whole run to the pool. Safe to call more than once;
// only the first call has an effect.
func (h *HeapLease) Release() {
	if h.released {
		return
	}
	h.released = true

	frames := make([]Frame, h.pages)
	for i := range frames {
		frames[i] = h.start + Frame(i)
	}
	h.pool.Release(frames)
}
