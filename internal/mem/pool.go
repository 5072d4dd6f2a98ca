// Package mem owns the physical page frames backing loaded images. A single
// Pool hands out frames under one mutex: concurrent loads and teardowns may
// race on the pool, so every allocation and release crosses that boundary.
// Reservations are staged so multi-frame acquisition is all-or-nothing.
package mem

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInsufficientMemory = errors.New("mem: insufficient physical memory")

// Frame names one physical page frame in the pool's arena.
type Frame uint64

// Pool is a fixed-size arena of page frames with a used bitmap.
type Pool struct {
	mu sync.Mutex

	arena    *arena
	pageSize uint64
	used     []bool
	free     uint64
}

// NewPool creates a pool of pages frames of pageSize bytes each.
func NewPool(pages, pageSize uint64) (*Pool, error) {
	if pages == 0 || pageSize == 0 {
		return nil, fmt.Errorf("mem: pool must have at least one page")
	}
	a, err := newArena(pages * pageSize)
	if err != nil {
		return nil, err
	}
	return &Pool{
		arena:    a,
		pageSize: pageSize,
		used:     make([]bool, pages),
		free:     pages,
	}, nil
}

// Close releases the backing arena. All frames must already be free.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free != uint64(len(p.used)) {
		return fmt.Errorf("mem: close with %d frames still in use", uint64(len(p.used))-p.free)
	}
	return p.arena.close()
}

// PageSize returns the frame size in bytes.
func (p *Pool) PageSize() uint64 { return p.pageSize }

// TotalPages returns the pool capacity in frames.
func (p *Pool) TotalPages() uint64 { return uint64(len(p.used)) }

// FreePages returns the current number of unclaimed frames.
func (p *Pool) FreePages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// FrameBytes returns the backing bytes of a frame.
func (p *Pool) FrameBytes(f Frame) []byte {
	off := uint64(f) * p.pageSize
	return p.arena.data[off : off+p.pageSize]
}

// Reserve stages n frames. Nothing is consumed on failure; on success the
// caller must end the reservation with exactly one of Commit or Rollback.
func (p *Pool) Reserve(n uint64) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n == 0 {
		return nil, fmt.Errorf("mem: cannot reserve zero frames")
	}
	if n > p.free {
		return nil, fmt.Errorf("%w: need %d frames, %d free", ErrInsufficientMemory, n, p.free)
	}

	frames := make([]Frame, 0, n)
	for i := range p.used {
		if p.used[i] {
			continue
		}
		p.used[i] = true
		frames = append(frames, Frame(i))
		if uint64(len(frames)) == n {
			break
		}
	}
	p.free -= n

	return &Reservation{pool: p, frames: frames}, nil
}

// Release returns committed frames to the pool.
func (p *Pool) Release(frames []Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(frames)
}

func (p *Pool) release(frames []Frame) {
	for _, f := range frames {
		if !p.used[f] {
			// Double release indicates corrupted bookkeeping upstream;
			// ignoring it would silently desynchronize the free count.
			panic(fmt.Sprintf("mem: frame %d released twice", f))
		}
		p.used[f] = false
		p.free++
	}
}

// Reservation is a staged multi-frame acquisition.
type Reservation struct {
	pool   *Pool
	frames []Frame
	done   bool
}

// Frames returns the staged frames. Valid until Rollback.
func (r *Reservation) Frames() []Frame { return r.frames }

// Commit finalizes the reservation; the frames now belong to the caller and
// must eventually go back via Pool.Release.
func (r *Reservation) Commit() []Frame {
	if r.done {
		panic("mem: reservation ended twice")
	}
	r.done = true
	frames := r.frames
	r.frames = nil
	return frames
}

// Rollback returns every staged frame to the pool.
func (r *Reservation) Rollback() {
	if r.done {
		panic("mem: reservation ended twice")
	}
	r.done = true
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.pool.release(r.frames)
	r.frames = nil
}
