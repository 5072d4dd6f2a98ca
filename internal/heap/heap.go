// Package heap exposes a minimal allocation interface to the running image,
// backed by the heap region leased at process creation. Allocation failure
// is an ordinary error for the image to handle; a violated allocator
// invariant (double free, foreign region) is not recoverable in an
// abort-only runtime and surfaces as ErrHeapCorrupted, which the supervisor
// treats as fatal.
package heap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/auroraos/aurora/internal/mem"
)

var (
	ErrOutOfMemory   = errors.New("heap: out of memory")
	ErrHeapCorrupted = errors.New("heap: allocator state corrupted")
)

// Region is one live allocation, addressed in guest terms.
type Region struct {
	Addr uint64
	Size uint64
}

type span struct {
	start uint64
	end   uint64
}

// Bridge is the allocator over one leased heap region.
type Bridge struct {
	lease *mem.HeapLease
	base  uint64

	free   []span
	allocs map[uint64]uint64
}

// New builds a bridge over lease, visible to the image at guest address base.
func New(lease *mem.HeapLease, base uint64) *Bridge {
	return &Bridge{
		lease:  lease,
		base:   base,
		free:   []span{{start: base, end: base + lease.Size()}},
		allocs: make(map[uint64]uint64),
	}
}

// Base returns the guest address the heap region starts at.
func (b *Bridge) Base() uint64 { return b.base }

// Window returns the backing store for the whole heap window, allocated
// regions and free space alike.
func (b *Bridge) Window() []byte { return b.lease.Bytes() }

// Remaining returns the total free bytes (not necessarily contiguous).
func (b *Bridge) Remaining() uint64 {
	var total uint64
	for _, s := range b.free {
		total += s.end - s.start
	}
	return total
}

// Regions returns the live allocations, sorted by address.
func (b *Bridge) Regions() []Region {
	out := make([]Region, 0, len(b.allocs))
	for addr, size := range b.allocs {
		out = append(out, Region{Addr: addr, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Alloc claims size bytes at the requested alignment, first fit. On failure
// nothing is mutated and the image sees ErrOutOfMemory through its own
// allocation-failure path.
func (b *Bridge) Alloc(size, align uint64) (Region, error) {
	if size == 0 {
		return Region{}, fmt.Errorf("heap: cannot allocate zero bytes")
	}
	if align == 0 {
		align = 16
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("heap: alignment %#x is not a power of 2", align)
	}

	for i, s := range b.free {
		addr := alignUp(s.start, align)
		if addr < s.start || addr+size < addr || addr+size > s.end {
			continue
		}

		// Carve [addr, addr+size) out of the span.
		var repl []span
		if addr > s.start {
			repl = append(repl, span{start: s.start, end: addr})
		}
		if addr+size < s.end {
			repl = append(repl, span{start: addr + size, end: s.end})
		}
		b.free = append(b.free[:i], append(repl, b.free[i+1:]...)...)
		b.allocs[addr] = size

		return Region{Addr: addr, Size: size}, nil
	}

	return Region{}, fmt.Errorf("%w: %d bytes align %#x, %d free", ErrOutOfMemory, size, align, b.Remaining())
}

// Free returns a region. The region must exactly match a live allocation;
// anything else is corruption and is fatal to the process, not repaired.
func (b *Bridge) Free(r Region) error {
	size, ok := b.allocs[r.Addr]
	if !ok {
		return fmt.Errorf("%w: free of unknown region %#x", ErrHeapCorrupted, r.Addr)
	}
	if size != r.Size {
		return fmt.Errorf("%w: region %#x freed with size %d, allocated %d",
			ErrHeapCorrupted, r.Addr, r.Size, size)
	}
	delete(b.allocs, r.Addr)

	b.free = append(b.free, span{start: r.Addr, end: r.Addr + r.Size})
	sort.Slice(b.free, func(i, j int) bool { return b.free[i].start < b.free[j].start })

	// Coalesce; an overlap here means the free list itself went bad.
	merged := b.free[:1]
	for _, s := range b.free[1:] {
		last := &merged[len(merged)-1]
		if s.start < last.end {
			return fmt.Errorf("%w: free spans [%#x, %#x) and [%#x, %#x) overlap",
				ErrHeapCorrupted, last.start, last.end, s.start, s.end)
		}
		if s.start == last.end {
			last.end = s.end
			continue
		}
		merged = append(merged, s)
	}
	b.free = merged

	return nil
}

// Bytes returns the backing storage of a live region.
func (b *Bridge) Bytes(r Region) ([]byte, error) {
	size, ok := b.allocs[r.Addr]
	if !ok || size != r.Size {
		return nil, fmt.Errorf("%w: region %#x+%d not live", ErrHeapCorrupted, r.Addr, r.Size)
	}
	off := r.Addr - b.base
	return b.lease.Bytes()[off : off+r.Size], nil
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}
