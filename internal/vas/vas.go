// Package vas builds the isolated address space backing one loaded image.
// The permission bits set here are the only enforcement boundary between the
// image and everything else: there is no relocation pass to re-validate at
// runtime, so mappings are immutable once committed and write-xor-execute is
// enforced unconditionally.
package vas

import (
	"errors"
	"fmt"
	"sort"

	"github.com/auroraos/aurora/internal/image"
	"github.com/auroraos/aurora/internal/layout"
	"github.com/auroraos/aurora/internal/mem"
)

var (
	ErrNoMapping  = errors.New("vas: address not mapped")
	ErrPermission = errors.New("vas: permission denied")
)

// Mapping is one committed range of the address space.
type Mapping struct {
	Name   string
	Addr   uint64
	Length uint64
	Prot   image.Prot
}

// End returns the first address after the mapping.
func (m Mapping) End() uint64 { return m.Addr + m.Length }

type pageEntry struct {
	frame mem.Frame
	prot  image.Prot
}

// AddressSpace is the exclusive set of page mappings owned by one process.
type AddressSpace struct {
	pool     *mem.Pool
	pageSize uint64
	pages    map[uint64]pageEntry
	mappings []Mapping
	frames   []mem.Frame
	released bool
}

// Map builds a new address space mirroring the descriptor's segments plus
// the contract's stack region. Allocation is staged: on any failure every
// staged frame is rolled back and no partial mapping remains.
func Map(d *image.Descriptor, l layout.Layout, pool *mem.Pool) (*AddressSpace, error) {
	pageSize := pool.PageSize()

	var totalPages uint64
	for _, seg := range d.Segments {
		totalPages += seg.Length / pageSize
	}
	totalPages += l.StackPages

	res, err := pool.Reserve(totalPages)
	if err != nil {
		return nil, fmt.Errorf("vas: reserve %d pages: %w", totalPages, err)
	}

	as := &AddressSpace{
		pool:     pool,
		pageSize: pageSize,
		pages:    make(map[uint64]pageEntry, totalPages),
	}

	next := 0
	take := func() mem.Frame {
		f := res.Frames()[next]
		next++
		return f
	}

	for _, seg := range d.Segments {
		// Validation already rejects writable+executable segments; a map
		// request that skipped validation still may not weaken W^X.
		if seg.Prot.Writable() && seg.Prot.Executable() {
			res.Rollback()
			return nil, fmt.Errorf("vas: %w for [%#x, %#x)",
				image.ErrWritableExecutableSegment, seg.Addr, seg.End())
		}

		for off := uint64(0); off < seg.Length; off += pageSize {
			addr := seg.Addr + off
			if _, dup := as.pages[addr]; dup {
				res.Rollback()
				return nil, fmt.Errorf("vas: %w at %#x", image.ErrOverlappingSegments, addr)
			}

			frame := take()
			dst := pool.FrameBytes(frame)
			clear(dst)
			if !seg.ZeroFill && off < uint64(len(seg.Data)) {
				copy(dst, seg.Data[off:])
			}
			as.pages[addr] = pageEntry{frame: frame, prot: seg.Prot}
		}

		as.mappings = append(as.mappings, Mapping{
			Name:   segmentName(seg),
			Addr:   seg.Addr,
			Length: seg.Length,
			Prot:   seg.Prot,
		})
	}

	for i := uint64(0); i < l.StackPages; i++ {
		addr := l.StackBase + i*pageSize
		if _, dup := as.pages[addr]; dup {
			res.Rollback()
			return nil, fmt.Errorf("vas: %w: stack page at %#x", image.ErrOverlappingSegments, addr)
		}
		frame := take()
		clear(pool.FrameBytes(frame))
		as.pages[addr] = pageEntry{frame: frame, prot: image.ProtRead | image.ProtWrite}
	}
	as.mappings = append(as.mappings, Mapping{
		Name:   "stack",
		Addr:   l.StackBase,
		Length: l.StackSize(),
		Prot:   image.ProtRead | image.ProtWrite,
	})

	sort.Slice(as.mappings, func(i, j int) bool { return as.mappings[i].Addr < as.mappings[j].Addr })
	as.frames = res.Commit()

	return as, nil
}

func segmentName(seg image.Segment) string {
	switch {
	case seg.Prot.Executable():
		return "text"
	case seg.Prot == image.ProtRead:
		return "rodata"
	case seg.ZeroFill:
		return "bss"
	default:
		return "data"
	}
}

// PageSize returns the mapping granularity.
func (as *AddressSpace) PageSize() uint64 { return as.pageSize }

// Mappings returns a snapshot of the committed ranges, sorted by address.
func (as *AddressSpace) Mappings() []Mapping {
	out := make([]Mapping, len(as.mappings))
	copy(out, as.mappings)
	return out
}

// Translate resolves addr to its backing frame and permissions.
func (as *AddressSpace) Translate(addr uint64) (mem.Frame, image.Prot, bool) {
	entry, ok := as.pages[addr&^(as.pageSize-1)]
	if !ok {
		return 0, 0, false
	}
	return entry.frame, entry.prot, true
}

// PageAt returns the backing bytes and permissions of the page holding addr.
func (as *AddressSpace) PageAt(addr uint64) ([]byte, image.Prot, bool) {
	entry, ok := as.pages[addr&^(as.pageSize-1)]
	if !ok {
		return nil, 0, false
	}
	return as.pool.FrameBytes(entry.frame), entry.prot, true
}

// ReadAt copies out of the address space, honoring read permission. Reads
// never cross an unmapped gap.
func (as *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	return as.access(p, off, false)
}

// WriteAt copies into the address space, honoring write permission. The
// read-only-data and executable mappings are never writable.
func (as *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	return as.access(p, off, true)
}

func (as *AddressSpace) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("vas: negative offset %d", off)
	}

	addr := uint64(off)
	done := 0
	for done < len(p) {
		data, prot, ok := as.PageAt(addr)
		if !ok {
			return done, fmt.Errorf("%w: %#x", ErrNoMapping, addr)
		}
		if write && !prot.Writable() {
			return done, fmt.Errorf("%w: write to %s page at %#x", ErrPermission, prot, addr)
		}
		if !write && !prot.Readable() {
			return done, fmt.Errorf("%w: read from %s page at %#x", ErrPermission, prot, addr)
		}

		pageOff := addr & (as.pageSize - 1)
		n := len(p) - done
		if avail := int(as.pageSize - pageOff); n > avail {
			n = avail
		}
		if write {
			copy(data[pageOff:], p[done:done+n])
		} else {
			copy(p[done:done+n], data[pageOff:])
		}
		done += n
		addr += uint64(n)
	}

	return done, nil
}

// Release returns every owned frame to the pool. Only the first call has an
// effect.
func (as *AddressSpace) Release() {
	if as.released {
		return
	}
	as.released = true
	as.pool.Release(as.frames)
	as.frames = nil
	as.pages = nil
}
