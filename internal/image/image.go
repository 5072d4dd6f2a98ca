// Package image defines the loader's in-memory representation of a loadable
// binary and the validation gate every image passes before any resource is
// committed. Relocation is static in this scheme: if the addresses baked
// into an image drift from the link contract the program would execute
// wrong code as if it were correct, so validation rejects instead of fixing.
package image

import (
	"errors"
	"fmt"
	"sort"

	"github.com/auroraos/aurora/internal/layout"
)

// Load-time rejection kinds. All are returned before any physical memory is
// reserved, so the requester can retry with a corrected image.
var (
	ErrMisalignedSegment             = errors.New("image: segment not page aligned")
	ErrOverlappingSegments           = errors.New("image: segments overlap")
	ErrEntryOutsideExecutableSegment = errors.New("image: entry point outside executable segment")
	ErrAddressOutsideReservedRange   = errors.New("image: address outside reserved range")
	ErrWritableExecutableSegment     = errors.New("image: segment is both writable and executable")
	ErrImageNotStatic                = errors.New("image: not a statically linked fixed-address binary")
)

// Prot is a segment permission bit-set.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) Readable() bool   { return p&ProtRead != 0 }
func (p Prot) Writable() bool   { return p&ProtWrite != 0 }
func (p Prot) Executable() bool { return p&ProtExec != 0 }

func (p Prot) String() string {
	b := []byte("---")
	if p.Readable() {
		b[0] = 'r'
	}
	if p.Writable() {
		b[1] = 'w'
	}
	if p.Executable() {
		b[2] = 'x'
	}
	return string(b)
}

// Segment is one contiguous range of the image. Either Data holds the source
// bytes (len(Data) <= Length, the tail is zeroed) or ZeroFill is set and the
// whole range is zeroed.
type Segment struct {
	Addr     uint64
	Length   uint64
	Prot     Prot
	Data     []byte
	ZeroFill bool
}

// End returns the first address after the segment.
func (s Segment) End() uint64 { return s.Addr + s.Length }

// Descriptor identifies a loadable binary: its segments, entry point, and
// the stack-top address the image expects in RSP at entry.
type Descriptor struct {
	Segments []Segment
	Entry    uint64
	StackTop uint64
}

// ExecutableSegment returns the segment holding the entry point, if any.
func (d *Descriptor) ExecutableSegment() (Segment, bool) {
	for _, seg := range d.Segments {
		if seg.Prot.Executable() && d.Entry >= seg.Addr && d.Entry < seg.End() {
			return seg, true
		}
	}
	return Segment{}, false
}

// Validate checks a descriptor against the link contract. It is a pure
// check: no resources are touched. Checks run in a fixed order and the
// first violation wins.
func Validate(d *Descriptor, l layout.Layout) error {
	if len(d.Segments) == 0 {
		return fmt.Errorf("%w: image has no segments", ErrAddressOutsideReservedRange)
	}

	// (a) page alignment of every start and length
	for _, seg := range d.Segments {
		if seg.Length == 0 || seg.Addr%l.PageSize != 0 || seg.Length%l.PageSize != 0 {
			return fmt.Errorf("%w: segment [%#x, %#x)", ErrMisalignedSegment, seg.Addr, seg.End())
		}
		if uint64(len(seg.Data)) > seg.Length {
			return fmt.Errorf("%w: segment at %#x carries %d bytes for %d byte range",
				ErrMisalignedSegment, seg.Addr, len(seg.Data), seg.Length)
		}
	}

	// (b) no two segments overlap
	segs := make([]Segment, len(d.Segments))
	copy(segs, d.Segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	for i := 1; i < len(segs); i++ {
		if segs[i].Addr < segs[i-1].End() {
			return fmt.Errorf("%w: [%#x, %#x) and [%#x, %#x)", ErrOverlappingSegments,
				segs[i-1].Addr, segs[i-1].End(), segs[i].Addr, segs[i].End())
		}
	}

	// (c) pinned addresses from the link contract
	for _, seg := range d.Segments {
		if seg.Prot.Writable() && seg.Prot.Executable() {
			return fmt.Errorf("%w: [%#x, %#x)", ErrWritableExecutableSegment, seg.Addr, seg.End())
		}
		if seg.Prot.Executable() && seg.Addr != l.TextBase {
			return fmt.Errorf("%w: executable segment at %#x, contract pins text to %#x",
				ErrAddressOutsideReservedRange, seg.Addr, l.TextBase)
		}
		if seg.Prot == ProtRead && seg.Addr != l.RodataBase {
			return fmt.Errorf("%w: read-only segment at %#x, contract pins rodata to %#x",
				ErrAddressOutsideReservedRange, seg.Addr, l.RodataBase)
		}
		if !l.ContainsRange(seg.Addr, seg.Length) {
			return fmt.Errorf("%w: segment [%#x, %#x) outside window [%#x, %#x)",
				ErrAddressOutsideReservedRange, seg.Addr, seg.End(), l.UserBase, l.UserLimit)
		}
	}

	// The stack region the mapper will add must also fit the window and
	// stay clear of the declared segments.
	if d.StackTop != l.StackTop() {
		return fmt.Errorf("%w: stack top %#x, contract pins %#x",
			ErrAddressOutsideReservedRange, d.StackTop, l.StackTop())
	}
	for _, seg := range segs {
		if seg.Addr < l.StackTop() && seg.End() > l.StackBase {
			return fmt.Errorf("%w: segment [%#x, %#x) and stack [%#x, %#x)",
				ErrOverlappingSegments, seg.Addr, seg.End(), l.StackBase, l.StackTop())
		}
	}

	// (d) entry inside the executable segment, at an instruction boundary.
	// With static relocation the program counter starts at the pinned text
	// address, so the entry must be the segment start.
	exec, ok := d.ExecutableSegment()
	if !ok {
		return fmt.Errorf("%w: entry %#x", ErrEntryOutsideExecutableSegment, d.Entry)
	}
	if d.Entry != exec.Addr {
		return fmt.Errorf("%w: entry %#x, executable segment starts at %#x",
			ErrEntryOutsideExecutableSegment, d.Entry, exec.Addr)
	}

	return nil
}
