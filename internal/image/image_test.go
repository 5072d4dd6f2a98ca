package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/auroraos/aurora/internal/layout"
)

func testDescriptor(l layout.Layout) *Descriptor {
	return &Descriptor{
		Segments: []Segment{
			{Addr: l.TextBase, Length: l.PageSize, Prot: ProtRead | ProtExec, Data: []byte{0xf4}},
			{Addr: l.RodataBase, Length: l.PageSize, Prot: ProtRead, Data: []byte("hello")},
		},
		Entry:    l.TextBase,
		StackTop: l.StackTop(),
	}
}

func TestValidateAccept(t *testing.T) {
	l := layout.Default()
	if err := Validate(testDescriptor(l), l); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateReject(t *testing.T) {
	l := layout.Default()

	tests := []struct {
		name   string
		mutate func(*Descriptor)
		want   error
	}{
		{
			"unaligned start",
			func(d *Descriptor) { d.Segments[1].Addr += 8 },
			ErrMisalignedSegment,
		},
		{
			"unaligned length",
			func(d *Descriptor) { d.Segments[1].Length += 8 },
			ErrMisalignedSegment,
		},
		{
			"overlapping segments",
			func(d *Descriptor) { d.Segments[1].Addr = d.Segments[0].Addr },
			ErrOverlappingSegments,
		},
		{
			"entry one byte past executable end",
			func(d *Descriptor) { d.Entry = d.Segments[0].End() + 1 },
			ErrEntryOutsideExecutableSegment,
		},
		{
			"entry inside but not at segment start",
			func(d *Descriptor) { d.Entry = d.Segments[0].Addr + 0x10 },
			ErrEntryOutsideExecutableSegment,
		},
		{
			"text off the pinned address",
			func(d *Descriptor) {
				d.Segments[0].Addr += l.PageSize * 4
				d.Entry = d.Segments[0].Addr
			},
			ErrAddressOutsideReservedRange,
		},
		{
			"rodata off the pinned address",
			func(d *Descriptor) { d.Segments[1].Addr = l.HeapBase },
			ErrAddressOutsideReservedRange,
		},
		{
			"stack top drifted",
			func(d *Descriptor) { d.StackTop += l.PageSize },
			ErrAddressOutsideReservedRange,
		},
		{
			"writable executable segment",
			func(d *Descriptor) { d.Segments[0].Prot |= ProtWrite },
			ErrWritableExecutableSegment,
		},
		{
			"segment collides with stack region",
			func(d *Descriptor) {
				d.Segments = append(d.Segments, Segment{
					Addr: l.StackBase, Length: l.PageSize,
					Prot: ProtRead | ProtWrite, ZeroFill: true,
				})
			},
			ErrOverlappingSegments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor(l)
			tt.mutate(d)
			err := Validate(d, l)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProtString(t *testing.T) {
	if got := (ProtRead | ProtExec).String(); got != "r-x" {
		t.Fatalf("Prot.String() = %q, want %q", got, "r-x")
	}
	if got := Prot(0).String(); got != "---" {
		t.Fatalf("Prot.String() = %q, want %q", got, "---")
	}
}

func TestFromFlat(t *testing.T) {
	l := layout.Default()

	d, err := FromFlat([]byte{0xf4}, []byte("ro"), l)
	if err != nil {
		t.Fatalf("FromFlat() error = %v", err)
	}
	if err := Validate(d, l); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if d.Entry != l.TextBase {
		t.Fatalf("Entry = %#x, want %#x", d.Entry, l.TextBase)
	}
	if len(d.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(d.Segments))
	}
	if d.Segments[1].Length != l.PageSize {
		t.Fatalf("rodata length = %#x, want one page", d.Segments[1].Length)
	}
}

// elfProg describes one program header for makeELF.
type elfProg struct {
	typ    uint32
	flags  uint32
	vaddr  uint64
	data   []byte
	memsz  uint64
	filesz uint64
}

// makeELF assembles a minimal ELF64 x86-64 executable in memory.
func makeELF(t *testing.T, typ uint16, entry uint64, progs []elfProg) []byte {
	t.Helper()

	const (
		ehsize  = 64
		phsize  = 56
		machine = 62 // EM_X86_64
	)

	var buf bytes.Buffer
	le := binary.LittleEndian

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}
	buf.Write(ident[:])
	binary.Write(&buf, le, typ)
	binary.Write(&buf, le, uint16(machine))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, entry)
	binary.Write(&buf, le, uint64(ehsize)) // phoff
	binary.Write(&buf, le, uint64(0))      // shoff
	binary.Write(&buf, le, uint32(0))      // flags
	binary.Write(&buf, le, uint16(ehsize))
	binary.Write(&buf, le, uint16(phsize))
	binary.Write(&buf, le, uint16(len(progs)))
	binary.Write(&buf, le, uint16(64)) // shentsize
	binary.Write(&buf, le, uint16(0))  // shnum
	binary.Write(&buf, le, uint16(0))  // shstrndx

	dataOff := uint64(ehsize + phsize*len(progs))
	off := dataOff
	for _, p := range progs {
		binary.Write(&buf, le, p.typ)
		binary.Write(&buf, le, p.flags)
		binary.Write(&buf, le, off) // offset
		binary.Write(&buf, le, p.vaddr)
		binary.Write(&buf, le, p.vaddr) // paddr
		binary.Write(&buf, le, p.filesz)
		binary.Write(&buf, le, p.memsz)
		binary.Write(&buf, le, uint64(0x1000)) // align
		off += p.filesz
	}
	for _, p := range progs {
		buf.Write(p.data[:p.filesz])
	}

	return buf.Bytes()
}

func TestFromELF(t *testing.T) {
	l := layout.Default()

	const (
		ptLoad = 1
		pfX    = 1
		pfW    = 2
		pfR    = 4
		etExec = 2
	)

	text := []byte{0xf4} // hlt
	bin := makeELF(t, etExec, l.TextBase, []elfProg{
		{typ: ptLoad, flags: pfR | pfX, vaddr: l.TextBase, data: text, filesz: 1, memsz: 1},
		{typ: ptLoad, flags: pfR, vaddr: l.RodataBase, data: []byte("ro"), filesz: 2, memsz: 2},
	})

	d, err := FromELF(bytes.NewReader(bin), l)
	if err != nil {
		t.Fatalf("FromELF() error = %v", err)
	}
	if err := Validate(d, l); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if d.Entry != l.TextBase {
		t.Fatalf("Entry = %#x, want %#x", d.Entry, l.TextBase)
	}
	if len(d.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(d.Segments))
	}
	if d.Segments[0].Length != l.PageSize {
		t.Fatalf("text length = %#x, want one page", d.Segments[0].Length)
	}
	if !d.Segments[0].Prot.Executable() || d.Segments[0].Prot.Writable() {
		t.Fatalf("text prot = %v, want r-x", d.Segments[0].Prot)
	}
}

func TestFromELFRejectsRelocatable(t *testing.T) {
	l := layout.Default()

	const (
		ptLoad = 1
		pfR    = 4
		pfX    = 1
		etDyn  = 3
	)

	bin := makeELF(t, etDyn, l.TextBase, []elfProg{
		{typ: ptLoad, flags: pfR | pfX, vaddr: l.TextBase, data: []byte{0xf4}, filesz: 1, memsz: 1},
	})

	if _, err := FromELF(bytes.NewReader(bin), l); !errors.Is(err, ErrImageNotStatic) {
		t.Fatalf("FromELF() error = %v, want %v", err, ErrImageNotStatic)
	}
}

func TestFromELFZeroFillTail(t *testing.T) {
	l := layout.Default()

	const (
		ptLoad = 1
		pfR    = 4
		pfW    = 2
		pfX    = 1
		etExec = 2
	)

	// bss-style segment: memsz beyond filesz.
	bin := makeELF(t, etExec, l.TextBase, []elfProg{
		{typ: ptLoad, flags: pfR | pfX, vaddr: l.TextBase, data: []byte{0xf4}, filesz: 1, memsz: 1},
		{typ: ptLoad, flags: pfR | pfW, vaddr: l.HeapBase, data: []byte{1, 2}, filesz: 2, memsz: 0x2000},
	})

	d, err := FromELF(bytes.NewReader(bin), l)
	if err != nil {
		t.Fatalf("FromELF() error = %v", err)
	}
	if d.Segments[1].Length != 0x2000 {
		t.Fatalf("data length = %#x, want %#x", d.Segments[1].Length, 0x2000)
	}
	if len(d.Segments[1].Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(d.Segments[1].Data))
	}
}
