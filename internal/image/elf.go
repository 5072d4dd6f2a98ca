package image

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/auroraos/aurora/internal/layout"
)

// FromELF derives a Descriptor from a statically linked x86-64 ELF binary.
// The binary must be position-dependent (ET_EXEC) with no interpreter and no
// dynamic section; the link step already placed every segment, so the
// descriptor records the addresses as-is and Validate decides their fate.
func FromELF(r io.ReaderAt, l layout.Layout) (*Descriptor, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("image: open elf: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("image: unsupported ELF machine %v (want x86_64)", f.Machine)
	}
	if f.Type == elf.ET_DYN {
		return nil, fmt.Errorf("%w: relocatable (ET_DYN) binary", ErrImageNotStatic)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: ELF type %v", ErrImageNotStatic, f.Type)
	}

	var segments []Segment
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			return nil, fmt.Errorf("%w: binary requests an interpreter", ErrImageNotStatic)
		case elf.PT_DYNAMIC:
			return nil, fmt.Errorf("%w: binary carries a dynamic section", ErrImageNotStatic)
		case elf.PT_LOAD:
		default:
			continue
		}
		if prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("image: segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("image: segment mem size %#x exceeds host limits", prog.Memsz)
		}

		var data []byte
		if prog.Filesz > 0 {
			data = make([]byte, int(prog.Filesz))
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("image: read segment @%#x: %w", prog.Off, err)
			}
		}

		segments = append(segments, Segment{
			Addr:     prog.Vaddr,
			Length:   alignUp(prog.Memsz, l.PageSize),
			Prot:     protFromELF(prog.Flags),
			Data:     data,
			ZeroFill: prog.Filesz == 0,
		})
	}

	if len(segments) == 0 {
		return nil, errors.New("image: ELF has no loadable segments")
	}
	if f.Entry == 0 {
		return nil, errors.New("image: ELF entry point is zero")
	}

	return &Descriptor{
		Segments: segments,
		Entry:    f.Entry,
		StackTop: l.StackTop(),
	}, nil
}

func protFromELF(flags elf.ProgFlag) Prot {
	var p Prot
	if flags&elf.PF_R != 0 {
		p |= ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= ProtExec
	}
	return p
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
