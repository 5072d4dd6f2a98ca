//go:build linux

package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// arena is the host storage behind the frame pool. On Linux it is an
// anonymous mapping so identical zero pages can be merged by the kernel.
type arena struct {
	data []byte
}

func newArena(size uint64) (*arena, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("mem: arena size %d exceeds host address limit", size)
	}

	data, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap arena: %w", err)
	}

	if err := unix.Madvise(data, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("mem: madvise arena: %w", err)
	}

	return &arena{data: data}, nil
}

func (a *arena) close() error {
	if a.data == nil {
		return nil
	}
	data := a.data
	a.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("mem: munmap arena: %w", err)
	}
	return nil
}
