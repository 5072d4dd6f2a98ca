//go:build !linux

package mem

import "fmt"

// arena is the host storage behind the frame pool. Off Linux there is no
// execution backend, so plain heap memory is enough.
type arena struct {
	data []byte
}

func newArena(size uint64) (*arena, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("mem: arena size %d exceeds host address limit", size)
	}
	return &arena{data: make([]byte, size)}, nil
}

func (a *arena) close() error {
	a.data = nil
	return nil
}
