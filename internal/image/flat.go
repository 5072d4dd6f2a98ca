package image

import (
	"errors"

	"github.com/auroraos/aurora/internal/layout"
)

// FromFlat builds a Descriptor from raw fixed-address payload bytes: one
// executable segment at the pinned text address and one read-only segment at
// the pinned rodata address. This is the load-request form for build steps
// that emit bare payloads instead of ELF containers.
func FromFlat(text, rodata []byte, l layout.Layout) (*Descriptor, error) {
	if len(text) == 0 {
		return nil, errors.New("image: empty text payload")
	}

	segments := []Segment{{
		Addr:   l.TextBase,
		Length: alignUp(uint64(len(text)), l.PageSize),
		Prot:   ProtRead | ProtExec,
		Data:   text,
	}}
	if len(rodata) > 0 {
		segments = append(segments, Segment{
			Addr:   l.RodataBase,
			Length: alignUp(uint64(len(rodata)), l.PageSize),
			Prot:   ProtRead,
			Data:   rodata,
		})
	}

	return &Descriptor{
		Segments: segments,
		Entry:    l.TextBase,
		StackTop: l.StackTop(),
	}, nil
}
