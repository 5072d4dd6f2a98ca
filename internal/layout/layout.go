// Package layout holds the fixed-address link contract shared between the
// build step and the loader. The build step links each user program with its
// text and read-only-data segments pinned to the addresses recorded here;
// the validator rejects any image that drifts from them. The contract is a
// single named structure so the two sides can never disagree silently.
package layout

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Layout describes the reserved user window and the pinned segment
// addresses. All addresses are guest-virtual and page aligned.
type Layout struct {
	// Version of the contract. A zero version is invalid; the build step
	// and the loader must carry the same version.
	Version int `yaml:"version"`

	PageSize uint64 `yaml:"pageSize"`

	// Reserved user window [UserBase, UserLimit). Every mapping the loader
	// creates lives inside it.
	UserBase  uint64 `yaml:"userBase"`
	UserLimit uint64 `yaml:"userLimit"`

	// Pinned segment addresses.
	TextBase   uint64 `yaml:"textBase"`
	RodataBase uint64 `yaml:"rodataBase"`

	// Stack grows down from StackBase + StackPages*PageSize.
	StackBase  uint64 `yaml:"stackBase"`
	StackPages uint64 `yaml:"stackPages"`

	// HeapBase is where the leased heap region becomes visible to the image.
	HeapBase uint64 `yaml:"heapBase"`
}

// Default returns the contract baked into the build recipe.
func Default() Layout {
	return Layout{
		Version:    1,
		PageSize:   0x1000,
		UserBase:   0x0500_0000,
		UserLimit:  0x8000_0000,
		TextBase:   0x0500_0000,
		RodataBase: 0x0500_1000,
		StackBase:  0x0500_2000,
		StackPages: 5,
		HeapBase:   0x0600_0000,
	}
}

// StackTop returns the initial stack pointer for a freshly loaded image.
func (l Layout) StackTop() uint64 {
	return l.StackBase + l.StackPages*l.PageSize
}

// StackSize returns the stack region size in bytes.
func (l Layout) StackSize() uint64 {
	return l.StackPages * l.PageSize
}

// Contains reports whether addr lies inside the reserved user window.
func (l Layout) Contains(addr uint64) bool {
	return addr >= l.UserBase && addr < l.UserLimit
}

// ContainsRange reports whether [addr, addr+size) lies inside the window.
func (l Layout) ContainsRange(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= l.UserBase && end <= l.UserLimit
}

func (l Layout) aligned(addr uint64) bool {
	return addr%l.PageSize == 0
}

// Validate checks the contract for internal consistency.
func (l Layout) Validate() error {
	if l.Version == 0 {
		return fmt.Errorf("layout: version must be non-zero")
	}
	if l.PageSize == 0 || l.PageSize&(l.PageSize-1) != 0 {
		return fmt.Errorf("layout: page size %#x is not a power of 2", l.PageSize)
	}
	if !l.aligned(l.UserBase) || !l.aligned(l.UserLimit) {
		return fmt.Errorf("layout: user window [%#x, %#x) is not page aligned", l.UserBase, l.UserLimit)
	}
	if l.UserLimit <= l.UserBase {
		return fmt.Errorf("layout: empty user window [%#x, %#x)", l.UserBase, l.UserLimit)
	}
	for _, fixed := range []struct {
		name string
		addr uint64
	}{
		{"text", l.TextBase},
		{"rodata", l.RodataBase},
		{"stack", l.StackBase},
		{"heap", l.HeapBase},
	} {
		if !l.aligned(fixed.addr) {
			return fmt.Errorf("layout: %s base %#x is not page aligned", fixed.name, fixed.addr)
		}
		if !l.Contains(fixed.addr) {
			return fmt.Errorf("layout: %s base %#x outside user window [%#x, %#x)",
				fixed.name, fixed.addr, l.UserBase, l.UserLimit)
		}
	}
	if l.StackPages == 0 {
		return fmt.Errorf("layout: stack must be at least one page")
	}
	if !l.ContainsRange(l.StackBase, l.StackSize()) {
		return fmt.Errorf("layout: stack [%#x, %#x) leaves user window", l.StackBase, l.StackTop())
	}
	if l.RodataBase <= l.TextBase {
		return fmt.Errorf("layout: rodata base %#x must be above text base %#x", l.RodataBase, l.TextBase)
	}
	if l.StackBase < l.RodataBase+l.PageSize {
		return fmt.Errorf("layout: stack base %#x collides with rodata at %#x", l.StackBase, l.RodataBase)
	}
	if l.HeapBase < l.StackTop() {
		return fmt.Errorf("layout: heap base %#x collides with stack ending at %#x", l.HeapBase, l.StackTop())
	}
	return nil
}

// Read parses a contract from YAML.
func Read(r io.Reader) (Layout, error) {
	var l Layout
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil {
		return Layout{}, fmt.Errorf("layout: decode: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// ReadFile parses a contract from a YAML file.
func ReadFile(path string) (Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return Layout{}, fmt.Errorf("layout: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Write serializes the contract as YAML.
func (l Layout) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("layout: encode: %w", err)
	}
	return enc.Close()
}
