// Package aurora loads fixed-address static images into exclusively owned
// address spaces and supervises their execution. A Runtime owns a physical
// frame pool and an execution machine; each accepted load produces a Handle
// whose process runs to a terminal Report exactly once.
package aurora

import (
	"fmt"
	"io"
	"os"

	"github.com/auroraos/aurora/internal/heap"
	"github.com/auroraos/aurora/internal/image"
	"github.com/auroraos/aurora/internal/layout"
	"github.com/auroraos/aurora/internal/machine/kvm"
	"github.com/auroraos/aurora/internal/mem"
	"github.com/auroraos/aurora/internal/process"
)

// -----------------------------------------------------------------------------
// Type aliases re-exported from the internal packages
// -----------------------------------------------------------------------------

// Layout is the link contract: the page size, the user address window, and
// the pinned segment addresses every image is built against.
type Layout = layout.Layout

// Descriptor is a validated-or-rejected image load request.
type Descriptor = image.Descriptor

// Segment is one fixed-address span of an image.
type Segment = image.Segment

// Prot is a segment permission set.
type Prot = image.Prot

// Handle is the requester's grip on one loaded process.
type Handle = process.Handle

// Report is the terminal status of a supervised process.
type Report = process.Report

// StartState is the initial machine state for a control transfer.
type StartState = process.StartState

// Machine transfers control into a loaded context.
type Machine = process.Machine

// Region is one heap allocation handed across the allocator bridge.
type Region = heap.Region

// Segment permission bits.
const (
	ProtRead  = image.ProtRead
	ProtWrite = image.ProtWrite
	ProtExec  = image.ProtExec
)

// Terminal dispositions.
const (
	NormalExit = process.NormalExit
	Aborted    = process.Aborted
	Faulted    = process.Faulted
)

// Common sentinel errors.
var (
	ErrMisalignedSegment             = image.ErrMisalignedSegment
	ErrOverlappingSegments           = image.ErrOverlappingSegments
	ErrEntryOutsideExecutableSegment = image.ErrEntryOutsideExecutableSegment
	ErrAddressOutsideReservedRange   = image.ErrAddressOutsideReservedRange
	ErrWritableExecutableSegment     = image.ErrWritableExecutableSegment
	ErrImageNotStatic                = image.ErrImageNotStatic
	ErrInsufficientMemory            = mem.ErrInsufficientMemory
	ErrOutOfMemory                   = heap.ErrOutOfMemory
	ErrHeapCorrupted                 = heap.ErrHeapCorrupted
	ErrNotRunnable                   = process.ErrNotRunnable
)

// DefaultLayout returns the built-in link contract.
func DefaultLayout() Layout { return layout.Default() }

// ReadLayout loads a link contract from a YAML file.
func ReadLayout(path string) (Layout, error) { return layout.ReadFile(path) }

// -----------------------------------------------------------------------------
// Runtime options
// -----------------------------------------------------------------------------

type config struct {
	layout    Layout
	poolPages uint64
	heapPages uint64
	machine   process.Machine
}

// Option configures a Runtime.
type Option func(*config)

// WithLayout replaces the built-in link contract.
func WithLayout(l Layout) Option {
	return func(c *config) { c.layout = l }
}

// WithPoolPages sets the size of the physical frame pool.
func WithPoolPages(n uint64) Option {
	return func(c *config) { c.poolPages = n }
}

// WithHeapPages sets the default heap lease size per process.
func WithHeapPages(n uint64) Option {
	return func(c *config) { c.heapPages = n }
}

// WithMachine replaces the KVM execution backend, for embedding and tests.
func WithMachine(m Machine) Option {
	return func(c *config) { c.machine = m }
}

// -----------------------------------------------------------------------------
// Runtime
// -----------------------------------------------------------------------------

const defaultPoolPages = 1024

// Runtime owns the frame pool and the execution machine shared by every
// load it accepts.
type Runtime struct {
	pool    *mem.Pool
	sup     *process.Supervisor
	machine process.Machine
	ownsKVM bool
}

// New builds a Runtime. Without WithMachine it opens the KVM backend, so on
// hosts without /dev/kvm it fails.
func New(opts ...Option) (*Runtime, error) {
	cfg := config{
		layout:    layout.Default(),
		poolPages: defaultPoolPages,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ownsKVM := false
	if cfg.machine == nil {
		m, err := kvm.Open()
		if err != nil {
			return nil, err
		}
		cfg.machine = m
		ownsKVM = true
	}

	pool, err := mem.NewPool(cfg.poolPages, cfg.layout.PageSize)
	if err != nil {
		if ownsKVM {
			cfg.machine.(*kvm.Machine).Close()
		}
		return nil, err
	}

	sup, err := process.New(process.Config{
		Layout:    cfg.layout,
		Pool:      pool,
		Machine:   cfg.machine,
		HeapPages: cfg.heapPages,
	})
	if err != nil {
		pool.Close()
		if ownsKVM {
			cfg.machine.(*kvm.Machine).Close()
		}
		return nil, err
	}

	return &Runtime{pool: pool, sup: sup, machine: cfg.machine, ownsKVM: ownsKVM}, nil
}

// Layout returns the runtime's link contract.
func (r *Runtime) Layout() Layout { return r.sup.Layout() }

// FreePages reports how many physical frames remain unclaimed.
func (r *Runtime) FreePages() uint64 { return r.pool.FreePages() }

// Load validates a descriptor and, on acceptance, maps its address space
// and leases its heap.
func (r *Runtime) Load(d *Descriptor) (*Handle, error) {
	return r.sup.Load(process.LoadRequest{Descriptor: d})
}

// LoadELF reads a statically linked ELF executable and loads it.
func (r *Runtime) LoadELF(ra io.ReaderAt) (*Handle, error) {
	d, err := image.FromELF(ra, r.sup.Layout())
	if err != nil {
		return nil, err
	}
	return r.Load(d)
}

// LoadELFFile is LoadELF for a file on disk.
func (r *Runtime) LoadELFFile(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return r.LoadELF(f)
}

// LoadFlat loads raw pinned-address text and rodata payloads.
func (r *Runtime) LoadFlat(text, rodata []byte) (*Handle, error) {
	d, err := image.FromFlat(text, rodata, r.sup.Layout())
	if err != nil {
		return nil, err
	}
	return r.Load(d)
}

// Close releases the frame pool and, if the Runtime opened it, the KVM
// backend. Processes must have reached a terminal state first: the pool
// refuses to close while frames are still claimed.
func (r *Runtime) Close() error {
	if err := r.pool.Close(); err != nil {
		return err
	}
	if r.ownsKVM {
		return r.machine.(*kvm.Machine).Close()
	}
	return nil
}
