//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"unsafe"

	"github.com/auroraos/aurora/internal/process"
	"golang.org/x/sys/unix"
)

// Machine runs loaded images under KVM. Each control transfer gets its own
// throwaway VM: one vCPU, one flat RAM slot at guest physical zero, and a
// page-table hierarchy built from the context's address-space mappings so
// the hardware enforces the same permissions the mapper recorded.
type Machine struct {
	fd int
}

// Open connects to /dev/kvm and validates the API version.
func Open() (*Machine, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &Machine{fd: fd}, nil
}

func (m *Machine) Close() error {
	if err := unix.Close(m.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// Page-table entry bits. US stays clear: the image runs as the only
// supervisor-mode tenant of its private address space.
const (
	pteP  uint64 = 1 << 0
	pteRW uint64 = 1 << 1
	pteNX uint64 = 1 << 63
)

// CR0 bits
const (
	cr0PE = 1
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31
)

// CR4 bits
const cr4PAE = 1 << 5

// EFER bits
const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

const guestPageSize = 0x1000

// guestPage is one 4KiB page destined for the guest, keyed by its
// user-window virtual address.
type guestPage struct {
	va       uint64
	data     []byte
	writable bool
	exec     bool
}

// collectPages gathers every page the context owns: the mapped image and
// stack pages plus the heap window, which the bridge hands out to the image
// as plain read-write memory.
func collectPages(proc *process.Context) ([]guestPage, error) {
	space := proc.AddressSpace()
	if space.PageSize() != guestPageSize {
		return nil, fmt.Errorf("kvm: page size %#x not supported", space.PageSize())
	}

	var pages []guestPage
	for _, m := range space.Mappings() {
		for va := m.Addr; va < m.End(); va += guestPageSize {
			data, prot, ok := space.PageAt(va)
			if !ok {
				return nil, fmt.Errorf("kvm: mapping %q has no frame at %#x", m.Name, va)
			}
			pages = append(pages, guestPage{
				va:       va,
				data:     data,
				writable: prot.Writable(),
				exec:     prot.Executable(),
			})
		}
	}

	bridge := proc.Heap()
	window := bridge.Window()
	for off := uint64(0); off < uint64(len(window)); off += guestPageSize {
		pages = append(pages, guestPage{
			va:       bridge.Base() + off,
			data:     window[off : off+guestPageSize],
			writable: true,
		})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].va < pages[j].va })
	return pages, nil
}

// guestImage is guest RAM plus the root of the page-table hierarchy built
// into its low pages.
type guestImage struct {
	mem []byte
	cr3 uint64
}

func table(mem []byte, gpa uint64) *[512]uint64 {
	return (*[512]uint64)(unsafe.Pointer(&mem[gpa]))
}

// buildGuest lays out guest RAM: a PML4 and PDPT at fixed low addresses,
// then one page directory per 1GiB slice and one page table per 2MiB slice
// the pages touch, then the data frames themselves. Every leaf entry
// carries the write and no-execute bits derived from the mapping.
func buildGuest(pages []guestPage) (*guestImage, error) {
	const (
		pml4GPA   = 0x1000
		pdptGPA   = 0x2000
		tablesGPA = 0x3000
	)

	var pdIdx, ptIdx []uint64
	seenPD := map[uint64]bool{}
	seenPT := map[uint64]bool{}
	for _, pg := range pages {
		if !seenPD[pg.va>>30] {
			seenPD[pg.va>>30] = true
			pdIdx = append(pdIdx, pg.va>>30)
		}
		if !seenPT[pg.va>>21] {
			seenPT[pg.va>>21] = true
			ptIdx = append(ptIdx, pg.va>>21)
		}
	}
	sort.Slice(pdIdx, func(i, j int) bool { return pdIdx[i] < pdIdx[j] })
	sort.Slice(ptIdx, func(i, j int) bool { return ptIdx[i] < ptIdx[j] })

	pdGPA := map[uint64]uint64{}
	next := uint64(tablesGPA)
	for _, idx := range pdIdx {
		pdGPA[idx] = next
		next += guestPageSize
	}
	ptGPA := map[uint64]uint64{}
	for _, idx := range ptIdx {
		ptGPA[idx] = next
		next += guestPageSize
	}
	framesGPA := next
	total := framesGPA + uint64(len(pages))*guestPageSize

	mem, err := unix.Mmap(
		-1,
		0,
		int(total),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("madvise memory: %w", err)
	}

	pml4 := table(mem, pml4GPA)
	pdpt := table(mem, pdptGPA)
	pml4[0] = pdptGPA | pteP | pteRW
	for idx, gpa := range pdGPA {
		pdpt[idx&511] = gpa | pteP | pteRW
	}
	for idx, gpa := range ptGPA {
		pd := table(mem, pdGPA[idx>>9])
		pd[idx&511] = gpa | pteP | pteRW
	}

	for i, pg := range pages {
		frame := framesGPA + uint64(i)*guestPageSize
		copy(mem[frame:frame+guestPageSize], pg.data)

		entry := frame | pteP
		if pg.writable {
			entry |= pteRW
		}
		if !pg.exec {
			entry |= pteNX
		}
		pt := table(mem, ptGPA[pg.va>>21])
		pt[(pg.va>>12)&511] = entry
	}

	return &guestImage{mem: mem, cr3: pml4GPA}, nil
}

// setLongMode puts the vCPU in 64-bit mode with flat segments, paging on,
// and no-execute enforcement enabled.
func setLongMode(vcpuFd int, cr3 uint64) error {
	sregs, err := getSRegs(vcpuFd)
	if err != nil {
		return fmt.Errorf("get special registers: %w", err)
	}

	sregs.Cr3 = cr3
	sregs.Cr4 |= cr4PAE
	sregs.Cr0 |= cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.Efer = eferLME | eferLMA | eferNXE

	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // must be 0 in 64-bit mode
		S:        1,
		L:        1,
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = 2 << 3
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(vcpuFd, &sregs); err != nil {
		return fmt.Errorf("set special registers: %w", err)
	}
	return nil
}

// Start implements process.Machine. It builds a fresh VM around the
// context, transfers control once, and classifies the first vCPU exit.
func (m *Machine) Start(ctx context.Context, proc *process.Context) (process.Trap, error) {
	pages, err := collectPages(proc)
	if err != nil {
		return process.Trap{}, err
	}

	vmFd, err := createVm(m.fd)
	if err != nil {
		return process.Trap{}, fmt.Errorf("kvm: create VM: %w", err)
	}
	defer func() {
		if err := unix.Close(vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
	}()

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		return process.Trap{}, fmt.Errorf("setting TSS addr: %w", err)
	}

	guest, err := buildGuest(pages)
	if err != nil {
		return process.Trap{}, err
	}
	defer func() {
		if err := unix.Munmap(guest.mem); err != nil {
			slog.Error("kvm: munmap guest memory", "error", err)
		}
	}()

	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(guest.mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&guest.mem[0]))),
	}); err != nil {
		return process.Trap{}, fmt.Errorf("set user memory region: %w", err)
	}

	vcpuFd, err := createVCPU(vmFd, 0)
	if err != nil {
		return process.Trap{}, fmt.Errorf("create vCPU: %w", err)
	}
	defer func() {
		if err := unix.Close(vcpuFd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}()

	mmapSize, err := getVcpuMmapSize(m.fd)
	if err != nil {
		return process.Trap{}, fmt.Errorf("get kvm_run mmap size: %w", err)
	}
	runMem, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return process.Trap{}, fmt.Errorf("mmap kvm_run: %w", err)
	}
	defer func() {
		if err := unix.Munmap(runMem); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}()

	cpuId, err := getSupportedCpuId(m.fd)
	if err != nil {
		return process.Trap{}, fmt.Errorf("getting supported CPUID: %w", err)
	}
	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return process.Trap{}, fmt.Errorf("setting vCPU ID: %w", err)
	}

	if err := setLongMode(vcpuFd, guest.cr3); err != nil {
		return process.Trap{}, err
	}

	start := proc.StartState()
	regs := kvmRegs{
		Rip:    start.Entry,
		Rsp:    start.StackTop,
		Rflags: start.Rflags,
	}
	if err := setRegisters(vcpuFd, &regs); err != nil {
		return process.Trap{}, fmt.Errorf("kvm: set registers: %w", err)
	}

	type result struct {
		trap process.Trap
		err  error
	}
	done := make(chan result, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		trap, err := runVCPU(ctx, vcpuFd, runMem)
		done <- result{trap: trap, err: err}
	}()

	res := <-done
	return res.trap, res.err
}

// runVCPU drives KVM_RUN on a locked OS thread until the guest reaches an
// exit the runtime contract recognizes.
func runVCPU(ctx context.Context, vcpuFd int, runMem []byte) (process.Trap, error) {
	run := (*kvmRunData)(unsafe.Pointer(&runMem[0]))
	run.immediate_exit = 0

	if done := ctx.Done(); done != nil {
		tid := unix.Gettid()
		stop := context.AfterFunc(ctx, func() {
			run.immediate_exit = 1
			_ = unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1)
		})
		defer stop()
	}

	for {
		_, err := ioctl(uintptr(vcpuFd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if ctx.Err() != nil {
				return process.Trap{Kind: process.TrapAbort, Reason: "forced stop"}, nil
			}
			continue
		} else if err != nil {
			return process.Trap{}, fmt.Errorf("kvm: run vCPU: %w", err)
		}

		reason := kvmExitReason(run.exit_reason)
		switch reason {
		case kvmExitHlt:
			regs, err := getRegisters(vcpuFd)
			if err != nil {
				return process.Trap{}, fmt.Errorf("kvm: get registers: %w", err)
			}
			return process.Trap{Kind: process.TrapHalt, Code: int(regs.Rdi)}, nil

		case kvmExitShutdown:
			// Unhandled exceptions escalate to a triple fault with no
			// IDT installed.
			return process.Trap{Kind: process.TrapFault, Fault: process.FaultProtection}, nil

		case kvmExitException:
			return process.Trap{Kind: process.TrapFault, Fault: process.FaultInvalidInstruction}, nil

		case kvmExitIo:
			ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
			return process.Trap{
				Kind:   process.TrapAbort,
				Reason: fmt.Sprintf("port I/O 0x%04x outside the runtime contract", ioData.port),
			}, nil

		case kvmExitMmio:
			mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
			return process.Trap{
				Kind:   process.TrapAbort,
				Reason: fmt.Sprintf("MMIO access at 0x%016x outside the runtime contract", mmioData.physAddr),
			}, nil

		case kvmExitIntr:
			if ctx.Err() != nil {
				return process.Trap{Kind: process.TrapAbort, Reason: "forced stop"}, nil
			}
			continue

		case kvmExitFailEntry:
			fail := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))
			return process.Trap{}, fmt.Errorf("kvm: vCPU entry failed: hardware reason %#x", fail.hardwareEntryFailureReason)

		case kvmExitInternalError:
			internal := (*internalError)(unsafe.Pointer(&run.anon0[0]))
			return process.Trap{}, fmt.Errorf("kvm: vCPU exited with internal error: %s", internal.Suberror)

		default:
			return process.Trap{}, fmt.Errorf("kvm: vCPU exited with unknown reason %s", reason)
		}
	}
}

var _ process.Machine = (*Machine)(nil)
