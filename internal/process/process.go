// Package process supervises one loaded image: it owns the Process Context
// lifecycle from load acceptance to terminal teardown. The runtime being
// supervised is abort-only — there is no unwinding — so every run-time
// failure is modeled as a terminal state transition handled by a single
// teardown routine, and no terminal condition is ever retried.
package process

import (
	"errors"
	"fmt"
	"sync"

	"github.com/auroraos/aurora/internal/heap"
	"github.com/auroraos/aurora/internal/image"
	"github.com/auroraos/aurora/internal/mem"
	"github.com/auroraos/aurora/internal/vas"
)

var ErrNotRunnable = errors.New("process: context is not in a runnable state")

// State is the execution lifecycle. Ready and Running are transient; Exited
// and Aborted are terminal and never left.
type State int

const (
	StateReady State = iota
	StateRunning
	StateExited
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the state can never transition again.
func (s State) Terminal() bool { return s == StateExited || s == StateAborted }

// FaultKind classifies hardware-level terminal conditions.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultProtection
	FaultInvalidInstruction
	FaultMachine
)

func (f FaultKind) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultProtection:
		return "protection fault"
	case FaultInvalidInstruction:
		return "invalid instruction"
	case FaultMachine:
		return "machine failure"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(f))
	}
}

// Disposition is how a process ended.
type Disposition int

const (
	NormalExit Disposition = iota
	Aborted
	Faulted
)

func (d Disposition) String() string {
	switch d {
	case NormalExit:
		return "normal exit"
	case Aborted:
		return "aborted"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Report is the terminal status delivered to whoever requested the load.
type Report struct {
	Disposition Disposition

	// ExitCode is set for NormalExit.
	ExitCode int
	// Reason is set for Aborted.
	Reason string
	// Fault is set for Faulted.
	Fault FaultKind

	// ResourcesReleased confirms the address space and heap lease went
	// back to the pool.
	ResourcesReleased bool
}

func (r Report) String() string {
	switch r.Disposition {
	case NormalExit:
		return fmt.Sprintf("normal exit (code %d)", r.ExitCode)
	case Aborted:
		return fmt.Sprintf("aborted: %s", r.Reason)
	case Faulted:
		return fmt.Sprintf("faulted: %s", r.Fault)
	default:
		return r.Disposition.String()
	}
}

// StartState is the documented initial machine state for a control
// transfer: every general-purpose register is zero except the stack pointer,
// the program counter starts at the entry point, and interrupts stay masked
// until the image enables them (RFLAGS carries only its reserved bit).
type StartState struct {
	Entry    uint64
	StackTop uint64
	Rflags   uint64
}

const rflagsReserved = 0x2

// Context is the kernel-owned bundle for one running image: one descriptor,
// one exclusively owned address space, one heap lease, and the saved start
// state. It is created by a load acceptance and destroyed on entry to a
// terminal state.
type Context struct {
	mu    sync.Mutex
	state State

	desc   *image.Descriptor
	space  *vas.AddressSpace
	bridge *heap.Bridge
	lease  *mem.HeapLease
	start  StartState

	teardown sync.Once
	released bool
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves to next if the current state allows it.
func (c *Context) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// terminalize forces a terminal state from wherever the context is. Returns
// false if the context already reached a terminal state.
func (c *Context) terminalize(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = to
	return true
}

// Descriptor returns the image this context runs.
func (c *Context) Descriptor() *image.Descriptor { return c.desc }

// AddressSpace returns the mapped address space.
func (c *Context) AddressSpace() *vas.AddressSpace { return c.space }

// Heap returns the allocator bridge wired to the leased heap region.
func (c *Context) Heap() *heap.Bridge { return c.bridge }

// StartState returns the register state the switcher hands to the machine.
func (c *Context) StartState() StartState { return c.start }

// release tears down every owned resource exactly once.
func (c *Context) release() {
	c.teardown.Do(func() {
		c.space.Release()
		c.lease.Release()
		c.released = true
	})
}
