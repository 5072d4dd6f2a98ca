package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/auroraos/aurora/internal/heap"
	"github.com/auroraos/aurora/internal/image"
	"github.com/auroraos/aurora/internal/layout"
	"github.com/auroraos/aurora/internal/mem"
	"github.com/auroraos/aurora/internal/vas"
)

const defaultHeapPages = 16

// Config wires a Supervisor.
type Config struct {
	Layout  layout.Layout
	Pool    *mem.Pool
	Machine Machine

	// HeapPages is the default heap lease size per process.
	HeapPages uint64
}

// Supervisor accepts load requests and supervises the resulting processes.
// Isolation between processes comes from exclusive ownership: no two
// contexts ever share a mapping or a heap region, so concurrent loads only
// meet at the frame pool's own lock.
type Supervisor struct {
	layout    layout.Layout
	pool      *mem.Pool
	machine   Machine
	heapPages uint64
}

// New builds a supervisor over a validated link contract.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("process: supervisor needs a frame pool")
	}
	if cfg.Machine == nil {
		return nil, fmt.Errorf("process: supervisor needs an execution machine")
	}
	heapPages := cfg.HeapPages
	if heapPages == 0 {
		heapPages = defaultHeapPages
	}
	return &Supervisor{
		layout:    cfg.Layout,
		pool:      cfg.Pool,
		machine:   cfg.Machine,
		heapPages: heapPages,
	}, nil
}

// Layout returns the link contract the supervisor validates against.
func (s *Supervisor) Layout() layout.Layout { return s.layout }

// LoadRequest asks the supervisor to accept one image.
type LoadRequest struct {
	Descriptor *image.Descriptor

	// HeapPages overrides the supervisor's default heap lease size.
	HeapPages uint64
}

// Load validates the descriptor, maps its address space, and leases its
// heap region. Rejections are synchronous and commit nothing; on success
// the returned handle owns a context in the Ready state.
func (s *Supervisor) Load(req LoadRequest) (*Handle, error) {
	if req.Descriptor == nil {
		return nil, fmt.Errorf("process: load request without a descriptor")
	}

	if err := image.Validate(req.Descriptor, s.layout); err != nil {
		return nil, err
	}

	space, err := vas.Map(req.Descriptor, s.layout, s.pool)
	if err != nil {
		return nil, err
	}

	heapPages := req.HeapPages
	if heapPages == 0 {
		heapPages = s.heapPages
	}
	lease, err := s.pool.LeaseHeap(heapPages)
	if err != nil {
		space.Release()
		return nil, fmt.Errorf("process: lease heap: %w", err)
	}

	proc := &Context{
		state:  StateReady,
		desc:   req.Descriptor,
		space:  space,
		bridge: heap.New(lease, s.layout.HeapBase),
		lease:  lease,
		start: StartState{
			Entry:    req.Descriptor.Entry,
			StackTop: req.Descriptor.StackTop,
			Rflags:   rflagsReserved,
		},
	}

	slog.Info("process: load accepted",
		"entry", fmt.Sprintf("%#x", proc.start.Entry),
		"stackTop", fmt.Sprintf("%#x", proc.start.StackTop),
		"mappings", len(space.Mappings()),
		"heapPages", heapPages)

	return &Handle{sup: s, proc: proc, done: make(chan struct{})}, nil
}

// Handle is the requester's grip on one loaded process.
type Handle struct {
	sup  *Supervisor
	proc *Context

	mu          sync.Mutex
	cancel      context.CancelFunc
	abortReason string
	finished    bool

	done   chan struct{}
	report Report
}

// Context exposes the supervised process context.
func (h *Handle) Context() *Context { return h.proc }

// Run transfers control into the image and blocks until it reaches a
// terminal state, then tears every owned resource down and returns the
// report. The transfer is never retried: Run on a context that already left
// Ready fails with ErrNotRunnable. A canceled ctx forces an Aborted
// transition; resources are still released deterministically.
func (h *Handle) Run(ctx context.Context) (Report, error) {
	// The state transition and the cancel publication happen under one
	// lock so a concurrent fatal() either sees a Ready context it can
	// finish directly, or a cancel func that interrupts the machine.
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	if !h.proc.transition(StateReady, StateRunning) {
		h.mu.Unlock()
		cancel()
		return Report{}, ErrNotRunnable
	}
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()

	trap, err := h.sup.machine.Start(runCtx, h.proc)

	var (
		report Report
		state  State
		runErr error
	)
	switch {
	case err != nil && runCtx.Err() != nil:
		// Forced stop: equivalent to delivering an abort.
		state = StateAborted
		report = Report{Disposition: Aborted, Reason: h.stopReason(runCtx)}
	case err != nil:
		state = StateAborted
		report = Report{Disposition: Faulted, Fault: FaultMachine}
		runErr = err
	default:
		switch trap.Kind {
		case TrapHalt:
			state = StateExited
			report = Report{Disposition: NormalExit, ExitCode: trap.Code}
		case TrapFault:
			state = StateAborted
			report = Report{Disposition: Faulted, Fault: trap.Fault}
		case TrapAbort:
			reason := trap.Reason
			if forced := h.stopReason(runCtx); runCtx.Err() != nil {
				reason = forced
			}
			state = StateAborted
			report = Report{Disposition: Aborted, Reason: reason}
		default:
			state = StateAborted
			report = Report{Disposition: Faulted, Fault: FaultMachine}
			runErr = fmt.Errorf("process: machine returned unknown trap kind %d", trap.Kind)
		}
	}

	h.finish(state, report)
	return h.Wait(), runErr
}

// stopReason folds a recorded abort reason and the context error into one
// report string.
func (h *Handle) stopReason(ctx context.Context) string {
	h.mu.Lock()
	reason := h.abortReason
	h.mu.Unlock()
	if reason != "" {
		return reason
	}
	if err := ctx.Err(); err != nil {
		return fmt.Sprintf("forced stop: %v", err)
	}
	return "forced stop"
}

// finish is the abort/exit sink: it moves the context to its terminal
// state, reclaims every resource exactly once, and publishes the report.
func (h *Handle) finish(state State, report Report) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.mu.Unlock()

	h.proc.terminalize(state)
	h.proc.release()
	report.ResourcesReleased = true

	switch report.Disposition {
	case NormalExit:
		slog.Info("process: exited", "code", report.ExitCode)
	case Aborted:
		slog.Error("process: aborted", "reason", report.Reason)
	case Faulted:
		slog.Error("process: faulted", "fault", report.Fault.String())
	}

	h.report = report
	close(h.done)
}

// Wait blocks until the process reaches a terminal state and returns the
// report. The report is delivered exactly once and then cached.
func (h *Handle) Wait() Report {
	<-h.done
	return h.report
}

// Alloc forwards an allocation request from the running image to its heap
// bridge. Exhaustion is the image's problem, not the supervisor's: the
// error goes back through the image's own allocation-failure path.
func (h *Handle) Alloc(size, align uint64) (heap.Region, error) {
	return h.proc.bridge.Alloc(size, align)
}

// Free forwards a release from the running image. A corrupted-allocator
// error is not recoverable in an abort-only runtime: it is routed to the
// sink and terminates the process.
func (h *Handle) Free(r heap.Region) error {
	err := h.proc.bridge.Free(r)
	if err == nil {
		return nil
	}
	if errors.Is(err, heap.ErrHeapCorrupted) {
		h.fatal(fmt.Sprintf("heap corruption: %v", err))
	}
	return err
}

// fatal terminates the process because of an internal invariant violation.
// A running machine is interrupted; a context that never started is torn
// down immediately.
func (h *Handle) fatal(reason string) {
	h.mu.Lock()
	h.abortReason = reason
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		return
	}
	h.finish(StateAborted, Report{Disposition: Aborted, Reason: reason})
}
