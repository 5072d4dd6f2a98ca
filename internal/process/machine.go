package process

import "context"

// TrapKind classifies how a control transfer ended.
type TrapKind int

const (
	// TrapHalt is the image signaling normal completion.
	TrapHalt TrapKind = iota
	// TrapFault is a hardware-level violation taken while the image ran.
	TrapFault
	// TrapAbort is a declared abort or a contract violation that is not a
	// hardware fault (device access, forced stop).
	TrapAbort
)

// Trap is the machine's account of why execution stopped.
type Trap struct {
	Kind TrapKind

	// Code is the exit status for TrapHalt.
	Code int
	// Fault is set for TrapFault.
	Fault FaultKind
	// Reason is set for TrapAbort.
	Reason string
}

// Machine transfers control into a ready context's entry point and blocks
// until the image exits or faults. It is the one operation in the subsystem
// that may not be retried: whatever Start returns, the context is terminal.
//
// A canceled ctx is a forced stop and must surface as a TrapAbort — the
// supervisor still tears the process down deterministically.
type Machine interface {
	Start(ctx context.Context, proc *Context) (Trap, error)
}
