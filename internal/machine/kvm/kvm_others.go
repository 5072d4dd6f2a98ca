//go:build !linux || !amd64

package kvm

import (
	"context"
	"fmt"
	"runtime"

	"github.com/auroraos/aurora/internal/process"
)

// Machine is a placeholder on platforms without KVM support.
type Machine struct{}

func Open() (*Machine, error) {
	return nil, fmt.Errorf("kvm: not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (m *Machine) Close() error { return nil }

func (m *Machine) Start(ctx context.Context, proc *process.Context) (process.Trap, error) {
	return process.Trap{}, fmt.Errorf("kvm: not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

var _ process.Machine = (*Machine)(nil)
