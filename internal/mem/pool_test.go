package mem

import (
	"errors"
	"sync"
	"testing"
)

func newTestPool(t *testing.T, pages uint64) *Pool {
	t.Helper()
	p, err := NewPool(pages, 0x1000)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return p
}

func TestReserveCommitRelease(t *testing.T) {
	p := newTestPool(t, 8)

	res, err := p.Reserve(3)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got := p.FreePages(); got != 5 {
		t.Fatalf("FreePages() = %d, want 5", got)
	}

	frames := res.Commit()
	if len(frames) != 3 {
		t.Fatalf("Commit() returned %d frames, want 3", len(frames))
	}

	p.Release(frames)
	if got := p.FreePages(); got != 8 {
		t.Fatalf("FreePages() = %d, want 8", got)
	}
}

func TestReserveRollbackSymmetry(t *testing.T) {
	p := newTestPool(t, 4)

	res, err := p.Reserve(4)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	res.Rollback()

	if got := p.FreePages(); got != 4 {
		t.Fatalf("FreePages() after rollback = %d, want 4", got)
	}
}

func TestReserveInsufficient(t *testing.T) {
	p := newTestPool(t, 2)

	if _, err := p.Reserve(3); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("Reserve() error = %v, want %v", err, ErrInsufficientMemory)
	}
	if got := p.FreePages(); got != 2 {
		t.Fatalf("FreePages() = %d after failed reserve, want 2", got)
	}
}

func TestFrameBytesAreDistinct(t *testing.T) {
	p := newTestPool(t, 2)

	res, err := p.Reserve(2)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	frames := res.Commit()
	defer p.Release(frames)

	p.FrameBytes(frames[0])[0] = 0xaa
	if got := p.FrameBytes(frames[1])[0]; got != 0 {
		t.Fatalf("frame 1 byte = %#x, want untouched", got)
	}
}

func TestLeaseHeapContiguous(t *testing.T) {
	p := newTestPool(t, 8)

	lease, err := p.LeaseHeap(4)
	if err != nil {
		t.Fatalf("LeaseHeap() error = %v", err)
	}
	if got := lease.Size(); got != 4*0x1000 {
		t.Fatalf("Size() = %d, want %d", got, 4*0x1000)
	}
	if got := uint64(len(lease.Bytes())); got != lease.Size() {
		t.Fatalf("len(Bytes()) = %d, want %d", got, lease.Size())
	}

	lease.Release()
	lease.Release() // idempotent
	if got := p.FreePages(); got != 8 {
		t.Fatalf("FreePages() = %d after release, want 8", got)
	}
}

func TestLeaseHeapReleaseThenRelease(t *testing.T) {
	// A process that exits normally releases its heap such that a
	// subsequent load can re-lease a region of the same size.
	p := newTestPool(t, 4)

	first, err := p.LeaseHeap(4)
	if err != nil {
		t.Fatalf("LeaseHeap() error = %v", err)
	}
	first.Release()

	second, err := p.LeaseHeap(4)
	if err != nil {
		t.Fatalf("LeaseHeap() after release error = %v", err)
	}
	second.Release()
}

func TestLeaseHeapFragmented(t *testing.T) {
	p := newTestPool(t, 4)

	res, err := p.Reserve(4)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	frames := res.Commit()

	// Free everything but a middle frame: no run of 3 remains.
	p.Release([]Frame{frames[0], frames[1], frames[3]})
	if _, err := p.LeaseHeap(3); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("LeaseHeap() error = %v, want %v", err, ErrInsufficientMemory)
	}

	p.Release([]Frame{frames[2]})
}

func TestConcurrentReserveAccounting(t *testing.T) {
	p := newTestPool(t, 64)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res, err := p.Reserve(4)
				if err != nil {
					continue
				}
				res.Rollback()
			}
		}()
	}
	wg.Wait()

	if got := p.FreePages(); got != 64 {
		t.Fatalf("FreePages() = %d after concurrent churn, want 64", got)
	}
}
