package compute

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/soypat/tsdf"
)

// cancelCheckInterval is the amount of kernel invocations between context checks.
const cancelCheckInterval = 1 << 12

// CPU is a Device that runs kernels on goroutines and performs readback
// as an asynchronous copy out of the volume.
type CPU struct {
	workers int
	closed  atomic.Bool
	// mu orders readback submission against Close.
	mu sync.Mutex
	// pending tracks in-flight readbacks.
	pending sync.WaitGroup
}

var _ Device = (*CPU)(nil)

// NewCPU returns a CPU device running kernels on workers goroutines.
// workers <= 0 selects runtime.NumCPU.
func NewCPU(workers int) *CPU {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &CPU{workers: workers}
}

// Workers returns the amount of goroutines a dispatch is split over.
func (d *CPU) Workers() int { return d.workers }

// Dispatch runs k.Body for every invocation of k.Grid.
func (d *CPU) Dispatch(ctx context.Context, k Kernel) error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	n := k.Grid.Size()
	if n == 0 {
		return nil
	}
	if k.Body == nil {
		return fmt.Errorf("compute: kernel %q has no body", k.Name)
	}
	err := ForBlocks(ctx, n, d.workers, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			if (i-lo)%cancelCheckInterval == cancelCheckInterval-1 && ctx.Err() != nil {
				return
			}
			k.Body(i)
		}
	})
	if err != nil {
		return fmt.Errorf("compute: kernel %q: %w", k.Name, err)
	}
	return nil
}

// Readback copies the requested region on a separate goroutine.
func (d *CPU) Readback(ctx context.Context, vol *tsdf.Volume, start, size tsdf.V3i) *Future[Region] {
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return Resolved(Region{}, ErrDeviceClosed)
	}
	d.pending.Add(1)
	d.mu.Unlock()
	f := NewFuture[Region]()
	go func() {
		defer d.pending.Done()
		if err := ctx.Err(); err != nil {
			f.Resolve(Region{}, err)
			return
		}
		slices, version, err := vol.ReadSlices(nil, start, size)
		f.Resolve(Region{Start: start, Size: size, Slices: slices, Version: version}, err)
	}()
	return f
}

// Close rejects further work and waits for in-flight readbacks.
func (d *CPU) Close() error {
	d.mu.Lock()
	d.closed.Store(true)
	d.mu.Unlock()
	d.pending.Wait()
	return nil
}
