package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
)

// Metrics tracks handle pool usage
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// HandlePool hands out a fixed set of handles, at most one caller per handle at a time.
// The pool is a buffered channel pre-loaded with every handle, so callers that find it
// empty park until a handle is released. No ordering is guaranteed between parked callers.
type HandlePool[T any] struct {
	handles   chan T
	size      int
	active    int64
	metrics   Metrics
	done      chan struct{}
	closeOnce sync.Once
}

// NewHandlePool creates a pool owning handles.
func NewHandlePool[T any](handles []T) *HandlePool[T] {
	p := &HandlePool[T]{
		handles: make(chan T, len(handles)),
		size:    len(handles),
		done:    make(chan struct{}),
	}
	for _, h := range handles {
		p.handles <- h
	}
	return p
}

// Acquire takes a free handle, waiting until one is available, the context is done or
// the pool is closed.
func (p *HandlePool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	start := time.Now()

	select {
	case <-p.done:
		return zero, sdkerrors.ErrStopped
	default:
	}

	select {
	case h := <-p.handles:
		// Closed while we were parked; the handle belongs to Drain now
		select {
		case <-p.done:
			p.handles <- h
			return zero, sdkerrors.ErrStopped
		default:
		}
		atomic.AddInt64(&p.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&p.metrics.TotalAcquired, 1)
		p.updatePeak(atomic.AddInt64(&p.active, 1))
		return h, nil
	case <-p.done:
		return zero, sdkerrors.ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release returns a handle obtained from Acquire.
func (p *HandlePool[T]) Release(h T) {
	atomic.AddInt64(&p.active, -1)
	atomic.AddInt64(&p.metrics.TotalReleased, 1)
	p.handles <- h
}

// Go acquires a handle and runs fn with it on a new goroutine, releasing the handle when
// fn returns. It returns once fn has been started.
func (p *HandlePool[T]) Go(ctx context.Context, fn func(T)) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer p.Release(h)
		fn(h)
	}()
	return nil
}

// Drain closes the pool to new acquisitions and waits for every handle to be released.
// On timeout it returns the handles collected so far with ErrShutdownTimeout; the
// missing handles are still in use.
func (p *HandlePool[T]) Drain(ctx context.Context) ([]T, error) {
	p.closeOnce.Do(func() { close(p.done) })

	collected := make([]T, 0, p.size)
	for len(collected) < p.size {
		select {
		case h := <-p.handles:
			collected = append(collected, h)
		case <-ctx.Done():
			return collected, fmt.Errorf("%d of %d handles still in use: %w",
				p.size-len(collected), p.size, sdkerrors.ErrShutdownTimeout)
		}
	}
	return collected, nil
}

// Size returns the number of handles owned by the pool
func (p *HandlePool[T]) Size() int {
	return p.size
}

// CurrentActive returns the number of handles currently acquired
func (p *HandlePool[T]) CurrentActive() int64 {
	return atomic.LoadInt64(&p.active)
}

// GetMetrics returns a copy of the current metrics
func (p *HandlePool[T]) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&p.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&p.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&p.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&p.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a handle
func (p *HandlePool[T]) GetAverageWaitTime() time.Duration {
	metrics := p.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

func (p *HandlePool[T]) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&p.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&p.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}
