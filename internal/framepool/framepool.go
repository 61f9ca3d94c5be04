// Package framepool implements the zero-allocation frame pool: a
// pre-allocated slot vector, a channel of free indices that doubles as the
// counting semaphore, and RAII-style loans whose cached pointer survives
// pool growth because growth only ever appends.
//
// Grounded on the teacher's internal/resources.Manager semaphore-channel
// discipline (chan struct{} Acquire/Release), generalized from a page cache
// to a fixed-size frame slot vector with growth and reset hooks.
package framepool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/telemetry/metrics"
)

// Frame is a pooled image buffer. PixelData is sized to Capacity once at
// construction and never resized; Len is the portion actually populated by
// the most recent capture.
type Frame struct {
	PixelData   []byte
	Len         int
	Width       int
	Height      int
	BitDepth    int
	FrameNumber uint64
	Timestamp   time.Time
	Exposure    time.Duration
}

// Factory allocates one new Frame slot at pool construction or growth time.
type Factory func() *Frame

// ResetHook runs on a frame before it rejoins the free list, e.g. clearing
// stale pixel data or zeroing FrameNumber.
type ResetHook func(*Frame)

// growthIncrement is the "small_constant" floor from the growth policy: the
// pool grows by at least max(currentSize, growthIncrement).
const growthIncrement = 4

// maxFreeQueueCapacity bounds how large the pool may ever grow. The free
// channel is allocated at this capacity up front so growth never needs to
// recreate it (which would briefly violate the "append only, never move"
// invariant under a naive resize).
const maxFreeQueueCapacity = 4096

// Pool is a fixed-capacity-at-any-instant, append-only-growable slot vector
// of pre-allocated Frames handed out as exclusive Loans.
type Pool struct {
	factory Factory
	reset   ResetHook
	logger  *slog.Logger

	slotsMu sync.RWMutex
	slots   []*Frame

	free chan int

	growthMu sync.Mutex

	mLive  metrics.Gauge
	mTotal metrics.Gauge
}

// New constructs a pool of size initial slots, built by factory. provider may
// be nil to disable the pool occupancy gauges.
func New(initial int, factory Factory, reset ResetHook, logger *slog.Logger, provider metrics.Provider) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		factory: factory,
		reset:   reset,
		logger:  logger,
		free:    make(chan int, maxFreeQueueCapacity),
	}
	if provider != nil {
		p.mLive = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "daqd", Subsystem: "framepool", Name: "live_slots", Help: "Frame pool slots currently on loan",
		}})
		p.mTotal = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "daqd", Subsystem: "framepool", Name: "total_slots", Help: "Frame pool slot vector size",
		}})
	}
	p.grow(initial)
	return p
}

// reportOccupancy pushes the current (live, total) to the occupancy gauges.
// Called after every slot count change; a no-op when provider was nil.
func (p *Pool) reportOccupancy() {
	if p.mTotal == nil {
		return
	}
	live, total := p.Occupancy()
	p.mLive.Set(float64(live))
	p.mTotal.Set(float64(total))
}

// grow appends n new slots and pushes their indices onto the free queue.
// Callers must not hold slotsMu.
func (p *Pool) grow(n int) {
	p.slotsMu.Lock()
	start := len(p.slots)
	for i := 0; i < n; i++ {
		p.slots = append(p.slots, p.factory())
	}
	p.slotsMu.Unlock()
	for i := start; i < start+n; i++ {
		p.free <- i
	}
	p.reportOccupancy()
}

// Size returns the current total slot count (live + free).
func (p *Pool) Size() int {
	p.slotsMu.RLock()
	defer p.slotsMu.RUnlock()
	return len(p.slots)
}

// Occupancy returns (live, total): live is total minus the number of
// currently-free indices.
func (p *Pool) Occupancy() (live, total int) {
	total = p.Size()
	live = total - len(p.free)
	return
}

// Loan is an exclusive RAII-style handle on one pool slot. Frame() returns
// the cached pointer captured at acquire time, valid for the loan's whole
// lifetime because the pool's slot vector only ever appends.
type Loan struct {
	pool  *Pool
	index int
	frame *Frame
}

// Frame dereferences the loan without touching the semaphore or slot
// vector.
func (l *Loan) Frame() *Frame { return l.frame }

// Release runs the reset hook (if any), returns the slot to the free queue,
// and adds one permit back. A Loan must be released exactly once.
func (l *Loan) Release() {
	if l.pool.reset != nil {
		l.pool.reset(l.frame)
	}
	l.pool.free <- l.index
	l.pool.reportOccupancy()
}

// Clone acquires a fresh slot from the same pool and copies this loan's
// frame contents into it, returning an independent Loan backed by its own
// permit. It never shares index/frame with the source loan: doing so would
// let one loan's Release hand the slot to an unrelated Acquire while the
// sibling loan is still live, violating "each outstanding permit corresponds
// to exactly one loaned index" (§4.4, §8 property 1).
//
// Clone first tries a free slot without blocking; if the pool is exhausted
// it grows immediately (logged at error severity, same as
// TryAcquireWithTimeout's backpressure path) and retries once, mirroring the
// original pool's try_acquire-then-acquire_or_grow fallback.
func (l *Loan) Clone() (*Loan, error) {
	newLoan, ok := l.pool.acquireOrGrow()
	if !ok {
		return nil, daqerr.Resource("framepool.clone", daqerr.ErrPoolTimeout)
	}
	copyFrame(newLoan.frame, l.frame)
	return newLoan, nil
}

// copyFrame copies src's contents into dst in place, preserving dst's
// pre-allocated PixelData capacity rather than replacing the slice (the
// pool's zero-allocation discipline depends on every slot's backing array
// never being reassigned).
func copyFrame(dst, src *Frame) {
	dst.Len = copy(dst.PixelData, src.PixelData[:src.Len])
	dst.Width = src.Width
	dst.Height = src.Height
	dst.BitDepth = src.BitDepth
	dst.FrameNumber = src.FrameNumber
	dst.Timestamp = src.Timestamp
	dst.Exposure = src.Exposure
}

func (p *Pool) newLoan(index int) *Loan {
	p.slotsMu.RLock()
	f := p.slots[index]
	p.slotsMu.RUnlock()
	p.reportOccupancy()
	return &Loan{pool: p, index: index, frame: f}
}

// Acquire blocks until a permit is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Loan, error) {
	select {
	case idx := <-p.free:
		return p.newLoan(idx), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire is the non-blocking variant: it returns ok=false immediately if
// no permit is available.
func (p *Pool) TryAcquire() (loan *Loan, ok bool) {
	select {
	case idx := <-p.free:
		return p.newLoan(idx), true
	default:
		return nil, false
	}
}

// TryAcquireWithTimeout waits up to timeout for a permit. On timeout it logs
// a warning naming current occupancy, then grows the pool by at least
// max(current size, growthIncrement) at error severity (growth is a
// backpressure signal, not an expected path) and retries once against the
// freshly grown capacity.
func (p *Pool) TryAcquireWithTimeout(ctx context.Context, timeout time.Duration) (*Loan, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case idx := <-p.free:
		return p.newLoan(idx), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	live, total := p.Occupancy()
	p.logger.Warn("frame pool acquire timed out, growing", "live", live, "total", total, "timeout", timeout)

	if !p.growOnExhaustion() {
		return nil, daqerr.Resource("framepool.acquire", daqerr.ErrPoolTimeout)
	}

	if l, ok := p.TryAcquire(); ok {
		return l, nil
	}
	return nil, daqerr.Resource("framepool.acquire", daqerr.ErrPoolTimeout)
}

// acquireOrGrow is the non-blocking try-then-grow-then-retry fallback used
// by Loan.Clone, mirroring the original pool's acquire_or_grow: try a free
// slot without waiting, and only if none is available, grow immediately and
// try once more. ok is false only if the pool is already at its growth cap.
func (p *Pool) acquireOrGrow() (loan *Loan, ok bool) {
	if l, got := p.TryAcquire(); got {
		return l, true
	}
	if !p.growOnExhaustion() {
		return nil, false
	}
	return p.TryAcquire()
}

// growOnExhaustion grows the pool by at least max(current size,
// growthIncrement), capped at maxFreeQueueCapacity, logging at error
// severity (growth is a backpressure signal, not an expected path). Returns
// false if the pool is already at its growth cap and could not grow.
func (p *Pool) growOnExhaustion() bool {
	p.growthMu.Lock()
	defer p.growthMu.Unlock()
	current := p.Size()
	n := current
	if n < growthIncrement {
		n = growthIncrement
	}
	if current+n > maxFreeQueueCapacity {
		n = maxFreeQueueCapacity - current
	}
	if n <= 0 {
		return false
	}
	p.logger.Error("frame pool exhausted, growing slot vector", "added", n, "new_total", current+n)
	p.grow(n)
	return true
}
