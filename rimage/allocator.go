package rimage

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/camserver/logging"
)

var (
	// ErrAllocationFailed is returned when an intermediate buffer cannot be obtained.
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrDoubleFree is returned when a buffer is released more than once.
	ErrDoubleFree = errors.New("buffer already freed")
)

// AllocatorStats is a snapshot of an Allocator's accounting.
type AllocatorStats struct {
	Allocs      int
	Frees       int
	Borrows     int
	Returns     int
	InUseBytes  int
	PeakInUse   int
	Failures    int
	DoubleFrees int
}

// Outstanding is the number of buffers, owned or borrowed, that have not been freed.
func (s AllocatorStats) Outstanding() int {
	return s.Allocs - s.Frees + s.Borrows - s.Returns
}

// An Allocator hands out heap buffers against an optional byte budget and tracks every
// buffer until it is freed.
type Allocator struct {
	mu     sync.Mutex
	limit  int
	stats  AllocatorStats
	logger logging.Logger
}

// NewAllocator returns an allocator that refuses to hold more than limitBytes at once.
// A limit of zero or less means unlimited.
func NewAllocator(limitBytes int, logger logging.Logger) *Allocator {
	return &Allocator{limit: limitBytes, logger: logger}
}

// Alloc returns a zeroed buffer of n bytes.
func (a *Allocator) Alloc(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrAllocationFailed, "invalid size %d", n)
	}
	a.mu.Lock()
	if a.limit > 0 && a.stats.InUseBytes+n > a.limit {
		a.stats.Failures++
		inUse := a.stats.InUseBytes
		a.mu.Unlock()
		a.logger.Debugw("allocation refused", "size", n, "in_use", inUse, "limit", a.limit)
		return nil, errors.Wrapf(ErrAllocationFailed, "%d bytes requested with %d of %d in use", n, inUse, a.limit)
	}
	a.stats.Allocs++
	a.stats.InUseBytes += n
	if a.stats.InUseBytes > a.stats.PeakInUse {
		a.stats.PeakInUse = a.stats.InUseBytes
	}
	a.mu.Unlock()

	return &Buffer{data: make([]byte, n), charged: n, alloc: a}, nil
}

// Borrow wraps memory owned elsewhere. Freeing it is bookkeeping only; the budget is not
// charged.
func (a *Allocator) Borrow(data []byte) *Buffer {
	a.mu.Lock()
	a.stats.Borrows++
	a.mu.Unlock()
	return &Buffer{data: data, alloc: a, borrowed: true}
}

// Stats returns a snapshot of the accounting.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Allocator) release(b *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.borrowed {
		a.stats.Returns++
		return
	}
	a.stats.Frees++
	a.stats.InUseBytes -= b.charged
}

func (a *Allocator) doubleFree(b *Buffer) {
	a.mu.Lock()
	a.stats.DoubleFrees++
	a.mu.Unlock()
	a.logger.Warnw("buffer freed twice", "size", len(b.data), "borrowed", b.borrowed)
}

// truncate shortens the visible contents to n bytes. The full allocation stays charged until
// Free.
func (b *Buffer) truncate(n int) {
	b.data = b.data[:n]
}

// A Buffer is a byte slice handed out by an Allocator. It has exactly one owner, who must
// call Free once when done with it.
type Buffer struct {
	data     []byte
	charged  int
	alloc    *Allocator
	borrowed bool
	freed    atomic.Bool
}

// Bytes returns the contents. Not valid after Free.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len is the size of the buffer in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Borrowed is true when the memory is owned by someone other than the allocator.
func (b *Buffer) Borrowed() bool {
	return b.borrowed
}

// Free returns the buffer to its allocator. A second call returns ErrDoubleFree.
func (b *Buffer) Free() error {
	if !b.freed.CompareAndSwap(false, true) {
		b.alloc.doubleFree(b)
		return ErrDoubleFree
	}
	b.alloc.release(b)
	if !b.borrowed {
		b.data = nil
	}
	return nil
}
