package camera

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/camserver/logging"
)

// PoolStats counts frames handed out and returned by a Pool.
type PoolStats struct {
	Acquired    int
	Released    int
	BadReleases int
}

// InFlight is the number of frames currently checked out.
func (s PoolStats) InFlight() int {
	return s.Acquired - s.Released
}

// A Pool is a fixed set of device buffers. Checkout blocks while every slot is in use, which
// gives a source single owner semantics without any locking by its callers.
type Pool struct {
	free   chan int
	mu     sync.Mutex
	bufs   [][]byte
	stats  PoolStats
	logger logging.Logger
}

// NewPool returns a pool of n slots whose buffers start with the given capacity.
func NewPool(n, capacity int, logger logging.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		free:   make(chan int, n),
		bufs:   make([][]byte, n),
		logger: logger,
	}
	for i := 0; i < n; i++ {
		p.bufs[i] = make([]byte, 0, capacity)
		p.free <- i
	}
	return p
}

// Size is the number of slots.
func (p *Pool) Size() int {
	return len(p.bufs)
}

// Checkout waits for a free slot and returns a device owned frame whose Data is the slot's
// buffer with length zero. The caller fills it with fill, which may grow the slice.
func (p *Pool) Checkout(ctx context.Context, fill func(buf []byte) ([]byte, error)) (*Frame, error) {
	var slot int
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ErrCaptureFailed, ctx.Err().Error())
	case slot = <-p.free:
	}

	p.mu.Lock()
	buf := p.bufs[slot][:0]
	p.mu.Unlock()

	data, err := fill(buf)
	if err != nil {
		p.free <- slot
		if errors.Is(err, ErrCaptureFailed) {
			return nil, err
		}
		return nil, errors.Wrap(ErrCaptureFailed, err.Error())
	}

	p.mu.Lock()
	// keep any growth for the next checkout of this slot
	p.bufs[slot] = data[:0]
	p.stats.Acquired++
	p.mu.Unlock()

	f := &Frame{Owner: OwnerDevice, pool: p, slot: slot}
	f.Data = data
	return f, nil
}

// Return gives a frame's slot back. It never panics on misuse; it reports it.
func (p *Pool) Return(f *Frame) error {
	err := p.checkReturn(f)
	if err != nil {
		p.mu.Lock()
		p.stats.BadReleases++
		p.mu.Unlock()
		p.logger.Warnw("bad frame release", "error", err)
		return err
	}
	if f.onRelease != nil {
		f.onRelease()
	}
	p.mu.Lock()
	p.stats.Released++
	p.mu.Unlock()
	f.Data = nil
	p.free <- f.slot
	return nil
}

func (p *Pool) checkReturn(f *Frame) error {
	if f == nil {
		return errors.New("nil frame")
	}
	if f.Owner != OwnerDevice {
		return ErrNotDeviceOwned
	}
	if f.pool != p {
		return ErrForeignFrame
	}
	if !f.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	return nil
}

// OnRelease registers fn to run when f is returned. Used by drivers that lend their own memory.
func OnRelease(f *Frame, fn func()) {
	f.onRelease = fn
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
