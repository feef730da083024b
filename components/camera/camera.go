// Package camera defines the frame sources the server captures from.
//
// A Source hands out device owned frames one at a time from a fixed pool. Every frame returned
// by Acquire must be given back with exactly one call to Release.
package camera

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/camserver/rimage"
)

var (
	// ErrCaptureFailed is returned when the device produced no frame.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrNotDeviceOwned is returned when a heap owned frame is handed to Release.
	ErrNotDeviceOwned = errors.New("frame is not device owned")
	// ErrAlreadyReleased is returned when a frame is released a second time.
	ErrAlreadyReleased = errors.New("frame already released")
	// ErrForeignFrame is returned when a frame is released to a source that did not produce it.
	ErrForeignFrame = errors.New("frame belongs to another source")
	// ErrClosed is returned by operations on a closed source.
	ErrClosed = errors.New("camera has been closed")
)

// Ownership says who must reclaim a frame's buffer.
type Ownership int

const (
	// OwnerDevice frames go back to the source with Release.
	OwnerDevice Ownership = iota
	// OwnerHeap frames are released by freeing their buffer.
	OwnerHeap
)

func (o Ownership) String() string {
	if o == OwnerHeap {
		return "heap"
	}
	return "device"
}

// A Frame is one captured image.
type Frame struct {
	rimage.Pixels
	Timestamp time.Time
	Owner     Ownership

	pool      *Pool
	slot      int
	onRelease func()
	released  atomic.Bool
}

// TimestampParts splits the capture time into whole seconds and microseconds.
func (f *Frame) TimestampParts() (sec, usec int64) {
	us := f.Timestamp.UnixMicro()
	return us / 1e6, us % 1e6
}

// Properties describe what a source produces.
type Properties struct {
	Model        string
	Width        int
	Height       int
	Format       rimage.PixelFormat
	FrameBuffers int
}

// A Source produces frames from a capture device.
type Source interface {
	// Acquire blocks until a frame is available. Failures wrap ErrCaptureFailed.
	Acquire(ctx context.Context) (*Frame, error)
	// Release returns a device owned frame to the source.
	Release(f *Frame) error
	Properties(ctx context.Context) (Properties, error)
	Close(ctx context.Context) error
}
