// Package fake implements cameras backed by generated or stored images instead of hardware.
package fake

import (
	"context"
	"fmt"
	"image/color"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
)

// Model is the name of the generated pattern camera.
const Model = "fake"

const (
	defaultWidth       = 320
	defaultHeight      = 240
	patternJPEGQuality = 90
)

func init() {
	camera.RegisterSource(Model, func(ctx context.Context, conf camera.Config, logger logging.Logger) (camera.Source, error) {
		return NewCamera(conf, logger)
	})
}

// Option tweaks a fake source for tests.
type Option func(*settings)

type settings struct {
	clock     clock.Clock
	failAfter int
}

func newSettings(opts []Option) settings {
	s := settings{clock: clock.New(), failAfter: -1}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithFailAfter makes every Acquire after the first n fail with ErrCaptureFailed. A negative n
// never fails.
func WithFailAfter(n int) Option {
	return func(s *settings) {
		s.failAfter = n
	}
}

// WithClock sets the clock used for frame timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		s.clock = clk
	}
}

// next counts an acquisition, reporting false once the failure budget is spent.
func (s *settings) next(frames *int) bool {
	if s.failAfter >= 0 && *frames >= s.failAfter {
		return false
	}
	*frames++
	return true
}

// Camera generates a test pattern: a dark square that moves across a light background one
// step per frame, with the frame number written under it.
type Camera struct {
	width, height int
	format        rimage.PixelFormat

	pool   *camera.Pool
	logger logging.Logger

	mu       sync.Mutex
	settings settings
	frames   int
	closed   bool
}

// NewCamera returns a pattern camera. Width and height default to 320x240 and the format to
// rgb565.
func NewCamera(conf camera.Config, logger logging.Logger, opts ...Option) (*Camera, error) {
	if err := conf.Validate("camera"); err != nil {
		return nil, err
	}
	width, height := conf.Width, conf.Height
	if width == 0 {
		width = defaultWidth
	}
	if height == 0 {
		height = defaultHeight
	}
	if width%2 != 0 || height%2 != 0 {
		return nil, errors.Errorf("odd-number resolutions cannot be rendered, cannot use %dx%d", width, height)
	}
	format := conf.PixelFormat(rimage.FormatRGB565)
	capacity := format.BytesPerFrame(width, height)
	if capacity < 0 {
		capacity = width * height / 4
	}
	return &Camera{
		width:    width,
		height:   height,
		format:   format,
		pool:     camera.NewPool(conf.FrameBuffers, capacity, logger),
		logger:   logger,
		settings: newSettings(opts),
	}, nil
}

// Acquire renders the next pattern frame into a free device buffer.
func (c *Camera) Acquire(ctx context.Context) (*camera.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrap(camera.ErrCaptureFailed, camera.ErrClosed.Error())
	}
	if !c.settings.next(&c.frames) {
		c.mu.Unlock()
		return nil, errors.Wrap(camera.ErrCaptureFailed, "injected failure")
	}
	n := c.frames
	c.mu.Unlock()

	f, err := c.pool.Checkout(ctx, func(buf []byte) ([]byte, error) {
		return rimage.Pack(c.pattern(n).Image(), c.format, patternJPEGQuality, buf)
	})
	if err != nil {
		return nil, err
	}
	f.Width = c.width
	f.Height = c.height
	f.Format = c.format
	f.Timestamp = c.settings.clock.Now()
	return f, nil
}

// PatternSquare is where the dark square sits in frame n.
func (c *Camera) PatternSquare(n int) (x, y, size int) {
	size = c.height / 4
	travel := c.width - size
	if travel < 1 {
		travel = 1
	}
	return (n * 4) % travel, c.height / 3, size
}

func (c *Camera) pattern(n int) *gg.Context {
	dc := gg.NewContext(c.width, c.height)
	dc.SetColor(color.RGBA{0xe0, 0xe0, 0xe0, 0xff})
	dc.Clear()
	x, y, size := c.PatternSquare(n)
	dc.SetColor(color.RGBA{0x10, 0x10, 0x10, 0xff})
	dc.DrawRectangle(float64(x), float64(y), float64(size), float64(size))
	dc.Fill()
	dc.SetColor(color.RGBA{0x60, 0x60, 0xa0, 0xff})
	dc.DrawString(fmt.Sprintf("frame %d", n), 4, float64(c.height-6))
	return dc
}

// Release returns a frame to the pool.
func (c *Camera) Release(f *camera.Frame) error {
	return c.pool.Return(f)
}

// Stats reports frames handed out and returned.
func (c *Camera) Stats() camera.PoolStats {
	return c.pool.Stats()
}

// Properties describes the generated frames.
func (c *Camera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{
		Model:        Model,
		Width:        c.width,
		Height:       c.height,
		Format:       c.format,
		FrameBuffers: c.pool.Size(),
	}, nil
}

// Close stops the camera. Frames still checked out may still be released.
func (c *Camera) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
