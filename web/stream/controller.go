package webstream

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/time/rate"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/components/light"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
	"go.viam.com/camserver/vision/emitter"
	"go.viam.com/camserver/vision/objectdetection"
)

// Defaults for zero valued Options.
const (
	DefaultInferenceWidthThreshold = 400
	DefaultJPEGQuality             = 80
	DefaultAnnotatedJPEGQuality    = 90
)

// Options control one stream. They are read once when the session starts.
type Options struct {
	InferenceEnabled    bool
	IlluminationEnabled bool
	// Frames wider than this many pixels skip inference.
	InferenceWidthThreshold int
	JPEGQuality             int
	AnnotatedJPEGQuality    int
	// MaxFrameRate caps frames per second. Zero means no cap.
	MaxFrameRate float64
}

func (o Options) withDefaults() Options {
	if o.InferenceWidthThreshold <= 0 {
		o.InferenceWidthThreshold = DefaultInferenceWidthThreshold
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.AnnotatedJPEGQuality <= 0 {
		o.AnnotatedJPEGQuality = DefaultAnnotatedJPEGQuality
	}
	return o
}

// State is where a session is in its frame loop.
type State int

// Session states.
const (
	StateInit State = iota
	StateCapture
	StateBranchEncode
	StateBranchInfer
	StateTransmit
	StateError
	StateStopped
)

var stateNames = [...]string{"INIT", "CAPTURE", "BRANCH_ENCODE", "BRANCH_INFER", "TRANSMIT", "ERROR", "STOPPED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Session is the state of one client's stream. It belongs to a single Controller and must not
// be read while Run is active.
type Session struct {
	ID        uuid.UUID
	State     State
	LastFrame time.Time
	// Sequence counts frames captured.
	Sequence uint64
	// Sent counts frames fully written to the client.
	Sent uint64
	// Annotated counts frames that had detections drawn on them.
	Annotated uint64
	FPS       float64
	Err       error
}

// A Controller runs the capture, convert, detect and transmit loop for one stream.
type Controller struct {
	source   camera.Source
	conv     *rimage.Converter
	detector objectdetection.Detector
	light    light.Light
	opts     Options
	clock    clock.Clock
	logger   logging.Logger
	sinks    []emitter.Sink

	session Session
}

// NewController returns a controller with a fresh session. detector may be nil, in which case
// every frame is sent unannotated. A nil light or clock means no illumination and wall time.
func NewController(
	source camera.Source,
	conv *rimage.Converter,
	detector objectdetection.Detector,
	lt light.Light,
	opts Options,
	clk clock.Clock,
	logger logging.Logger,
	sinks ...emitter.Sink,
) *Controller {
	if lt == nil {
		lt = light.NewNoop()
	}
	if clk == nil {
		clk = clock.New()
	}
	id := uuid.New()
	return &Controller{
		source:   source,
		conv:     conv,
		detector: detector,
		light:    lt,
		opts:     opts.withDefaults(),
		clock:    clk,
		logger:   logger.Sublogger("stream." + id.String()[:8]),
		sinks:    sinks,
		session:  Session{ID: id, State: StateInit},
	}
}

// Session returns a copy of the controller's session.
func (c *Controller) Session() Session {
	return c.session
}

// ShouldInfer reports whether a frame of the given width goes through the detector.
func (c *Controller) ShouldInfer(width int) bool {
	return c.opts.InferenceEnabled && c.detector != nil && width <= c.opts.InferenceWidthThreshold
}

// Run streams frames to t until ctx is done or a frame fails. Cancellation is only noticed
// between frames and ends the session without an error. Any other exit returns the error
// that stopped the stream.
func (c *Controller) Run(ctx context.Context, t Transport) error {
	s := &c.session
	if c.opts.IlluminationEnabled {
		if err := c.light.EnableStreaming(); err != nil {
			c.logger.Warnw("could not enable illumination", "error", err)
		}
		defer func() {
			if err := c.light.Disable(); err != nil {
				c.logger.Warnw("could not disable illumination", "error", err)
			}
		}()
	}
	defer func() {
		s.State = StateStopped
	}()

	var limiter *rate.Limiter
	if c.opts.MaxFrameRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.opts.MaxFrameRate), 1)
	}

	c.logger.Debugw("stream started", "inference", c.opts.InferenceEnabled && c.detector != nil)
	s.LastFrame = c.clock.Now()
	for {
		if ctx.Err() != nil {
			c.logger.Debugw("stream stopped", "frames", s.Sent)
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				// the context ends before the next frame is due
				c.logger.Debugw("stream stopped", "frames", s.Sent, "reason", err)
				return nil
			}
		}
		if err := c.frame(ctx, t); err != nil {
			s.State = StateError
			s.Err = err
			if errors.Is(err, ErrTransmitFailed) {
				c.logger.Debugw("client went away", "frames", s.Sent, "error", err)
			} else {
				c.logger.Errorw("stream failed", "frames", s.Sent, "error", err)
			}
			return err
		}
	}
}

// frame runs one iteration. Whatever it still holds when it returns, device frame or heap
// buffer, is released exactly once.
func (c *Controller) frame(ctx context.Context, t Transport) error {
	ctx, span := trace.StartSpan(ctx, "webstream::frame")
	defer span.End()
	s := &c.session

	s.State = StateCapture
	f, err := c.source.Acquire(ctx)
	if err != nil {
		return err
	}
	s.Sequence++
	ts := f.Timestamp

	var (
		held     = f
		buf      *rimage.Buffer
		full     *rimage.RGBImage
		detected bool
	)
	releaseFrame := func() {
		if held == nil {
			return
		}
		if rerr := c.source.Release(held); rerr != nil {
			c.logger.Warnw("frame release failed", "error", rerr)
		}
		held = nil
	}
	defer func() {
		releaseFrame()
		if full != nil {
			if ferr := full.Free(); ferr != nil {
				c.logger.Warnw("full color release failed", "error", ferr)
			}
		}
		if buf != nil {
			if ferr := buf.Free(); ferr != nil {
				c.logger.Warnw("jpeg release failed", "error", ferr)
			}
		}
	}()

	var payload []byte
	if !c.ShouldInfer(f.Width) {
		s.State = StateBranchEncode
		if f.Format == rimage.FormatJPEG {
			payload = f.Data
		} else {
			buf, err = c.conv.ToJPEG(ctx, f.Pixels, c.opts.JPEGQuality)
			releaseFrame()
			if err != nil {
				return err
			}
			payload = buf.Bytes()
		}
	} else {
		s.State = StateBranchInfer
		width, height := f.Width, f.Height
		full, err = c.conv.ToFullColor(ctx, f.Pixels)
		releaseFrame()
		if err != nil {
			return err
		}
		dets, derr := c.detector(ctx, full)
		if derr != nil {
			c.logger.Warnw("inference failed, sending frame without detections", "error", derr)
			dets = nil
		}
		if objectdetection.AnyDrawable(dets) {
			detected = objectdetection.Annotate(full, dets) > 0
		}
		if len(dets) > 0 {
			c.publish(ctx, emitter.FrameDetections{
				Session:    s.ID.String(),
				Sequence:   s.Sequence,
				Timestamp:  ts,
				Width:      width,
				Height:     height,
				Detections: dets,
			})
		}
		buf, err = c.conv.FromFullColor(ctx, full, c.opts.AnnotatedJPEGQuality)
		if ferr := full.Free(); ferr != nil {
			c.logger.Warnw("full color release failed", "error", ferr)
		}
		full = nil
		if err != nil {
			return err
		}
		payload = buf.Bytes()
	}

	s.State = StateTransmit
	if err := t.WriteChunk(boundaryChunk); err != nil {
		return err
	}
	if err := t.WriteChunk(PartHeader(len(payload), ts)); err != nil {
		return err
	}
	if err := t.WriteChunk(payload); err != nil {
		return err
	}

	now := c.clock.Now()
	elapsed := now.Sub(s.LastFrame)
	s.LastFrame = now
	s.Sent++
	if detected {
		s.Annotated++
	}
	if elapsed > 0 {
		s.FPS = float64(time.Second) / float64(elapsed)
	}
	marker := ""
	if detected {
		marker = " DETECTED"
	}
	c.logger.Debugf("MJPG: %dB %dms (%.1ffps)%s", len(payload), elapsed.Milliseconds(), s.FPS, marker)
	return nil
}

func (c *Controller) publish(ctx context.Context, fd emitter.FrameDetections) {
	for _, sink := range c.sinks {
		if err := sink.Publish(ctx, fd); err != nil {
			c.logger.Debugw("could not publish detections", "error", err)
		}
	}
}
