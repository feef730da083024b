package webstream

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/components/camera/fake"
	"go.viam.com/camserver/components/light"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
	"go.viam.com/camserver/testutils/inject"
	"go.viam.com/camserver/vision/emitter"
	"go.viam.com/camserver/vision/objectdetection"
)

type harness struct {
	cam    *fake.Camera
	alloc  *rimage.Allocator
	conv   *rimage.Converter
	light  *light.Fake
	clock  *clock.Mock
	logger logging.Logger
}

func newHarness(t *testing.T, conf camera.Config, limit int, opts ...fake.Option) *harness {
	t.Helper()
	logger := logging.NewTestLogger(t)
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	cam, err := fake.NewCamera(conf, logger, append([]fake.Option{fake.WithClock(mock)}, opts...)...)
	test.That(t, err, test.ShouldBeNil)
	alloc := rimage.NewAllocator(limit, logger)
	return &harness{
		cam:    cam,
		alloc:  alloc,
		conv:   rimage.NewConverter(alloc, logger),
		light:  light.NewFake(),
		clock:  mock,
		logger: logger,
	}
}

func (h *harness) controller(det objectdetection.Detector, opts Options, sinks ...emitter.Sink) *Controller {
	return NewController(h.cam, h.conv, det, h.light, opts, h.clock, h.logger, sinks...)
}

// checkOwnership asserts every frame went back to the camera and every buffer was freed once.
func (h *harness) checkOwnership(t *testing.T) {
	t.Helper()
	ps := h.cam.Stats()
	test.That(t, ps.InFlight(), test.ShouldEqual, 0)
	test.That(t, ps.BadReleases, test.ShouldEqual, 0)
	as := h.alloc.Stats()
	test.That(t, as.Outstanding(), test.ShouldEqual, 0)
	test.That(t, as.InUseBytes, test.ShouldEqual, 0)
	test.That(t, as.DoubleFrees, test.ShouldEqual, 0)
}

// stopAfter returns a transport that cancels the stream once n frames have been written.
func stopAfter(n int, cancel context.CancelFunc, perFrame func()) *inject.Transport {
	chunks := 0
	return &inject.Transport{WriteChunkFunc: func([]byte) error {
		chunks++
		if chunks%3 == 0 {
			if perFrame != nil {
				perFrame()
			}
			if chunks/3 == n {
				cancel()
			}
		}
		return nil
	}}
}

type part struct {
	header  string
	payload []byte
}

func parts(t *testing.T, chunks [][]byte) []part {
	t.Helper()
	test.That(t, len(chunks)%3, test.ShouldEqual, 0)
	var out []part
	for i := 0; i < len(chunks); i += 3 {
		test.That(t, string(chunks[i]), test.ShouldEqual, string(BoundaryChunk()))
		out = append(out, part{header: string(chunks[i+1]), payload: chunks[i+2]})
	}
	return out
}

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	return img
}

type countingDetector struct {
	mu    sync.Mutex
	calls int
	det   objectdetection.Detector
}

func (d *countingDetector) detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.det(ctx, img)
}

type recordingSink struct {
	frames []emitter.FrameDetections
	err    error
}

func (s *recordingSink) Publish(ctx context.Context, fd emitter.FrameDetections) error {
	s.frames = append(s.frames, fd)
	return s.err
}

func TestPassthroughJPEG(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model, Width: 640, Height: 480, Format: "jpeg"}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := stopAfter(3, cancel, nil)
	c := h.controller(nil, Options{})

	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	ps := parts(t, tr.Chunks())
	test.That(t, ps, test.ShouldHaveLength, 3)
	for _, p := range ps {
		test.That(t, p.header, test.ShouldEqual, string(PartHeader(len(p.payload), h.clock.Now())))
		img := decodeJPEG(t, p.payload)
		test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 640, 480))
	}
	s := c.Session()
	test.That(t, s.State, test.ShouldEqual, StateStopped)
	test.That(t, s.Sent, test.ShouldEqual, uint64(3))
	test.That(t, s.Err, test.ShouldBeNil)
	h.checkOwnership(t)
	// native JPEG frames go out without touching the allocator
	test.That(t, h.alloc.Stats().Allocs, test.ShouldEqual, 0)
	test.That(t, h.cam.Stats().Released, test.ShouldEqual, 3)
}

func TestRawFramesEncoded(t *testing.T) {
	for _, format := range []string{"rgb565", "rgb888", "grayscale", "yuyv", "i420", "nv12"} {
		t.Run(format, func(t *testing.T) {
			h := newHarness(t, camera.Config{Model: fake.Model, Format: format}, 0)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tr := stopAfter(2, cancel, nil)
			c := h.controller(nil, Options{InferenceEnabled: true})

			test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
			ps := parts(t, tr.Chunks())
			test.That(t, ps, test.ShouldHaveLength, 2)
			img := decodeJPEG(t, ps[1].payload)
			test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 320, 240))
			h.checkOwnership(t)
			test.That(t, h.alloc.Stats().Allocs, test.ShouldEqual, 2)
		})
	}
}

func TestInferenceAnnotates(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	logger, logs := logging.NewObservedTestLogger(t)
	h.logger = logger
	det, err := objectdetection.FromConfig(objectdetection.Config{Type: "simple", Threshold: 64, Label: "square"})
	test.That(t, err, test.ShouldBeNil)
	counting := &countingDetector{det: det}
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := stopAfter(2, cancel, nil)
	c := h.controller(counting.detect, Options{InferenceEnabled: true, IlluminationEnabled: true}, sink)

	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	test.That(t, counting.calls, test.ShouldEqual, 2)
	ps := parts(t, tr.Chunks())
	test.That(t, ps, test.ShouldHaveLength, 2)
	decodeJPEG(t, ps[0].payload)

	s := c.Session()
	test.That(t, s.Annotated, test.ShouldEqual, uint64(2))
	test.That(t, sink.frames, test.ShouldHaveLength, 2)
	first := sink.frames[0]
	test.That(t, first.Session, test.ShouldEqual, s.ID.String())
	test.That(t, first.Sequence, test.ShouldEqual, uint64(1))
	test.That(t, first.Width, test.ShouldEqual, 320)
	test.That(t, first.Detections, test.ShouldHaveLength, 1)
	x, y, size := h.cam.PatternSquare(1)
	test.That(t, *first.Detections[0].BoundingBox(), test.ShouldResemble, image.Rect(x, y, x+size, y+size))
	test.That(t, first.Detections[0].Label(), test.ShouldEqual, "square")

	test.That(t, logs.FilterMessageSnippet("MJPG:").Len(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessageSnippet("DETECTED").Len(), test.ShouldEqual, 2)

	enables, disables := h.light.Counts()
	test.That(t, enables, test.ShouldEqual, 1)
	test.That(t, disables, test.ShouldEqual, 1)
	test.That(t, h.light.On(), test.ShouldBeFalse)
	test.That(t, h.light.Streaming(), test.ShouldBeTrue)
	h.checkOwnership(t)
	// one full color buffer and one annotated JPEG per frame
	test.That(t, h.alloc.Stats().Allocs, test.ShouldEqual, 4)
}

func TestInferenceWidthThreshold(t *testing.T) {
	det := &countingDetector{det: objectdetection.NewSimpleDetector(64, "")}
	h := newHarness(t, camera.Config{Model: fake.Model, Width: 640, Height: 480}, 0)
	c := h.controller(det.detect, Options{InferenceEnabled: true})
	test.That(t, c.ShouldInfer(400), test.ShouldBeTrue)
	test.That(t, c.ShouldInfer(401), test.ShouldBeFalse)
	test.That(t, c.ShouldInfer(320), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := stopAfter(2, cancel, nil)
	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	test.That(t, det.calls, test.ShouldEqual, 0)
	test.That(t, c.Session().Annotated, test.ShouldEqual, uint64(0))
	h.checkOwnership(t)

	custom := NewController(h.cam, h.conv, det.detect, nil, Options{InferenceEnabled: true, InferenceWidthThreshold: 640}, nil, h.logger)
	test.That(t, custom.ShouldInfer(640), test.ShouldBeTrue)
	disabled := NewController(h.cam, h.conv, det.detect, nil, Options{}, nil, h.logger)
	test.That(t, disabled.ShouldInfer(100), test.ShouldBeFalse)
	noDetector := NewController(h.cam, h.conv, nil, nil, Options{InferenceEnabled: true}, nil, h.logger)
	test.That(t, noDetector.ShouldInfer(100), test.ShouldBeFalse)
}

func TestAnnotationGating(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	zeroScore := func(context.Context, image.Image) ([]objectdetection.Detection, error) {
		return []objectdetection.Detection{
			objectdetection.NewDetectionXYWH(10, 10, 50, 50, 0, "nothing"),
			objectdetection.NewDetectionXYWH(20, 20, 50, 50, -0.5, "less"),
		}, nil
	}
	sink := &recordingSink{err: errors.New("sink down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := stopAfter(1, cancel, nil)
	c := h.controller(zeroScore, Options{InferenceEnabled: true}, sink)
	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	test.That(t, c.Session().Annotated, test.ShouldEqual, uint64(0))
	test.That(t, c.Session().Sent, test.ShouldEqual, uint64(1))
	// undrawable detections are still reported, and a failing sink does not stop the stream
	test.That(t, sink.frames, test.ShouldHaveLength, 1)
	h.checkOwnership(t)
}

func TestInferenceFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	failing := func(context.Context, image.Image) ([]objectdetection.Detection, error) {
		return nil, errors.New("accelerator busy")
	}
	det, err := objectdetection.Build(nil, failing, nil)
	test.That(t, err, test.ShouldBeNil)
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := stopAfter(2, cancel, nil)
	c := h.controller(det, Options{InferenceEnabled: true}, sink)

	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	ps := parts(t, tr.Chunks())
	test.That(t, ps, test.ShouldHaveLength, 2)
	decodeJPEG(t, ps[1].payload)
	test.That(t, c.Session().Annotated, test.ShouldEqual, uint64(0))
	test.That(t, sink.frames, test.ShouldHaveLength, 0)
	h.checkOwnership(t)
}

func TestCaptureFailureEndsSession(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0, fake.WithFailAfter(2))
	tr := &inject.Transport{}
	c := h.controller(nil, Options{IlluminationEnabled: true})

	err := c.Run(context.Background(), tr)
	test.That(t, errors.Is(err, camera.ErrCaptureFailed), test.ShouldBeTrue)
	test.That(t, tr.Chunks(), test.ShouldHaveLength, 6)
	s := c.Session()
	test.That(t, s.State, test.ShouldEqual, StateStopped)
	test.That(t, errors.Is(s.Err, camera.ErrCaptureFailed), test.ShouldBeTrue)
	test.That(t, s.Sequence, test.ShouldEqual, uint64(2))
	test.That(t, h.light.On(), test.ShouldBeFalse)
	h.checkOwnership(t)
}

func TestTransmitFailure(t *testing.T) {
	for _, failAt := range []int{1, 2, 3, 5, 9} {
		t.Run("chunk "+strconv.Itoa(failAt), func(t *testing.T) {
			for _, inferenceOn := range []bool{false, true} {
				h := newHarness(t, camera.Config{Model: fake.Model}, 0)
				writes := 0
				tr := &inject.Transport{WriteChunkFunc: func([]byte) error {
					writes++
					if writes >= failAt {
						return errors.Wrap(ErrTransmitFailed, "broken pipe")
					}
					return nil
				}}
				c := h.controller(objectdetection.NewSimpleDetector(64, ""),
					Options{InferenceEnabled: inferenceOn, IlluminationEnabled: true})
				err := c.Run(context.Background(), tr)
				test.That(t, errors.Is(err, ErrTransmitFailed), test.ShouldBeTrue)
				test.That(t, tr.Chunks(), test.ShouldHaveLength, failAt-1)
				test.That(t, writes, test.ShouldEqual, failAt)
				// three chunks per frame; the failing frame is the last one captured
				frames := (failAt + 2) / 3
				test.That(t, c.Session().Sequence, test.ShouldEqual, uint64(frames))
				test.That(t, h.cam.Stats().Acquired, test.ShouldEqual, frames)
				test.That(t, c.Session().Sent, test.ShouldEqual, uint64(frames-1))
				test.That(t, c.Session().State, test.ShouldEqual, StateStopped)
				test.That(t, h.light.On(), test.ShouldBeFalse)
				h.checkOwnership(t)
			}
		})
	}
}

func TestTransmitFailurePassthrough(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model, Format: "jpeg"}, 0)
	tr := &inject.Transport{WriteChunkFunc: func(chunk []byte) error {
		if len(chunk) > 200 {
			return ErrTransmitFailed
		}
		return nil
	}}
	c := h.controller(nil, Options{})
	err := c.Run(context.Background(), tr)
	test.That(t, errors.Is(err, ErrTransmitFailed), test.ShouldBeTrue)
	test.That(t, tr.Chunks(), test.ShouldHaveLength, 2)
	h.checkOwnership(t)
}

func TestAllocationFailure(t *testing.T) {
	for _, tc := range []struct {
		name      string
		inference bool
		limit     int
	}{
		{"encode", false, 16},
		{"full color", true, 16},
		{"annotated encode", true, 320 * 240 * 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, camera.Config{Model: fake.Model}, tc.limit)
			tr := &inject.Transport{}
			c := h.controller(objectdetection.NewSimpleDetector(64, ""), Options{InferenceEnabled: tc.inference})
			err := c.Run(context.Background(), tr)
			test.That(t, errors.Is(err, rimage.ErrAllocationFailed), test.ShouldBeTrue)
			test.That(t, tr.Chunks(), test.ShouldHaveLength, 0)
			test.That(t, c.Session().Sent, test.ShouldEqual, uint64(0))
			h.checkOwnership(t)
			test.That(t, h.alloc.Stats().Failures, test.ShouldEqual, 1)
		})
	}
}

func TestConversionFailure(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	src := &inject.Source{Source: h.cam}
	// raw frames that claim to be JPEG cannot be decoded for inference
	src.AcquireFunc = func(ctx context.Context) (*camera.Frame, error) {
		f, err := h.cam.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		f.Format = rimage.FormatJPEG
		return f, nil
	}
	tr := &inject.Transport{}
	c := NewController(src, h.conv, objectdetection.NewSimpleDetector(64, ""), nil,
		Options{InferenceEnabled: true}, h.clock, h.logger)
	err := c.Run(context.Background(), tr)
	test.That(t, errors.Is(err, rimage.ErrConversionFailed), test.ShouldBeTrue)
	test.That(t, tr.Chunks(), test.ShouldHaveLength, 0)
	test.That(t, c.Session().State, test.ShouldEqual, StateStopped)
	h.checkOwnership(t)
}

func TestCanceledBeforeStart(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &inject.Transport{}
	c := h.controller(nil, Options{IlluminationEnabled: true})
	test.That(t, c.Session().State, test.ShouldEqual, StateInit)
	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	test.That(t, tr.Chunks(), test.ShouldHaveLength, 0)
	test.That(t, h.cam.Stats().Acquired, test.ShouldEqual, 0)
	test.That(t, c.Session().State, test.ShouldEqual, StateStopped)
	enables, disables := h.light.Counts()
	test.That(t, enables, test.ShouldEqual, 1)
	test.That(t, disables, test.ShouldEqual, 1)
}

func TestRateAccounting(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := stopAfter(4, cancel, func() { h.clock.Add(50 * time.Millisecond) })
	start := h.clock.Now()
	c := h.controller(nil, Options{})

	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	s := c.Session()
	test.That(t, s.FPS, test.ShouldAlmostEqual, 20)
	test.That(t, s.LastFrame.Equal(start.Add(200*time.Millisecond)), test.ShouldBeTrue)
	test.That(t, s.Sent, test.ShouldEqual, uint64(4))
}

func TestMaxFrameRate(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model}, 0)
	// one frame is allowed straight away, the next would be due in 1000s
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	tr := &inject.Transport{}
	c := h.controller(nil, Options{MaxFrameRate: 0.001})

	test.That(t, c.Run(ctx, tr), test.ShouldBeNil)
	test.That(t, c.Session().Sent, test.ShouldEqual, uint64(1))
	test.That(t, c.Session().State, test.ShouldEqual, StateStopped)
	test.That(t, len(tr.Chunks()), test.ShouldEqual, 3)
	h.checkOwnership(t)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, camera.Config{Model: fake.Model, FrameBuffers: 2}, 0)
	a := h.controller(nil, Options{})
	b := h.controller(nil, Options{})
	test.That(t, a.Session().ID, test.ShouldNotEqual, b.Session().ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Controller{a, b} {
		wg.Add(1)
		go func(i int, c *Controller) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var mu sync.Mutex
			frames := 0
			tr := &inject.Transport{WriteChunkFunc: func([]byte) error {
				mu.Lock()
				defer mu.Unlock()
				frames++
				if frames == 9 {
					cancel()
				}
				return nil
			}}
			errs[i] = c.Run(ctx, tr)
		}(i, c)
	}
	wg.Wait()
	test.That(t, errs, test.ShouldResemble, []error{nil, nil})
	test.That(t, a.Session().Sent, test.ShouldEqual, uint64(3))
	test.That(t, b.Session().Sent, test.ShouldEqual, uint64(3))
	h.checkOwnership(t)
}

func TestStateStrings(t *testing.T) {
	test.That(t, StateInit.String(), test.ShouldEqual, "INIT")
	test.That(t, StateBranchInfer.String(), test.ShouldEqual, "BRANCH_INFER")
	test.That(t, StateStopped.String(), test.ShouldEqual, "STOPPED")
	test.That(t, State(42).String(), test.ShouldEqual, "UNKNOWN")
}
