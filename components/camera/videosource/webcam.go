// Package videosource implements the webcam source on top of the platform video drivers.
package videosource

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	driverutils "github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/driver/availability"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
)

// ModelWebcam is the name of the webcam source.
const ModelWebcam = "webcam"

var errDisconnected = errors.New("camera is disconnected; please try again in a few moments")

func init() {
	camera.RegisterSource(ModelWebcam, NewWebcam)
}

// makeConstraints returns constraints to mediadevices in order to find and make a video source.
func makeConstraints(conf camera.Config, logger logging.Logger) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if conf.Width > 0 {
				constraint.Width = prop.IntExact(conf.Width)
			} else {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: 320, Max: 4096}
			}

			if conf.Height > 0 {
				constraint.Height = prop.IntExact(conf.Height)
			} else {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: 240, Max: 2160}
			}

			if conf.FrameRate > 0.0 {
				constraint.FrameRate = prop.FloatExact(conf.FrameRate)
			} else {
				constraint.FrameRate = prop.FloatRanged{Min: 0.0, Ideal: 30.0, Max: 140.0}
			}

			constraint.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatMJPEG,
				frame.FormatYUY2,
				frame.FormatI420,
				frame.FormatNV12,
			}
			logger.Debugf("constraints: %v", constraint)
		},
	}
}

// findReaderAndDriver finds a video device and returns an image reader and the driver instance,
// as well as the label the driver was found under.
func findReaderAndDriver(conf camera.Config, path string, logger logging.Logger) (video.Reader, driverutils.Driver, string, error) {
	mediadevicescamera.Initialize()
	constraints := makeConstraints(conf, logger)

	if path != "" {
		resolvedPath, err := filepath.EvalSymlinks(path)
		if err == nil {
			path = resolvedPath
		}
		reader, driver, err := getReaderAndDriver(filepath.Base(path), constraints, logger)
		if err != nil {
			return nil, nil, "", err
		}
		return reader, driver, path, nil
	}

	reader, driver, err := getReaderAndDriver("", constraints, logger)
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "found no webcams")
	}
	labels := strings.Split(driver.Info().Label, mediadevicescamera.LabelSeparator)
	return reader, driver, labels[0], nil
}

// getReaderAndDriver opens the first driver whose label matches path, or any video driver when
// path is empty, and selects the properties that best fit the constraints.
func getReaderAndDriver(
	path string,
	constraints mediadevices.MediaStreamConstraints,
	logger logging.Logger,
) (video.Reader, driverutils.Driver, error) {
	var videoConstraints mediadevices.MediaTrackConstraints
	if constraints.Video != nil {
		constraints.Video(&videoConstraints)
	}

	for _, d := range driverutils.GetManager().Query(driverutils.FilterVideoRecorder()) {
		labels := strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator)
		if path != "" && !labelsContain(labels, path) {
			continue
		}
		if d.Status() == driverutils.StateClosed {
			if err := d.Open(); err != nil {
				logger.Debugw("cannot open driver", "label", d.Info().Label, "error", err)
				continue
			}
		}
		best, ok := selectProperties(d.Properties(), videoConstraints)
		if !ok {
			logger.Debugw("driver has no matching properties", "label", d.Info().Label)
			goutils.UncheckedError(d.Close())
			continue
		}
		recorder, ok := d.(driverutils.VideoRecorder)
		if !ok {
			goutils.UncheckedError(d.Close())
			continue
		}
		reader, err := recorder.VideoRecord(best)
		if err != nil {
			logger.Debugw("cannot start recording", "label", d.Info().Label, "error", err)
			goutils.UncheckedError(d.Close())
			continue
		}
		return reader, d, nil
	}
	return nil, nil, errors.Errorf("no video driver matched %q", path)
}

func labelsContain(labels []string, want string) bool {
	for _, l := range labels {
		if l == want || filepath.Base(l) == want {
			return true
		}
	}
	return false
}

// selectProperties picks the driver mode with the lowest fitness distance.
func selectProperties(props []prop.Media, constraints mediadevices.MediaTrackConstraints) (prop.Media, bool) {
	var (
		best     prop.Media
		bestDist = -1.0
	)
	for _, p := range props {
		dist, ok := constraints.MediaConstraints.FitnessDistance(p)
		if !ok {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = p, dist
		}
	}
	return best, bestDist >= 0
}

// webcam is a video driver wrapper that reconnects its driver when it disappears. Decoded
// driver images are rendered into RGB888 device buffers.
type webcam struct {
	mu sync.RWMutex

	reader video.Reader
	driver driverutils.Driver
	pool   *camera.Pool

	targetPath string
	conf       camera.Config
	width      int
	height     int

	cancelCtx               context.Context
	cancel                  func()
	closed                  bool
	disconnected            bool
	activeBackgroundWorkers sync.WaitGroup
	logger                  logging.Logger
}

// NewWebcam opens the webcam described by conf and starts monitoring it.
func NewWebcam(ctx context.Context, conf camera.Config, logger logging.Logger) (camera.Source, error) {
	if err := conf.Validate("camera"); err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	cam := &webcam{
		conf:       conf,
		targetPath: conf.VideoPath,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancel:     cancel,
	}
	cam.mu.Lock()
	err := cam.reconnectCamera()
	cam.mu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	cam.Monitor()
	return cam, nil
}

// reconnectCamera tries to reconnect the camera to a driver that matches the config.
// Assumes a write lock is held.
func (c *webcam) reconnectCamera() error {
	if c.driver != nil {
		c.logger.Debug("closing current camera")
		if err := c.driver.Close(); err != nil {
			c.logger.Errorw("failed to close current camera", "error", err)
		}
		c.driver = nil
		c.reader = nil
	}

	reader, driver, foundLabel, err := findReaderAndDriver(c.conf, c.targetPath, c.logger)
	if err != nil {
		return errors.Wrap(err, "failed to find camera")
	}

	// Read one frame to learn the negotiated size.
	img, release, err := reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		goutils.UncheckedError(driver.Close())
		return errors.Wrap(err, "cannot read first frame")
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if (c.conf.Width != 0 && width != c.conf.Width) || (c.conf.Height != 0 && height != c.conf.Height) {
		goutils.UncheckedError(driver.Close())
		return errors.Errorf("requested width and height (%dx%d) are not available for this webcam"+
			" (closest driver found supports resolution %dx%d)",
			c.conf.Width, c.conf.Height, width, height)
	}
	if c.pool == nil || width != c.width || height != c.height {
		c.pool = camera.NewPool(c.conf.FrameBuffers, rimage.FormatRGB888.BytesPerFrame(width, height), c.logger)
	}

	c.reader = reader
	c.driver = driver
	c.width = width
	c.height = height
	c.disconnected = false
	if c.targetPath == "" {
		c.targetPath = foundLabel
	}
	c.logger.Infow("webcam connected", "label", c.targetPath, "width", width, "height", height)
	return nil
}

// isCameraConnected is a helper for monitoring connectivity to the driver.
func (c *webcam) isCameraConnected() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.driver == nil {
		return true, errors.New("no configured camera")
	}

	// only works on linux
	_, err := driverutils.IsAvailable(c.driver)
	return !errors.Is(err, availability.ErrNoDevice), nil
}

// Monitor watches the driver and reconnects it when it goes away. It stops when the webcam is
// closed.
func (c *webcam) Monitor() {
	const wait = 500 * time.Millisecond
	c.activeBackgroundWorkers.Add(1)

	goutils.ManagedGo(func() {
		for {
			if !goutils.SelectContextOrWait(c.cancelCtx, wait) {
				return
			}

			ok, err := c.isCameraConnected()
			if err != nil {
				c.logger.Debugw("cannot determine camera status", "error", err)
				continue
			}
			if ok {
				continue
			}

			c.mu.Lock()
			c.disconnected = true
			c.mu.Unlock()

			c.logger.Error("camera no longer connected; reconnecting")
			for {
				if !goutils.SelectContextOrWait(c.cancelCtx, wait) {
					return
				}
				c.mu.Lock()
				err := c.reconnectCamera()
				c.mu.Unlock()
				if err != nil {
					c.logger.Debugw("failed to reconnect camera", "error", err)
					continue
				}
				c.logger.Info("camera reconnected")
				break
			}
		}
	}, c.activeBackgroundWorkers.Done)
}

// Acquire reads the next driver image into an RGB888 device buffer. The driver's own buffer is
// handed back when the frame is released.
func (c *webcam) Acquire(ctx context.Context) (*camera.Frame, error) {
	c.mu.RLock()
	closed, disconnected := c.closed, c.disconnected
	reader, pool := c.reader, c.pool
	width, height := c.width, c.height
	c.mu.RUnlock()
	if closed {
		return nil, errors.Wrap(camera.ErrCaptureFailed, camera.ErrClosed.Error())
	}
	if disconnected || reader == nil {
		return nil, errors.Wrap(camera.ErrCaptureFailed, errDisconnected.Error())
	}

	var release func()
	f, err := pool.Checkout(ctx, func(buf []byte) ([]byte, error) {
		img, rel, err := reader.Read()
		if err != nil {
			if rel != nil {
				rel()
			}
			return nil, err
		}
		release = rel
		return rimage.Pack(img, rimage.FormatRGB888, 0, buf)
	})
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	if release != nil {
		camera.OnRelease(f, release)
	}
	f.Width = width
	f.Height = height
	f.Format = rimage.FormatRGB888
	f.Timestamp = time.Now()
	return f, nil
}

func (c *webcam) Release(f *camera.Frame) error {
	c.mu.RLock()
	pool := c.pool
	c.mu.RUnlock()
	return pool.Return(f)
}

func (c *webcam) Properties(ctx context.Context) (camera.Properties, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return camera.Properties{}, camera.ErrClosed
	}
	if c.disconnected {
		return camera.Properties{}, errDisconnected
	}
	return camera.Properties{
		Model:        ModelWebcam,
		Width:        c.width,
		Height:       c.height,
		Format:       rimage.FormatRGB888,
		FrameBuffers: c.pool.Size(),
	}, nil
}

func (c *webcam) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("webcam already closed")
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.activeBackgroundWorkers.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil {
		return nil
	}
	return c.driver.Close()
}
