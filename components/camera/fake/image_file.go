package fake

import (
	"bytes"
	"context"
	"image"
	// register decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
)

// FileModel is the name of the camera that serves a stored image.
const FileModel = "image_file"

func init() {
	camera.RegisterSource(FileModel, func(ctx context.Context, conf camera.Config, logger logging.Logger) (camera.Source, error) {
		return NewFileSource(conf, logger)
	})
}

// FileSource serves the same image for every frame. A JPEG file served as jpeg is passed
// through byte for byte; anything else is decoded once and packed into the configured format.
type FileSource struct {
	frame  rimage.Pixels
	pool   *camera.Pool
	logger logging.Logger

	mu       sync.Mutex
	settings settings
	frames   int
	closed   bool
}

// NewFileSource reads conf.ImagePath.
func NewFileSource(conf camera.Config, logger logging.Logger, opts ...Option) (*FileSource, error) {
	if err := conf.Validate("camera"); err != nil {
		return nil, err
	}
	if conf.ImagePath == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError("camera", "image_path")
	}
	data, err := os.ReadFile(conf.ImagePath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read image file")
	}
	cfg, kind, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", conf.ImagePath)
	}

	format := conf.PixelFormat(rimage.FormatJPEG)
	if format != rimage.FormatJPEG || kind != "jpeg" {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot decode %s", conf.ImagePath)
		}
		data, err = rimage.Pack(img, format, 0, nil)
		if err != nil {
			return nil, err
		}
	}
	logger.Debugw("serving image file", "path", conf.ImagePath, "kind", kind, "format", format,
		"width", cfg.Width, "height", cfg.Height)

	return &FileSource{
		frame:    rimage.Pixels{Data: data, Width: cfg.Width, Height: cfg.Height, Format: format},
		pool:     camera.NewPool(conf.FrameBuffers, len(data), logger),
		logger:   logger,
		settings: newSettings(opts),
	}, nil
}

// Acquire copies the stored image into a free device buffer.
func (fs *FileSource) Acquire(ctx context.Context) (*camera.Frame, error) {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil, errors.Wrap(camera.ErrCaptureFailed, camera.ErrClosed.Error())
	}
	if !fs.settings.next(&fs.frames) {
		fs.mu.Unlock()
		return nil, errors.Wrap(camera.ErrCaptureFailed, "injected failure")
	}
	fs.mu.Unlock()
	f, err := fs.pool.Checkout(ctx, func(buf []byte) ([]byte, error) {
		return append(buf, fs.frame.Data...), nil
	})
	if err != nil {
		return nil, err
	}
	f.Width = fs.frame.Width
	f.Height = fs.frame.Height
	f.Format = fs.frame.Format
	f.Timestamp = fs.settings.clock.Now()
	return f, nil
}

// Release returns a frame to the pool.
func (fs *FileSource) Release(f *camera.Frame) error {
	return fs.pool.Return(f)
}

// Stats reports frames handed out and returned.
func (fs *FileSource) Stats() camera.PoolStats {
	return fs.pool.Stats()
}

// Properties describes the stored image.
func (fs *FileSource) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{
		Model:        FileModel,
		Width:        fs.frame.Width,
		Height:       fs.frame.Height,
		Format:       fs.frame.Format,
		FrameBuffers: fs.pool.Size(),
	}, nil
}

// Close stops serving frames.
func (fs *FileSource) Close(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}
