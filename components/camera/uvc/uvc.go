//go:build linux && !no_cgo

// Package uvc implements a source for USB video class cameras that emit MJPEG, read through
// libusb without a kernel video driver.
package uvc

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/kevmo314/go-uvc"
	"github.com/kevmo314/go-uvc/pkg/descriptors"
	"github.com/pkg/errors"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
)

// Model is the name of the UVC source.
const Model = "uvc"

// initialFrameCapacity is a starting guess for an MJPEG frame; slots grow as needed.
const initialFrameCapacity = 256 << 10

func init() {
	camera.RegisterSource(Model, NewSource)
}

// devicePath finds the usbfs node for the camera with the given ids.
func devicePath(vid, pid uint16) (string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return "", errors.Wrapf(err, "cannot open usb device %04x:%04x", vid, pid)
	}
	if dev == nil {
		return "", errors.Errorf("no usb device %04x:%04x", vid, pid)
	}
	defer dev.Close()
	return fmt.Sprintf("/dev/bus/usb/%03v/%03v", dev.Desc.Bus, dev.Desc.Address), nil
}

type source struct {
	fd        int
	readFrame func() (io.Reader, error)
	pool      *camera.Pool
	width     int
	height    int
	logger    logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewSource opens the configured camera and claims its first MJPEG stream.
func NewSource(ctx context.Context, conf camera.Config, logger logging.Logger) (camera.Source, error) {
	if err := conf.Validate("camera"); err != nil {
		return nil, err
	}
	vid, pid, err := conf.USBIDs()
	if err != nil {
		return nil, err
	}
	path := conf.VideoPath
	if path == "" {
		if path, err = devicePath(vid, pid); err != nil {
			return nil, err
		}
	}

	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", path)
	}
	s := &source{fd: fd, logger: logger}
	if err := s.claim(); err != nil {
		if closeErr := syscall.Close(fd); closeErr != nil {
			logger.Warnw("failed to close usb device", "error", closeErr)
		}
		return nil, err
	}
	s.pool = camera.NewPool(conf.FrameBuffers, initialFrameCapacity, logger)
	logger.Infow("uvc camera ready", "path", path, "width", s.width, "height", s.height)
	return s, nil
}

func (s *source) claim() error {
	dev, err := uvc.NewUVCDevice(uintptr(s.fd))
	if err != nil {
		return errors.Wrap(err, "not a uvc device")
	}
	info, err := dev.DeviceInfo()
	if err != nil {
		return errors.Wrap(err, "cannot read uvc device info")
	}
	for _, iface := range info.StreamingInterfaces {
		for i, desc := range iface.Descriptors {
			fd, ok := desc.(*descriptors.MJPEGFormatDescriptor)
			if !ok {
				continue
			}
			for _, next := range iface.Descriptors[i+1:] {
				frd, ok := next.(*descriptors.MJPEGFrameDescriptor)
				if !ok {
					continue
				}
				reader, err := iface.ClaimFrameReader(fd.Index(), frd.Index())
				if err != nil {
					return errors.Wrap(err, "cannot claim mjpeg frame reader")
				}
				s.readFrame = func() (io.Reader, error) {
					return reader.ReadFrame()
				}
				return s.probe()
			}
		}
	}
	return errors.New("device has no mjpeg stream")
}

// probe reads one frame to learn the stream size.
func (s *source) probe() error {
	r, err := s.readFrame()
	if err != nil {
		return errors.Wrap(err, "cannot read first frame")
	}
	cfg, err := jpeg.DecodeConfig(r)
	if err != nil {
		return errors.Wrap(err, "first frame is not a jpeg")
	}
	s.width, s.height = cfg.Width, cfg.Height
	return nil
}

// Acquire reads the next MJPEG frame. Frames are passed through as native JPEG.
func (s *source) Acquire(ctx context.Context) (*camera.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.Wrap(camera.ErrCaptureFailed, camera.ErrClosed.Error())
	}
	f, err := s.pool.Checkout(ctx, func(buf []byte) ([]byte, error) {
		r, err := s.readFrame()
		if err != nil {
			return nil, err
		}
		out := bytes.NewBuffer(buf)
		if _, err := out.ReadFrom(r); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	})
	if err != nil {
		return nil, err
	}
	f.Width = s.width
	f.Height = s.height
	f.Format = rimage.FormatJPEG
	f.Timestamp = time.Now()
	return f, nil
}

func (s *source) Release(f *camera.Frame) error {
	return s.pool.Return(f)
}

func (s *source) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{
		Model:        Model,
		Width:        s.width,
		Height:       s.height,
		Format:       rimage.FormatJPEG,
		FrameBuffers: s.pool.Size(),
	}, nil
}

func (s *source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return syscall.Close(s.fd)
}
