package camera

import (
	"strconv"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camserver/rimage"
)

// DefaultFrameBuffers is the pool size when none is configured.
const DefaultFrameBuffers = 1

// Config describes which capture device to open and how.
type Config struct {
	Model        string  `json:"model"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	Format       string  `json:"format,omitempty"`
	FrameBuffers int     `json:"frame_buffers,omitempty"`
	FrameRate    float32 `json:"frame_rate,omitempty"`
	ImagePath    string  `json:"image_path,omitempty"`
	VideoPath    string  `json:"video_path,omitempty"`
	VendorID     string  `json:"vendor_id,omitempty"`
	ProductID    string  `json:"product_id,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in the frame buffer default.
func (conf *Config) Validate(path string) error {
	if conf.Model == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "model")
	}
	if conf.Width < 0 || conf.Height < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("got illegal negative dimensions (%d, %d)", conf.Width, conf.Height))
	}
	if conf.FrameRate < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("got illegal negative frame rate %.2f", conf.FrameRate))
	}
	if conf.FrameBuffers < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("frame_buffers must be positive, got %d", conf.FrameBuffers))
	}
	if conf.FrameBuffers == 0 {
		conf.FrameBuffers = DefaultFrameBuffers
	}
	if conf.Format != "" {
		if _, err := rimage.ParsePixelFormat(conf.Format); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
	}
	for field, val := range map[string]string{"vendor_id": conf.VendorID, "product_id": conf.ProductID} {
		if val == "" {
			continue
		}
		if _, err := strconv.ParseUint(val, 0, 16); err != nil {
			return goutils.NewConfigValidationError(path, errors.Errorf("invalid %s %q", field, val))
		}
	}
	return nil
}

// PixelFormat returns the configured format, or def when none is set.
func (conf *Config) PixelFormat(def rimage.PixelFormat) rimage.PixelFormat {
	if conf.Format == "" {
		return def
	}
	f, err := rimage.ParsePixelFormat(conf.Format)
	if err != nil {
		return def
	}
	return f
}

// USBIDs parses the configured vendor and product ids.
func (conf *Config) USBIDs() (vid, pid uint16, err error) {
	v, err := strconv.ParseUint(conf.VendorID, 0, 16)
	if err != nil {
		return 0, 0, errors.Wrap(err, "vendor_id")
	}
	p, err := strconv.ParseUint(conf.ProductID, 0, 16)
	if err != nil {
		return 0, 0, errors.Wrap(err, "product_id")
	}
	return uint16(v), uint16(p), nil
}
