package rimage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// PixelFormat is the layout of the bytes in a frame buffer.
type PixelFormat int

// The known pixel formats. FormatRGB888 is the full color intermediate.
const (
	FormatUnknown PixelFormat = iota
	FormatJPEG
	FormatRGB888
	FormatRGB565
	FormatGrayscale
	FormatYUYV
	FormatI420
	FormatNV12
)

var formatNames = map[PixelFormat]string{
	FormatJPEG:      "jpeg",
	FormatRGB888:    "rgb888",
	FormatRGB565:    "rgb565",
	FormatGrayscale: "grayscale",
	FormatYUYV:      "yuyv",
	FormatI420:      "i420",
	FormatNV12:      "nv12",
}

func (f PixelFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(f))
}

// ParsePixelFormat returns the format with the given name. Matching ignores case.
func ParsePixelFormat(name string) (PixelFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return FormatUnknown, errors.Errorf("unknown pixel format %q", name)
}

// IsRaw is true for uncompressed formats with a fixed frame size.
func (f PixelFormat) IsRaw() bool {
	return f != FormatJPEG && f != FormatUnknown
}

// BytesPerFrame is the exact size of a raw frame. Compressed formats return -1.
func (f PixelFormat) BytesPerFrame(width, height int) int {
	n := width * height
	switch f {
	case FormatRGB888:
		return n * 3
	case FormatRGB565, FormatYUYV:
		return n * 2
	case FormatGrayscale:
		return n
	case FormatI420, FormatNV12:
		return n + 2*(((width+1)/2)*((height+1)/2))
	case FormatUnknown, FormatJPEG:
		return -1
	default:
		return -1
	}
}

// Pixels is a frame buffer along with what is needed to interpret it.
type Pixels struct {
	Data   []byte
	Width  int
	Height int
	Format PixelFormat
}

// Validate checks that the dimensions are usable and that a raw buffer is big enough.
func (px Pixels) Validate() error {
	if px.Width <= 0 || px.Height <= 0 {
		return errors.Wrapf(ErrConversionFailed, "invalid dimensions %dx%d", px.Width, px.Height)
	}
	if len(px.Data) == 0 {
		return errors.Wrap(ErrConversionFailed, "empty frame")
	}
	if !px.Format.IsRaw() {
		if px.Format == FormatUnknown {
			return errors.Wrap(ErrConversionFailed, "unknown pixel format")
		}
		return nil
	}
	if want := px.Format.BytesPerFrame(px.Width, px.Height); len(px.Data) < want {
		return errors.Wrapf(ErrConversionFailed, "%s frame %dx%d needs %d bytes, got %d",
			px.Format, px.Width, px.Height, want, len(px.Data))
	}
	return nil
}
