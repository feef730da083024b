package rimage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"
	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"

	"go.viam.com/camserver/logging"
)

// ErrConversionFailed is returned when a frame cannot be decoded or encoded.
var ErrConversionFailed = errors.New("conversion failed")

// ClampJPEGQuality maps a requested quality onto 1..100. Zero or less means the image/jpeg
// default.
func ClampJPEGQuality(quality int) int {
	switch {
	case quality <= 0:
		return jpeg.DefaultQuality
	case quality > 100:
		return 100
	default:
		return quality
	}
}

// A Converter moves frames between their native format, full color and JPEG. Every buffer it
// returns comes from its Allocator and belongs to the caller.
type Converter struct {
	alloc  *Allocator
	logger logging.Logger
}

// NewConverter returns a Converter drawing memory from alloc.
func NewConverter(alloc *Allocator, logger logging.Logger) *Converter {
	return &Converter{alloc: alloc, logger: logger}
}

// ToJPEG encodes px at the given quality. JPEG input is passed through as a borrowed buffer
// without allocating; freeing it does not release the frame it came from.
func (c *Converter) ToJPEG(ctx context.Context, px Pixels, quality int) (*Buffer, error) {
	if err := px.Validate(); err != nil {
		return nil, err
	}
	if px.Format == FormatJPEG {
		return c.alloc.Borrow(px.Data), nil
	}
	_, span := trace.StartSpan(ctx, "rimage::Converter::ToJPEG")
	defer span.End()

	src, release, err := Decode(px)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.encodeJPEG(src, quality)
}

// ToFullColor expands px into a newly allocated width*height*3 image.
func (c *Converter) ToFullColor(ctx context.Context, px Pixels) (*RGBImage, error) {
	if err := px.Validate(); err != nil {
		return nil, err
	}
	_, span := trace.StartSpan(ctx, "rimage::Converter::ToFullColor")
	defer span.End()

	dst, err := NewRGBImage(c.alloc, px.Width, px.Height)
	if err != nil {
		return nil, err
	}
	if err := fillFullColor(dst, px); err != nil {
		if freeErr := dst.Free(); freeErr != nil {
			c.logger.Warnw("failed to free full color buffer", "error", freeErr)
		}
		return nil, err
	}
	return dst, nil
}

// FromFullColor encodes img to JPEG into a newly allocated buffer. img is not freed.
func (c *Converter) FromFullColor(ctx context.Context, img *RGBImage, quality int) (*Buffer, error) {
	if img == nil || img.Pix == nil {
		return nil, errors.Wrap(ErrConversionFailed, "no full color image")
	}
	_, span := trace.StartSpan(ctx, "rimage::Converter::FromFullColor")
	defer span.End()
	return c.encodeJPEG(img, quality)
}

// ToBMP renders px as a windows bitmap.
func (c *Converter) ToBMP(ctx context.Context, px Pixels) (*Buffer, error) {
	if err := px.Validate(); err != nil {
		return nil, err
	}
	_, span := trace.StartSpan(ctx, "rimage::Converter::ToBMP")
	defer span.End()

	src, release, err := Decode(px)
	if err != nil {
		return nil, err
	}
	defer release()

	out := newAllocWriter(c.alloc, bmpSizeHint(src.Bounds()))
	if err := bmp.Encode(out, src); err != nil {
		return nil, out.abort(errors.Wrapf(ErrConversionFailed, "bmp encode: %v", err))
	}
	return out.finish()
}

func (c *Converter) encodeJPEG(src image.Image, quality int) (*Buffer, error) {
	out := newAllocWriter(c.alloc, jpegSizeHint(src.Bounds()))
	if err := jpeg.Encode(out, src, &jpeg.Options{Quality: ClampJPEGQuality(quality)}); err != nil {
		return nil, out.abort(errors.Wrapf(ErrConversionFailed, "jpeg encode: %v", err))
	}
	return out.finish()
}

// jpegSizeHint is half a byte per pixel plus room for the headers and tables, which covers
// camera frames at stream qualities.
func jpegSizeHint(r image.Rectangle) int {
	return r.Dx()*r.Dy()/2 + 2048
}

// bmpSizeHint is the exact size of a 24 bit bitmap.
func bmpSizeHint(r image.Rectangle) int {
	const headers = 14 + 40
	return headers + ((r.Dx()*3+3)&^3)*r.Dy()
}

// allocWriter collects encoder output in allocator memory. The first write allocates hint
// bytes; running out reallocates at twice the size and copies, with both buffers charged
// until the old one is freed.
type allocWriter struct {
	alloc *Allocator
	hint  int
	buf   *Buffer
	n     int
	err   error
}

func newAllocWriter(alloc *Allocator, hint int) *allocWriter {
	return &allocWriter{alloc: alloc, hint: hint}
}

func (w *allocWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	need := w.n + len(p)
	if w.buf == nil || need > w.buf.Len() {
		size := w.hint
		if w.buf != nil {
			size = 2 * w.buf.Len()
		}
		if size < need {
			size = need
		}
		next, err := w.alloc.Alloc(size)
		if err != nil {
			w.err = err
			return 0, err
		}
		if w.buf != nil {
			copy(next.Bytes(), w.buf.Bytes()[:w.n])
			goutils.UncheckedError(w.buf.Free())
		}
		w.buf = next
	}
	copy(w.buf.Bytes()[w.n:], p)
	w.n = need
	return len(p), nil
}

// abort frees whatever was written. An allocation failure takes precedence over encodeErr.
func (w *allocWriter) abort(encodeErr error) error {
	if w.buf != nil {
		goutils.UncheckedError(w.buf.Free())
		w.buf = nil
	}
	if w.err != nil {
		return w.err
	}
	return encodeErr
}

// finish hands the written bytes to the caller.
func (w *allocWriter) finish() (*Buffer, error) {
	if w.buf == nil {
		return nil, errors.Wrap(ErrConversionFailed, "encoder wrote nothing")
	}
	w.buf.truncate(w.n)
	buf := w.buf
	w.buf = nil
	return buf, nil
}

// Decode returns an image.Image view of px and a func that must be called once the image is
// no longer used. Raw RGB888, RGB565 and grayscale frames are viewed in place.
func Decode(px Pixels) (image.Image, func(), error) {
	noop := func() {}
	if err := px.Validate(); err != nil {
		return nil, noop, err
	}
	rect := image.Rect(0, 0, px.Width, px.Height)
	switch px.Format {
	case FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(px.Data))
		if err != nil {
			return nil, noop, errors.Wrapf(ErrConversionFailed, "jpeg decode: %v", err)
		}
		return img, noop, nil
	case FormatRGB888:
		return &RGBImage{Pix: px.Data, Stride: px.Width * 3, Rect: rect}, noop, nil
	case FormatRGB565:
		return &rgb565Image{pix: px.Data, rect: rect}, noop, nil
	case FormatGrayscale:
		return &image.Gray{Pix: px.Data, Stride: px.Width, Rect: rect}, noop, nil
	case FormatYUYV, FormatI420, FormatNV12:
		decoder, err := frame.NewDecoder(mediaFormat(px.Format))
		if err != nil {
			return nil, noop, errors.Wrapf(ErrConversionFailed, "%s: %v", px.Format, err)
		}
		img, release, err := decoder.Decode(px.Data, px.Width, px.Height)
		if err != nil {
			return nil, noop, errors.Wrapf(ErrConversionFailed, "%s decode: %v", px.Format, err)
		}
		if release == nil {
			release = noop
		}
		return img, release, nil
	case FormatUnknown:
	}
	return nil, noop, errors.Wrapf(ErrConversionFailed, "unsupported format %s", px.Format)
}

func mediaFormat(f PixelFormat) frame.Format {
	switch f {
	case FormatYUYV:
		return frame.FormatYUY2
	case FormatI420:
		return frame.FormatI420
	case FormatNV12:
		return frame.FormatNV12
	case FormatUnknown, FormatJPEG, FormatRGB888, FormatRGB565, FormatGrayscale:
	}
	return frame.FormatMJPEG
}

func fillFullColor(dst *RGBImage, px Pixels) error {
	n := px.Width * px.Height
	switch px.Format {
	case FormatRGB888:
		copy(dst.Pix, px.Data[:n*3])
		return nil
	case FormatRGB565:
		for i := 0; i < n; i++ {
			r, g, b := expand565(px.Data[2*i], px.Data[2*i+1])
			dst.Pix[3*i] = r
			dst.Pix[3*i+1] = g
			dst.Pix[3*i+2] = b
		}
		return nil
	case FormatGrayscale:
		for i := 0; i < n; i++ {
			v := px.Data[i]
			dst.Pix[3*i] = v
			dst.Pix[3*i+1] = v
			dst.Pix[3*i+2] = v
		}
		return nil
	case FormatUnknown, FormatJPEG, FormatYUYV, FormatI420, FormatNV12:
	}

	src, release, err := Decode(px)
	if err != nil {
		return err
	}
	defer release()
	if !src.Bounds().Size().Eq(dst.Rect.Size()) {
		return errors.Wrapf(ErrConversionFailed, "decoded %v, frame claims %v", src.Bounds().Size(), dst.Rect.Size())
	}
	xdraw.Copy(dst, image.Point{}, src, src.Bounds(), xdraw.Src, nil)
	return nil
}

// expand565 unpacks a big endian (high byte first) RGB565 pixel.
func expand565(hi, lo byte) (uint8, uint8, uint8) {
	r5 := hi >> 3
	g6 := (hi&0x07)<<3 | lo>>5
	b5 := lo & 0x1f
	return r5<<3 | r5>>2, g6<<2 | g6>>4, b5<<3 | b5>>2
}

type rgb565Image struct {
	pix  []byte
	rect image.Rectangle
}

func (img *rgb565Image) ColorModel() color.Model { return color.RGBAModel }

func (img *rgb565Image) Bounds() image.Rectangle { return img.rect }

func (img *rgb565Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(img.rect)) {
		return color.RGBA{}
	}
	i := 2 * (y*img.rect.Dx() + x)
	r, g, b := expand565(img.pix[i], img.pix[i+1])
	return color.RGBA{r, g, b, 0xff}
}
