package rimage

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/pkg/errors"
)

// Pack renders img in the given format, appending to dst[:0]. JPEG uses quality. This is how
// sources that produce decoded images fill their device buffers.
func Pack(img image.Image, format PixelFormat, quality int, dst []byte) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errors.Wrap(ErrConversionFailed, "empty image")
	}
	if format == FormatJPEG {
		out := bytes.NewBuffer(dst[:0])
		if err := jpeg.Encode(out, img, &jpeg.Options{Quality: ClampJPEGQuality(quality)}); err != nil {
			return nil, errors.Wrapf(ErrConversionFailed, "jpeg encode: %v", err)
		}
		return out.Bytes(), nil
	}

	size := format.BytesPerFrame(w, h)
	if size < 0 {
		return nil, errors.Wrapf(ErrConversionFailed, "cannot pack %s", format)
	}
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]

	rgb := func(x, y int) (uint8, uint8, uint8) {
		c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
		return c.R, c.G, c.B
	}

	switch format {
	case FormatRGB888:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := 3 * (y*w + x)
				dst[i], dst[i+1], dst[i+2] = rgb(x, y)
			}
		}
	case FormatRGB565:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl := rgb(x, y)
				v := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(bl>>3)
				i := 2 * (y*w + x)
				dst[i] = byte(v >> 8)
				dst[i+1] = byte(v)
			}
		}
	case FormatGrayscale:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				gray := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				dst[y*w+x] = gray.Y
			}
		}
	case FormatYUYV:
		if w%2 != 0 {
			return nil, errors.Wrapf(ErrConversionFailed, "yuyv needs an even width, got %d", w)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x += 2 {
				y0, cb0, cr0 := color.RGBToYCbCr(rgb(x, y))
				y1, cb1, cr1 := color.RGBToYCbCr(rgb(x+1, y))
				i := 2 * (y*w + x)
				dst[i] = y0
				dst[i+1] = uint8((int(cb0) + int(cb1)) / 2)
				dst[i+2] = y1
				dst[i+3] = uint8((int(cr0) + int(cr1)) / 2)
			}
		}
	case FormatI420, FormatNV12:
		cw, ch := (w+1)/2, (h+1)/2
		yPlane := dst[:w*h]
		chroma := dst[w*h:]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yy, cb, cr := color.RGBToYCbCr(rgb(x, y))
				yPlane[y*w+x] = yy
				if x%2 != 0 || y%2 != 0 {
					continue
				}
				ci := (y/2)*cw + x/2
				if format == FormatI420 {
					chroma[ci] = cb
					chroma[cw*ch+ci] = cr
				} else {
					chroma[2*ci] = cb
					chroma[2*ci+1] = cr
				}
			}
		}
	case FormatUnknown, FormatJPEG:
		return nil, errors.Wrapf(ErrConversionFailed, "cannot pack %s", format)
	}
	return dst, nil
}
