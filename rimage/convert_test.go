package rimage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camserver/logging"
)

func solidRGB565(w, h int, hi, lo byte) Pixels {
	data := make([]byte, w*h*2)
	for i := 0; i < w*h; i++ {
		data[2*i] = hi
		data[2*i+1] = lo
	}
	return Pixels{Data: data, Width: w, Height: h, Format: FormatRGB565}
}

func encodedJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}), test.ShouldBeNil)
	return buf.Bytes()
}

func TestPixelFormat(t *testing.T) {
	for _, name := range []string{"jpeg", "RGB888", "rgb565", "grayscale", "yuyv", "i420", "nv12"} {
		f, err := ParsePixelFormat(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f, test.ShouldNotEqual, FormatUnknown)
	}
	_, err := ParsePixelFormat("bayer")
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, FormatRGB888.BytesPerFrame(320, 240), test.ShouldEqual, 320*240*3)
	test.That(t, FormatRGB565.BytesPerFrame(320, 240), test.ShouldEqual, 320*240*2)
	test.That(t, FormatI420.BytesPerFrame(4, 2), test.ShouldEqual, 12)
	test.That(t, FormatJPEG.BytesPerFrame(320, 240), test.ShouldEqual, -1)
}

func TestExpand565(t *testing.T) {
	r, g, b := expand565(0xf8, 0x00)
	test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{255, 0, 0})
	r, g, b = expand565(0x07, 0xe0)
	test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{0, 255, 0})
	r, g, b = expand565(0x00, 0x1f)
	test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{0, 0, 255})
}

func TestToFullColor(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	img, err := conv.ToFullColor(ctx, solidRGB565(4, 2, 0xf8, 0x00))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(img.Pix), test.ShouldEqual, 4*2*3)
	test.That(t, img.At(3, 1), test.ShouldResemble, color.RGBA{255, 0, 0, 255})
	test.That(t, alloc.Stats().Allocs, test.ShouldEqual, 1)
	test.That(t, img.Free(), test.ShouldBeNil)

	gray := Pixels{Data: []byte{0, 64, 128, 255}, Width: 2, Height: 2, Format: FormatGrayscale}
	img, err = conv.ToFullColor(ctx, gray)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.At(1, 0), test.ShouldResemble, color.RGBA{64, 64, 64, 255})
	test.That(t, img.Free(), test.ShouldBeNil)

	img, err = conv.ToFullColor(ctx, Pixels{Data: encodedJPEG(t, 16, 8), Width: 16, Height: 8, Format: FormatJPEG})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 16, 8))
	c := img.At(8, 4).(color.RGBA)
	test.That(t, c.R, test.ShouldBeGreaterThan, c.B)
	test.That(t, img.Free(), test.ShouldBeNil)

	test.That(t, alloc.Stats().Outstanding(), test.ShouldEqual, 0)
}

func TestToFullColorYUYV(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	// Mid gray: Y=128 with neutral chroma.
	data := bytes.Repeat([]byte{128}, FormatYUYV.BytesPerFrame(4, 2))
	img, err := conv.ToFullColor(context.Background(), Pixels{Data: data, Width: 4, Height: 2, Format: FormatYUYV})
	test.That(t, err, test.ShouldBeNil)
	c := img.At(1, 1).(color.RGBA)
	test.That(t, float64(c.R), test.ShouldAlmostEqual, 128, 3)
	test.That(t, float64(c.G), test.ShouldAlmostEqual, 128, 3)
	test.That(t, img.Free(), test.ShouldBeNil)
}

func TestToFullColorFailures(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	_, err := conv.ToFullColor(ctx, Pixels{Data: []byte("not a jpeg"), Width: 4, Height: 4, Format: FormatJPEG})
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)

	_, err = conv.ToFullColor(ctx, Pixels{Data: make([]byte, 10), Width: 4, Height: 4, Format: FormatRGB565})
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)

	// The decoded size must match what the frame claims.
	_, err = conv.ToFullColor(ctx, Pixels{Data: encodedJPEG(t, 16, 8), Width: 8, Height: 8, Format: FormatJPEG})
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)

	stats := alloc.Stats()
	test.That(t, stats.Outstanding(), test.ShouldEqual, 0)
	test.That(t, stats.InUseBytes, test.ShouldEqual, 0)

	small := NewConverter(NewAllocator(10, logging.NewTestLogger(t)), logging.NewTestLogger(t))
	_, err = small.ToFullColor(ctx, solidRGB565(4, 4, 0, 0))
	test.That(t, errors.Is(err, ErrAllocationFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeFalse)
}

func TestToJPEG(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	t.Run("jpeg passthrough", func(t *testing.T) {
		data := encodedJPEG(t, 16, 16)
		buf, err := conv.ToJPEG(ctx, Pixels{Data: data, Width: 16, Height: 16, Format: FormatJPEG}, 80)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, buf.Borrowed(), test.ShouldBeTrue)
		test.That(t, buf.Len(), test.ShouldEqual, len(data))
		test.That(t, alloc.Stats().Allocs, test.ShouldEqual, 0)
		test.That(t, buf.Free(), test.ShouldBeNil)
	})

	t.Run("raw encode", func(t *testing.T) {
		buf, err := conv.ToJPEG(ctx, solidRGB565(32, 24, 0x07, 0xe0), 80)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, buf.Borrowed(), test.ShouldBeFalse)
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Width, test.ShouldEqual, 32)
		test.That(t, cfg.Height, test.ShouldEqual, 24)
		test.That(t, buf.Free(), test.ShouldBeNil)
	})

	test.That(t, alloc.Stats().Outstanding(), test.ShouldEqual, 0)
}

func TestFromFullColor(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	img, err := NewRGBImage(alloc, 20, 10)
	test.That(t, err, test.ShouldBeNil)
	DrawRectangleEmpty(img, image.Rect(2, 2, 18, 8), color.RGBA{0, 0, 255, 255}, 1)

	buf, err := conv.FromFullColor(ctx, img, 90)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf.Len(), test.ShouldBeGreaterThan, 0)
	decoded, err := jpeg.Decode(bytes.NewReader(buf.Bytes()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Bounds(), test.ShouldResemble, img.Bounds())

	test.That(t, buf.Free(), test.ShouldBeNil)
	test.That(t, img.Free(), test.ShouldBeNil)
	test.That(t, alloc.Stats().Outstanding(), test.ShouldEqual, 0)

	_, err = conv.FromFullColor(ctx, img, 90)
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)
}

func TestToBMP(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	buf, err := conv.ToBMP(context.Background(), solidRGB565(8, 8, 0xff, 0xff))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(buf.Bytes()[:2]), test.ShouldEqual, "BM")
	test.That(t, buf.Free(), test.ShouldBeNil)
}

func TestEncodeChargesBudget(t *testing.T) {
	ctx := context.Background()
	px := solidRGB565(64, 48, 0x07, 0xe0)

	// the encoded frame is tiny but the encoder's working buffer is not
	tight := NewAllocator(1000, logging.NewTestLogger(t))
	_, err := NewConverter(tight, logging.NewTestLogger(t)).ToJPEG(ctx, px, 80)
	test.That(t, errors.Is(err, ErrAllocationFailed), test.ShouldBeTrue)
	test.That(t, tight.Stats().Outstanding(), test.ShouldEqual, 0)
	test.That(t, tight.Stats().InUseBytes, test.ShouldEqual, 0)

	alloc := NewAllocator(0, logging.NewTestLogger(t))
	buf, err := NewConverter(alloc, logging.NewTestLogger(t)).ToJPEG(ctx, px, 80)
	test.That(t, err, test.ShouldBeNil)
	stats := alloc.Stats()
	test.That(t, stats.Allocs, test.ShouldEqual, 1)
	test.That(t, stats.InUseBytes, test.ShouldEqual, jpegSizeHint(image.Rect(0, 0, 64, 48)))
	test.That(t, stats.InUseBytes, test.ShouldBeGreaterThanOrEqualTo, buf.Len())
	test.That(t, buf.Free(), test.ShouldBeNil)
	test.That(t, alloc.Stats().InUseBytes, test.ShouldEqual, 0)
}

func TestAllocWriter(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	w := newAllocWriter(alloc, 4)
	n, err := w.Write([]byte("abc"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 3)
	_, err = w.Write([]byte("defghij"))
	test.That(t, err, test.ShouldBeNil)

	stats := alloc.Stats()
	test.That(t, stats.Allocs, test.ShouldEqual, 2)
	test.That(t, stats.Frees, test.ShouldEqual, 1)
	test.That(t, stats.InUseBytes, test.ShouldEqual, 10)
	// the old and new buffers overlap while copying
	test.That(t, stats.PeakInUse, test.ShouldEqual, 14)

	buf, err := w.finish()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(buf.Bytes()), test.ShouldEqual, "abcdefghij")
	test.That(t, buf.Free(), test.ShouldBeNil)
	test.That(t, alloc.Stats().InUseBytes, test.ShouldEqual, 0)

	tight := NewAllocator(8, logging.NewTestLogger(t))
	w = newAllocWriter(tight, 4)
	_, err = w.Write([]byte("abc"))
	test.That(t, err, test.ShouldBeNil)
	_, err = w.Write([]byte("defghij"))
	test.That(t, errors.Is(err, ErrAllocationFailed), test.ShouldBeTrue)
	_, err = w.Write([]byte("k"))
	test.That(t, errors.Is(err, ErrAllocationFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(w.abort(ErrConversionFailed), ErrAllocationFailed), test.ShouldBeTrue)
	test.That(t, tight.Stats().Outstanding(), test.ShouldEqual, 0)
	test.That(t, tight.Stats().Failures, test.ShouldEqual, 1)

	_, err = newAllocWriter(alloc, 4).finish()
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)
}

func TestClampJPEGQuality(t *testing.T) {
	test.That(t, ClampJPEGQuality(0), test.ShouldEqual, jpeg.DefaultQuality)
	test.That(t, ClampJPEGQuality(-5), test.ShouldEqual, jpeg.DefaultQuality)
	test.That(t, ClampJPEGQuality(80), test.ShouldEqual, 80)
	test.That(t, ClampJPEGQuality(1000), test.ShouldEqual, 100)
}

func TestPackRoundTrip(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	conv := NewConverter(alloc, logging.NewTestLogger(t))

	src := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, color.RGBA{0, 0, 248, 255})
		}
	}

	for _, f := range []PixelFormat{FormatRGB888, FormatRGB565, FormatYUYV, FormatI420, FormatNV12} {
		t.Run(f.String(), func(t *testing.T) {
			data, err := Pack(src, f, 0, nil)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, len(data), test.ShouldEqual, f.BytesPerFrame(8, 4))

			img, err := conv.ToFullColor(ctx, Pixels{Data: data, Width: 8, Height: 4, Format: f})
			test.That(t, err, test.ShouldBeNil)
			c := img.At(5, 2).(color.RGBA)
			test.That(t, float64(c.B), test.ShouldAlmostEqual, 248, 12)
			test.That(t, float64(c.R), test.ShouldAlmostEqual, 0, 12)
			test.That(t, img.Free(), test.ShouldBeNil)
		})
	}

	data, err := Pack(src, FormatJPEG, 90, nil)
	test.That(t, err, test.ShouldBeNil)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Width, test.ShouldEqual, 8)

	_, err = Pack(image.NewRGBA(image.Rect(0, 0, 3, 2)), FormatYUYV, 0, nil)
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)
	test.That(t, alloc.Stats().Outstanding(), test.ShouldEqual, 0)
}
