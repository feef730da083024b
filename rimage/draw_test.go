package rimage

import (
	"image"
	"image/color"
	"testing"

	"go.viam.com/test"

	"go.viam.com/camserver/logging"
)

func countColor(img *RGBImage, c color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.At(x, y) == c {
				n++
			}
		}
	}
	return n
}

func TestDrawRectangleEmpty(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	img, err := NewRGBImage(alloc, 10, 10)
	test.That(t, err, test.ShouldBeNil)
	defer img.Free()

	blue := color.RGBA{0, 0, 255, 255}
	DrawRectangleEmpty(img, image.Rect(2, 2, 6, 6), blue, 1)
	// A 4x4 outline has 12 pixels and leaves the inside alone.
	test.That(t, countColor(img, blue), test.ShouldEqual, 12)
	test.That(t, img.At(3, 3), test.ShouldResemble, color.RGBA{0, 0, 0, 255})
	test.That(t, img.At(2, 2), test.ShouldResemble, blue)
	test.That(t, img.At(5, 5), test.ShouldResemble, blue)
}

func TestDrawRectangleEmptyWidth(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	img, err := NewRGBImage(alloc, 10, 10)
	test.That(t, err, test.ShouldBeNil)
	defer img.Free()

	green := color.RGBA{0, 255, 0, 255}
	DrawRectangleEmpty(img, image.Rect(1, 1, 9, 9), green, 2)
	// 8x8 minus the 4x4 hole
	test.That(t, countColor(img, green), test.ShouldEqual, 48)
	test.That(t, img.At(0, 0), test.ShouldResemble, color.RGBA{0, 0, 0, 255})
	test.That(t, img.At(1, 1), test.ShouldResemble, green)
	test.That(t, img.At(2, 5), test.ShouldResemble, green)
	test.That(t, img.At(3, 3), test.ShouldResemble, color.RGBA{0, 0, 0, 255})

	// only the bottom and right edges are on screen
	img2, err := NewRGBImage(alloc, 10, 10)
	test.That(t, err, test.ShouldBeNil)
	defer img2.Free()
	DrawRectangleEmpty(img2, image.Rect(-3, -3, 5, 5), green, 1)
	test.That(t, countColor(img2, green), test.ShouldEqual, 9)
	test.That(t, img2.At(4, 0), test.ShouldResemble, green)
	test.That(t, img2.At(0, 4), test.ShouldResemble, green)
}

func TestDrawClips(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	img, err := NewRGBImage(alloc, 10, 10)
	test.That(t, err, test.ShouldBeNil)
	defer img.Free()

	red := color.RGBA{255, 0, 0, 255}
	DrawRectangleEmpty(img, image.Rect(-5, -5, 50, 50), red, 2)
	DrawRectangleEmpty(img, image.Rect(100, 100, 120, 120), red, 1)
	DrawString(img, "off the edge", image.Pt(8, 8), red, 12)
	DrawString(img, "gone", image.Pt(-100, -100), red, 12)
	// Both rectangle edges fall outside the image.
	test.That(t, img.At(0, 0), test.ShouldResemble, color.RGBA{0, 0, 0, 255})
	test.That(t, img.At(9, 0), test.ShouldResemble, color.RGBA{0, 0, 0, 255})
}

func TestDrawString(t *testing.T) {
	alloc := NewAllocator(0, logging.NewTestLogger(t))
	img, err := NewRGBImage(alloc, 80, 30)
	test.That(t, err, test.ShouldBeNil)
	defer img.Free()

	DrawString(img, "cat 0.80", image.Pt(2, 2), color.RGBA{255, 0, 0, 255}, 12)
	touched := 0
	for i := 0; i < len(img.Pix); i += 3 {
		if img.Pix[i] > 0 {
			touched++
		}
	}
	test.That(t, touched, test.ShouldBeGreaterThan, 0)
	// The label hangs below its anchor rather than above it.
	for x := 0; x < 80; x++ {
		test.That(t, img.At(x, 0), test.ShouldResemble, color.RGBA{0, 0, 0, 255})
	}
}
