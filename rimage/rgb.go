package rimage

import (
	"image"
	"image/color"
)

// RGBImage is a packed 3 bytes per pixel full color image whose memory comes from an
// Allocator. It implements draw.Image so it can be annotated in place.
type RGBImage struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle

	buf *Buffer
}

// NewRGBImage allocates a width*height*3 image from alloc.
func NewRGBImage(alloc *Allocator, width, height int) (*RGBImage, error) {
	buf, err := alloc.Alloc(FormatRGB888.BytesPerFrame(width, height))
	if err != nil {
		return nil, err
	}
	return &RGBImage{
		Pix:    buf.Bytes(),
		Stride: width * 3,
		Rect:   image.Rect(0, 0, width, height),
		buf:    buf,
	}, nil
}

// ColorModel returns the RGBA model; alpha is always opaque.
func (img *RGBImage) ColorModel() color.Model {
	return color.RGBAModel
}

// Bounds returns the image rectangle.
func (img *RGBImage) Bounds() image.Rectangle {
	return img.Rect
}

// Width of the image.
func (img *RGBImage) Width() int {
	return img.Rect.Dx()
}

// Height of the image.
func (img *RGBImage) Height() int {
	return img.Rect.Dy()
}

// PixOffset is the index of the first byte of the pixel at (x, y).
func (img *RGBImage) PixOffset(x, y int) int {
	return (y-img.Rect.Min.Y)*img.Stride + (x-img.Rect.Min.X)*3
}

func (img *RGBImage) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(img.Rect)) {
		return color.RGBA{}
	}
	i := img.PixOffset(x, y)
	s := img.Pix[i : i+3 : i+3]
	return color.RGBA{s[0], s[1], s[2], 0xff}
}

func (img *RGBImage) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(img.Rect)) {
		return
	}
	c1 := color.RGBAModel.Convert(c).(color.RGBA)
	img.SetRGB(x, y, c1.R, c1.G, c1.B)
}

// SetRGB sets a pixel without going through color.Color. Out of bounds writes are dropped.
func (img *RGBImage) SetRGB(x, y int, r, g, b uint8) {
	if !(image.Point{x, y}.In(img.Rect)) {
		return
	}
	i := img.PixOffset(x, y)
	s := img.Pix[i : i+3 : i+3]
	s[0] = r
	s[1] = g
	s[2] = b
}

// Pixels views the image as an RGB888 frame. The view is invalid after Free.
func (img *RGBImage) Pixels() Pixels {
	return Pixels{Data: img.Pix, Width: img.Width(), Height: img.Height(), Format: FormatRGB888}
}

// Free returns the backing memory to the allocator.
func (img *RGBImage) Free() error {
	if img.buf == nil {
		return nil
	}
	err := img.buf.Free()
	if err == nil {
		img.Pix = nil
	}
	return err
}
