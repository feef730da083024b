package objectdetection

import (
	"context"
	"image"

	"go.viam.com/camserver/rimage"
)

// segment is a 4-connected region of matching pixels.
type segment struct {
	box  image.Rectangle
	area int
}

// rgbReader returns a function reading 8 bit RGB values out of img, skipping the color.Color
// interface for the image types frames are usually held in.
func rgbReader(img image.Image) func(x, y int) (uint8, uint8, uint8) {
	switch im := img.(type) {
	case *rimage.RGBImage:
		return func(x, y int) (uint8, uint8, uint8) {
			i := im.PixOffset(x, y)
			return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
		}
	case *image.RGBA:
		return func(x, y int) (uint8, uint8, uint8) {
			i := im.PixOffset(x, y)
			return im.Pix[i], im.Pix[i+1], im.Pix[i+2]
		}
	default:
		return func(x, y int) (uint8, uint8, uint8) {
			r, g, b, _ := img.At(x, y).RGBA()
			return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
		}
	}
}

// findSegments flood fills every region of bounds where pass holds. Boxes are half open like
// image.Rectangle. The context is checked once per row.
func findSegments(ctx context.Context, bounds image.Rectangle, pass func(x, y int) bool) ([]segment, error) {
	width := bounds.Dx()
	seen := make([]bool, width*bounds.Dy())
	index := func(p image.Point) int {
		return (p.Y-bounds.Min.Y)*width + (p.X - bounds.Min.X)
	}
	var segs []segment
	var queue []image.Point
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pt := image.Point{x, y}
			if seen[index(pt)] {
				continue
			}
			seen[index(pt)] = true
			if !pass(x, y) {
				continue
			}
			seg := segment{box: image.Rectangle{pt, pt.Add(image.Point{1, 1})}}
			queue = append(queue[:0], pt)
			for len(queue) != 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				seg.area++
				seg.box = seg.box.Union(image.Rectangle{p, p.Add(image.Point{1, 1})})
				for _, n := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
					if !n.In(bounds) || seen[index(n)] {
						continue
					}
					seen[index(n)] = true
					if pass(n.X, n.Y) {
						queue = append(queue, n)
					}
				}
			}
			segs = append(segs, seg)
		}
	}
	return segs, nil
}
