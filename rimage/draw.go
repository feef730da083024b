package rimage

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

var (
	ttf *truetype.Font

	facesMu sync.Mutex
	faces   = map[float64]font.Face{}
)

// init sets up the fonts we want to use.
func init() {
	var err error
	ttf, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Font returns the font we use for drawing.
func Font() *truetype.Font {
	return ttf
}

func faceForSize(size float64) font.Face {
	facesMu.Lock()
	defer facesMu.Unlock()
	face, ok := faces[size]
	if !ok {
		face = truetype.NewFace(Font(), &truetype.Options{Size: size})
		faces[size] = face
	}
	return face
}

// DrawString renders text with its top left corner at p. Anything outside the image is clipped.
func DrawString(img draw.Image, text string, p image.Point, c color.Color, size float64) {
	face := faceForSize(size)
	// truetype faces cache glyphs and are not safe for concurrent use.
	facesMu.Lock()
	defer facesMu.Unlock()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(p.X, p.Y+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

// DrawRectangleEmpty draws the outline of r, width pixels thick, growing inward. The outline is
// stroked on a gg overlay covering the visible part of r and composited onto img, so anything
// outside the image is clipped.
func DrawRectangleEmpty(img draw.Image, r image.Rectangle, c color.Color, width int) {
	r = r.Canon()
	clip := r.Intersect(img.Bounds())
	if clip.Empty() {
		return
	}
	if width < 1 {
		width = 1
	}

	dc := gg.NewContext(clip.Dx(), clip.Dy())
	dc.Translate(-float64(clip.Min.X), -float64(clip.Min.Y))
	dc.SetColor(color.White)
	dc.SetLineWidth(float64(width))
	dc.SetLineCap(gg.LineCapSquare)

	half := float64(width) / 2
	left, top := float64(r.Min.X)+half, float64(r.Min.Y)+half
	right, bottom := float64(r.Max.X)-half, float64(r.Max.Y)-half
	for _, edge := range [][4]float64{
		{left, top, right, top},
		{left, bottom, right, bottom},
		{left, top, left, bottom},
		{right, top, right, bottom},
	} {
		dc.DrawLine(edge[0], edge[1], edge[2], edge[3])
		dc.Stroke()
	}

	xdraw.DrawMask(img, clip, image.NewUniform(c), image.Point{}, outlineMask(dc.Image(), clip), clip.Min, xdraw.Over)
}

// outlineMask turns the antialiased overlay into a hard mask positioned at clip.
func outlineMask(overlay image.Image, clip image.Rectangle) *image.Alpha {
	mask := image.NewAlpha(clip)
	ob := overlay.Bounds()
	for y := 0; y < clip.Dy(); y++ {
		for x := 0; x < clip.Dx(); x++ {
			if _, _, _, a := overlay.At(ob.Min.X+x, ob.Min.Y+y).RGBA(); a >= 0x8000 {
				mask.SetAlpha(clip.Min.X+x, clip.Min.Y+y, color.Alpha{A: 0xff})
			}
		}
	}
	return mask
}
