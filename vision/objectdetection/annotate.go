package objectdetection

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"go.viam.com/camserver/rimage"
)

// Annotation colors and sizes.
var (
	BoxColor   = color.RGBA{0, 0, 255, 255}
	LabelColor = color.RGBA{255, 0, 0, 255}
)

const (
	boxWidth      = 2
	labelFontSize = 14
	labelInset    = 2
)

// Drawable reports whether a detection should be drawn: it needs a positive score.
func Drawable(d Detection) bool {
	s := d.Score()
	return s > 0 && !math.IsNaN(s)
}

// AnyDrawable reports whether at least one detection would be drawn.
func AnyDrawable(dets []Detection) bool {
	for _, d := range dets {
		if Drawable(d) {
			return true
		}
	}
	return false
}

// FormatLabel is the text drawn next to a detection.
func FormatLabel(d Detection) string {
	return fmt.Sprintf("%s %.2f", d.Label(), d.Score())
}

// Annotate draws an outline and label for every drawable detection onto img and returns how
// many were drawn. Everything is clipped to the image.
func Annotate(img draw.Image, dets []Detection) int {
	drawn := 0
	for _, d := range dets {
		if !Drawable(d) {
			continue
		}
		box := d.BoundingBox()
		if box == nil {
			continue
		}
		rimage.DrawRectangleEmpty(img, *box, BoxColor, boxWidth)
		rimage.DrawString(img, FormatLabel(d), box.Min.Add(image.Point{labelInset, labelInset}), LabelColor, labelFontSize)
		drawn++
	}
	return drawn
}
