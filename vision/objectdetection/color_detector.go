package objectdetection

import (
	"context"
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Pixels too gray or too dark have no meaningful hue and never match.
const (
	DefaultSaturationCutoff = 0.2
	DefaultValueCutoff      = 0.3
)

// ColorDetectorConfig specifies the parameters of the color detector.
type ColorDetectorConfig struct {
	// Hue to look for, in degrees [0, 360).
	Hue float64
	// HueTolerance is the fraction of the hue circle, (0, 1], accepted on either side of Hue.
	HueTolerance     float64
	SaturationCutoff float64
	ValueCutoff      float64
	Label            string
}

type colorDetector struct {
	hue, tolerance   float64
	satCut, valueCut float64
	label            string
}

// NewColorDetector finds connected regions of pixels whose hue is within tolerance of the
// configured hue. The score of each detection is the share of its box covered by the region.
func NewColorDetector(cfg ColorDetectorConfig) (Detector, error) {
	if cfg.HueTolerance <= 0 || cfg.HueTolerance > 1 {
		return nil, errors.Errorf("hue tolerance must be in (0, 1], got %v", cfg.HueTolerance)
	}
	if cfg.Hue < 0 || cfg.Hue >= 360 {
		return nil, errors.Errorf("hue must be in [0, 360), got %v", cfg.Hue)
	}
	cd := &colorDetector{
		hue:       cfg.Hue,
		tolerance: cfg.HueTolerance * 180,
		satCut:    cfg.SaturationCutoff,
		valueCut:  cfg.ValueCutoff,
		label:     cfg.Label,
	}
	if cd.satCut == 0 {
		cd.satCut = DefaultSaturationCutoff
	}
	if cd.valueCut == 0 {
		cd.valueCut = DefaultValueCutoff
	}
	if cd.label == "" {
		cd.label = "color"
	}
	return cd.Inference, nil
}

// HueFromHex returns the hue in degrees of a "#rrggbb" color.
func HueFromHex(hex string) (float64, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return 0, errors.Wrapf(err, "bad color %q", hex)
	}
	h, _, _ := c.Hsv()
	return h, nil
}

// Inference returns a detection for every region of matching hue.
func (cd *colorDetector) Inference(ctx context.Context, img image.Image) ([]Detection, error) {
	rgb := rgbReader(img)
	segs, err := findSegments(ctx, img.Bounds(), func(x, y int) bool {
		r, g, b := rgb(x, y)
		return cd.match(r, g, b)
	})
	if err != nil {
		return nil, err
	}
	detections := make([]Detection, 0, len(segs))
	for _, s := range segs {
		score := float64(s.area) / float64(s.box.Dx()*s.box.Dy())
		detections = append(detections, NewDetection(s.box, score, cd.label))
	}
	return detections, nil
}

func (cd *colorDetector) match(r, g, b uint8) bool {
	c := colorful.Color{R: float64(r) / 255.0, G: float64(g) / 255.0, B: float64(b) / 255.0}
	h, s, v := c.Hsv()
	if s < cd.satCut || v < cd.valueCut {
		return false
	}
	return hueDistance(h, cd.hue) <= cd.tolerance
}

// hueDistance is the angular distance between two hues in degrees, in [0, 180].
func hueDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
