package objectdetection

import (
	"context"
	"image"
)

// DefaultSimpleLabel is the label given to detections from the simple detector.
const DefaultSimpleLabel = "dark"

// simpleDetector converts an image to gray and then finds the connected components with values below a certain
// luminance threshold. threshold is between 0.0 and 256.0, with 256.0 being white, and 0.0 being black.
type simpleDetector struct {
	threshold float64
	label     string
}

// NewSimpleDetector creates a detector useful for local testing purposes on the device. Looks for dark objects in the image.
// It finds pixels below the set threshold, and returns bounding box around the connected components.
func NewSimpleDetector(threshold float64, label string) Detector {
	if label == "" {
		label = DefaultSimpleLabel
	}
	sd := &simpleDetector{threshold: threshold, label: label}
	return sd.Inference
}

// Inference takes in an image frame and returns the detection bounding boxes found in the image.
func (sd *simpleDetector) Inference(ctx context.Context, img image.Image) ([]Detection, error) {
	rgb := rgbReader(img)
	segs, err := findSegments(ctx, img.Bounds(), func(x, y int) bool {
		return luminance(rgb(x, y)) < sd.threshold
	})
	if err != nil {
		return nil, err
	}
	detections := make([]Detection, 0, len(segs))
	for _, s := range segs {
		detections = append(detections, NewDetection(s.box, 1.0, sd.label))
	}
	return detections, nil
}

// luminance is the Rec. 601 luma of an 8 bit color.
func luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
