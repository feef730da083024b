// Package emitter publishes what the detector saw on each streamed frame to outside listeners.
package emitter

import (
	"context"
	"image"
	"time"

	"go.viam.com/camserver/vision/objectdetection"
)

// FrameDetections is the result of running the detector over one streamed frame.
type FrameDetections struct {
	Session    string
	Sequence   uint64
	Timestamp  time.Time
	Width      int
	Height     int
	Detections []objectdetection.Detection
}

// A Sink receives detections. Publishing is best effort; the stream never waits on a sink
// longer than the context allows and ignores its errors.
type Sink interface {
	Publish(ctx context.Context, fd FrameDetections) error
}

type detectionJSON struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
}

type frameJSON struct {
	Session    string          `json:"session"`
	Sequence   uint64          `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Detections []detectionJSON `json:"detections"`
}

func toJSON(fd FrameDetections) frameJSON {
	out := frameJSON{
		Session:    fd.Session,
		Sequence:   fd.Sequence,
		Timestamp:  fd.Timestamp.UTC(),
		Width:      fd.Width,
		Height:     fd.Height,
		Detections: make([]detectionJSON, 0, len(fd.Detections)),
	}
	for _, d := range fd.Detections {
		box := image.Rectangle{}
		if b := d.BoundingBox(); b != nil {
			box = *b
		}
		out.Detections = append(out.Detections, detectionJSON{
			Label: d.Label(),
			Score: d.Score(),
			X:     box.Min.X,
			Y:     box.Min.Y,
			W:     box.Dx(),
			H:     box.Dy(),
		})
	}
	return out
}
