package objectdetection

import (
	"context"
	"fmt"
	"image"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// ErrInferenceFailed is returned when a detector could not produce a result for an image. It is
// never fatal to a stream; callers treat it as an empty set of detections.
var ErrInferenceFailed = errors.New("inference failed")

// Detector returns a slice of object detections from an input image. It runs synchronously.
type Detector func(context.Context, image.Image) ([]Detection, error)

// Preprocessor will apply processing to an input image before feeding it into the detector.
type Preprocessor func(image.Image) image.Image

// Build zips up a preprocessor-detector-postprocessor stream into a detector. Any error from the
// detector comes back wrapped in ErrInferenceFailed.
func Build(prep Preprocessor, det Detector, post Postprocessor) (Detector, error) {
	if det == nil {
		return nil, errors.New("must have a Detector to build a detection pipeline")
	}
	if prep == nil {
		prep = func(img image.Image) image.Image { return img }
	}
	if post == nil {
		post = func(inp []Detection) []Detection { return inp }
	}
	return func(ctx context.Context, img image.Image) ([]Detection, error) {
		ctx, span := trace.StartSpan(ctx, "objectdetection::Detector")
		defer span.End()
		if img == nil {
			return nil, errors.Wrap(ErrInferenceFailed, "no image")
		}
		dets, err := det(ctx, prep(img))
		if err != nil {
			if errors.Is(err, ErrInferenceFailed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
		}
		return post(dets), nil
	}, nil
}
