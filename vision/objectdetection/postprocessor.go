package objectdetection

import "sort"

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(minArea int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if area(d) >= minArea {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// SortByArea orders detections largest box first.
func SortByArea() Postprocessor {
	return func(in []Detection) []Detection {
		out := append([]Detection(nil), in...)
		sort.SliceStable(out, func(i, j int) bool {
			return area(out[i]) > area(out[j])
		})
		return out
	}
}

func area(d Detection) int {
	return d.BoundingBox().Dx() * d.BoundingBox().Dy()
}
