package objectdetection

import (
	"sort"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// DefaultThreshold is the luminance below which the simple detector treats a pixel as dark.
const DefaultThreshold = 64

// Config selects and parameterizes a detector.
type Config struct {
	Type         string  `json:"type,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	Hue          float64 `json:"hue,omitempty"`
	Color        string  `json:"color,omitempty"`
	HueTolerance float64 `json:"hue_tolerance,omitempty"`
	Label        string  `json:"label,omitempty"`
	MinScore     float64 `json:"min_score,omitempty"`
	MinArea      int     `json:"min_area,omitempty"`
}

type factory func(conf Config) (Detector, error)

var detectorTypes = map[string]factory{
	"simple": func(conf Config) (Detector, error) {
		return NewSimpleDetector(conf.Threshold, conf.Label), nil
	},
	"color": func(conf Config) (Detector, error) {
		return NewColorDetector(ColorDetectorConfig{
			Hue:          conf.Hue,
			HueTolerance: conf.HueTolerance,
			Label:        conf.Label,
		})
	},
}

// Types lists the detector types FromConfig understands.
func Types() []string {
	types := make([]string, 0, len(detectorTypes))
	for t := range detectorTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate ensures all parts of the config are valid and fills in defaults. An empty type
// means no detector.
func (conf *Config) Validate(path string) error {
	if conf.Type == "" {
		return nil
	}
	if _, ok := detectorTypes[conf.Type]; !ok {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("unknown detector type %q, expected one of %v", conf.Type, Types()))
	}
	if conf.Threshold < 0 || conf.Threshold > 256 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("threshold must be between 0 and 256, got %v", conf.Threshold))
	}
	if conf.Threshold == 0 {
		conf.Threshold = DefaultThreshold
	}
	if conf.Color != "" {
		hue, err := HueFromHex(conf.Color)
		if err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
		conf.Hue = hue
	}
	if conf.Type == "color" && conf.HueTolerance == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "hue_tolerance")
	}
	if conf.MinScore < 0 || conf.MinArea < 0 {
		return goutils.NewConfigValidationError(path, errors.New("min_score and min_area cannot be negative"))
	}
	return nil
}

// FromConfig builds the configured detector pipeline, with score and area filters applied
// after detection and the largest boxes first. It returns nil when no detector type is set.
func FromConfig(conf Config) (Detector, error) {
	if conf.Type == "" {
		return nil, nil
	}
	f, ok := detectorTypes[conf.Type]
	if !ok {
		return nil, errors.Errorf("unknown detector type %q", conf.Type)
	}
	det, err := f(conf)
	if err != nil {
		return nil, err
	}
	scoreFilter := NewScoreFilter(conf.MinScore)
	areaFilter := NewAreaFilter(conf.MinArea)
	byArea := SortByArea()
	return Build(nil, det, func(in []Detection) []Detection {
		return byArea(areaFilter(scoreFilter(in)))
	})
}
