// Package light drives the illumination LED that sits next to the camera.
//
// One Light is shared by every session in the process. Sessions enable it when they start and
// disable it when they end; overlapping sessions can turn it off under each other.
package light

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camserver/logging"
)

// MaxIntensity is full brightness.
const MaxIntensity = 255

const (
	defaultFrequencyHz = 5000
	defaultWarmup      = 150 * time.Millisecond
)

// A Light is an LED with adjustable brightness.
type Light interface {
	// SetIntensity sets the brightness used by Enable, 0 to MaxIntensity. If the light is on it
	// changes immediately.
	SetIntensity(intensity int) error
	// Enable turns the light on at the set intensity.
	Enable() error
	// EnableStreaming turns the light on, capped at the configured streaming maximum.
	EnableStreaming() error
	Disable() error
	Intensity() int
	Close(ctx context.Context) error
}

// Config describes the LED wiring.
type Config struct {
	Pin                   string `json:"pin,omitempty"`
	FrequencyHz           uint   `json:"frequency_hz,omitempty"`
	Intensity             int    `json:"intensity,omitempty"`
	MaxStreamingIntensity int    `json:"max_streaming_intensity,omitempty"`
	Warmup                string `json:"warmup,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (conf *Config) Validate(path string) error {
	if conf.FrequencyHz == 0 {
		conf.FrequencyHz = defaultFrequencyHz
	}
	if conf.Intensity < 0 || conf.Intensity > MaxIntensity {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("intensity must be between 0 and %d, got %d", MaxIntensity, conf.Intensity))
	}
	if conf.MaxStreamingIntensity == 0 {
		conf.MaxStreamingIntensity = MaxIntensity
	}
	if conf.MaxStreamingIntensity < 0 || conf.MaxStreamingIntensity > MaxIntensity {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("max_streaming_intensity must be between 1 and %d, got %d", MaxIntensity, conf.MaxStreamingIntensity))
	}
	if conf.Warmup != "" {
		if _, err := time.ParseDuration(conf.Warmup); err != nil {
			return goutils.NewConfigValidationError(path, errors.Wrap(err, "warmup"))
		}
	}
	return nil
}

// WarmupDuration is how long single shot captures wait after turning the light on.
func (conf *Config) WarmupDuration() time.Duration {
	if conf.Warmup == "" {
		return defaultWarmup
	}
	d, err := time.ParseDuration(conf.Warmup)
	if err != nil {
		return defaultWarmup
	}
	return d
}

// New returns a PWM light when a pin is configured and a no-op light otherwise.
func New(conf Config, logger logging.Logger) (Light, error) {
	if conf.Pin == "" {
		return NewNoop(), nil
	}
	return NewPWM(conf, logger)
}

func clampIntensity(intensity int) int {
	switch {
	case intensity < 0:
		return 0
	case intensity > MaxIntensity:
		return MaxIntensity
	default:
		return intensity
	}
}
