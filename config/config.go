// Package config defines the server configuration file and how it is read and validated.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/components/light"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/vision/emitter"
	"go.viam.com/camserver/vision/objectdetection"
	webstream "go.viam.com/camserver/web/stream"
)

// Defaults for fields left out of the config file.
const (
	DefaultBindAddress = "0.0.0.0"
	DefaultPort        = 80
)

// A Config describes the server: where it listens, which camera it opens, how it streams and
// what it does with detections.
type Config struct {
	ConfigFilePath string `json:"-"`

	Network      NetworkConfig          `json:"network"`
	Camera       camera.Config          `json:"camera"`
	Stream       StreamConfig           `json:"stream"`
	Detector     objectdetection.Config `json:"detector"`
	Illumination light.Config           `json:"illumination"`
	MQTT         emitter.Config         `json:"mqtt"`
	Log          LogConfig              `json:"log"`
}

// Ensure ensures all parts of the config are valid and fills in defaults.
func (c *Config) Ensure() error {
	if err := c.Network.Validate("network"); err != nil {
		return err
	}
	if err := c.Camera.Validate("camera"); err != nil {
		return err
	}
	if err := c.Stream.Validate("stream"); err != nil {
		return err
	}
	if c.Stream.InferenceEnabled && c.Detector.Type == "" {
		c.Detector.Type = "simple"
	}
	if err := c.Detector.Validate("detector"); err != nil {
		return err
	}
	if err := c.Illumination.Validate("illumination"); err != nil {
		return err
	}
	if err := c.MQTT.Validate("mqtt"); err != nil {
		return err
	}
	return c.Log.Validate("log")
}

// NetworkConfig is where the two HTTP servers listen. Stills are served on Port and the
// stream on Port+1.
type NetworkConfig struct {
	BindAddress string `json:"bind_address,omitempty"`
	Port        int    `json:"port,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (nc *NetworkConfig) Validate(path string) error {
	if nc.BindAddress == "" {
		nc.BindAddress = DefaultBindAddress
	}
	if net.ParseIP(nc.BindAddress) == nil {
		return goutils.NewConfigValidationError(path, errors.Errorf("bind_address %q is not an IP address", nc.BindAddress))
	}
	if nc.Port == 0 {
		nc.Port = DefaultPort
	}
	if nc.Port < 0 || nc.Port > 65534 {
		return goutils.NewConfigValidationError(path, errors.Errorf("port must be between 1 and 65534, got %d", nc.Port))
	}
	return nil
}

// ControlAddress is the listen address for stills.
func (nc NetworkConfig) ControlAddress() string {
	return net.JoinHostPort(nc.BindAddress, strconv.Itoa(nc.Port))
}

// StreamAddress is the listen address for the MJPEG stream.
func (nc NetworkConfig) StreamAddress() string {
	return net.JoinHostPort(nc.BindAddress, strconv.Itoa(nc.Port+1))
}

// StreamConfig controls the MJPEG stream.
type StreamConfig struct {
	InferenceEnabled        bool `json:"inference_enabled,omitempty"`
	IlluminationEnabled     bool `json:"illumination_enabled,omitempty"`
	InferenceWidthThreshold int  `json:"inference_width_threshold,omitempty"`
	JPEGQuality             int  `json:"jpeg_quality,omitempty"`
	AnnotatedJPEGQuality    int  `json:"annotated_jpeg_quality,omitempty"`
	HeapLimitBytes          int  `json:"heap_limit_bytes,omitempty"`
	FrameRateHeader         int  `json:"frame_rate_header,omitempty"`
	// MaxFrameRate caps frames per second on each stream. Zero means as fast as the camera goes.
	MaxFrameRate float64 `json:"max_frame_rate,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (sc *StreamConfig) Validate(path string) error {
	for field, v := range map[string]int{
		"jpeg_quality":           sc.JPEGQuality,
		"annotated_jpeg_quality": sc.AnnotatedJPEGQuality,
	} {
		if v < 0 || v > 100 {
			return goutils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, field),
				errors.Errorf("must be between 1 and 100, got %d", v))
		}
	}
	if sc.InferenceWidthThreshold < 0 || sc.HeapLimitBytes < 0 || sc.FrameRateHeader < 0 || sc.MaxFrameRate < 0 {
		return goutils.NewConfigValidationError(path,
			errors.New("inference_width_threshold, heap_limit_bytes, frame_rate_header and max_frame_rate cannot be negative"))
	}
	if sc.InferenceWidthThreshold == 0 {
		sc.InferenceWidthThreshold = webstream.DefaultInferenceWidthThreshold
	}
	if sc.JPEGQuality == 0 {
		sc.JPEGQuality = webstream.DefaultJPEGQuality
	}
	if sc.AnnotatedJPEGQuality == 0 {
		sc.AnnotatedJPEGQuality = webstream.DefaultAnnotatedJPEGQuality
	}
	if sc.FrameRateHeader == 0 {
		sc.FrameRateHeader = webstream.FrameRateHeader
	}
	return nil
}

// Options are the per session stream options.
func (sc StreamConfig) Options() webstream.Options {
	return webstream.Options{
		InferenceEnabled:        sc.InferenceEnabled,
		IlluminationEnabled:     sc.IlluminationEnabled,
		InferenceWidthThreshold: sc.InferenceWidthThreshold,
		JPEGQuality:             sc.JPEGQuality,
		AnnotatedJPEGQuality:    sc.AnnotatedJPEGQuality,
		MaxFrameRate:            sc.MaxFrameRate,
	}
}

// LogConfig sets the starting log level and an optional rotated log file.
type LogConfig struct {
	Level      string `json:"level,omitempty"`
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// Validate ensures the level parses.
func (lc *LogConfig) Validate(path string) error {
	if lc.MaxSizeMB < 0 || lc.MaxBackups < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_size_mb and max_backups cannot be negative"))
	}
	if lc.Level == "" {
		return nil
	}
	if _, err := logging.LevelFromString(lc.Level); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	return nil
}

// FileAppender returns an appender for the configured log file, or nil when there is none.
func (lc LogConfig) FileAppender() *logging.FileAppender {
	if lc.File == "" {
		return nil
	}
	return logging.NewFileAppender(lc.File, lc.MaxSizeMB, lc.MaxBackups)
}

// Apply sets logger's level when one is configured.
func (lc LogConfig) Apply(logger logging.Logger) {
	if lc.Level == "" {
		return
	}
	if level, err := logging.LevelFromString(lc.Level); err == nil {
		logger.SetLevel(level)
	}
}
