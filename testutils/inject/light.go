package inject

import (
	"context"

	"go.viam.com/camserver/components/light"
)

// Light is an injected light.
type Light struct {
	light.Light
	SetIntensityFunc    func(intensity int) error
	EnableFunc          func() error
	EnableStreamingFunc func() error
	DisableFunc         func() error
	IntensityFunc       func() int
	CloseFunc           func(ctx context.Context) error
}

// SetIntensity calls the injected SetIntensity or the real version.
func (l *Light) SetIntensity(intensity int) error {
	if l.SetIntensityFunc == nil {
		return l.Light.SetIntensity(intensity)
	}
	return l.SetIntensityFunc(intensity)
}

// Enable calls the injected Enable or the real version.
func (l *Light) Enable() error {
	if l.EnableFunc == nil {
		return l.Light.Enable()
	}
	return l.EnableFunc()
}

// EnableStreaming calls the injected EnableStreaming or the real version.
func (l *Light) EnableStreaming() error {
	if l.EnableStreamingFunc == nil {
		return l.Light.EnableStreaming()
	}
	return l.EnableStreamingFunc()
}

// Disable calls the injected Disable or the real version.
func (l *Light) Disable() error {
	if l.DisableFunc == nil {
		return l.Light.Disable()
	}
	return l.DisableFunc()
}

// Intensity calls the injected Intensity or the real version.
func (l *Light) Intensity() int {
	if l.IntensityFunc == nil {
		return l.Light.Intensity()
	}
	return l.IntensityFunc()
}

// Close calls the injected Close or the real version.
func (l *Light) Close(ctx context.Context) error {
	if l.CloseFunc == nil {
		return l.Light.Close(ctx)
	}
	return l.CloseFunc(ctx)
}
