// Package inject provides fakes whose behavior is set per test through function fields.
package inject

import (
	"context"

	"go.viam.com/camserver/components/camera"
)

// Source is an injected frame source.
type Source struct {
	camera.Source
	AcquireFunc    func(ctx context.Context) (*camera.Frame, error)
	ReleaseFunc    func(f *camera.Frame) error
	PropertiesFunc func(ctx context.Context) (camera.Properties, error)
	CloseFunc      func(ctx context.Context) error
}

// Acquire calls the injected Acquire or the real version.
func (s *Source) Acquire(ctx context.Context) (*camera.Frame, error) {
	if s.AcquireFunc == nil {
		return s.Source.Acquire(ctx)
	}
	return s.AcquireFunc(ctx)
}

// Release calls the injected Release or the real version.
func (s *Source) Release(f *camera.Frame) error {
	if s.ReleaseFunc == nil {
		return s.Source.Release(f)
	}
	return s.ReleaseFunc(f)
}

// Properties calls the injected Properties or the real version.
func (s *Source) Properties(ctx context.Context) (camera.Properties, error) {
	if s.PropertiesFunc == nil {
		return s.Source.Properties(ctx)
	}
	return s.PropertiesFunc(ctx)
}

// Close calls the injected Close or the real version.
func (s *Source) Close(ctx context.Context) error {
	if s.CloseFunc == nil {
		if s.Source == nil {
			return nil
		}
		return s.Source.Close(ctx)
	}
	return s.CloseFunc(ctx)
}
