package light

import (
	"context"
	"sync"
)

// Fake is an in-memory Light that records how it was used.
type Fake struct {
	mu        sync.Mutex
	intensity int
	on        bool
	streaming bool
	enables   int
	disables  int
	closed    bool
}

// NewFake returns a Fake that starts off at full intensity.
func NewFake() *Fake {
	return &Fake{intensity: MaxIntensity}
}

// SetIntensity records the new level.
func (f *Fake) SetIntensity(intensity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intensity = clampIntensity(intensity)
	return nil
}

// Enable turns the light on.
func (f *Fake) Enable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = true
	f.streaming = false
	f.enables++
	return nil
}

// EnableStreaming turns the light on in streaming mode.
func (f *Fake) EnableStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = true
	f.streaming = true
	f.enables++
	return nil
}

// Streaming reports whether the light was last enabled for a stream.
func (f *Fake) Streaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming
}

// Disable turns the light off.
func (f *Fake) Disable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = false
	f.disables++
	return nil
}

// Intensity returns the last level set.
func (f *Fake) Intensity() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intensity
}

// On reports whether the light is lit.
func (f *Fake) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// Counts returns how many times Enable and Disable were called.
func (f *Fake) Counts() (enables, disables int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enables, f.disables
}

// Close marks the light closed.
func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.on = false
	return nil
}

type noop struct{}

// NewNoop returns a Light that does nothing, for boards without an LED.
func NewNoop() Light {
	return noop{}
}

func (noop) SetIntensity(int) error { return nil }

func (noop) Enable() error { return nil }

func (noop) EnableStreaming() error { return nil }

func (noop) Disable() error { return nil }

func (noop) Intensity() int { return 0 }

func (noop) Close(context.Context) error { return nil }
