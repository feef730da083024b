package light

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"go.viam.com/camserver/logging"
)

// pwmLight drives an LED from a GPIO pin. Hardware PWM is used when the pin supports it;
// otherwise a background loop toggles the pin.
type pwmLight struct {
	mu        sync.Mutex
	pin       gpio.PinIO
	frequency physic.Frequency
	intensity int
	maxOn     int
	on        bool
	streaming bool
	softPWM   bool

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
	logger                  logging.Logger
}

// NewPWM initializes the host drivers and claims conf.Pin.
func NewPWM(conf Config, logger logging.Logger) (Light, error) {
	if err := conf.Validate("illumination"); err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "cannot initialize gpio host")
	}
	pin := gpioreg.ByName(conf.Pin)
	if pin == nil {
		return nil, errors.Errorf("no gpio pin named %q", conf.Pin)
	}
	return newPWMOnPin(pin, conf, logger)
}

func newPWMOnPin(pin gpio.PinIO, conf Config, logger logging.Logger) (*pwmLight, error) {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	l := &pwmLight{
		pin:        pin,
		frequency:  physic.Hertz * physic.Frequency(conf.FrequencyHz),
		intensity:  clampIntensity(conf.Intensity),
		maxOn:      conf.MaxStreamingIntensity,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		logger:     logger,
	}
	if err := pin.Out(gpio.Low); err != nil {
		cancelFunc()
		return nil, errors.Wrapf(err, "cannot drive pin %s", pin.Name())
	}
	return l, nil
}

func (l *pwmLight) duty() gpio.Duty {
	level := l.intensity
	if l.streaming && level > l.maxOn {
		level = l.maxOn
	}
	return gpio.Duty(int64(gpio.DutyMax) * int64(level) / MaxIntensity)
}

// apply pushes the current state to the pin. Assumes the lock is held.
func (l *pwmLight) apply() error {
	if !l.on {
		return l.pin.Out(gpio.Low)
	}
	duty := l.duty()
	if l.softPWM {
		return nil
	}
	if err := l.pin.PWM(duty, l.frequency); err != nil {
		l.logger.Debugw("hardware pwm unavailable, using software loop", "pin", l.pin.Name(), "error", err)
		l.softPWM = true
		l.startSoftwarePWMLoop()
	}
	return nil
}

func (l *pwmLight) startSoftwarePWMLoop() {
	l.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		l.softwarePWMLoop(l.cancelCtx)
	}, l.activeBackgroundWorkers.Done)
}

func (l *pwmLight) softwarePWMLoop(ctx context.Context) {
	for {
		cont := func() bool {
			l.mu.Lock()
			on, duty, period := l.on, l.duty(), l.frequency.Period()
			l.mu.Unlock()
			if !on || duty == 0 {
				return goutils.SelectContextOrWait(ctx, period)
			}

			if err := l.pin.Out(gpio.High); err != nil {
				l.logger.Errorw("error setting pin", "pin", l.pin.Name(), "error", err)
				return true
			}
			onPeriod := time.Duration(int64(duty) * int64(period) / int64(gpio.DutyMax))
			if !goutils.SelectContextOrWait(ctx, onPeriod) {
				return false
			}
			if err := l.pin.Out(gpio.Low); err != nil {
				l.logger.Errorw("error setting pin", "pin", l.pin.Name(), "error", err)
				return true
			}
			return goutils.SelectContextOrWait(ctx, period-onPeriod)
		}()
		if !cont {
			return
		}
	}
}

func (l *pwmLight) SetIntensity(intensity int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intensity = clampIntensity(intensity)
	return l.apply()
}

func (l *pwmLight) Enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = true
	l.streaming = false
	return l.apply()
}

func (l *pwmLight) EnableStreaming() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = true
	l.streaming = true
	return l.apply()
}

func (l *pwmLight) Disable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = false
	l.streaming = false
	return l.apply()
}

func (l *pwmLight) Intensity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intensity
}

func (l *pwmLight) Close(ctx context.Context) error {
	l.cancelFunc()
	l.activeBackgroundWorkers.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = false
	return l.pin.Out(gpio.Low)
}
