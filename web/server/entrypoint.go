package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/perf"

	"go.viam.com/camserver/components/camera"
	// register camera models.
	_ "go.viam.com/camserver/components/register"
	"go.viam.com/camserver/components/light"
	"go.viam.com/camserver/config"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
	"go.viam.com/camserver/utils"
	"go.viam.com/camserver/vision/emitter"
	"go.viam.com/camserver/vision/objectdetection"
)

const shutdownTimeout = 5 * time.Second

// Arguments for the command.
type Arguments struct {
	ConfigFile string              `flag:"0,required,usage=server config file"`
	Debug      bool                `flag:"debug"`
	Port       goutils.NetPortFlag `flag:"port,usage=control port, the stream is served on the next port up"`
}

// RunServer is an entry point to starting the web server that can be called by main in a code
// sample or otherwise be used to initialize the server.
func RunServer(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	initialReadCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	cfg, err := config.Read(initialReadCtx, argsParsed.ConfigFile, logger)
	cancel()
	if err != nil {
		return err
	}
	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
		exp := perf.NewNiceLoggingSpanExporter()
		trace.RegisterExporter(exp)
		defer trace.UnregisterExporter(exp)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	} else {
		cfg.Log.Apply(logger)
	}
	if appender := cfg.Log.FileAppender(); appender != nil {
		logger.AddAppender(appender)
		defer func() {
			goutils.UncheckedError(appender.Close())
		}()
	}
	if argsParsed.Port != 0 {
		cfg.Network.Port = int(argsParsed.Port)
		if err := cfg.Network.Validate("network"); err != nil {
			return err
		}
	}

	controlListener, err := net.Listen("tcp", cfg.Network.ControlAddress())
	if err != nil {
		return errors.Wrap(err, "cannot listen for stills")
	}
	streamListener, err := net.Listen("tcp", cfg.Network.StreamAddress())
	if err != nil {
		goutils.UncheckedError(controlListener.Close())
		return errors.Wrap(err, "cannot listen for the stream")
	}

	err = serveWeb(ctx, cfg, controlListener, streamListener, logger)
	if err != nil {
		logger.Errorw("error serving web", "error", err)
	}
	return err
}

// parts are everything a Server needs, built from the config.
type parts struct {
	source   camera.Source
	conv     *rimage.Converter
	detector objectdetection.Detector
	light    light.Light
	mqtt     *emitter.MQTTEmitter
}

func (p *parts) sinks() []emitter.Sink {
	if p.mqtt == nil {
		return nil
	}
	return []emitter.Sink{p.mqtt}
}

func (p *parts) Close(ctx context.Context) error {
	var err error
	if p.mqtt != nil {
		err = multierr.Combine(err, p.mqtt.Close(ctx))
	}
	if p.light != nil {
		err = multierr.Combine(err, p.light.Close(ctx))
	}
	if p.source != nil {
		err = multierr.Combine(err, p.source.Close(ctx))
	}
	return err
}

func newParts(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *parts, err error) {
	p := &parts{}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, p.Close(ctx))
		}
	}()

	p.source, err = camera.NewSource(ctx, cfg.Camera, logger.Sublogger("camera"))
	if err != nil {
		return nil, err
	}
	alloc := rimage.NewAllocator(cfg.Stream.HeapLimitBytes, logger.Sublogger("allocator"))
	p.conv = rimage.NewConverter(alloc, logger.Sublogger("converter"))

	p.detector, err = objectdetection.FromConfig(cfg.Detector)
	if err != nil {
		return nil, err
	}
	p.light, err = light.New(cfg.Illumination, logger.Sublogger("light"))
	if err != nil {
		return nil, err
	}
	if cfg.MQTT.Enabled() {
		p.mqtt = emitter.NewMQTTEmitter(cfg.MQTT, logger.Sublogger("mqtt"))
		if err := p.mqtt.Connect(ctx); err != nil {
			// the client keeps retrying in the background
			logger.Warnw("mqtt broker not reachable yet", "broker", cfg.MQTT.Broker, "error", err)
		}
	}
	return p, nil
}

// serveWeb runs the control and stream servers on the given listeners until ctx is done or
// one of them fails.
func serveWeb(ctx context.Context, cfg *config.Config, controlListener, streamListener net.Listener, logger logging.Logger) (err error) {
	p, err := newParts(ctx, cfg, logger)
	if err != nil {
		goutils.UncheckedError(multierr.Combine(controlListener.Close(), streamListener.Close()))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Combine(err, p.Close(closeCtx))
	}()

	srv, err := New(cfg, p.source, p.conv, p.detector, p.light, logger, p.sinks()...)
	if err != nil {
		goutils.UncheckedError(multierr.Combine(controlListener.Close(), streamListener.Close()))
		return err
	}

	var (
		errMu    sync.Mutex
		serveErr error
	)
	workers := utils.NewStoppableWorkers(ctx)
	run := func(name string, handler http.Handler, ln net.Listener) func(context.Context) {
		return func(ctx context.Context) {
			if err := serveHTTP(ctx, name, handler, ln, logger); err != nil {
				errMu.Lock()
				serveErr = multierr.Combine(serveErr, err)
				errMu.Unlock()
				// one server going down takes the other with it
				go workers.Stop()
			}
		}
	}
	workers.AddWorkers(
		run("control", srv.ControlHandler(), controlListener),
		run("stream", srv.StreamHandler(), streamListener),
	)
	logger.Infow("serving",
		"control", "http://"+controlListener.Addr().String(),
		"stream", "http://"+streamListener.Addr().String()+"/stream")

	<-workers.Context().Done()
	workers.Stop()
	return serveErr
}

// serveHTTP serves handler on ln until ctx is done. Requests inherit ctx so open streams end
// when it is canceled.
func serveHTTP(ctx context.Context, name string, handler http.Handler, ln net.Listener, logger logging.Logger) error {
	httpServer := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveDone := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		serveDone <- httpServer.Serve(ln)
	})

	select {
	case err := <-serveDone:
		return errors.Wrapf(err, "%s server stopped", name)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("error shutting down", "server", name, "error", err)
		goutils.UncheckedError(httpServer.Close())
	}
	if err := <-serveDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "%s server stopped", name)
	}
	return nil
}
