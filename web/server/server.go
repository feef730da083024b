// Package server implements the entry point for running the camera web server.
//
// Two HTTP servers are started. The control server answers "/", "/capture" and "/bmp"; the
// stream server, on the next port up, answers "/stream" so a long running stream never
// blocks a still capture.
package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/camserver/components/camera"
	"go.viam.com/camserver/components/light"
	"go.viam.com/camserver/config"
	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/rimage"
	"go.viam.com/camserver/utils"
	"go.viam.com/camserver/vision/emitter"
	"go.viam.com/camserver/vision/objectdetection"
	webstream "go.viam.com/camserver/web/stream"
)

// A Server answers HTTP requests from one camera.
type Server struct {
	cfg      *config.Config
	source   camera.Source
	conv     *rimage.Converter
	detector objectdetection.Detector
	light    light.Light
	sinks    []emitter.Sink
	clock    clock.Clock
	logger   logging.Logger
	index    *indexHandler
}

// New returns a Server for the given parts. cfg must already be validated.
func New(
	cfg *config.Config,
	source camera.Source,
	conv *rimage.Converter,
	detector objectdetection.Detector,
	lt light.Light,
	logger logging.Logger,
	sinks ...emitter.Sink,
) (*Server, error) {
	compressed, err := gzipped(indexHTML)
	if err != nil {
		return nil, errors.Wrap(err, "cannot compress index page")
	}
	if lt == nil {
		lt = light.NewNoop()
	}
	return &Server{
		cfg:      cfg,
		source:   source,
		conv:     conv,
		detector: detector,
		light:    lt,
		sinks:    sinks,
		clock:    clock.New(),
		logger:   logger,
		index:    &indexHandler{plain: indexHTML, compressed: compressed, logger: logger},
	}, nil
}

// ControlHandler serves the index page and still captures.
func (s *Server) ControlHandler() http.Handler {
	mux := goji.NewMux()
	mux.Handle(pat.Get("/"), s.index)
	mux.HandleFunc(pat.Get("/capture"), s.recoverer(s.handleCapture))
	mux.HandleFunc(pat.Get("/bmp"), s.recoverer(s.handleBMP))
	return cors.AllowAll().Handler(mux)
}

// StreamHandler serves the MJPEG stream.
func (s *Server) StreamHandler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/stream"), s.handleStream)
	return cors.AllowAll().Handler(mux)
}

// recoverer turns a panic in a still capture into a 500 instead of taking the process down.
func (s *Server) recoverer(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Errorw("panic while handling request", "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		h(w, r)
	}
}

// acquireStill grabs one frame. With illumination enabled the scene is lit for the configured
// warmup first and the light is turned back off afterwards.
func (s *Server) acquireStill(ctx context.Context) (*camera.Frame, error) {
	if !s.cfg.Stream.IlluminationEnabled {
		return s.source.Acquire(ctx)
	}
	if err := s.light.Enable(); err != nil {
		s.logger.Warnw("could not enable illumination", "error", err)
	}
	defer func() {
		if err := s.light.Disable(); err != nil {
			s.logger.Warnw("could not disable illumination", "error", err)
		}
	}()
	if warmup := s.cfg.Illumination.WarmupDuration(); warmup > 0 {
		if !goutils.SelectContextOrWait(ctx, warmup) {
			return nil, errors.Wrap(camera.ErrCaptureFailed, ctx.Err().Error())
		}
	}
	return s.source.Acquire(ctx)
}

func (s *Server) release(f *camera.Frame) {
	if err := s.source.Release(f); err != nil {
		s.logger.Warnw("frame release failed", "error", err)
	}
}

func (s *Server) free(b *rimage.Buffer) {
	if err := b.Free(); err != nil {
		s.logger.Warnw("buffer release failed", "error", err)
	}
}

type encoder func(ctx context.Context, px rimage.Pixels) (*rimage.Buffer, error)

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.serveStill(w, r, "capture", utils.MimeTypeJPEG, "capture.jpg",
		func(ctx context.Context, px rimage.Pixels) (*rimage.Buffer, error) {
			return s.conv.ToJPEG(ctx, px, s.cfg.Stream.JPEGQuality)
		})
}

func (s *Server) handleBMP(w http.ResponseWriter, r *http.Request) {
	s.serveStill(w, r, "bmp", utils.MimeTypeBMP, "capture.bmp", s.conv.ToBMP)
}

func (s *Server) serveStill(w http.ResponseWriter, r *http.Request, name, mimeType, filename string, encode encoder) {
	ctx, span := trace.StartSpan(r.Context(), "server::"+name)
	defer span.End()
	start := s.clock.Now()

	f, err := s.acquireStill(ctx)
	if err != nil {
		s.logger.Errorw("camera capture failed", "error", err)
		http.Error(w, "camera capture failed", http.StatusInternalServerError)
		return
	}
	defer s.release(f)

	buf, err := encode(ctx, f.Pixels)
	if err != nil {
		s.logger.Errorw("conversion failed", "format", f.Format, "error", err)
		http.Error(w, fmt.Sprintf("%s conversion failed", name), http.StatusInternalServerError)
		return
	}
	defer s.free(buf)

	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Disposition", "inline; filename="+filename)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Timestamp", webstream.FormatTimestamp(f.Timestamp))
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debugw("error writing still", "error", err)
		return
	}
	s.logger.Debugf("%s: %dB %dms", name, buf.Len(), s.clock.Since(start).Milliseconds())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", webstream.ContentType)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Framerate", fmt.Sprint(s.cfg.Stream.FrameRateHeader))
	w.WriteHeader(http.StatusOK)

	c := webstream.NewController(s.source, s.conv, s.detector, s.light, s.cfg.Stream.Options(), s.clock, s.logger, s.sinks...)
	s.logger.Debugw("stream client connected", "remote", r.RemoteAddr, "session", c.Session().ID)
	// errors are logged by the controller; there is nothing left to tell the client
	goutils.UncheckedError(c.Run(r.Context(), webstream.NewHTTPTransport(w)))
}
