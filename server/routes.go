// Package server exposes generations and batch sweeps over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/diffusion/api"
	"github.com/jmorganca/diffusion/batch"
	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/envconfig"
	"github.com/jmorganca/diffusion/imageproc"
	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/version"
)

type Server struct {
	generator batch.Generator
	sem       *semaphore.Weighted
	logger    *slog.Logger

	model ModelFunc
}

// New returns a server running generations on g, at most numParallel at a
// time across all requests.
func New(g batch.Generator, numParallel int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		generator: g,
		sem:       semaphore.NewWeighted(int64(max(numParallel, 1))),
		logger:    logger,
		model:     envconfig.Model,
	}
}

// Generate waits for a free slot and runs one generation. It lets the
// server stand in for its generator in batch sweeps.
func (s *Server) Generate(ctx context.Context, model diffusion.ModelOptions, p diffusion.PromptOptions, opts scheduler.Options, fn diffusion.ProgressFunc) (*diffusion.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", diffusion.ErrCancelled, err)
	}
	defer s.sem.Release(1)

	return s.generator.Generate(ctx, model, p, opts, fn)
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Diffusion is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Diffusion is running") })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.GET("/api/schedulers", s.SchedulersHandler)
	r.POST("/api/generate", s.GenerateHandler)
	r.POST("/api/batch", s.BatchHandler)

	return r
}

func Serve(ln net.Listener, s *Server) error {
	s.logger.Info("Listening on "+ln.Addr().String(), "version", version.Version)
	srvr := &http.Server{
		Handler:           s.GenerateRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srvr.Serve(ln)
}

func (s *Server) SchedulersHandler(c *gin.Context) {
	var resp api.SchedulersResponse
	for _, t := range scheduler.Types() {
		resp.Schedulers = append(resp.Schedulers, t.String())
	}

	for _, d := range diffusion.DiffuserTypes() {
		resp.Diffusers = append(resp.Diffusers, d.String())
	}

	for _, p := range diffusion.PipelineTypes() {
		resp.Pipelines = append(resp.Pipelines, p.String())
	}

	c.JSON(http.StatusOK, resp)
}

// Request is a decoded generation request.
type Request struct {
	Model   diffusion.ModelOptions
	Prompt  diffusion.PromptOptions
	Options scheduler.Options
}

// ModelFunc resolves a model set by name, with an optional pipeline
// override.
type ModelFunc func(name, pipeline string) (diffusion.ModelOptions, error)

// statusError carries the response status for a request that could not be
// decoded.
type statusError struct {
	code int
	err  error
}

func (e statusError) Error() string { return e.err.Error() }
func (e statusError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return statusError{code: http.StatusBadRequest, err: err}
}

// DecodeRequest validates req and resolves its model, images and options.
// Errors carry the HTTP status they map to.
func DecodeRequest(req *api.GenerateRequest, models ModelFunc) (*Request, error) {
	switch {
	case req.Model == "":
		return nil, badRequest(errors.New("model is required"))
	case req.Prompt == "":
		return nil, badRequest(errors.New("prompt is required"))
	}

	model, err := models(req.Model, req.Pipeline)
	if errors.Is(err, envconfig.ErrModelNotFound) {
		return nil, statusError{code: http.StatusNotFound, err: err}
	} else if err != nil {
		return nil, badRequest(err)
	}

	p := diffusion.PromptOptions{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
	}

	if req.Diffuser != "" {
		if p.Diffuser, err = diffusion.ParseDiffuserType(req.Diffuser); err != nil {
			return nil, badRequest(err)
		}
	}

	for _, in := range []struct {
		name string
		data api.ImageData
		dst  *image.Image
	}{
		{"image", req.Image, &p.InputImage},
		{"mask", req.Mask, &p.Mask},
		{"control_image", req.ControlImage, &p.ControlImage},
	} {
		if len(in.data) == 0 {
			continue
		}

		img, err := imageproc.Decode(in.data)
		if err != nil {
			return nil, badRequest(fmt.Errorf("%s: %w", in.name, err))
		}
		*in.dst = img
	}

	if !model.Supports(p.Diffuser) {
		return nil, badRequest(fmt.Errorf("%w: %s does not support %s", diffusion.ErrUnsupportedDiffuser, model.Name, p.Diffuser))
	}

	if err := p.Validate(); err != nil {
		return nil, badRequest(err)
	}

	opts := DefaultOptions(model)
	if err := DecodeOptions(req.Options, &opts); err != nil {
		return nil, badRequest(err)
	}

	if err := opts.Validate(); err != nil {
		return nil, badRequest(err)
	}

	return &Request{Model: model, Prompt: p, Options: opts}, nil
}

func status(c *gin.Context, err error) {
	var se statusError
	switch {
	case errors.As(err, &se):
		c.JSON(se.code, gin.H{"error": se.Error()})
	case errors.Is(err, diffusion.ErrUnsupportedDiffuser),
		errors.Is(err, diffusion.ErrMissingInput),
		errors.Is(err, diffusion.ErrNoTimesteps),
		errors.Is(err, scheduler.ErrInvalidOptions):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case diffusion.IsCancelled(err):
		// the client is gone
		c.Status(499)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func response(r *diffusion.Result, started time.Time) (*api.GenerateResponse, error) {
	png, err := imageproc.EncodePNG(r.Image)
	if err != nil {
		return nil, err
	}

	return &api.GenerateResponse{
		Session:       r.Session,
		Image:         png,
		Options:       r.Options,
		Steps:         r.Steps,
		TotalDuration: time.Since(started),
	}, nil
}

type event struct {
	name string
	data any
}

// send delivers ev unless the request is gone.
func send(ctx context.Context, ch chan<- event, ev event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// progressEvents bounds the progress events queued for a slow client.
const progressEvents = 32

// notify queues a progress event without blocking the denoising loop. When
// the client falls behind the event is dropped; the next one supersedes it.
func notify(ch chan<- event, index int, p diffusion.Progress) {
	select {
	case ch <- event{api.EventProgress, api.ProgressResponse{Index: index, Step: p.Step, Total: p.Total, Timestep: p.Timestep}}:
	default:
	}
}

func stream(c *gin.Context, ch <-chan event) {
	c.Header("Content-Type", "text/event-stream")
	c.Stream(func(_ io.Writer) bool {
		ev, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(ev.name, ev.data)
		return true
	})
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := DecodeRequest(&req, s.model)
	if err != nil {
		status(c, err)
		return
	}

	ctx := c.Request.Context()
	started := time.Now()

	if req.Stream != nil && !*req.Stream {
		result, err := s.Generate(ctx, r.Model, r.Prompt, r.Options, nil)
		if err != nil {
			s.logError("generate", err)
			status(c, err)
			return
		}

		resp, err := response(result, started)
		if err != nil {
			status(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
		return
	}

	ch := make(chan event, progressEvents)
	go func() {
		defer close(ch)

		result, err := s.Generate(ctx, r.Model, r.Prompt, r.Options, func(p diffusion.Progress) {
			notify(ch, 0, p)
		})
		if err != nil {
			s.logError("generate", err)
			send(ctx, ch, event{api.EventError, gin.H{"error": err.Error()}})
			return
		}

		resp, err := response(result, started)
		if err != nil {
			send(ctx, ch, event{api.EventError, gin.H{"error": err.Error()}})
			return
		}

		send(ctx, ch, event{api.EventResult, resp})
	}()

	stream(c, ch)
}

func (s *Server) BatchHandler(c *gin.Context) {
	var req api.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := batch.ParseErrorPolicy(req.Policy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := DecodeRequest(&req.GenerateRequest, s.model)
	if err != nil {
		status(c, err)
		return
	}

	ctx := c.Request.Context()
	opts := batch.Options{Policy: policy, Parallel: req.Parallel}

	s.logger.Debug("batch", "model", r.Model.Name, "combinations", req.Sweep.Len(), "policy", policy, "parallel", opts.Parallel)

	ch := make(chan event, progressEvents)
	go func() {
		defer close(ch)

		progress := func(i int, p diffusion.Progress) {
			notify(ch, i, p)
		}

		started := time.Now()
		for result, err := range batch.Run(ctx, s, r.Model, r.Prompt, r.Options, req.Sweep, opts, progress) {
			resp := api.BatchResponse{Index: result.Index, Options: result.Options}
			if err != nil {
				s.logError("batch", err, "index", result.Index)
				resp.Error = err.Error()
			} else if resp.Result, err = response(result.Generation, started); err != nil {
				resp.Error = err.Error()
			}

			if !send(ctx, ch, event{api.EventResult, resp}) {
				return
			}
			started = time.Now()
		}
	}()

	stream(c, ch)
}

func (s *Server) logError(msg string, err error, args ...any) {
	if diffusion.IsCancelled(err) {
		s.logger.Debug(msg+" cancelled", args...)
		return
	}
	s.logger.Error(msg+" failed", append(args, "error", err)...)
}
