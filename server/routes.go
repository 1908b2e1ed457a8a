package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/sdvae/api"
	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/logutil"
	"github.com/jmorganca/sdvae/model"
	"github.com/jmorganca/sdvae/model/imageproc"
	"github.com/jmorganca/sdvae/model/vae"
	"github.com/jmorganca/sdvae/runner"
	"github.com/jmorganca/sdvae/version"
)

type Server struct {
	model   model.Model
	arch    string
	weights string

	// sem limits concurrent encodes to SDVAE_NUM_PARALLEL
	sem *semaphore.Weighted
}

func NewServer(m model.Model, arch, weights string) *Server {
	return &Server{
		model:   m,
		arch:    arch,
		weights: weights,
		sem:     semaphore.NewWeighted(int64(max(envconfig.NumParallel, 1))),
	}
}

func (s *Server) EncodeHandler(c *gin.Context) {
	var req api.EncodeRequest
	err := c.ShouldBindJSON(&req)
	switch {
	case errors.Is(err, io.EOF):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Image) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}

	img, format, err := imageproc.Load(bytes.NewReader(req.Image))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		if errors.Is(err, context.Canceled) {
			c.JSON(499, gin.H{"error": "request canceled"})
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer s.sem.Release(1)

	requestID := uuid.NewString()
	c.Header("X-Request-Id", requestID)

	slog.Debug("encode request", "id", requestID, "format", format, "bounds", img.Bounds(), "size", req.Size, "fit", req.Fit, "mean_only", req.MeanOnly)

	result, err := runner.Encode(s.model, runner.Request{
		Images:   []image.Image{img},
		Size:     req.Size,
		Fit:      imageproc.Fit(req.Fit),
		Seed:     req.Seed,
		MeanOnly: req.MeanOnly,
	})
	switch {
	case errors.Is(err, runner.ErrInvalidRequest), errors.Is(err, vae.ErrShape):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		slog.Error("encode failed", "id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, api.EncodeResponse{
		Shape:  result.Shape,
		Latent: result.Latent,
		Scale:  result.Scale,
		Summary: api.Summary{
			Mean: result.Summary.Mean,
			Std:  result.Summary.Std,
			Min:  result.Summary.Min,
			Max:  result.Summary.Max,
		},
		EncodeDuration: result.Duration.Nanoseconds(),
	})
}

func (s *Server) ShowHandler(c *gin.Context) {
	c.JSON(http.StatusOK, runner.Describe(s.model, s.arch, s.weights))
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

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "sdvae is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "sdvae is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })

	r.POST("/api/encode", s.EncodeHandler)
	r.POST("/api/show", s.ShowHandler)

	return r
}

// Serve loads the weights at SDVAE_WEIGHTS and serves the API on ln until
// interrupted.
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	m, err := model.New(envconfig.Weights, envconfig.Arch)
	if err != nil {
		return fmt.Errorf("load %s: %w", envconfig.Weights, err)
	}
	defer m.Backend().Close()

	s := NewServer(m, envconfig.Arch, envconfig.Weights)
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	ctx, done := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		done()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err = srvr.Serve(ln)
	// If server is closed from the signal handler, wait for the ctx to be done
	// otherwise error out quickly
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}
