// Package runner turns decoded images into latents with a loaded model.
package runner

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/ml"
	"github.com/jmorganca/sdvae/model"
	"github.com/jmorganca/sdvae/model/imageproc"
	"github.com/jmorganca/sdvae/model/vae"
	"github.com/jmorganca/sdvae/sample"
)

const DefaultSize = 512

var ErrInvalidRequest = errors.New("invalid request")

type Request struct {
	Images []image.Image

	// Size is the height and width images are scaled to. Defaults to DefaultSize.
	Size int
	Fit  imageproc.Fit

	// Seed seeds the noise. A nil seed draws fresh noise.
	Seed *uint64

	// MeanOnly skips sampling and returns the scaled mean.
	MeanOnly bool

	// Hook is called before each encoder stage runs.
	Hook func(i, n int, name string)
}

type Result struct {
	Shape   []int
	Latent  []float32
	Scale   float64
	Summary sample.Summary

	Duration time.Duration
}

// Encode prepares req.Images as one batch and encodes it with m.
func Encode(m model.Model, req Request) (*Result, error) {
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrInvalidRequest)
	}

	size := cmp.Or(req.Size, DefaultSize)
	if size < 0 || size > envconfig.MaxSize {
		return nil, fmt.Errorf("%w: size %d must be between 1 and %d", ErrInvalidRequest, size, envconfig.MaxSize)
	}

	var opts []vae.Option
	if req.Hook != nil {
		opts = append(opts, vae.WithStageHook(req.Hook))
	}

	e := model.NewEncoder(m, opts...)
	if _, err := e.LatentShape([]int{len(req.Images), vae.ImageChannels, size, size}); err != nil {
		return nil, err
	}

	pixels := make([]float32, 0, len(req.Images)*vae.ImageChannels*size*size)
	for i, img := range req.Images {
		p, err := imageproc.Prepare(img, size, req.Fit)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: %w", ErrInvalidRequest, i, err)
		}

		pixels = append(pixels, p...)
	}

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	t, err := ctx.FromFloatSlice(pixels, len(req.Images), vae.ImageChannels, size, size)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	latent, err := encode(ctx, e, t, req)
	if err != nil {
		return nil, err
	}

	result := Result{
		Shape:    latent.Shape(),
		Latent:   latent.Floats(),
		Scale:    e.Scale(),
		Duration: time.Since(start),
	}

	result.Summary = sample.Summarize(result.Latent)
	slog.Debug("encoded", "images", len(req.Images), "size", size, "shape", result.Shape, "mean_only", req.MeanOnly, "duration", result.Duration)
	return &result, nil
}

func encode(ctx ml.Context, e *vae.Encoder, t ml.Tensor, req Request) (ml.Tensor, error) {
	if req.MeanOnly {
		dist, err := e.Distribution(ctx, t)
		if err != nil {
			return nil, err
		}

		return dist.Mode(ctx, e.Scale()), nil
	}

	shape, err := e.LatentShape(t.Shape())
	if err != nil {
		return nil, err
	}

	noise, err := ctx.FromFloatSlice(sample.NewNoise(req.Seed).Sample(ml.Elements(shape...)), shape...)
	if err != nil {
		return nil, err
	}

	return e.Encode(ctx, t, noise)
}
