// Package vae implements the latent encoder of a Stable Diffusion variational
// autoencoder. An Encoder runs an image through a list of stages, splits the
// result into the mean and log-variance of a diagonal Gaussian and samples a
// scaled latent from it.
package vae

import (
	"strconv"
	"time"

	"github.com/jmorganca/sdvae/logutil"
	"github.com/jmorganca/sdvae/ml"
)

const (
	// DefaultScale is the latent scaling factor of Stable Diffusion 1.x.
	DefaultScale = 0.18215

	DefaultLatentChannels = 4

	// ImageChannels is the channel count of input images.
	ImageChannels = 3

	LogVarMin = -30
	LogVarMax = 20
)

type Encoder struct {
	stages         []Stage
	scale          float64
	latentChannels int
	hook           func(i, n int, name string)
}

type Option func(*Encoder)

// WithScale sets the factor applied to sampled latents.
func WithScale(scale float64) Option {
	return func(e *Encoder) {
		e.scale = scale
	}
}

// WithLatentChannels sets the number of latent channels. Stages must output twice as many.
func WithLatentChannels(n int) Option {
	return func(e *Encoder) {
		e.latentChannels = n
	}
}

// WithStageHook registers fn to be called before stage i of n runs.
func WithStageHook(fn func(i, n int, name string)) Option {
	return func(e *Encoder) {
		e.hook = fn
	}
}

func NewEncoder(stages []Stage, opts ...Option) *Encoder {
	e := Encoder{
		stages:         stages,
		scale:          DefaultScale,
		latentChannels: DefaultLatentChannels,
	}

	for _, opt := range opts {
		opt(&e)
	}

	return &e
}

func (e *Encoder) Stages() []Stage {
	return e.stages
}

func (e *Encoder) Scale() float64 {
	return e.scale
}

func (e *Encoder) LatentChannels() int {
	return e.latentChannels
}

// Downsample returns the factor between image and latent height and width.
func (e *Encoder) Downsample() int {
	return Downsample(e.stages)
}

// LatentShape returns the shape of the latent for an image of the given shape.
func (e *Encoder) LatentShape(image []int) ([]int, error) {
	if err := e.checkImage(image); err != nil {
		return nil, err
	}

	f := e.Downsample()
	return []int{image[0], e.latentChannels, image[2] / f, image[3] / f}, nil
}

func (e *Encoder) checkImage(shape []int) error {
	want := []int{-1, ImageChannels, -1, -1}
	if !matches(want, shape) {
		return &ShapeError{Op: "image", Want: want, Got: shape}
	}

	for _, d := range shape {
		if d <= 0 {
			return &ShapeError{Op: "image", Want: want, Got: shape, Msg: "dimensions must be positive"}
		}
	}

	if f := e.Downsample(); shape[2]%f != 0 || shape[3]%f != 0 {
		return &ShapeError{Op: "image", Want: want, Got: shape, Msg: "height and width must be divisible by " + strconv.Itoa(f)}
	}

	return nil
}

// Encode returns (mean + sqrt(exp(logvar)) * noise) * scale where mean and logvar
// are the halves of the stage output. noise must have the latent shape. No stage
// runs when image or noise have invalid shapes.
func (e *Encoder) Encode(ctx ml.Context, image, noise ml.Tensor) (ml.Tensor, error) {
	latent, err := e.LatentShape(image.Shape())
	if err != nil {
		return nil, err
	}

	if got := noise.Shape(); !matches(latent, got) {
		return nil, &ShapeError{Op: "noise", Want: latent, Got: got}
	}

	dist, err := e.Distribution(ctx, image)
	if err != nil {
		return nil, err
	}

	return dist.Sample(ctx, noise, e.scale)
}

// Distribution runs the stages and returns the latent distribution with its
// log-variance clamped to [LogVarMin, LogVarMax].
func (e *Encoder) Distribution(ctx ml.Context, image ml.Tensor) (*DiagonalGaussian, error) {
	latent, err := e.LatentShape(image.Shape())
	if err != nil {
		return nil, err
	}

	defer logutil.Elapsed(time.Now(), "encode", "image", image.Shape(), "stages", len(e.stages))

	t := image
	for i, s := range e.stages {
		if e.hook != nil {
			e.hook(i, len(e.stages), s.Name)
		}

		start := time.Now()
		if s.Pad == PadBottomRight {
			t = t.Pad(ctx, 0, 0, 1, 1)
		}

		t = s.Forward(ctx, t)
		logutil.Trace("stage", "index", i, "name", s.Name, "pad", s.Pad, "shape", t.Shape(), "elapsed", time.Since(start))
	}

	want := []int{latent[0], 2 * e.latentChannels, latent[2], latent[3]}
	if got := t.Shape(); !matches(want, got) {
		return nil, &ShapeError{Op: "output", Want: want, Got: got, Msg: "stages must output mean and log-variance"}
	}

	chunks := t.Chunk(ctx, 1, 2)
	return &DiagonalGaussian{
		Mean:   chunks[0],
		LogVar: chunks[1].Clamp(ctx, LogVarMin, LogVarMax),
	}, nil
}
