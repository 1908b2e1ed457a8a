package vae

import "github.com/jmorganca/sdvae/ml"

// DiagonalGaussian is the latent distribution produced by the encoder.
type DiagonalGaussian struct {
	Mean   ml.Tensor
	LogVar ml.Tensor
}

// Std returns sqrt(exp(logvar)).
func (d *DiagonalGaussian) Std(ctx ml.Context) ml.Tensor {
	return d.LogVar.Exp(ctx).Sqrt(ctx)
}

// Sample returns (mean + std * noise) * scale. noise must have the shape of Mean.
func (d *DiagonalGaussian) Sample(ctx ml.Context, noise ml.Tensor, scale float64) (ml.Tensor, error) {
	if want, got := d.Mean.Shape(), noise.Shape(); !matches(want, got) {
		return nil, &ShapeError{Op: "noise", Want: want, Got: got}
	}

	t := d.Mean.Add(ctx, d.Std(ctx).Mul(ctx, noise))
	return t.Scale(ctx, scale), nil
}

// Mode returns mean * scale, the most likely latent.
func (d *DiagonalGaussian) Mode(ctx ml.Context, scale float64) ml.Tensor {
	return d.Mean.Scale(ctx, scale)
}
