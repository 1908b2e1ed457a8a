package nn

import "github.com/jmorganca/sdvae/ml"

// SiLU applies x * sigmoid(x) elementwise.
func SiLU(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return t.SILU(ctx)
}
