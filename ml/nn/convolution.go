package nn

import "github.com/jmorganca/sdvae/ml"

type Conv2D struct {
	Weight ml.Tensor `tensor:"weight"`
	Bias   ml.Tensor `tensor:"bias"`
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	weight := m.Weight
	if shape := weight.Shape(); len(shape) == 2 {
		// linear projections are stored as (out, in) and applied per pixel
		weight = weight.Reshape(ctx, shape[0], shape[1], 1, 1)
	}

	t = weight.Conv2D(ctx, t, s0, s1, p0, p1, d0, d1)
	if m.Bias != nil {
		// Broadcast bias along batch and spatial dimensions of the NCHW output.
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, m.Bias.Dim(0), 1, 1))
	}
	return t
}
