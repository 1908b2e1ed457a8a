package nn

import (
	"github.com/jmorganca/sdvae/ml"
)

type GroupNorm struct {
	Weight ml.Tensor `tensor:"weight"`
	Bias   ml.Tensor `tensor:"bias"`
}

func (m *GroupNorm) Forward(ctx ml.Context, t ml.Tensor, groups int, eps float32) ml.Tensor {
	t = t.GroupNorm(ctx, groups, eps)
	if m.Weight != nil {
		t = t.Mul(ctx, m.Weight.Reshape(ctx, 1, m.Weight.Dim(0), 1, 1))
	}

	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, m.Bias.Dim(0), 1, 1))
	}
	return t
}
