package nn

import (
	"math"

	"github.com/jmorganca/sdvae/ml"
)

// AttentionBlock is single head self-attention over the spatial positions of an
// NCHW tensor with a residual connection. Projections are 1x1 convolutions or
// linear layers.
type AttentionBlock struct {
	Norm   *GroupNorm `tensor:"norm,alt:group_norm"`
	Query  *Conv2D    `tensor:"q,alt:to_q,alt:query"`
	Key    *Conv2D    `tensor:"k,alt:to_k,alt:key"`
	Value  *Conv2D    `tensor:"v,alt:to_v,alt:value"`
	Output *Conv2D    `tensor:"proj_out,alt:to_out.0,alt:proj_attn"`
}

func (m *AttentionBlock) Forward(ctx ml.Context, t ml.Tensor, groups int, eps float32) ml.Tensor {
	b, c, h, w := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)

	x := m.Norm.Forward(ctx, t, groups, eps)

	query := m.Query.Forward(ctx, x, 1, 1, 0, 0, 1, 1)
	query = query.Reshape(ctx, b, c, h*w).Permute(ctx, 0, 2, 1)

	key := m.Key.Forward(ctx, x, 1, 1, 0, 0, 1, 1)
	key = key.Reshape(ctx, b, c, h*w)

	value := m.Value.Forward(ctx, x, 1, 1, 0, 0, 1, 1)
	value = value.Reshape(ctx, b, c, h*w)

	// (b, hw, hw): row i holds the weights of position i over all positions
	kq := query.Matmul(ctx, key)
	kq = kq.Scale(ctx, 1/math.Sqrt(float64(c)))
	kq = kq.Softmax(ctx)

	kqv := value.Matmul(ctx, kq.Permute(ctx, 0, 2, 1))
	kqv = kqv.Reshape(ctx, b, c, h, w)

	return t.Add(ctx, m.Output.Forward(ctx, kqv, 1, 1, 0, 0, 1, 1))
}
