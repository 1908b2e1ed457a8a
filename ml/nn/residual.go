package nn

import "github.com/jmorganca/sdvae/ml"

// ResidualBlock is the pre-activation residual block of the VAE encoder:
//
//	x + conv2(silu(norm2(conv1(silu(norm1(x))))))
//
// Shortcut projects x with a 1x1 convolution when the block changes the channel count.
type ResidualBlock struct {
	Norm1    *GroupNorm `tensor:"norm1"`
	Conv1    *Conv2D    `tensor:"conv1"`
	Norm2    *GroupNorm `tensor:"norm2"`
	Conv2    *Conv2D    `tensor:"conv2"`
	Shortcut *Conv2D    `tensor:"nin_shortcut,alt:conv_shortcut,optional"`
}

func (m *ResidualBlock) Forward(ctx ml.Context, t ml.Tensor, groups int, eps float32) ml.Tensor {
	h := m.Norm1.Forward(ctx, t, groups, eps)
	h = SiLU(ctx, h)
	h = m.Conv1.Forward(ctx, h, 1, 1, 1, 1, 1, 1)

	h = m.Norm2.Forward(ctx, h, groups, eps)
	h = SiLU(ctx, h)
	h = m.Conv2.Forward(ctx, h, 1, 1, 1, 1, 1, 1)

	if m.Shortcut != nil {
		t = m.Shortcut.Forward(ctx, t, 1, 1, 0, 0, 1, 1)
	}

	return t.Add(ctx, h)
}
