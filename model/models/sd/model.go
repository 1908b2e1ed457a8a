// Package sd implements the encoder half of the Stable Diffusion autoencoder.
// Weights may use either the original checkpoint names or diffusers names.
package sd

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jmorganca/sdvae/fs"
	"github.com/jmorganca/sdvae/ml"
	"github.com/jmorganca/sdvae/ml/nn"
	"github.com/jmorganca/sdvae/model"
	"github.com/jmorganca/sdvae/model/vae"
)

type Options struct {
	blockOut       []int
	layersPerBlock int
	groups         int
	eps            float32
}

type DownBlock struct {
	Blocks     []nn.ResidualBlock `tensor:"block,alt:resnets"`
	Downsample *nn.Conv2D         `tensor:"downsample.conv,alt:downsamplers.0.conv,optional"`
}

type MidBlock struct {
	Block1    *nn.ResidualBlock  `tensor:"block_1,alt:resnets.0"`
	Attention *nn.AttentionBlock `tensor:"attn_1,alt:attentions.0"`
	Block2    *nn.ResidualBlock  `tensor:"block_2,alt:resnets.1"`
}

type Encoder struct {
	ConvIn  *nn.Conv2D    `tensor:"conv_in"`
	Down    []DownBlock   `tensor:"down,alt:down_blocks"`
	Mid     *MidBlock     `tensor:"mid,alt:mid_block"`
	NormOut *nn.GroupNorm `tensor:"norm_out,alt:conv_norm_out"`
	ConvOut *nn.Conv2D    `tensor:"conv_out"`
}

type Model struct {
	model.Base

	Encoder   *Encoder   `tensor:"encoder"`
	QuantConv *nn.Conv2D `tensor:"quant_conv"`

	*Options
}

var scales = map[string]float32{
	"sd":   vae.DefaultScale,
	"sdxl": 0.13025,
}

// New returns an empty model shaped by c. Keys follow the diffusers
// AutoencoderKL config.
func New(c fs.Config) (model.Model, error) {
	if n := c.Uint("in_channels", vae.ImageChannels); n != vae.ImageChannels {
		return nil, fmt.Errorf("sd: unsupported in_channels %d", n)
	}

	var blockOut []int
	for _, n := range c.Uints("block_out_channels", []uint32{128, 256, 512, 512}) {
		blockOut = append(blockOut, int(n))
	}

	opts := Options{
		blockOut:       blockOut,
		layersPerBlock: int(c.Uint("layers_per_block", 2)),
		groups:         int(c.Uint("norm_num_groups", 32)),
		eps:            1e-6,
	}

	if len(opts.blockOut) == 0 || opts.layersPerBlock == 0 || opts.groups == 0 {
		return nil, fmt.Errorf("sd: invalid config: block_out_channels=%v layers_per_block=%d norm_num_groups=%d", opts.blockOut, opts.layersPerBlock, opts.groups)
	}

	if i := slices.IndexFunc(opts.blockOut, func(n int) bool { return n%opts.groups != 0 }); i >= 0 {
		return nil, fmt.Errorf("sd: block_out_channels[%d]=%d is not divisible by norm_num_groups=%d", i, opts.blockOut[i], opts.groups)
	}

	m := Model{
		Encoder: &Encoder{
			Down: make([]DownBlock, len(opts.blockOut)),
		},
		Options: &opts,
	}

	for i := range m.Encoder.Down {
		m.Encoder.Down[i].Blocks = make([]nn.ResidualBlock, opts.layersPerBlock)
	}

	m.LatentChannels = int(c.Uint("latent_channels", vae.DefaultLatentChannels))
	m.Scale = float64(c.Float("scaling_factor", scales[c.Architecture()]))
	return &m, nil
}

// Validate checks the loaded weights against the configured layout.
func (m *Model) Validate() error {
	var errs []error
	for i, down := range m.Encoder.Down {
		if i < len(m.Encoder.Down)-1 && down.Downsample == nil {
			errs = append(errs, fmt.Errorf("sd: down block %d has no downsample", i))
		}
	}

	if got := m.Encoder.ConvIn.Weight.Shape(); len(got) != 4 || got[0] != m.blockOut[0] || got[1] != vae.ImageChannels {
		errs = append(errs, fmt.Errorf("sd: conv_in weight has shape %v, expected [%d %d 3 3]", got, m.blockOut[0], vae.ImageChannels))
	}

	if got := m.QuantConv.Weight.Dim(0); got != 2*m.LatentChannels {
		errs = append(errs, fmt.Errorf("sd: quant_conv has %d output channels, expected %d", got, 2*m.LatentChannels))
	}

	return errors.Join(errs...)
}

// Stages lists the encoder layers in order. Every down block but the last halves
// the resolution with a stride 2 convolution over its bottom-right padded input.
func (m *Model) Stages() []vae.Stage {
	groups, eps := m.groups, m.eps

	residual := func(block *nn.ResidualBlock) func(ml.Context, ml.Tensor) ml.Tensor {
		return func(ctx ml.Context, t ml.Tensor) ml.Tensor {
			return block.Forward(ctx, t, groups, eps)
		}
	}

	stages := []vae.Stage{{
		Name: "conv_in",
		Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
			return m.Encoder.ConvIn.Forward(ctx, t, 1, 1, 1, 1, 1, 1)
		},
	}}

	for i := range m.Encoder.Down {
		down := &m.Encoder.Down[i]
		for j := range down.Blocks {
			stages = append(stages, vae.Stage{
				Name:    fmt.Sprintf("down.%d.block.%d", i, j),
				Forward: residual(&down.Blocks[j]),
			})
		}

		if i < len(m.Encoder.Down)-1 {
			stages = append(stages, vae.Stage{
				Name: fmt.Sprintf("down.%d.downsample", i),
				Pad:  vae.PadBottomRight,
				Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
					return down.Downsample.Forward(ctx, t, 2, 2, 0, 0, 1, 1)
				},
			})
		}
	}

	mid := m.Encoder.Mid
	return append(stages,
		vae.Stage{Name: "mid.block_1", Forward: residual(mid.Block1)},
		vae.Stage{
			Name: "mid.attn_1",
			Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
				return mid.Attention.Forward(ctx, t, groups, eps)
			},
		},
		vae.Stage{Name: "mid.block_2", Forward: residual(mid.Block2)},
		vae.Stage{
			Name: "norm_out",
			Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
				return m.Encoder.NormOut.Forward(ctx, t, groups, eps)
			},
		},
		vae.Stage{Name: "silu", Forward: nn.SiLU},
		vae.Stage{
			Name: "conv_out",
			Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
				return m.Encoder.ConvOut.Forward(ctx, t, 1, 1, 1, 1, 1, 1)
			},
		},
		vae.Stage{
			Name: "quant_conv",
			Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
				return m.QuantConv.Forward(ctx, t, 1, 1, 0, 0, 1, 1)
			},
		},
	)
}

func init() {
	model.Register("sd", New)
	model.Register("sdxl", New)
}
