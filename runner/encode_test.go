package runner

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/jmorganca/sdvae/api"
	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/fs/safetensors"
	"github.com/jmorganca/sdvae/ml"
	"github.com/jmorganca/sdvae/ml/nn"
	"github.com/jmorganca/sdvae/model"
	"github.com/jmorganca/sdvae/model/vae"
)

type tinyModel struct {
	model.Base

	ConvIn *nn.Conv2D `tensor:"encoder.conv_in"`
	Down   *nn.Conv2D `tensor:"encoder.down"`
	Out    *nn.Conv2D `tensor:"quant_conv"`
}

func (m *tinyModel) Stages() []vae.Stage {
	return []vae.Stage{
		{Name: "conv_in", Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
			return m.ConvIn.Forward(ctx, t, 1, 1, 1, 1, 1, 1)
		}},
		{Name: "down", Pad: vae.PadBottomRight, Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
			return m.Down.Forward(ctx, t, 2, 2, 0, 0, 1, 1)
		}},
		{Name: "out", Forward: func(ctx ml.Context, t ml.Tensor) ml.Tensor {
			return m.Out.Forward(ctx, t, 1, 1, 0, 0, 1, 1)
		}},
	}
}

// countingBackend records the weights read through Get.
type countingBackend struct {
	ml.Backend
	gets []string
}

func (b *countingBackend) Get(name string) ml.Tensor {
	b.gets = append(b.gets, name)
	return b.Backend.Get(name)
}

func newTinyModel(t *testing.T) model.Model {
	t.Helper()
	m, _ := newCountingModel(t)
	return m
}

func newCountingModel(t *testing.T) (model.Model, *countingBackend) {
	t.Helper()

	r := rand.New(rand.NewSource(1))
	random := func(name string, shape ...int) safetensors.Tensor {
		data := make([]float32, ml.Elements(shape...))
		for i := range data {
			data[i] = (r.Float32()*2 - 1) * 0.3
		}
		return safetensors.Tensor{Name: name, Shape: shape, Data: data}
	}

	p := filepath.Join(t.TempDir(), "vae.safetensors")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, safetensors.Write(f, []safetensors.Tensor{
		random("encoder.conv_in.weight", 8, 3, 3, 3),
		random("encoder.conv_in.bias", 8),
		random("encoder.down.weight", 8, 8, 3, 3),
		random("encoder.down.bias", 8),
		random("quant_conv.weight", 8, 8, 1, 1),
		random("quant_conv.bias", 8),
		random("decoder.conv_in.weight", 8, 4, 3, 3),
	}, nil))
	require.NoError(t, f.Close())

	cpu, err := ml.NewBackend("cpu", p)
	require.NoError(t, err)
	t.Cleanup(func() { cpu.Close() })

	b := &countingBackend{Backend: cpu}
	m := &tinyModel{}
	m.LatentChannels = 4
	m.Scale = vae.DefaultScale
	require.NoError(t, model.Populate(b, m))
	return m, b
}

// untouched fails the test if an encode reads its pixels.
type untouched struct {
	image.Image
	t *testing.T
}

func (u untouched) Bounds() image.Rectangle {
	u.t.Fatal("image was prepared")
	return image.Rectangle{}
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	return img
}

func TestEncode(t *testing.T) {
	m := newTinyModel(t)
	seed := uint64(42)

	var stages []string
	result, err := Encode(m, Request{
		Images: []image.Image{gradient(20, 12), gradient(16, 16)},
		Size:   16,
		Seed:   &seed,
		Hook: func(i, n int, name string) {
			require.Equal(t, 3, n)
			stages = append(stages, name)
		},
	})
	require.NoError(t, err)

	require.Equal(t, []int{2, 4, 8, 8}, result.Shape)
	require.Len(t, result.Latent, 2*4*8*8)
	require.Equal(t, []string{"conv_in", "down", "out"}, stages)
	require.InDelta(t, vae.DefaultScale, result.Scale, 1e-9)
	require.LessOrEqual(t, result.Summary.Min, result.Summary.Max)

	again, err := Encode(m, Request{
		Images: []image.Image{gradient(20, 12), gradient(16, 16)},
		Size:   16,
		Seed:   &seed,
	})
	require.NoError(t, err)

	if diff := cmp.Diff(result.Latent, again.Latent); diff != "" {
		t.Errorf("same seed gave different latents (-first +second):\n%s", diff)
	}
}

func TestEncodeMeanOnly(t *testing.T) {
	m := newTinyModel(t)

	seeds := []uint64{1, 2}
	var latents [][]float32
	for _, seed := range seeds {
		result, err := Encode(m, Request{
			Images:   []image.Image{gradient(8, 8)},
			Size:     8,
			Seed:     &seed,
			MeanOnly: true,
		})
		require.NoError(t, err)
		require.Equal(t, []int{1, 4, 4, 4}, result.Shape)
		latents = append(latents, result.Latent)
	}

	if diff := cmp.Diff(latents[0], latents[1]); diff != "" {
		t.Errorf("mean does not depend on the seed (-seed1 +seed2):\n%s", diff)
	}
}

func TestEncodeErrors(t *testing.T) {
	m := newTinyModel(t)

	cases := []struct {
		name string
		req  Request
		is   error
	}{
		{"no images", Request{}, ErrInvalidRequest},
		{"unknown fit", Request{Images: []image.Image{gradient(8, 8)}, Size: 8, Fit: "crop"}, ErrInvalidRequest},
		{"negative size", Request{Images: []image.Image{gradient(8, 8)}, Size: -8}, ErrInvalidRequest},
		{"odd size", Request{Images: []image.Image{gradient(8, 8)}, Size: 7}, vae.ErrShape},
		{"odd size before resize", Request{Images: []image.Image{untouched{t: t}}, Size: 7}, vae.ErrShape},
		{"oversized", Request{Images: []image.Image{untouched{t: t}}, Size: 100_000}, ErrInvalidRequest},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Encode(m, tt.req)
			require.Nil(t, result)
			require.True(t, errors.Is(err, tt.is), "got %v", err)
		})
	}
}

func TestEncodeMaxSize(t *testing.T) {
	m := newTinyModel(t)

	maxSize := envconfig.MaxSize
	t.Cleanup(func() { envconfig.MaxSize = maxSize })
	envconfig.MaxSize = 8

	_, err := Encode(m, Request{Images: []image.Image{gradient(8, 8)}, Size: 8})
	require.NoError(t, err)

	_, err = Encode(m, Request{Images: []image.Image{untouched{t: t}}, Size: 16})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorContains(t, err, "between 1 and 8")

	// the default size is bounded too
	_, err = Encode(m, Request{Images: []image.Image{untouched{t: t}}})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDescribe(t *testing.T) {
	m, b := newCountingModel(t)
	b.gets = nil

	resp := Describe(m, "tiny", "vae.safetensors")
	require.Equal(t, "tiny", resp.Architecture)
	require.Equal(t, 4, resp.LatentChannels)
	require.Equal(t, 2, resp.Downsample)
	require.Equal(t, []string{"conv_in", "down", "out"}, resp.Stages)

	require.Equal(t, []api.TensorInfo{
		{Name: "encoder.conv_in.bias", Shape: []int{8}},
		{Name: "encoder.conv_in.weight", Shape: []int{8, 3, 3, 3}},
		{Name: "encoder.down.bias", Shape: []int{8}},
		{Name: "encoder.down.weight", Shape: []int{8, 8, 3, 3}},
		{Name: "quant_conv.bias", Shape: []int{8}},
		{Name: "quant_conv.weight", Shape: []int{8, 8, 1, 1}},
	}, resp.Tensors)
	require.Equal(t, uint64(880), resp.Parameters)
	require.Empty(t, b.gets, "describe should not read weight data")
}
