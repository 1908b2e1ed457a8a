package runner

import (
	"strings"

	"github.com/jmorganca/sdvae/api"
	"github.com/jmorganca/sdvae/ml"
	"github.com/jmorganca/sdvae/model"
	"github.com/jmorganca/sdvae/model/vae"
)

// encoderPrefixes select the weights used by the encoder. Decoder weights stay unread.
var encoderPrefixes = []string{"encoder.", "quant_conv."}

// Describe lists the stages and encoder tensors of m.
func Describe(m model.Model, arch, weights string) *api.ShowResponse {
	stages := m.Stages()

	resp := api.ShowResponse{
		Architecture:   arch,
		Weights:        weights,
		LatentChannels: m.Config().LatentChannels,
		Scale:          m.Config().Scale,
		Downsample:     vae.Downsample(stages),
	}

	for _, s := range stages {
		resp.Stages = append(resp.Stages, s.Name)
	}

	b := m.Backend()
	for _, name := range b.Names() {
		if !hasAnyPrefix(name, encoderPrefixes) {
			continue
		}

		shape, ok := b.Shape(name)
		if !ok {
			continue
		}

		resp.Tensors = append(resp.Tensors, api.TensorInfo{Name: name, Shape: shape})
		resp.Parameters += uint64(ml.Elements(shape...))
	}

	return &resp
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
