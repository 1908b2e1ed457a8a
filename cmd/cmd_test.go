package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/sdvae/api"
	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/fs/safetensors"
)

func TestShowInfo(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, showInfo(&api.ShowResponse{
		Architecture:   "sd",
		Weights:        "/tmp/vae.safetensors",
		LatentChannels: 4,
		Scale:          0.18215,
		Downsample:     8,
		Stages:         []string{"conv_in", "quant_conv"},
		Parameters:     34_163_592,
		Tensors: []api.TensorInfo{
			{Name: "encoder.conv_in.weight", Shape: []int{128, 3, 3, 3}, DType: "F32"},
			{Name: "quant_conv.bias", Shape: []int{8}, DType: "F16"},
		},
	}, &b))

	expect := `  Encoder
    architecture       sd                      
    weights            /tmp/vae.safetensors    
    parameters         34.2M                   
    latent channels    4                       
    scale              0.18215                 
    downsample         8                       
    stages             2                       

  Tensors
    encoder.conv_in.weight    128x3x3x3    F32    
    quant_conv.bias           8            F16    

`
	if diff := cmp.Diff(expect, b.String()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestShowLatent(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, showLatent(&api.EncodeResponse{
		Shape:   []int{1, 4, 64, 64},
		Scale:   0.13025,
		Summary: api.Summary{Mean: 0.1, Std: 1.25, Min: -3.5, Max: 4},
	}, "latent.safetensors", &b))

	for _, want := range []string{
		"shape     1x4x64x64",
		"scale     0.13025",
		"mean      0.1000",
		"std       1.2500",
		"range     [-3.5000, 4.0000]",
		"output    latent.safetensors",
	} {
		assert.Contains(t, b.String(), want)
	}
}

func TestWriteLatent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "latent.safetensors")
	require.NoError(t, writeLatent(p, &api.EncodeResponse{
		Shape:  []int{1, 2, 1, 2},
		Latent: []float32{1, -2, 3.5, 0},
	}, map[string]string{"scale": "0.18215"}))

	f, err := safetensors.Open(p)
	require.NoError(t, err)
	defer f.Close()

	info, ok := f.Info("latent")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 1, 2}, info.Shape)
	assert.Equal(t, map[string]string{"scale": "0.18215"}, f.Metadata)

	data, err := f.Read("latent")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2, 3.5, 0}, data)
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})

	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, img))

	p := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(p, b.Bytes(), 0o644))
	return p
}

func TestEncodeRemote(t *testing.T) {
	var got api.EncodeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/encode", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.EncodeResponse{
			Shape:  []int{1, 4, 1, 1},
			Latent: []float32{0.5, -0.5, 1, -1},
			Scale:  0.18215,
		})
	}))
	defer srv.Close()

	t.Setenv("SDVAE_HOST", srv.URL)

	dir := t.TempDir()
	img := writePNG(t, dir)
	out := filepath.Join(dir, "latent.safetensors")

	cmd := NewCLI()
	var b bytes.Buffer
	cmd.SetOut(&b)
	cmd.SetArgs([]string{"encode", "--remote", "--seed", "42", "--size", "8", "-o", out, img})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	require.NotNil(t, got.Seed)
	assert.Equal(t, uint64(42), *got.Seed)
	assert.Equal(t, 8, got.Size)
	assert.Equal(t, "stretch", got.Fit)
	assert.NotEmpty(t, got.Image)
	assert.Contains(t, b.String(), "1x4x1x1")

	f, err := safetensors.Open(out)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "42", f.Metadata["seed"])
	assert.Equal(t, "0.18215", f.Metadata["scale"])

	data, err := f.Read("latent")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.5, 1, -1}, data)
}

func TestEncodeRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"height and width must be divisible by 8"}`))
	}))
	defer srv.Close()

	t.Setenv("SDVAE_HOST", srv.URL)

	cmd := NewCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"encode", "--remote", writePNG(t, t.TempDir())})

	err := cmd.ExecuteContext(context.Background())
	var statusErr api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, statusErr.ErrorMessage, "divisible by 8")
}

func TestEncodeFlags(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no images", []string{"encode"}, "requires at least 1 arg"},
		{"unknown fit", []string{"encode", "--fit", "crop", "image.png"}, `unknown fit "crop"`},
		{"remote batch", []string{"encode", "--remote", "a.png", "b.png"}, "one image at a time"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewCLI()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			assert.ErrorContains(t, cmd.ExecuteContext(context.Background()), tt.want)
		})
	}
}

func TestShowRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/show", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ShowResponse{
			Architecture:   "sdxl",
			LatentChannels: 4,
			Scale:          0.13025,
			Downsample:     8,
		})
	}))
	defer srv.Close()

	t.Setenv("SDVAE_HOST", srv.URL)

	cmd := NewCLI()
	var b bytes.Buffer
	cmd.SetOut(&b)
	cmd.SetArgs([]string{"show", "--remote"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, b.String(), "sdxl")
	assert.Contains(t, b.String(), "0.13025")
}

func TestAppendEnvDocs(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	vars := envconfig.AsMap()
	appendEnvDocs(cmd, []envconfig.EnvVar{vars["SDVAE_HOST"], vars["SDVAE_WEIGHTS"]})

	usage := cmd.UsageTemplate()
	assert.Contains(t, usage, "Environment Variables:")
	assert.True(t, strings.Contains(usage, "SDVAE_HOST") && strings.Contains(usage, "SDVAE_WEIGHTS"))

	before := cmd.UsageTemplate()
	appendEnvDocs(cmd, nil)
	assert.Equal(t, before, cmd.UsageTemplate())
}
