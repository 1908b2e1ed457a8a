package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	var b bytes.Buffer
	err := Write(&b, []Tensor{
		{Name: "encoder.conv_in.weight", Shape: []int{2, 1, 1, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "encoder.conv_in.bias", Shape: []int{2}, Data: []float32{-0.5, 0.5}, F16: true},
	}, map[string]string{"format": "pt"})
	require.NoError(t, err)

	require.Zero(t, (b.Len()-8)%8, "tensor data must be 8 byte aligned")

	f, err := NewFile(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	if diff := cmp.Diff(map[string]string{"format": "pt"}, f.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	var names []string
	for _, ti := range f.Tensors() {
		names = append(names, ti.Name)
	}

	if diff := cmp.Diff([]string{"encoder.conv_in.bias", "encoder.conv_in.weight"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	info, ok := f.Info("encoder.conv_in.bias")
	require.True(t, ok)
	require.Equal(t, "F16", info.DType)
	require.Equal(t, int64(4), info.Size())
	require.Equal(t, 2, info.Elements())

	weight, err := f.Read("encoder.conv_in.weight")
	require.NoError(t, err)
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, weight); diff != "" {
		t.Errorf("weight mismatch (-want +got):\n%s", diff)
	}

	bias, err := f.Read("encoder.conv_in.bias")
	require.NoError(t, err)
	if diff := cmp.Diff([]float32{-0.5, 0.5}, bias); diff != "" {
		t.Errorf("bias mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "vae.safetensors")
	w, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, Write(w, []Tensor{{Name: "quant_conv.bias", Shape: []int{3}, Data: []float32{1, 2, 3}}}, nil))
	require.NoError(t, w.Close())

	f, err := Open(p)
	require.NoError(t, err)
	defer f.Close()

	require.Nil(t, f.Metadata)
	got, err := f.Read("quant_conv.bias")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got)

	_, err = f.Read("missing")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteErrors(t *testing.T) {
	var b bytes.Buffer
	err := Write(&b, []Tensor{{Name: "a", Shape: []int{2, 2}, Data: []float32{1, 2, 3}}}, nil)
	require.Error(t, err)

	err = Write(&b, []Tensor{
		{Name: "a", Shape: []int{1}, Data: []float32{1}},
		{Name: "a", Shape: []int{1}, Data: []float32{2}},
	}, nil)
	require.ErrorContains(t, err, "duplicate")
}

func header(t *testing.T, h string, data []byte) []byte {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, int64(len(h))))
	b.WriteString(h)
	b.Write(data)
	return b.Bytes()
}

func TestReadErrors(t *testing.T) {
	t.Run("unsupported dtype", func(t *testing.T) {
		bts := header(t, `{"x":{"dtype":"I32","shape":[1],"data_offsets":[0,4]}}`, make([]byte, 4))
		f, err := NewFile(bytes.NewReader(bts))
		require.NoError(t, err)

		_, err = f.Read("x")
		if !errors.Is(err, ErrUnsupportedDType) {
			t.Errorf("expected ErrUnsupportedDType, got %v", err)
		}
	})

	t.Run("invalid offsets", func(t *testing.T) {
		bts := header(t, `{"x":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, make([]byte, 4))
		_, err := NewFile(bytes.NewReader(bts))
		require.ErrorContains(t, err, "invalid data offsets")
	})

	t.Run("invalid header length", func(t *testing.T) {
		bts := header(t, "", nil)
		_, err := NewFile(bytes.NewReader(bts))
		require.ErrorContains(t, err, "invalid header length")
	})

	t.Run("shape mismatch", func(t *testing.T) {
		bts := header(t, `{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`, make([]byte, 4))
		f, err := NewFile(bytes.NewReader(bts))
		require.NoError(t, err)

		_, err = f.Read("x")
		require.ErrorContains(t, err, "expected 2 values")
	})

	t.Run("truncated data", func(t *testing.T) {
		bts := header(t, `{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4))
		f, err := NewFile(bytes.NewReader(bts))
		require.NoError(t, err)

		_, err = f.Read("x")
		require.Error(t, err)
	})
}
