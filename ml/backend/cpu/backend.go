// Package cpu is a pure Go tensor backend. Elementwise math uses
// github.com/pdevine/tensor and matrix products use gonum's BLAS.
package cpu

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/sdvae/envconfig"
	"github.com/jmorganca/sdvae/format"
	"github.com/jmorganca/sdvae/fs/safetensors"
	"github.com/jmorganca/sdvae/ml"
)

// checkpointPrefix is prepended to VAE weights stored inside a full diffusion checkpoint.
const checkpointPrefix = "first_stage_model."

// Backend serves weights from a safetensors file. Weights are decoded on first use
// and shared read-only afterwards. The zero value is a backend without weights.
type Backend struct {
	f      *safetensors.File
	prefix string

	mu      sync.Mutex
	weights map[string]*Tensor
	errs    map[string]error
}

func New(path string) (ml.Backend, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}

	b := NewFromFile(f)

	var size int64
	for _, t := range f.Tensors() {
		size += t.Size()
	}

	slog.Info(
		"",
		"path", path,
		"num_tensors", len(f.Tensors()),
		"size", format.HumanBytes(size),
		"prefix", b.prefix,
		"num_threads", envconfig.NumThreads,
	)

	return b, nil
}

// NewFromFile wraps an open safetensors file. The backend takes ownership of f.
func NewFromFile(f *safetensors.File) *Backend {
	b := Backend{f: f, weights: make(map[string]*Tensor), errs: make(map[string]error)}

	// checkpoints that bundle the VAE with the rest of the pipeline prefix its weights
	if _, ok := f.Info("encoder.conv_in.weight"); !ok {
		if _, ok := f.Info(checkpointPrefix + "encoder.conv_in.weight"); ok {
			b.prefix = checkpointPrefix
		}
	}

	return &b
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) Get(name string) ml.Tensor {
	if b.f == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.weights[name]; ok {
		return t
	}

	info, ok := b.f.Info(b.prefix + name)
	if !ok {
		return nil
	}

	data, err := b.f.Read(info.Name)
	if err != nil {
		slog.Error("failed to read tensor", "name", info.Name, "error", err)
		b.errs[name] = err
		return nil
	}

	shape := info.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}

	t := fromFloats(data, shape...)
	b.weights[name] = t
	return t
}

func (b *Backend) Shape(name string) ([]int, bool) {
	if b.f == nil {
		return nil, false
	}

	info, ok := b.f.Info(b.prefix + name)
	if !ok {
		return nil, false
	}

	return info.Shape, true
}

// Err joins the errors of every weight Get failed to read.
func (b *Backend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.errs))
	for name := range b.errs {
		names = append(names, name)
	}
	slices.Sort(names)

	errs := make([]error, len(names))
	for i, name := range names {
		errs[i] = b.errs[name]
	}

	return errors.Join(errs...)
}

// Names returns the weight names without any checkpoint prefix.
func (b *Backend) Names() []string {
	if b.f == nil {
		return nil
	}

	var names []string
	for _, t := range b.f.Tensors() {
		if name, ok := strings.CutPrefix(t.Name, b.prefix); ok {
			names = append(names, name)
		}
	}

	slices.Sort(names)
	return names
}

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

func (b *Backend) Close() error {
	if b.f == nil {
		return nil
	}

	b.mu.Lock()
	clear(b.weights)
	b.mu.Unlock()
	return b.f.Close()
}

// Context tracks the memory allocated by the operations executed with it.
type Context struct {
	allocated atomic.Int64
}

// NewContext returns a context that is not tied to any weights.
func NewContext() *Context {
	return &Context{}
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	if dtype != ml.DTypeF32 {
		panic("cpu: unsupported dtype " + dtype.String())
	}

	return c.track(fromFloats(make([]float32, ml.Elements(shape...)), shape...))
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	return c.track(fromFloats(slices.Clone(s), shape...)), nil
}

// Allocated returns the number of bytes allocated by tensors created with c.
func (c *Context) Allocated() int64 {
	return c.allocated.Load()
}

func (c *Context) Close() error {
	slog.Debug("context closed", "allocated", format.HumanBytes(c.Allocated()))
	return nil
}

func (c *Context) track(t *Tensor) *Tensor {
	c.allocated.Add(int64(t.t.Shape().TotalSize()) * 4)
	return t
}

// track accounts t against ctx when ctx belongs to this backend.
func track(ctx ml.Context, t tensor.Tensor) *Tensor {
	tt := dense(t)
	if c, ok := ctx.(*Context); ok {
		return c.track(tt)
	}

	return tt
}
