package model

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/jmorganca/sdvae/fs"
	"github.com/jmorganca/sdvae/ml"
	_ "github.com/jmorganca/sdvae/ml/backend"
	"github.com/jmorganca/sdvae/model/vae"
)

var ErrMissingTensors = errors.New("missing tensors")

// Model implements a specific encoder architecture, defining its stages and any
// architecture specific configuration
type Model interface {
	Stages() []vae.Stage

	Backend() ml.Backend
	Config() config
}

// Validator is implemented by models that check their weights after loading.
type Validator interface {
	Validate() error
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
	config
}

type config struct {
	LatentChannels int
	Scale          float64
}

// Backend returns the underlying backend that holds the model weights
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() config {
	return m.config
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures returns the names of the registered architectures.
func Architectures() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

// New loads the weights at path for the architecture arch. A config.json next to the
// weights overrides the architecture defaults.
func New(path, arch string) (Model, error) {
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	c, err := fs.ReadConfig(filepath.Join(filepath.Dir(path), "config.json"), arch)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	b, err := ml.NewBackend("cpu", path)
	if err != nil {
		return nil, err
	}

	m, err := f(c)
	if err != nil {
		b.Close()
		return nil, err
	}

	if err := Populate(b, m); err != nil {
		b.Close()
		return nil, err
	}

	slog.Info("model loaded", "architecture", arch, "stages", len(m.Stages()), "latent_channels", m.Config().LatentChannels, "scale", m.Config().Scale)
	return m, nil
}

// Populate sets the tensor fields of m from b using their struct tags.
func Populate(b ml.Backend, m Model) error {
	p := populator{base: Base{b: b, config: m.Config()}}

	v := reflect.ValueOf(m)
	v.Elem().Set(p.populateFields(v.Elem()))

	if err := b.Err(); err != nil {
		return fmt.Errorf("read weights: %w", err)
	}

	if len(p.missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingTensors, strings.Join(p.missing, ", "))
	}

	if mv, ok := m.(Validator); ok {
		return mv.Validate()
	}

	return nil
}

// NewEncoder returns a latent encoder running the stages of m with its latent
// channel count and scale.
func NewEncoder(m Model, opts ...vae.Option) *vae.Encoder {
	c := m.Config()
	return vae.NewEncoder(m.Stages(), append([]vae.Option{
		vae.WithLatentChannels(c.LatentChannels),
		vae.WithScale(c.Scale),
	}, opts...)...)
}

type populator struct {
	base Base

	// missing lists required tensors the backend does not have
	missing []string
}

func (p *populator) populateFields(v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := slices.Clone(tags)
			if tag := t.Field(i).Tag.Get("tensor"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(p.base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return [][]string{nil}
					}

					for _, name := range append([]string{tags[0].Name}, tags[0].Alternate...) {
						for _, rest := range fn(tags[1:]) {
							values = append(values, append([]string{name}, rest...))
						}
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := p.base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "name", strings.Join(name, "."), "shape", tensor.Shape())
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}

				if vv.IsNil() && !slices.ContainsFunc(tagsCopy, func(t Tag) bool { return t.Optional }) {
					p.missing = append(p.missing, strings.Join(names[0], "."))
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				p.setPointer(vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						p.setPointer(vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(p.populateFields(vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func (p *populator) setPointer(v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := p.populateFields(vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string

	// Optional tensors may be absent from the weights
	Optional bool
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			} else if part == "optional" {
				tag.Optional = true
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}
