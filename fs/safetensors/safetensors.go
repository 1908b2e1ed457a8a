// Package safetensors reads and writes the safetensors file format: an 8 byte
// little endian header length, a JSON header describing each tensor and the raw
// little endian tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// headerLimit bounds the JSON header so a corrupt length cannot trigger a huge allocation.
const headerLimit = 100 << 20

var ErrUnsupportedDType = errors.New("unsupported data type")

type metadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// TensorInfo describes a single tensor in a safetensors file.
type TensorInfo struct {
	Name  string
	DType string
	Shape []int

	offset int64
	size   int64
}

// Elements returns the number of values in the tensor.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size returns the number of bytes used by the tensor data.
func (t TensorInfo) Size() int64 {
	return t.size
}

// File is an open safetensors file. Tensor data is read on demand.
type File struct {
	r        io.ReaderAt
	closer   io.Closer
	tensors  []TensorInfo
	index    map[string]int
	Metadata map[string]string
}

// Open opens the safetensors file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sf, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sf.closer = f
	return sf, nil
}

// NewFile parses the safetensors header from r.
func NewFile(r io.ReaderAt) (*File, error) {
	var n int64
	if err := binary.Read(io.NewSectionReader(r, 0, 8), binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n <= 0 || n > headerLimit {
		return nil, fmt.Errorf("invalid header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.Copy(b, io.NewSectionReader(r, 8, n)); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	f := File{r: r, index: make(map[string]int)}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	for _, key := range keys {
		if key == "__metadata__" {
			if err := json.Unmarshal(headers[key], &f.Metadata); err != nil {
				return nil, fmt.Errorf("metadata: %w", err)
			}
			continue
		}

		var value metadata
		if err := json.Unmarshal(headers[key], &value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		if len(value.Offsets) != 2 || value.Offsets[1] < value.Offsets[0] {
			return nil, fmt.Errorf("%s: invalid data offsets %v", key, value.Offsets)
		}

		shape := make([]int, len(value.Shape))
		for i := range value.Shape {
			shape[i] = int(value.Shape[i])
		}

		f.index[key] = len(f.tensors)
		f.tensors = append(f.tensors, TensorInfo{
			Name:   key,
			DType:  value.Type,
			Shape:  shape,
			offset: pad(n, value.Offsets[0]),
			size:   value.Offsets[1] - value.Offsets[0],
		})
	}

	return &f, nil
}

// pad returns the absolute position of a data offset given a header length n
func pad(n, offset int64) int64 {
	return 8 + n + offset
}

// Tensors returns the tensors of the file sorted by name.
func (f *File) Tensors() []TensorInfo {
	return f.tensors
}

// Info returns the description of the named tensor.
func (f *File) Info(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}

	return f.tensors[i], true
}

// Read decodes the named tensor into float32 values.
func (f *File) Read(name string) ([]float32, error) {
	t, ok := f.Info(name)
	if !ok {
		return nil, fmt.Errorf("tensor %q: %w", name, os.ErrNotExist)
	}

	sr := io.NewSectionReader(f.r, t.offset, t.size)

	var f32s []float32
	switch t.DType {
	case "F32":
		f32s = make([]float32, t.size/4)
		if err := binary.Read(sr, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, t.size/2)
		if err := binary.Read(sr, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, t.size)
		if _, err := io.ReadFull(sr, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("tensor %q: %w: %s", name, ErrUnsupportedDType, t.DType)
	}

	if len(f32s) != t.Elements() {
		return nil, fmt.Errorf("tensor %q: expected %d values, got %d", name, t.Elements(), len(f32s))
	}

	return f32s, nil
}

func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Tensor is a named float32 tensor to be written with Write.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32

	// F16 stores the values as half precision
	F16 bool
}

// Write serializes ts into w. Tensors are laid out in name order.
func Write(w io.Writer, ts []Tensor, meta map[string]string) error {
	ts = slices.Clone(ts)
	slices.SortFunc(ts, func(a, b Tensor) int {
		return strings.Compare(a.Name, b.Name)
	})

	headers := make(map[string]any, len(ts)+1)
	if len(meta) > 0 {
		headers["__metadata__"] = meta
	}

	var offset int64
	for _, t := range ts {
		n := 1
		for _, d := range t.Shape {
			n *= d
		}

		if n != len(t.Data) {
			return fmt.Errorf("tensor %q: shape %v does not match %d values", t.Name, t.Shape, len(t.Data))
		}

		if _, ok := headers[t.Name]; ok {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}

		dtype, size := "F32", int64(4)
		if t.F16 {
			dtype, size = "F16", 2
		}

		shape := make([]uint64, len(t.Shape))
		for i := range t.Shape {
			shape[i] = uint64(t.Shape[i])
		}

		headers[t.Name] = metadata{
			Type:    dtype,
			Shape:   shape,
			Offsets: []int64{offset, offset + int64(n)*size},
		}
		offset += int64(n) * size
	}

	bts, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// header is padded with spaces to keep tensor data 8 byte aligned
	if rem := len(bts) % 8; rem != 0 {
		bts = append(bts, bytes.Repeat([]byte(" "), 8-rem)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, t := range ts {
		if t.F16 {
			f16s := make([]uint16, len(t.Data))
			for i := range t.Data {
				f16s[i] = float16.Fromfloat32(t.Data[i]).Bits()
			}

			if err := binary.Write(w, binary.LittleEndian, f16s); err != nil {
				return err
			}
			continue
		}

		if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
			return err
		}
	}

	return nil
}
