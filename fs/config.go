package fs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
)

// Config exposes architecture parameters. Missing or mistyped keys return the
// first default value, or the zero value when none is given.
type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32

	Uints(string, ...[]uint32) []uint32
}

// KV is a Config backed by a decoded JSON object such as a diffusers config.json.
type KV map[string]any

// ReadConfig reads the JSON config at path for architecture arch. A missing file
// yields a config with defaults only.
func ReadConfig(path, arch string) (KV, error) {
	kv := KV{}

	bts, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config not found, using defaults", "path", path)
	} else if err != nil {
		return nil, err
	} else if err := json.Unmarshal(bts, &kv); err != nil {
		return nil, err
	}

	kv["architecture"] = arch
	return kv, nil
}

func (kv KV) Architecture() string {
	return kv.String("architecture", "unknown")
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, ok := keyValue(kv, key, float64(0))
	if !ok || val < 0 {
		return append(defaultValue, 0)[0]
	}

	return uint32(val)
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, ok := keyValue(kv, key, float64(0))
	if !ok {
		return append(defaultValue, 0)[0]
	}

	return float32(val)
}

func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	vals, ok := keyValue(kv, key, []any(nil))
	if !ok {
		return append(defaultValue, nil)[0]
	}

	s := make([]uint32, len(vals))
	for i, v := range vals {
		f, ok := v.(float64)
		if !ok || f < 0 {
			slog.Debug("invalid array value", "key", key, "value", v)
			return append(defaultValue, nil)[0]
		}

		s[i] = uint32(f)
	}

	return s
}

// keyValue returns kv[key] when it holds a T. JSON numbers decode as float64.
func keyValue[T string | float64 | []any](kv KV, key string, defaultValue ...T) (T, bool) {
	if val, ok := kv[key].(T); ok {
		return val, true
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}
