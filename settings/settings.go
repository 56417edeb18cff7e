// Package settings implements the settings source consumed by the apartment
// runtime, a string keyed lookup of string, int, bool, and duration values.
//
// Keys are dot separated, e.g. "timer.priority". Sources may be populated
// programmatically, or from TOML documents, where tables map onto key
// prefixes:
//
//	[timer]
//	priority = "high"
//	max_sleep = "30s"
package settings

import (
	"fmt"
	"io"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

type (
	// Source is a read-only settings lookup. The boolean result reports
	// whether the key was present and convertible to the requested type.
	Source interface {
		String(key string) (string, bool)
		Int(key string) (int, bool)
		Bool(key string) (bool, bool)
		Duration(key string) (time.Duration, bool)
	}

	// Map is a concurrency-safe, in-memory Source. The zero value is ready
	// to use.
	Map struct {
		values map[string]any
		mu     sync.RWMutex
	}
)

var _ Source = (*Map)(nil)

// NewMap returns a Map initialized with a copy of values.
func NewMap(values map[string]any) *Map {
	m := &Map{values: make(map[string]any, len(values))}
	maps.Copy(m.values, values)
	return m
}

// LoadTOML decodes a TOML document into a new Map, flattening nested tables
// into dot separated keys.
func LoadTOML(r io.Reader) (*Map, error) {
	var doc map[string]any
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf(`settings: decode toml: %w`, err)
	}
	m := &Map{values: make(map[string]any)}
	flatten(m.values, ``, doc)
	return m, nil
}

func flatten(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		if prefix != `` {
			k = prefix + `.` + k
		}
		if table, ok := v.(map[string]any); ok {
			flatten(dst, k, table)
			continue
		}
		dst[k] = v
	}
}

// Set stores a value, overwriting any existing value.
func (x *Map) Set(key string, value any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.values == nil {
		x.values = make(map[string]any)
	}
	x.values[key] = value
}

// InstallDefaults stores each of defaults that is not already present. It is
// the hook used to register component defaults without clobbering values
// loaded from configuration.
func (x *Map) InstallDefaults(defaults map[string]any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.values == nil {
		x.values = make(map[string]any, len(defaults))
	}
	for k, v := range defaults {
		if _, ok := x.values[k]; !ok {
			x.values[k] = v
		}
	}
}

func (x *Map) get(key string) (any, bool) {
	if x == nil {
		return nil, false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.values[key]
	return v, ok
}

// String implements Source.
func (x *Map) String(key string) (string, bool) {
	v, ok := x.get(key)
	if !ok {
		return ``, false
	}
	switch v := v.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	case int, int64, bool, float64:
		return fmt.Sprint(v), true
	default:
		return ``, false
	}
}

// Int implements Source.
func (x *Map) Int(key string) (int, bool) {
	v, ok := x.get(key)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		i, err := strconv.Atoi(v)
		return i, err == nil
	default:
		return 0, false
	}
}

// Bool implements Source.
func (x *Map) Bool(key string) (bool, bool) {
	v, ok := x.get(key)
	if !ok {
		return false, false
	}
	switch v := v.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

// Duration implements Source. Strings are parsed with time.ParseDuration,
// integers are interpreted as milliseconds.
func (x *Map) Duration(key string) (time.Duration, bool) {
	v, ok := x.get(key)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case time.Duration:
		return v, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	default:
		return 0, false
	}
}
