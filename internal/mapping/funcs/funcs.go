// Package funcs implements the mapping engine's built-in template
// functions: the arithmetic/string helpers every mapping document can call,
// and the two functions the source shipped as dlopen plugins (double,
// storage), reimplemented here as ordinary Go functions since the mapping
// engine replaces dynamic plugin loading with a manifest-resolved registry
// (see internal/mapping/pluginmanifest).
package funcs

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mqttsuite/mqttsuite/internal/mapping/template"
)

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func toStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Double multiplies its single numeric argument by two. Grounded on the
// source's lib/plugins/double plugin.
func Double(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("double: expected 1 argument, got %d", len(args))
	}
	return toFloat(args[0]) * 2, nil
}

// Storage is a stateful accumulator function: storage(key, value) stores
// value under key and returns the previously stored value for that key (or
// nil on first use). Grounded on the source's lib/plugins/storage plugin.
type Storage struct {
	mu    sync.Mutex
	items map[string]any
}

// NewStorage returns an empty Storage accumulator.
func NewStorage() *Storage {
	return &Storage{items: make(map[string]any)}
}

// Func returns the template.Func closure bound to this Storage instance,
// ready for registration under the name "storage".
func (s *Storage) Func() template.Func {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("storage: expected 2 arguments (key, value), got %d", len(args))
		}
		key := toStr(args[0])
		s.mu.Lock()
		defer s.mu.Unlock()
		prev := s.items[key]
		s.items[key] = args[1]
		return prev, nil
	}
}

// Add returns the sum of its numeric arguments.
func Add(args []any) (any, error) {
	var sum float64
	for _, a := range args {
		sum += toFloat(a)
	}
	return sum, nil
}

// Upper uppercases its single string argument.
func Upper(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("upper: expected 1 argument, got %d", len(args))
	}
	return strings.ToUpper(toStr(args[0])), nil
}

// Lower lowercases its single string argument.
func Lower(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lower: expected 1 argument, got %d", len(args))
	}
	return strings.ToLower(toStr(args[0])), nil
}

// Now returns the current time formatted as RFC 3339. It is supplied by the
// caller at render time, not evaluated here, since the workflow sandbox
// forbids wall-clock access at template-parse time; the Engine's clock
// field (set by mapping.NewWithClock) is the caller-supplied time source.
func Now(clock func() time.Time) template.Func {
	return func(args []any) (any, error) {
		return clock().Format(time.RFC3339), nil
	}
}

// Builtins returns the default function table: arithmetic/string helpers
// plus the double and storage functions from the source's built-in plugin
// set. clock supplies the time source for now().
func Builtins(clock func() time.Time) template.FuncTable {
	storage := NewStorage()
	return template.FuncTable{
		"double": Double,
		"storage": storage.Func(),
		"add":     Add,
		"upper":   Upper,
		"lower":   Lower,
		"now":     Now(clock),
	}
}
