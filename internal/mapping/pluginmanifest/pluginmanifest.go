// Package pluginmanifest resolves a mapping document's "plugins" array
// against a small built-in function registry, replacing the source's
// dlopen-based plugin loader: Go's plugin package requires cgo and
// Linux-only shared objects, a poor match for a portable mapping engine.
// Each manifest entry names a function the template language may call;
// unknown names are logged and skipped rather than failing mapping-document
// load, exactly as the source logs and continues past a plugin that fails
// to dlopen.
package pluginmanifest

import (
	"log/slog"

	"github.com/mqttsuite/mqttsuite/internal/mapping/template"
)

// Entry is one "plugins[]" manifest entry: {"name": "double"}.
type Entry struct {
	Name string `json:"name"`
}

// Resolve looks up each entry's name in registry and returns the subset of
// the function table that was found, registering a slog warning for every
// entry that names an unknown function.
func Resolve(entries []Entry, registry template.FuncTable) template.FuncTable {
	out := make(template.FuncTable, len(entries))
	for _, e := range entries {
		fn, ok := registry[e.Name]
		if !ok {
			slog.Warn("mapping: plugin manifest names an unknown function, skipping", "name", e.Name)
			continue
		}
		out[e.Name] = fn
	}
	return out
}
