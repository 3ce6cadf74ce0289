// Package reify implements the Config Reifier (§4.L): turning a declarative
// `{module, export, opts}` mapping into live factories by looking each name
// up in a compile-time constructor registry, rather than a dynamic
// `import(name)` (§9: "replace with a compile-time plugin registry that maps
// string names to constructors").
//
// Grounded on the teacher's config.LoadConfig, which decodes a declarative
// JSON document into a typed struct up front rather than resolving anything
// dynamically; this package adds the one piece that file doesn't need: a
// name → constructor table, because this runtime's backends are pluggable.
package reify

import (
	"fmt"
	"path"
	"sort"

	"github.com/shovelrun/shovel/internal/shoveler"
)

// Entry is one `{module, export, opts}` triple from the declarative config
// (§6.1). Export is optional; an empty string selects the module's default
// export.
type Entry struct {
	Module string         `json:"module"`
	Export string         `json:"export,omitempty"`
	URL    string         `json:"url,omitempty"`
	Opts   map[string]any `json:"opts,omitempty"`
}

// Constructor builds an instance of T from opts.
type Constructor[T any] func(opts map[string]any) (T, error)

// key identifies one registered constructor: a module name plus an optional
// export name within it (mirroring the source's module/export pair).
type key struct {
	module string
	export string
}

// Registry is the compile-time plugin table the Reifier looks entries up
// against. It must be populated at process startup (typically in an
// init() alongside each concrete backend package) before any config is
// reified.
type Registry[T any] struct {
	constructors map[key]Constructor[T]
}

// NewRegistry constructs an empty constructor registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{constructors: make(map[key]Constructor[T])}
}

// Register adds a constructor for module (with export, or "" for the
// default export).
func (r *Registry[T]) Register(module, export string, ctor Constructor[T]) {
	r.constructors[key{module: module, export: export}] = ctor
}

// Reify resolves entry against the registry and returns a ready-to-call
// factory. It fails with shoveler.ConfigInvalid if the module or export is
// unknown.
func (r *Registry[T]) Reify(entry Entry) (func() (T, error), error) {
	ctor, ok := r.constructors[key{module: entry.Module, export: entry.Export}]
	if !ok {
		var zero func() (T, error)
		return zero, fmt.Errorf("%w: unresolved module %q export %q", shoveler.ConfigInvalid, entry.Module, entry.Export)
	}
	opts := mergeURL(entry)
	return func() (T, error) { return ctor(opts) }, nil
}

// mergeURL folds entry.URL (the `databases.<name>.url` field named in §6.1)
// into a copy of entry.Opts under the "url" key, so a Constructor need only
// read one map regardless of which config field carried it. entry.Opts
// itself is left untouched.
func mergeURL(entry Entry) map[string]any {
	if entry.URL == "" {
		return entry.Opts
	}
	merged := make(map[string]any, len(entry.Opts)+1)
	for k, v := range entry.Opts {
		merged[k] = v
	}
	merged["url"] = entry.URL
	return merged
}

// NamedSection is a `caches`/`directories`/`databases`-shaped section of the
// config: a map of name (possibly a glob pattern such as "api-*") to Entry.
type NamedSection map[string]Entry

// Resolve looks up name against section using the §4.L matching rule: exact
// match first, then the first glob pattern (in the section's insertion
// order) whose pattern matches name. insertionOrder must list every key of
// section exactly once, in the order they appeared in the source config —
// Go maps have no stable iteration order, so the caller (the config loader,
// which reads from an ordered source) must supply it.
func Resolve(section NamedSection, insertionOrder []string, name string) (Entry, bool) {
	if entry, ok := section[name]; ok {
		return entry, true
	}
	for _, pattern := range insertionOrder {
		if pattern == name {
			continue
		}
		entry, ok := section[pattern]
		if !ok {
			continue
		}
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return entry, true
		}
	}
	return Entry{}, false
}

// SortedKeys is a small helper for callers that want a deterministic
// insertion order when one genuinely doesn't matter beyond being stable
// (tests, debug dumps); real config loading should preserve true source
// order instead of sorting.
func SortedKeys(section NamedSection) []string {
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
