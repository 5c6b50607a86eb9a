// Package recipe reads the few fields the orchestration core needs out of the
// otherwise opaque recipe documents attached to component changes.
package recipe

// DependencyKind classifies a declared dependency
type DependencyKind string

const (
	KindRequire     DependencyKind = "require"
	KindIncorporate DependencyKind = "incorporate"
	KindOptional    DependencyKind = "optional"
)

// Dependency is one declared dependency inside a recipe document. Dev marks
// runtime/dev-only dependencies that impose no build ordering.
type Dependency struct {
	Name string         `json:"name"`
	Kind DependencyKind `json:"kind"`
	Dev  bool           `json:"dev"`
}

// Dependencies extracts the declared dependency list from a recipe document.
// The rest of the document is never interpreted by the core. Entries that do
// not carry a name are skipped.
func Dependencies(doc map[string]any) []Dependency {
	if doc == nil {
		return nil
	}
	raw, ok := doc["dependencies"]
	if !ok {
		return nil
	}

	var deps []Dependency
	for _, entry := range toSlice(raw) {
		m := toMap(entry)
		if m == nil {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		dep := Dependency{Name: name, Kind: KindRequire}
		if kind, ok := m["kind"].(string); ok && kind != "" {
			dep.Kind = DependencyKind(kind)
		}
		if dev, ok := m["dev"].(bool); ok {
			dep.Dev = dev
		}
		deps = append(deps, dep)
	}
	return deps
}

// BuildDependencies returns the names of the build-time dependencies declared
// in a recipe document. Dev dependencies are excluded: they never constrain
// build ordering.
func BuildDependencies(doc map[string]any) []string {
	deps := Dependencies(doc)
	if len(deps) == 0 {
		return nil
	}
	names := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep.Dev {
			continue
		}
		names = append(names, dep.Name)
	}
	return names
}

// Name returns the component name declared in the recipe document, if any.
func Name(doc map[string]any) string {
	if doc == nil {
		return ""
	}
	name, _ := doc["name"].(string)
	return name
}

// toSlice normalizes the two shapes a dependency list shows up in: []any
// after a JSON round trip, []map[string]any when built in process.
func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out
	}
	return nil
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
