package plugin

import (
	"fmt"
	"sort"
)

// Registry maps job kinds to plugins. It is built once at process start and
// never modified afterwards, so it is safe to share between goroutines.
type Registry struct {
	plugins map[string]Plugin
	names   []string
}

// NewRegistry validates and indexes plugins by name.
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if p.Name == "" {
			return nil, fmt.Errorf("plugin without name")
		}
		if p.Run == nil {
			return nil, fmt.Errorf("plugin %s has no run function", p.Name)
		}
		if _, dup := r.plugins[p.Name]; dup {
			return nil, fmt.Errorf("plugin %s registered twice", p.Name)
		}
		if p.Type == "" {
			p.Type = TypeProcessing
		}
		r.plugins[p.Name] = p
		r.names = append(r.names, p.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the plugin serving a job kind.
func (r *Registry) Get(kind string) (Plugin, bool) {
	p, ok := r.plugins[kind]
	return p, ok
}

// All returns plugins sorted by name.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.plugins[n])
	}
	return out
}
