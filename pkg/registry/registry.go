// Package registry holds the process-wide mapping from parser name to
// container-parser factory and registered plugins. It is populated once at
// startup, before any parse begins, and never mutated afterwards, so readers
// need no locking.
package registry

import (
	"fmt"
	"sort"

	"github.com/twinfer/artifex/pkg/container"
)

// ConfigurationError reports an invalid registration: a duplicate parser or
// plugin name, or a plugin bound to an unknown parser. These are fatal at
// startup, detected eagerly at registration time rather than at parse time.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "registry configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Factory builds a fresh container parser instance. Each call must return an
// independent parser owning its own decode context, so concurrent pipeline
// instances never share state.
type Factory func(opts ...container.Option) container.Parser

// ParserDescriptor binds a parser name to its factory and plugins.
type ParserDescriptor struct {
	Name    string
	Factory Factory
	Plugins []container.Plugin
}

// Registry is the write-once-at-startup parser/plugin table.
type Registry struct {
	parsers map[string]*ParserDescriptor
	order   []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{parsers: make(map[string]*ParserDescriptor)}
}

// RegisterParser adds a parser. A duplicate name is a ConfigurationError.
func (r *Registry) RegisterParser(name string, factory Factory) error {
	if name == "" {
		return configErrorf("parser with empty name")
	}
	if factory == nil {
		return configErrorf("parser %q has nil factory", name)
	}
	if _, exists := r.parsers[name]; exists {
		return configErrorf("parser %q registered twice", name)
	}
	r.parsers[name] = &ParserDescriptor{Name: name, Factory: factory}
	r.order = append(r.order, name)
	return nil
}

// RegisterPlugin attaches a plugin to a registered parser. Duplicate plugin
// names per parser and unknown parser names are ConfigurationErrors.
func (r *Registry) RegisterPlugin(parserName string, plugin container.Plugin) error {
	desc, exists := r.parsers[parserName]
	if !exists {
		return configErrorf("plugin %q references unknown parser %q", plugin.Name(), parserName)
	}
	for _, p := range desc.Plugins {
		if p.Name() == plugin.Name() {
			return configErrorf("plugin %q registered twice for parser %q", plugin.Name(), parserName)
		}
	}
	desc.Plugins = append(desc.Plugins, plugin)
	return nil
}

// MustRegisterParser is RegisterParser for init-time wiring, where a
// configuration error means the process cannot meaningfully start.
func (r *Registry) MustRegisterParser(name string, factory Factory) {
	if err := r.RegisterParser(name, factory); err != nil {
		panic(err)
	}
}

// MustRegisterPlugin is RegisterPlugin for init-time wiring.
func (r *Registry) MustRegisterPlugin(parserName string, plugin container.Plugin) {
	if err := r.RegisterPlugin(parserName, plugin); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for a parser name.
func (r *Registry) Lookup(name string) (*ParserDescriptor, bool) {
	desc, ok := r.parsers[name]
	return desc, ok
}

// Names returns all registered parser names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// SortedNames returns all registered parser names alphabetically, for stable
// display output.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
