// Package plugins defines how cacheable kinds are bundled and installed
package plugins

import (
	"fmt"
	"sort"

	"github.com/briangreenhill/refreshcache/engine"
)

// Plugin defines the minimal interface that every kind provider must implement
type Plugin interface {
	// Name returns the name of the plugin (e.g., "resource")
	Name() string

	// Install registers the plugin's kinds with m
	Install(m *engine.Manager) error
}

// Registry manages available plugins
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry creates a new plugin registry
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
	}
}

// Register adds a plugin to the registry
func (r *Registry) Register(plugin Plugin) {
	r.plugins[plugin.Name()] = plugin
}

// GetPlugin retrieves a plugin by name
func (r *Registry) GetPlugin(name string) (Plugin, bool) {
	plugin, exists := r.plugins[name]
	return plugin, exists
}

// List returns all registered plugin names in order
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstallAll installs every registered plugin into m, in name order
func (r *Registry) InstallAll(m *engine.Manager) error {
	for _, name := range r.List() {
		if err := r.plugins[name].Install(m); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}
