package plugin

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zakandrewking/traylive/internal/activity"
)

// Instance is anything the tray can hold. Plugins embedding *Plugin
// override Close to release their own resources.
type Instance interface {
	Base() *Plugin
	Close()
}

// Base lets *Plugin itself satisfy Instance
func (p *Plugin) Base() *Plugin { return p }

// Registry manages the plugins shown in the tray, by name
type Registry struct {
	plugins map[string]Instance
	mu      sync.RWMutex
}

// NewRegistry creates an empty tray registry
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Instance),
	}
}

// Add registers a plugin under its name
func (r *Registry) Add(inst Instance) error {
	name := inst.Base().Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.plugins[name] = inst
	return nil
}

// Get retrieves a plugin by name
func (r *Registry) Get(name string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.plugins[name]
	if !exists {
		return nil, fmt.Errorf("plugin %q not found", name)
	}
	return inst, nil
}

// Ping forwards a ping to a plugin by name
func (r *Registry) Ping(name string) error {
	inst, err := r.Get(name)
	if err != nil {
		return err
	}
	return inst.Base().Ping()
}

// Remove closes and drops a plugin
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	inst, exists := r.plugins[name]
	delete(r.plugins, name)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("plugin %q not found", name)
	}
	inst.Close()
	return nil
}

// CloseAll closes every plugin
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, inst := range r.plugins {
		inst.Close()
	}
}

// List returns all plugin names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info contains information about a plugin
type Info struct {
	Name     string
	State    activity.State
	Pending  bool
	LastPing time.Time
}

// ListInfo returns information about all plugins, sorted by name
func (r *Registry) ListInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.plugins))
	for name, inst := range r.plugins {
		tracker := inst.Base().Tracker
		infos = append(infos, Info{
			Name:     name,
			State:    tracker.State(),
			Pending:  tracker.Pending(),
			LastPing: tracker.LastPing(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
