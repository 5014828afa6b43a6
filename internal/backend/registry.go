package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

type entry struct {
	instance Instance
	client   Client
}

// Registry holds the registered backend instances in registration order and
// the render types they may serve. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	newClient ClientFactory
	order     []string
	entries   map[string]*entry

	renderOrder []string
	renderTypes map[string]RenderType
}

// NewRegistry creates an empty registry that builds instance clients with newClient.
func NewRegistry(newClient ClientFactory) *Registry {
	return &Registry{
		newClient:   newClient,
		entries:     make(map[string]*entry),
		renderTypes: make(map[string]RenderType),
	}
}

// Register adds an instance at the end of the registration order.
func (r *Registry) Register(inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[inst.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, inst.Name)
	}
	r.entries[inst.Name] = &entry{
		instance: inst.clone(),
		client:   r.newClient(inst),
	}
	r.order = append(r.order, inst.Name)
	return nil
}

// Deregister removes an instance. Jobs already running on it are unaffected.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.entries, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return nil
}

// SetActive flips the liveness flag of an instance.
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.instance.Active = active
	return nil
}

// Get returns a registered instance by name.
func (r *Registry) Get(name string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Instance{}, false
	}
	return e.instance.clone(), true
}

// Client returns the client for a registered instance.
func (r *Registry) Client(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.client, nil
}

// List returns every registered instance in registration order.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].instance.clone())
	}
	return out
}

// ListCompatible returns the active instances whose capability set contains
// jobType, in registration order.
func (r *Registry) ListCompatible(jobType string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Instance
	for _, name := range r.order {
		inst := r.entries[name].instance
		if inst.Active && inst.Serves(jobType) {
			out = append(out, inst.clone())
		}
	}
	return out
}

// LoadOf asks the instance for its current queue depth. The value is never
// cached; each call is a fresh probe bounded by ctx.
func (r *Registry) LoadOf(ctx context.Context, inst Instance) (int, error) {
	c, err := r.Client(inst.Name)
	if err != nil {
		return 0, err
	}
	depth, err := c.QueueDepth(ctx)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", inst.Name, err)
	}
	return depth, nil
}

// AddRenderType registers or replaces a render type.
func (r *Registry) AddRenderType(rt RenderType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.renderTypes[rt.Name]; !ok {
		r.renderOrder = append(r.renderOrder, rt.Name)
	}
	r.renderTypes[rt.Name] = rt
}

// RenderType looks up a render type by name.
func (r *Registry) RenderType(name string) (RenderType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.renderTypes[name]
	return rt, ok
}

// DefaultRenderType returns the default render type for a mode, falling back
// to the first registered render type of that mode.
func (r *Registry) DefaultRenderType(mode string) (RenderType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *RenderType
	for _, name := range r.renderOrder {
		rt := r.renderTypes[name]
		if rt.Mode != mode {
			continue
		}
		if rt.Default {
			return rt, true
		}
		if fallback == nil {
			fallback = &rt
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return RenderType{}, false
}

// RenderTypes returns all render types of the given mode, or every render
// type when mode is empty, in registration order.
func (r *Registry) RenderTypes(mode string) []RenderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RenderType
	for _, name := range r.renderOrder {
		rt := r.renderTypes[name]
		if mode == "" || rt.Mode == mode {
			out = append(out, rt)
		}
	}
	return out
}
