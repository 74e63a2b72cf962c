package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors returned by registry operations.
var (
	ErrNotFound  = errors.New("capability not found")
	ErrProtected = errors.New("capability is protected")
)

// Registry maps (kind, name) to capability descriptors.
//
// Contract:
// - Concurrency: safe for concurrent use from both execution contexts.
// - Re-registration under the same name replaces the prior entry atomically;
//   concurrent lookups observe either the old or the new descriptor, never a
//   partial one.
// - Newly registered capabilities appear in the very next List call.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]*Descriptor
	byURI   map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[Kind]map[string]*Descriptor{
			KindTool:     {},
			KindResource: {},
			KindPrompt:   {},
		},
		byURI: map[string]*Descriptor{},
	}
}

// Register adds or replaces a descriptor. The descriptor's input schema is
// resolved here so payload validation never fails on schema errors at invoke
// time. Replacing a protected entry is rejected.
func (r *Registry) Register(d Descriptor) error {
	return r.register(d, false)
}

// RegisterProtected registers a descriptor that Unregister will refuse to
// remove. Used for the always-present privileged capabilities.
func (r *Registry) RegisterProtected(d Descriptor) error {
	return r.register(d, true)
}

func (r *Registry) register(d Descriptor, protected bool) error {
	if d.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if !d.Kind.valid() {
		return fmt.Errorf("unknown capability kind %q", d.Kind)
	}
	if d.Handler == nil {
		return fmt.Errorf("capability %s: handler is required", d.Name)
	}
	if d.InputSchema != nil {
		resolved, err := d.InputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("capability %s: invalid input schema: %w", d.Name, err)
		}
		d.resolved = resolved
	}
	if d.Kind == KindResource {
		if d.URI == "" {
			d.URI = URIScheme + d.Name
		}
		if d.MIMEType == "" {
			d.MIMEType = "text/markdown"
		}
		if d.Title == "" {
			d.Title = displayName(d.Name)
		}
	}
	d.protected = protected

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[d.Kind][d.Name]; ok {
		if prev.protected && !protected {
			return fmt.Errorf("%w: %s", ErrProtected, d.Name)
		}
		if prev.Kind == KindResource {
			delete(r.byURI, prev.URI)
		}
	}
	r.entries[d.Kind][d.Name] = &d
	if d.Kind == KindResource {
		r.byURI[d.URI] = &d
	}
	return nil
}

// Unregister removes a descriptor. Protected entries cannot be removed.
func (r *Registry) Unregister(kind Kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[kind][name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, name)
	}
	if d.protected {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}
	delete(r.entries[kind], name)
	if d.Kind == KindResource {
		delete(r.byURI, d.URI)
	}
	return nil
}

// Get retrieves a descriptor by kind and name.
func (r *Registry) Get(kind Kind, name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[kind][name]
	return d, ok
}

// GetResource retrieves a resource descriptor by URI.
func (r *Registry) GetResource(uri string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byURI[uri]
	return d, ok
}

// List returns all descriptors of the given kind, sorted by name for
// deterministic output.
func (r *Registry) List(kind Kind) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.entries[kind]))
	for _, d := range r.entries[kind] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered capabilities of the given kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[kind])
}
