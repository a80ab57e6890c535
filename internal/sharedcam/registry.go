package sharedcam

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrStreamNotFound is returned when no coordinator runs under a name.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrDuplicateStream is returned when a coordinator is already
	// registered under the same name.
	ErrDuplicateStream = errors.New("stream already registered")
)

// Registry maps stream names to running coordinators. Coordinators are
// added once their stream has started and removed when it is torn down.
type Registry struct {
	mu     sync.RWMutex
	coords map[string]*Coordinator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{coords: make(map[string]*Coordinator)}
}

// Add registers c under its name.
func (r *Registry) Add(c *Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.coords[normalizeName(c.Name())]; exists {
		return ErrDuplicateStream
	}
	r.coords[normalizeName(c.Name())] = c
	return nil
}

// Remove unregisters c. A different coordinator registered under the same
// name is left alone.
func (r *Registry) Remove(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeName(c.Name())
	if cur, ok := r.coords[key]; ok && cur == c {
		delete(r.coords, key)
	}
}

// Get returns the coordinator for name. Lookups ignore case and
// surrounding whitespace, matching how names are configured.
func (r *Registry) Get(name string) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.coords[normalizeName(name)]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return c, nil
}

// List returns every registered coordinator ordered by name.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered coordinators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.coords)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
