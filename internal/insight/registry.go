// Package insight owns the process-wide InsightSpec registry and the YAML
// loader that builds it. The registry is closed and read-only after startup;
// the engine never loads foreign code, it only receives specs whose
// post-process hooks were resolved here against a fixed set of registered
// functions.
package insight

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// Registry holds the loaded specs. Writes happen only during startup; reads
// are safe from any goroutine afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]schemas.InsightSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]schemas.InsightSpec)}
}

// Add registers a spec, rejecting duplicates and empty ids and patterns.
// Matcher compilation is deliberately not attempted here: per the engine
// contract, compile errors surface lazily at first use and fail only the
// job that hits them.
func (r *Registry) Add(spec schemas.InsightSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("insight spec is missing an id")
	}
	if spec.Matcher.Pattern == "" {
		return fmt.Errorf("insight %q has an empty matcher pattern", spec.ID)
	}
	if spec.ReadingMode == "" {
		spec.ReadingMode = schemas.ReadLine
	}
	if spec.ReadingMode != schemas.ReadLine && spec.ReadingMode != schemas.ReadChunk {
		return fmt.Errorf("insight %q has unknown reading_mode %q", spec.ID, spec.ReadingMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.ID]; exists {
		return fmt.Errorf("duplicate insight id %q", spec.ID)
	}
	r.specs[spec.ID] = spec
	return nil
}

// Get returns the spec for an id.
func (r *Registry) Get(id string) (schemas.InsightSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	return spec, ok
}

// List returns every spec ordered by id.
func (r *Registry) List() []schemas.InsightSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.InsightSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

var _ schemas.InsightSource = (*Registry)(nil)
