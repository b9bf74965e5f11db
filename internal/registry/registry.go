// Package registry maintains the process-lifetime catalog of crawler units.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Unit is one registered crawler implementation. Execution is opaque to the
// engine: a unit fetches whatever it fetches and returns collected items or a
// classified error.
type Unit interface {
	Meta() engine.CrawlerMeta
	Execute(ctx context.Context, payload engine.Payload) (engine.CrawlResult, error)
}

// Registry maps unit names to implementations. Registration happens once at
// startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds a named unit. Duplicate names are rejected.
func (r *Registry) Register(u Unit) error {
	meta := u.Meta()
	if meta.Name == "" {
		return fmt.Errorf("%w: unit has empty name", engine.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[meta.Name]; exists {
		return fmt.Errorf("%w: %s", engine.ErrDuplicateUnit, meta.Name)
	}
	r.units[meta.Name] = u
	return nil
}

// Resolve returns the unit registered under name.
func (r *Registry) Resolve(name string) (Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnresolvedCrawler, name)
	}
	return u, nil
}

// List returns metadata for every registered unit, sorted by name.
func (r *Registry) List() []engine.CrawlerMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.CrawlerMeta, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u.Meta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered unit names, sorted.
func (r *Registry) Names() []string {
	metas := r.List()
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names
}

// Func adapts a plain function into a Unit.
type Func struct {
	Info engine.CrawlerMeta
	Fn   func(ctx context.Context, payload engine.Payload) (engine.CrawlResult, error)
}

// Meta returns the unit metadata.
func (f Func) Meta() engine.CrawlerMeta { return f.Info }

// Execute invokes the wrapped function.
func (f Func) Execute(ctx context.Context, payload engine.Payload) (engine.CrawlResult, error) {
	return f.Fn(ctx, payload)
}
