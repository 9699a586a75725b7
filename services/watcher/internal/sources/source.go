// Package sources defines the job-board adapter contract and the static
// table of adapters a run can draw from.
package sources

import (
	"context"
	"fmt"
	"sort"

	"gigwatch/services/watcher/internal/models"
)

// Query narrows what an adapter fetches. Adapters ignore fields they cannot
// express.
type Query struct {
	Keywords string
	Location string
}

// Source fetches raw postings from one job board for one run. A returned
// error alongside postings means the sequence broke off part way; the
// postings produced before the failure are still valid.
type Source interface {
	Name() string
	Fetch(ctx context.Context, query Query) ([]models.RawPosting, error)
}

// Registry is the static source table built at startup.
type Registry struct {
	sources map[string]Source
}

func NewRegistry(srcs ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(srcs))}
	for _, s := range srcs {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Source) {
	r.sources[s.Name()] = s
}

func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
