// Package opener resolves source URIs into dataset descriptions. A
// registry probes the registered openers in order; the first one that
// recognises a path gets to open it. Unrecognised and broken sources
// surface as typed OpenErrors that workers record on the cache entry.
package opener

import (
	"context"
	"fmt"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

// Kind classifies open failures.
type Kind string

const (
	KindUnsupported Kind = "format_unsupported"
	KindNotFound    Kind = "not_found"
	KindCorrupt     Kind = "corrupt"
)

// OpenError is a failed open with its source path and classification.
type OpenError struct {
	Path string
	Kind Kind
	Err  error
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("open %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("open %s: %s", e.Path, e.Kind)
}

func (e *OpenError) Unwrap() error { return e.Err }

type (
	// Opener opens one family of source formats.
	Opener interface {
		// Can reports whether this opener recognises the path.
		Can(path string) bool
		// Open loads the dataset description behind path.
		Open(ctx context.Context, path string) (*dataset.Dataset, error)
	}

	// Registry probes openers in registration order.
	Registry struct {
		openers []Opener
	}
)

// NewRegistry builds a registry over the given openers.
func NewRegistry(openers ...Opener) *Registry {
	return &Registry{openers: openers}
}

// Register appends another opener, probed after the existing ones.
func (r *Registry) Register(o Opener) { r.openers = append(r.openers, o) }

// Open resolves the path through the first matching opener.
func (r *Registry) Open(ctx context.Context, path string) (*dataset.Dataset, error) {
	for _, o := range r.openers {
		if o.Can(path) {
			return o.Open(ctx, path)
		}
	}
	return nil, &OpenError{Path: path, Kind: KindUnsupported}
}

// MemOpener serves datasets from a fixed map, for tests.
type MemOpener struct {
	Datasets map[string]*dataset.Dataset
}

func (m *MemOpener) Can(path string) bool {
	_, ok := m.Datasets[path]
	return ok
}

func (m *MemOpener) Open(_ context.Context, path string) (*dataset.Dataset, error) {
	ds, ok := m.Datasets[path]
	if !ok {
		return nil, &OpenError{Path: path, Kind: KindNotFound}
	}
	return ds, nil
}
