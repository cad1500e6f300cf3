package document

import (
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync"

	"github.com/digitorus/dss/verify"
)

// Registry maps content types to service factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register sets the factory for a content type, replacing any previous one.
func (r *Registry) Register(contentType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(contentType)] = f
}

// Lookup returns the service for a content type. Parameters such as charset
// are ignored.
func (r *Registry) Lookup(contentType string, v *verify.Verifier) (Service, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(contentType)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	return f(v), nil
}

// ContentTypes returns the registered content types, sorted.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func normalize(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
