package extractor

import (
	"fmt"
	"strings"
)

// Factory builds an Extractor from Options.
type Factory func(opts Options) (Extractor, error)

// Registry is the closed set of extractors that can be selected by name.
// Names keep their registration order; the first one is the default.
type Registry struct {
	names     []string
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns the extractors shipped with this repository.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PrometheusName, NewPrometheusExtractor)
	r.Register(SQLName, NewSQLExtractor)
	return r
}

// Register adds an extractor. Registering the same name twice panics.
func (r *Registry) Register(name string, factory Factory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("extractor %q registered twice", name))
	}
	r.names = append(r.names, name)
	r.factories[name] = factory
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Default returns the first registered name.
func (r *Registry) Default() string {
	if len(r.names) == 0 {
		return ""
	}
	return r.names[0]
}

func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Resolve builds the extractor registered under name.
func (r *Registry) Resolve(name string, opts Options) (Extractor, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, &UnsupportedError{Name: name, Supported: r.Names()}
	}
	e, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to set up %s extractor: %w", name, err)
	}
	return e, nil
}

// UnsupportedError is returned when no extractor is registered under Name.
type UnsupportedError struct {
	Name      string
	Supported []string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported extractor %q, supported extractors are: %s", e.Name, strings.Join(e.Supported, ", "))
}
