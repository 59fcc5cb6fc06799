package processor

import (
	"fmt"
	"sort"
	"sync"

	"paycore/internal/payment"
)

// Registry maps processor names to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   string
}

// NewRegistry creates a registry. fallback names the strategy used when a
// request does not pick one.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		fallback:   fallback,
	}
}

// Register adds a strategy under its own name.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Name() == "" {
		return fmt.Errorf("register processor: empty name")
	}
	if _, ok := r.strategies[s.Name()]; ok {
		return fmt.Errorf("register processor: %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get returns the named strategy, or the fallback when name is empty.
func (r *Registry) Get(name string) (Strategy, error) {
	if name == "" {
		name = r.fallback
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, payment.Validationf("unknown processor %q", name)
	}
	return s, nil
}

// Names lists registered processors in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
