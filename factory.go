package skyvault

import (
	"fmt"
	"sync"
	"time"

	"github.com/mistic96/skyvault/vault"
)

// ProviderFactory resolves the concrete vault provider for an operation,
// applying cost optimization unless a compliance requirement overrides it.
type ProviderFactory struct {
	mu        sync.RWMutex
	providers map[string]vault.Provider
	order     []string
	optimizer *CostOptimizer
	clock     func() time.Time
}

// NewProviderFactory creates an empty factory. Register at least one
// provider before resolving.
func NewProviderFactory(clock func() time.Time) *ProviderFactory {
	if clock == nil {
		clock = time.Now
	}
	return &ProviderFactory{
		providers: make(map[string]vault.Provider),
		clock:     clock,
	}
}

// Register adds a provider. Registering a second provider under the same
// name is an error.
func (f *ProviderFactory) Register(p vault.Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.providers[p.Name()]; exists {
		return fmt.Errorf("provider %s is already registered", p.Name())
	}

	f.providers[p.Name()] = p
	f.order = append(f.order, p.Name())
	f.optimizer = nil // rebuilt lazily over the new set
	return nil
}

// Provider returns the registered provider with the given name.
func (f *ProviderFactory) Provider(name string) (vault.Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s is not registered", name)
	}
	return p, nil
}

// Providers returns all registered providers in registration order.
func (f *ProviderFactory) Providers() []vault.Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]vault.Provider, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.providers[name])
	}
	return out
}

// ResolveProvider selects the provider for an operation through the cost
// optimizer. Nil criteria means lowest cost.
func (f *ProviderFactory) ResolveProvider(criteria *ProviderCriteria) (vault.Provider, error) {
	optimizer, err := f.Optimizer()
	if err != nil {
		return nil, err
	}
	return optimizer.OptimalProvider(criteria)
}

// Optimizer returns the CostOptimizer over the registered provider set.
func (f *ProviderFactory) Optimizer() (*CostOptimizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.optimizer == nil {
		providers := make([]vault.Provider, 0, len(f.order))
		for _, name := range f.order {
			providers = append(providers, f.providers[name])
		}
		optimizer, err := NewCostOptimizer(providers, f.clock)
		if err != nil {
			return nil, err
		}
		f.optimizer = optimizer
	}
	return f.optimizer, nil
}

// Close closes all registered providers and reports the first failure.
func (f *ProviderFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, name := range f.order {
		if err := f.providers[name].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %s: %w", name, err)
		}
	}
	return firstErr
}
