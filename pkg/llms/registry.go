package llms

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/gambit/pkg/registry"
)

// ProviderRegistry holds the providers agents run against, keyed by the
// "vendor/model" identifier agents register with.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// ParseModelID splits a "vendor/model-name" identifier. The model part may
// itself contain slashes.
func ParseModelID(id string) (vendor, model string, err error) {
	idx := strings.IndexByte(id, '/')
	if idx <= 0 || idx == len(id)-1 {
		return "", "", fmt.Errorf("invalid model id %q: want vendor/model-name", id)
	}
	return id[:idx], id[idx+1:], nil
}

// NewProvider constructs a provider for the config's vendor type.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case ProviderTypeOpenAI:
		return NewOpenAIProvider(cfg)
	case ProviderTypeAnthropic:
		return NewAnthropicProvider(cfg)
	case ProviderTypeGemini:
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

// Resolve returns the provider registered under the model id, constructing
// and caching one on first use. The apiKeys map is keyed by vendor.
func (r *ProviderRegistry) Resolve(id string, apiKeys map[string]string) (Provider, error) {
	if provider, ok := r.Get(id); ok {
		return provider, nil
	}

	vendor, model, err := ParseModelID(id)
	if err != nil {
		return nil, err
	}

	cfg := &ProviderConfig{
		Type:   vendor,
		Model:  model,
		APIKey: apiKeys[vendor],
	}
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider for %q: %w", id, err)
	}
	if err := r.Register(id, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// CloseAll closes every registered provider, returning the first error.
func (r *ProviderRegistry) CloseAll() error {
	var firstErr error
	for _, name := range r.Names() {
		provider, ok := r.Get(name)
		if !ok {
			continue
		}
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
