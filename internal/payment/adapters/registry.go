package adapters

import (
	"strings"

	"github.com/smallbiznis/keepr/internal/payment/domain"
)

type Registry struct {
	factories map[string]domain.ProcessorFactory
}

func NewRegistry(factories ...domain.ProcessorFactory) *Registry {
	registry := &Registry{factories: map[string]domain.ProcessorFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

func (r *Registry) NewProcessor(provider string, cfg domain.ProcessorConfig) (domain.Processor, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewProcessor(cfg)
}
