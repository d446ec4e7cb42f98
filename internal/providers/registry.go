package providers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

// syntheticReadyAfter keeps the fake provider slow enough to exercise a few poll ticks.
const syntheticReadyAfter = 20 * time.Second

// Registry resolves providers by name and holds the configured default per media type.
type Registry struct {
	mu        sync.RWMutex
	providers map[enums.Provider]Provider
	defaults  map[enums.MediaType]enums.Provider
	// standIn answers for every name that is not registered.
	standIn Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: map[enums.Provider]Provider{},
		defaults:  map[enums.MediaType]enums.Provider{},
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetStandIn routes lookups for unregistered names to p.
func (r *Registry) SetStandIn(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standIn = p
	r.providers[p.Name()] = p
}

// SetDefault marks name as the default provider for mediaType.
func (r *Registry) SetDefault(mediaType enums.MediaType, name enums.Provider) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	if !p.Supports(mediaType) {
		return fmt.Errorf("provider %s does not produce %s", name, mediaType)
	}
	r.mu.Lock()
	r.defaults[mediaType] = name
	r.mu.Unlock()
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name enums.Provider) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if r.standIn != nil {
		return r.standIn, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}

// Default returns the default provider for mediaType.
func (r *Registry) Default(mediaType enums.MediaType) (Provider, error) {
	r.mu.RLock()
	name, ok := r.defaults[mediaType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no default for %s", ErrUnknownProvider, mediaType)
	}
	return r.Get(name)
}

// Names lists registered providers in stable order.
func (r *Registry) Names() []enums.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]enums.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// NewRegistryFromConfig wires the gateway providers, or a synthetic stand-in
// for every name when the feature flag is on.
func NewRegistryFromConfig(cfg config.ProvidersConfig, flags config.FeatureFlagsConfig) (*Registry, error) {
	reg := NewRegistry()

	if flags.SyntheticProviders {
		reg.SetStandIn(NewSyntheticProvider(syntheticReadyAfter, nil))
		for _, mediaType := range []enums.MediaType{enums.MediaTypeImage, enums.MediaTypeVideo} {
			if err := reg.SetDefault(mediaType, enums.ProviderSynthetic); err != nil {
				return nil, err
			}
		}
		return reg, nil
	}

	for name := range endpoints {
		p, err := NewHTTPProvider(name, cfg.APIKey, WithBaseURL(cfg.BaseURL), WithTimeout(cfg.RequestTimeout))
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}

	for mediaType, raw := range map[enums.MediaType]string{
		enums.MediaTypeImage: cfg.DefaultImageProvider,
		enums.MediaTypeVideo: cfg.DefaultVideoProvider,
	} {
		name, err := enums.ParseProvider(raw)
		if err != nil {
			return nil, err
		}
		if err := reg.SetDefault(mediaType, name); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
