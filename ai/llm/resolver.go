package llm

import (
	"context"
	"sync"

	"github.com/duetchat/duet/internal/profile"
)

// Resolver hands out a Service per model name, building and caching
// backend clients lazily. All models share one provider configuration.
type Resolver struct {
	mu       sync.Mutex
	services map[string]Service
	profile  *profile.Profile
}

func NewResolver(p *profile.Profile) *Resolver {
	return &Resolver{
		services: make(map[string]Service),
		profile:  p,
	}
}

// ForModel returns the Service for the given model, or ErrNoBackend
// when no backend is configured.
func (r *Resolver) ForModel(model string) (Service, error) {
	if r.profile == nil || !r.profile.IsBackendConfigured() {
		return nil, ErrNoBackend
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.services[model]; ok {
		return svc, nil
	}

	svc, err := NewService(&Config{
		Provider: r.profile.LLMProvider,
		Model:    model,
		APIKey:   r.profile.LLMAPIKey,
		BaseURL:  r.profile.LLMBaseURL,
		Timeout:  r.profile.LLMTimeout,
	})
	if err != nil {
		return nil, err
	}
	r.services[model] = svc
	return svc, nil
}

// Probe verifies the configured backend is reachable. Connectivity is
// provider-level, so no model is needed.
func (r *Resolver) Probe(ctx context.Context) error {
	svc, err := r.ForModel("")
	if err != nil {
		return err
	}
	return svc.TestConnection(ctx)
}
