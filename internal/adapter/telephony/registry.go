package telephony

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
)

// Factory builds a provider instance by name.
type Factory func(name string) (Provider, error)

// Registry resolves the provider for a company per its tenant
// configuration, caching one instance per (company, provider).
type Registry struct {
	tenants domain.TenantRepository
	factory Factory

	mu    sync.Mutex
	cache map[string]Provider
}

// NewRegistry constructs a Registry.
func NewRegistry(tenants domain.TenantRepository, factory Factory) *Registry {
	return &Registry{tenants: tenants, factory: factory, cache: map[string]Provider{}}
}

// ProviderFor selects and instantiates the provider for one outbound call.
func (r *Registry) ProviderFor(ctx domain.Context, companyID string) (Provider, error) {
	t, err := r.tenants.GetTelephony(ctx, companyID)
	if err != nil {
		return nil, err
	}
	name, err := SelectProvider(t, nil)
	if err != nil {
		return nil, err
	}
	return r.instance(companyID, name)
}

// ByName resolves a specific provider for a company, bypassing selection.
// Webhook handling uses this: the callback names its vendor.
func (r *Registry) ByName(companyID, name string) (Provider, error) {
	return r.instance(companyID, name)
}

func (r *Registry) instance(companyID, name string) (Provider, error) {
	key := companyID + "/" + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}
	p, err := r.factory(name)
	if err != nil {
		return nil, err
	}
	r.cache[key] = p
	slog.Info("telephony provider instantiated",
		slog.String("company_id", companyID), slog.String("provider", name))
	return p, nil
}

// Dial selects a provider and places the call, recording the outcome
// metric per provider.
func (r *Registry) Dial(ctx domain.Context, companyID, fromNumber, toNumber string, opts CallOptions) (DialResult, error) {
	p, err := r.ProviderFor(ctx, companyID)
	if err != nil {
		return DialResult{}, err
	}
	res, err := p.MakeCall(ctx, fromNumber, toNumber, opts)
	if err != nil {
		observability.TelephonyCallsTotal.WithLabelValues(p.Name(), "error").Inc()
		return DialResult{}, fmt.Errorf("op=telephony.dial provider=%s: %w", p.Name(), err)
	}
	observability.TelephonyCallsTotal.WithLabelValues(p.Name(), "placed").Inc()
	return res, nil
}
