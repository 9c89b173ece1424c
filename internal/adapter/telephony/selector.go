package telephony

import (
	"fmt"
	"math/rand"

	"github.com/fieldworks/surveyd/internal/domain"
)

// SelectProvider picks a provider name for one call under the tenant's
// selection method, then enforces membership in the enabled set with
// fallback. rnd yields a uniform float in [0, 1); pass nil for the default
// source.
func SelectProvider(t domain.TenantTelephony, rnd func() float64) (string, error) {
	if len(t.EnabledProviders) == 0 {
		return "", fmt.Errorf("op=telephony.select company=%s: no enabled providers: %w", t.CompanyID, domain.ErrInvalidArgument)
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	var selected string
	switch t.SelectionMethod {
	case "random":
		selected = t.EnabledProviders[rand.Intn(len(t.EnabledProviders))]
	case "percentage":
		selected = pickByPercentage(t, rnd()*100)
	default: // "switch" and anything unrecognized
		selected = t.ActiveProvider
	}

	if !contains(t.EnabledProviders, selected) {
		selected = t.FallbackProvider
	}
	if !contains(t.EnabledProviders, selected) {
		selected = t.EnabledProviders[0]
	}
	return selected, nil
}

// pickByPercentage walks the enabled providers in their configured order,
// accumulating weights until one exceeds the draw. Weights that do not
// cover the draw fall back to the first enabled provider.
func pickByPercentage(t domain.TenantTelephony, u float64) string {
	var cum float64
	for _, name := range t.EnabledProviders {
		cum += t.Percentages[name]
		if u < cum {
			return name
		}
	}
	return t.EnabledProviders[0]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
