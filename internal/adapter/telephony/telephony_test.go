package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/surveyd/internal/domain"
)

func TestMapCallStatus(t *testing.T) {
	t.Parallel()
	cases := map[string]domain.CallStatus{
		"ANSWERED":     domain.CallAnswered,
		"call-answer":  domain.CallAnswered,
		"unanswered":   domain.CallNoAnswer,
		"UNANS":        domain.CallNoAnswer,
		"no-answer":    domain.CallNoAnswer,
		"NO":           domain.CallNoAnswer,
		"busy":         domain.CallBusy,
		"user_busy":    domain.CallBusy,
		"cancelled":    domain.CallCancelled,
		"canceled":     domain.CallCancelled,
		"failed":       domain.CallFailed,
		"call_failure": domain.CallFailed,
		"completed":    domain.CallCompleted,
		"garbage":      domain.CallFailed,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapCallStatus(raw), "raw=%s", raw)
	}
}

func tenant() domain.TenantTelephony {
	return domain.TenantTelephony{
		CompanyID:        "co-1",
		EnabledProviders: []string{"telecmi", "exotel"},
		SelectionMethod:  "switch",
		ActiveProvider:   "telecmi",
		FallbackProvider: "exotel",
	}
}

func TestSelectProviderSwitch(t *testing.T) {
	t.Parallel()
	name, err := SelectProvider(tenant(), nil)
	require.NoError(t, err)
	assert.Equal(t, "telecmi", name)
}

func TestSelectProviderActiveNotEnabledFallsBack(t *testing.T) {
	t.Parallel()
	cfg := tenant()
	cfg.ActiveProvider = "decommissioned"
	name, err := SelectProvider(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "exotel", name)
}

func TestSelectProviderPercentage(t *testing.T) {
	t.Parallel()
	cfg := tenant()
	cfg.SelectionMethod = "percentage"
	cfg.Percentages = map[string]float64{"telecmi": 30, "exotel": 70}

	name, err := SelectProvider(cfg, func() float64 { return 0.10 }) // U = 10
	require.NoError(t, err)
	assert.Equal(t, "telecmi", name)

	name, err = SelectProvider(cfg, func() float64 { return 0.95 }) // U = 95
	require.NoError(t, err)
	assert.Equal(t, "exotel", name)
}

func TestSelectProviderPercentageUndercoveredWeights(t *testing.T) {
	t.Parallel()
	cfg := tenant()
	cfg.SelectionMethod = "percentage"
	cfg.Percentages = map[string]float64{"telecmi": 20, "exotel": 20}

	// Draw above the cumulative 40 falls back to the first enabled.
	name, err := SelectProvider(cfg, func() float64 { return 0.90 })
	require.NoError(t, err)
	assert.Equal(t, "telecmi", name)
}

func TestSelectProviderNoEnabled(t *testing.T) {
	t.Parallel()
	_, err := SelectProvider(domain.TenantTelephony{CompanyID: "co-1"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTelecmiMakeCallUsesVendorID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/click_to_call", r.URL.Path)
		_, _ = w.Write([]byte(`{"cmiuid":"cmi-123","status":"queued"}`))
	}))
	defer srv.Close()

	p := NewTeleCMI(srv.URL, "app", "secret", 5*time.Second)
	res, err := p.MakeCall(context.Background(), "+911000", "+912000", CallOptions{UID: "uid-1"})
	require.NoError(t, err)
	assert.Equal(t, "cmi-123", res.CallID)
	assert.Equal(t, "telecmi", res.Provider)
}

func TestTelecmiMakeCallFallsBackToUID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	p := NewTeleCMI(srv.URL, "app", "secret", 5*time.Second)
	res, err := p.MakeCall(context.Background(), "+911000", "+912000", CallOptions{UID: "uid-1"})
	require.NoError(t, err)
	assert.Equal(t, "uid-1", res.CallID)

	_, err = p.MakeCall(context.Background(), "+911000", "+912000", CallOptions{})
	assert.ErrorIs(t, err, domain.ErrProvider, "no vendor id and no uid fails the call")
}

func TestTelecmiRegisterAgentIdempotent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"msg":"agent already registered"}`))
	}))
	defer srv.Close()

	p := NewTeleCMI(srv.URL, "app", "secret", 5*time.Second)
	assert.NoError(t, p.RegisterAgent(context.Background(), "+911000", "Agent One"))
}

func TestTelecmiNormalizeWebhook(t *testing.T) {
	t.Parallel()
	p := NewTeleCMI("https://example.invalid", "app", "secret", 5*time.Second)
	body := []byte(`{"cmiuid":"cmi-9","from":"+911000","to":"+912000","answered_agent":"+911000","status":"Answered","duration":182,"starttime":"2026-03-10 11:00:00","direction":"outbound"}`)

	cl, err := p.NormalizeWebhook(http.MethodPost, nil, body)
	require.NoError(t, err)
	assert.Equal(t, "cmi-9", cl.CallID)
	assert.Equal(t, domain.CallAnswered, cl.Status)
	assert.Equal(t, 182, cl.DurationSeconds)
	require.NotNil(t, cl.StartTime)
	assert.Equal(t, 2026, cl.StartTime.Year())
}

func TestExotelNormalizeWebhookFromQuery(t *testing.T) {
	t.Parallel()
	p := NewExotel("https://example.invalid", "sid", "key", "token", 5*time.Second)
	q := url.Values{}
	q.Set("CallSid", "exo-1")
	q.Set("From", "+911000")
	q.Set("To", "+912000")
	q.Set("Status", "no-answer")
	q.Set("DialCallDuration", "0")

	cl, err := p.NormalizeWebhook(http.MethodGet, q, nil)
	require.NoError(t, err)
	assert.Equal(t, "exo-1", cl.CallID)
	assert.Equal(t, domain.CallNoAnswer, cl.Status)
}

func TestExotelWebhookMissingCallID(t *testing.T) {
	t.Parallel()
	p := NewExotel("https://example.invalid", "sid", "key", "token", 5*time.Second)
	_, err := p.NormalizeWebhook(http.MethodGet, url.Values{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

type fakeTenants struct{ cfg domain.TenantTelephony }

func (f fakeTenants) GetTelephony(_ domain.Context, companyID string) (domain.TenantTelephony, error) {
	cfg := f.cfg
	cfg.CompanyID = companyID
	return cfg, nil
}

func (fakeTenants) PutTelephony(domain.Context, domain.TenantTelephony) error { return nil }

func TestRegistryCachesPerCompanyAndProvider(t *testing.T) {
	t.Parallel()
	var built int
	factory := func(name string) (Provider, error) {
		built++
		return NewTeleCMI("https://example.invalid", "app", "secret", time.Second), nil
	}
	reg := NewRegistry(fakeTenants{cfg: tenant()}, factory)

	p1, err := reg.ProviderFor(context.Background(), "co-1")
	require.NoError(t, err)
	p2, err := reg.ProviderFor(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, built)

	_, err = reg.ProviderFor(context.Background(), "co-2")
	require.NoError(t, err)
	assert.Equal(t, 2, built, "distinct companies get distinct instances")
}
