package telephony

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldworks/surveyd/internal/domain"
)

// Exotel dials through the Exotel connect API. No agent pre-registration is
// required; RegisterAgent is a no-op.
type Exotel struct {
	baseURL  string
	sid      string
	apiKey   string
	apiToken string
	hc       *http.Client
}

// NewExotel constructs an Exotel provider.
func NewExotel(baseURL, sid, apiKey, apiToken string, timeout time.Duration) *Exotel {
	return &Exotel{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sid:      sid,
		apiKey:   apiKey,
		apiToken: apiToken,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name implements Provider.
func (e *Exotel) Name() string { return "exotel" }

type exotelCallResponse struct {
	Call struct {
		Sid    string `json:"Sid"`
		Status string `json:"Status"`
	} `json:"Call"`
	RestException struct {
		Message string `json:"Message"`
	} `json:"RestException"`
}

// MakeCall bridges fromNumber (agent) to toNumber (respondent).
func (e *Exotel) MakeCall(ctx domain.Context, fromNumber, toNumber string, opts CallOptions) (DialResult, error) {
	form := url.Values{}
	form.Set("From", fromNumber)
	form.Set("To", toNumber)
	if opts.TimeLimit > 0 {
		form.Set("TimeLimit", strconv.Itoa(opts.TimeLimit))
	}
	if opts.ToRingTime > 0 {
		form.Set("TimeOut", strconv.Itoa(opts.ToRingTime))
	}
	if opts.UID != "" {
		form.Set("CustomField", opts.UID)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/connect.json", e.baseURL, e.sid)
	raw, err := e.postForm(ctx, endpoint, form)
	if err != nil {
		return DialResult{}, err
	}

	var resp exotelCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return DialResult{}, fmt.Errorf("op=exotel.make_call: decode: %w", domain.ErrProvider)
	}
	if resp.RestException.Message != "" {
		return DialResult{}, fmt.Errorf("op=exotel.make_call: %s: %w", resp.RestException.Message, domain.ErrProvider)
	}

	callID := resp.Call.Sid
	if callID == "" {
		callID = opts.UID
	}
	if callID == "" {
		return DialResult{}, fmt.Errorf("op=exotel.make_call: no call id in response: %w", domain.ErrProvider)
	}
	return DialResult{CallID: callID, Provider: e.Name(), Raw: raw}, nil
}

// NormalizeWebhook decodes an Exotel status callback. Exotel delivers
// webhooks as GET query parameters; POST forms carry the same keys.
func (e *Exotel) NormalizeWebhook(method string, query url.Values, body []byte) (domain.CallLog, error) {
	params := query
	if method == http.MethodPost && len(body) > 0 {
		if parsed, err := url.ParseQuery(string(body)); err == nil && len(parsed) > 0 {
			params = parsed
		}
	}
	callID := params.Get("CallSid")
	if callID == "" {
		callID = params.Get("CustomField")
	}
	if callID == "" {
		return domain.CallLog{}, fmt.Errorf("op=exotel.webhook: missing call id: %w", domain.ErrInvalidArgument)
	}

	duration := 0
	if d := params.Get("DialCallDuration"); d != "" {
		duration, _ = strconv.Atoi(d)
	}
	cl := domain.CallLog{
		CallID:          callID,
		UID:             params.Get("CustomField"),
		Provider:        e.Name(),
		FromNumber:      params.Get("From"),
		ToNumber:        params.Get("To"),
		AnsweredNumber:  params.Get("DialWhomNumber"),
		Status:          MapCallStatus(params.Get("Status")),
		DurationSeconds: duration,
		RecordingURL:    params.Get("RecordingUrl"),
		Direction:       params.Get("Direction"),
	}
	if ts := parseWebhookTime(params.Get("StartTime")); ts != nil {
		cl.StartTime = ts
	}
	if ts := parseWebhookTime(params.Get("EndTime")); ts != nil {
		cl.EndTime = ts
	}
	return cl, nil
}

// RegisterAgent implements Provider; Exotel needs no pre-registration.
func (e *Exotel) RegisterAgent(domain.Context, string, string) error { return nil }

func (e *Exotel) postForm(ctx domain.Context, endpoint string, form url.Values) ([]byte, error) {
	var raw []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(e.apiKey, e.apiToken)
		resp, err := e.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("op=exotel.post status=%d: %w", resp.StatusCode, domain.ErrProvider)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("op=exotel.post status=%d body=%s: %w", resp.StatusCode, raw, domain.ErrProvider))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxElapsedTime = 20 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}
