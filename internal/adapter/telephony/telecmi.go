package telephony

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldworks/surveyd/internal/domain"
)

// TeleCMI dials through the TeleCMI REST API. Agents must be registered
// before they can be bridged into a call.
type TeleCMI struct {
	baseURL string
	appID   string
	secret  string
	hc      *http.Client
}

// NewTeleCMI constructs a TeleCMI provider.
func NewTeleCMI(baseURL, appID, secret string, timeout time.Duration) *TeleCMI {
	return &TeleCMI{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		secret:  secret,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name implements Provider.
func (t *TeleCMI) Name() string { return "telecmi" }

type telecmiCallResponse struct {
	CmiUID    string `json:"cmiuid"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"msg"`
}

// MakeCall bridges fromNumber (agent) to toNumber (respondent).
func (t *TeleCMI) MakeCall(ctx domain.Context, fromNumber, toNumber string, opts CallOptions) (DialResult, error) {
	body := map[string]any{
		"appid":  t.appID,
		"secret": t.secret,
		"from":   fromNumber,
		"to":     toNumber,
	}
	if opts.TimeLimit > 0 {
		body["time_limit"] = opts.TimeLimit
	}
	if opts.ToRingTime > 0 {
		body["ring_time"] = opts.ToRingTime
	}
	if opts.UID != "" {
		body["custom"] = opts.UID
	}

	raw, err := t.postJSON(ctx, t.baseURL+"/click_to_call", body)
	if err != nil {
		return DialResult{}, err
	}
	var resp telecmiCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return DialResult{}, fmt.Errorf("op=telecmi.make_call: decode: %w", domain.ErrProvider)
	}

	callID := resp.CmiUID
	if callID == "" {
		callID = resp.RequestID
	}
	if callID == "" {
		callID = opts.UID
	}
	if callID == "" {
		return DialResult{}, fmt.Errorf("op=telecmi.make_call: no call id in response: %w", domain.ErrProvider)
	}
	return DialResult{CallID: callID, Provider: t.Name(), Raw: raw}, nil
}

type telecmiWebhook struct {
	CmiUID       string  `json:"cmiuid"`
	Custom       string  `json:"custom"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	AnsweredBy   string  `json:"answered_agent"`
	Status       string  `json:"status"`
	Duration     float64 `json:"duration"`
	StartTime    string  `json:"starttime"`
	EndTime      string  `json:"endtime"`
	RecordingURL string  `json:"filename"`
	Direction    string  `json:"direction"`
}

// NormalizeWebhook decodes a TeleCMI status callback (JSON body).
func (t *TeleCMI) NormalizeWebhook(_ string, _ url.Values, body []byte) (domain.CallLog, error) {
	var wh telecmiWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return domain.CallLog{}, fmt.Errorf("op=telecmi.webhook: decode: %w", domain.ErrInvalidArgument)
	}
	if wh.CmiUID == "" && wh.Custom == "" {
		return domain.CallLog{}, fmt.Errorf("op=telecmi.webhook: missing call id: %w", domain.ErrInvalidArgument)
	}
	callID := wh.CmiUID
	if callID == "" {
		callID = wh.Custom
	}
	cl := domain.CallLog{
		CallID:          callID,
		UID:             wh.Custom,
		Provider:        t.Name(),
		FromNumber:      wh.From,
		ToNumber:        wh.To,
		AnsweredNumber:  wh.AnsweredBy,
		Status:          MapCallStatus(wh.Status),
		DurationSeconds: int(wh.Duration),
		RecordingURL:    wh.RecordingURL,
		Direction:       wh.Direction,
	}
	if ts := parseWebhookTime(wh.StartTime); ts != nil {
		cl.StartTime = ts
	}
	if ts := parseWebhookTime(wh.EndTime); ts != nil {
		cl.EndTime = ts
	}
	return cl, nil
}

// RegisterAgent adds the agent number to the TeleCMI account. An already
// registered agent is success.
func (t *TeleCMI) RegisterAgent(ctx domain.Context, agentNumber, agentName string) error {
	body := map[string]any{
		"appid":  t.appID,
		"secret": t.secret,
		"number": agentNumber,
		"name":   agentName,
	}
	_, err := t.postJSON(ctx, t.baseURL+"/agent/add", body)
	if err != nil {
		if isAlreadyRegistered(err.Error()) {
			return nil
		}
		return err
	}
	return nil
}

func (t *TeleCMI) postJSON(ctx domain.Context, endpoint string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=telecmi.post: marshal: %w", err)
	}

	var raw []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusConflict {
			return backoff.Permanent(fmt.Errorf("op=telecmi.post status=409 body=%s: %w", raw, domain.ErrConflict))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("op=telecmi.post status=%d: %w", resp.StatusCode, domain.ErrProvider)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("op=telecmi.post status=%d body=%s: %w", resp.StatusCode, raw, domain.ErrProvider))
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

func isAlreadyRegistered(s string) bool {
	low := strings.ToLower(s)
	return strings.Contains(low, "already registered") ||
		strings.Contains(low, "already exists") ||
		strings.Contains(low, "409")
}

func parseWebhookTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
