// Package telephony abstracts the outbound-calling vendors behind one
// interface and picks a provider per tenant.
package telephony

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/fieldworks/surveyd/internal/domain"
)

// CallOptions tune an outbound call. Zero values use provider defaults.
type CallOptions struct {
	FromType     string `json:"fromType,omitempty"`
	ToType       string `json:"toType,omitempty"`
	FromRingTime int    `json:"fromRingTime,omitempty"`
	ToRingTime   int    `json:"toRingTime,omitempty"`
	TimeLimit    int    `json:"timeLimit,omitempty"`
	// UID is a caller-chosen correlation id; it becomes the call id when
	// the vendor does not return one.
	UID string `json:"uid,omitempty"`
}

// DialResult is the provider-agnostic outcome of MakeCall. Raw keeps the
// vendor payload for logs; it never reaches clients.
type DialResult struct {
	CallID   string          `json:"callId"`
	Provider string          `json:"providerName"`
	Raw      json.RawMessage `json:"-"`
}

// Provider is the uniform calling interface. Implementations are immutable
// after construction and safe for concurrent use.
type Provider interface {
	Name() string
	// MakeCall dials toNumber from fromNumber. A vendor response with no
	// call id falls back to opts.UID; with neither the call is failed.
	MakeCall(ctx domain.Context, fromNumber, toNumber string, opts CallOptions) (DialResult, error)
	// NormalizeWebhook converts a vendor callback into the normalized
	// call-log form.
	NormalizeWebhook(method string, query url.Values, body []byte) (domain.CallLog, error)
	// RegisterAgent pre-registers an agent number where the vendor requires
	// it. Idempotent: "already registered" is success.
	RegisterAgent(ctx domain.Context, agentNumber, agentName string) error
}

// MapCallStatus normalizes a vendor status string by case-insensitive
// substring. Negative outcomes are checked before "answer" so strings like
// "unanswered" do not match answered.
func MapCallStatus(raw string) domain.CallStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "busy"):
		return domain.CallBusy
	case strings.Contains(s, "cancel"):
		return domain.CallCancelled
	case strings.Contains(s, "fail"):
		return domain.CallFailed
	// Bare "no" also covers the no-answer/no_answer/noanswer variants.
	case strings.Contains(s, "unans"), strings.Contains(s, "no"):
		return domain.CallNoAnswer
	case strings.Contains(s, "complete"):
		return domain.CallCompleted
	case strings.Contains(s, "answer"):
		return domain.CallAnswered
	default:
		return domain.CallFailed
	}
}
