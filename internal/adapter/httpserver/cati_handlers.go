package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldworks/surveyd/internal/adapter/telephony"
	"github.com/fieldworks/surveyd/internal/domain"
)

// CATIWebhookHandler ingests provider status callbacks. The vendor and
// company are named in the query string; the provider normalizes its own
// payload shape (TeleCMI posts JSON, Exotel uses query parameters).
func (s *Server) CATIWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := trimQuery(r, "provider")
		companyID := trimQuery(r, "companyId")
		if providerName == "" {
			writeError(w, r, fmt.Errorf("%w: provider query parameter required", domain.ErrInvalidArgument), nil)
			return
		}
		p, err := s.Providers.ByName(companyID, providerName)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(r.Body, 1<<20))
		}
		cl, err := p.NormalizeWebhook(r.Method, r.URL.Query(), body)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		cl.CompanyID = companyID
		cl.UpdatedAt = time.Now().UTC()
		if err := s.CallLogs.UpsertByCallID(r.Context(), cl); err != nil {
			writeError(w, r, fmt.Errorf("op=http.cati_webhook: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "callId": cl.CallID})
	}
}

// NextSetHandler deals the next CATI question set for a survey.
func (s *Server) NextSetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.principal(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		info, err := s.Rotation.Next(r.Context(), chi.URLParam(r, "surveyId"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// DialHandler places an outbound call through the company's configured
// provider. The uid correlates webhook updates when the vendor omits its
// own call id.
func (s *Server) DialHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			From      string `json:"from" validate:"required"`
			To        string `json:"to" validate:"required"`
			TimeLimit int    `json:"timeLimit"`
			RingTime  int    `json:"ringTime"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: from and to required", domain.ErrInvalidArgument), nil)
			return
		}
		opts := telephony.CallOptions{
			TimeLimit:  req.TimeLimit,
			ToRingTime: req.RingTime,
			UID:        uuid.New().String(),
		}
		res, err := s.Providers.Dial(r.Context(), u.CompanyID, req.From, req.To, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"callId":   res.CallID,
			"provider": res.Provider,
			"uid":      opts.UID,
		})
	}
}

// RegisterAgentHandler registers an interviewer's phone number with the
// company's provider. Registration is idempotent.
func (s *Server) RegisterAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			Number string `json:"number" validate:"required"`
			Name   string `json:"name"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: number required", domain.ErrInvalidArgument), nil)
			return
		}
		name := req.Name
		if name == "" {
			name = u.Name
		}
		p, err := s.Providers.ProviderFor(r.Context(), u.CompanyID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := p.RegisterAgent(r.Context(), req.Number, name); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"registered": true, "provider": p.Name()})
	}
}
