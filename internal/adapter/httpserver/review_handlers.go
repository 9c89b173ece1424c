package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/usecase"
)

// ReviewNextHandler returns the reviewer's held lease or claims the next
// candidate. A drained queue answers with a null interview and a message.
func (s *Server) ReviewNextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		filters := usecase.ReviewFilters{
			SurveyID: trimQuery(r, "surveyId"),
			Search:   trimQuery(r, "search"),
			Gender:   trimQuery(r, "gender"),
			AgeMin:   queryInt(r, "ageMin"),
			AgeMax:   queryInt(r, "ageMax"),
		}
		item, msg, err := s.Reviews.Next(r.Context(), u.ID, filters)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if item == nil {
			writeJSON(w, http.StatusOK, map[string]any{"interview": nil, "message": msg})
			return
		}
		out := map[string]any{
			"interview": item.Response,
			"expiresAt": item.LeaseExpiresAt,
		}
		if item.IsMockAudio {
			out["isMockAudio"] = true
		}
		if item.SignedAudioURL != "" {
			out["signedAudioUrl"] = item.SignedAudioURL
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ReviewReleaseHandler hands a leased response back to the queue.
func (s *Server) ReviewReleaseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Reviews.Release(r.Context(), chi.URLParam(r, "responseId"), u.ID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"released": true})
	}
}

// ReviewSubmitHandler records a verification verdict.
func (s *Server) ReviewSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			ResponseID           string            `json:"responseId" validate:"required"`
			Status               string            `json:"status" validate:"required,oneof=approved rejected"`
			VerificationCriteria map[string]string `json:"verificationCriteria"`
			Feedback             string            `json:"feedback"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: responseId and status (approved|rejected) required", domain.ErrInvalidArgument), nil)
			return
		}
		resp, err := s.Reviews.Submit(r.Context(), req.ResponseID, u.ID, strings.ToLower(req.Status), req.VerificationCriteria, req.Feedback)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"responseId": resp.ID,
			"status":     resp.Status,
		})
	}
}
