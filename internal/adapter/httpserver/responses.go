// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST surface of the survey pipeline: session lifecycle,
// completion submission, audio upload, the review queue, and CATI
// telephony endpoints. HTTP concerns stay here; business rules live in
// the usecases.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fieldworks/surveyd/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

// jsonDecoder caps request bodies at 1 MB; completion payloads with large
// answer sets stay well under this.
func jsonDecoder(r *http.Request) *json.Decoder {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	// Duplicate submissions are a success from the client's point of view:
	// the envelope carries the existing response id to adopt.
	if dup, ok := domain.AsDuplicate(err); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"isDuplicate":    true,
			"responseId":     dup.ResponseID,
			"responseNumber": dup.ResponseNumber,
		})
		return
	}

	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrProvider):
		code = http.StatusBadGateway
		codeStr = "PROVIDER_ERROR"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
