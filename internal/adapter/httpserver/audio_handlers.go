package httpserver

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fieldworks/surveyd/internal/domain"
)

// allowedAudioMIME enforces the recording-format allowlist. Browsers record
// into webm/ogg containers that detectors report as video or application
// types, so those are accepted alongside audio/*.
func allowedAudioMIME(m string) bool {
	m = strings.ToLower(m)
	if strings.HasPrefix(m, "audio/") {
		return true
	}
	return strings.HasPrefix(m, "video/webm") ||
		strings.HasPrefix(m, "application/ogg")
}

// AudioUploadHandler ingests one interview recording and returns its opaque
// storage key. Clients pass the key back in completion metadata.
func (s *Server) AudioUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.principal(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxAudioUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxAudioUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		sessionID := r.FormValue("sessionId")
		surveyID := r.FormValue("surveyId")
		if sessionID == "" || surveyID == "" {
			writeError(w, r, fmt.Errorf("%w: sessionId and surveyId required", domain.ErrInvalidArgument), nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		mime := mimetype.Detect(data)
		if !allowedAudioMIME(mime.String()) {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "INVALID_ARGUMENT",
				Message: "unsupported media type for recording",
				Details: map[string]any{"mime": mime.String(), "filename": header.Filename},
			}})
			return
		}

		ext := mime.Extension()
		if ext == "" {
			ext = path.Ext(header.Filename)
		}
		key := fmt.Sprintf("audio/%s/%s%s", surveyID, sessionID, ext)
		storedKey, err := s.Audio.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), mime.String())
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.audio_upload: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"audioUrl":    storedKey,
			"size":        len(data),
			"mimetype":    mime.String(),
			"storageType": "minio",
		})
	}
}

// AudioSignedURLHandler returns a short-lived playback URL for a response's
// recording. Mock keys report isMock instead of erroring.
func (s *Server) AudioSignedURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.principal(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp, err := s.Responses.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if resp.Audio == nil || resp.Audio.AudioURL == "" {
			writeError(w, r, fmt.Errorf("op=http.signed_url: response has no recording: %w", domain.ErrNotFound), nil)
			return
		}
		if strings.HasPrefix(resp.Audio.AudioURL, "mock://") {
			writeJSON(w, http.StatusOK, map[string]any{"isMock": true, "signedUrl": nil})
			return
		}
		url, err := s.Audio.PresignGet(r.Context(), resp.Audio.AudioURL, s.Cfg.SignedURLExpiry)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.signed_url: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"signedUrl": url,
			"expiresIn": int(s.Cfg.SignedURLExpiry.Seconds()),
		})
	}
}
