package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fieldworks/surveyd/internal/adapter/telephony"
	"github.com/fieldworks/surveyd/internal/config"
	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/service/ratelimiter"
	"github.com/fieldworks/surveyd/internal/usecase"
	"github.com/fieldworks/surveyd/pkg/respnorm"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Sessions    usecase.SessionService
	Completions usecase.CompletionService
	Reviews     usecase.ReviewService
	Rotation    usecase.SetRotation
	Surveys     domain.SurveyRepository
	Responses   domain.ResponseRepository
	Users       domain.UserRepository
	CallLogs    domain.CallLogRepository
	Audio       domain.AudioStore
	Providers   *telephony.Registry
	Limiter     ratelimiter.Limiter
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	KafkaCheck  func(ctx context.Context) error
	MinioCheck  func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// principal resolves the calling user from the X-User-Id header. Authn is
// terminated upstream; an unknown or missing id is Forbidden.
func (s *Server) principal(r *http.Request) (domain.User, error) {
	uid := r.Header.Get("X-User-Id")
	if uid == "" {
		return domain.User{}, fmt.Errorf("op=http.principal: missing X-User-Id: %w", domain.ErrForbidden)
	}
	u, err := s.Users.Get(r.Context(), uid)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, fmt.Errorf("op=http.principal: unknown user %s: %w", uid, domain.ErrForbidden)
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := jsonDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	return nil
}

// StartSessionHandler starts (or restarts) an interview session.
func (s *Server) StartSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		surveyID := chi.URLParam(r, "surveyId")
		var req struct {
			Mode        string            `json:"mode"`
			Device      map[string]string `json:"device"`
			CatiQueueID string            `json:"catiQueueId"`
		}
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		sess, info, err := s.Sessions.Start(r.Context(), surveyID, u.ID, domain.SurveyMode(req.Mode), req.Device, req.CatiQueueID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		survey, err := s.Surveys.Get(r.Context(), surveyID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId":           sess.ID,
			"survey":              survey,
			"currentPosition":     sess.Current,
			"requiresACSelection": info.RequiresACSelection,
			"assignedACs":         info.AssignedACs,
		})
	}
}

// GetSessionHandler returns the caller's session state.
func (s *Server) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sess, err := s.Sessions.Get(r.Context(), chi.URLParam(r, "sessionId"), u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// UpdateResponseHandler stores one tentative answer.
func (s *Server) UpdateResponseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			QuestionID string         `json:"questionId" validate:"required"`
			Response   respnorm.Value `json:"response"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: questionId required", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Sessions.UpdateResponse(r.Context(), chi.URLParam(r, "sessionId"), u.ID, req.QuestionID, req.Response); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"saved": true})
	}
}

// NavigateHandler moves the session cursor.
func (s *Server) NavigateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			SectionIndex  int `json:"sectionIndex"`
			QuestionIndex int `json:"questionIndex"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		target := domain.Position{Section: req.SectionIndex, Question: req.QuestionIndex}
		if err := s.Sessions.Navigate(r.Context(), chi.URLParam(r, "sessionId"), u.ID, target); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"currentPosition": target})
	}
}

// ReachHandler marks a position as displayed.
func (s *Server) ReachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			SectionIndex  int    `json:"sectionIndex"`
			QuestionIndex int    `json:"questionIndex"`
			QuestionID    string `json:"questionId"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		p := domain.Position{Section: req.SectionIndex, Question: req.QuestionIndex}
		if err := s.Sessions.MarkReached(r.Context(), chi.URLParam(r, "sessionId"), u.ID, p); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reached": true})
	}
}

// PauseHandler pauses an active session.
func (s *Server) PauseHandler() http.HandlerFunc {
	return s.flipHandler(func(ctx domain.Context, sessionID, userID string) error {
		return s.Sessions.Pause(ctx, sessionID, userID)
	}, "paused")
}

// ResumeHandler resumes a paused session.
func (s *Server) ResumeHandler() http.HandlerFunc {
	return s.flipHandler(func(ctx domain.Context, sessionID, userID string) error {
		return s.Sessions.Resume(ctx, sessionID, userID)
	}, "active")
}

func (s *Server) flipHandler(op func(domain.Context, string, string) error, state string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := op(r.Context(), chi.URLParam(r, "sessionId"), u.ID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state})
	}
}

type completionRequest struct {
	Responses      []domain.AnsweredQuestion  `json:"responses"`
	QualityMetrics map[string]respnorm.Value  `json:"qualityMetrics,omitempty"`
	Metadata       usecase.CompletionMetadata `json:"metadata"`
}

// AbandonHandler terminates a session; partial answers may produce a
// Terminated response.
func (s *Server) AbandonHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req completionRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		resp, err := s.Sessions.Abandon(r.Context(), chi.URLParam(r, "sessionId"), u.ID, req.Responses, req.Metadata)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := map[string]any{"abandoned": true}
		if resp != nil {
			out["responseId"] = resp.ID
			out["status"] = resp.Status
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CompleteHandler submits a finished CAPI or multi-mode interview.
func (s *Server) CompleteHandler() http.HandlerFunc {
	return s.completeHandler(false)
}

// CompleteCATIHandler is the CATI completion variant: catiQueueId required,
// audio never attached.
func (s *Server) CompleteCATIHandler() http.HandlerFunc {
	return s.completeHandler(true)
}

func (s *Server) completeHandler(cati bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.principal(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if s.Limiter != nil {
			allowed, retryAfter, lerr := s.Limiter.Allow(r.Context(), "complete:"+u.ID, 1)
			if lerr == nil && !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				}
				writeError(w, r, fmt.Errorf("op=http.complete: submissions throttled: %w", domain.ErrRateLimited), nil)
				return
			}
		}
		var req completionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if cati {
			if req.Metadata.CatiQueueID == "" {
				writeError(w, r, fmt.Errorf("%w: catiQueueId required", domain.ErrInvalidArgument), nil)
				return
			}
			req.Metadata.Audio = nil
		}
		res, err := s.Completions.Complete(r.Context(), chi.URLParam(r, "sessionId"), u.ID, req.Responses, req.QualityMetrics, req.Metadata)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"responseId": res.ResponseID,
			"status":     res.Status,
			"summary": map[string]any{
				"responseNumber":  res.ResponseNumber,
				"answered":        res.Answered,
				"skipped":         res.Skipped,
				"durationSeconds": res.DurationSec,
			},
		})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes Postgres, Redis, Kafka, and MinIO.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probes := []struct {
		name string
		fn   func() func(context.Context) error
	}{
		{"db", func() func(context.Context) error { return s.DBCheck }},
		{"redis", func() func(context.Context) error { return s.RedisCheck }},
		{"kafka", func() func(context.Context) error { return s.KafkaCheck }},
		{"minio", func() func(context.Context) error { return s.MinioCheck }},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			fn := p.fn()
			if fn == nil {
				continue
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func trimQuery(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
