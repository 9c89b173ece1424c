// Package usecase contains the application services of the survey pipeline.
package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/pkg/respnorm"
)

// SessionService owns the interview-session lifecycle.
type SessionService struct {
	Sessions  domain.SessionRepository
	Surveys   domain.SurveyRepository
	Responses domain.ResponseRepository
}

// NewSessionService constructs a SessionService.
func NewSessionService(sessions domain.SessionRepository, surveys domain.SurveyRepository, responses domain.ResponseRepository) SessionService {
	return SessionService{Sessions: sessions, Surveys: surveys, Responses: responses}
}

// StartInfo accompanies a freshly started session.
type StartInfo struct {
	RequiresACSelection bool
	AssignedACs         []string
}

// Start validates the interviewer's assignment, abandons any open session
// for the (survey, interviewer) pair, and creates a fresh session at (0,0).
func (s SessionService) Start(ctx domain.Context, surveyID, interviewerID string, mode domain.SurveyMode, device map[string]string, catiQueueID string) (domain.InterviewSession, StartInfo, error) {
	survey, err := s.Surveys.Get(ctx, surveyID)
	if err != nil {
		return domain.InterviewSession{}, StartInfo{}, err
	}
	if !survey.HasInterviewer(interviewerID) {
		return domain.InterviewSession{}, StartInfo{}, fmt.Errorf("op=session.start: interviewer not assigned: %w", domain.ErrForbidden)
	}
	if survey.Mode != domain.ModeMultiMode {
		mode = survey.Mode
	} else if mode == "" {
		mode = domain.ModeCAPI
	}

	// Invariant: at most one non-terminal session per (survey, interviewer).
	if prev, err := s.Sessions.FindOpen(ctx, surveyID, interviewerID); err == nil {
		if err := s.Sessions.SetState(ctx, prev.ID, domain.SessionAbandoned); err != nil {
			return domain.InterviewSession{}, StartInfo{}, err
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.InterviewSession{}, StartInfo{}, err
	}

	now := time.Now().UTC()
	sess := domain.InterviewSession{
		ID:            uuid.New().String(),
		SurveyID:      surveyID,
		InterviewerID: interviewerID,
		Mode:          mode,
		Current:       domain.Position{},
		Reached:       []domain.Position{{Section: 0, Question: 0}},
		Tentative:     map[string]respnorm.Value{},
		Device:        device,
		CatiQueueID:   catiQueueID,
		State:         domain.SessionActive,
		StartedAt:     now,
		LastActivity:  now,
	}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		return domain.InterviewSession{}, StartInfo{}, err
	}
	info := StartInfo{
		RequiresACSelection: len(survey.ACs) > 0,
		AssignedACs:         survey.ACs,
	}
	return sess, info, nil
}

// Get returns the session iff the caller owns it.
func (s SessionService) Get(ctx domain.Context, sessionID, interviewerID string) (domain.InterviewSession, error) {
	sess, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.InterviewSession{}, err
	}
	if sess.InterviewerID != interviewerID {
		return domain.InterviewSession{}, fmt.Errorf("op=session.get: not owner: %w", domain.ErrForbidden)
	}
	return sess, nil
}

// UpdateResponse overwrites the tentative answer for a question.
func (s SessionService) UpdateResponse(ctx domain.Context, sessionID, interviewerID, questionID string, value respnorm.Value) error {
	sess, err := s.owned(ctx, sessionID, interviewerID)
	if err != nil {
		return err
	}
	if sess.Tentative == nil {
		sess.Tentative = map[string]respnorm.Value{}
	}
	sess.Tentative[questionID] = value
	return s.Sessions.Update(ctx, sess)
}

// Navigate moves the cursor; only a reached question or the immediate next
// question from the current position is allowed.
func (s SessionService) Navigate(ctx domain.Context, sessionID, interviewerID string, target domain.Position) error {
	sess, err := s.owned(ctx, sessionID, interviewerID)
	if err != nil {
		return err
	}
	if !sess.HasReached(target) {
		survey, err := s.Surveys.Get(ctx, sess.SurveyID)
		if err != nil {
			return err
		}
		next, ok := survey.NextPosition(sess.Current.Section, sess.Current.Question)
		if !ok || next != target {
			return fmt.Errorf("op=session.navigate: question not reached: %w", domain.ErrForbidden)
		}
	}
	sess.Current = target
	sess.MarkReached(target)
	return s.Sessions.Update(ctx, sess)
}

// MarkReached records a displayed question; idempotent.
func (s SessionService) MarkReached(ctx domain.Context, sessionID, interviewerID string, p domain.Position) error {
	sess, err := s.owned(ctx, sessionID, interviewerID)
	if err != nil {
		return err
	}
	if sess.HasReached(p) {
		return nil
	}
	sess.MarkReached(p)
	return s.Sessions.Update(ctx, sess)
}

// Pause flips an active session to paused.
func (s SessionService) Pause(ctx domain.Context, sessionID, interviewerID string) error {
	return s.flip(ctx, sessionID, interviewerID, domain.SessionActive, domain.SessionPaused)
}

// Resume flips a paused session back to active.
func (s SessionService) Resume(ctx domain.Context, sessionID, interviewerID string) error {
	return s.flip(ctx, sessionID, interviewerID, domain.SessionPaused, domain.SessionActive)
}

// Abandon terminates a session. When at least one valid answer exists the
// in-flight data is promoted to a Terminated response carrying the abandoned
// reason; otherwise the session is simply marked abandoned.
func (s SessionService) Abandon(ctx domain.Context, sessionID, interviewerID string, answers []domain.AnsweredQuestion, md CompletionMetadata) (*domain.Response, error) {
	sess, err := s.owned(ctx, sessionID, interviewerID)
	if err != nil {
		return nil, err
	}
	if !hasValidAnswer(answers) {
		if err := s.Sessions.SetState(ctx, sess.ID, domain.SessionAbandoned); err != nil {
			return nil, err
		}
		return nil, nil
	}

	reason := md.AbandonedReason
	if reason == "" {
		reason = "Abandoned by interviewer"
	}
	resp := buildResponse(sess, answers, nil, md)
	resp.Status = domain.StatusTerminated
	resp.AbandonedReason = reason
	created, err := s.Responses.Create(ctx, resp)
	if err != nil {
		if dup, ok := domain.AsDuplicate(err); ok {
			// A prior abandon/complete already promoted this session.
			existing, gerr := s.Responses.Get(ctx, dup.ResponseID)
			if gerr == nil {
				_ = s.Sessions.SetState(ctx, sess.ID, domain.SessionAbandoned)
				return &existing, nil
			}
		}
		return nil, err
	}
	if err := s.Sessions.SetState(ctx, sess.ID, domain.SessionAbandoned); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s SessionService) owned(ctx domain.Context, sessionID, interviewerID string) (domain.InterviewSession, error) {
	sess, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.InterviewSession{}, err
	}
	if sess.InterviewerID != interviewerID {
		return domain.InterviewSession{}, fmt.Errorf("op=session: not owner: %w", domain.ErrForbidden)
	}
	if sess.State.Terminal() {
		return domain.InterviewSession{}, fmt.Errorf("op=session: session is terminal: %w", domain.ErrConflict)
	}
	return sess, nil
}

func (s SessionService) flip(ctx domain.Context, sessionID, interviewerID string, from, to domain.SessionState) error {
	sess, err := s.owned(ctx, sessionID, interviewerID)
	if err != nil {
		return err
	}
	if sess.State != from {
		return fmt.Errorf("op=session.flip: session is %s: %w", sess.State, domain.ErrConflict)
	}
	return s.Sessions.SetState(ctx, sessionID, to)
}

// hasValidAnswer reports whether any answer carries content, ignoring
// AC-selection and polling-station questions.
func hasValidAnswer(answers []domain.AnsweredQuestion) bool {
	for _, a := range answers {
		switch a.QuestionType {
		case "ac_selection", "polling_station":
			continue
		}
		if !a.Value.IsEmpty() {
			return true
		}
	}
	return false
}
