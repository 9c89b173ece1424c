package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/pkg/respnorm"
)

// CompletionMetadata is the client-reported metadata attached to a
// completion or abandonment payload. All fields are optional; missing
// values fall back to session data.
type CompletionMetadata struct {
	StartTime        *time.Time             `json:"startTime,omitempty"`
	EndTime          *time.Time             `json:"endTime,omitempty"`
	TotalTimeSpent   *int64                 `json:"totalTimeSpent,omitempty"`
	AC               string                 `json:"ac,omitempty"`
	PollingStation   string                 `json:"pollingStation,omitempty"`
	Location         *domain.GeoPoint       `json:"location,omitempty"`
	GeoFencePassed   *bool                  `json:"geoFencePassed,omitempty"`
	SetNumber        int                    `json:"setNumber,omitempty"`
	ConsentResponse  string                 `json:"consentResponse,omitempty"`
	Audio            *domain.AudioRecording `json:"audio,omitempty"`
	RespondentName   string                 `json:"respondentName,omitempty"`
	Gender           string                 `json:"gender,omitempty"`
	Age              int                    `json:"age,omitempty"`
	CallID           string                 `json:"callId,omitempty"`
	CatiQueueID      string                 `json:"catiQueueId,omitempty"`
	AbandonedReason  string                 `json:"abandonedReason,omitempty"`
	AbandonmentNotes string                 `json:"abandonmentNotes,omitempty"`
}

// CompletionResult is returned to the submitting client.
type CompletionResult struct {
	ResponseID     string                `json:"responseId"`
	ResponseNumber int64                 `json:"responseNumber"`
	Status         domain.ResponseStatus `json:"status"`
	Answered       int                   `json:"answered"`
	Skipped        int                   `json:"skipped"`
	DurationSec    int64                 `json:"durationSeconds"`
	AutoRejected   bool                  `json:"autoRejected,omitempty"`
	RejectReason   string                `json:"rejectReason,omitempty"`
}

// CompletionService turns a finished session into an immutable response and
// enrolls it for quality control.
type CompletionService struct {
	Sessions  domain.SessionRepository
	Surveys   domain.SurveyRepository
	Responses domain.ResponseRepository
	Sets      domain.SetDataRepository
	Queue     domain.EnrollQueue
	Rules     []AutoRejectRule
}

// NewCompletionService constructs a CompletionService with the default
// auto-rejection rules.
func NewCompletionService(sessions domain.SessionRepository, surveys domain.SurveyRepository, responses domain.ResponseRepository, sets domain.SetDataRepository, queue domain.EnrollQueue) CompletionService {
	return CompletionService{
		Sessions:  sessions,
		Surveys:   surveys,
		Responses: responses,
		Sets:      sets,
		Queue:     queue,
		Rules:     DefaultAutoRejectRules(),
	}
}

// Complete persists the response for a session. Client-computed quality
// metrics ride along verbatim for reviewers. A second completion of the
// same session surfaces as *domain.DuplicateSubmissionError wrapping
// ErrConflict, carrying the prior response's identifiers.
func (s CompletionService) Complete(ctx domain.Context, sessionID, interviewerID string, answers []domain.AnsweredQuestion, quality map[string]respnorm.Value, md CompletionMetadata) (CompletionResult, error) {
	sess, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return CompletionResult{}, err
	}
	if sess.InterviewerID != interviewerID {
		return CompletionResult{}, fmt.Errorf("op=complete: not owner: %w", domain.ErrForbidden)
	}

	survey, err := s.Surveys.Get(ctx, sess.SurveyID)
	if err != nil {
		return CompletionResult{}, err
	}

	resp := buildResponse(sess, answers, &survey, md)
	resp.Quality = quality
	resp.Status = domain.StatusPendingApproval

	autoRejected := false
	var rejectReason string
	for _, rule := range s.Rules {
		if hit, reason := rule.Evaluate(survey, resp); hit {
			autoRejected = true
			rejectReason = reason
			resp.Status = domain.StatusRejected
			resp.Verification = &domain.VerificationData{
				VerifiedAt:      resp.EndTime,
				AutoRejected:    true,
				RejectionReason: reason,
			}
			break
		}
	}

	created, err := s.Responses.Create(ctx, resp)
	if err != nil {
		if _, ok := domain.AsDuplicate(err); ok {
			observability.CompletionsTotal.WithLabelValues(string(sess.Mode), "duplicate").Inc()
		}
		return CompletionResult{}, err
	}

	if sess.Mode == domain.ModeCATI && md.SetNumber > 0 {
		if err := s.Sets.Append(ctx, domain.SetData{
			ID:        uuid.New().String(),
			SurveyID:  sess.SurveyID,
			Mode:      domain.ModeCATI,
			SetNumber: md.SetNumber,
			CreatedAt: created.CreatedAt,
		}); err != nil {
			slog.Warn("set usage not recorded", slog.Any("error", err), slog.String("survey_id", sess.SurveyID))
		}
	}

	if !autoRejected {
		payload := domain.EnrollTaskPayload{
			ResponseID:    created.ID,
			SurveyID:      created.SurveyID,
			InterviewerID: created.InterviewerID,
		}
		if _, err := s.Queue.EnqueueEnroll(ctx, payload); err != nil {
			// The response is already durable; the failure is counted below so
			// operators can replay enrollment for the affected responses.
			slog.Error("enroll enqueue failed", slog.Any("error", err), slog.String("response_id", created.ID))
			observability.EnrollEventsTotal.WithLabelValues("enqueue_failed").Inc()
		} else {
			observability.EnrollEventsTotal.WithLabelValues("enqueued").Inc()
		}
	}

	// The session record is only scaffolding once the response exists, so
	// cleanup marks it abandoned rather than keeping a terminal state of its own.
	if err := s.Sessions.SetState(ctx, sess.ID, domain.SessionAbandoned); err != nil {
		slog.Warn("session cleanup failed", slog.Any("error", err), slog.String("session_id", sess.ID))
	}

	outcome := "accepted"
	if autoRejected {
		outcome = "auto_rejected"
	}
	observability.CompletionsTotal.WithLabelValues(string(sess.Mode), outcome).Inc()

	answered, skipped := tally(answers)
	// Clients always see Pending_Approval; auto-rejection stays internal.
	return CompletionResult{
		ResponseID:     created.ID,
		ResponseNumber: created.ResponseNumber,
		Status:         domain.StatusPendingApproval,
		Answered:       answered,
		Skipped:        skipped,
		DurationSec:    created.TotalTimeSpent,
		AutoRejected:   autoRejected,
		RejectReason:   rejectReason,
	}, nil
}

// buildResponse assembles the immutable response document from the session,
// the submitted answers, and client metadata. The survey may be nil when the
// caller has no use for question lookups (abandonment promotion).
func buildResponse(sess domain.InterviewSession, answers []domain.AnsweredQuestion, survey *domain.Survey, md CompletionMetadata) domain.Response {
	now := time.Now().UTC()
	start := sess.StartedAt
	if md.StartTime != nil {
		start = md.StartTime.UTC()
	}
	end := now
	if md.EndTime != nil {
		end = md.EndTime.UTC()
	}

	var total int64
	if md.TotalTimeSpent != nil {
		total = *md.TotalTimeSpent
	} else {
		total = int64(end.Sub(start) / time.Second)
	}
	// Sub-second interviews still count as one second.
	if total < 1 {
		total = 1
	}

	ac := md.AC
	callID := md.CallID
	if callID == "" {
		callID = sess.CallID
	}
	catiQueueID := md.CatiQueueID
	if catiQueueID == "" {
		catiQueueID = sess.CatiQueueID
	}

	return domain.Response{
		ID:               uuid.New().String(),
		SessionID:        sess.ID,
		SurveyID:         sess.SurveyID,
		InterviewerID:    sess.InterviewerID,
		Mode:             sess.Mode,
		Answers:          answers,
		AC:               ac,
		PollingStation:   md.PollingStation,
		Location:         md.Location,
		GeoFencePassed:   md.GeoFencePassed,
		SetNumber:        md.SetNumber,
		ConsentResponse:  md.ConsentResponse,
		Audio:            md.Audio,
		RespondentName:   md.RespondentName,
		Gender:           md.Gender,
		Age:              md.Age,
		CallID:           callID,
		CatiQueueID:      catiQueueID,
		AbandonmentNotes: md.AbandonmentNotes,
		StartTime:        start,
		EndTime:          end,
		TotalTimeSpent:   total,
		CreatedAt:        now,
	}
}

func tally(answers []domain.AnsweredQuestion) (answered, skipped int) {
	for _, a := range answers {
		if a.Value.IsEmpty() {
			skipped++
		} else {
			answered++
		}
	}
	return answered, skipped
}
