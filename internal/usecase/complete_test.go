package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/domain/mocks"
	"github.com/fieldworks/surveyd/pkg/respnorm"
)

type completeFixture struct {
	sessions  *mocks.MockSessionRepository
	surveys   *mocks.MockSurveyRepository
	responses *mocks.MockResponseRepository
	sets      *mocks.MockSetDataRepository
	queue     *mocks.MockEnrollQueue
	svc       CompletionService
}

func newCompleteFixture() *completeFixture {
	f := &completeFixture{
		sessions:  new(mocks.MockSessionRepository),
		surveys:   new(mocks.MockSurveyRepository),
		responses: new(mocks.MockResponseRepository),
		sets:      new(mocks.MockSetDataRepository),
		queue:     new(mocks.MockEnrollQueue),
	}
	f.svc = NewCompletionService(f.sessions, f.surveys, f.responses, f.sets, f.queue)
	return f
}

func capiSession() domain.InterviewSession {
	return domain.InterviewSession{
		ID: "s1", SurveyID: "svy-1", InterviewerID: "int-1",
		Mode: domain.ModeCAPI, State: domain.SessionActive,
		StartedAt: time.Now().Add(-10 * time.Minute).UTC(),
	}
}

func someAnswers() []domain.AnsweredQuestion {
	return []domain.AnsweredQuestion{
		{QuestionID: "q1", QuestionType: "single_choice", Value: respnorm.Str("a")},
		{QuestionID: "q2", QuestionType: "text", Value: respnorm.Str("note")},
		{QuestionID: "q3", QuestionType: "number", Value: respnorm.Null()},
	}
}

func TestCompleteHappyPathEnqueuesEnroll(t *testing.T) {
	t.Parallel()
	f := newCompleteFixture()
	f.sessions.On("Get", mock.Anything, "s1").Return(capiSession(), nil)
	f.surveys.On("Get", mock.Anything, "svy-1").Return(testSurvey(), nil)
	f.responses.On("Create", mock.Anything, mock.MatchedBy(func(r domain.Response) bool {
		return r.Status == domain.StatusPendingApproval && r.SessionID == "s1"
	})).Return(domain.Response{ID: "r1", ResponseNumber: 100001, SurveyID: "svy-1", InterviewerID: "int-1", TotalTimeSpent: 600, CreatedAt: time.Now()}, nil)
	f.queue.On("EnqueueEnroll", mock.Anything, domain.EnrollTaskPayload{
		ResponseID: "r1", SurveyID: "svy-1", InterviewerID: "int-1",
	}).Return("task-1", nil)
	f.sessions.On("SetState", mock.Anything, "s1", domain.SessionAbandoned).Return(nil)

	res, err := f.svc.Complete(context.Background(), "s1", "int-1", someAnswers(), nil, CompletionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ResponseID)
	assert.Equal(t, int64(100001), res.ResponseNumber)
	assert.Equal(t, domain.StatusPendingApproval, res.Status)
	assert.Equal(t, 2, res.Answered)
	assert.Equal(t, 1, res.Skipped)
	f.queue.AssertExpectations(t)
	// Completion recycles the session record: its terminal state is abandoned.
	f.sessions.AssertCalled(t, "SetState", mock.Anything, "s1", domain.SessionAbandoned)
}

func TestCompleteCarriesQualityMetrics(t *testing.T) {
	t.Parallel()
	f := newCompleteFixture()
	f.sessions.On("Get", mock.Anything, "s1").Return(capiSession(), nil)
	f.surveys.On("Get", mock.Anything, "svy-1").Return(testSurvey(), nil)
	quality := map[string]respnorm.Value{
		"gps_accuracy":  respnorm.Num(4.2),
		"battery_level": respnorm.Num(81),
	}
	f.responses.On("Create", mock.Anything, mock.MatchedBy(func(r domain.Response) bool {
		return r.Quality["gps_accuracy"].NumVal() == 4.2 && r.Quality["battery_level"].NumVal() == 81
	})).Return(domain.Response{ID: "r1", CreatedAt: time.Now()}, nil)
	f.queue.On("EnqueueEnroll", mock.Anything, mock.Anything).Return("task-1", nil)
	f.sessions.On("SetState", mock.Anything, "s1", domain.SessionAbandoned).Return(nil)

	_, err := f.svc.Complete(context.Background(), "s1", "int-1", someAnswers(), quality, CompletionMetadata{})
	require.NoError(t, err)
	f.responses.AssertExpectations(t)
}

func TestCompleteDuplicateSurfacesExistingResponse(t *testing.T) {
	t.Parallel()
	f := newCompleteFixture()
	f.sessions.On("Get", mock.Anything, "s1").Return(capiSession(), nil)
	f.surveys.On("Get", mock.Anything, "svy-1").Return(testSurvey(), nil)
	dup := &domain.DuplicateSubmissionError{ResponseID: "r-prior", ResponseNumber: 100042}
	f.responses.On("Create", mock.Anything, mock.Anything).Return(domain.Response{}, dup)

	_, err := f.svc.Complete(context.Background(), "s1", "int-1", someAnswers(), nil, CompletionMetadata{})
	require.Error(t, err)
	got, ok := domain.AsDuplicate(err)
	require.True(t, ok)
	assert.Equal(t, "r-prior", got.ResponseID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	f.queue.AssertNotCalled(t, "EnqueueEnroll", mock.Anything, mock.Anything)
}

func TestCompleteAutoRejectsShortInterview(t *testing.T) {
	t.Parallel()
	f := newCompleteFixture()
	f.sessions.On("Get", mock.Anything, "s1").Return(capiSession(), nil)
	survey := testSurvey()
	survey.QC.MinDurationSeconds = 120
	f.surveys.On("Get", mock.Anything, "svy-1").Return(survey, nil)
	f.responses.On("Create", mock.Anything, mock.MatchedBy(func(r domain.Response) bool {
		return r.Status == domain.StatusRejected && r.Verification != nil && r.Verification.AutoRejected
	})).Return(domain.Response{ID: "r1", TotalTimeSpent: 30}, nil)
	f.sessions.On("SetState", mock.Anything, "s1", domain.SessionAbandoned).Return(nil)

	thirty := int64(30)
	res, err := f.svc.Complete(context.Background(), "s1", "int-1", someAnswers(), nil, CompletionMetadata{TotalTimeSpent: &thirty})
	require.NoError(t, err)
	assert.True(t, res.AutoRejected)
	// Clients still see the pending status.
	assert.Equal(t, domain.StatusPendingApproval, res.Status)
	f.queue.AssertNotCalled(t, "EnqueueEnroll", mock.Anything, mock.Anything)
}

func TestCompleteOwnerGuard(t *testing.T) {
	t.Parallel()
	f := newCompleteFixture()
	f.sessions.On("Get", mock.Anything, "s1").Return(capiSession(), nil)

	_, err := f.svc.Complete(context.Background(), "s1", "someone-else", someAnswers(), nil, CompletionMetadata{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCompleteCatiRecordsSetUsage(t *testing.T) {
	t.Parallel()
	f := newCompleteFixture()
	sess := capiSession()
	sess.Mode = domain.ModeCATI
	sess.CallID = "call-9"
	f.sessions.On("Get", mock.Anything, "s1").Return(sess, nil)
	f.surveys.On("Get", mock.Anything, "svy-1").Return(testSurvey(), nil)
	f.responses.On("Create", mock.Anything, mock.MatchedBy(func(r domain.Response) bool {
		return r.CallID == "call-9" && r.SetNumber == 3
	})).Return(domain.Response{ID: "r1", CreatedAt: time.Now()}, nil)
	f.sets.On("Append", mock.Anything, mock.MatchedBy(func(sd domain.SetData) bool {
		return sd.SurveyID == "svy-1" && sd.SetNumber == 3 && sd.Mode == domain.ModeCATI
	})).Return(nil)
	f.queue.On("EnqueueEnroll", mock.Anything, mock.Anything).Return("task-1", nil)
	f.sessions.On("SetState", mock.Anything, "s1", domain.SessionAbandoned).Return(nil)

	_, err := f.svc.Complete(context.Background(), "s1", "int-1", someAnswers(), nil, CompletionMetadata{SetNumber: 3})
	require.NoError(t, err)
	f.sets.AssertExpectations(t)
}

func TestBuildResponseClampsDuration(t *testing.T) {
	t.Parallel()
	sess := capiSession()
	start := time.Now().UTC()
	end := start.Add(200 * time.Millisecond)

	r := buildResponse(sess, nil, nil, CompletionMetadata{StartTime: &start, EndTime: &end})
	assert.Equal(t, int64(1), r.TotalTimeSpent)

	zero := int64(0)
	r = buildResponse(sess, nil, nil, CompletionMetadata{TotalTimeSpent: &zero})
	assert.Equal(t, int64(1), r.TotalTimeSpent)

	neg := int64(-5)
	r = buildResponse(sess, nil, nil, CompletionMetadata{TotalTimeSpent: &neg})
	assert.Equal(t, int64(1), r.TotalTimeSpent)
}

func TestAutoRejectRules(t *testing.T) {
	t.Parallel()
	survey := domain.Survey{QC: domain.QCConfig{MinDurationSeconds: 60, MaxSkipRate: 0.5}}

	t.Run("skip rate over required questions", func(t *testing.T) {
		t.Parallel()
		var answers []domain.AnsweredQuestion
		for i := 0; i < 10; i++ {
			answers = append(answers, domain.AnsweredQuestion{QuestionID: "q", QuestionType: "text", Required: true, Skipped: true})
		}
		answers = append(answers, domain.AnsweredQuestion{QuestionID: "q11", QuestionType: "text", Required: true, Value: respnorm.Str("x")})
		hit, reason := skipRateRule{}.Evaluate(survey, domain.Response{Answers: answers, TotalTimeSpent: 90})
		assert.True(t, hit)
		assert.NotEmpty(t, reason)
	})

	t.Run("optional skips do not count", func(t *testing.T) {
		t.Parallel()
		answers := []domain.AnsweredQuestion{
			{QuestionID: "q1", QuestionType: "text", Required: true, Value: respnorm.Str("x")},
			{QuestionID: "q2", QuestionType: "text", Required: true, Value: respnorm.Str("y")},
		}
		for i := 0; i < 10; i++ {
			answers = append(answers, domain.AnsweredQuestion{QuestionID: "opt", QuestionType: "text", Skipped: true})
		}
		hit, _ := skipRateRule{}.Evaluate(survey, domain.Response{Answers: answers})
		assert.False(t, hit)
	})

	t.Run("no required questions never fires", func(t *testing.T) {
		t.Parallel()
		answers := []domain.AnsweredQuestion{
			{QuestionID: "opt", QuestionType: "text", Skipped: true},
		}
		hit, _ := skipRateRule{}.Evaluate(survey, domain.Response{Answers: answers})
		assert.False(t, hit)
	})

	t.Run("straight lining", func(t *testing.T) {
		t.Parallel()
		var answers []domain.AnsweredQuestion
		for i := 0; i < 9; i++ {
			answers = append(answers, domain.AnsweredQuestion{QuestionID: "q", QuestionType: "single_choice", Value: respnorm.Str("B")})
		}
		hit, _ := straightLineRule{minRun: 8}.Evaluate(survey, domain.Response{Answers: answers})
		assert.True(t, hit)

		answers[4].Value = respnorm.Str("C")
		hit, _ = straightLineRule{minRun: 8}.Evaluate(survey, domain.Response{Answers: answers})
		assert.False(t, hit)
	})

	t.Run("duration boundary", func(t *testing.T) {
		t.Parallel()
		hit, _ := minDurationRule{}.Evaluate(survey, domain.Response{TotalTimeSpent: 60})
		assert.False(t, hit)
		hit, _ = minDurationRule{}.Evaluate(survey, domain.Response{TotalTimeSpent: 59})
		assert.True(t, hit)
	})
}
