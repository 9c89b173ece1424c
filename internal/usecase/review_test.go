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
)

type reviewFixture struct {
	responses *mocks.MockResponseRepository
	surveys   *mocks.MockSurveyRepository
	users     *mocks.MockUserRepository
	audio     *mocks.MockAudioStore
	now       time.Time
	svc       ReviewService
}

func newReviewFixture() *reviewFixture {
	f := &reviewFixture{
		responses: new(mocks.MockResponseRepository),
		surveys:   new(mocks.MockSurveyRepository),
		users:     new(mocks.MockUserRepository),
		audio:     new(mocks.MockAudioStore),
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewReviewService(f.responses, f.surveys, f.users, f.audio, 30*time.Minute, 15*time.Minute)
	f.svc.Now = func() time.Time { return f.now }
	return f
}

func (f *reviewFixture) agentInScope() {
	f.users.On("Get", mock.Anything, "qa-1").Return(domain.User{ID: "qa-1", Role: domain.RoleQualityAgent, CompanyID: "co-1"}, nil)
	survey := testSurvey()
	survey.Reviewers = []domain.ReviewerAssignment{{UserID: "qa-1", ACs: []string{"AC-1"}}}
	f.surveys.On("ListForReviewer", mock.Anything, "qa-1").Return([]domain.Survey{survey}, nil)
}

func TestReviewNextReturnsHeldLeaseFirst(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.agentInScope()
	held := domain.Response{
		ID: "r1", Mode: domain.ModeCATI, Status: domain.StatusPendingApproval,
		Assignment: &domain.ReviewAssignment{AssignedTo: "qa-1", ExpiresAt: f.now.Add(10 * time.Minute)},
	}
	f.responses.On("FindAssigned", mock.Anything, "qa-1", f.now, mock.Anything).Return(held, nil)

	item, msg, err := f.svc.Next(context.Background(), "qa-1", ReviewFilters{})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Empty(t, msg)
	assert.Equal(t, "r1", item.Response.ID)
	assert.Equal(t, f.now.Add(10*time.Minute), item.LeaseExpiresAt)
	f.responses.AssertNotCalled(t, "NextReviewable", mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewNextClaimsOldestCandidate(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.agentInScope()
	f.responses.On("FindAssigned", mock.Anything, "qa-1", f.now, mock.Anything).Return(domain.Response{}, domain.ErrNotFound)
	cand := domain.Response{ID: "r2", Mode: domain.ModeCATI, Status: domain.StatusPendingApproval}
	f.responses.On("NextReviewable", mock.Anything, mock.MatchedBy(func(q domain.ReviewQuery) bool {
		return len(q.Scopes) == 1 && q.Scopes[0].SurveyID == "svy-1" && len(q.Scopes[0].ACs) == 1
	}), f.now).Return(cand, nil)
	f.responses.On("Claim", mock.Anything, "r2", "qa-1", f.now, f.now.Add(30*time.Minute)).Return(true, nil)

	item, _, err := f.svc.Next(context.Background(), "qa-1", ReviewFilters{})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, f.now.Add(30*time.Minute), item.LeaseExpiresAt)
	require.NotNil(t, item.Response.Assignment)
	assert.Equal(t, "qa-1", item.Response.Assignment.AssignedTo)
}

func TestReviewNextRetriesOnClaimContention(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.agentInScope()
	f.responses.On("FindAssigned", mock.Anything, "qa-1", f.now, mock.Anything).Return(domain.Response{}, domain.ErrNotFound)
	f.responses.On("NextReviewable", mock.Anything, mock.Anything, f.now).
		Return(domain.Response{ID: "r2", Status: domain.StatusPendingApproval}, nil).Once()
	f.responses.On("Claim", mock.Anything, "r2", "qa-1", mock.Anything, mock.Anything).Return(false, nil).Once()
	f.responses.On("NextReviewable", mock.Anything, mock.Anything, f.now).
		Return(domain.Response{ID: "r3", Status: domain.StatusPendingApproval}, nil).Once()
	f.responses.On("Claim", mock.Anything, "r3", "qa-1", mock.Anything, mock.Anything).Return(true, nil).Once()

	item, _, err := f.svc.Next(context.Background(), "qa-1", ReviewFilters{})
	require.NoError(t, err)
	assert.Equal(t, "r3", item.Response.ID)
}

func TestReviewNextDrainedQueue(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.agentInScope()
	f.responses.On("FindAssigned", mock.Anything, "qa-1", f.now, mock.Anything).Return(domain.Response{}, domain.ErrNotFound)
	f.responses.On("NextReviewable", mock.Anything, mock.Anything, f.now).Return(domain.Response{}, domain.ErrNotFound)

	item, msg, err := f.svc.Next(context.Background(), "qa-1", ReviewFilters{})
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, "No responses awaiting review", msg)
}

func TestReviewNextNoAssignedSurveys(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.users.On("Get", mock.Anything, "qa-1").Return(domain.User{ID: "qa-1", Role: domain.RoleQualityAgent}, nil)
	f.surveys.On("ListForReviewer", mock.Anything, "qa-1").Return([]domain.Survey{}, nil)

	item, msg, err := f.svc.Next(context.Background(), "qa-1", ReviewFilters{})
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, "No surveys assigned for review", msg)
}

func TestReviewNextInterviewerForbidden(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.users.On("Get", mock.Anything, "int-1").Return(domain.User{ID: "int-1", Role: domain.RoleInterviewer}, nil)

	_, _, err := f.svc.Next(context.Background(), "int-1", ReviewFilters{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestReviewItemSignsCapiAudio(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{
		ID: "r1", Mode: domain.ModeCAPI,
		Audio: &domain.AudioRecording{AudioURL: "audio/svy-1/r1.m4a"},
	}
	f.audio.On("PresignGet", mock.Anything, "audio/svy-1/r1.m4a", 15*time.Minute).Return("https://minio/signed", nil)

	item, err := f.svc.item(context.Background(), resp)
	require.NoError(t, err)
	assert.Equal(t, "https://minio/signed", item.SignedAudioURL)
	assert.False(t, item.IsMockAudio)
}

func TestReviewItemFlagsMockAudio(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{
		ID: "r1", Mode: domain.ModeCAPI,
		Audio: &domain.AudioRecording{AudioURL: "mock://recordings/r1"},
	}

	item, err := f.svc.item(context.Background(), resp)
	require.NoError(t, err)
	assert.True(t, item.IsMockAudio)
	assert.Empty(t, item.SignedAudioURL)
	f.audio.AssertNotCalled(t, "PresignGet", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitApprovedHappyPath(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{
		ID: "r1", Status: domain.StatusPendingApproval,
		Assignment: &domain.ReviewAssignment{AssignedTo: "qa-1", ExpiresAt: f.now.Add(5 * time.Minute)},
	}
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil).Once()
	f.responses.On("CompleteVerification", mock.Anything, "r1", domain.StatusApproved, mock.MatchedBy(func(v domain.VerificationData) bool {
		return v.ReviewerID == "qa-1" && v.RejectionReason == ""
	}), "qa-1", f.now).Return(true, nil)
	approved := resp
	approved.Status = domain.StatusApproved
	approved.Assignment = nil
	f.responses.On("Get", mock.Anything, "r1").Return(approved, nil)

	final, err := f.svc.Submit(context.Background(), "r1", "qa-1", "approved", map[string]string{"audio_quality": "ok"}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, final.Status)
}

func TestSubmitRejectedDerivesReason(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{ID: "r1", Status: domain.StatusPendingApproval}
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil).Once()
	var stored domain.VerificationData
	f.responses.On("CompleteVerification", mock.Anything, "r1", domain.StatusRejected, mock.MatchedBy(func(v domain.VerificationData) bool {
		stored = v
		return true
	}), "qa-1", f.now).Return(true, nil)
	rejected := resp
	rejected.Status = domain.StatusRejected
	f.responses.On("Get", mock.Anything, "r1").Return(rejected, nil)

	criteria := map[string]string{"audio_quality": "bad", "gender_match": "ok"}
	_, err := f.svc.Submit(context.Background(), "r1", "qa-1", "rejected", criteria, "")
	require.NoError(t, err)
	assert.Equal(t, "Audio quality was too poor to verify the interview.", stored.RejectionReason)
}

func TestSubmitLeaseholderMismatch(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{
		ID: "r1", Status: domain.StatusPendingApproval,
		Assignment: &domain.ReviewAssignment{AssignedTo: "qa-2", ExpiresAt: f.now.Add(5 * time.Minute)},
	}
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil)

	_, err := f.svc.Submit(context.Background(), "r1", "qa-1", "approved", nil, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSubmitExpiredLeaseAllowsOtherReviewer(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{
		ID: "r1", Status: domain.StatusPendingApproval,
		Assignment: &domain.ReviewAssignment{AssignedTo: "qa-2", ExpiresAt: f.now.Add(-time.Minute)},
	}
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil).Once()
	f.responses.On("CompleteVerification", mock.Anything, "r1", domain.StatusApproved, mock.Anything, "qa-1", f.now).Return(true, nil)
	approved := resp
	approved.Status = domain.StatusApproved
	f.responses.On("Get", mock.Anything, "r1").Return(approved, nil)

	_, err := f.svc.Submit(context.Background(), "r1", "qa-1", "approved", nil, "")
	assert.NoError(t, err)
}

func TestSubmitAlreadyDecidedConflicts(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{ID: "r1", Status: domain.StatusApproved}
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil)

	_, err := f.svc.Submit(context.Background(), "r1", "qa-1", "rejected", nil, "")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSubmitInvalidVerdict(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	_, err := f.svc.Submit(context.Background(), "r1", "qa-1", "maybe", nil, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitConfirmsAndRepairsStatus(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	resp := domain.Response{ID: "r1", Status: domain.StatusPendingApproval}
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil).Once()
	f.responses.On("CompleteVerification", mock.Anything, "r1", domain.StatusApproved, mock.Anything, "qa-1", f.now).Return(true, nil)
	// First confirm read still shows pending; one repair write follows.
	f.responses.On("Get", mock.Anything, "r1").Return(resp, nil).Once()
	f.responses.On("SetStatus", mock.Anything, "r1", domain.StatusApproved).Return(nil)
	approved := resp
	approved.Status = domain.StatusApproved
	f.responses.On("Get", mock.Anything, "r1").Return(approved, nil)

	final, err := f.svc.Submit(context.Background(), "r1", "qa-1", "approved", nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, final.Status)
	f.responses.AssertExpectations(t)
}

func TestReleaseRequiresHeldLease(t *testing.T) {
	t.Parallel()
	f := newReviewFixture()
	f.responses.On("ReleaseAssignment", mock.Anything, "r1", "qa-1").Return(false, nil)

	err := f.svc.Release(context.Background(), "r1", "qa-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDeriveRejectionReasonIsDeterministic(t *testing.T) {
	t.Parallel()
	criteria := map[string]string{
		"name_match":    "mismatch",
		"audio_quality": "bad",
		"custom_check":  "fail",
	}
	want := "Audio quality was too poor to verify the interview. " +
		`Verification criterion "custom_check" failed. ` +
		"Respondent name did not match the recorded answer."
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, deriveRejectionReason(criteria))
	}
	assert.Equal(t, "Rejected during quality review.", deriveRejectionReason(map[string]string{"x": "ok"}))
}
