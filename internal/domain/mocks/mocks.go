// Package mocks provides testify mocks for the domain ports.
package mocks

import (
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fieldworks/surveyd/internal/domain"
)

// MockSessionRepository mocks domain.SessionRepository.
type MockSessionRepository struct{ mock.Mock }

func (m *MockSessionRepository) Create(ctx domain.Context, s domain.InterviewSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSessionRepository) Get(ctx domain.Context, id string) (domain.InterviewSession, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.InterviewSession), args.Error(1)
}

func (m *MockSessionRepository) FindOpen(ctx domain.Context, surveyID, interviewerID string) (domain.InterviewSession, error) {
	args := m.Called(ctx, surveyID, interviewerID)
	return args.Get(0).(domain.InterviewSession), args.Error(1)
}

func (m *MockSessionRepository) Update(ctx domain.Context, s domain.InterviewSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSessionRepository) SetState(ctx domain.Context, id string, state domain.SessionState) error {
	return m.Called(ctx, id, state).Error(0)
}

func (m *MockSessionRepository) ListStale(ctx domain.Context, cutoff time.Time, limit int) ([]domain.InterviewSession, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Get(0).([]domain.InterviewSession), args.Error(1)
}

// MockResponseRepository mocks domain.ResponseRepository.
type MockResponseRepository struct{ mock.Mock }

func (m *MockResponseRepository) Create(ctx domain.Context, r domain.Response) (domain.Response, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *MockResponseRepository) Get(ctx domain.Context, id string) (domain.Response, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *MockResponseRepository) FindBySession(ctx domain.Context, sessionID string) (domain.Response, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *MockResponseRepository) SetBatch(ctx domain.Context, id, batchID string) error {
	return m.Called(ctx, id, batchID).Error(0)
}

func (m *MockResponseRepository) MarkSamples(ctx domain.Context, ids []string) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *MockResponseRepository) UpdateStatusBulk(ctx domain.Context, ids []string, status domain.ResponseStatus, reason string) (int, error) {
	args := m.Called(ctx, ids, status, reason)
	return args.Int(0), args.Error(1)
}

func (m *MockResponseRepository) SetStatus(ctx domain.Context, id string, status domain.ResponseStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockResponseRepository) FindAssigned(ctx domain.Context, reviewerID string, now time.Time, q domain.ReviewQuery) (domain.Response, error) {
	args := m.Called(ctx, reviewerID, now, q)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *MockResponseRepository) NextReviewable(ctx domain.Context, q domain.ReviewQuery, now time.Time) (domain.Response, error) {
	args := m.Called(ctx, q, now)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *MockResponseRepository) Claim(ctx domain.Context, id, reviewerID string, now, expiresAt time.Time) (bool, error) {
	args := m.Called(ctx, id, reviewerID, now, expiresAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockResponseRepository) ReleaseAssignment(ctx domain.Context, id, reviewerID string) (bool, error) {
	args := m.Called(ctx, id, reviewerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockResponseRepository) CompleteVerification(ctx domain.Context, id string, status domain.ResponseStatus, v domain.VerificationData, reviewerID string, now time.Time) (bool, error) {
	args := m.Called(ctx, id, status, v, reviewerID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockResponseRepository) ListWindow(ctx domain.Context, mode domain.SurveyMode, from, to time.Time, offset, limit int) ([]domain.Response, error) {
	args := m.Called(ctx, mode, from, to, offset, limit)
	return args.Get(0).([]domain.Response), args.Error(1)
}

// MockBatchRepository mocks domain.BatchRepository.
type MockBatchRepository struct{ mock.Mock }

func (m *MockBatchRepository) Get(ctx domain.Context, id string) (domain.QCBatch, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.QCBatch), args.Error(1)
}

func (m *MockBatchRepository) FindCollecting(ctx domain.Context, surveyID, interviewerID string) (domain.QCBatch, error) {
	args := m.Called(ctx, surveyID, interviewerID)
	return args.Get(0).(domain.QCBatch), args.Error(1)
}

func (m *MockBatchRepository) Create(ctx domain.Context, b domain.QCBatch) (domain.QCBatch, error) {
	args := m.Called(ctx, b)
	return args.Get(0).(domain.QCBatch), args.Error(1)
}

func (m *MockBatchRepository) AppendResponse(ctx domain.Context, batchID, responseID string, maxSize int) (int, error) {
	args := m.Called(ctx, batchID, responseID, maxSize)
	return args.Int(0), args.Error(1)
}

func (m *MockBatchRepository) TransitionState(ctx domain.Context, batchID string, from, to domain.BatchState) (bool, error) {
	args := m.Called(ctx, batchID, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockBatchRepository) SetRemainingDecision(ctx domain.Context, batchID string, d domain.RemainingDecision) error {
	return m.Called(ctx, batchID, d).Error(0)
}

// MockSetDataRepository mocks domain.SetDataRepository.
type MockSetDataRepository struct{ mock.Mock }

func (m *MockSetDataRepository) Last(ctx domain.Context, surveyID string, mode domain.SurveyMode) (domain.SetData, error) {
	args := m.Called(ctx, surveyID, mode)
	return args.Get(0).(domain.SetData), args.Error(1)
}

func (m *MockSetDataRepository) Append(ctx domain.Context, sd domain.SetData) error {
	return m.Called(ctx, sd).Error(0)
}

// MockSurveyRepository mocks domain.SurveyRepository.
type MockSurveyRepository struct{ mock.Mock }

func (m *MockSurveyRepository) Get(ctx domain.Context, id string) (domain.Survey, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Survey), args.Error(1)
}

func (m *MockSurveyRepository) Create(ctx domain.Context, s domain.Survey) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSurveyRepository) ListByCompany(ctx domain.Context, companyID string) ([]domain.Survey, error) {
	args := m.Called(ctx, companyID)
	return args.Get(0).([]domain.Survey), args.Error(1)
}

func (m *MockSurveyRepository) ListForReviewer(ctx domain.Context, userID string) ([]domain.Survey, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]domain.Survey), args.Error(1)
}

// MockUserRepository mocks domain.UserRepository.
type MockUserRepository struct{ mock.Mock }

func (m *MockUserRepository) Get(ctx domain.Context, id string) (domain.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *MockUserRepository) Create(ctx domain.Context, u domain.User) error {
	return m.Called(ctx, u).Error(0)
}

// MockEnrollQueue mocks domain.EnrollQueue.
type MockEnrollQueue struct{ mock.Mock }

func (m *MockEnrollQueue) EnqueueEnroll(ctx domain.Context, payload domain.EnrollTaskPayload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

// MockTenantRepository mocks domain.TenantRepository.
type MockTenantRepository struct{ mock.Mock }

func (m *MockTenantRepository) GetTelephony(ctx domain.Context, companyID string) (domain.TenantTelephony, error) {
	args := m.Called(ctx, companyID)
	return args.Get(0).(domain.TenantTelephony), args.Error(1)
}

func (m *MockTenantRepository) PutTelephony(ctx domain.Context, t domain.TenantTelephony) error {
	return m.Called(ctx, t).Error(0)
}

// MockCallLogRepository mocks domain.CallLogRepository.
type MockCallLogRepository struct{ mock.Mock }

func (m *MockCallLogRepository) UpsertByCallID(ctx domain.Context, cl domain.CallLog) error {
	return m.Called(ctx, cl).Error(0)
}

func (m *MockCallLogRepository) GetByCallID(ctx domain.Context, callID string) (domain.CallLog, error) {
	args := m.Called(ctx, callID)
	return args.Get(0).(domain.CallLog), args.Error(1)
}

// MockAudioStore mocks domain.AudioStore.
type MockAudioStore struct{ mock.Mock }

func (m *MockAudioStore) Put(ctx domain.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	args := m.Called(ctx, key, r, size, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockAudioStore) PresignGet(ctx domain.Context, key string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, key, expiry)
	return args.String(0), args.Error(1)
}
