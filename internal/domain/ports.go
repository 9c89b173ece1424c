package domain

import (
	"io"
	"time"
)

// ReviewScope limits a reviewer to one survey and, optionally, a set of ACs.
// An empty AC list means every AC in the survey.
type ReviewScope struct {
	SurveyID string
	ACs      []string
}

// ReviewQuery selects the next reviewable candidate. Filters are optional;
// zero values mean "no filter".
type ReviewQuery struct {
	Scopes []ReviewScope
	Search string
	Gender string
	AgeMin int
	AgeMax int
}

// SessionRepository persists interview sessions. Sessions are single-owner,
// so full-document updates are safe.
type SessionRepository interface {
	Create(ctx Context, s InterviewSession) error
	Get(ctx Context, id string) (InterviewSession, error)
	// FindOpen returns the non-terminal session for (survey, interviewer),
	// or ErrNotFound.
	FindOpen(ctx Context, surveyID, interviewerID string) (InterviewSession, error)
	Update(ctx Context, s InterviewSession) error
	SetState(ctx Context, id string, state SessionState) error
	// ListStale returns non-terminal sessions idle since before cutoff.
	ListStale(ctx Context, cutoff time.Time, limit int) ([]InterviewSession, error)
}

// ResponseRepository persists responses. Mutations are atomic single-field
// updates; Claim and CompleteVerification are compare-and-set operations.
type ResponseRepository interface {
	// Create inserts the response, assigning ID and ResponseNumber. A
	// uniqueness violation on session id is returned as
	// *DuplicateSubmissionError carrying the existing response.
	Create(ctx Context, r Response) (Response, error)
	Get(ctx Context, id string) (Response, error)
	FindBySession(ctx Context, sessionID string) (Response, error)
	SetBatch(ctx Context, id, batchID string) error
	MarkSamples(ctx Context, ids []string) error
	// UpdateStatusBulk transitions the given responses to status; reason is
	// stored as abandonedReason when non-empty. Only Pending_Approval rows
	// are touched; the count of updated rows is returned.
	UpdateStatusBulk(ctx Context, ids []string, status ResponseStatus, reason string) (int, error)
	SetStatus(ctx Context, id string, status ResponseStatus) error
	// FindAssigned returns the response currently leased to the reviewer
	// (non-expired), or ErrNotFound.
	FindAssigned(ctx Context, reviewerID string, now time.Time, q ReviewQuery) (Response, error)
	// NextReviewable returns the oldest candidate in scope: Pending_Approval,
	// visible under the batch contract, unassigned or lease-expired.
	NextReviewable(ctx Context, q ReviewQuery, now time.Time) (Response, error)
	// Claim sets the review assignment iff the response is still
	// Pending_Approval and unassigned or expired. Returns false on contention.
	Claim(ctx Context, id, reviewerID string, now, expiresAt time.Time) (bool, error)
	// ReleaseAssignment clears the lease iff held by reviewerID.
	ReleaseAssignment(ctx Context, id, reviewerID string) (bool, error)
	// CompleteVerification transitions Pending_Approval to status, stores
	// verification data, and clears the assignment, iff the response is
	// unassigned or leased (non-expired) to reviewerID. Returns false when
	// the precondition fails.
	CompleteVerification(ctx Context, id string, status ResponseStatus, v VerificationData, reviewerID string, now time.Time) (bool, error)
	// ListWindow pages responses of one mode created inside [from, to).
	ListWindow(ctx Context, mode SurveyMode, from, to time.Time, offset, limit int) ([]Response, error)
}

// BatchRepository persists QC batches.
type BatchRepository interface {
	Get(ctx Context, id string) (QCBatch, error)
	// FindCollecting returns the open batch for (survey, interviewer) or
	// ErrNotFound.
	FindCollecting(ctx Context, surveyID, interviewerID string) (QCBatch, error)
	Create(ctx Context, b QCBatch) (QCBatch, error)
	// AppendResponse appends iff the batch is still collecting and below
	// maxSize; it returns the new size, or ErrConflict when the batch moved on.
	AppendResponse(ctx Context, batchID, responseID string, maxSize int) (int, error)
	// TransitionState is a compare-and-set from->to; false on contention.
	TransitionState(ctx Context, batchID string, from, to BatchState) (bool, error)
	SetRemainingDecision(ctx Context, batchID string, d RemainingDecision) error
}

// SetDataRepository records CATI rotation usage.
type SetDataRepository interface {
	// Last returns the most recent record for (survey, mode) or ErrNotFound.
	Last(ctx Context, surveyID string, mode SurveyMode) (SetData, error)
	Append(ctx Context, sd SetData) error
}

// SurveyRepository loads survey definitions.
type SurveyRepository interface {
	Get(ctx Context, id string) (Survey, error)
	Create(ctx Context, s Survey) error
	// ListByCompany returns the survey ids of a company (company_admin scope).
	ListByCompany(ctx Context, companyID string) ([]Survey, error)
	// ListForReviewer returns surveys where the user is an assigned reviewer.
	ListForReviewer(ctx Context, userID string) ([]Survey, error)
}

// UserRepository loads principals.
type UserRepository interface {
	Get(ctx Context, id string) (User, error)
	Create(ctx Context, u User) error
}

// TenantRepository loads per-company telephony configuration.
type TenantRepository interface {
	GetTelephony(ctx Context, companyID string) (TenantTelephony, error)
	PutTelephony(ctx Context, t TenantTelephony) error
}

// CallLogRepository stores normalized webhook call records.
type CallLogRepository interface {
	// UpsertByCallID inserts or updates the log row keyed by call id.
	UpsertByCallID(ctx Context, cl CallLog) error
	GetByCallID(ctx Context, callID string) (CallLog, error)
}

// EnrollQueue hands completed responses to the batch-manager worker.
type EnrollQueue interface {
	EnqueueEnroll(ctx Context, payload EnrollTaskPayload) (string, error)
}

// AudioStore is the object-storage contract for interview recordings.
// Keys are opaque; presigned URLs are short-lived and never persisted.
type AudioStore interface {
	Put(ctx Context, key string, r io.Reader, size int64, contentType string) (string, error)
	PresignGet(ctx Context, key string, expiry time.Duration) (string, error)
}
