// Package domain holds the core entities, error taxonomy, and ports of the
// survey response pipeline. Adapters depend on this package, never the
// other way around.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/surveyd/pkg/respnorm"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrProvider        = errors.New("provider error")
	ErrInternal        = errors.New("internal error")
)

// DuplicateSubmissionError reports that a completion for the same session
// already produced a terminal response. It is a Conflict sub-kind; clients
// treat it as success and adopt the existing response id.
type DuplicateSubmissionError struct {
	ResponseID     string
	ResponseNumber int64
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("duplicate submission: response %s already exists", e.ResponseID)
}

// Unwrap makes errors.Is(err, ErrConflict) hold.
func (e *DuplicateSubmissionError) Unwrap() error { return ErrConflict }

// AsDuplicate extracts a DuplicateSubmissionError from an error chain.
func AsDuplicate(err error) (*DuplicateSubmissionError, bool) {
	var d *DuplicateSubmissionError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// SurveyMode enumerates interview modes.
type SurveyMode string

const (
	ModeCAPI      SurveyMode = "capi"
	ModeCATI      SurveyMode = "cati"
	ModeMultiMode SurveyMode = "multi_mode"
)

// Role enumerates user roles.
type Role string

const (
	RoleInterviewer    Role = "interviewer"
	RoleQualityAgent   Role = "quality_agent"
	RoleCompanyAdmin   Role = "company_admin"
	RoleProjectManager Role = "project_manager"
)

// SessionState enumerates interview-session states.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionAbandoned SessionState = "abandoned"
	SessionCompleted SessionState = "completed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionAbandoned || s == SessionCompleted
}

// ResponseStatus enumerates response lifecycle states. All but
// Pending_Approval are terminal.
type ResponseStatus string

const (
	StatusPendingApproval ResponseStatus = "Pending_Approval"
	StatusApproved        ResponseStatus = "Approved"
	StatusRejected        ResponseStatus = "Rejected"
	StatusTerminated      ResponseStatus = "Terminated"
	StatusAbandoned       ResponseStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s ResponseStatus) Terminal() bool { return s != StatusPendingApproval }

// BatchState enumerates QC batch states.
type BatchState string

const (
	BatchCollecting   BatchState = "collecting"
	BatchProcessing   BatchState = "processing"
	BatchQCInProgress BatchState = "qc_in_progress"
	BatchClosed       BatchState = "closed"
)

// RemainderPolicy decides the fate of un-sampled responses at batch closure.
type RemainderPolicy string

const (
	RemainderQueueForQC  RemainderPolicy = "queue_for_qc"
	RemainderAutoApprove RemainderPolicy = "auto_approve"
	RemainderAutoReject  RemainderPolicy = "auto_reject"
)

// Valid reports whether p is a known policy value.
func (p RemainderPolicy) Valid() bool {
	switch p {
	case RemainderQueueForQC, RemainderAutoApprove, RemainderAutoReject:
		return true
	}
	return false
}

// RemainingDecision records how the un-sampled remainder was resolved.
type RemainingDecision string

const (
	RemainingQueuedForQC  RemainingDecision = "queued_for_qc"
	RemainingAutoApproved RemainingDecision = "auto_approved"
	RemainingAutoRejected RemainingDecision = "auto_rejected"
)

// Question is one survey question. SetNumber zero means the question does
// not belong to a CATI rotation set.
type Question struct {
	ID        string `json:"id" yaml:"id"`
	Text      string `json:"text" yaml:"text"`
	Type      string `json:"type" yaml:"type"`
	Required  bool   `json:"required" yaml:"required"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	SetNumber int    `json:"setNumber,omitempty" yaml:"setNumber,omitempty"`
}

// Section is an ordered group of questions.
type Section struct {
	Title     string     `json:"title" yaml:"title"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// QCConfig carries the survey-level quality-control knobs. Zero values fall
// back to the global defaults at read time.
type QCConfig struct {
	BatchSize          int             `json:"batchSize" yaml:"batchSize"`
	SampleFraction     float64         `json:"sampleFraction" yaml:"sampleFraction"`
	RemainderPolicy    RemainderPolicy `json:"remainderPolicy" yaml:"remainderPolicy"`
	MinDurationSeconds int64           `json:"minDurationSeconds" yaml:"minDurationSeconds"`
	MaxSkipRate        float64         `json:"maxSkipRate" yaml:"maxSkipRate"`
}

// ReviewerAssignment scopes a reviewer to a survey; an empty AC list means
// every AC in that survey.
type ReviewerAssignment struct {
	UserID string   `json:"userId" yaml:"userId"`
	ACs    []string `json:"acs,omitempty" yaml:"acs,omitempty"`
}

// Survey is the questionnaire definition plus QC and staffing configuration.
type Survey struct {
	ID           string               `json:"id" yaml:"id"`
	CompanyID    string               `json:"companyId" yaml:"companyId"`
	Name         string               `json:"name" yaml:"name"`
	Mode         SurveyMode           `json:"mode" yaml:"mode"`
	Sections     []Section            `json:"sections" yaml:"sections"`
	SampleSize   int                  `json:"sampleSize" yaml:"sampleSize"`
	QC           QCConfig             `json:"qc" yaml:"qc"`
	Reviewers    []ReviewerAssignment `json:"reviewers" yaml:"reviewers"`
	Interviewers []string             `json:"interviewers" yaml:"interviewers"`
	ACs          []string             `json:"acs,omitempty" yaml:"acs,omitempty"`
}

// QuestionAt returns the question at (section, question) indices.
func (s Survey) QuestionAt(section, question int) (Question, bool) {
	if section < 0 || section >= len(s.Sections) {
		return Question{}, false
	}
	qs := s.Sections[section].Questions
	if question < 0 || question >= len(qs) {
		return Question{}, false
	}
	return qs[question], true
}

// NextPosition returns the position immediately after (section, question)
// in survey order, or ok=false at the end of the survey.
func (s Survey) NextPosition(section, question int) (Position, bool) {
	if section < 0 || section >= len(s.Sections) {
		return Position{}, false
	}
	if question+1 < len(s.Sections[section].Questions) {
		return Position{Section: section, Question: question + 1}, true
	}
	for sec := section + 1; sec < len(s.Sections); sec++ {
		if len(s.Sections[sec].Questions) > 0 {
			return Position{Section: sec, Question: 0}, true
		}
	}
	return Position{}, false
}

// SetNumbers returns the sorted distinct rotation set numbers used by the
// survey's questions.
func (s Survey) SetNumbers() []int {
	seen := map[int]bool{}
	var out []int
	for _, sec := range s.Sections {
		for _, q := range sec.Questions {
			if q.SetNumber > 0 && !seen[q.SetNumber] {
				seen[q.SetNumber] = true
				out = append(out, q.SetNumber)
			}
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// HasInterviewer reports whether the user is assigned to the survey.
func (s Survey) HasInterviewer(userID string) bool {
	for _, id := range s.Interviewers {
		if id == userID {
			return true
		}
	}
	return false
}

// ReviewerACs returns the AC scope for a reviewer on this survey and whether
// the reviewer is assigned at all. An empty slice with ok=true means all ACs.
func (s Survey) ReviewerACs(userID string) ([]string, bool) {
	for _, ra := range s.Reviewers {
		if ra.UserID == userID {
			return ra.ACs, true
		}
	}
	return nil, false
}

// User is a platform principal.
type User struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Role      Role   `json:"role" yaml:"role"`
	CompanyID string `json:"companyId" yaml:"companyId"`
}

// Position is a (section, question) coordinate in survey order.
type Position struct {
	Section  int `json:"section"`
	Question int `json:"question"`
}

// InterviewSession is an in-progress interview. At most one non-terminal
// session exists per (survey, interviewer).
type InterviewSession struct {
	ID            string                    `json:"id"`
	SurveyID      string                    `json:"surveyId"`
	InterviewerID string                    `json:"interviewerId"`
	Mode          SurveyMode                `json:"mode"`
	Current       Position                  `json:"current"`
	Reached       []Position                `json:"reached"`
	Tentative     map[string]respnorm.Value `json:"tentative"`
	Device        map[string]string         `json:"device,omitempty"`
	AC            string                    `json:"ac,omitempty"`
	CallID        string                    `json:"callId,omitempty"`
	CatiQueueID   string                    `json:"catiQueueId,omitempty"`
	State         SessionState              `json:"state"`
	StartedAt     time.Time                 `json:"startedAt"`
	LastActivity  time.Time                 `json:"lastActivity"`
}

// HasReached reports whether the position was ever displayed.
func (s InterviewSession) HasReached(p Position) bool {
	for _, r := range s.Reached {
		if r == p {
			return true
		}
	}
	return false
}

// MarkReached records the position; idempotent.
func (s *InterviewSession) MarkReached(p Position) {
	if !s.HasReached(p) {
		s.Reached = append(s.Reached, p)
	}
}

// GeoPoint is a GPS coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AudioRecording describes a captured interview recording. AudioURL is an
// opaque storage key; signed URLs are never persisted.
type AudioRecording struct {
	AudioURL        string  `json:"audioUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	Format          string  `json:"format,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	BitrateKbps     float64 `json:"bitrateKbps,omitempty"`
	FileSize        int64   `json:"fileSize,omitempty"`
}

// AnsweredQuestion is one normalized entry of a completed response.
type AnsweredQuestion struct {
	SectionIndex  int            `json:"sectionIndex"`
	QuestionIndex int            `json:"questionIndex"`
	QuestionID    string         `json:"questionId"`
	QuestionType  string         `json:"questionType"`
	QuestionText  string         `json:"questionText,omitempty"`
	Description   string         `json:"description,omitempty"`
	Options       []string       `json:"options,omitempty"`
	Value         respnorm.Value `json:"value"`
	Required      bool           `json:"required"`
	Skipped       bool           `json:"skipped"`
}

// Triples projects answers into the comparison form of pkg/respnorm.
func Triples(answers []AnsweredQuestion) []respnorm.Triple {
	ts := make([]respnorm.Triple, 0, len(answers))
	for _, a := range answers {
		ts = append(ts, respnorm.Triple{QuestionID: a.QuestionID, QuestionType: a.QuestionType, Value: a.Value})
	}
	return ts
}

// VerificationData records the outcome of QC review, human or automatic.
type VerificationData struct {
	ReviewerID      string            `json:"reviewerId,omitempty"`
	VerifiedAt      time.Time         `json:"verifiedAt,omitempty"`
	Criteria        map[string]string `json:"criteria,omitempty"`
	Feedback        string            `json:"feedback,omitempty"`
	RejectionReason string            `json:"rejectionReason,omitempty"`
	AutoRejected    bool              `json:"autoRejected,omitempty"`
}

// ReviewAssignment is an exclusive, time-bounded lease on a response.
type ReviewAssignment struct {
	AssignedTo string    `json:"assignedTo"`
	AssignedAt time.Time `json:"assignedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (a ReviewAssignment) Expired(now time.Time) bool { return !now.Before(a.ExpiresAt) }

// Response is the central record: a completed (or terminated) interview.
type Response struct {
	ID               string                    `json:"id"`
	ResponseNumber   int64                     `json:"responseNumber"`
	SessionID        string                    `json:"sessionId"`
	SurveyID         string                    `json:"surveyId"`
	InterviewerID    string                    `json:"interviewerId"`
	Mode             SurveyMode                `json:"mode"`
	StartTime        time.Time                 `json:"startTime"`
	EndTime          time.Time                 `json:"endTime"`
	TotalTimeSpent   int64                     `json:"totalTimeSpent"`
	Answers          []AnsweredQuestion        `json:"answers"`
	AC               string                    `json:"ac,omitempty"`
	PollingStation   string                    `json:"pollingStation,omitempty"`
	Location         *GeoPoint                 `json:"location,omitempty"`
	Audio            *AudioRecording           `json:"audio,omitempty"`
	CallID           string                    `json:"callId,omitempty"`
	CatiQueueID      string                    `json:"catiQueueId,omitempty"`
	SetNumber        int                       `json:"setNumber,omitempty"`
	GeoFencePassed   *bool                     `json:"geoFencePassed,omitempty"`
	ConsentResponse  string                    `json:"consentResponse,omitempty"`
	RespondentName   string                    `json:"respondentName,omitempty"`
	Gender           string                    `json:"gender,omitempty"`
	Age              int                       `json:"age,omitempty"`
	Quality          map[string]respnorm.Value `json:"quality,omitempty"`
	Status           ResponseStatus            `json:"status"`
	AbandonedReason  string                    `json:"abandonedReason,omitempty"`
	AbandonmentNotes string                    `json:"abandonmentNotes,omitempty"`
	Verification     *VerificationData         `json:"verification,omitempty"`
	Assignment       *ReviewAssignment         `json:"assignment,omitempty"`
	BatchID          string                    `json:"batchId,omitempty"`
	IsSample         bool                      `json:"isSample"`
	CreatedAt        time.Time                 `json:"createdAt"`
}

// QCBatch is a per-(survey, interviewer) bucket of completed responses.
type QCBatch struct {
	ID                string            `json:"id"`
	SurveyID          string            `json:"surveyId"`
	InterviewerID     string            `json:"interviewerId"`
	Config            QCConfig          `json:"config"`
	ResponseIDs       []string          `json:"responseIds"`
	State             BatchState        `json:"state"`
	RemainingDecision RemainingDecision `json:"remainingDecision,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// SetData records one CATI completion's rotation set usage.
type SetData struct {
	ID        string     `json:"id"`
	SurveyID  string     `json:"surveyId"`
	Mode      SurveyMode `json:"mode"`
	SetNumber int        `json:"setNumber"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TenantTelephony is the per-company calling-provider configuration.
type TenantTelephony struct {
	CompanyID        string             `json:"companyId" yaml:"companyId"`
	EnabledProviders []string           `json:"enabledProviders" yaml:"enabledProviders"`
	SelectionMethod  string             `json:"selectionMethod" yaml:"selectionMethod"` // switch | random | percentage
	ActiveProvider   string             `json:"activeProvider" yaml:"activeProvider"`
	FallbackProvider string             `json:"fallbackProvider" yaml:"fallbackProvider"`
	Percentages      map[string]float64 `json:"percentages,omitempty" yaml:"percentages,omitempty"`
}

// CallStatus is the normalized telephony call state.
type CallStatus string

const (
	CallAnswered  CallStatus = "answered"
	CallBusy      CallStatus = "busy"
	CallNoAnswer  CallStatus = "no-answer"
	CallCancelled CallStatus = "cancelled"
	CallFailed    CallStatus = "failed"
	CallCompleted CallStatus = "completed"
)

// CallLog is a normalized record of a provider webhook update.
type CallLog struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"companyId,omitempty"`
	CallID          string     `json:"callId"`
	UID             string     `json:"uid,omitempty"`
	Provider        string     `json:"provider"`
	FromNumber      string     `json:"fromNumber"`
	ToNumber        string     `json:"toNumber"`
	AnsweredNumber  string     `json:"answeredNumber,omitempty"`
	Status          CallStatus `json:"status"`
	DurationSeconds int        `json:"durationSeconds"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	RecordingURL    string     `json:"recordingUrl,omitempty"`
	Direction       string     `json:"direction,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// EnrollTaskPayload is the queue message handed from the completion ingestor
// to the batch-manager worker.
type EnrollTaskPayload struct {
	ResponseID    string `json:"responseId"`
	SurveyID      string `json:"surveyId"`
	InterviewerID string `json:"interviewerId"`
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
