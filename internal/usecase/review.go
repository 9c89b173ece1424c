package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
)

const claimAttempts = 10

// ReviewFilters narrows the review queue. Zero values mean no filter.
type ReviewFilters struct {
	SurveyID string
	Search   string
	Gender   string
	AgeMin   int
	AgeMax   int
}

// ReviewItem is a leased response handed to a reviewer, with a playable
// audio reference when one exists.
type ReviewItem struct {
	Response       domain.Response `json:"response"`
	LeaseExpiresAt time.Time       `json:"leaseExpiresAt"`
	SignedAudioURL string          `json:"signedAudioUrl,omitempty"`
	IsMockAudio    bool            `json:"isMockAudio,omitempty"`
}

// ReviewService hands out exclusive, time-bounded review leases and records
// verification verdicts.
type ReviewService struct {
	Responses       domain.ResponseRepository
	Surveys         domain.SurveyRepository
	Users           domain.UserRepository
	Audio           domain.AudioStore
	LeaseTTL        time.Duration
	SignedURLExpiry time.Duration

	// Now is swappable in tests.
	Now func() time.Time
}

// NewReviewService constructs a ReviewService.
func NewReviewService(responses domain.ResponseRepository, surveys domain.SurveyRepository, users domain.UserRepository, audio domain.AudioStore, leaseTTL, signedURLExpiry time.Duration) ReviewService {
	return ReviewService{
		Responses:       responses,
		Surveys:         surveys,
		Users:           users,
		Audio:           audio,
		LeaseTTL:        leaseTTL,
		SignedURLExpiry: signedURLExpiry,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// Next returns the reviewer's current lease if one is live, otherwise
// claims the oldest visible candidate in scope. A nil item with an empty
// error means the queue is drained; Message explains why.
func (s ReviewService) Next(ctx domain.Context, reviewerID string, f ReviewFilters) (*ReviewItem, string, error) {
	q, err := s.scopedQuery(ctx, reviewerID, f)
	if err != nil {
		return nil, "", err
	}
	if len(q.Scopes) == 0 {
		return nil, "No surveys assigned for review", nil
	}
	now := s.Now()

	// Lease stickiness: an unexpired assignment always comes back first.
	if held, err := s.Responses.FindAssigned(ctx, reviewerID, now, q); err == nil {
		item, err := s.item(ctx, held)
		return item, "", err
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", err
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		cand, err := s.Responses.NextReviewable(ctx, q, now)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, "No responses awaiting review", nil
		}
		if err != nil {
			return nil, "", err
		}
		ok, err := s.Responses.Claim(ctx, cand.ID, reviewerID, now, now.Add(s.LeaseTTL))
		if err != nil {
			return nil, "", err
		}
		if !ok {
			observability.LeaseContentionTotal.Inc()
			continue
		}
		observability.LeasesGrantedTotal.Inc()
		cand.Assignment = &domain.ReviewAssignment{
			AssignedTo: reviewerID,
			AssignedAt: now,
			ExpiresAt:  now.Add(s.LeaseTTL),
		}
		cand.Status = domain.StatusPendingApproval
		item, err := s.item(ctx, cand)
		return item, "", err
	}
	return nil, "", fmt.Errorf("op=review.next: claim contention: %w", domain.ErrConflict)
}

// Release voluntarily drops the reviewer's lease on a response.
func (s ReviewService) Release(ctx domain.Context, responseID, reviewerID string) error {
	ok, err := s.Responses.ReleaseAssignment(ctx, responseID, reviewerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("op=review.release: lease not held: %w", domain.ErrForbidden)
	}
	return nil
}

// Submit records a verification verdict. The write is a compare-and-set on
// (status, leaseholder); afterwards the stored status is confirmed and
// corrected once before giving up.
func (s ReviewService) Submit(ctx domain.Context, responseID, reviewerID, verdict string, criteria map[string]string, feedback string) (domain.Response, error) {
	var status domain.ResponseStatus
	switch verdict {
	case "approved":
		status = domain.StatusApproved
	case "rejected":
		status = domain.StatusRejected
	default:
		return domain.Response{}, fmt.Errorf("op=review.submit: verdict %q: %w", verdict, domain.ErrInvalidArgument)
	}

	resp, err := s.Responses.Get(ctx, responseID)
	if err != nil {
		return domain.Response{}, err
	}
	if resp.Status.Terminal() {
		return domain.Response{}, fmt.Errorf("op=review.submit: already %s: %w", resp.Status, domain.ErrConflict)
	}
	now := s.Now()
	if a := resp.Assignment; a != nil && !a.Expired(now) && a.AssignedTo != reviewerID {
		return domain.Response{}, fmt.Errorf("op=review.submit: leased to another reviewer: %w", domain.ErrForbidden)
	}

	reason := ""
	if status == domain.StatusRejected {
		reason = strings.TrimSpace(feedback)
		if reason == "" {
			reason = deriveRejectionReason(criteria)
		}
	}
	v := domain.VerificationData{
		ReviewerID:      reviewerID,
		VerifiedAt:      now,
		Criteria:        criteria,
		Feedback:        strings.TrimSpace(feedback),
		RejectionReason: reason,
	}

	ok, err := s.Responses.CompleteVerification(ctx, responseID, status, v, reviewerID, now)
	if err != nil {
		return domain.Response{}, err
	}
	if !ok {
		fresh, gerr := s.Responses.Get(ctx, responseID)
		if gerr != nil {
			return domain.Response{}, gerr
		}
		if fresh.Status.Terminal() {
			return domain.Response{}, fmt.Errorf("op=review.submit: already %s: %w", fresh.Status, domain.ErrConflict)
		}
		return domain.Response{}, fmt.Errorf("op=review.submit: leased to another reviewer: %w", domain.ErrForbidden)
	}

	// Post-write confirmation: re-read, retry the status write once, then
	// fail loudly rather than report an unverified success.
	final, err := s.Responses.Get(ctx, responseID)
	if err != nil {
		return domain.Response{}, err
	}
	if final.Status != status {
		slog.Warn("verification status mismatch after write",
			slog.String("response_id", responseID),
			slog.String("want", string(status)), slog.String("got", string(final.Status)))
		if err := s.Responses.SetStatus(ctx, responseID, status); err != nil {
			return domain.Response{}, err
		}
		final, err = s.Responses.Get(ctx, responseID)
		if err != nil {
			return domain.Response{}, err
		}
		if final.Status != status {
			return domain.Response{}, fmt.Errorf("op=review.submit: status not persisted: %w", domain.ErrInternal)
		}
	}
	observability.VerificationsTotal.WithLabelValues(verdict).Inc()
	return final, nil
}

// scopedQuery resolves the reviewer's visibility: quality agents see their
// assigned surveys restricted to their AC lists, company admins see every
// survey of their company.
func (s ReviewService) scopedQuery(ctx domain.Context, reviewerID string, f ReviewFilters) (domain.ReviewQuery, error) {
	user, err := s.Users.Get(ctx, reviewerID)
	if err != nil {
		return domain.ReviewQuery{}, err
	}

	var scopes []domain.ReviewScope
	switch user.Role {
	case domain.RoleQualityAgent:
		surveys, err := s.Surveys.ListForReviewer(ctx, reviewerID)
		if err != nil {
			return domain.ReviewQuery{}, err
		}
		for _, sv := range surveys {
			acs, _ := sv.ReviewerACs(reviewerID)
			scopes = append(scopes, domain.ReviewScope{SurveyID: sv.ID, ACs: acs})
		}
	case domain.RoleCompanyAdmin:
		surveys, err := s.Surveys.ListByCompany(ctx, user.CompanyID)
		if err != nil {
			return domain.ReviewQuery{}, err
		}
		for _, sv := range surveys {
			scopes = append(scopes, domain.ReviewScope{SurveyID: sv.ID})
		}
	default:
		return domain.ReviewQuery{}, fmt.Errorf("op=review: role %s cannot review: %w", user.Role, domain.ErrForbidden)
	}

	if f.SurveyID != "" {
		kept := scopes[:0]
		for _, sc := range scopes {
			if sc.SurveyID == f.SurveyID {
				kept = append(kept, sc)
			}
		}
		scopes = kept
	}
	return domain.ReviewQuery{
		Scopes: scopes,
		Search: f.Search,
		Gender: f.Gender,
		AgeMin: f.AgeMin,
		AgeMax: f.AgeMax,
	}, nil
}

// item decorates a leased response with a playable audio URL. Mock
// recordings (offline dev builds) are flagged instead of signed.
func (s ReviewService) item(ctx domain.Context, resp domain.Response) (*ReviewItem, error) {
	it := &ReviewItem{Response: resp}
	if resp.Assignment != nil {
		it.LeaseExpiresAt = resp.Assignment.ExpiresAt
	}
	if resp.Mode == domain.ModeCAPI && resp.Audio != nil && resp.Audio.AudioURL != "" {
		if strings.HasPrefix(resp.Audio.AudioURL, "mock://") {
			it.IsMockAudio = true
		} else {
			url, err := s.Audio.PresignGet(ctx, resp.Audio.AudioURL, s.SignedURLExpiry)
			if err != nil {
				// Review proceeds without playback rather than blocking the queue.
				slog.Warn("audio presign failed", slog.Any("error", err), slog.String("response_id", resp.ID))
			} else {
				it.SignedAudioURL = url
			}
		}
	}
	return it, nil
}

// rejectionSentences maps failing verification criteria to reviewer-facing
// rejection text.
var rejectionSentences = map[string]string{
	"audio_quality": "Audio quality was too poor to verify the interview.",
	"gender_match":  "Respondent gender did not match the recorded answer.",
	"name_match":    "Respondent name did not match the recorded answer.",
	"age_match":     "Respondent age did not match the recorded answer.",
	"vote_recall":   "Election responses did not match the respondent's statements.",
	"consent_given": "Respondent consent was not captured on the recording.",
}

func criterionPassed(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ok", "pass", "passed", "yes", "match", "good", "true":
		return true
	}
	return false
}

// deriveRejectionReason builds a deterministic reason from the failing
// criteria when the reviewer supplied no feedback.
func deriveRejectionReason(criteria map[string]string) string {
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if criterionPassed(criteria[k]) {
			continue
		}
		if sentence, ok := rejectionSentences[k]; ok {
			parts = append(parts, sentence)
		} else {
			parts = append(parts, fmt.Sprintf("Verification criterion %q failed.", k))
		}
	}
	if len(parts) == 0 {
		return "Rejected during quality review."
	}
	return strings.Join(parts, " ")
}
