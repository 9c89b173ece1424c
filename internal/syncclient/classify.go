package syncclient

import (
	"errors"
	"fmt"
	"strings"
)

// Outcome buckets a sync error. Duplicates are successes (the server
// already holds the response); retryable errors leave the interview for the
// next run; fatal errors mark it failed and move on.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// APIError is a non-2xx server reply.
type APIError struct {
	Status      int
	Body        string
	IsDuplicate bool
	ResponseID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Status, e.Body)
}

// duplicateMarkers are matched case-insensitively against error text. The
// 11000 entry catches document-store duplicate-key messages relayed by
// older backends.
var duplicateMarkers = []string{
	"duplicate_submission",
	"already exists",
	"already submitted",
	"already completed",
	"duplicate",
	"11000",
}

// Classify buckets err. prior500s is the count of earlier 5xx failures for
// the same session; once it reaches dupAfter500s, a further 5xx is taken as
// a duplicate, on the theory that the server persisted the response before
// dying on the reply path.
func Classify(err error, prior500s, dupAfter500s int) Outcome {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsDuplicate || apiErr.Status == 409 {
			return OutcomeDuplicate
		}
		if containsDuplicateMarker(apiErr.Body) {
			return OutcomeDuplicate
		}
		if apiErr.Status >= 500 {
			if dupAfter500s > 0 && prior500s >= dupAfter500s {
				return OutcomeDuplicate
			}
			return OutcomeRetryable
		}
		return OutcomeFatal
	}
	if containsDuplicateMarker(err.Error()) {
		return OutcomeDuplicate
	}
	// Transport-level failures (timeouts, refused connections) retry.
	return OutcomeRetryable
}

func containsDuplicateMarker(s string) bool {
	low := strings.ToLower(s)
	for _, m := range duplicateMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
