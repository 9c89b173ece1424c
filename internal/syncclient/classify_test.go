package syncclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDuplicateSignals(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
	}{
		{"http 409", &APIError{Status: 409, Body: `{"error":"conflict"}`}},
		{"isDuplicate flag", &APIError{Status: 409, IsDuplicate: true}},
		{"marker in body", &APIError{Status: 400, Body: "DUPLICATE_SUBMISSION for session"}},
		{"already exists", &APIError{Status: 400, Body: "response already exists"}},
		{"already submitted", &APIError{Status: 422, Body: "interview already submitted"}},
		{"mongo duplicate key", &APIError{Status: 400, Body: "E11000 duplicate key error"}},
		{"marker in wrapped error", errors.New("write failed: document already completed")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, OutcomeDuplicate, Classify(tc.err, 0, 2))
		})
	}
}

func TestClassifyServerErrorsRetryUntilHeuristic(t *testing.T) {
	t.Parallel()
	err := &APIError{Status: 500, Body: "internal error"}

	assert.Equal(t, OutcomeRetryable, Classify(err, 0, 2))
	assert.Equal(t, OutcomeRetryable, Classify(err, 1, 2))
	// Two prior 500s for the same session flip the next one to duplicate.
	assert.Equal(t, OutcomeDuplicate, Classify(err, 2, 2))
}

func TestClassifyHeuristicDisabled(t *testing.T) {
	t.Parallel()
	err := &APIError{Status: 500, Body: "internal error"}
	assert.Equal(t, OutcomeRetryable, Classify(err, 10, 0))
}

func TestClassifyFatalAndTransport(t *testing.T) {
	t.Parallel()
	assert.Equal(t, OutcomeFatal, Classify(&APIError{Status: 400, Body: "bad payload"}, 0, 2))
	assert.Equal(t, OutcomeFatal, Classify(&APIError{Status: 403, Body: "not assigned"}, 0, 2))
	assert.Equal(t, OutcomeRetryable, Classify(errors.New("dial tcp: connection refused"), 0, 2))
}
