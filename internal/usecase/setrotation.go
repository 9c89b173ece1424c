package usecase

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldworks/surveyd/internal/domain"
)

// SetRotation cycles CATI interviews through a survey's question sets in
// round-robin order, driven by the recorded usage history.
type SetRotation struct {
	Surveys domain.SurveyRepository
	Sets    domain.SetDataRepository
}

// NewSetRotation constructs a SetRotation.
func NewSetRotation(surveys domain.SurveyRepository, sets domain.SetDataRepository) SetRotation {
	return SetRotation{Surveys: surveys, Sets: sets}
}

// RotationInfo reports the last used set and the one to use next.
type RotationInfo struct {
	LastSetNumber int `json:"lastSetNumber"`
	NextSetNumber int `json:"nextSetNumber"`
}

// Next computes the next set for a CATI interview. With sets S (sorted,
// distinct) and last used s at index i, the next set is S[(i+1) mod len(S)];
// an unknown or absent last set starts from S[0].
func (s SetRotation) Next(ctx domain.Context, surveyID string) (RotationInfo, error) {
	survey, err := s.Surveys.Get(ctx, surveyID)
	if err != nil {
		return RotationInfo{}, err
	}
	sets := survey.SetNumbers()
	if len(sets) == 0 {
		return RotationInfo{}, fmt.Errorf("op=setrotation.next survey_id=%s: no question sets: %w", surveyID, domain.ErrInvalidArgument)
	}

	last, err := s.Sets.Last(ctx, surveyID, domain.ModeCATI)
	if errors.Is(err, domain.ErrNotFound) {
		return RotationInfo{LastSetNumber: 0, NextSetNumber: sets[0]}, nil
	}
	if err != nil {
		return RotationInfo{}, err
	}

	next := sets[0]
	for i, n := range sets {
		if n == last.SetNumber {
			next = sets[(i+1)%len(sets)]
			break
		}
	}
	return RotationInfo{LastSetNumber: last.SetNumber, NextSetNumber: next}, nil
}

// Record stores a set usage; completion also records usage, so explicit
// calls are only needed when a set is dealt without a completion.
func (s SetRotation) Record(ctx domain.Context, surveyID string, setNumber int) error {
	return s.Sets.Append(ctx, domain.SetData{
		ID:        uuid.New().String(),
		SurveyID:  surveyID,
		Mode:      domain.ModeCATI,
		SetNumber: setNumber,
	})
}
