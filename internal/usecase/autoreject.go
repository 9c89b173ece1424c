package usecase

import (
	"fmt"

	"github.com/fieldworks/surveyd/internal/domain"
)

// AutoRejectRule screens a completed response before it enters quality
// control. The first rule that fires rejects the response.
type AutoRejectRule interface {
	Name() string
	Evaluate(survey domain.Survey, resp domain.Response) (bool, string)
}

// DefaultAutoRejectRules returns the stock screening rules in evaluation
// order.
func DefaultAutoRejectRules() []AutoRejectRule {
	return []AutoRejectRule{
		minDurationRule{},
		skipRateRule{},
		straightLineRule{minRun: 8},
	}
}

// minDurationRule rejects interviews shorter than the survey's configured
// minimum duration.
type minDurationRule struct{}

func (minDurationRule) Name() string { return "min_duration" }

func (minDurationRule) Evaluate(survey domain.Survey, resp domain.Response) (bool, string) {
	min := survey.QC.MinDurationSeconds
	if min <= 0 {
		return false, ""
	}
	if resp.TotalTimeSpent < int64(min) {
		return true, fmt.Sprintf("Interview duration %ds is below the minimum of %ds", resp.TotalTimeSpent, min)
	}
	return false, ""
}

// skipRateRule rejects responses whose fraction of skipped required
// questions exceeds the survey's threshold. Optional questions are free to
// skip and never count against the rate.
type skipRateRule struct{}

func (skipRateRule) Name() string { return "skip_rate" }

func (skipRateRule) Evaluate(survey domain.Survey, resp domain.Response) (bool, string) {
	max := survey.QC.MaxSkipRate
	if max <= 0 {
		return false, ""
	}
	var required, skipped int
	for _, a := range resp.Answers {
		if !a.Required {
			continue
		}
		required++
		if a.Skipped || a.Value.IsEmpty() {
			skipped++
		}
	}
	if required == 0 {
		return false, ""
	}
	rate := float64(skipped) / float64(required)
	if rate > max {
		return true, fmt.Sprintf("Required-question skip rate %.0f%% exceeds the allowed %.0f%%", rate*100, max*100)
	}
	return false, ""
}

// straightLineRule rejects responses where every single-choice answer is
// identical and the run is long enough to be implausible.
type straightLineRule struct {
	minRun int
}

func (straightLineRule) Name() string { return "straight_line" }

func (r straightLineRule) Evaluate(_ domain.Survey, resp domain.Response) (bool, string) {
	var first string
	run := 0
	for _, a := range resp.Answers {
		if a.QuestionType != "single_choice" || a.Value.IsEmpty() {
			continue
		}
		v := a.Value.Canonical()
		if run == 0 {
			first = v
		} else if v != first {
			return false, ""
		}
		run++
	}
	if run >= r.minRun {
		return true, fmt.Sprintf("All %d single-choice answers are identical", run)
	}
	return false, ""
}
