package usecase

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/pkg/respnorm"
)

// DuplicateConfig holds the comparison tolerances and batching knobs of the
// detector sweep.
type DuplicateConfig struct {
	GPSTolerance           float64
	TimeTolerance          time.Duration
	AudioDurationTolerance time.Duration
	AudioBitrateTolerance  float64
	AudioSizeTolerance     int64
	PageSize               int
	StatusBatch            int
}

// DuplicateCluster is one detected group: the earliest response is kept,
// the rest are reclassified.
type DuplicateCluster struct {
	Mode       domain.SurveyMode `json:"mode"`
	KeptID     string            `json:"keptId"`
	RemovedIDs []string          `json:"removedIds"`
}

// DuplicateReport summarizes a detector run. UpdateFailures counts status
// batches that could not be written; their rows stay pending and are picked
// up again by the next sweep.
type DuplicateReport struct {
	Scanned        int                `json:"scanned"`
	Clusters       []DuplicateCluster `json:"clusters"`
	Removed        int                `json:"removed"`
	UpdateFailures int                `json:"updateFailures,omitempty"`
}

// DuplicateDetector finds near-identical submissions inside a time window
// and abandons all but the earliest of each cluster. Re-running over the
// same window is idempotent: reclassified rows are no longer pending and
// drop out of consideration.
type DuplicateDetector struct {
	Responses domain.ResponseRepository
	Cfg       DuplicateConfig
}

// NewDuplicateDetector constructs a DuplicateDetector.
func NewDuplicateDetector(responses domain.ResponseRepository, cfg DuplicateConfig) DuplicateDetector {
	return DuplicateDetector{Responses: responses, Cfg: cfg}
}

const duplicateReason = "Duplicate response"

// Run sweeps both modes over [from, to). A failure in one mode never stops
// the other: the CATI pass runs even when the CAPI pass errored. The first
// error is returned alongside whatever the report accumulated.
func (d DuplicateDetector) Run(ctx domain.Context, from, to time.Time) (DuplicateReport, error) {
	var report DuplicateReport
	var firstErr error
	for _, mode := range []domain.SurveyMode{domain.ModeCAPI, domain.ModeCATI} {
		if err := d.sweepMode(ctx, mode, from, to, &report); err != nil {
			slog.Error("duplicate sweep mode failed",
				slog.String("mode", string(mode)), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return report, firstErr
}

func (d DuplicateDetector) sweepMode(ctx domain.Context, mode domain.SurveyMode, from, to time.Time, report *DuplicateReport) error {
	var window []domain.Response
	for offset := 0; ; offset += d.Cfg.PageSize {
		page, err := d.Responses.ListWindow(ctx, mode, from, to, offset, d.Cfg.PageSize)
		if err != nil {
			return err
		}
		window = append(window, page...)
		if len(page) < d.Cfg.PageSize {
			break
		}
	}
	report.Scanned += len(window)

	groups := map[string][]candidate{}
	for _, r := range window {
		// Terminal rows cannot be reclassified; keep them out of clusters
		// entirely so earlier sweeps do not shadow fresh submissions.
		if r.Status != domain.StatusPendingApproval && r.Status != domain.StatusApproved {
			continue
		}
		key, ok := groupKey(mode, r)
		if !ok {
			continue
		}
		groups[key] = append(groups[key], candidate{
			resp:   r,
			digest: respnorm.Digest(domain.Triples(r.Answers)),
		})
	}

	var removals []string
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		for _, cluster := range d.cluster(mode, members) {
			if len(cluster) < 2 {
				continue
			}
			sort.Slice(cluster, func(i, j int) bool {
				return cluster[i].resp.CreatedAt.Before(cluster[j].resp.CreatedAt)
			})
			kept := cluster[0].resp
			removed := make([]string, 0, len(cluster)-1)
			for _, c := range cluster[1:] {
				if c.resp.Status != domain.StatusPendingApproval {
					// Already decided by a reviewer; leave it alone.
					continue
				}
				removed = append(removed, c.resp.ID)
			}
			if len(removed) == 0 {
				continue
			}
			report.Clusters = append(report.Clusters, DuplicateCluster{Mode: mode, KeptID: kept.ID, RemovedIDs: removed})
			removals = append(removals, removed...)
		}
	}

	for start := 0; start < len(removals); start += d.Cfg.StatusBatch {
		end := start + d.Cfg.StatusBatch
		if end > len(removals) {
			end = len(removals)
		}
		n, err := d.Responses.UpdateStatusBulk(ctx, removals[start:end], domain.StatusAbandoned, duplicateReason)
		if err != nil {
			// Skip just this batch; the rows stay pending for the next sweep.
			report.UpdateFailures++
			slog.Error("duplicate status batch failed",
				slog.String("mode", string(mode)), slog.Int("batch_size", end-start), slog.Any("error", err))
			continue
		}
		report.Removed += n
		observability.DuplicatesDetectedTotal.WithLabelValues(string(mode)).Add(float64(n))
	}
	if len(removals) > 0 {
		slog.Info("duplicate sweep reclassified responses",
			slog.String("mode", string(mode)), slog.Int("removed", len(removals)))
	}
	return nil
}

type candidate struct {
	resp   domain.Response
	digest string
}

// groupKey coarsely partitions candidates before pairwise comparison.
// CAPI groups by interviewer and survey; CATI groups by interviewer and
// call id, skipping records with no call id.
func groupKey(mode domain.SurveyMode, r domain.Response) (string, bool) {
	switch mode {
	case domain.ModeCATI:
		if r.CallID == "" {
			return "", false
		}
		return r.InterviewerID + "|" + r.CallID, true
	default:
		return r.InterviewerID + "|" + r.SurveyID, true
	}
}

// cluster partitions a group into equivalence clusters, comparing each
// candidate against the representative (first member) of every cluster.
func (d DuplicateDetector) cluster(mode domain.SurveyMode, members []candidate) [][]candidate {
	var clusters [][]candidate
next:
	for _, m := range members {
		for i := range clusters {
			if d.equal(mode, clusters[i][0], m) {
				clusters[i] = append(clusters[i], m)
				continue next
			}
		}
		clusters = append(clusters, []candidate{m})
	}
	return clusters
}

func (d DuplicateDetector) equal(mode domain.SurveyMode, a, b candidate) bool {
	if a.digest != b.digest {
		return false
	}
	delta := a.resp.StartTime.Sub(b.resp.StartTime)
	if delta < 0 {
		delta = -delta
	}
	if delta > d.Cfg.TimeTolerance {
		return false
	}
	if mode == domain.ModeCATI {
		// Grouping already pinned the call id.
		return true
	}
	return d.gpsEqual(a.resp.Location, b.resp.Location) && d.audioEqual(a.resp.Audio, b.resp.Audio)
}

// gpsEqual treats two missing locations as equal and one missing as
// distinct; otherwise both coordinates must sit within the tolerance.
func (d DuplicateDetector) gpsEqual(a, b *domain.GeoPoint) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return math.Abs(a.Lat-b.Lat) <= d.Cfg.GPSTolerance &&
		math.Abs(a.Lng-b.Lng) <= d.Cfg.GPSTolerance
}

// audioEqual compares the recording signature: same format and codec, with
// duration, bitrate, and file size inside their tolerances. Two missing
// recordings are equal; one missing is not.
func (d DuplicateDetector) audioEqual(a, b *domain.AudioRecording) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Format != b.Format || a.Codec != b.Codec {
		return false
	}
	durA := time.Duration(a.DurationSeconds * float64(time.Second))
	durB := time.Duration(b.DurationSeconds * float64(time.Second))
	dd := durA - durB
	if dd < 0 {
		dd = -dd
	}
	if dd > d.Cfg.AudioDurationTolerance {
		return false
	}
	if math.Abs(a.BitrateKbps-b.BitrateKbps) > d.Cfg.AudioBitrateTolerance {
		return false
	}
	sz := a.FileSize - b.FileSize
	if sz < 0 {
		sz = -sz
	}
	return sz <= d.Cfg.AudioSizeTolerance
}
