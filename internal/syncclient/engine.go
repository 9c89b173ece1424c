package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fieldworks/surveyd/internal/domain"
)

// Stage labels one step of a per-interview sync for the progress stream.
type Stage string

const (
	StageUploadingData  Stage = "uploading_data"
	StageUploadingAudio Stage = "uploading_audio"
	StageVerifying      Stage = "verifying"
	StageSynced         Stage = "synced"
	StageFailed         Stage = "failed"
)

// Progress is one event of the UI progress stream.
type Progress struct {
	CurrentInterview  int
	TotalInterviews   int
	InterviewProgress int
	Stage             Stage
	SyncedCount       int
	FailedCount       int
}

// Engine pushes spooled interviews to the server. At most one sync run is
// active at a time; triggers while a run is in flight return immediately.
type Engine struct {
	Store        *FileStore
	API          API
	OnProgress   func(Progress)
	DupAfter500s int
	MaxAudio     int
	FocusMinGap  time.Duration

	// Sleep and Now are swappable in tests.
	Sleep func(time.Duration)
	Now   func() time.Time

	mu        sync.Mutex
	running   bool
	lastFocus time.Time
}

// NewEngine constructs an Engine with the stock retry budget.
func NewEngine(store *FileStore, api API, dupAfter500s int) *Engine {
	return &Engine{
		Store:        store,
		API:          api,
		DupAfter500s: dupAfter500s,
		MaxAudio:     3,
		FocusMinGap:  30 * time.Second,
		Sleep:        time.Sleep,
		Now:          time.Now,
	}
}

// TrySync runs a full sync unless one is already in flight. Returns whether
// this call performed the run.
func (e *Engine) TrySync(ctx context.Context) bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	e.syncAll(ctx)
	return true
}

// NotifyOnline triggers a sync on a connectivity transition.
func (e *Engine) NotifyOnline(ctx context.Context) { e.TrySync(ctx) }

// NotifyForeground triggers a sync when the app returns to the foreground.
func (e *Engine) NotifyForeground(ctx context.Context) { e.TrySync(ctx) }

// NotifyFocus triggers a sync when the dashboard gains focus, throttled to
// one run per FocusMinGap, and only when work is pending.
func (e *Engine) NotifyFocus(ctx context.Context) {
	e.mu.Lock()
	now := e.Now()
	if now.Sub(e.lastFocus) < e.FocusMinGap {
		e.mu.Unlock()
		return
	}
	e.lastFocus = now
	e.mu.Unlock()

	if n, err := e.Store.Pending(); err != nil || n == 0 {
		return
	}
	e.TrySync(ctx)
}

// RunPeriodic syncs on every tick until the context is cancelled.
func (e *Engine) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.TrySync(ctx)
		}
	}
}

func (e *Engine) syncAll(ctx context.Context) {
	ivs, err := e.Store.List()
	if err != nil {
		slog.Error("sync: listing spool failed", slog.Any("error", err))
		return
	}
	var work []OfflineInterview
	for _, iv := range ivs {
		if iv.Status != StatusSynced {
			work = append(work, iv)
		}
	}
	synced, failed := 0, 0
	for i, iv := range work {
		if ctx.Err() != nil {
			return
		}
		if err := e.syncOne(ctx, iv, i+1, len(work), &synced, &failed); err != nil {
			slog.Warn("sync: interview not synced",
				slog.String("interview_id", iv.ID), slog.Any("error", err))
		}
	}
	if synced > 0 || failed > 0 {
		slog.Info("sync run finished", slog.Int("synced", synced), slog.Int("failed", failed))
	}
}

func (e *Engine) progress(cur, total, pct int, stage Stage, synced, failed int) {
	if e.OnProgress == nil {
		return
	}
	e.OnProgress(Progress{
		CurrentInterview:  cur,
		TotalInterviews:   total,
		InterviewProgress: pct,
		Stage:             stage,
		SyncedCount:       synced,
		FailedCount:       failed,
	})
}

func (e *Engine) syncOne(ctx context.Context, iv OfflineInterview, cur, total int, synced, failed *int) error {
	// A stored responseId means an earlier run completed but crashed before
	// deleting the spool entry.
	if iv.ResponseID != "" {
		iv.Status = StatusSynced
		*synced++
		e.progress(cur, total, 100, StageSynced, *synced, *failed)
		return e.finish(iv)
	}

	iv.Status = StatusSyncing
	iv.SyncAttempts++
	if err := e.Store.Put(iv); err != nil {
		return err
	}
	e.progress(cur, total, 10, StageUploadingData, *synced, *failed)

	if !iv.HasServerSession() {
		sessionID, err := e.API.StartSession(ctx, iv.SurveyID, iv.IsCatiMode, iv.CatiQueueID)
		if err != nil {
			return e.fail(iv, cur, total, synced, failed, err)
		}
		iv.SessionID = sessionID
		if err := e.Store.Put(iv); err != nil {
			return err
		}
	}

	if iv.Metadata.TotalTimeSpent == nil {
		dur := durationSeconds(iv)
		iv.Metadata.TotalTimeSpent = &dur
	}

	if !iv.IsCatiMode && iv.AudioPath != "" && iv.AudioURL == "" {
		e.progress(cur, total, 40, StageUploadingAudio, *synced, *failed)
		e.uploadAudio(ctx, &iv)
		if err := e.Store.Put(iv); err != nil {
			return err
		}
	}

	if iv.IsCatiMode {
		iv.Metadata.CatiQueueID = iv.CatiQueueID
		iv.Metadata.Audio = nil
	}

	e.progress(cur, total, 70, StageVerifying, *synced, *failed)
	responseID, err := e.API.Complete(ctx, iv.SessionID, iv.IsCatiMode, iv.Responses, iv.Metadata)
	if err != nil {
		switch Classify(err, iv.ServerFailures, e.DupAfter500s) {
		case OutcomeDuplicate:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.ResponseID != "" {
				responseID = apiErr.ResponseID
			}
			slog.Info("sync: duplicate treated as success",
				slog.String("interview_id", iv.ID), slog.String("response_id", responseID))
		case OutcomeRetryable:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status >= 500 {
				iv.ServerFailures++
			}
			return e.fail(iv, cur, total, synced, failed, err)
		default:
			iv.Error = err.Error()
			return e.fail(iv, cur, total, synced, failed, err)
		}
	}

	// Synced status and responseId land in one atomic write before the
	// spool entry is deleted, so a crash between the two re-runs as the
	// responseId short-circuit above.
	iv.Status = StatusSynced
	iv.ResponseID = responseID
	iv.Error = ""
	if err := e.Store.Put(iv); err != nil {
		return err
	}
	*synced++
	e.progress(cur, total, 100, StageSynced, *synced, *failed)
	return e.finish(iv)
}

func (e *Engine) finish(iv OfflineInterview) error {
	return e.Store.Delete(iv)
}

func (e *Engine) fail(iv OfflineInterview, cur, total int, synced, failed *int, err error) error {
	iv.Status = StatusFailed
	if iv.Error == "" {
		iv.Error = err.Error()
	}
	if perr := e.Store.Put(iv); perr != nil {
		return perr
	}
	*failed++
	e.progress(cur, total, 100, StageFailed, *synced, *failed)
	return err
}

// uploadAudio retries with exponential backoff (1 s, 2 s, 4 s, capped at
// 10 s). A terminal failure leaves the interview syncing without audio; the
// recording is retried on the next full run.
func (e *Engine) uploadAudio(ctx context.Context, iv *OfflineInterview) {
	iv.AudioUploadStatus = AudioUploading
	for attempt := 0; attempt < e.MaxAudio; attempt++ {
		if attempt > 0 {
			e.Sleep(backoffDelay(attempt))
		}
		st, err := os.Stat(iv.AudioPath)
		if err != nil || st.Size() == 0 {
			iv.AudioUploadStatus = AudioFailed
			slog.Warn("sync: audio file missing or empty", slog.String("path", iv.AudioPath))
			return
		}
		url, size, err := e.API.UploadAudio(ctx, iv.SurveyID, iv.SessionID, iv.AudioPath)
		if err != nil {
			slog.Warn("sync: audio upload attempt failed",
				slog.Int("attempt", attempt+1), slog.Any("error", err))
			continue
		}
		iv.AudioURL = url
		iv.AudioUploadStatus = AudioUploaded
		if iv.Metadata.Audio == nil {
			iv.Metadata.Audio = &domain.AudioRecording{}
		}
		iv.Metadata.Audio.AudioURL = url
		iv.Metadata.Audio.FileSize = size
		return
	}
	iv.AudioUploadStatus = AudioFailed
}

// backoffDelay is 1<<(attempt-1) seconds capped at 10.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// durationSeconds prefers client timestamps, clamped to at least one
// second.
func durationSeconds(iv OfflineInterview) int64 {
	md := iv.Metadata
	if md.StartTime != nil && md.EndTime != nil {
		if s := int64(md.EndTime.Sub(*md.StartTime).Seconds()); s >= 1 {
			return s
		}
	}
	return 1
}
