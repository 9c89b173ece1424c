package syncclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/usecase"
	"github.com/fieldworks/surveyd/pkg/respnorm"
)

type fakeAPI struct {
	mu sync.Mutex

	startCalls    int
	uploadCalls   int
	completeCalls int

	startErr    error
	uploadErr   error
	completeErr error

	sessionID  string
	audioURL   string
	responseID string

	lastMetadata usecase.CompletionMetadata
	lastCati     bool
}

func (f *fakeAPI) StartSession(context.Context, string, bool, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.sessionID, nil
}

func (f *fakeAPI) UploadAudio(context.Context, string, string, string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.uploadErr != nil {
		return "", 0, f.uploadErr
	}
	return f.audioURL, 2048, nil
}

func (f *fakeAPI) Complete(_ context.Context, _ string, cati bool, _ []domain.AnsweredQuestion, md usecase.CompletionMetadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	f.lastMetadata = md
	f.lastCati = cati
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.responseID, nil
}

func newEngineEnv(t *testing.T, api *fakeAPI) (*Engine, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	eng := NewEngine(store, api, 2)
	eng.Sleep = func(time.Duration) {}
	return eng, store
}

func spoolInterview(t *testing.T, store *FileStore, iv OfflineInterview) OfflineInterview {
	t.Helper()
	if iv.Status == "" {
		iv.Status = StatusPending
	}
	if iv.AudioUploadStatus == "" {
		iv.AudioUploadStatus = AudioNone
	}
	require.NoError(t, store.Put(iv))
	return iv
}

func writeAudioFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "rec.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFxxxxWAVE"), 0o644))
	return path
}

func TestSyncHappyPathDeletesSpoolEntry(t *testing.T) {
	api := &fakeAPI{sessionID: "sess-srv", audioURL: "audio/svy-1/sess-srv.wav", responseID: "resp-1"}
	eng, store := newEngineEnv(t, api)
	audio := writeAudioFile(t, t.TempDir())
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "offline_123",
		AudioPath: audio,
		Responses: []domain.AnsweredQuestion{{QuestionID: "q1", Value: respnorm.Str("yes")}},
		CreatedAt: time.Now(),
	})

	require.True(t, eng.TrySync(context.Background()))

	assert.Equal(t, 1, api.startCalls, "offline_ session ids get a server session")
	assert.Equal(t, 1, api.uploadCalls)
	assert.Equal(t, 1, api.completeCalls)
	require.NotNil(t, api.lastMetadata.Audio)
	assert.Equal(t, "audio/svy-1/sess-srv.wav", api.lastMetadata.Audio.AudioURL)

	left, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, left, "synced interview is deleted from the spool")
	_, err = os.Stat(audio)
	assert.True(t, os.IsNotExist(err), "local audio file removed after sync")
}

func TestSyncStoredResponseIDShortCircuits(t *testing.T) {
	api := &fakeAPI{}
	eng, store := newEngineEnv(t, api)
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv",
		ResponseID: "resp-already", CreatedAt: time.Now(),
	})

	require.True(t, eng.TrySync(context.Background()))

	assert.Zero(t, api.completeCalls, "no resubmission when responseId is stored")
	left, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSyncDuplicateTreatedAsSuccess(t *testing.T) {
	api := &fakeAPI{
		sessionID:   "sess-srv",
		completeErr: &APIError{Status: 409, IsDuplicate: true, ResponseID: "resp-dup"},
	}
	eng, store := newEngineEnv(t, api)
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv", CreatedAt: time.Now(),
	})

	var last Progress
	eng.OnProgress = func(p Progress) { last = p }
	require.True(t, eng.TrySync(context.Background()))

	assert.Equal(t, StageSynced, last.Stage)
	assert.Equal(t, 1, last.SyncedCount)
	left, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSyncRetryableLeavesFailedForNextRun(t *testing.T) {
	api := &fakeAPI{sessionID: "sess-srv", completeErr: &APIError{Status: 500, Body: "boom"}}
	eng, store := newEngineEnv(t, api)
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv", CreatedAt: time.Now(),
	})

	require.True(t, eng.TrySync(context.Background()))

	left, err := store.List()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, StatusFailed, left[0].Status)
	assert.Equal(t, 1, left[0].ServerFailures)
	assert.Equal(t, 1, left[0].SyncAttempts)
}

func TestSyncServerFailureHeuristicFlipsToDuplicate(t *testing.T) {
	api := &fakeAPI{sessionID: "sess-srv", completeErr: &APIError{Status: 500, Body: "boom"}}
	eng, store := newEngineEnv(t, api)
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv", CreatedAt: time.Now(),
	})

	// Two runs fail with 500 and bump the counter; the third classifies as
	// duplicate and clears the spool.
	require.True(t, eng.TrySync(context.Background()))
	require.True(t, eng.TrySync(context.Background()))
	require.True(t, eng.TrySync(context.Background()))

	left, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSyncAudioFailureContinuesWithoutAudio(t *testing.T) {
	api := &fakeAPI{sessionID: "sess-srv", uploadErr: errors.New("upload timeout"), responseID: "resp-1"}
	eng, store := newEngineEnv(t, api)
	audio := writeAudioFile(t, t.TempDir())
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv",
		AudioPath: audio, CreatedAt: time.Now(),
	})

	require.True(t, eng.TrySync(context.Background()))

	assert.Equal(t, 3, api.uploadCalls, "audio retries up to the attempt budget")
	assert.Equal(t, 1, api.completeCalls, "completion proceeds without audio")
	assert.Nil(t, api.lastMetadata.Audio)
	left, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSyncCATIUsesCatiEndpointWithoutAudio(t *testing.T) {
	api := &fakeAPI{sessionID: "sess-srv", responseID: "resp-1"}
	eng, store := newEngineEnv(t, api)
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv",
		IsCatiMode: true, CatiQueueID: "cq-9",
		AudioPath: "/nonexistent/rec.wav",
		CreatedAt: time.Now(),
	})

	require.True(t, eng.TrySync(context.Background()))

	assert.True(t, api.lastCati)
	assert.Equal(t, "cq-9", api.lastMetadata.CatiQueueID)
	assert.Nil(t, api.lastMetadata.Audio)
	assert.Zero(t, api.uploadCalls, "CATI interviews never upload audio")
}

func TestSyncSingleInFlightGuard(t *testing.T) {
	eng, _ := newEngineEnv(t, &fakeAPI{})
	eng.mu.Lock()
	eng.running = true
	eng.mu.Unlock()

	assert.False(t, eng.TrySync(context.Background()), "second trigger returns immediately")
}

func TestNotifyFocusThrottled(t *testing.T) {
	api := &fakeAPI{sessionID: "sess-srv", responseID: "resp-1"}
	eng, store := newEngineEnv(t, api)
	now := time.Unix(1000, 0)
	eng.Now = func() time.Time { return now }
	spoolInterview(t, store, OfflineInterview{
		ID: "iv-1", SurveyID: "svy-1", SessionID: "sess-srv", CreatedAt: time.Now(),
	})

	eng.NotifyFocus(context.Background())
	assert.Equal(t, 1, api.completeCalls)

	spoolInterview(t, store, OfflineInterview{
		ID: "iv-2", SurveyID: "svy-1", SessionID: "sess-srv", CreatedAt: time.Now(),
	})
	now = now.Add(10 * time.Second)
	eng.NotifyFocus(context.Background())
	assert.Equal(t, 1, api.completeCalls, "focus syncs are throttled to one per 30s")

	now = now.Add(25 * time.Second)
	eng.NotifyFocus(context.Background())
	assert.Equal(t, 2, api.completeCalls)
}

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 8*time.Second, backoffDelay(4))
	assert.Equal(t, 10*time.Second, backoffDelay(5), "capped at 10s")
}

func TestDurationSecondsClamp(t *testing.T) {
	t.Parallel()
	start := time.Unix(1000, 0)
	end := start.Add(90 * time.Second)
	iv := OfflineInterview{Metadata: usecase.CompletionMetadata{StartTime: &start, EndTime: &end}}
	assert.Equal(t, int64(90), durationSeconds(iv))

	sub := start.Add(300 * time.Millisecond)
	iv.Metadata.EndTime = &sub
	assert.Equal(t, int64(1), durationSeconds(iv), "sub-second interviews clamp to one second")

	assert.Equal(t, int64(1), durationSeconds(OfflineInterview{}))
}
