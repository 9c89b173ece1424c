package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fieldworks/surveyd/internal/adapter/httpserver"
	"github.com/fieldworks/surveyd/internal/adapter/telephony"
	"github.com/fieldworks/surveyd/internal/config"
	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/domain/mocks"
	"github.com/fieldworks/surveyd/internal/usecase"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int64) (bool, time.Duration, error) {
	return false, 2 * time.Second, nil
}

type testEnv struct {
	sessions  *mocks.MockSessionRepository
	responses *mocks.MockResponseRepository
	surveys   *mocks.MockSurveyRepository
	users     *mocks.MockUserRepository
	sets      *mocks.MockSetDataRepository
	queue     *mocks.MockEnrollQueue
	audio     *mocks.MockAudioStore
	callLogs  *mocks.MockCallLogRepository
	srv       *httpserver.Server
	router    chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		sessions:  &mocks.MockSessionRepository{},
		responses: &mocks.MockResponseRepository{},
		surveys:   &mocks.MockSurveyRepository{},
		users:     &mocks.MockUserRepository{},
		sets:      &mocks.MockSetDataRepository{},
		queue:     &mocks.MockEnrollQueue{},
		audio:     &mocks.MockAudioStore{},
		callLogs:  &mocks.MockCallLogRepository{},
	}
	cfg := config.Config{AppEnv: "dev", MaxAudioUploadMB: 4, SignedURLExpiry: 15 * time.Minute}
	registry := telephony.NewRegistry(&mocks.MockTenantRepository{}, func(name string) (telephony.Provider, error) {
		return telephony.NewTeleCMI("https://example.invalid", "app", "secret", time.Second), nil
	})
	e.srv = &httpserver.Server{
		Cfg:         cfg,
		Sessions:    usecase.NewSessionService(e.sessions, e.surveys, e.responses),
		Completions: usecase.NewCompletionService(e.sessions, e.surveys, e.responses, e.sets, e.queue),
		Reviews:     usecase.NewReviewService(e.responses, e.surveys, e.users, e.audio, 30*time.Minute, 15*time.Minute),
		Rotation:    usecase.NewSetRotation(e.surveys, e.sets),
		Surveys:     e.surveys,
		Responses:   e.responses,
		Users:       e.users,
		CallLogs:    e.callLogs,
		Audio:       e.audio,
		Providers:   registry,
	}
	r := chi.NewRouter()
	r.Post("/v1/sessions/{surveyId}/start", e.srv.StartSessionHandler())
	r.Get("/v1/sessions/{sessionId}", e.srv.GetSessionHandler())
	r.Post("/v1/sessions/{sessionId}/complete", e.srv.CompleteHandler())
	r.Post("/v1/sessions/{sessionId}/complete-cati", e.srv.CompleteCATIHandler())
	r.Post("/v1/audio/upload", e.srv.AudioUploadHandler())
	r.Get("/v1/responses/{id}/audio-signed-url", e.srv.AudioSignedURLHandler())
	r.Get("/v1/reviews/next", e.srv.ReviewNextHandler())
	r.HandleFunc("/v1/cati/webhook", e.srv.CATIWebhookHandler())
	r.Get("/v1/cati/surveys/{surveyId}/next-set", e.srv.NextSetHandler())
	e.router = r
	return e
}

func (e *testEnv) withUser(u domain.User) {
	e.users.On("Get", mock.Anything, u.ID).Return(u, nil)
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	return obj
}

func interviewer() domain.User {
	return domain.User{ID: "int-1", Name: "Asha", Role: domain.RoleInterviewer, CompanyID: "co-1"}
}

func surveyFixture() domain.Survey {
	return domain.Survey{
		ID:           "svy-1",
		CompanyID:    "co-1",
		Name:         "Exit Poll",
		Mode:         domain.ModeCAPI,
		Interviewers: []string{"int-1"},
		ACs:          []string{"AC-7", "AC-9"},
		Sections: []domain.Section{{
			Title: "Main",
			Questions: []domain.Question{
				{ID: "q1", Type: "single_choice", Required: true},
				{ID: "q2", Type: "text"},
			},
		}},
	}
}

func TestMissingUserHeaderIsForbidden(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1", nil)
	w := e.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)
	obj := decodeBody(t, w)
	errObj := obj["error"].(map[string]any)
	assert.Equal(t, "FORBIDDEN", errObj["code"])
}

func TestStartSessionHandler(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	e.surveys.On("Get", mock.Anything, "svy-1").Return(surveyFixture(), nil)
	e.sessions.On("FindOpen", mock.Anything, "svy-1", "int-1").Return(domain.InterviewSession{}, domain.ErrNotFound)
	e.sessions.On("Create", mock.Anything, mock.Anything).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/svy-1/start", strings.NewReader(`{"mode":"capi"}`))
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	obj := decodeBody(t, w)
	assert.NotEmpty(t, obj["sessionId"])
	assert.Equal(t, true, obj["requiresACSelection"])
	assert.Len(t, obj["assignedACs"], 2)
}

func TestCompleteHandlerDuplicateIs409Envelope(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	sess := domain.InterviewSession{
		ID: "sess-1", SurveyID: "svy-1", InterviewerID: "int-1",
		Mode: domain.ModeCAPI, State: domain.SessionActive,
		StartedAt: time.Now().Add(-10 * time.Minute),
	}
	e.sessions.On("Get", mock.Anything, "sess-1").Return(sess, nil)
	e.surveys.On("Get", mock.Anything, "svy-1").Return(surveyFixture(), nil)
	e.responses.On("Create", mock.Anything, mock.Anything).
		Return(domain.Response{}, &domain.DuplicateSubmissionError{ResponseID: "resp-9", ResponseNumber: 41})

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/complete", strings.NewReader(`{"responses":[]}`))
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusConflict, w.Code)
	obj := decodeBody(t, w)
	assert.Equal(t, true, obj["isDuplicate"])
	assert.Equal(t, "resp-9", obj["responseId"])
}

func TestCompleteHandlerForwardsQualityMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	sess := domain.InterviewSession{
		ID: "sess-1", SurveyID: "svy-1", InterviewerID: "int-1",
		Mode: domain.ModeCAPI, State: domain.SessionActive,
		StartedAt: time.Now().Add(-10 * time.Minute),
	}
	e.sessions.On("Get", mock.Anything, "sess-1").Return(sess, nil)
	e.surveys.On("Get", mock.Anything, "svy-1").Return(surveyFixture(), nil)
	e.responses.On("Create", mock.Anything, mock.MatchedBy(func(r domain.Response) bool {
		return r.Quality["gpsAccuracy"].NumVal() == 4.5 && r.Quality["networkType"].StrVal() == "4g"
	})).Return(domain.Response{ID: "resp-1", ResponseNumber: 42, CreatedAt: time.Now()}, nil)
	e.queue.On("EnqueueEnroll", mock.Anything, mock.Anything).Return("task-1", nil)
	e.sessions.On("SetState", mock.Anything, "sess-1", domain.SessionAbandoned).Return(nil)

	body := `{"responses":[{"questionId":"q1","questionType":"single_choice","value":"a"}],` +
		`"qualityMetrics":{"gpsAccuracy":4.5,"networkType":"4g"},"metadata":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/complete", strings.NewReader(body))
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	e.responses.AssertExpectations(t)
}

func TestCompleteHandlerRateLimited(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	e.srv.Limiter = denyLimiter{}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/complete", strings.NewReader(`{}`))
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	e.sessions.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestCompleteCATIRequiresQueueID(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/complete-cati", strings.NewReader(`{"responses":[],"metadata":{}}`))
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func buildAudioMultipart(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.WriteField("sessionId", "sess-1"))
	require.NoError(t, mw.WriteField("surveyId", "svy-1"))
	fw, err := mw.CreateFormFile("file", "recording.wav")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestAudioUploadRejectsNonAudio(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	body, ctype := buildAudioMultipart(t, []byte("%PDF-1.4 definitely not audio"))

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	e.audio.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAudioUploadStoresWav(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	// Minimal RIFF/WAVE header so content sniffing sees audio.
	wav := append([]byte("RIFF"), 0x24, 0x00, 0x00, 0x00)
	wav = append(wav, []byte("WAVEfmt ")...)
	wav = append(wav, make([]byte, 32)...)
	e.audio.On("Put", mock.Anything, mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "audio/svy-1/sess-1")
	}), mock.Anything, int64(len(wav)), mock.Anything).Return("audio/svy-1/sess-1.wav", nil)

	body, ctype := buildAudioMultipart(t, wav)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	obj := decodeBody(t, w)
	assert.Equal(t, "audio/svy-1/sess-1.wav", obj["audioUrl"])
	assert.Equal(t, "minio", obj["storageType"])
}

func TestSignedURLMockAudio(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	resp := domain.Response{ID: "resp-1", Audio: &domain.AudioRecording{AudioURL: "mock://sess-1"}}
	e.responses.On("Get", mock.Anything, "resp-1").Return(resp, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/responses/resp-1/audio-signed-url", nil)
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	obj := decodeBody(t, w)
	assert.Equal(t, true, obj["isMock"])
	assert.Nil(t, obj["signedUrl"])
	e.audio.AssertNotCalled(t, "PresignGet", mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewNextNoSurveysAssigned(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(domain.User{ID: "qa-1", Role: domain.RoleQualityAgent, CompanyID: "co-1"})
	e.surveys.On("ListForReviewer", mock.Anything, "qa-1").Return([]domain.Survey{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/reviews/next", nil)
	req.Header.Set("X-User-Id", "qa-1")
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	obj := decodeBody(t, w)
	assert.Nil(t, obj["interview"])
	assert.NotEmpty(t, obj["message"])
}

func TestCATIWebhookRequiresProvider(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/cati/webhook", strings.NewReader(`{}`))
	w := e.do(req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCATIWebhookUpsertsCallLog(t *testing.T) {
	e := newTestEnv(t)
	e.callLogs.On("UpsertByCallID", mock.Anything, mock.MatchedBy(func(cl domain.CallLog) bool {
		return cl.CallID == "cmi-7" && cl.Status == domain.CallAnswered && cl.CompanyID == "co-1"
	})).Return(nil)

	body := `{"cmiuid":"cmi-7","from":"+911000","to":"+912000","status":"Answered","duration":120}`
	req := httptest.NewRequest(http.MethodPost, "/v1/cati/webhook?provider=telecmi&companyId=co-1", strings.NewReader(body))
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	e.callLogs.AssertExpectations(t)
}

func TestNextSetHandler(t *testing.T) {
	e := newTestEnv(t)
	e.withUser(interviewer())
	svy := surveyFixture()
	svy.Mode = domain.ModeCATI
	svy.Sections[0].Questions[0].SetNumber = 1
	svy.Sections[0].Questions[1].SetNumber = 2
	e.surveys.On("Get", mock.Anything, "svy-1").Return(svy, nil)
	e.sets.On("Last", mock.Anything, "svy-1", domain.ModeCATI).Return(domain.SetData{SetNumber: 1}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cati/surveys/svy-1/next-set", nil)
	req.Header.Set("X-User-Id", "int-1")
	w := e.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	obj := decodeBody(t, w)
	assert.Equal(t, float64(1), obj["lastSetNumber"])
	assert.Equal(t, float64(2), obj["nextSetNumber"])
}
