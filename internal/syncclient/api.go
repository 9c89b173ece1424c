package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/usecase"
)

// API is the server surface the engine talks to. Swappable in tests.
type API interface {
	StartSession(ctx context.Context, surveyID string, cati bool, catiQueueID string) (sessionID string, err error)
	UploadAudio(ctx context.Context, surveyID, sessionID, path string) (audioURL string, size int64, err error)
	Complete(ctx context.Context, sessionID string, cati bool, responses []domain.AnsweredQuestion, md usecase.CompletionMetadata) (responseID string, err error)
}

// Client is the HTTP implementation of API against the surveyd server.
type Client struct {
	baseURL string
	userID  string
	hc      *http.Client
}

// NewClient constructs a Client authenticating as the given interviewer.
func NewClient(baseURL, userID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// StartSession opens a server session for an offline interview.
func (c *Client) StartSession(ctx context.Context, surveyID string, cati bool, catiQueueID string) (string, error) {
	body := map[string]any{}
	if cati {
		body["mode"] = string(domain.ModeCATI)
		body["catiQueueId"] = catiQueueID
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+surveyID+"/start", body, &out)
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("op=syncapi.start_session: empty session id: %w", domain.ErrInternal)
	}
	return out.SessionID, nil
}

// UploadAudio posts the recording and returns its storage key and size.
func (c *Client) UploadAudio(ctx context.Context, surveyID, sessionID, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("op=syncapi.upload_audio path=%s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	_ = mw.WriteField("sessionId", sessionID)
	_ = mw.WriteField("surveyId", surveyID)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", 0, fmt.Errorf("op=syncapi.upload_audio: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", 0, fmt.Errorf("op=syncapi.upload_audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", 0, fmt.Errorf("op=syncapi.upload_audio: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/upload", buf)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", c.userID)

	var out struct {
		AudioURL string `json:"audioUrl"`
		Size     int64  `json:"size"`
	}
	if err := c.do(req, &out); err != nil {
		return "", 0, err
	}
	return out.AudioURL, out.Size, nil
}

// Complete submits the interview. CATI interviews go through the CATI
// variant endpoint.
func (c *Client) Complete(ctx context.Context, sessionID string, cati bool, responses []domain.AnsweredQuestion, md usecase.CompletionMetadata) (string, error) {
	endpoint := "/v1/sessions/" + sessionID + "/complete"
	if cati {
		endpoint = "/v1/sessions/" + sessionID + "/complete-cati"
	}
	body := map[string]any{
		"responses": responses,
		"metadata":  md,
	}
	var out struct {
		ResponseID string `json:"responseId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &out); err != nil {
		return "", err
	}
	return out.ResponseID, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=syncapi: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", c.userID)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(raw)}
		var dup struct {
			IsDuplicate bool   `json:"isDuplicate"`
			ResponseID  string `json:"responseId"`
		}
		if jerr := json.Unmarshal(raw, &dup); jerr == nil && dup.IsDuplicate {
			apiErr.IsDuplicate = true
			apiErr.ResponseID = dup.ResponseID
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("op=syncapi: decode: %w", err)
		}
	}
	return nil
}
