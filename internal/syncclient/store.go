// Package syncclient implements the offline sync engine used by field
// devices: a file-backed spool of completed interviews pushed to the server
// whenever connectivity allows.
package syncclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/usecase"
)

// Status is the sync lifecycle of one spooled interview.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// AudioStatus tracks the recording upload separately from the data sync.
type AudioStatus string

const (
	AudioNone      AudioStatus = "none"
	AudioUploading AudioStatus = "uploading"
	AudioUploaded  AudioStatus = "uploaded"
	AudioFailed    AudioStatus = "failed"
)

// OfflineInterview is one spooled interview. SessionID may be a local
// placeholder prefixed "offline_" until the server assigns a real session.
// Responses is spooled in its final submission shape: the collector walks
// the cached survey structure at capture time and records every question,
// keeping required-but-skipped entries, so the engine sends it verbatim.
type OfflineInterview struct {
	ID                string                     `json:"id"`
	SurveyID          string                     `json:"surveyId"`
	IsCatiMode        bool                       `json:"isCatiMode"`
	SessionID         string                     `json:"sessionId"`
	CatiQueueID       string                     `json:"catiQueueId,omitempty"`
	Responses         []domain.AnsweredQuestion  `json:"responses"`
	Metadata          usecase.CompletionMetadata `json:"metadata"`
	AudioPath         string                     `json:"audioPath,omitempty"`
	AudioURL          string                     `json:"audioUrl,omitempty"`
	Status            Status                     `json:"status"`
	AudioUploadStatus AudioStatus                `json:"audioUploadStatus"`
	SyncAttempts      int                        `json:"syncAttempts"`
	ServerFailures    int                        `json:"serverFailures"`
	ResponseID        string                     `json:"responseId,omitempty"`
	Error             string                     `json:"error,omitempty"`
	CreatedAt         time.Time                  `json:"createdAt"`
}

// HasServerSession reports whether the interview already holds a real
// server-assigned session id.
func (iv OfflineInterview) HasServerSession() bool {
	return iv.SessionID != "" && !strings.HasPrefix(iv.SessionID, "offline_")
}

// FileStore spools interviews as one JSON file each. Writes go through a
// temp file and rename, so a crash mid-write never corrupts a record.
type FileStore struct {
	dir string
}

// NewFileStore creates the spool directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=syncstore.new dir=%s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Put persists the interview atomically.
func (s *FileStore) Put(iv OfflineInterview) error {
	data, err := json.MarshalIndent(iv, "", "  ")
	if err != nil {
		return fmt.Errorf("op=syncstore.put id=%s: marshal: %w", iv.ID, err)
	}
	tmp := s.path(iv.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("op=syncstore.put id=%s: %w", iv.ID, err)
	}
	if err := os.Rename(tmp, s.path(iv.ID)); err != nil {
		return fmt.Errorf("op=syncstore.put id=%s: rename: %w", iv.ID, err)
	}
	return nil
}

// Get loads one interview by id.
func (s *FileStore) Get(id string) (OfflineInterview, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return OfflineInterview{}, fmt.Errorf("op=syncstore.get id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return OfflineInterview{}, fmt.Errorf("op=syncstore.get id=%s: %w", id, err)
	}
	var iv OfflineInterview
	if err := json.Unmarshal(data, &iv); err != nil {
		return OfflineInterview{}, fmt.Errorf("op=syncstore.get id=%s: decode: %w", id, err)
	}
	return iv, nil
}

// List returns all spooled interviews ordered by creation time. Unreadable
// files are skipped rather than failing the whole sync run.
func (s *FileStore) List() ([]OfflineInterview, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("op=syncstore.list: %w", err)
	}
	out := make([]OfflineInterview, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		iv, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the interview record and, when present, its local audio
// file.
func (s *FileStore) Delete(iv OfflineInterview) error {
	if err := os.Remove(s.path(iv.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=syncstore.delete id=%s: %w", iv.ID, err)
	}
	if iv.AudioPath != "" {
		_ = os.Remove(iv.AudioPath)
	}
	return nil
}

// Pending counts interviews still awaiting sync.
func (s *FileStore) Pending() (int, error) {
	ivs, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, iv := range ivs {
		if iv.Status != StatusSynced {
			n++
		}
	}
	return n, nil
}
