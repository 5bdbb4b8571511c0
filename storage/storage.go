// Package storage persists completed call recordings. It is a thin
// collaborator invoked outside the orchestrator's suspend points.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Store persists recording content under a logical name and returns a
// location reference.
type Store interface {
	// Save writes the stream under name.
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	// DownloadTo fetches content from srcURL and stores it under name.
	DownloadTo(ctx context.Context, srcURL, name string) (string, error)
}

// LocalStore writes recordings to a directory on disk
type LocalStore struct {
	dir    string
	client *http.Client
	log    *logrus.Entry
}

// NewLocalStore creates a store rooted at dir, creating it if needed
func NewLocalStore(dir string, log *logrus.Entry) (*LocalStore, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings dir: %w", err)
	}
	return &LocalStore{
		dir:    dir,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}, nil
}

func (s *LocalStore) Save(_ context.Context, name string, r io.Reader) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func (s *LocalStore) DownloadTo(ctx context.Context, srcURL, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("downloading recording: status %d", resp.StatusCode)
	}

	path, err := s.Save(ctx, name, resp.Body)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"src": srcURL, "path": path}).Info("recording stored")
	return path, nil
}
