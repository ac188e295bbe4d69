package transformer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PublicPathPrefix is the URL path under which stored artifacts are served
const PublicPathPrefix = "/processed"

// ContentStore persists produced artifacts and returns their public URL
type ContentStore interface {
	Save(ctx context.Context, name string, write func(w io.Writer) error) (string, error)
}

// LocalStore writes artifacts to a directory served at PublicPathPrefix
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the output directory if needed
func NewLocalStore(dir, publicBaseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Dir returns the directory holding stored artifacts
func (s *LocalStore) Dir() string {
	return s.dir
}

// Save writes the artifact under name. A partial file is removed on error.
func (s *LocalStore) Save(ctx context.Context, name string, write func(w io.Writer) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name != filepath.Base(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}

	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}

	return s.baseURL + PublicPathPrefix + "/" + name, nil
}
