package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/adgen-pipeline/internal/provider"
)

// FileStore persists images onto the local filesystem. It is intended for
// development and test environments where an object storage service is not
// available.
type FileStore struct {
	basePath      string
	publicBaseURL string
}

// NewFileStore initializes a FileStore rooted at basePath. URLs returned by
// Put are publicBaseURL joined with the cleaned key.
func NewFileStore(basePath, publicBaseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("upload: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("upload: ensure base path: %w", err)
	}
	if strings.TrimSpace(publicBaseURL) == "" {
		publicBaseURL = "/media"
	}
	return &FileStore{basePath: basePath, publicBaseURL: publicBaseURL}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	return s.basePath
}

func (s *FileStore) Put(ctx context.Context, key string, img provider.Image) (string, error) {
	if len(img.Data) == 0 {
		if img.URL != "" {
			return img.URL, nil
		}
		return "", errors.New("upload: image has no data")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("upload: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("upload: write file: %w", err)
	}
	return joinURL(s.publicBaseURL, cleanKey), nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("upload: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("upload: invalid key")
	}
	return cleaned, nil
}

var _ Store = (*FileStore)(nil)
