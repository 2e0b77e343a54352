// Package upload stores generated images and returns their public URLs.
package upload

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/cuongbtq/adgen-pipeline/internal/provider"
)

// Store persists one image under key and returns the URL clients use.
// Images that only carry a URL are returned unchanged.
type Store interface {
	Put(ctx context.Context, key string, img provider.Image) (string, error)
}

// ObjectKey builds the storage key of one variant.
func ObjectKey(ownerID, jobID string, index int, mimeType string) string {
	return fmt.Sprintf("ads/%s/%s/%d%s", ownerID, jobID, index+1, Extension(mimeType))
}

// Extension maps an image MIME type to a file extension.
func Extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png", "":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
