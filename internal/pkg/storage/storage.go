// Package storage persists raw file payloads (uploads, crawl markdown) behind
// a provider interface so the document pipeline does not care whether bytes
// live on local disk or in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/echodesk/core/internal/config"
)

// ErrNotFound reports that no object exists under the requested key.
var ErrNotFound = errors.New("object not found")

// Provider stores and retrieves opaque objects addressed by a slash-separated
// key. Keys are normalized before use; a key that escapes the provider root is
// rejected rather than silently rewritten.
type Provider interface {
	// Kind returns the provider name persisted on file rows ("local" or "s3").
	Kind() string
	// Save writes the payload under key, overwriting any previous object.
	Save(ctx context.Context, key string, data []byte, contentType string) error
	// Open returns a reader for the object. The caller closes it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// New builds the provider selected by the storage section of the startup
// config. The upload directory is resolved relative to the executable the
// same way the log and static directories are.
func New(cfg *config.AppConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Provider)) {
	case "", "local":
		return NewLocal(cfg.UploadDir())
	case "s3":
		return NewS3(cfg.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

// ObjectKey builds the canonical key for an uploaded or crawl-synthesized
// file: objects are grouped by project so tenant cleanup stays a prefix walk.
func ObjectKey(projectID, fileID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" || len(ext) > 10 || !isSafeSegment(ext[1:]) {
		ext = ".dat"
	}
	return path.Join(projectID, fileID+ext)
}

// CleanKey normalizes a storage key to forward slashes and rejects anything
// that could escape the provider root. It returns the normalized key and
// whether the key is usable.
func CleanKey(raw string) (string, bool) {
	key := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	for strings.Contains(key, "//") {
		key = strings.ReplaceAll(key, "//", "/")
	}
	if key == "" {
		return "", false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || !isSafeSegment(seg) {
			return "", false
		}
	}
	return key, true
}

func isSafeSegment(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			continue
		}
		return false
	}
	return s != ""
}
