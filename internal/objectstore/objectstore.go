// Package objectstore is the media-storage boundary:
// a small Put/Get/List/Delete surface with public-URL resolution and
// optional signed direct-upload URLs, backed by the local filesystem for
// development or by an S3-compatible service in production.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pairit/pairit/pkg/types"
)

var ErrNotFound = errors.New("object not found")

// ErrSigningUnsupported is returned by backends that cannot mint signed
// upload URLs (the filesystem backend).
var ErrSigningUnsupported = errors.New("signed upload urls not supported by this backend")

// Store is the object-storage boundary contract.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, name string) error
	PublicURL(name string) string
	SignedUploadURL(ctx context.Context, name, contentType string, ttl time.Duration) (string, error)
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	ModifiedAt  int64  `json:"modifiedAt"`
}

// New selects a backend from the server's object-store config.
func New(cfg types.ObjectStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		root := cfg.FSRoot
		if root == "" {
			root = "media"
		}
		return NewFSStore(root, cfg.PublicBaseURL)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("object store backend s3 requires s3Bucket")
		}
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

// ValidateName rejects object names that could escape the store's
// namespace or collide with metadata entries.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("object name is empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("object name %q is not allowed", name)
	}
	if strings.HasSuffix(name, ".meta.json") {
		return fmt.Errorf("object name %q collides with metadata entries", name)
	}
	return nil
}
