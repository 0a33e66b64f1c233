package client

import (
	"context"
	"io"
)

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	Name() string
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	GetPublicURL(key string) string
}
