package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// localfs: the object key itself.
	// gdrive: the Drive fileId, used for later reads and links.
	ObjectKey string
	Size      int64
}

// StorageProvider: artifact destinations (localfs, gdrive).
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// PublicURL returns a URL a webhook consumer can fetch without credentials.
	PublicURL(ctx context.Context, objectKey string) (string, error)
}
