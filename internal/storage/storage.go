package storage

import "context"

// Bucket names for the two artifact classes.
const (
	BucketUploads   = "uploads"
	BucketProcessed = "processed"
)

// ObjectStore persists image artifacts. Keys are "<bucket>/<filename>"
// relative paths; URL turns a stored key into the address clients fetch it
// from.
type ObjectStore interface {
	Write(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	URL(key string) string
}
