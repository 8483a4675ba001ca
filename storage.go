package browserq

import (
	"context"
	"time"
)

// StoredObject locates an uploaded object.
type StoredObject struct {
	Key    string `json:"key"`
	Bucket string `json:"bucket"`
	URL    string `json:"url"`
}

// ObjectStore is the object storage collaborator. Errors are returned as the
// backend produced them; nothing here retries.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (StoredObject, error)
	// Download reads key from bucket, or from the default bucket when
	// bucket is empty.
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
