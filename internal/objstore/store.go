package objstore

import (
	"context"
	"time"
)

// Store is the object-store contract used by the pipeline. Writes are
// idempotent because callers only ever use deterministic keys; reads are
// exposed to the outside exclusively through time-bounded signed URLs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
