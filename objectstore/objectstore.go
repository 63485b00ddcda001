// Package objectstore defines the blob storage interface cold segments
// are written through, plus a production S3/R2-compatible adapter and an
// in-memory fake for tests.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when key does not exist. Delete of a
// missing key is not an error.
var ErrNotFound = errors.New("objectstore: key not found")

// Store is the interface the engine's rotation path and read path use for
// cold segment blobs. Keys are namespaced by stream_id
// ("stream/<stream_id>/<read_seq>.seg") and, once written, are immutable.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
