package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("registry")

// BboltMirror is a local stand-in for the cross-node registry, following
// the teacher's bbolt-backed metadata store pattern: a single bucket
// keyed by stream_id, here used only to record that a stream's entry has
// been retired.
type BboltMirror struct {
	db *bbolt.DB
}

// OpenBboltMirror opens (creating if necessary) the mirror file under
// dataDir.
func OpenBboltMirror(dataDir string) (*BboltMirror, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "registry.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create bucket: %w", err)
	}
	return &BboltMirror{db: db}, nil
}

// Delete removes streamID's registry entry. Deleting a streamID with no
// entry is not an error, matching a real registry's idempotent delete.
func (m *BboltMirror) Delete(_ context.Context, streamID string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(streamID))
	})
}

// Close closes the underlying bbolt database.
func (m *BboltMirror) Close() error {
	return m.db.Close()
}

// DeleteWithRetry calls Delete up to attempts times with linear backoff
// between tries, per the engine delete path's "best-effort registry
// cleanup, up to 3 retries with linear backoff" requirement.
func DeleteWithRetry(ctx context.Context, mirror Mirror, streamID string, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := mirror.Delete(ctx, streamID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < attempts-1 {
			select {
			case <-time.After(backoff * time.Duration(i+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
