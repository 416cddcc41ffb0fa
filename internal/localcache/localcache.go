// Package localcache is an on-disk fallback for C1's state store, used
// only by the run-local developer harness (cmd/airdrop-runtime run-local)
// when no real control plane is available to serve the worker-data URL.
// It persists one JSON blob per sync unit and guards reads/writes against
// concurrent runs with a cross-process file lock.
//
// Grounded on the teacher's internal/shell.Shell.LockFile: a flock.TryLock
// retry loop bounded by the caller's context, rather than flock's own
// blocking Lock, so a caller can time out waiting on a wedged lock file.
package localcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 50 * time.Millisecond

// Cache is a single JSON-blob file plus its lock file.
type Cache struct {
	path string
	lock *flock.Flock
}

// New returns a Cache backed by path. The lock file is path+"f", the same
// suffixing convention the teacher uses to keep a flock's lock file from
// colliding with an older lockfile-library's lock of the same base name.
func New(path string) *Cache {
	return &Cache{path: path, lock: flock.New(path + "f")}
}

// Load reads the cached blob, returning (nil, nil) if it doesn't exist
// yet (a fresh sync unit's first invocation).
func (c *Cache) Load(ctx context.Context) (json.RawMessage, error) {
	unlock, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localcache: reading %s: %w", c.path, err)
	}
	return data, nil
}

// Save overwrites the cached blob with data.
func (c *Cache) Save(ctx context.Context, data json.RawMessage) error {
	unlock, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("localcache: creating cache dir: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("localcache: writing %s: %w", c.path, err)
	}
	return nil
}

// acquire blocks (polling on lockRetryInterval) until the lock is taken
// or ctx is done, returning a func to release it.
func (c *Cache) acquire(ctx context.Context) (func(), error) {
	for {
		got, err := c.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("localcache: locking %s: %w", c.path, err)
		}
		if got {
			return func() { _ = c.lock.Unlock() }, nil
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
