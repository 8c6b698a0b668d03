// Package blob stores the parsed block payloads retrieval hydrates
// from: one JSON document per indexed record, addressed by org and
// record id.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/catherinevee/syncmgr/internal/config"
)

// Store reads and writes record blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrNotFound is returned when no blob exists for the key.
var ErrNotFound = fmt.Errorf("blob not found")

// RecordKey builds the canonical blob key for a record's parsed
// payload.
func RecordKey(orgID, recordID string) string {
	return fmt.Sprintf("%s/records/%s.json", orgID, recordID)
}

// New builds the configured backend, wrapped in the Redis cache when an
// address is configured.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	var backend Store
	var err error
	switch cfg.Backend {
	case "s3":
		backend, err = NewS3Store(ctx, cfg)
	default:
		backend, err = NewLocalStore(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		return NewCachedStore(backend, cfg.RedisAddr, cfg.CacheTTL), nil
	}
	return backend, nil
}

func readAll(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}
