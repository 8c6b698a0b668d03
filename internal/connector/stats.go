package connector

import (
	"sync"
	"time"

	"github.com/catherinevee/syncmgr/internal/processor"
)

// Stats accumulates per-connector run statistics surfaced by the
// health endpoint.
type Stats struct {
	mu sync.RWMutex

	LastSyncStart   time.Time
	LastSyncEnd     time.Time
	LastError       string
	RecordsCreated  int64
	RecordsUpdated  int64
	RecordsDeleted  int64
	RecordsSkipped  int64
	WebhooksHandled int64
}

// Snapshot is a copyable view of Stats.
type Snapshot struct {
	LastSyncStart   time.Time `json:"last_sync_start"`
	LastSyncEnd     time.Time `json:"last_sync_end"`
	LastError       string    `json:"last_error,omitempty"`
	RecordsCreated  int64     `json:"records_created"`
	RecordsUpdated  int64     `json:"records_updated"`
	RecordsDeleted  int64     `json:"records_deleted"`
	RecordsSkipped  int64     `json:"records_skipped"`
	WebhooksHandled int64     `json:"webhooks_handled"`
}

// NewStats creates empty stats.
func NewStats() *Stats { return &Stats{} }

// SyncStarted marks the beginning of a run.
func (s *Stats) SyncStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSyncStart = time.Now()
	s.LastError = ""
}

// SyncFinished marks the end of a run, recording err when non-nil.
func (s *Stats) SyncFinished(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSyncEnd = time.Now()
	if err != nil {
		s.LastError = err.Error()
	}
}

// Observe folds one batch result into the counters.
func (s *Stats) Observe(res processor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordsCreated += int64(res.Created)
	s.RecordsUpdated += int64(res.ContentUpdated + res.MetadataUpdated + res.PermissionsUpdated)
	s.RecordsDeleted += int64(res.Deleted)
	s.RecordsSkipped += int64(res.Skipped)
}

// WebhookHandled bumps the webhook counter.
func (s *Stats) WebhookHandled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WebhooksHandled++
}

// Snapshot returns a copy for serialization.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		LastSyncStart:   s.LastSyncStart,
		LastSyncEnd:     s.LastSyncEnd,
		LastError:       s.LastError,
		RecordsCreated:  s.RecordsCreated,
		RecordsUpdated:  s.RecordsUpdated,
		RecordsDeleted:  s.RecordsDeleted,
		RecordsSkipped:  s.RecordsSkipped,
		WebhooksHandled: s.WebhooksHandled,
	}
}
