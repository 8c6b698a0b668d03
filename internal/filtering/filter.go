// Package filtering evaluates user-configured sync filters (what to
// pull from the source) and indexing filters (what record subtypes get
// indexed).
package filtering

import (
	"path/filepath"
	"strings"

	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// Engine evaluates the filters of one connector instance.
type Engine struct {
	cfg config.FilterConfig
}

// NewEngine builds a filter engine from connector configuration.
func NewEngine(cfg config.FilterConfig) *Engine {
	return &Engine{cfg: cfg}
}

// ScopeAllowed reports whether a scope (team, folder, label) should be
// synced. An empty include list allows everything not excluded;
// matching is case-insensitive on the scope id or name.
func (e *Engine) ScopeAllowed(scope string) bool {
	s := strings.ToLower(scope)
	for _, ex := range e.cfg.ExcludeScopes {
		if strings.ToLower(ex) == s {
			return false
		}
	}
	if len(e.cfg.IncludeScopes) == 0 {
		return true
	}
	for _, in := range e.cfg.IncludeScopes {
		if strings.ToLower(in) == s {
			return true
		}
	}
	return false
}

// InSyncWindow reports whether a source timestamp (epoch ms) falls in
// the configured date window. Zero bounds are open.
func (e *Engine) InSyncWindow(sourceUpdatedAt int64) bool {
	if e.cfg.SyncStartMs > 0 && sourceUpdatedAt < e.cfg.SyncStartMs {
		return false
	}
	if e.cfg.SyncEndMs > 0 && sourceUpdatedAt > e.cfg.SyncEndMs {
		return false
	}
	return true
}

// ShouldSync applies the sync-side filters to a record.
func (e *Engine) ShouldSync(rec *models.Record) bool {
	if rec == nil {
		return false
	}
	if !e.InSyncWindow(rec.SourceUpdatedAt) {
		return false
	}
	if e.cfg.MaxSizeInBytes > 0 && rec.File != nil && rec.File.SizeInBytes > e.cfg.MaxSizeInBytes {
		return false
	}
	return true
}

// IndexingStatusFor decides the initial indexing status of a record:
// AUTO_INDEX_OFF when the indexing filters exclude it, NOT_STARTED
// otherwise.
func (e *Engine) IndexingStatusFor(rec *models.Record) models.IndexingStatus {
	if !e.shouldIndex(rec) {
		return models.IndexingAutoIndexOff
	}
	return models.IndexingNotStarted
}

func (e *Engine) shouldIndex(rec *models.Record) bool {
	if rec == nil {
		return false
	}
	for _, mime := range e.cfg.ExcludeMimes {
		if matchMime(mime, rec.MimeType) {
			return false
		}
	}
	if len(e.cfg.IndexTypes) == 0 {
		return true
	}
	for _, t := range e.cfg.IndexTypes {
		if strings.EqualFold(t, string(rec.RecordType)) {
			return true
		}
		if rec.File != nil && strings.EqualFold(strings.TrimPrefix(t, "."), strings.TrimPrefix(rec.File.Extension, ".")) {
			return true
		}
	}
	return false
}

// matchMime supports exact matches and prefix wildcards like "image/*".
func matchMime(pattern, mime string) bool {
	if pattern == mime {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*"))
	}
	ok, err := filepath.Match(pattern, mime)
	return err == nil && ok
}
