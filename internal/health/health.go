// Package health aggregates per-connector sync state for the health
// endpoint: last run, last error, auth status and record counts by
// indexing status.
package health

import (
	"context"
	"time"

	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// ConnectorHealth is the externally visible state of one connector
// instance.
type ConnectorHealth struct {
	ID           string                        `json:"id"`
	Name         string                        `json:"name"`
	Source       string                        `json:"source"`
	AuthStatus   connector.AuthStatus          `json:"auth_status"`
	Stats        connector.Snapshot            `json:"stats"`
	RecordCounts map[models.IndexingStatus]int `json:"record_counts"`
}

// Report is the full health response.
type Report struct {
	Status     string            `json:"status"`
	Time       time.Time         `json:"time"`
	Connectors []ConnectorHealth `json:"connectors"`
}

// Service builds health reports over the registry and the store.
type Service struct {
	registry *connector.Registry
	store    store.Store
	log      logger.Logger
}

// New creates the health service.
func New(registry *connector.Registry, st store.Store) *Service {
	return &Service{registry: registry, store: st, log: logger.New("health")}
}

// Report collects the current state of every registered connector. The
// overall status degrades when any connector needs re-auth or its last
// run failed.
func (s *Service) Report(ctx context.Context) Report {
	rep := Report{Status: "ok", Time: time.Now()}

	for _, d := range s.registry.All() {
		ch := ConnectorHealth{
			ID:         d.ID(),
			Name:       d.Name(),
			Source:     d.Source(),
			AuthStatus: d.AuthStatus(),
			Stats:      d.Stats().Snapshot(),
		}

		counts, err := s.store.CountRecordsByIndexingStatus(ctx, d.ID())
		if err != nil {
			s.log.WithError(err).Warn("counting records failed",
				logger.String("connector_id", d.ID()))
		} else {
			ch.RecordCounts = counts
		}

		if ch.AuthStatus == connector.AuthNeedsReauth || ch.Stats.LastError != "" {
			rep.Status = "degraded"
		}
		rep.Connectors = append(rep.Connectors, ch)
	}
	return rep
}
