// Package connector defines the runtime every source connector plugs
// into: the driver interface, the base lifecycle helpers, per-instance
// rate limiting, scope fan-out, the instance registry and the sync
// scheduler.
package connector

import (
	"context"
	"io"

	"github.com/catherinevee/syncmgr/pkg/models"
)

// AuthStatus reflects whether a connector's credentials are usable.
type AuthStatus string

const (
	AuthOK          AuthStatus = "OK"
	AuthNeedsReauth AuthStatus = "NEEDS_REAUTH"
)

// WebhookNotification is the provider-agnostic hint handed to a driver
// after the intake verified and acknowledged the webhook. Webhooks are
// hints only; the durable truth is the subsequent sync pass.
type WebhookNotification struct {
	Provider string
	// Scope narrows the incremental sync when the provider says which
	// account/resource changed; empty means all scopes.
	Scope   string
	Headers map[string]string
	Payload []byte
}

// StreamResponse is a record's byte stream plus response metadata.
// Body yields chunks as they arrive from the source; callers must
// close it.
type StreamResponse struct {
	ContentType string
	Disposition string
	Body        io.ReadCloser
}

// FilterOption is one selectable value for a configurable sync filter.
type FilterOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FilterOptionsResponse is one page of filter options.
type FilterOptionsResponse struct {
	Options    []FilterOption `json:"options"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

// Driver is implemented by every connector instance.
type Driver interface {
	// ID returns the connector instance id; Name the human-readable
	// instance name; Source the provider kind ("dropbox", "gmail", ...).
	ID() string
	Name() string
	Source() string

	Init(ctx context.Context) error
	RunSync(ctx context.Context) error
	RunIncrementalSync(ctx context.Context) error
	HandleWebhookNotification(ctx context.Context, n WebhookNotification) error
	TestConnectionAndAccess(ctx context.Context) error

	StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*StreamResponse, error)
	GetSignedURL(ctx context.Context, rec *models.Record) (string, error)
	ReindexRecords(ctx context.Context, recs []*models.Record) error
	GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*FilterOptionsResponse, error)

	Cleanup(ctx context.Context) error

	AuthStatus() AuthStatus
	Stats() *Stats
}
