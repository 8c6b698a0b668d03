// Package dropbox syncs Dropbox folders through the cursor-pagination
// delta endpoint. Each configured root path is a scope with its own
// cursor; deleted entries arrive as path-only tombstones and resolve
// against the store by path.
package dropbox

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/pkg/models"
)

const (
	defaultAPIBase     = "https://api.dropboxapi.com"
	defaultContentBase = "https://content.dropboxapi.com"
)

// Connector implements the driver for Dropbox.
type Connector struct {
	*connector.Base
	client  *apiClient
	account *accountInfo
}

// Deps carries the runtime pieces the factory closes over.
type Deps struct {
	SyncPoints syncpoint.Manager
	Processor  *processor.Processor
	Filters    *filtering.Engine
	// HTTPClient overrides the default client, used for auth injection
	// and for tests.
	HTTPClient *http.Client
}

// New builds a Dropbox connector instance. API endpoints default to the
// public Dropbox hosts and can be overridden through settings
// ("api_base_url", "content_base_url") for tests.
func New(cfg config.ConnectorConfig, deps Deps) (*Connector, error) {
	apiBase := cfg.Settings["api_base_url"]
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	contentBase := cfg.Settings["content_base_url"]
	if contentBase == "" {
		contentBase = apiBase
		if apiBase == defaultAPIBase {
			contentBase = defaultContentBase
		}
	}
	return &Connector{
		Base:   connector.NewBase(cfg, deps.SyncPoints, deps.Processor, deps.Filters),
		client: newAPIClient(deps.HTTPClient, apiBase, contentBase, cfg.Settings["access_token"]),
	}, nil
}

// Init resolves the account identity and registers the owning user.
func (c *Connector) Init(ctx context.Context) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	acct, err := c.client.getCurrentAccount(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuth) {
			c.MarkNeedsReauth()
		}
		return err
	}
	c.account = acct
	c.MarkAuthOK()

	_, err = c.Processor.OnNewAppUsers(ctx, []*models.AppUser{{
		Base: models.Base{
			ID:               uuid.NewString(),
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: acct.AccountID,
		},
		Email:        acct.Email,
		FullName:     acct.Name.DisplayName,
		SourceUserID: acct.AccountID,
		IsActive:     true,
	}})
	return err
}

// TestConnectionAndAccess verifies the token and a root listing.
func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	if _, err := c.client.getCurrentAccount(ctx); err != nil {
		return err
	}
	for _, scope := range c.scopes() {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		if _, err := c.client.latestCursor(ctx, scope); err != nil {
			return fmt.Errorf("scope %s not accessible: %w", scope, err)
		}
	}
	return nil
}

// RunSync and RunIncrementalSync share one loop: the cursor decides
// whether a scope bootstraps or resumes.
func (c *Connector) RunSync(ctx context.Context) error {
	return c.RunScopes(ctx, c.scopes(), c.syncScope)
}

func (c *Connector) RunIncrementalSync(ctx context.Context) error {
	return c.RunScopes(ctx, c.scopes(), c.syncScope)
}

// HandleWebhookNotification runs an incremental pass. Dropbox webhook
// bodies only say "something changed"; the cursor finds out what.
func (c *Connector) HandleWebhookNotification(ctx context.Context, n connector.WebhookNotification) error {
	c.Stats().WebhookHandled()
	return c.RunIncrementalSync(ctx)
}

func (c *Connector) scopes() []string {
	raw := c.Config.Settings["root_paths"]
	if raw == "" {
		return []string{""}
	}
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		scopes = append(scopes, strings.TrimSpace(p))
	}
	return scopes
}

func (c *Connector) syncScope(ctx context.Context, scope string) error {
	sp, err := c.SyncPoints.Read(ctx, scope)
	if err != nil {
		return err
	}
	cursor := sp.Cursor()

	if cursor == "" {
		if err := c.ensureRecordGroup(ctx, scope); err != nil {
			return err
		}
	}

	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		var page *listFolderPage
		if cursor == "" {
			page, err = c.client.listFolder(ctx, scope)
		} else {
			page, err = c.client.listFolderContinue(ctx, cursor)
		}
		if err != nil {
			if apperrors.Is(err, apperrors.KindCursorInvalid) {
				c.Log.WithError(err).Warn("cursor invalid, clearing for full resync",
					logger.String("scope", scope))
				return c.SyncPoints.Clear(ctx, scope)
			}
			return err
		}

		if err := c.processPage(ctx, scope, page); err != nil {
			return err
		}

		// The page is durably written; only now may the cursor move.
		cursor = page.Cursor
		if err := c.SyncPoints.Update(ctx, scope, syncpoint.Data{"cursor": cursor}); err != nil {
			return err
		}
		if !page.HasMore {
			return nil
		}
	}
}

func (c *Connector) processPage(ctx context.Context, scope string, page *listFolderPage) error {
	batch := c.NewBatch(nil)
	for _, e := range page.Entries {
		switch e.Tag {
		case "file":
			tup := c.fileTuple(scope, e)
			if !c.Filters.ShouldSync(tup.Record) {
				continue
			}
			if err := batch.Add(ctx, tup); err != nil {
				return err
			}
		case "deleted":
			// Tombstones carry no id, only the path.
			if err := c.Processor.OnRecordDeletedByPath(ctx, e.PathDisplay); err != nil {
				return err
			}
		case "folder":
			// Folders are containers, not records.
		}
	}
	return batch.Flush(ctx)
}

func (c *Connector) fileTuple(scope string, e entry) processor.RecordWithPermissions {
	ext := strings.TrimPrefix(path.Ext(e.Name), ".")
	rec := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: e.ID,
			SourceCreatedAt:  e.ClientModified.UnixMilli(),
			SourceUpdatedAt:  e.ServerModified.UnixMilli(),
		},
		RecordName:            e.Name,
		RecordType:            models.RecordTypeFile,
		RecordGroupType:       models.RecordGroupDrive,
		ExternalRecordGroupID: c.groupID(scope),
		ExternalRevisionID:    e.Rev,
		File: &models.FileRecord{
			SizeInBytes: e.Size,
			Extension:   ext,
			IsFile:      true,
			SHA256Hash:  e.ContentHash,
			Path:        e.PathDisplay,
		},
	}
	rec.IndexingStatus = c.Filters.IndexingStatusFor(rec)

	var perms []models.Permission
	if c.account != nil {
		perms = append(perms, models.Permission{
			EntityType: models.EntityUser,
			ExternalID: c.account.AccountID,
			Email:      c.account.Email,
			Type:       models.PermissionOwner,
		})
	}
	return processor.RecordWithPermissions{Record: rec, Permissions: perms}
}

func (c *Connector) ensureRecordGroup(ctx context.Context, scope string) error {
	name := path.Base(scope)
	if name == "." || name == "/" || name == "" {
		name = "All files"
	}
	var perms []models.Permission
	if c.account != nil {
		perms = append(perms, models.Permission{
			EntityType: models.EntityUser,
			ExternalID: c.account.AccountID,
			Email:      c.account.Email,
			Type:       models.PermissionOwner,
		})
	}
	_, err := c.Processor.OnNewRecordGroups(ctx, []processor.RecordGroupWithPermissions{{
		Group: &models.RecordGroup{
			Base: models.Base{
				OrgID:            c.OrgID(),
				ConnectorID:      c.ID(),
				ConnectorName:    c.Name(),
				ExternalRecordID: c.groupID(scope),
			},
			ExternalGroupID: c.groupID(scope),
			Name:            name,
			GroupType:       models.RecordGroupDrive,
		},
		Permissions: perms,
	}})
	return err
}

func (c *Connector) groupID(scope string) string {
	if scope == "" {
		return "root"
	}
	return scope
}

// StreamRecord downloads the file content. Conversion requests are
// handled upstream by the streamer.
func (c *Connector) StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*connector.StreamResponse, error) {
	if rec.File == nil || rec.File.Path == "" {
		return nil, apperrors.New(apperrors.KindValidation, "record has no file path")
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	body, contentType, err := c.client.download(ctx, rec.File.Path)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = rec.MimeType
	}
	return &connector.StreamResponse{
		ContentType: contentType,
		Disposition: fmt.Sprintf("attachment; filename=%q", rec.RecordName),
		Body:        body,
	}, nil
}

// GetSignedURL returns a short-lived temporary link from the source.
func (c *Connector) GetSignedURL(ctx context.Context, rec *models.Record) (string, error) {
	if rec.File == nil || rec.File.Path == "" {
		return "", apperrors.New(apperrors.KindValidation, "record has no file path")
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return "", err
	}
	return c.client.temporaryLink(ctx, rec.File.Path)
}

// ReindexRecords re-enqueues indexing for the given records.
func (c *Connector) ReindexRecords(ctx context.Context, recs []*models.Record) error {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	c.Processor.ReindexRecords(ctx, ids)
	return nil
}

// GetFilterOptions lists top-level folders as selectable scopes.
func (c *Connector) GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*connector.FilterOptionsResponse, error) {
	if filterKey != "folders" {
		return nil, apperrors.New(apperrors.KindValidation, "unsupported filter key: "+filterKey)
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	listing, err := c.client.listFolder(ctx, "")
	if err != nil {
		return nil, err
	}
	resp := &connector.FilterOptionsResponse{}
	for _, e := range listing.Entries {
		if e.Tag != "folder" {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(search)) {
			continue
		}
		resp.Options = append(resp.Options, connector.FilterOption{ID: e.PathDisplay, Name: e.Name})
		if limit > 0 && len(resp.Options) >= limit {
			resp.HasMore = true
			break
		}
	}
	return resp, nil
}

// Cleanup has nothing to release; the HTTP client is shared.
func (c *Connector) Cleanup(ctx context.Context) error { return nil }
