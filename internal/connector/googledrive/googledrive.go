// Package googledrive syncs Google Drive through the changes feed.
// Every drive (My Drive plus each shared drive) is a scope with its own
// page token. Bootstrap grabs the start page token before listing so
// changes made during the listing are not lost.
package googledrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/pkg/models"
)

const myDriveScope = "mydrive"

const fileFields = "id, name, mimeType, size, createdTime, modifiedTime, webViewLink, md5Checksum, fileExtension, trashed, driveId, permissions(type, emailAddress, role)"

// exportFormats maps native Google editor types to the MIME type used
// when streaming their content.
var exportFormats = map[string]string{
	"application/vnd.google-apps.document":     "application/pdf",
	"application/vnd.google-apps.spreadsheet":  "application/pdf",
	"application/vnd.google-apps.presentation": "application/pdf",
	"application/vnd.google-apps.drawing":      "image/png",
}

// Connector implements the driver for Google Drive.
type Connector struct {
	*connector.Base
	svc       *drive.Service
	userEmail string
	userID    string
}

// Deps carries the runtime pieces plus client options for auth and
// endpoint override in tests.
type Deps struct {
	SyncPoints    syncpoint.Manager
	Processor     *processor.Processor
	Filters       *filtering.Engine
	ClientOptions []option.ClientOption
}

// New builds a Drive connector instance.
func New(ctx context.Context, cfg config.ConnectorConfig, deps Deps) (*Connector, error) {
	svc, err := drive.NewService(ctx, deps.ClientOptions...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "creating drive service", err)
	}
	return &Connector{
		Base: connector.NewBase(cfg, deps.SyncPoints, deps.Processor, deps.Filters),
		svc:  svc,
	}, nil
}

// Init resolves the authenticated user and registers them.
func (c *Connector) Init(ctx context.Context) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	about, err := c.svc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		err = classify(err, false)
		if apperrors.Is(err, apperrors.KindAuth) {
			c.MarkNeedsReauth()
		}
		return err
	}
	c.userEmail = about.User.EmailAddress
	c.userID = about.User.PermissionId
	c.MarkAuthOK()

	_, err = c.Processor.OnNewAppUsers(ctx, []*models.AppUser{{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: c.userID,
		},
		Email:        about.User.EmailAddress,
		FullName:     about.User.DisplayName,
		SourceUserID: c.userID,
		IsActive:     true,
	}})
	return err
}

// TestConnectionAndAccess verifies the grant can read the changes feed.
func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	_, err := c.svc.Changes.GetStartPageToken().Context(ctx).Do()
	return classify(err, false)
}

func (c *Connector) RunSync(ctx context.Context) error {
	scopes, err := c.discoverScopes(ctx)
	if err != nil {
		return err
	}
	return c.RunScopes(ctx, scopes, c.syncScope)
}

func (c *Connector) RunIncrementalSync(ctx context.Context) error {
	return c.RunSync(ctx)
}

// HandleWebhookNotification reacts to a Drive push channel ping by
// draining the changes feed for the notified scope.
func (c *Connector) HandleWebhookNotification(ctx context.Context, n connector.WebhookNotification) error {
	c.Stats().WebhookHandled()
	scope := n.Scope
	if scope == "" {
		return c.RunIncrementalSync(ctx)
	}
	return c.syncScope(ctx, scope)
}

// discoverScopes returns My Drive plus every shared drive.
func (c *Connector) discoverScopes(ctx context.Context) ([]string, error) {
	scopes := []string{myDriveScope}
	pageToken := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		call := c.svc.Drives.List().PageSize(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, classify(err, false)
		}
		for _, d := range list.Drives {
			scopes = append(scopes, d.Id)
		}
		if list.NextPageToken == "" {
			return scopes, nil
		}
		pageToken = list.NextPageToken
	}
}

func (c *Connector) syncScope(ctx context.Context, scope string) error {
	sp, err := c.SyncPoints.Read(ctx, scope)
	if err != nil {
		return err
	}
	if sp.Cursor() == "" {
		return c.bootstrapScope(ctx, scope)
	}

	err = c.drainChanges(ctx, scope, sp.Cursor())
	if apperrors.Is(err, apperrors.KindCursorInvalid) {
		c.Log.WithError(err).Warn("page token rejected, falling back to full sync",
			logger.String("scope", scope))
		if cerr := c.SyncPoints.Clear(ctx, scope); cerr != nil {
			return cerr
		}
		return c.bootstrapScope(ctx, scope)
	}
	return err
}

// bootstrapScope takes the start token first, then lists everything.
// Changes that land during the listing replay from the token on the
// next pass instead of being missed.
func (c *Connector) bootstrapScope(ctx context.Context, scope string) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	tokenCall := c.svc.Changes.GetStartPageToken().Context(ctx)
	if scope != myDriveScope {
		tokenCall = tokenCall.DriveId(scope).SupportsAllDrives(true)
	}
	start, err := tokenCall.Do()
	if err != nil {
		return classify(err, false)
	}

	if err := c.ensureRecordGroup(ctx, scope); err != nil {
		return err
	}

	batch := c.NewBatch(nil)
	pageToken := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		call := c.svc.Files.List().
			Q("trashed = false and mimeType != 'application/vnd.google-apps.folder'").
			Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
			PageSize(100).
			Context(ctx)
		if scope != myDriveScope {
			call = call.DriveId(scope).Corpora("drive").
				IncludeItemsFromAllDrives(true).SupportsAllDrives(true)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return classify(err, false)
		}
		for _, f := range list.Files {
			tup := c.fileTuple(scope, f)
			if !c.Filters.ShouldSync(tup.Record) {
				continue
			}
			if err := batch.Add(ctx, tup); err != nil {
				return err
			}
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	if err := batch.Flush(ctx); err != nil {
		return err
	}
	return c.SyncPoints.Update(ctx, scope, syncpoint.Data{"cursor": start.StartPageToken})
}

func (c *Connector) drainChanges(ctx context.Context, scope, token string) error {
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		call := c.svc.Changes.List(token).
			Fields(googleapi.Field("nextPageToken, newStartPageToken, changes(fileId, removed, file(" + fileFields + "))")).
			PageSize(100).
			Context(ctx)
		if scope != myDriveScope {
			call = call.DriveId(scope).IncludeItemsFromAllDrives(true).SupportsAllDrives(true)
		}
		list, err := call.Do()
		if err != nil {
			return classify(err, true)
		}

		batch := c.NewBatch(nil)
		for _, ch := range list.Changes {
			if ch.Removed || (ch.File != nil && ch.File.Trashed) {
				if err := c.Processor.OnRecordDeleted(ctx, ch.FileId); err != nil {
					return err
				}
				continue
			}
			if ch.File == nil || ch.File.MimeType == "application/vnd.google-apps.folder" {
				continue
			}
			tup := c.fileTuple(scope, ch.File)
			if !c.Filters.ShouldSync(tup.Record) {
				continue
			}
			if err := batch.Add(ctx, tup); err != nil {
				return err
			}
		}
		if err := batch.Flush(ctx); err != nil {
			return err
		}

		next := list.NextPageToken
		if list.NewStartPageToken != "" {
			next = list.NewStartPageToken
		}
		if err := c.SyncPoints.Update(ctx, scope, syncpoint.Data{"cursor": next}); err != nil {
			return err
		}
		if list.NewStartPageToken != "" {
			return nil
		}
		token = next
	}
}

func (c *Connector) fileTuple(scope string, f *drive.File) processor.RecordWithPermissions {
	created, _ := time.Parse(time.RFC3339, f.CreatedTime)
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)

	ext := f.FileExtension
	if ext == "" {
		ext = strings.TrimPrefix(path.Ext(f.Name), ".")
	}

	rec := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: f.Id,
			SourceCreatedAt:  created.UnixMilli(),
			SourceUpdatedAt:  modified.UnixMilli(),
		},
		RecordName:            f.Name,
		RecordType:            models.RecordTypeFile,
		RecordGroupType:       models.RecordGroupDrive,
		ExternalRecordGroupID: scope,
		MimeType:              f.MimeType,
		WebURL:                f.WebViewLink,
		ExternalRevisionID:    f.ModifiedTime,
		File: &models.FileRecord{
			SizeInBytes: f.Size,
			Extension:   ext,
			IsFile:      true,
			SHA256Hash:  f.Md5Checksum,
		},
	}
	rec.IndexingStatus = c.Filters.IndexingStatusFor(rec)

	return processor.RecordWithPermissions{Record: rec, Permissions: mapPermissions(f.Permissions)}
}

// mapPermissions converts Drive ACL entries to permission edges.
// Domain-wide and anyone-with-link entries become org grants.
func mapPermissions(in []*drive.Permission) []models.Permission {
	var out []models.Permission
	for _, p := range in {
		var ptype models.PermissionType
		switch p.Role {
		case "owner", "organizer", "fileOrganizer":
			ptype = models.PermissionOwner
		case "writer":
			ptype = models.PermissionWrite
		default:
			ptype = models.PermissionRead
		}
		switch p.Type {
		case "user":
			out = append(out, models.Permission{
				EntityType: models.EntityUser, Email: p.EmailAddress, Type: ptype})
		case "group":
			out = append(out, models.Permission{
				EntityType: models.EntityGroup, Email: p.EmailAddress, Type: ptype})
		case "domain", "anyone":
			out = append(out, models.Permission{
				EntityType: models.EntityOrg, ExternalID: "org", Type: ptype})
		}
	}
	return out
}

func (c *Connector) ensureRecordGroup(ctx context.Context, scope string) error {
	name := "My Drive"
	groupType := models.RecordGroupDrive
	if scope != myDriveScope {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		d, err := c.svc.Drives.Get(scope).Context(ctx).Do()
		if err != nil {
			return classify(err, false)
		}
		name = d.Name
		groupType = models.RecordGroupSharedFolder
	}

	var perms []models.Permission
	if c.userEmail != "" {
		perms = append(perms, models.Permission{
			EntityType: models.EntityUser,
			ExternalID: c.userID,
			Email:      c.userEmail,
			Type:       models.PermissionOwner,
		})
	}
	_, err := c.Processor.OnNewRecordGroups(ctx, []processor.RecordGroupWithPermissions{{
		Group: &models.RecordGroup{
			Base: models.Base{
				OrgID:            c.OrgID(),
				ConnectorID:      c.ID(),
				ConnectorName:    c.Name(),
				ExternalRecordID: scope,
			},
			ExternalGroupID: scope,
			Name:            name,
			GroupType:       groupType,
		},
		Permissions: perms,
	}})
	return err
}

// StreamRecord downloads file content. Native editor formats export to
// a portable type; binary files stream as stored.
func (c *Connector) StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*connector.StreamResponse, error) {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	if exportMime, native := exportFormats[rec.MimeType]; native {
		if convertTo != "" {
			exportMime = convertTo
		}
		resp, err := c.svc.Files.Export(rec.ExternalRecordID, exportMime).Context(ctx).Download()
		if err != nil {
			return nil, classify(err, false)
		}
		return &connector.StreamResponse{
			ContentType: exportMime,
			Disposition: fmt.Sprintf("attachment; filename=%q", rec.RecordName),
			Body:        resp.Body,
		}, nil
	}

	resp, err := c.svc.Files.Get(rec.ExternalRecordID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, classify(err, false)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = rec.MimeType
	}
	return &connector.StreamResponse{
		ContentType: contentType,
		Disposition: fmt.Sprintf("attachment; filename=%q", rec.RecordName),
		Body:        resp.Body,
	}, nil
}

// GetSignedURL returns the file's web link; Drive enforces access on
// its own side.
func (c *Connector) GetSignedURL(ctx context.Context, rec *models.Record) (string, error) {
	if rec.WebURL == "" {
		return "", apperrors.New(apperrors.KindNotFound, "record has no web link")
	}
	return rec.WebURL, nil
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

// GetFilterOptions lists shared drives as selectable scopes.
func (c *Connector) GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*connector.FilterOptionsResponse, error) {
	if filterKey != "drives" {
		return nil, apperrors.New(apperrors.KindValidation, "unsupported filter key: "+filterKey)
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	call := c.svc.Drives.List().PageSize(int64(limit)).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	if search != "" {
		call = call.Q(fmt.Sprintf("name contains '%s'", strings.ReplaceAll(search, "'", "\\'")))
	}
	list, err := call.Do()
	if err != nil {
		return nil, classify(err, false)
	}
	resp := &connector.FilterOptionsResponse{NextCursor: list.NextPageToken, HasMore: list.NextPageToken != ""}
	for _, d := range list.Drives {
		resp.Options = append(resp.Options, connector.FilterOption{ID: d.Id, Name: d.Name})
	}
	return resp, nil
}

// Cleanup has nothing to release.
func (c *Connector) Cleanup(ctx context.Context) error { return nil }

// classify maps googleapi errors onto the engine taxonomy. When
// notFoundIsCursor is set, a 404 or a 400 complaining about the page
// token means the stored cursor aged out.
func classify(err error, notFoundIsCursor bool) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if notFoundIsCursor && gerr.Code == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(gerr.Message), "page token") {
			return apperrors.New(apperrors.KindCursorInvalid, gerr.Message)
		}
		return apperrors.FromHTTPStatus(gerr.Code, gerr.Message, notFoundIsCursor)
	}
	return apperrors.Wrap(apperrors.KindTransient, "drive api call failed", err)
}
