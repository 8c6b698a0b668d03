// Package gmail syncs a mailbox through the history feed. The profile's
// historyId is captured before the message bootstrap so mail arriving
// during the bootstrap replays afterwards; a 404 on history.list means
// the stored id aged out and the mailbox resyncs in full.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
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

const mailboxScope = "mailbox"

// Connector implements the driver for Gmail.
type Connector struct {
	*connector.Base
	svc       *gmailapi.Service
	userEmail string
}

// Deps carries the runtime pieces plus client options for auth and
// endpoint override in tests.
type Deps struct {
	SyncPoints    syncpoint.Manager
	Processor     *processor.Processor
	Filters       *filtering.Engine
	ClientOptions []option.ClientOption
}

// New builds a Gmail connector instance.
func New(ctx context.Context, cfg config.ConnectorConfig, deps Deps) (*Connector, error) {
	svc, err := gmailapi.NewService(ctx, deps.ClientOptions...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "creating gmail service", err)
	}
	return &Connector{
		Base: connector.NewBase(cfg, deps.SyncPoints, deps.Processor, deps.Filters),
		svc:  svc,
	}, nil
}

// Init resolves the mailbox owner and registers them plus the mailbox
// record group.
func (c *Connector) Init(ctx context.Context) error {
	profile, err := c.getProfile(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuth) {
			c.MarkNeedsReauth()
		}
		return err
	}
	c.userEmail = profile.EmailAddress
	c.MarkAuthOK()

	if _, err := c.Processor.OnNewAppUsers(ctx, []*models.AppUser{{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: profile.EmailAddress,
		},
		Email:        profile.EmailAddress,
		SourceUserID: profile.EmailAddress,
		IsActive:     true,
	}}); err != nil {
		return err
	}

	_, err = c.Processor.OnNewRecordGroups(ctx, []processor.RecordGroupWithPermissions{{
		Group: &models.RecordGroup{
			Base: models.Base{
				OrgID:            c.OrgID(),
				ConnectorID:      c.ID(),
				ConnectorName:    c.Name(),
				ExternalRecordID: c.mailboxGroupID(),
			},
			ExternalGroupID: c.mailboxGroupID(),
			Name:            profile.EmailAddress,
			GroupType:       models.RecordGroupMailbox,
		},
		Permissions: c.ownerPermissions(),
	}})
	return err
}

// TestConnectionAndAccess verifies the grant can read the profile.
func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	_, err := c.getProfile(ctx)
	return err
}

func (c *Connector) mailboxGroupID() string {
	return "mailbox:" + c.ID()
}

func (c *Connector) ownerPermissions() []models.Permission {
	if c.userEmail == "" {
		return nil
	}
	return []models.Permission{{
		EntityType: models.EntityUser,
		Email:      c.userEmail,
		Type:       models.PermissionOwner,
	}}
}

func (c *Connector) getProfile(ctx context.Context) (*gmailapi.Profile, error) {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}
	return profile, nil
}

func (c *Connector) RunSync(ctx context.Context) error {
	return c.RunScopes(ctx, []string{mailboxScope}, c.syncMailbox)
}

func (c *Connector) RunIncrementalSync(ctx context.Context) error {
	return c.RunSync(ctx)
}

// HandleWebhookNotification reacts to a Pub/Sub push: the payload's
// historyId is only a hint, the drain reads from the stored checkpoint.
func (c *Connector) HandleWebhookNotification(ctx context.Context, n connector.WebhookNotification) error {
	c.Stats().WebhookHandled()
	return c.RunIncrementalSync(ctx)
}

func (c *Connector) syncMailbox(ctx context.Context, scope string) error {
	sp, err := c.SyncPoints.Read(ctx, scope)
	if err != nil {
		return err
	}
	if sp.HistoryID() == 0 {
		return c.bootstrap(ctx, scope)
	}

	err = c.drainHistory(ctx, scope, sp.HistoryID())
	if apperrors.Is(err, apperrors.KindCursorInvalid) {
		c.Log.WithError(err).Warn("history id aged out, falling back to full sync")
		if cerr := c.SyncPoints.Clear(ctx, scope); cerr != nil {
			return cerr
		}
		return c.bootstrap(ctx, scope)
	}
	return err
}

// bootstrap captures the profile's historyId first, then pages through
// every message.
func (c *Connector) bootstrap(ctx context.Context, scope string) error {
	profile, err := c.getProfile(ctx)
	if err != nil {
		return err
	}
	startHistoryID := profile.HistoryId

	pageToken := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		call := c.svc.Users.Messages.List("me").MaxResults(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return classify(err, false)
		}

		ids := make([]string, 0, len(list.Messages))
		for _, m := range list.Messages {
			ids = append(ids, m.Id)
		}
		if err := c.ingestMessages(ctx, ids); err != nil {
			return err
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	return c.SyncPoints.Update(ctx, scope, syncpoint.Data{"historyId": startHistoryID})
}

func (c *Connector) drainHistory(ctx context.Context, scope string, startHistoryID uint64) error {
	lastHistoryID := startHistoryID
	pageToken := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		call := c.svc.Users.History.List("me").StartHistoryId(startHistoryID).MaxResults(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return classify(err, true)
		}

		var added []string
		for _, h := range list.History {
			for _, ma := range h.MessagesAdded {
				if ma.Message != nil {
					added = append(added, ma.Message.Id)
				}
			}
			for _, md := range h.MessagesDeleted {
				if md.Message == nil {
					continue
				}
				if err := c.deleteMessage(ctx, md.Message.Id); err != nil {
					return err
				}
			}
			// Label flips are metadata updates; refetch and resubmit.
			for _, la := range h.LabelsAdded {
				if la.Message != nil {
					added = append(added, la.Message.Id)
				}
			}
			for _, lr := range h.LabelsRemoved {
				if lr.Message != nil {
					added = append(added, lr.Message.Id)
				}
			}
		}
		if err := c.ingestMessages(ctx, dedupe(added)); err != nil {
			return err
		}

		if list.HistoryId > lastHistoryID {
			lastHistoryID = list.HistoryId
		}
		if err := c.SyncPoints.Update(ctx, scope, syncpoint.Data{"historyId": lastHistoryID}); err != nil {
			return err
		}
		if list.NextPageToken == "" {
			return nil
		}
		pageToken = list.NextPageToken
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ingestMessages fetches full messages, submits mail plus attachment
// records, and chains each touched thread's siblings.
func (c *Connector) ingestMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := c.NewBatch(nil)
	threads := make(map[string]bool)

	for _, id := range ids {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		msg, err := c.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			cerr := classify(err, false)
			if apperrors.Is(cerr, apperrors.KindNotFound) {
				// Deleted between the listing and the fetch.
				continue
			}
			return cerr
		}

		parsed := c.parseMessage(msg)
		if !c.Filters.ShouldSync(parsed.mail) {
			continue
		}
		if err := batch.Add(ctx, processor.RecordWithPermissions{
			Record: parsed.mail, Permissions: c.ownerPermissions()}); err != nil {
			return err
		}
		for _, att := range parsed.attachments {
			if !c.Filters.ShouldSync(att) {
				continue
			}
			if err := batch.Add(ctx, processor.RecordWithPermissions{
				Record: att, Permissions: c.ownerPermissions()}); err != nil {
				return err
			}
		}
		if msg.ThreadId != "" {
			threads[msg.ThreadId] = true
		}
	}
	if err := batch.Flush(ctx); err != nil {
		return err
	}

	for threadID := range threads {
		if err := c.chainThread(ctx, threadID); err != nil {
			c.Log.WithError(err).Warn("thread chaining failed",
				logger.String("thread_id", threadID))
		}
	}
	return nil
}

// chainThread links the thread's messages into a sibling chain ordered
// by arrival.
func (c *Connector) chainThread(ctx context.Context, threadID string) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	thread, err := c.svc.Users.Threads.Get("me", threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return classify(err, false)
	}
	if len(thread.Messages) < 2 {
		return nil
	}
	records := make([]*models.Record, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		records = append(records, &models.Record{
			Base: models.Base{
				ExternalRecordID: m.Id,
				SourceCreatedAt:  m.InternalDate,
			},
		})
	}
	return c.Processor.CreateSiblingChain(ctx, records)
}

func (c *Connector) deleteMessage(ctx context.Context, messageID string) error {
	// Attachment children are tombstoned through the parent edge by the
	// processor.
	return c.Processor.OnRecordDeleted(ctx, messageID)
}

// StreamRecord streams the message body or an attachment. Attachment
// records resolve their rotating attachmentId from the stable part id
// at stream time.
func (c *Connector) StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*connector.StreamResponse, error) {
	if rec.RecordType == models.RecordTypeFile {
		return c.streamAttachment(ctx, rec)
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	msg, err := c.svc.Users.Messages.Get("me", rec.ExternalRecordID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(msg.Raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decoding raw message", err)
	}
	return &connector.StreamResponse{
		ContentType: "message/rfc822",
		Disposition: fmt.Sprintf("attachment; filename=%q", rec.RecordName+".eml"),
		Body:        io.NopCloser(strings.NewReader(string(raw))),
	}, nil
}

func (c *Connector) streamAttachment(ctx context.Context, rec *models.Record) (*connector.StreamResponse, error) {
	msgID, partID, err := SplitAttachmentID(rec.ExternalRecordID)
	if err != nil {
		return nil, err
	}

	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	msg, err := c.svc.Users.Messages.Get("me", msgID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}
	part := findPartByID(msg.Payload, partID)
	if part == nil || part.Body == nil || part.Body.AttachmentId == "" {
		return nil, apperrors.New(apperrors.KindNotFound, "attachment part not found").WithEntity(rec.ExternalRecordID)
	}

	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	att, err := c.svc.Users.Messages.Attachments.Get("me", msgID, part.Body.AttachmentId).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(att.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decoding attachment", err)
	}
	return &connector.StreamResponse{
		ContentType: rec.MimeType,
		Disposition: fmt.Sprintf("attachment; filename=%q", rec.RecordName),
		Body:        io.NopCloser(strings.NewReader(string(data))),
	}, nil
}

// SplitAttachmentID splits a "msgId_partId" attachment external id.
// Message ids never contain underscores, so the first separator wins.
func SplitAttachmentID(externalID string) (msgID, partID string, err error) {
	idx := strings.Index(externalID, attachmentIDSeparator)
	if idx <= 0 || idx == len(externalID)-1 {
		return "", "", apperrors.New(apperrors.KindValidation, "malformed attachment id: "+externalID)
	}
	return externalID[:idx], externalID[idx+1:], nil
}

// GetSignedURL is unsupported; mail is streamed through the engine.
func (c *Connector) GetSignedURL(ctx context.Context, rec *models.Record) (string, error) {
	return "", apperrors.New(apperrors.KindValidation, "gmail does not issue signed urls")
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

// GetFilterOptions lists mailbox labels as selectable filters.
func (c *Connector) GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*connector.FilterOptionsResponse, error) {
	if filterKey != "labels" {
		return nil, apperrors.New(apperrors.KindValidation, "unsupported filter key: "+filterKey)
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	labels, err := c.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}
	resp := &connector.FilterOptionsResponse{}
	for _, l := range labels.Labels {
		if search != "" && !strings.Contains(strings.ToLower(l.Name), strings.ToLower(search)) {
			continue
		}
		resp.Options = append(resp.Options, connector.FilterOption{ID: l.Id, Name: l.Name})
		if limit > 0 && len(resp.Options) >= limit {
			resp.HasMore = true
			break
		}
	}
	return resp, nil
}

// Cleanup has nothing to release.
func (c *Connector) Cleanup(ctx context.Context) error { return nil }

// classify maps googleapi errors onto the engine taxonomy. With
// notFoundIsCursor set, a 404 means the startHistoryId aged out of
// Gmail's retention window.
func classify(err error, notFoundIsCursor bool) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return apperrors.FromHTTPStatus(gerr.Code, gerr.Message, notFoundIsCursor)
	}
	return apperrors.Wrap(apperrors.KindTransient, "gmail api call failed", err)
}
