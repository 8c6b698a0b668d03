// Package servicenow syncs knowledge-base articles through the Table
// API. Each knowledge base is a scope with a timestamp high-watermark;
// attachments sync under their own watermark so article and attachment
// progress never block each other.
package servicenow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// glideTime is the sys_updated_on wire format (UTC).
const glideTime = "2006-01-02 15:04:05"

const attachmentsSuffix = "/attachments"

type article struct {
	SysID         string `json:"sys_id"`
	Number        string `json:"number"`
	ShortDesc     string `json:"short_description"`
	KBBase        string `json:"kb_knowledge_base"`
	Category      string `json:"kb_category"`
	WorkflowState string `json:"workflow_state"`
	SysCreatedOn  string `json:"sys_created_on"`
	SysUpdatedOn  string `json:"sys_updated_on"`
}

type attachment struct {
	SysID        string `json:"sys_id"`
	FileName     string `json:"file_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    string `json:"size_bytes"`
	TableSysID   string `json:"table_sys_id"`
	TableName    string `json:"table_name"`
	SysCreatedOn string `json:"sys_created_on"`
	SysUpdatedOn string `json:"sys_updated_on"`
}

type knowledgeBase struct {
	SysID string `json:"sys_id"`
	Title string `json:"title"`
}

// Connector implements the driver for ServiceNow.
type Connector struct {
	*connector.Base
	httpClient *http.Client
	instance   string
	username   string
	password   string
}

// Deps carries the runtime pieces the factory closes over.
type Deps struct {
	SyncPoints syncpoint.Manager
	Processor  *processor.Processor
	Filters    *filtering.Engine
	HTTPClient *http.Client
}

// New builds a ServiceNow connector. Settings: "instance_url",
// "username", "password".
func New(cfg config.ConnectorConfig, deps Deps) (*Connector, error) {
	instance := strings.TrimRight(cfg.Settings["instance_url"], "/")
	if instance == "" {
		return nil, apperrors.New(apperrors.KindValidation, "servicenow requires instance_url")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Connector{
		Base:       connector.NewBase(cfg, deps.SyncPoints, deps.Processor, deps.Filters),
		httpClient: httpClient,
		instance:   instance,
		username:   cfg.Settings["username"],
		password:   cfg.Settings["password"],
	}, nil
}

func (c *Connector) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return err
	}
	u := c.instance + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "building request", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "calling "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s: %s", path, msg), false)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Init registers each knowledge base as a record group.
func (c *Connector) Init(ctx context.Context) error {
	kbs, err := c.listKnowledgeBases(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuth) {
			c.MarkNeedsReauth()
		}
		return err
	}
	c.MarkAuthOK()

	groups := make([]processor.RecordGroupWithPermissions, 0, len(kbs))
	for _, kb := range kbs {
		groups = append(groups, processor.RecordGroupWithPermissions{
			Group: &models.RecordGroup{
				Base: models.Base{
					OrgID:            c.OrgID(),
					ConnectorID:      c.ID(),
					ConnectorName:    c.Name(),
					ExternalRecordID: kb.SysID,
				},
				ExternalGroupID: kb.SysID,
				Name:            kb.Title,
				GroupType:       models.RecordGroupKnowledgeBase,
			},
			Permissions: []models.Permission{{
				EntityType: models.EntityOrg,
				ExternalID: "org",
				Type:       models.PermissionRead,
			}},
		})
	}
	_, err = c.Processor.OnNewRecordGroups(ctx, groups)
	return err
}

// TestConnectionAndAccess verifies credentials against the KB table.
func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	_, err := c.listKnowledgeBases(ctx)
	return err
}

func (c *Connector) listKnowledgeBases(ctx context.Context) ([]knowledgeBase, error) {
	var resp struct {
		Result []knowledgeBase `json:"result"`
	}
	q := url.Values{}
	q.Set("sysparm_fields", "sys_id,title")
	if err := c.get(ctx, "/api/now/table/kb_knowledge_base", q, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Connector) RunSync(ctx context.Context) error {
	kbs, err := c.listKnowledgeBases(ctx)
	if err != nil {
		return err
	}
	scopes := make([]string, 0, len(kbs))
	for _, kb := range kbs {
		scopes = append(scopes, kb.SysID)
	}
	return c.RunScopes(ctx, scopes, c.syncKnowledgeBase)
}

func (c *Connector) RunIncrementalSync(ctx context.Context) error {
	return c.RunSync(ctx)
}

// HandleWebhookNotification runs an incremental pass; ServiceNow
// outbound REST messages carry no usable delta.
func (c *Connector) HandleWebhookNotification(ctx context.Context, n connector.WebhookNotification) error {
	c.Stats().WebhookHandled()
	return c.RunIncrementalSync(ctx)
}

func (c *Connector) syncKnowledgeBase(ctx context.Context, kbID string) error {
	if err := c.syncArticles(ctx, kbID); err != nil {
		return err
	}
	return c.syncAttachments(ctx, kbID)
}

func (c *Connector) syncArticles(ctx context.Context, kbID string) error {
	sp, err := c.SyncPoints.Read(ctx, kbID)
	if err != nil {
		return err
	}
	watermark := sp.LastSyncTime()

	batch := c.NewBatch(func(ctx context.Context, res processor.Result) error {
		if res.MaxSourceUpdatedAt > watermark {
			watermark = res.MaxSourceUpdatedAt
			return c.SyncPoints.Update(ctx, kbID, syncpoint.Data{"last_sync_time": watermark})
		}
		return nil
	})

	limit := c.Config.BatchSize
	if limit <= 0 {
		limit = 50
	}
	after := time.UnixMilli(watermark).UTC().Format(glideTime)
	offset := 0
	for {
		q := url.Values{}
		q.Set("sysparm_query", fmt.Sprintf("sys_updated_on>%s^ORDERBYsys_updated_on", after))
		q.Set("sysparm_limit", strconv.Itoa(limit))
		q.Set("sysparm_offset", strconv.Itoa(offset))
		q.Set("sysparm_fields", "sys_id,number,short_description,kb_knowledge_base,kb_category,workflow_state,sys_created_on,sys_updated_on")

		var resp struct {
			Result []article `json:"result"`
		}
		if err := c.get(ctx, "/api/now/table/kb_knowledge", q, &resp); err != nil {
			return err
		}

		for _, art := range resp.Result {
			if art.KBBase != kbID {
				continue
			}
			tup := c.articleTuple(art)
			if !c.Filters.ShouldSync(tup.Record) {
				continue
			}
			if err := batch.Add(ctx, tup); err != nil {
				return err
			}
		}
		if len(resp.Result) < limit {
			return batch.Flush(ctx)
		}
		offset += limit
	}
}

// syncAttachments runs on its own sync point key; an article backfill
// in progress never holds back attachment progress. The attachment
// table carries no knowledge-base column, so each attachment's base is
// resolved through its parent article and anything parented outside
// this knowledge base is skipped.
func (c *Connector) syncAttachments(ctx context.Context, kbID string) error {
	key := kbID + attachmentsSuffix
	sp, err := c.SyncPoints.Read(ctx, key)
	if err != nil {
		return err
	}
	watermark := sp.LastSyncTime()

	batch := c.NewBatch(func(ctx context.Context, res processor.Result) error {
		if res.MaxSourceUpdatedAt > watermark {
			watermark = res.MaxSourceUpdatedAt
			return c.SyncPoints.Update(ctx, key, syncpoint.Data{"last_sync_time": watermark})
		}
		return nil
	})

	limit := c.Config.BatchSize
	if limit <= 0 {
		limit = 50
	}
	after := time.UnixMilli(watermark).UTC().Format(glideTime)
	offset := 0
	baseByArticle := make(map[string]string)
	for {
		q := url.Values{}
		q.Set("sysparm_query", fmt.Sprintf("table_name=kb_knowledge^sys_updated_on>%s^ORDERBYsys_updated_on", after))
		q.Set("sysparm_limit", strconv.Itoa(limit))
		q.Set("sysparm_offset", strconv.Itoa(offset))

		var resp struct {
			Result []attachment `json:"result"`
		}
		if err := c.get(ctx, "/api/now/attachment", q, &resp); err != nil {
			return err
		}

		if err := c.resolveArticleBases(ctx, resp.Result, baseByArticle); err != nil {
			return err
		}

		for _, att := range resp.Result {
			if baseByArticle[att.TableSysID] != kbID {
				continue
			}
			tup := c.attachmentTuple(kbID, att)
			if !c.Filters.ShouldSync(tup.Record) {
				continue
			}
			if err := batch.Add(ctx, tup); err != nil {
				return err
			}
		}
		if len(resp.Result) < limit {
			return batch.Flush(ctx)
		}
		offset += limit
	}
}

// resolveArticleBases fills the article-to-knowledge-base map for the
// parent articles of a page of attachments. Articles that no longer
// exist resolve to the empty base, so their attachments are skipped.
func (c *Connector) resolveArticleBases(ctx context.Context, atts []attachment, out map[string]string) error {
	var missing []string
	for _, att := range atts {
		if _, ok := out[att.TableSysID]; !ok {
			out[att.TableSysID] = ""
			missing = append(missing, att.TableSysID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	q := url.Values{}
	q.Set("sysparm_query", "sys_idIN"+strings.Join(missing, ","))
	q.Set("sysparm_fields", "sys_id,kb_knowledge_base")
	var resp struct {
		Result []article `json:"result"`
	}
	if err := c.get(ctx, "/api/now/table/kb_knowledge", q, &resp); err != nil {
		return err
	}
	for _, art := range resp.Result {
		out[art.SysID] = art.KBBase
	}
	return nil
}

func parseGlide(s string) int64 {
	t, err := time.Parse(glideTime, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func (c *Connector) articleTuple(art article) processor.RecordWithPermissions {
	rec := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: art.SysID,
			SourceCreatedAt:  parseGlide(art.SysCreatedOn),
			SourceUpdatedAt:  parseGlide(art.SysUpdatedOn),
		},
		RecordName:            art.Number + " " + art.ShortDesc,
		RecordType:            models.RecordTypeWebpage,
		RecordGroupType:       models.RecordGroupKnowledgeBase,
		ExternalRecordGroupID: art.KBBase,
		WebURL:                fmt.Sprintf("%s/kb_view.do?sys_kb_id=%s", c.instance, art.SysID),
		ExternalRevisionID:    art.SysUpdatedOn,
		Webpage:               &models.WebpageRecord{},
	}
	rec.IndexingStatus = c.Filters.IndexingStatusFor(rec)

	var perms []models.Permission
	if art.WorkflowState == "published" {
		perms = append(perms, models.Permission{
			EntityType: models.EntityOrg,
			ExternalID: "org",
			Type:       models.PermissionRead,
		})
	}
	return processor.RecordWithPermissions{Record: rec, Permissions: perms}
}

func (c *Connector) attachmentTuple(kbID string, att attachment) processor.RecordWithPermissions {
	size, _ := strconv.ParseInt(att.SizeBytes, 10, 64)
	ext := strings.TrimPrefix(strings.ToLower(filepathExt(att.FileName)), ".")
	rec := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: att.SysID,
			SourceCreatedAt:  parseGlide(att.SysCreatedOn),
			SourceUpdatedAt:  parseGlide(att.SysUpdatedOn),
		},
		RecordName:            att.FileName,
		RecordType:            models.RecordTypeFile,
		RecordGroupType:       models.RecordGroupKnowledgeBase,
		ExternalRecordGroupID: kbID,
		ParentExternalID:      att.TableSysID,
		ParentRecordType:      models.RecordTypeWebpage,
		MimeType:              att.ContentType,
		IsDependentNode:       true,
		ExternalRevisionID:    att.SysUpdatedOn,
		File: &models.FileRecord{
			SizeInBytes: size,
			Extension:   ext,
			IsFile:      true,
		},
	}
	rec.IndexingStatus = c.Filters.IndexingStatusFor(rec)

	return processor.RecordWithPermissions{
		Record: rec,
		Permissions: []models.Permission{{
			EntityType: models.EntityOrg,
			ExternalID: "org",
			Type:       models.PermissionRead,
		}},
	}
}

func filepathExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

// StreamRecord streams attachment bytes from the attachment API.
func (c *Connector) StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*connector.StreamResponse, error) {
	if rec.RecordType != models.RecordTypeFile {
		return nil, apperrors.New(apperrors.KindValidation, "only attachments stream from servicenow")
	}
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/now/attachment/%s/file", c.instance, rec.ExternalRecordID), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building request", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "downloading attachment", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, apperrors.FromHTTPStatus(resp.StatusCode, string(msg), false)
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

// GetSignedURL returns the article's portal link.
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

// GetFilterOptions lists knowledge bases as selectable scopes.
func (c *Connector) GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*connector.FilterOptionsResponse, error) {
	if filterKey != "knowledge_bases" {
		return nil, apperrors.New(apperrors.KindValidation, "unsupported filter key: "+filterKey)
	}
	kbs, err := c.listKnowledgeBases(ctx)
	if err != nil {
		return nil, err
	}
	resp := &connector.FilterOptionsResponse{}
	for _, kb := range kbs {
		if search != "" && !strings.Contains(strings.ToLower(kb.Title), strings.ToLower(search)) {
			continue
		}
		resp.Options = append(resp.Options, connector.FilterOption{ID: kb.SysID, Name: kb.Title})
	}
	return resp, nil
}

// Cleanup has nothing to release.
func (c *Connector) Cleanup(ctx context.Context) error { return nil }
