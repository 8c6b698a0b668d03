// Package linear syncs Linear issues and comments through GraphQL.
// There is no delta cursor; each team is a scope with a timestamp
// high-watermark, and comments carry their own watermark so an issue
// backfill never skips newer comments.
package linear

import (
	"context"
	"net/http"
	"time"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/pkg/models"
)

const defaultEndpoint = "https://api.linear.app/graphql"

const commentsSuffix = "/comments"

const teamsQuery = `query Teams($cursor: String) {
  teams(first: 50, after: $cursor) {
    nodes { id name key }
    pageInfo { hasNextPage endCursor }
  }
}`

const membersQuery = `query Members($teamId: String!, $cursor: String) {
  team(id: $teamId) {
    members(first: 100, after: $cursor) {
      nodes { id name email active }
      pageInfo { hasNextPage endCursor }
    }
  }
}`

const issuesQuery = `query Issues($teamId: ID, $after: DateTimeOrDuration, $first: Int!, $cursor: String) {
  issues(
    filter: { team: { id: { eq: $teamId } }, updatedAt: { gt: $after } }
    orderBy: updatedAt
    first: $first
    after: $cursor
  ) {
    nodes {
      id identifier title description url
      createdAt updatedAt
      state { name }
      priorityLabel
      assignee { name email }
      creator { name email }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const commentsQuery = `query Comments($teamId: ID, $after: DateTimeOrDuration, $first: Int!, $cursor: String) {
  comments(
    filter: { issue: { team: { id: { eq: $teamId } } }, updatedAt: { gt: $after } }
    orderBy: updatedAt
    first: $first
    after: $cursor
  ) {
    nodes {
      id body createdAt updatedAt
      user { id name email }
      issue { id }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type issueNode struct {
	ID            string    `json:"id"`
	Identifier    string    `json:"identifier"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	URL           string    `json:"url"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	State         struct {
		Name string `json:"name"`
	} `json:"state"`
	PriorityLabel string `json:"priorityLabel"`
	Assignee      *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"assignee"`
	Creator *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"creator"`
}

type commentNode struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	User      *struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
	Issue struct {
		ID string `json:"id"`
	} `json:"issue"`
}

// Connector implements the driver for Linear.
type Connector struct {
	*connector.Base
	client *graphqlClient
}

// Deps carries the runtime pieces the factory closes over.
type Deps struct {
	SyncPoints syncpoint.Manager
	Processor  *processor.Processor
	Filters    *filtering.Engine
	HTTPClient *http.Client
}

// New builds a Linear connector instance. The endpoint can be
// overridden through settings ("endpoint") for tests.
func New(cfg config.ConnectorConfig, deps Deps) (*Connector, error) {
	endpoint := cfg.Settings["endpoint"]
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Connector{
		Base:   connector.NewBase(cfg, deps.SyncPoints, deps.Processor, deps.Filters),
		client: newGraphQLClient(deps.HTTPClient, endpoint, cfg.Settings["api_key"]),
	}, nil
}

// Init registers the workspace teams as groups and record groups.
func (c *Connector) Init(ctx context.Context) error {
	teams, err := c.listTeams(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuth) {
			c.MarkNeedsReauth()
		}
		return err
	}
	c.MarkAuthOK()

	for _, team := range teams {
		if err := c.registerTeam(ctx, team); err != nil {
			return err
		}
	}
	return nil
}

// TestConnectionAndAccess verifies the key can list teams.
func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	_, err := c.listTeams(ctx)
	return err
}

type team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

func (c *Connector) listTeams(ctx context.Context) ([]team, error) {
	var out []team
	cursor := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		vars := map[string]interface{}{}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		var resp struct {
			Teams struct {
				Nodes    []team   `json:"nodes"`
				PageInfo pageInfo `json:"pageInfo"`
			} `json:"teams"`
		}
		if err := c.client.do(ctx, teamsQuery, vars, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Teams.Nodes...)
		if !resp.Teams.PageInfo.HasNextPage {
			return out, nil
		}
		cursor = resp.Teams.PageInfo.EndCursor
	}
}

// registerTeam syncs the team's membership and its record group. Team
// members read every issue in the team through the group edge.
func (c *Connector) registerTeam(ctx context.Context, tm team) error {
	cursor := ""
	var members []store.GroupMember
	var users []*models.AppUser
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		vars := map[string]interface{}{"teamId": tm.ID}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		var resp struct {
			Team struct {
				Members struct {
					Nodes []struct {
						ID     string `json:"id"`
						Name   string `json:"name"`
						Email  string `json:"email"`
						Active bool   `json:"active"`
					} `json:"nodes"`
					PageInfo pageInfo `json:"pageInfo"`
				} `json:"members"`
			} `json:"team"`
		}
		if err := c.client.do(ctx, membersQuery, vars, &resp); err != nil {
			return err
		}
		for _, m := range resp.Team.Members.Nodes {
			users = append(users, &models.AppUser{
				Base: models.Base{
					OrgID:            c.OrgID(),
					ConnectorID:      c.ID(),
					ConnectorName:    c.Name(),
					ExternalRecordID: m.ID,
				},
				Email:        m.Email,
				FullName:     m.Name,
				SourceUserID: m.ID,
				IsActive:     m.Active,
			})
			members = append(members, store.GroupMember{
				Email:          m.Email,
				PermissionType: models.PermissionWrite,
			})
		}
		if !resp.Team.Members.PageInfo.HasNextPage {
			break
		}
		cursor = resp.Team.Members.PageInfo.EndCursor
	}

	if _, err := c.Processor.OnNewAppUsers(ctx, users); err != nil {
		return err
	}
	if _, err := c.Processor.OnNewUserGroups(ctx, []processor.GroupWithMembers{{
		Group: &models.AppUserGroup{
			Base: models.Base{
				OrgID:            c.OrgID(),
				ConnectorID:      c.ID(),
				ConnectorName:    c.Name(),
				ExternalRecordID: tm.ID,
			},
			SourceUserGroupID: tm.ID,
			Name:              "TEAM_" + tm.Key,
		},
		Members: members,
	}}); err != nil {
		return err
	}
	_, err := c.Processor.OnNewRecordGroups(ctx, []processor.RecordGroupWithPermissions{{
		Group: &models.RecordGroup{
			Base: models.Base{
				OrgID:            c.OrgID(),
				ConnectorID:      c.ID(),
				ConnectorName:    c.Name(),
				ExternalRecordID: tm.ID,
			},
			ExternalGroupID: tm.ID,
			Name:            tm.Name,
			ShortName:       tm.Key,
			GroupType:       models.RecordGroupTeam,
		},
		Permissions: []models.Permission{{
			EntityType: models.EntityGroup,
			ExternalID: tm.ID,
			Type:       models.PermissionWrite,
		}},
	}})
	return err
}

func (c *Connector) RunSync(ctx context.Context) error {
	teams, err := c.listTeams(ctx)
	if err != nil {
		return err
	}
	scopes := make([]string, 0, len(teams))
	for _, tm := range teams {
		scopes = append(scopes, tm.ID)
	}
	return c.RunScopes(ctx, scopes, c.syncTeam)
}

func (c *Connector) RunIncrementalSync(ctx context.Context) error {
	return c.RunSync(ctx)
}

// HandleWebhookNotification runs an incremental pass for the notified
// team when the payload names one.
func (c *Connector) HandleWebhookNotification(ctx context.Context, n connector.WebhookNotification) error {
	c.Stats().WebhookHandled()
	if n.Scope != "" {
		return c.syncTeam(ctx, n.Scope)
	}
	return c.RunIncrementalSync(ctx)
}

func (c *Connector) syncTeam(ctx context.Context, teamID string) error {
	if err := c.syncIssues(ctx, teamID); err != nil {
		return err
	}
	return c.syncComments(ctx, teamID)
}

// syncIssues pages issues ordered by updatedAt ascending. The watermark
// advances to the newest source timestamp the store actually accepted,
// so a crash between batches resumes exactly where the writer got.
func (c *Connector) syncIssues(ctx context.Context, teamID string) error {
	sp, err := c.SyncPoints.Read(ctx, teamID)
	if err != nil {
		return err
	}
	watermark := sp.LastSyncTime()

	batch := c.NewBatch(func(ctx context.Context, res processor.Result) error {
		if res.MaxSourceUpdatedAt > watermark {
			watermark = res.MaxSourceUpdatedAt
			return c.SyncPoints.Update(ctx, teamID, syncpoint.Data{"last_sync_time": watermark})
		}
		return nil
	})

	first := c.Config.BatchSize
	if first <= 0 {
		first = 50
	}
	// The query window is frozen for the whole pagination; the moving
	// watermark only matters for the next run.
	after := time.UnixMilli(watermark).UTC().Format(time.RFC3339Nano)
	cursor := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		vars := map[string]interface{}{
			"teamId": teamID,
			"after":  after,
			"first":  first,
		}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		var resp struct {
			Issues struct {
				Nodes    []issueNode `json:"nodes"`
				PageInfo pageInfo    `json:"pageInfo"`
			} `json:"issues"`
		}
		if err := c.client.do(ctx, issuesQuery, vars, &resp); err != nil {
			return err
		}

		for _, node := range resp.Issues.Nodes {
			tup := c.issueTuple(teamID, node)
			if !c.Filters.ShouldSync(tup.Record) {
				continue
			}
			if err := batch.Add(ctx, tup); err != nil {
				return err
			}
		}
		if !resp.Issues.PageInfo.HasNextPage {
			return batch.Flush(ctx)
		}
		cursor = resp.Issues.PageInfo.EndCursor
	}
}

// syncComments carries its own watermark under a separate sync point
// key.
func (c *Connector) syncComments(ctx context.Context, teamID string) error {
	key := teamID + commentsSuffix
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

	first := c.Config.BatchSize
	if first <= 0 {
		first = 50
	}
	after := time.UnixMilli(watermark).UTC().Format(time.RFC3339Nano)
	cursor := ""
	for {
		if err := c.Limiter.Acquire(ctx); err != nil {
			return err
		}
		vars := map[string]interface{}{
			"teamId": teamID,
			"after":  after,
			"first":  first,
		}
		if cursor != "" {
			vars["cursor"] = cursor
		}
		var resp struct {
			Comments struct {
				Nodes    []commentNode `json:"nodes"`
				PageInfo pageInfo      `json:"pageInfo"`
			} `json:"comments"`
		}
		if err := c.client.do(ctx, commentsQuery, vars, &resp); err != nil {
			return err
		}

		for _, node := range resp.Comments.Nodes {
			if err := batch.Add(ctx, c.commentTuple(teamID, node)); err != nil {
				return err
			}
		}
		if !resp.Comments.PageInfo.HasNextPage {
			return batch.Flush(ctx)
		}
		cursor = resp.Comments.PageInfo.EndCursor
	}
}

func (c *Connector) issueTuple(teamID string, node issueNode) processor.RecordWithPermissions {
	rec := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: node.ID,
			SourceCreatedAt:  node.CreatedAt.UnixMilli(),
			SourceUpdatedAt:  node.UpdatedAt.UnixMilli(),
		},
		RecordName:            node.Identifier + " " + node.Title,
		RecordType:            models.RecordTypeTicket,
		RecordGroupType:       models.RecordGroupTeam,
		ExternalRecordGroupID: teamID,
		WebURL:                node.URL,
		ExternalRevisionID:    node.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Ticket: &models.TicketRecord{
			Status:   node.State.Name,
			Priority: node.PriorityLabel,
		},
	}
	if node.Assignee != nil {
		rec.Ticket.Assignee = node.Assignee.Name
		rec.Ticket.AssigneeEmail = node.Assignee.Email
	}
	if node.Creator != nil {
		rec.Ticket.CreatorName = node.Creator.Name
		rec.Ticket.CreatorEmail = node.Creator.Email
	}
	rec.IndexingStatus = c.Filters.IndexingStatusFor(rec)

	return processor.RecordWithPermissions{
		Record: rec,
		Permissions: []models.Permission{{
			EntityType: models.EntityGroup,
			ExternalID: teamID,
			Type:       models.PermissionWrite,
		}},
	}
}

func (c *Connector) commentTuple(teamID string, node commentNode) processor.RecordWithPermissions {
	rec := &models.Record{
		Base: models.Base{
			OrgID:            c.OrgID(),
			ConnectorID:      c.ID(),
			ConnectorName:    c.Name(),
			ExternalRecordID: node.ID,
			SourceCreatedAt:  node.CreatedAt.UnixMilli(),
			SourceUpdatedAt:  node.UpdatedAt.UnixMilli(),
		},
		RecordName:            "Comment on " + node.Issue.ID,
		RecordType:            models.RecordTypeComment,
		RecordGroupType:       models.RecordGroupTeam,
		ExternalRecordGroupID: teamID,
		ParentExternalID:      node.Issue.ID,
		ParentRecordType:      models.RecordTypeTicket,
		IsDependentNode:       true,
		ExternalRevisionID:    node.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Comment:               &models.CommentRecord{},
	}
	if node.User != nil {
		rec.Comment.AuthorSourceID = node.User.ID
	}
	rec.IndexingStatus = c.Filters.IndexingStatusFor(rec)

	return processor.RecordWithPermissions{
		Record: rec,
		Permissions: []models.Permission{{
			EntityType: models.EntityGroup,
			ExternalID: teamID,
			Type:       models.PermissionWrite,
		}},
	}
}

// StreamRecord is unsupported; ticket text is indexed from the record
// body, not streamed.
func (c *Connector) StreamRecord(ctx context.Context, rec *models.Record, convertTo string) (*connector.StreamResponse, error) {
	return nil, apperrors.New(apperrors.KindValidation, "linear records have no byte stream")
}

// GetSignedURL returns the issue's web link.
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

// GetFilterOptions lists teams as selectable scopes.
func (c *Connector) GetFilterOptions(ctx context.Context, filterKey string, page, limit int, search, cursor string) (*connector.FilterOptionsResponse, error) {
	if filterKey != "teams" {
		return nil, apperrors.New(apperrors.KindValidation, "unsupported filter key: "+filterKey)
	}
	teams, err := c.listTeams(ctx)
	if err != nil {
		return nil, err
	}
	resp := &connector.FilterOptionsResponse{}
	for _, tm := range teams {
		resp.Options = append(resp.Options, connector.FilterOption{ID: tm.ID, Name: tm.Name})
	}
	return resp, nil
}

// Cleanup has nothing to release.
func (c *Connector) Cleanup(ctx context.Context) error { return nil }
