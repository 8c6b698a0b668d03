package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/catherinevee/syncmgr/pkg/models"
)

// SQLiteStore implements Store over the sqlite schema in
// internal/database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened sqlite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Begin opens a write transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// GetRecordByID loads a record by internal id.
func (s *SQLiteStore) GetRecordByID(ctx context.Context, id string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ? AND is_deleted = 0`, id)
	return scanRecord(row)
}

// GetRecordByExternalID loads a record by source id.
func (s *SQLiteStore) GetRecordByExternalID(ctx context.Context, connectorID, externalID string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE connector_id = ? AND external_id = ? AND is_deleted = 0`, connectorID, externalID)
	return scanRecord(row)
}

// GetRecordsByInternetMessageID finds mail records sharing the given
// mail header id, used for the sibling-message walk when streaming an
// attachment whose parent message is gone.
func (s *SQLiteStore) GetRecordsByInternetMessageID(ctx context.Context, connectorID, internetMessageID string) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE connector_id = ? AND record_type = ? AND is_deleted = 0 ORDER BY source_created_at ASC`,
		connectorID, string(models.RecordTypeMail))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		if rec.Mail != nil && rec.Mail.InternetMessageID == internetMessageID {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// CountRecordsByIndexingStatus aggregates record counts for the health
// endpoint.
func (s *SQLiteStore) CountRecordsByIndexingStatus(ctx context.Context, connectorID string) (map[models.IndexingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT indexing_status, COUNT(*) FROM records WHERE connector_id = ? AND is_deleted = 0 GROUP BY indexing_status`, connectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.IndexingStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[models.IndexingStatus(status)] = count
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

const selectRecord = `SELECT id, org_id, connector_id, connector_name, external_id, record_name,
	record_type, record_group_type, external_record_group_id, parent_external_record_id,
	parent_record_type, mime_type, web_url, preview_renderable, is_dependent_node,
	parent_node_id, inherit_permissions, indexing_status, external_revision_id,
	subtype_json, version, created_at, updated_at, source_created_at, source_updated_at
	FROM records`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecordFrom(sc rowScanner) (*models.Record, error) {
	var rec models.Record
	var subtypeJSON string
	var preview, dependent, inherit int
	err := sc.Scan(&rec.ID, &rec.OrgID, &rec.ConnectorID, &rec.ConnectorName, &rec.ExternalRecordID,
		&rec.RecordName, &rec.RecordType, &rec.RecordGroupType, &rec.ExternalRecordGroupID,
		&rec.ParentExternalID, &rec.ParentRecordType, &rec.MimeType, &rec.WebURL,
		&preview, &dependent, &rec.ParentNodeID, &inherit, &rec.IndexingStatus,
		&rec.ExternalRevisionID, &subtypeJSON, &rec.Version, &rec.CreatedAtMs, &rec.UpdatedAtMs,
		&rec.SourceCreatedAt, &rec.SourceUpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.PreviewRenderable = preview != 0
	rec.IsDependentNode = dependent != 0
	rec.InheritPermissions = inherit != 0
	if err := unmarshalSubtype(&rec, subtypeJSON); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	rec, err := scanRecordFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*models.Record, error) {
	return scanRecordFrom(rows)
}

type recordSubtype struct {
	File    *models.FileRecord    `json:"file,omitempty"`
	Mail    *models.MailRecord    `json:"mail,omitempty"`
	Ticket  *models.TicketRecord  `json:"ticket,omitempty"`
	Comment *models.CommentRecord `json:"comment,omitempty"`
	Link    *models.LinkRecord    `json:"link,omitempty"`
	Webpage *models.WebpageRecord `json:"webpage,omitempty"`
}

func marshalSubtype(rec *models.Record) (string, error) {
	data, err := json.Marshal(recordSubtype{
		File: rec.File, Mail: rec.Mail, Ticket: rec.Ticket,
		Comment: rec.Comment, Link: rec.Link, Webpage: rec.Webpage,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record subtype: %w", err)
	}
	return string(data), nil
}

func unmarshalSubtype(rec *models.Record, data string) error {
	var sub recordSubtype
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return fmt.Errorf("failed to unmarshal record subtype: %w", err)
	}
	rec.File, rec.Mail, rec.Ticket = sub.File, sub.Mail, sub.Ticket
	rec.Comment, rec.Link, rec.Webpage = sub.Comment, sub.Link, sub.Webpage
	return nil
}

func (t *sqliteTx) GetRecordByExternalID(connectorID, externalID string) (*models.Record, error) {
	row := t.tx.QueryRow(selectRecord+` WHERE connector_id = ? AND external_id = ? AND is_deleted = 0`, connectorID, externalID)
	return scanRecord(row)
}

func (t *sqliteTx) GetRecordByPath(connectorName, path string) (*models.Record, error) {
	rows, err := t.tx.Query(selectRecord+` WHERE connector_name = ? AND is_deleted = 0`, connectorName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		if rec.File != nil && rec.File.Path == path {
			return rec, nil
		}
	}
	return nil, rows.Err()
}

func (t *sqliteTx) GetRecordsByParent(connectorID, parentExternalID string, recordType models.RecordType) ([]*models.Record, error) {
	query := selectRecord + ` WHERE connector_id = ? AND parent_external_record_id = ? AND is_deleted = 0`
	args := []interface{}{connectorID, parentExternalID}
	if recordType != "" {
		query += ` AND record_type = ?`
		args = append(args, string(recordType))
	}
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *sqliteTx) GetRecordGroupByExternalID(connectorID, externalID string) (*models.RecordGroup, error) {
	row := t.tx.QueryRow(`SELECT id, org_id, connector_id, connector_name, external_id, name, short_name,
		group_type, parent_external_group_id, web_url, inherit_permissions, version,
		created_at, updated_at, source_created_at, source_updated_at
		FROM record_groups WHERE connector_id = ? AND external_id = ?`, connectorID, externalID)

	var g models.RecordGroup
	var inherit int
	err := row.Scan(&g.ID, &g.OrgID, &g.ConnectorID, &g.ConnectorName, &g.ExternalGroupID,
		&g.Name, &g.ShortName, &g.GroupType, &g.ParentExternalGroupID, &g.WebURL,
		&inherit, &g.Version, &g.CreatedAtMs, &g.UpdatedAtMs, &g.SourceCreatedAt, &g.SourceUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.ExternalRecordID = g.ExternalGroupID
	g.InheritPermissions = inherit != 0
	return &g, nil
}

func (t *sqliteTx) GetUserByEmail(orgID, connectorID, email string) (*models.AppUser, error) {
	row := t.tx.QueryRow(`SELECT id, org_id, connector_id, connector_name, external_id, email, full_name,
		source_user_id, is_active, title, version, created_at, updated_at, source_created_at, source_updated_at
		FROM users WHERE org_id = ? AND connector_id = ? AND email = ?`,
		orgID, connectorID, models.NormalizeEmail(email))
	return scanUser(row)
}

func (t *sqliteTx) GetUserBySourceID(connectorID, sourceID string) (*models.AppUser, error) {
	row := t.tx.QueryRow(`SELECT id, org_id, connector_id, connector_name, external_id, email, full_name,
		source_user_id, is_active, title, version, created_at, updated_at, source_created_at, source_updated_at
		FROM users WHERE connector_id = ? AND source_user_id = ?`, connectorID, sourceID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.AppUser, error) {
	var u models.AppUser
	var active int
	err := row.Scan(&u.ID, &u.OrgID, &u.ConnectorID, &u.ConnectorName, &u.ExternalRecordID,
		&u.Email, &u.FullName, &u.SourceUserID, &active, &u.Title, &u.Version,
		&u.CreatedAtMs, &u.UpdatedAtMs, &u.SourceCreatedAt, &u.SourceUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.IsActive = active != 0
	return &u, nil
}

func (t *sqliteTx) GetUserGroupByExternalID(connectorID, externalID string) (*models.AppUserGroup, error) {
	row := t.tx.QueryRow(`SELECT id, org_id, connector_id, connector_name, external_id, name, description,
		parent_external_id, version, created_at, updated_at, source_created_at, source_updated_at
		FROM user_groups WHERE connector_id = ? AND external_id = ?`, connectorID, externalID)

	var g models.AppUserGroup
	err := row.Scan(&g.ID, &g.OrgID, &g.ConnectorID, &g.ConnectorName, &g.ExternalRecordID,
		&g.Name, &g.Description, &g.ParentExternalID, &g.Version,
		&g.CreatedAtMs, &g.UpdatedAtMs, &g.SourceCreatedAt, &g.SourceUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.SourceUserGroupID = g.ExternalRecordID
	return &g, nil
}

func (t *sqliteTx) BatchUpsertUsers(users []*models.AppUser) error {
	for _, u := range users {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		_, err := t.tx.Exec(`INSERT INTO users (id, org_id, connector_id, connector_name, external_id, email,
			full_name, source_user_id, is_active, title, version, created_at, updated_at, source_created_at, source_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, connector_id, email) DO UPDATE SET
				full_name = excluded.full_name,
				source_user_id = excluded.source_user_id,
				is_active = excluded.is_active,
				title = excluded.title,
				version = excluded.version,
				updated_at = excluded.updated_at,
				source_updated_at = excluded.source_updated_at`,
			u.ID, u.OrgID, u.ConnectorID, u.ConnectorName, u.ExternalRecordID,
			models.NormalizeEmail(u.Email), u.FullName, u.SourceUserID, boolInt(u.IsActive),
			u.Title, u.Version, u.CreatedAtMs, u.UpdatedAtMs, u.SourceCreatedAt, u.SourceUpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert user %s: %w", u.Email, err)
		}
	}
	return nil
}

func (t *sqliteTx) BatchUpsertUserGroups(groups []*models.AppUserGroup) error {
	for _, g := range groups {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		_, err := t.tx.Exec(`INSERT INTO user_groups (id, org_id, connector_id, connector_name, external_id,
			name, description, parent_external_id, version, created_at, updated_at, source_created_at, source_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, connector_id, external_id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				parent_external_id = excluded.parent_external_id,
				version = excluded.version,
				updated_at = excluded.updated_at,
				source_updated_at = excluded.source_updated_at`,
			g.ID, g.OrgID, g.ConnectorID, g.ConnectorName, g.ExternalRecordID,
			g.Name, g.Description, g.ParentExternalID, g.Version,
			g.CreatedAtMs, g.UpdatedAtMs, g.SourceCreatedAt, g.SourceUpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert user group %s: %w", g.Name, err)
		}
	}
	return nil
}

func (t *sqliteTx) BatchUpsertRecordGroups(groups []*models.RecordGroup) error {
	for _, g := range groups {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		_, err := t.tx.Exec(`INSERT INTO record_groups (id, org_id, connector_id, connector_name, external_id,
			name, short_name, group_type, parent_external_group_id, web_url, inherit_permissions,
			version, created_at, updated_at, source_created_at, source_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, connector_id, external_id) DO UPDATE SET
				name = excluded.name,
				short_name = excluded.short_name,
				group_type = excluded.group_type,
				parent_external_group_id = excluded.parent_external_group_id,
				web_url = excluded.web_url,
				inherit_permissions = excluded.inherit_permissions,
				version = excluded.version,
				updated_at = excluded.updated_at,
				source_updated_at = excluded.source_updated_at`,
			g.ID, g.OrgID, g.ConnectorID, g.ConnectorName, g.ExternalGroupID,
			g.Name, g.ShortName, string(g.GroupType), g.ParentExternalGroupID, g.WebURL,
			boolInt(g.InheritPermissions), g.Version, g.CreatedAtMs, g.UpdatedAtMs,
			g.SourceCreatedAt, g.SourceUpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert record group %s: %w", g.Name, err)
		}
	}
	return nil
}

func (t *sqliteTx) BatchUpsertRecords(records []*models.Record) error {
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		subtype, err := marshalSubtype(rec)
		if err != nil {
			return err
		}
		_, err = t.tx.Exec(`INSERT INTO records (id, org_id, connector_id, connector_name, external_id,
			record_name, record_type, record_group_type, external_record_group_id,
			parent_external_record_id, parent_record_type, mime_type, web_url,
			preview_renderable, is_dependent_node, parent_node_id, inherit_permissions,
			indexing_status, external_revision_id, subtype_json, is_deleted,
			version, created_at, updated_at, source_created_at, source_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, connector_id, external_id) DO UPDATE SET
				record_name = excluded.record_name,
				record_group_type = excluded.record_group_type,
				external_record_group_id = excluded.external_record_group_id,
				parent_external_record_id = excluded.parent_external_record_id,
				parent_record_type = excluded.parent_record_type,
				mime_type = excluded.mime_type,
				web_url = excluded.web_url,
				preview_renderable = excluded.preview_renderable,
				is_dependent_node = excluded.is_dependent_node,
				parent_node_id = excluded.parent_node_id,
				inherit_permissions = excluded.inherit_permissions,
				indexing_status = excluded.indexing_status,
				external_revision_id = excluded.external_revision_id,
				subtype_json = excluded.subtype_json,
				is_deleted = 0,
				version = excluded.version,
				updated_at = excluded.updated_at,
				source_updated_at = excluded.source_updated_at`,
			rec.ID, rec.OrgID, rec.ConnectorID, rec.ConnectorName, rec.ExternalRecordID,
			rec.RecordName, string(rec.RecordType), string(rec.RecordGroupType), rec.ExternalRecordGroupID,
			rec.ParentExternalID, string(rec.ParentRecordType), rec.MimeType, rec.WebURL,
			boolInt(rec.PreviewRenderable), boolInt(rec.IsDependentNode), rec.ParentNodeID,
			boolInt(rec.InheritPermissions), string(rec.IndexingStatus), rec.ExternalRevisionID,
			subtype, rec.Version, rec.CreatedAtMs, rec.UpdatedAtMs, rec.SourceCreatedAt, rec.SourceUpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", rec.ExternalRecordID, err)
		}
	}
	return nil
}

func (t *sqliteTx) SetGroupMembers(groupID string, members []GroupMember) error {
	if _, err := t.tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	for _, m := range members {
		if err := t.AddGroupMember(groupID, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) AddGroupMember(groupID string, member GroupMember) error {
	ptype := member.PermissionType
	if ptype == "" {
		ptype = models.PermissionRead
	}
	_, err := t.tx.Exec(`INSERT INTO group_members (group_id, email, permission_type) VALUES (?, ?, ?)
		ON CONFLICT(group_id, email) DO UPDATE SET permission_type = excluded.permission_type`,
		groupID, models.NormalizeEmail(member.Email), string(ptype))
	return err
}

func (t *sqliteTx) RemoveGroupMember(groupID, email string) error {
	_, err := t.tx.Exec(`DELETE FROM group_members WHERE group_id = ? AND email = ?`,
		groupID, models.NormalizeEmail(email))
	return err
}

// DeleteUserGroup removes the group row, its memberships and every
// permission edge granted through it. Permission edges key the group
// by its source external id, not the internal row id.
func (t *sqliteTx) DeleteUserGroup(groupID, externalGroupID string) error {
	if _, err := t.tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM permissions WHERE entity_type = ? AND entity_subject = ?`,
		string(models.EntityGroup), externalGroupID); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM user_groups WHERE id = ?`, groupID)
	return err
}

func (t *sqliteTx) GetPermissions(kind models.ResourceKind, resourceID string) ([]models.Permission, error) {
	rows, err := t.tx.Query(`SELECT id, entity_type, email, entity_external_id, permission_type
		FROM permissions WHERE resource_kind = ? AND resource_id = ?`, string(kind), resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Permission
	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(&p.ID, &p.EntityType, &p.Email, &p.ExternalID, &p.Type); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqliteTx) BatchCreatePermissions(orgID, connectorID string, kind models.ResourceKind, resourceID string, perms []models.Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		key := p.Key()
		_, err := t.tx.Exec(`INSERT INTO permissions (id, org_id, connector_id, entity_type, entity_subject,
			email, entity_external_id, resource_kind, resource_id, permission_type, external_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(resource_kind, resource_id, entity_type, entity_subject, permission_type) DO NOTHING`,
			id, orgID, connectorID, string(p.EntityType), key.Subject,
			models.NormalizeEmail(p.Email), p.ExternalID, string(kind), resourceID, string(p.Type), "")
		if err != nil {
			return fmt.Errorf("failed to create permission edge: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) DeletePermission(kind models.ResourceKind, resourceID string, key models.PermissionKey) error {
	_, err := t.tx.Exec(`DELETE FROM permissions WHERE resource_kind = ? AND resource_id = ?
		AND entity_type = ? AND entity_subject = ? AND permission_type = ?`,
		string(kind), resourceID, string(key.EntityType), key.Subject, string(key.Type))
	return err
}

func (t *sqliteTx) CreateRecordRelation(fromID, toID string, relation RelationType, position int) error {
	_, err := t.tx.Exec(`INSERT INTO record_relations (from_id, to_id, relation_type, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, relation_type) DO UPDATE SET position = excluded.position`,
		fromID, toID, string(relation), position)
	return err
}

func (t *sqliteTx) GetParentEdge(childID string) (string, bool, error) {
	row := t.tx.QueryRow(`SELECT from_id FROM record_relations WHERE to_id = ? AND relation_type = ?`,
		childID, string(RelationParentChild))
	var parent string
	err := row.Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return parent, true, nil
}

func (t *sqliteTx) GetRelations(fromID string, relation RelationType) ([]string, error) {
	rows, err := t.tx.Query(`SELECT to_id FROM record_relations WHERE from_id = ? AND relation_type = ? ORDER BY position ASC`,
		fromID, string(relation))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			return nil, err
		}
		out = append(out, to)
	}
	return out, rows.Err()
}

func (t *sqliteTx) MarkRecordDeleted(id string) error {
	if _, err := t.tx.Exec(`UPDATE records SET is_deleted = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM permissions WHERE resource_kind = ? AND resource_id = ?`,
		string(models.ResourceRecord), id); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM record_relations WHERE from_id = ? OR to_id = ?`, id, id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
