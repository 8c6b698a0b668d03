// Package processor implements the write path of the sync engine. It
// is the only component that mutates the store: it dedupes, versions
// and upserts entities, replaces permission edges by diff, links
// parent/child records, and emits domain events.
package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/catherinevee/syncmgr/internal/events"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// RecordWithPermissions is the tuple connectors submit for records.
type RecordWithPermissions struct {
	Record      *models.Record
	Permissions []models.Permission
}

// GroupWithMembers is the tuple connectors submit for user groups.
type GroupWithMembers struct {
	Group   *models.AppUserGroup
	Members []store.GroupMember
}

// RecordGroupWithPermissions is the tuple connectors submit for record
// groups.
type RecordGroupWithPermissions struct {
	Group       *models.RecordGroup
	Permissions []models.Permission
}

// Result summarizes one batch submission. MaxSourceUpdatedAt is the
// maximum source_updated_at among records actually upserted, which is
// what timestamp-watermark connectors checkpoint to.
type Result struct {
	Created            int
	ContentUpdated     int
	MetadataUpdated    int
	PermissionsUpdated int
	Unchanged          int
	Deleted            int
	Skipped            int
	MaxSourceUpdatedAt int64
}

func (r *Result) observeUpsert(sourceUpdatedAt int64) {
	if sourceUpdatedAt > r.MaxSourceUpdatedAt {
		r.MaxSourceUpdatedAt = sourceUpdatedAt
	}
}

// Processor is the entity processor for one connector instance.
type Processor struct {
	store         store.Store
	bus           *events.Bus
	filters       *filtering.Engine
	orgID         string
	connectorID   string
	connectorName string
	log           logger.Logger

	// pendingParents queues child record ids whose parent has not been
	// observed yet, keyed by the parent's external id. Resolved when
	// the parent is upserted; a restart re-resolves naturally because
	// the next sync re-submits both sides.
	mu             sync.Mutex
	pendingParents map[string][]string
}

// New creates a processor scoped to one connector instance.
func New(st store.Store, bus *events.Bus, filters *filtering.Engine, orgID, connectorID, connectorName string) *Processor {
	return &Processor{
		store:          st,
		bus:            bus,
		filters:        filters,
		orgID:          orgID,
		connectorID:    connectorID,
		connectorName:  connectorName,
		log:            logger.New("processor").WithFields(logger.String("connector_id", connectorID)),
		pendingParents: make(map[string][]string),
	}
}

func (p *Processor) stamp(b *models.Base, existing *models.Base) {
	now := models.NowMs()
	b.OrgID = p.orgID
	b.ConnectorID = p.connectorID
	b.ConnectorName = p.connectorName
	b.UpdatedAtMs = now
	if existing != nil {
		b.ID = existing.ID
		b.CreatedAtMs = existing.CreatedAtMs
		b.Version = existing.Version + 1
	} else {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.CreatedAtMs = now
		b.Version = 0
	}
}

// OnNewAppUsers upserts users discovered in the source users API.
func (p *Processor) OnNewAppUsers(ctx context.Context, users []*models.AppUser) (Result, error) {
	var res Result
	for _, u := range users {
		if u.Email == "" {
			res.Skipped++
			continue
		}
		if err := p.upsertUser(ctx, u, &res); err != nil {
			p.log.WithError(err).Error("failed to upsert user", logger.String("email", u.Email))
			res.Skipped++
		}
	}
	return res, nil
}

func (p *Processor) upsertUser(ctx context.Context, u *models.AppUser, res *Result) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := tx.GetUserByEmail(p.orgID, p.connectorID, u.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		changed := existing.FullName != u.FullName ||
			existing.IsActive != u.IsActive ||
			existing.Title != u.Title ||
			existing.SourceUserID != u.SourceUserID
		if !changed {
			res.Unchanged++
			return tx.Commit()
		}
		p.stamp(&u.Base, &existing.Base)
	} else {
		p.stamp(&u.Base, nil)
	}

	if err := tx.BatchUpsertUsers([]*models.AppUser{u}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if existing == nil {
		res.Created++
	} else {
		res.MetadataUpdated++
	}
	return nil
}

// MarkUserInactive flips a user inactive on a remove/deactivate event.
// Users are never hard-deleted while permission edges reference them.
func (p *Processor) MarkUserInactive(ctx context.Context, email string) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := tx.GetUserByEmail(p.orgID, p.connectorID, email)
	if err != nil {
		return err
	}
	if existing == nil || !existing.IsActive {
		return tx.Commit()
	}
	existing.IsActive = false
	p.stamp(&existing.Base, &existing.Base)
	if err := tx.BatchUpsertUsers([]*models.AppUser{existing}); err != nil {
		return err
	}
	return tx.Commit()
}

// OnNewUserGroups upserts groups and replaces their membership.
func (p *Processor) OnNewUserGroups(ctx context.Context, groups []GroupWithMembers) (Result, error) {
	var res Result
	for _, gm := range groups {
		if err := p.upsertUserGroup(ctx, gm, &res); err != nil {
			p.log.WithError(err).Error("failed to upsert user group",
				logger.String("external_id", gm.Group.ExternalRecordID))
			res.Skipped++
		}
	}
	return res, nil
}

func (p *Processor) upsertUserGroup(ctx context.Context, gm GroupWithMembers, res *Result) error {
	g := gm.Group
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := tx.GetUserGroupByExternalID(p.connectorID, g.ExternalRecordID)
	if err != nil {
		return err
	}
	if existing != nil {
		p.stamp(&g.Base, &existing.Base)
	} else {
		p.stamp(&g.Base, nil)
	}

	if err := tx.BatchUpsertUserGroups([]*models.AppUserGroup{g}); err != nil {
		return err
	}
	if err := tx.SetGroupMembers(g.ID, gm.Members); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if existing == nil {
		res.Created++
	} else {
		res.MetadataUpdated++
	}
	return nil
}

// OnUserGroupMemberAdded adds one membership edge.
func (p *Processor) OnUserGroupMemberAdded(ctx context.Context, externalGroupID, email string, ptype models.PermissionType) error {
	return p.withGroup(ctx, externalGroupID, func(tx store.Tx, g *models.AppUserGroup) error {
		return tx.AddGroupMember(g.ID, store.GroupMember{Email: email, PermissionType: ptype})
	})
}

// OnUserGroupMemberRemoved removes one membership edge.
func (p *Processor) OnUserGroupMemberRemoved(ctx context.Context, externalGroupID, email string) error {
	return p.withGroup(ctx, externalGroupID, func(tx store.Tx, g *models.AppUserGroup) error {
		return tx.RemoveGroupMember(g.ID, email)
	})
}

// OnUserGroupDeleted removes a group, its memberships and the
// permission edges granted through it.
func (p *Processor) OnUserGroupDeleted(ctx context.Context, externalGroupID string) error {
	return p.withGroup(ctx, externalGroupID, func(tx store.Tx, g *models.AppUserGroup) error {
		return tx.DeleteUserGroup(g.ID, g.ExternalRecordID)
	})
}

func (p *Processor) withGroup(ctx context.Context, externalGroupID string, fn func(store.Tx, *models.AppUserGroup) error) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err := tx.GetUserGroupByExternalID(p.connectorID, externalGroupID)
	if err != nil {
		return err
	}
	if g == nil {
		return tx.Commit()
	}
	if err := fn(tx, g); err != nil {
		return err
	}
	return tx.Commit()
}

// OnNewRecordGroups upserts record containers and their permissions.
func (p *Processor) OnNewRecordGroups(ctx context.Context, groups []RecordGroupWithPermissions) (Result, error) {
	var res Result
	for _, gp := range groups {
		if err := p.upsertRecordGroup(ctx, gp, &res); err != nil {
			p.log.WithError(err).Error("failed to upsert record group",
				logger.String("external_id", gp.Group.ExternalGroupID))
			res.Skipped++
		}
	}
	return res, nil
}

func (p *Processor) upsertRecordGroup(ctx context.Context, gp RecordGroupWithPermissions, res *Result) error {
	g := gp.Group
	if g.ExternalRecordID == "" {
		g.ExternalRecordID = g.ExternalGroupID
	}
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := tx.GetRecordGroupByExternalID(p.connectorID, g.ExternalGroupID)
	if err != nil {
		return err
	}
	if existing != nil {
		p.stamp(&g.Base, &existing.Base)
	} else {
		p.stamp(&g.Base, nil)
	}

	if err := tx.BatchUpsertRecordGroups([]*models.RecordGroup{g}); err != nil {
		return err
	}
	if err := p.replacePermissions(tx, models.ResourceRecordGroup, g.ID, gp.Permissions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if existing == nil {
		res.Created++
	} else {
		res.MetadataUpdated++
	}
	return nil
}

// UpdateRecordGroupName renames a record group. oldName is used as a
// guard: the rename is skipped when the stored name no longer matches,
// which means a newer rename already won.
func (p *Processor) UpdateRecordGroupName(ctx context.Context, externalGroupID, newName, oldName string) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err := tx.GetRecordGroupByExternalID(p.connectorID, externalGroupID)
	if err != nil {
		return err
	}
	if g == nil || (oldName != "" && g.Name != oldName) {
		return tx.Commit()
	}
	g.Name = newName
	p.stamp(&g.Base, &g.Base)
	if err := tx.BatchUpsertRecordGroups([]*models.RecordGroup{g}); err != nil {
		return err
	}
	return tx.Commit()
}

// OnNewRecords is the main submission path: for each tuple it upserts
// the record keyed by (connector_id, external_record_id), replaces the
// permission set edge-by-edge, links the parent edge (or queues the
// child), and emits events. Each record is atomic in its own
// transaction; the batch as a whole is not.
func (p *Processor) OnNewRecords(ctx context.Context, tuples []RecordWithPermissions) (Result, error) {
	var res Result
	for _, tup := range tuples {
		if tup.Record == nil || tup.Record.ExternalRecordID == "" {
			res.Skipped++
			continue
		}
		if p.filters != nil && !p.filters.ShouldSync(tup.Record) {
			res.Skipped++
			continue
		}
		if err := p.upsertRecord(ctx, tup, &res); err != nil {
			p.log.WithError(err).Error("failed to process record",
				logger.String("external_id", tup.Record.ExternalRecordID))
			res.Skipped++
		}
	}
	return res, nil
}

type classification struct {
	isNew              bool
	metadataChanged    bool
	contentChanged     bool
	permissionsChanged bool
}

func (c classification) any() bool {
	return c.isNew || c.metadataChanged || c.contentChanged || c.permissionsChanged
}

func (p *Processor) upsertRecord(ctx context.Context, tup RecordWithPermissions, res *Result) error {
	rec := tup.Record
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := tx.GetRecordByExternalID(p.connectorID, rec.ExternalRecordID)
	if err != nil {
		return err
	}

	// source_updated_at is non-decreasing: a stale observation never
	// overwrites a newer one.
	if existing != nil && rec.SourceUpdatedAt > 0 && rec.SourceUpdatedAt < existing.SourceUpdatedAt {
		res.Skipped++
		return tx.Commit()
	}

	var cls classification
	var currentPerms []models.Permission
	if existing == nil {
		cls.isNew = true
	} else {
		cls.metadataChanged = existing.RecordName != rec.RecordName ||
			existing.ExternalRecordGroupID != rec.ExternalRecordGroupID
		cls.contentChanged = existing.ExternalRevisionID != rec.ExternalRevisionID
		currentPerms, err = tx.GetPermissions(models.ResourceRecord, existing.ID)
		if err != nil {
			return err
		}
		cls.permissionsChanged = !models.PermissionsEqual(currentPerms, tup.Permissions)
	}

	if !cls.any() {
		res.Unchanged++
		return tx.Commit()
	}

	if rec.IndexingStatus == "" && p.filters != nil {
		rec.IndexingStatus = p.filters.IndexingStatusFor(rec)
	}
	if existing != nil {
		p.stamp(&rec.Base, &existing.Base)
	} else {
		p.stamp(&rec.Base, nil)
	}

	if err := tx.BatchUpsertRecords([]*models.Record{rec}); err != nil {
		return err
	}
	if cls.isNew || cls.permissionsChanged {
		if err := p.replacePermissions(tx, models.ResourceRecord, rec.ID, tup.Permissions); err != nil {
			return err
		}
	}
	queued, err := p.linkParent(tx, rec)
	if err != nil {
		return err
	}
	if err := p.resolvePendingChildren(tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if queued {
		p.mu.Lock()
		p.pendingParents[rec.ParentExternalID] = append(p.pendingParents[rec.ParentExternalID], rec.ID)
		p.mu.Unlock()
	}

	res.observeUpsert(rec.SourceUpdatedAt)
	p.publishRecordEvents(rec, cls)
	p.count(res, cls)
	return nil
}

func (p *Processor) count(res *Result, cls classification) {
	switch {
	case cls.isNew:
		res.Created++
	case cls.contentChanged:
		res.ContentUpdated++
	case cls.metadataChanged:
		res.MetadataUpdated++
	default:
		res.PermissionsUpdated++
	}
}

func (p *Processor) publishRecordEvents(rec *models.Record, cls classification) {
	base := events.Event{ConnectorID: p.connectorID, OrgID: p.orgID, RecordID: rec.ID}

	emit := func(t events.EventType) {
		ev := base
		ev.Type = t
		p.bus.Publish(ev)
	}

	switch {
	case cls.isNew:
		emit(events.RecordCreated)
	case cls.contentChanged:
		emit(events.RecordContentUpdated)
	case cls.metadataChanged:
		emit(events.RecordMetadataUpdated)
	}
	if !cls.isNew && cls.permissionsChanged {
		emit(events.RecordPermissionsUpdated)
	}
	if (cls.isNew || cls.contentChanged) && rec.IndexingStatus != models.IndexingAutoIndexOff {
		emit(events.RecordIndexingRequested)
	}
}

// replacePermissions diffs the current edge set against the wanted one
// and applies only the difference; identical sets are a no-op.
func (p *Processor) replacePermissions(tx store.Tx, kind models.ResourceKind, resourceID string, want []models.Permission) error {
	have, err := tx.GetPermissions(kind, resourceID)
	if err != nil {
		return err
	}
	diff := models.DiffPermissions(have, want)
	for _, rm := range diff.Removed {
		if err := tx.DeletePermission(kind, resourceID, rm.Key()); err != nil {
			return err
		}
	}
	if len(diff.Added) > 0 {
		if err := tx.BatchCreatePermissions(p.orgID, p.connectorID, kind, resourceID, diff.Added); err != nil {
			return err
		}
	}
	return nil
}

// linkParent creates the parent-child edge when the parent record is
// already present; returns true when the child must be queued instead.
func (p *Processor) linkParent(tx store.Tx, rec *models.Record) (queued bool, err error) {
	if rec.ParentExternalID == "" {
		return false, nil
	}
	parent, err := tx.GetRecordByExternalID(p.connectorID, rec.ParentExternalID)
	if err != nil {
		return false, err
	}
	if parent == nil {
		// Parents may also be containers; the container edge is carried
		// by external_record_group_id, so only record parents queue.
		return true, nil
	}
	return false, p.createParentEdge(tx, parent.ID, rec.ID)
}

// createParentEdge refuses to create an edge that would close a cycle
// in the folder hierarchy.
func (p *Processor) createParentEdge(tx store.Tx, parentID, childID string) error {
	if parentID == childID {
		p.log.Warn("refusing self-parent edge", logger.String("record_id", childID))
		return nil
	}
	visited := map[string]bool{childID: true}
	cur := parentID
	for cur != "" {
		if visited[cur] {
			p.log.Warn("refusing cyclic parent edge",
				logger.String("parent_id", parentID), logger.String("child_id", childID))
			return nil
		}
		visited[cur] = true
		next, ok, err := tx.GetParentEdge(cur)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = next
	}
	return tx.CreateRecordRelation(parentID, childID, store.RelationParentChild, 0)
}

func (p *Processor) resolvePendingChildren(tx store.Tx, parent *models.Record) error {
	p.mu.Lock()
	children := p.pendingParents[parent.ExternalRecordID]
	delete(p.pendingParents, parent.ExternalRecordID)
	p.mu.Unlock()

	for _, childID := range children {
		if err := p.createParentEdge(tx, parent.ID, childID); err != nil {
			return err
		}
	}
	return nil
}

// CreateSiblingChain orders mail-thread records chronologically by
// source_created_at and creates SIBLING edges along the chain.
func (p *Processor) CreateSiblingChain(ctx context.Context, records []*models.Record) error {
	if len(records) < 2 {
		return nil
	}
	ordered := make([]*models.Record, len(records))
	copy(ordered, records)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].SourceCreatedAt < ordered[j-1].SourceCreatedAt; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Callers pass source-shaped records; resolve the stored ids and
	// skip members not yet upserted.
	ids := make([]string, 0, len(ordered))
	for _, rec := range ordered {
		id := rec.ID
		if id == "" {
			stored, err := tx.GetRecordByExternalID(p.connectorID, rec.ExternalRecordID)
			if err != nil {
				return err
			}
			if stored == nil {
				continue
			}
			id = stored.ID
		}
		ids = append(ids, id)
	}

	for i := 0; i < len(ids)-1; i++ {
		if err := tx.CreateRecordRelation(ids[i], ids[i+1], store.RelationSibling, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OnRecordContentUpdate re-submits a record whose content changed.
func (p *Processor) OnRecordContentUpdate(ctx context.Context, rec *models.Record) (Result, error) {
	return p.OnNewRecords(ctx, []RecordWithPermissions{{Record: rec}})
}

// OnRecordMetadataUpdate re-submits a record whose metadata changed.
func (p *Processor) OnRecordMetadataUpdate(ctx context.Context, rec *models.Record) (Result, error) {
	return p.OnNewRecords(ctx, []RecordWithPermissions{{Record: rec, Permissions: nil}})
}

// OnUpdatedRecordPermissions replaces a record's permission set without
// touching its content or metadata.
func (p *Processor) OnUpdatedRecordPermissions(ctx context.Context, externalRecordID string, perms []models.Permission) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := tx.GetRecordByExternalID(p.connectorID, externalRecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Permission changes may arrive before the record; the next
		// record submission carries the full set anyway.
		return tx.Commit()
	}
	have, err := tx.GetPermissions(models.ResourceRecord, rec.ID)
	if err != nil {
		return err
	}
	if models.PermissionsEqual(have, perms) {
		return tx.Commit()
	}
	if err := p.replacePermissions(tx, models.ResourceRecord, rec.ID, perms); err != nil {
		return err
	}
	rec.Version++
	rec.UpdatedAtMs = models.NowMs()
	if err := tx.BatchUpsertRecords([]*models.Record{rec}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.bus.Publish(events.Event{
		Type: events.RecordPermissionsUpdated, ConnectorID: p.connectorID, OrgID: p.orgID, RecordID: rec.ID,
	})
	return nil
}

// OnRecordDeleted tombstones a record, its edges and its dependent
// children (attachments cannot outlive their message).
func (p *Processor) OnRecordDeleted(ctx context.Context, externalRecordID string) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := tx.GetRecordByExternalID(p.connectorID, externalRecordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return tx.Commit()
	}

	deleted := []string{rec.ID}
	children, err := tx.GetRecordsByParent(p.connectorID, externalRecordID, "")
	if err != nil {
		return err
	}
	for _, child := range children {
		if !child.IsDependentNode {
			continue
		}
		if err := tx.MarkRecordDeleted(child.ID); err != nil {
			return fmt.Errorf("failed to delete dependent record %s: %w", child.ExternalRecordID, err)
		}
		deleted = append(deleted, child.ID)
	}
	if err := tx.MarkRecordDeleted(rec.ID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", externalRecordID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, id := range deleted {
		p.bus.Publish(events.Event{
			Type: events.RecordDeleted, ConnectorID: p.connectorID, OrgID: p.orgID, RecordID: id,
		})
	}
	return nil
}

// OnRecordDeletedByPath tombstones a record located by its source path.
// Tombstone entries from cursor streams carry paths, not ids.
func (p *Processor) OnRecordDeletedByPath(ctx context.Context, path string) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := tx.GetRecordByPath(p.connectorName, path)
	if err != nil {
		return err
	}
	if rec == nil {
		return tx.Commit()
	}
	externalID := rec.ExternalRecordID
	if err := tx.Commit(); err != nil {
		return err
	}
	return p.OnRecordDeleted(ctx, externalID)
}

// ReindexRecords re-emits indexing-requested events for the given
// records.
func (p *Processor) ReindexRecords(ctx context.Context, recordIDs []string) {
	for _, id := range recordIDs {
		p.bus.Publish(events.Event{
			Type: events.RecordIndexingRequested, ConnectorID: p.connectorID, OrgID: p.orgID, RecordID: id,
		})
	}
}
