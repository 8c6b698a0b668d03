// Package store defines the persistence contract consumed by the
// entity processor and the retrieval path. The store is the single
// source of truth; connectors never write to it directly.
package store

import (
	"context"

	"github.com/catherinevee/syncmgr/pkg/models"
)

// RelationType classifies an edge in the record_relations collection.
type RelationType string

const (
	RelationParentChild RelationType = "PARENT_CHILD"
	RelationSibling     RelationType = "SIBLING"
	RelationAttachment  RelationType = "ATTACHMENT"
)

// Store opens transactions over the persisted entity graph.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Read-only lookups used outside the write path.
	GetRecordByID(ctx context.Context, id string) (*models.Record, error)
	GetRecordByExternalID(ctx context.Context, connectorID, externalID string) (*models.Record, error)
	GetRecordsByInternetMessageID(ctx context.Context, connectorID, internetMessageID string) ([]*models.Record, error)
	CountRecordsByIndexingStatus(ctx context.Context, connectorID string) (map[models.IndexingStatus]int, error)
}

// Tx is one transaction. Writes for one record plus its permissions and
// parent edge must happen inside a single Tx.
type Tx interface {
	GetRecordByExternalID(connectorID, externalID string) (*models.Record, error)
	GetRecordGroupByExternalID(connectorID, externalID string) (*models.RecordGroup, error)
	GetUserByEmail(orgID, connectorID, email string) (*models.AppUser, error)
	GetUserBySourceID(connectorID, sourceID string) (*models.AppUser, error)
	GetUserGroupByExternalID(connectorID, externalID string) (*models.AppUserGroup, error)

	BatchUpsertUsers(users []*models.AppUser) error
	BatchUpsertUserGroups(groups []*models.AppUserGroup) error
	BatchUpsertRecordGroups(groups []*models.RecordGroup) error
	BatchUpsertRecords(records []*models.Record) error

	SetGroupMembers(groupID string, members []GroupMember) error
	AddGroupMember(groupID string, member GroupMember) error
	RemoveGroupMember(groupID, email string) error
	DeleteUserGroup(groupID, externalGroupID string) error

	GetPermissions(kind models.ResourceKind, resourceID string) ([]models.Permission, error)
	BatchCreatePermissions(orgID, connectorID string, kind models.ResourceKind, resourceID string, perms []models.Permission) error
	DeletePermission(kind models.ResourceKind, resourceID string, key models.PermissionKey) error

	CreateRecordRelation(fromID, toID string, relation RelationType, position int) error
	GetRecordsByParent(connectorID, parentExternalID string, recordType models.RecordType) ([]*models.Record, error)
	GetRecordByPath(connectorName, path string) (*models.Record, error)
	GetParentEdge(childID string) (string, bool, error)
	GetRelations(fromID string, relation RelationType) ([]string, error)

	MarkRecordDeleted(id string) error

	Commit() error
	Rollback() error
}

// GroupMember is one membership row inside a user group.
type GroupMember struct {
	Email          string
	PermissionType models.PermissionType
}
