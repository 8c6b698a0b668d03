package models

import (
	"strings"
	"time"
)

// EntityType identifies the grantee side of a permission edge.
type EntityType string

const (
	EntityUser  EntityType = "USER"
	EntityGroup EntityType = "GROUP"
	// EntityOrg grants the permission to every active user in the org.
	EntityOrg EntityType = "ORG"
)

// PermissionType is the access level granted by a permission edge.
type PermissionType string

const (
	PermissionOwner PermissionType = "OWNER"
	PermissionWrite PermissionType = "WRITE"
	PermissionRead  PermissionType = "READ"
)

// RecordType discriminates the polymorphic Record payload.
type RecordType string

const (
	RecordTypeFile    RecordType = "FILE"
	RecordTypeMail    RecordType = "MAIL"
	RecordTypeTicket  RecordType = "TICKET"
	RecordTypeComment RecordType = "COMMENT"
	RecordTypeLink    RecordType = "LINK"
	RecordTypeWebpage RecordType = "WEBPAGE"
)

// RecordGroupType identifies the kind of container a record lives in.
type RecordGroupType string

const (
	RecordGroupDrive              RecordGroupType = "DRIVE"
	RecordGroupMailbox            RecordGroupType = "MAILBOX"
	RecordGroupProject            RecordGroupType = "PROJECT"
	RecordGroupTeam               RecordGroupType = "TEAM"
	RecordGroupKnowledgeBase      RecordGroupType = "SERVICENOWKB"
	RecordGroupServiceNowCategory RecordGroupType = "SERVICENOW_CATEGORY"
	RecordGroupSharedFolder       RecordGroupType = "SHARED_FOLDER"
)

// IndexingStatus tracks a record's progress through the indexing pipeline.
type IndexingStatus string

const (
	IndexingNotStarted   IndexingStatus = "NOT_STARTED"
	IndexingInProgress   IndexingStatus = "IN_PROGRESS"
	IndexingCompleted    IndexingStatus = "COMPLETED"
	IndexingFailed       IndexingStatus = "FAILED"
	IndexingAutoIndexOff IndexingStatus = "AUTO_INDEX_OFF"
)

// LinkVisibility classifies whether a linked URL is publicly reachable.
type LinkVisibility string

const (
	LinkPublic  LinkVisibility = "PUBLIC"
	LinkPrivate LinkVisibility = "PRIVATE"
	LinkUnknown LinkVisibility = "UNKNOWN"
)

// Base carries the fields every synced entity shares. Engine timestamps
// and source timestamps are epoch milliseconds.
type Base struct {
	ID               string `json:"id"`
	OrgID            string `json:"org_id"`
	ConnectorID      string `json:"connector_id"`
	ConnectorName    string `json:"connector_name"`
	ExternalRecordID string `json:"external_record_id"`
	Version          int64  `json:"version"`
	CreatedAtMs      int64  `json:"created_at"`
	UpdatedAtMs      int64  `json:"updated_at"`
	SourceCreatedAt  int64  `json:"source_created_at"`
	SourceUpdatedAt  int64  `json:"source_updated_at"`
}

// AppUser is a user discovered in a source system. Users are never
// hard-deleted while a permission edge still references them; removal
// events only flip IsActive.
type AppUser struct {
	Base
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	SourceUserID string `json:"source_user_id"`
	IsActive     bool   `json:"is_active"`
	Title        string `json:"title,omitempty"`
}

// AppUserGroup is a collection of users within a connector. Roles,
// organizational units and teams all map onto this type; implementations
// distinguish them by a prefix in Name (ROLE_, COMPANY_, ...).
type AppUserGroup struct {
	Base
	SourceUserGroupID string `json:"source_user_group_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	ParentExternalID  string `json:"parent_external_id,omitempty"`
}

// RecordGroup is a container of records: a drive, a team folder, a
// mailbox label, a knowledge base, a ticket project.
type RecordGroup struct {
	Base
	ExternalGroupID       string          `json:"external_group_id"`
	Name                  string          `json:"name"`
	ShortName             string          `json:"short_name,omitempty"`
	GroupType             RecordGroupType `json:"group_type"`
	ParentExternalGroupID string          `json:"parent_external_group_id,omitempty"`
	WebURL                string          `json:"web_url,omitempty"`
	InheritPermissions    bool            `json:"inherit_permissions"`
}

// Record is the polymorphic synced item. Exactly one of the subtype
// payload pointers is non-nil, matching RecordType.
type Record struct {
	Base
	RecordName            string          `json:"record_name"`
	RecordType            RecordType      `json:"record_type"`
	RecordGroupType       RecordGroupType `json:"record_group_type"`
	ExternalRecordGroupID string          `json:"external_record_group_id"`
	ParentExternalID      string          `json:"parent_external_record_id,omitempty"`
	ParentRecordType      RecordType      `json:"parent_record_type,omitempty"`
	MimeType              string          `json:"mime_type,omitempty"`
	WebURL                string          `json:"weburl,omitempty"`
	PreviewRenderable     bool            `json:"preview_renderable"`
	IsDependentNode       bool            `json:"is_dependent_node"`
	ParentNodeID          string          `json:"parent_node_id,omitempty"`
	InheritPermissions    bool            `json:"inherit_permissions"`
	IndexingStatus        IndexingStatus  `json:"indexing_status"`
	ExternalRevisionID    string          `json:"external_revision_id,omitempty"`

	File    *FileRecord    `json:"file,omitempty"`
	Mail    *MailRecord    `json:"mail,omitempty"`
	Ticket  *TicketRecord  `json:"ticket,omitempty"`
	Comment *CommentRecord `json:"comment,omitempty"`
	Link    *LinkRecord    `json:"link,omitempty"`
	Webpage *WebpageRecord `json:"webpage,omitempty"`
}

// FileRecord holds the FILE subtype payload.
type FileRecord struct {
	SizeInBytes int64  `json:"size_in_bytes"`
	Extension   string `json:"extension,omitempty"`
	IsFile      bool   `json:"is_file"`
	SHA256Hash  string `json:"sha256_hash,omitempty"`
	SignedURL   string `json:"signed_url,omitempty"`
	Path        string `json:"path,omitempty"`
}

// MailRecord holds the MAIL subtype payload.
type MailRecord struct {
	ThreadID          string   `json:"thread_id"`
	LabelIDs          []string `json:"label_ids,omitempty"`
	Subject           string   `json:"subject"`
	FromEmail         string   `json:"from_email"`
	ToEmails          []string `json:"to_emails,omitempty"`
	CcEmails          []string `json:"cc_emails,omitempty"`
	BccEmails         []string `json:"bcc_emails,omitempty"`
	InternetMessageID string   `json:"internet_message_id,omitempty"`
}

// TicketRecord holds the TICKET subtype payload.
type TicketRecord struct {
	Status        string `json:"status"`
	Priority      string `json:"priority,omitempty"`
	Type          string `json:"type,omitempty"`
	Assignee      string `json:"assignee,omitempty"`
	AssigneeEmail string `json:"assignee_email,omitempty"`
	CreatorEmail  string `json:"creator_email,omitempty"`
	CreatorName   string `json:"creator_name,omitempty"`
}

// CommentRecord holds the COMMENT subtype payload.
type CommentRecord struct {
	AuthorSourceID string `json:"author_source_id"`
}

// LinkRecord holds the LINK subtype payload.
type LinkRecord struct {
	URL            string         `json:"url"`
	Title          string         `json:"title,omitempty"`
	IsPublic       LinkVisibility `json:"is_public"`
	LinkedRecordID string         `json:"linked_record_id,omitempty"`
}

// WebpageRecord holds the WEBPAGE subtype payload. Content is fetched at
// stream time, so there is nothing to persist beyond the header fields.
type WebpageRecord struct{}

// NowMs returns the current engine time in epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// NormalizeEmail lowercases and trims an email for identity comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
