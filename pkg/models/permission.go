package models

// ResourceKind identifies what a permission edge points at.
type ResourceKind string

const (
	ResourceRecord      ResourceKind = "RECORD"
	ResourceRecordGroup ResourceKind = "RECORD_GROUP"
)

// Permission is an edge from a USER/GROUP/ORG entity to a record or
// record group.
type Permission struct {
	ID         string         `json:"id,omitempty"`
	EntityType EntityType     `json:"entity_type"`
	Email      string         `json:"email,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Type       PermissionType `json:"type"`
}

// PermissionKey is the identity of a permission edge. Equality of
// permission sets is defined over these keys; ordering and insertion
// time are irrelevant.
type PermissionKey struct {
	EntityType EntityType
	Subject    string
	Type       PermissionType
}

// Key returns the set-identity of the permission. The subject is the
// source external id when present, otherwise the normalized email.
func (p Permission) Key() PermissionKey {
	subject := p.ExternalID
	if subject == "" {
		subject = NormalizeEmail(p.Email)
	}
	return PermissionKey{EntityType: p.EntityType, Subject: subject, Type: p.Type}
}

// PermissionsEqual reports whether two permission sets grant the same
// access, ignoring order and duplicates.
func PermissionsEqual(a, b []Permission) bool {
	aSet := make(map[PermissionKey]struct{}, len(a))
	for _, p := range a {
		aSet[p.Key()] = struct{}{}
	}
	bSet := make(map[PermissionKey]struct{}, len(b))
	for _, p := range b {
		bSet[p.Key()] = struct{}{}
	}
	if len(aSet) != len(bSet) {
		return false
	}
	for k := range aSet {
		if _, ok := bSet[k]; !ok {
			return false
		}
	}
	return true
}

// PermissionDiff is the edge-by-edge difference between two permission
// sets.
type PermissionDiff struct {
	Added   []Permission
	Removed []Permission
}

// DiffPermissions computes the edges present in want but not in have
// (Added) and present in have but not in want (Removed).
func DiffPermissions(have, want []Permission) PermissionDiff {
	haveSet := make(map[PermissionKey]Permission, len(have))
	for _, p := range have {
		haveSet[p.Key()] = p
	}
	wantSet := make(map[PermissionKey]Permission, len(want))
	for _, p := range want {
		wantSet[p.Key()] = p
	}

	var diff PermissionDiff
	for k, p := range wantSet {
		if _, ok := haveSet[k]; !ok {
			diff.Added = append(diff.Added, p)
		}
	}
	for k, p := range haveSet {
		if _, ok := wantSet[k]; !ok {
			diff.Removed = append(diff.Removed, p)
		}
	}
	return diff
}
