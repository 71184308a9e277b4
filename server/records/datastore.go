package records

import (
	"context"
	"time"
)

// PermissionsPageSize is the fixed page size for paginated permission and
// role-assignment listings.
const PermissionsPageSize = 10

// MetadataStore persists records, record keys, studios and users. Lookups
// return (nil, nil) when the row does not exist; absence is a normal answer
// for the authorizer, not an error.
type MetadataStore interface {
	GetRecordByName(ctx context.Context, name string) (*Record, error)
	// GetRecordKeys returns every issued key for the record.
	GetRecordKeys(ctx context.Context, recordName string) ([]*RecordKey, error)
	GetStudioByID(ctx context.Context, id string) (*Studio, error)
	ListStudioAssignments(ctx context.Context, studioID string) ([]*StudioAssignment, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
}

// PolicyStore persists role memberships and permission assignments.
//
// Point lookups (GetMarkerPermission, GetResourcePermission) match a stored
// assignment whose action equals the requested action or is nil ("all
// actions"), and return (nil, nil) when no assignment exists. Expiry is the
// caller's concern.
type PolicyStore interface {
	// ListRolesForUser returns the user's effective roles for the record:
	// the static role set merged with unexpired role assignments, sorted by
	// role name.
	ListRolesForUser(ctx context.Context, recordName, userID string, now time.Time) ([]AssignedRole, error)
	// ListRolesForInst is ListRolesForUser for a normalized inst id.
	ListRolesForInst(ctx context.Context, recordName, instID string, now time.Time) ([]AssignedRole, error)
	// AssignSubjectRole grants a role, updating the expiry in place if the
	// subject already holds it.
	AssignSubjectRole(ctx context.Context, recordName string, subjectType SubjectType, subjectID string, role AssignedRole) error
	// RevokeSubjectRole removes a role. Revoking a role the subject does not
	// hold is a no-op.
	RevokeSubjectRole(ctx context.Context, recordName string, subjectType SubjectType, subjectID, role string) error

	// AssignPermissionToSubjectAndMarker upserts a marker-scoped grant keyed
	// by (subjectType, subjectID, resourceKind, marker, action). Granting
	// identical options is a no-op; differing options update the stored row.
	// The stored row is returned either way. The upsert is atomic.
	AssignPermissionToSubjectAndMarker(ctx context.Context, p *PermissionAssignment) (*PermissionAssignment, error)
	// AssignPermissionToSubjectAndResource is the resource-scoped variant,
	// keyed by (subjectType, subjectID, resourceKind, resourceID, action).
	AssignPermissionToSubjectAndResource(ctx context.Context, p *PermissionAssignment) (*PermissionAssignment, error)

	GetMarkerPermissionAssignmentByID(ctx context.Context, id string) (*PermissionAssignment, error)
	GetResourcePermissionAssignmentByID(ctx context.Context, id string) (*PermissionAssignment, error)
	DeleteMarkerPermissionAssignmentByID(ctx context.Context, id string) error
	DeleteResourcePermissionAssignmentByID(ctx context.Context, id string) error

	// GetMarkerPermission finds the assignment granting action on the marker
	// to the subject, preferring an exact action match over an all-actions
	// grant.
	GetMarkerPermission(ctx context.Context, recordName string, subjectType SubjectType, subjectID string, resourceKind ResourceKind, marker string, action ActionKind) (*PermissionAssignment, error)
	// GetResourcePermission is the resource-scoped variant.
	GetResourcePermission(ctx context.Context, recordName string, subjectType SubjectType, subjectID string, resourceKind ResourceKind, resourceID string, action ActionKind) (*PermissionAssignment, error)

	// ListPermissionsForMarker pages through marker-scoped assignments for
	// the marker, ordered by assignment id, starting after startingID.
	ListPermissionsForMarker(ctx context.Context, recordName, marker, startingID string) ([]*PermissionAssignment, error)
	// ListPermissionsForResource pages through resource-scoped assignments
	// for the resource, ordered by assignment id, starting after startingID.
	ListPermissionsForResource(ctx context.Context, recordName string, resourceKind ResourceKind, resourceID, startingID string) ([]*PermissionAssignment, error)
}

// AssignmentLister is an optional store capability for record-wide
// assignment listings. Backends that cannot enumerate assignments simply do
// not implement it; callers detect the capability once with a type assertion
// and surface NotSupportedError when it is absent.
type AssignmentLister interface {
	// ListPermissions pages through every assignment in the record, ordered
	// by assignment id, starting after startingID.
	ListPermissions(ctx context.Context, recordName, startingID string) ([]*PermissionAssignment, error)
	// ListPermissionsForSubject returns every assignment held directly by
	// the subject in the record.
	ListPermissionsForSubject(ctx context.Context, recordName string, subjectType SubjectType, subjectID string) ([]*PermissionAssignment, error)
	// ListAssignmentsForRole pages through role assignments for the named
	// role, ordered by subject id, starting after startingSubjectID.
	ListAssignmentsForRole(ctx context.Context, recordName, role, startingSubjectID string) ([]*RoleAssignment, error)
}

// RoleAssignment is a stored role membership row, surfaced by listing APIs.
type RoleAssignment struct {
	RecordName  string      `db:"record_name"`
	SubjectType SubjectType `db:"subject_type"`
	SubjectID   string      `db:"subject_id"`
	Role        string      `db:"role"`
	ExpireTime  *time.Time  `db:"expire_time"`
}

// LegacyPolicyStore is an optional capability for the legacy policy-document
// path. Permission assignments supersede policy documents, but default
// documents are still consulted for markers that have no explicit grant.
type LegacyPolicyStore interface {
	// GetUserPolicy returns the user-defined policy document for the marker,
	// or (nil, nil) when none exists.
	GetUserPolicy(ctx context.Context, recordName, marker string) (*PolicyDocument, error)
	// ListPoliciesForMarker returns the policy documents that apply to the
	// marker, including the applicable default documents.
	ListPoliciesForMarker(ctx context.Context, recordName, marker string) ([]*PolicyDocument, error)
}

// Datastore combines every store contract the engine consumes.
type Datastore interface {
	MetadataStore
	PolicyStore
}
