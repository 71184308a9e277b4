package records

import (
	"strings"
	"time"
)

// SubjectType identifies the kind of subject a permission or role applies to.
type SubjectType string

const (
	SubjectUser SubjectType = "user"
	SubjectInst SubjectType = "inst"
	SubjectRole SubjectType = "role"
)

// ResourceKind identifies the kind of resource an action targets.
type ResourceKind string

const (
	ResourceData    ResourceKind = "data"
	ResourceFile    ResourceKind = "file"
	ResourceEvent   ResourceKind = "event"
	ResourceInst    ResourceKind = "inst"
	ResourceMarker  ResourceKind = "marker"
	ResourceRole    ResourceKind = "role"
	ResourceWebhook ResourceKind = "webhook"
	ResourcePackage ResourceKind = "package"
)

// ActionKind identifies an operation on a resource.
type ActionKind string

const (
	ActionCreate            ActionKind = "create"
	ActionRead              ActionKind = "read"
	ActionUpdate            ActionKind = "update"
	ActionDelete            ActionKind = "delete"
	ActionList              ActionKind = "list"
	ActionCount             ActionKind = "count"
	ActionIncrement         ActionKind = "increment"
	ActionUpdateData        ActionKind = "updateData"
	ActionSendAction        ActionKind = "sendAction"
	ActionSubscribe         ActionKind = "subscribe"
	ActionListSubscriptions ActionKind = "listSubscriptions"
	ActionRun               ActionKind = "run"
	ActionAssign            ActionKind = "assign"
	ActionUnassign          ActionKind = "unassign"
	ActionGrantPermission   ActionKind = "grantPermission"
	ActionRevokePermission  ActionKind = "revokePermission"
	ActionGrant             ActionKind = "grant"
	ActionRevoke            ActionKind = "revoke"
)

// Well-known markers. Resources carrying the public markers are reachable by
// any subject for the matching action set; the private marker is the default
// for newly created resources.
const (
	PublicReadMarker  = "publicRead"
	PublicWriteMarker = "publicWrite"
	PrivateMarker     = "private"
	AccountMarker     = "account"
)

// RootMarker reduces a marker to the substring before the first ":".
// Authorization always operates on root markers; "secret:tag" and "secret"
// are the same marker for permission purposes.
func RootMarker(marker string) string {
	if i := strings.IndexByte(marker, ':'); i >= 0 {
		return marker[:i]
	}
	return marker
}

// RootMarkers maps RootMarker over a marker list.
func RootMarkers(markers []string) []string {
	roots := make([]string, len(markers))
	for i, m := range markers {
		roots[i] = RootMarker(m)
	}
	return roots
}

// FormatInstID builds the canonical id for an inst that belongs to a record:
// "/recordName/instName". Insts that belong to no record format as
// "/instName".
func FormatInstID(recordName, inst string) string {
	if recordName == "" {
		return "/" + inst
	}
	return "/" + recordName + "/" + inst
}

// NormalizeInstID ensures an inst subject id carries the "/" prefix. Applied
// at every ingress point rather than embedded in comparisons.
func NormalizeInstID(id string) string {
	if strings.HasPrefix(id, "/") {
		return id
	}
	return "/" + id
}

// ParseInstID splits a normalized inst id into the record the inst belongs
// to and the inst name. ok is false when the id is not a well-formed inst
// id. Ids without a record segment parse with an empty recordName.
func ParseInstID(id string) (recordName, inst string, ok bool) {
	if !strings.HasPrefix(id, "/") {
		return "", "", false
	}
	rest := id[1:]
	if rest == "" {
		return "", "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:], true
	}
	return "", rest, true
}

// PermissionOptions carry per-grant enforcement parameters that downstream
// resource controllers apply after a successful authorization.
type PermissionOptions struct {
	// MaxFileSizeInBytes caps uploads authorized through this grant. Nil
	// means no cap.
	MaxFileSizeInBytes *int64 `json:"maxFileSizeInBytes,omitempty"`
}

// Equal reports whether two option sets are the same grant-for-grant.
// Granting with equal options is a no-op; differing options update the
// stored assignment in place.
func (o PermissionOptions) Equal(other PermissionOptions) bool {
	if (o.MaxFileSizeInBytes == nil) != (other.MaxFileSizeInBytes == nil) {
		return false
	}
	if o.MaxFileSizeInBytes != nil && *o.MaxFileSizeInBytes != *other.MaxFileSizeInBytes {
		return false
	}
	return true
}

// PermissionAssignment is a stored grant of an action to a subject, scoped
// either to a single resource id or to a single marker. Exactly one of
// ResourceID and Marker is set on stored assignments; synthetic assignments
// produced by the authorizer for ownership and role paths may set neither.
//
// A nil Action grants every action on the resource kind. An empty
// ResourceKind on a synthetic assignment grants every resource kind.
type PermissionAssignment struct {
	ID           string       `db:"id"`
	RecordName   string       `db:"record_name"`
	SubjectType  SubjectType  `db:"subject_type"`
	SubjectID    string       `db:"subject_id"`
	ResourceKind ResourceKind `db:"resource_kind"`
	// ResourceID scopes the grant to one resource. Mutually exclusive with
	// Marker.
	ResourceID string `db:"resource_id"`
	// Marker scopes the grant to every resource carrying the marker.
	Marker string `db:"marker"`
	// Action is the granted action; nil grants all actions.
	Action     *ActionKind       `db:"action"`
	Options    PermissionOptions `db:"-"`
	ExpireTime *time.Time        `db:"expire_time"`
}

// Expired reports whether the assignment is expired at now.
func (p *PermissionAssignment) Expired(now time.Time) bool {
	return p.ExpireTime != nil && !p.ExpireTime.After(now)
}

// Covers reports whether the assignment's action grants the requested
// action.
func (p *PermissionAssignment) Covers(action ActionKind) bool {
	return p.Action == nil || *p.Action == action
}
