// Package records holds the domain types, store contracts and error taxonomy
// for the records authorization engine.
package records

import "time"

// Record is a named, owned container for data, files, events and insts.
// Exactly one of OwnerID or StudioID is set. The record name is its immutable
// identity; ownership may be reassigned by external administrative
// operations, never by the authorizer.
type Record struct {
	Name    string  `db:"name"`
	OwnerID *string `db:"owner_id"`
	// StudioID is set when the record belongs to a studio instead of an
	// individual user.
	StudioID *string `db:"studio_id"`
	// SecretHashes are the hashes of the legacy record-level secrets. A
	// presented record key whose hashed secret matches any of these is valid
	// with an implicit subjectfull policy.
	SecretHashes []string `db:"-"`
	// SecretSalt is the salt used to hash every secret issued for this
	// record.
	SecretSalt string `db:"secret_salt"`
}

// PublicRecordKeyPolicy determines whether a record key requires an
// accompanying user id.
type PublicRecordKeyPolicy string

const (
	// PolicySubjectfull keys require a logged-in user.
	PolicySubjectfull PublicRecordKeyPolicy = "subjectfull"
	// PolicySubjectless keys grant access without a user session.
	PolicySubjectless PublicRecordKeyPolicy = "subjectless"
)

// RecordKey is an issued bearer credential for a record. Multiple keys may
// exist per record, each with its own declared policy.
type RecordKey struct {
	RecordName string                `db:"record_name"`
	SecretHash string                `db:"secret_hash"`
	Policy     PublicRecordKeyPolicy `db:"policy"`
	CreatorID  string                `db:"creator_id"`
}

// Studio is a multi-user organizational owner of records.
type Studio struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// StudioRole is the role a user holds within a studio.
type StudioRole string

const (
	StudioRoleAdmin  StudioRole = "admin"
	StudioRoleMember StudioRole = "member"
)

// StudioAssignment links a user to a studio with a role.
type StudioAssignment struct {
	StudioID         string     `db:"studio_id"`
	UserID           string     `db:"user_id"`
	Role             StudioRole `db:"role"`
	IsPrimaryContact bool       `db:"is_primary_contact"`
}

// UserRole is the platform-wide role stored on a user record.
type UserRole string

const (
	RoleNone      UserRole = "none"
	RoleModerator UserRole = "moderator"
	RoleSuperUser UserRole = "superUser"
)

// PrivacyFeatures are per-user boolean flags gating whether public markers,
// public insts, AI features and data publishing are usable at all.
type PrivacyFeatures struct {
	AllowAI          bool `db:"allow_ai"`
	AllowPublicData  bool `db:"allow_public_data"`
	AllowPublicInsts bool `db:"allow_public_insts"`
	PublishData      bool `db:"publish_data"`
}

// PermissivePrivacyFeatures is the default for record owners that have no
// stored flags.
func PermissivePrivacyFeatures() PrivacyFeatures {
	return PrivacyFeatures{
		AllowAI:          true,
		AllowPublicData:  true,
		AllowPublicInsts: true,
		PublishData:      true,
	}
}

// RestrictivePrivacyFeatures is the fail-closed default for acting users that
// have no stored flags.
func RestrictivePrivacyFeatures() PrivacyFeatures {
	return PrivacyFeatures{}
}

// User is the slice of a user record that the authorizer needs: its
// platform-wide role and privacy flags. Nil PrivacyFeatures means the user
// never configured them and the caller applies the appropriate default.
type User struct {
	ID              string           `db:"id"`
	Role            UserRole         `db:"role"`
	PrivacyFeatures *PrivacyFeatures `db:"-"`
}

// AssignedRole is a role held by a subject for a record. A nil ExpireTime
// means the role never expires; expiry times in the past exclude the role
// from the subject's effective role set.
type AssignedRole struct {
	Role       string     `db:"role"`
	ExpireTime *time.Time `db:"expire_time"`
}

// Expired reports whether the role assignment is expired at now.
func (r AssignedRole) Expired(now time.Time) bool {
	return r.ExpireTime != nil && !r.ExpireTime.After(now)
}

// AdminRole is the reserved role name that grants full access to a record.
const AdminRole = "admin"
