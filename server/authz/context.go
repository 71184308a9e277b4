// Package authz implements the authorization decision engine: a per-request
// context snapshot, a subject authorizer encoding the rule precedence, and
// aggregation helpers for multi-subject and multi-resource checks.
//
// The engine never mutates state. It reads facts from the stores, decides,
// and explains the decision.
package authz

import (
	"context"

	"github.com/pkg/errors"

	"github.com/casual-simulation/casualos-sub006/server/recordkey"
	"github.com/casual-simulation/casualos-sub006/server/records"
)

// Context is an immutable per-request snapshot of the facts the authorizer
// needs. Build one per inbound request with Builder.BuildContext and discard
// it afterwards; nothing is cached across requests.
type Context struct {
	RecordName string

	// RecordKeyProvided is true when the context was built from a valid
	// record key.
	RecordKeyProvided  bool
	RecordKeyPolicy    records.PublicRecordKeyPolicy
	RecordKeyCreatorID string

	RecordOwnerID              *string
	RecordOwnerPrivacyFeatures records.PrivacyFeatures
	RecordStudioID             *string
	RecordStudioMembers        []*records.StudioAssignment

	UserID              *string
	UserPrivacyFeatures records.PrivacyFeatures
	UserRole            records.UserRole

	// SendNotLoggedIn controls whether a null user subject fails immediately
	// with not_logged_in or falls through to the permission checks.
	SendNotLoggedIn bool
}

// BuildContextRequest are the inputs for building an authorization context.
type BuildContextRequest struct {
	// RecordKeyOrRecordName is either a record-key string or a plain record
	// name; record keys are detected by parsing.
	RecordKeyOrRecordName string
	// UserID is the acting user, or nil when the request is anonymous.
	UserID *string
	// SendNotLoggedIn defaults to true when nil.
	SendNotLoggedIn *bool
}

// Builder resolves authorization contexts against the stores.
type Builder struct {
	store records.Datastore
	keys  *recordkey.Validator
}

// NewBuilder creates a context builder over the given store.
func NewBuilder(store records.Datastore) *Builder {
	return &Builder{
		store: store,
		keys:  recordkey.NewValidator(store),
	}
}

// BuildContext resolves the facts for a record-name-or-record-key plus an
// acting user.
//
// A missing record is not an error here: the context simply carries no owner
// or studio, which supports implicit personal records whose name equals a
// user id. Building fails on store errors and on invalid record keys.
func (b *Builder) BuildContext(ctx context.Context, req BuildContextRequest) (*Context, error) {
	azc := &Context{
		UserID:              req.UserID,
		UserPrivacyFeatures: records.RestrictivePrivacyFeatures(),
		UserRole:            records.RoleNone,
		SendNotLoggedIn:     req.SendNotLoggedIn == nil || *req.SendNotLoggedIn,
	}

	recordName := req.RecordKeyOrRecordName
	if recordkey.IsRecordKey(recordName) {
		result, err := b.keys.Validate(ctx, recordName)
		if err != nil {
			return nil, err
		}
		recordName = result.RecordName
		azc.RecordKeyProvided = true
		azc.RecordKeyPolicy = result.Policy
		azc.RecordKeyCreatorID = result.CreatorID
		if result.Policy == records.PolicySubjectless {
			// Subjectless keys explicitly permit anonymous subjects, so a
			// null user must fall through to the record-key check instead of
			// failing early.
			azc.SendNotLoggedIn = false
		}
	}
	azc.RecordName = recordName

	record, err := b.store.GetRecordByName(ctx, recordName)
	if err != nil {
		return nil, errors.Wrap(err, "get record")
	}

	azc.RecordOwnerPrivacyFeatures = records.PermissivePrivacyFeatures()
	switch {
	case record != nil && record.OwnerID != nil:
		azc.RecordOwnerID = record.OwnerID
		if err := b.loadOwnerPrivacy(ctx, azc, *record.OwnerID); err != nil {
			return nil, err
		}
	case record != nil && record.StudioID != nil:
		azc.RecordStudioID = record.StudioID
		members, err := b.store.ListStudioAssignments(ctx, *record.StudioID)
		if err != nil {
			return nil, errors.Wrap(err, "list studio assignments")
		}
		azc.RecordStudioMembers = members
	case record == nil:
		// The record name may be a user id, which makes the record an
		// implicit personal record owned by that user.
		owner, err := b.store.GetUserByID(ctx, recordName)
		if err != nil {
			return nil, errors.Wrap(err, "get implicit record owner")
		}
		if owner != nil {
			name := recordName
			azc.RecordOwnerID = &name
			if owner.PrivacyFeatures != nil {
				azc.RecordOwnerPrivacyFeatures = *owner.PrivacyFeatures
			}
		}
	}

	if req.UserID != nil {
		user, err := b.store.GetUserByID(ctx, *req.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "get acting user")
		}
		if user != nil {
			if user.Role == records.RoleModerator || user.Role == records.RoleSuperUser {
				azc.UserRole = user.Role
			}
			if user.PrivacyFeatures != nil {
				azc.UserPrivacyFeatures = *user.PrivacyFeatures
			}
		}
	}

	return azc, nil
}

func (b *Builder) loadOwnerPrivacy(ctx context.Context, azc *Context, ownerID string) error {
	owner, err := b.store.GetUserByID(ctx, ownerID)
	if err != nil {
		return errors.Wrap(err, "get record owner")
	}
	if owner != nil && owner.PrivacyFeatures != nil {
		azc.RecordOwnerPrivacyFeatures = *owner.PrivacyFeatures
	}
	return nil
}

// UserIsOwner reports whether the acting user owns the record, either by the
// stored owner id or by the record name matching the user id.
func (c *Context) UserIsOwner() bool {
	if c.UserID == nil {
		return false
	}
	if c.RecordOwnerID != nil && *c.UserID == *c.RecordOwnerID {
		return true
	}
	return *c.UserID == c.RecordName
}
