package service

import (
	"context"
	"time"

	"github.com/casual-simulation/casualos-sub006/server/authz"
	"github.com/casual-simulation/casualos-sub006/server/records"
)

// GrantRoleRequest grants a role to a user or inst subject.
type GrantRoleRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string

	SubjectType records.SubjectType
	SubjectID   string
	Role        string
	// ExpireTime is nil for roles that never expire.
	ExpireTime *time.Time
}

// GrantRole assigns a role, updating the expiry in place when the subject
// already holds it.
func (svc *Service) GrantRole(ctx context.Context, req GrantRoleRequest) (err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return err
	}
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceRole,
			Action:       records.ActionGrant,
			Markers:      []string{records.AccountMarker},
		}},
	}); err != nil {
		return err
	}

	role := records.AssignedRole{Role: req.Role, ExpireTime: normalizeExpiry(req.ExpireTime)}
	err = svc.ds.AssignSubjectRole(ctx, azc.RecordName, req.SubjectType, normalizeSubjectID(req.SubjectType, req.SubjectID), role)
	if err != nil {
		return err
	}
	svc.logger.Log(
		"msg", "granted role",
		"record", azc.RecordName,
		"role", req.Role,
		"subject", req.SubjectID,
	)
	return nil
}

// RevokeRoleRequest revokes a role from a subject.
type RevokeRoleRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string

	SubjectType records.SubjectType
	SubjectID   string
	Role        string
}

// RevokeRole removes a role assignment. Revoking a role the subject does
// not hold is a no-op.
func (svc *Service) RevokeRole(ctx context.Context, req RevokeRoleRequest) (err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return err
	}
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceRole,
			Action:       records.ActionRevoke,
			Markers:      []string{records.AccountMarker},
		}},
	}); err != nil {
		return err
	}

	err = svc.ds.RevokeSubjectRole(ctx, azc.RecordName, req.SubjectType, normalizeSubjectID(req.SubjectType, req.SubjectID), req.Role)
	if err != nil {
		return err
	}
	svc.logger.Log(
		"msg", "revoked role",
		"record", azc.RecordName,
		"role", req.Role,
		"subject", req.SubjectID,
	)
	return nil
}

// ListSubjectRolesRequest lists a subject's effective roles for a record.
type ListSubjectRolesRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string

	SubjectType records.SubjectType
	SubjectID   string
}

// ListSubjectRoles returns the subject's effective (unexpired) roles.
func (svc *Service) ListSubjectRoles(ctx context.Context, req ListSubjectRolesRequest) (roles []records.AssignedRole, err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceRole,
			Action:       records.ActionRead,
			Markers:      []string{records.AccountMarker},
		}},
	}); err != nil {
		return nil, err
	}

	now := svc.clock.Now()
	switch req.SubjectType {
	case records.SubjectInst:
		return svc.ds.ListRolesForInst(ctx, azc.RecordName, records.NormalizeInstID(req.SubjectID), now)
	default:
		return svc.ds.ListRolesForUser(ctx, azc.RecordName, req.SubjectID, now)
	}
}

// ListRoleAssignmentsRequest pages through the subjects holding a role.
type ListRoleAssignmentsRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string

	Role string
	// StartingSubjectID is the exclusive cursor; empty starts from the
	// beginning.
	StartingSubjectID string
}

// ListRoleAssignments lists a page of the role's assignments. Returns
// not_supported when the configured store cannot enumerate assignments.
func (svc *Service) ListRoleAssignments(ctx context.Context, req ListRoleAssignmentsRequest) (page []*records.RoleAssignment, err error) {
	defer normalize(&err)

	if svc.lister == nil {
		return nil, &records.NotSupportedError{Capability: "assignment listing"}
	}

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceRole,
			Action:       records.ActionList,
			Markers:      []string{records.AccountMarker},
		}},
	}); err != nil {
		return nil, err
	}

	return svc.lister.ListAssignmentsForRole(ctx, azc.RecordName, req.Role, req.StartingSubjectID)
}

// normalizeExpiry maps unset expiry times to nil ("never expires") at
// storage time.
func normalizeExpiry(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}
