package service

import (
	"context"
	"time"

	"github.com/casual-simulation/casualos-sub006/server/authz"
	"github.com/casual-simulation/casualos-sub006/server/records"
)

// GrantMarkerPermissionRequest grants an action on a marker to a subject.
type GrantMarkerPermissionRequest struct {
	RecordKeyOrRecordName string
	// UserID is the acting user performing the grant, nil when anonymous.
	UserID *string
	// Instances are the inst clients acting alongside the user; each must
	// be authorized to grant permissions too.
	Instances []string

	SubjectType  records.SubjectType
	SubjectID    string
	ResourceKind records.ResourceKind
	Marker       string
	// Action is nil to grant every action.
	Action     *records.ActionKind
	Options    records.PermissionOptions
	ExpireTime *time.Time
}

// GrantMarkerPermission grants a marker-scoped permission. The grant is an
// idempotent upsert: re-granting identical options is a no-op, differing
// options update the stored assignment in place.
func (svc *Service) GrantMarkerPermission(ctx context.Context, req GrantMarkerPermissionRequest) (p *records.PermissionAssignment, err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return nil, err
	}

	marker := records.RootMarker(req.Marker)
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceMarker,
			Action:       records.ActionGrantPermission,
			Markers:      []string{marker},
		}},
	}); err != nil {
		return nil, err
	}

	assignment := &records.PermissionAssignment{
		RecordName:   azc.RecordName,
		SubjectType:  req.SubjectType,
		SubjectID:    normalizeSubjectID(req.SubjectType, req.SubjectID),
		ResourceKind: req.ResourceKind,
		Marker:       marker,
		Action:       req.Action,
		Options:      req.Options,
		ExpireTime:   req.ExpireTime,
	}
	stored, err := svc.ds.AssignPermissionToSubjectAndMarker(ctx, assignment)
	if err != nil {
		return nil, err
	}
	svc.logger.Log(
		"msg", "granted marker permission",
		"record", azc.RecordName,
		"marker", marker,
		"assignment", stored.ID,
	)
	return stored, nil
}

// GrantResourcePermissionRequest grants an action on a single resource to a
// subject.
type GrantResourcePermissionRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string

	SubjectType  records.SubjectType
	SubjectID    string
	ResourceKind records.ResourceKind
	ResourceID   string
	Action       *records.ActionKind
	Options      records.PermissionOptions
	ExpireTime   *time.Time
}

// GrantResourcePermission grants a resource-scoped permission with the same
// upsert semantics as GrantMarkerPermission.
func (svc *Service) GrantResourcePermission(ctx context.Context, req GrantResourcePermissionRequest) (p *records.PermissionAssignment, err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return nil, err
	}

	resourceID := req.ResourceID
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceMarker,
			Action:       records.ActionGrantPermission,
			ResourceID:   &resourceID,
		}},
	}); err != nil {
		return nil, err
	}

	assignment := &records.PermissionAssignment{
		RecordName:   azc.RecordName,
		SubjectType:  req.SubjectType,
		SubjectID:    normalizeSubjectID(req.SubjectType, req.SubjectID),
		ResourceKind: req.ResourceKind,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Options:      req.Options,
		ExpireTime:   req.ExpireTime,
	}
	stored, err := svc.ds.AssignPermissionToSubjectAndResource(ctx, assignment)
	if err != nil {
		return nil, err
	}
	svc.logger.Log(
		"msg", "granted resource permission",
		"record", azc.RecordName,
		"resourceId", req.ResourceID,
		"assignment", stored.ID,
	)
	return stored, nil
}

// RevokePermissionRequest revokes a stored assignment by id.
type RevokePermissionRequest struct {
	PermissionID string
	UserID       *string
	Instances    []string
}

// RevokePermission deletes a permission assignment. A nonexistent id fails
// with permission_not_found.
func (svc *Service) RevokePermission(ctx context.Context, req RevokePermissionRequest) (err error) {
	defer normalize(&err)

	assignment, isMarker, err := svc.findAssignment(ctx, req.PermissionID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return &records.PermissionNotFoundError{ID: req.PermissionID}
	}

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: assignment.RecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return err
	}

	resource := authz.ResourceRequest{
		ResourceKind: records.ResourceMarker,
		Action:       records.ActionRevokePermission,
	}
	if isMarker {
		resource.Markers = []string{assignment.Marker}
	} else {
		resourceID := assignment.ResourceID
		resource.ResourceID = &resourceID
	}
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{resource},
	}); err != nil {
		return err
	}

	if isMarker {
		err = svc.ds.DeleteMarkerPermissionAssignmentByID(ctx, req.PermissionID)
	} else {
		err = svc.ds.DeleteResourcePermissionAssignmentByID(ctx, req.PermissionID)
	}
	if err != nil {
		return err
	}
	svc.logger.Log(
		"msg", "revoked permission",
		"record", assignment.RecordName,
		"assignment", req.PermissionID,
	)
	return nil
}

func (svc *Service) findAssignment(ctx context.Context, id string) (*records.PermissionAssignment, bool, error) {
	p, err := svc.ds.GetMarkerPermissionAssignmentByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if p != nil {
		return p, true, nil
	}
	p, err = svc.ds.GetResourcePermissionAssignmentByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// ListPermissionsRequest pages through every assignment in a record.
type ListPermissionsRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string
	// StartingID is the exclusive cursor; empty starts from the beginning.
	StartingID string
}

// ListPermissions lists a page of the record's permission assignments.
// Returns not_supported when the configured store cannot enumerate
// assignments.
func (svc *Service) ListPermissions(ctx context.Context, req ListPermissionsRequest) (page []*records.PermissionAssignment, err error) {
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
			ResourceKind: records.ResourceMarker,
			Action:       records.ActionList,
			Markers:      []string{records.AccountMarker},
		}},
	}); err != nil {
		return nil, err
	}

	return svc.lister.ListPermissions(ctx, azc.RecordName, req.StartingID)
}

// ListPermissionsForMarkerRequest pages through a marker's assignments.
type ListPermissionsForMarkerRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string
	Marker                string
	StartingID            string
}

// ListPermissionsForMarker lists a page of the marker's assignments.
func (svc *Service) ListPermissionsForMarker(ctx context.Context, req ListPermissionsForMarkerRequest) (page []*records.PermissionAssignment, err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return nil, err
	}
	marker := records.RootMarker(req.Marker)
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceMarker,
			Action:       records.ActionRead,
			Markers:      []string{marker},
		}},
	}); err != nil {
		return nil, err
	}

	return svc.ds.ListPermissionsForMarker(ctx, azc.RecordName, marker, req.StartingID)
}

// ListPermissionsForResourceRequest pages through a resource's assignments.
type ListPermissionsForResourceRequest struct {
	RecordKeyOrRecordName string
	UserID                *string
	Instances             []string
	ResourceKind          records.ResourceKind
	ResourceID            string
	StartingID            string
}

// ListPermissionsForResource lists a page of the resource's assignments.
func (svc *Service) ListPermissionsForResource(ctx context.Context, req ListPermissionsForResourceRequest) (page []*records.PermissionAssignment, err error) {
	defer normalize(&err)

	azc, err := svc.builder.BuildContext(ctx, authz.BuildContextRequest{
		RecordKeyOrRecordName: req.RecordKeyOrRecordName,
		UserID:                req.UserID,
	})
	if err != nil {
		return nil, err
	}
	resourceID := req.ResourceID
	if _, err := svc.authorizer.AuthorizeUserAndInstancesForResources(ctx, azc, authz.UserAndInstancesRequest{
		UserID:    req.UserID,
		Instances: req.Instances,
		Resources: []authz.ResourceRequest{{
			ResourceKind: records.ResourceMarker,
			Action:       records.ActionRead,
			ResourceID:   &resourceID,
		}},
	}); err != nil {
		return nil, err
	}

	return svc.ds.ListPermissionsForResource(ctx, azc.RecordName, req.ResourceKind, req.ResourceID, req.StartingID)
}

func normalizeSubjectID(subjectType records.SubjectType, subjectID string) string {
	if subjectType == records.SubjectInst {
		return records.NormalizeInstID(subjectID)
	}
	return subjectID
}
