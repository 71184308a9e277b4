package authz

import (
	"context"
	"fmt"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"

	"github.com/casual-simulation/casualos-sub006/server/records"
)

// everyoneRole is the synthetic subject used for public-marker allows.
const everyoneRole = "everyone"

// Request is a single authorization question: may this subject perform this
// action on this resource or marker set?
type Request struct {
	SubjectType records.SubjectType
	// SubjectID is nil for anonymous user subjects.
	SubjectID    *string
	ResourceKind records.ResourceKind
	Action       records.ActionKind
	// ResourceID is nil for marker-scoped (list-style) actions.
	ResourceID *string
	Markers    []string
}

// Authorization is a successful decision. Permission mirrors the assignment
// shape that justified the decision: the stored row for grant paths, a
// synthetic assignment for ownership and role paths. Downstream controllers
// enforce Permission.Options.
type Authorization struct {
	RecordName  string
	SubjectType records.SubjectType
	SubjectID   string
	Permission  *records.PermissionAssignment
	Explanation string
}

// Authorizer decides authorization requests against a context snapshot. It
// is purely functional over its inputs and store reads; checks are issued in
// precedence order and short-circuit on the first match.
type Authorizer struct {
	store records.Datastore
	clock clock.Clock
}

// NewAuthorizer creates an Authorizer over the given store and clock.
func NewAuthorizer(store records.Datastore, c clock.Clock) *Authorizer {
	return &Authorizer{store: store, clock: c}
}

// AuthorizeSubject runs the precedence chain for a single request. It
// returns the allow with its explanation, or a typed denial
// (NotLoggedInError, NotAuthorizedError). Store faults surface as wrapped
// errors for the caller to normalize.
func (a *Authorizer) AuthorizeSubject(ctx context.Context, azc *Context, req Request) (*Authorization, error) {
	if req.SubjectType == records.SubjectInst && req.SubjectID != nil {
		id := records.NormalizeInstID(*req.SubjectID)
		req.SubjectID = &id
	}
	markers := records.RootMarkers(req.Markers)

	// A user subject with no id is not logged in. With sendNotLoggedIn
	// disabled the request falls through to the permission checks instead,
	// where it normally ends as not_authorized.
	if req.SubjectType == records.SubjectUser && req.SubjectID == nil && azc.SendNotLoggedIn {
		return nil, &records.NotLoggedInError{}
	}

	// Marker-scoped actions target exactly one marker.
	if req.ResourceID == nil && len(markers) > 1 {
		return nil, records.NewTooManyMarkersError()
	}

	if err := a.checkPrivacyFeatures(azc, req, markers); err != nil {
		return nil, err
	}

	if az := a.authorizeOwner(azc, req, markers); az != nil {
		return az, nil
	}
	if az := a.authorizeStudioAdmin(azc, req); az != nil {
		return az, nil
	}

	roles, err := a.listSubjectRoles(ctx, azc.RecordName, req.SubjectType, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if az := a.authorizeAdminRole(azc, req, roles); az != nil {
		return az, nil
	}
	if az := a.authorizeSuperUserOrModerator(azc, req); az != nil {
		return az, nil
	}

	if az, err := a.authorizeResourceGrant(ctx, azc, req, roles); err != nil || az != nil {
		return az, err
	}
	if az, err := a.authorizeMarkerGrant(ctx, azc, req, markers, roles); err != nil || az != nil {
		return az, err
	}

	if az, err := a.authorizeRecordKey(azc, req); err != nil || az != nil {
		return az, err
	}
	if az := a.authorizeStudioMember(azc, req, markers); az != nil {
		return az, nil
	}
	if az, err := a.authorizeInstChain(ctx, azc, req, markers); err != nil || az != nil {
		return az, err
	}
	if az := a.authorizePublicMarkers(azc, req, markers); az != nil {
		return az, nil
	}

	return nil, records.NewMissingPermissionError(
		azc.RecordName, req.SubjectType, subjectID(req), req.ResourceKind,
		req.Action, derefOrEmpty(req.ResourceID),
	)
}

// checkPrivacyFeatures enforces the acting user's and the record owner's
// privacy flags before any grant can apply. User-side flags are only checked
// when a user id is present so that anonymous access to public resources
// stays possible.
func (a *Authorizer) checkPrivacyFeatures(azc *Context, req Request, markers []string) error {
	owner := azc.RecordOwnerPrivacyFeatures
	isOwner := azc.UserIsOwner()

	if req.ResourceKind == records.ResourceData && hasPublicMarker(markers) {
		if writeActions.contains(req.Action) && !owner.PublishData {
			return records.NewDisabledPrivacyFeatureError("publishData")
		}
		if !isOwner {
			if !owner.AllowPublicData {
				return records.NewDisabledPrivacyFeatureError("allowPublicData")
			}
			if azc.UserID != nil && !azc.UserPrivacyFeatures.AllowPublicData {
				return records.NewDisabledPrivacyFeatureError("allowPublicData")
			}
		}
	}

	if req.ResourceKind == records.ResourceInst && !isOwner {
		if !owner.AllowPublicInsts {
			return records.NewDisabledPrivacyFeatureError("allowPublicInsts")
		}
		if azc.UserID != nil && !azc.UserPrivacyFeatures.AllowPublicInsts {
			return records.NewDisabledPrivacyFeatureError("allowPublicInsts")
		}
	}

	return nil
}

func (a *Authorizer) authorizeOwner(azc *Context, req Request, markers []string) *Authorization {
	if req.SubjectType != records.SubjectUser || req.SubjectID == nil {
		return nil
	}
	id := *req.SubjectID
	owns := (azc.RecordOwnerID != nil && id == *azc.RecordOwnerID) || id == azc.RecordName
	if !owns {
		return nil
	}
	return a.allow(azc, req, syntheticAdminAssignment(azc.RecordName, firstMarker(markers)),
		"User is the owner of the record.")
}

func (a *Authorizer) authorizeStudioAdmin(azc *Context, req Request) *Authorization {
	if azc.RecordStudioID == nil || req.SubjectType != records.SubjectUser || req.SubjectID == nil {
		return nil
	}
	for _, m := range azc.RecordStudioMembers {
		if m.UserID == *req.SubjectID && m.Role == records.StudioRoleAdmin {
			return a.allow(azc, req, syntheticAdminAssignment(azc.RecordName, ""),
				"User is an admin in the record's studio.")
		}
	}
	return nil
}

func (a *Authorizer) authorizeAdminRole(azc *Context, req Request, roles []records.AssignedRole) *Authorization {
	if hasRole(roles, records.AdminRole) {
		explanation := "User has the admin role."
		if req.SubjectType == records.SubjectInst {
			explanation = "Inst has the admin role."
		}
		return a.allow(azc, req, syntheticAdminAssignment(azc.RecordName, ""), explanation)
	}
	if req.SubjectType == records.SubjectRole && req.SubjectID != nil && *req.SubjectID == records.AdminRole {
		return a.allow(azc, req, syntheticAdminAssignment(azc.RecordName, ""),
			"Subject is the admin role.")
	}
	return nil
}

func (a *Authorizer) authorizeSuperUserOrModerator(azc *Context, req Request) *Authorization {
	switch azc.UserRole {
	case records.RoleSuperUser:
		return a.allow(azc, req, syntheticAdminAssignment(azc.RecordName, ""),
			"User is a superUser.")
	case records.RoleModerator:
		if moderatorActions.contains(req.Action) {
			return a.allow(azc, req, syntheticAdminAssignment(azc.RecordName, ""),
				"User is a moderator.")
		}
	}
	return nil
}

func (a *Authorizer) authorizeResourceGrant(ctx context.Context, azc *Context, req Request, roles []records.AssignedRole) (*Authorization, error) {
	if req.ResourceID == nil {
		return nil, nil
	}
	now := a.clock.Now()
	if req.SubjectID != nil {
		p, err := a.store.GetResourcePermission(ctx, azc.RecordName, req.SubjectType, *req.SubjectID, req.ResourceKind, *req.ResourceID, req.Action)
		if err != nil {
			return nil, errors.Wrap(err, "get resource permission")
		}
		if p != nil && !p.Expired(now) {
			return a.allow(azc, req, p,
				fmt.Sprintf("Subject has permission assignment %s.", p.ID)), nil
		}
	}
	for _, role := range roles {
		p, err := a.store.GetResourcePermission(ctx, azc.RecordName, records.SubjectRole, role.Role, req.ResourceKind, *req.ResourceID, req.Action)
		if err != nil {
			return nil, errors.Wrap(err, "get resource permission for role")
		}
		if p != nil && !p.Expired(now) {
			return a.allow(azc, req, p,
				fmt.Sprintf("Subject has permission assignment %s via role %q.", p.ID, role.Role)), nil
		}
	}
	return nil, nil
}

func (a *Authorizer) authorizeMarkerGrant(ctx context.Context, azc *Context, req Request, markers []string, roles []records.AssignedRole) (*Authorization, error) {
	now := a.clock.Now()
	for _, marker := range markers {
		if req.SubjectID != nil {
			p, err := a.store.GetMarkerPermission(ctx, azc.RecordName, req.SubjectType, *req.SubjectID, req.ResourceKind, marker, req.Action)
			if err != nil {
				return nil, errors.Wrap(err, "get marker permission")
			}
			if p != nil && !p.Expired(now) {
				return a.allow(azc, req, p,
					fmt.Sprintf("Subject has permission assignment %s.", p.ID)), nil
			}
		}
		for _, role := range roles {
			p, err := a.store.GetMarkerPermission(ctx, azc.RecordName, records.SubjectRole, role.Role, req.ResourceKind, marker, req.Action)
			if err != nil {
				return nil, errors.Wrap(err, "get marker permission for role")
			}
			if p != nil && !p.Expired(now) {
				return a.allow(azc, req, p,
					fmt.Sprintf("Subject has permission assignment %s via role %q.", p.ID, role.Role)), nil
			}
		}
	}
	return a.authorizeLegacyPolicies(ctx, azc, req, markers)
}

// authorizeLegacyPolicies consults the legacy policy-document path when the
// store still supports it and no explicit marker grant matched.
func (a *Authorizer) authorizeLegacyPolicies(ctx context.Context, azc *Context, req Request, markers []string) (*Authorization, error) {
	legacy, ok := a.store.(records.LegacyPolicyStore)
	if !ok {
		return nil, nil
	}
	for _, marker := range markers {
		if marker == records.PublicReadMarker || marker == records.PublicWriteMarker {
			// The public markers are decided by the dedicated public-marker
			// rule, not by their default policy documents.
			continue
		}
		docs, err := legacy.ListPoliciesForMarker(ctx, azc.RecordName, marker)
		if err != nil {
			return nil, errors.Wrap(err, "list policies for marker")
		}
		for _, doc := range docs {
			if doc.Permits(req.ResourceKind, req.Action) {
				return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectRole, everyoneRole, marker),
					fmt.Sprintf("Marker %q has a policy document that permits the action.", marker)), nil
			}
		}
	}
	return nil, nil
}

func (a *Authorizer) authorizeRecordKey(azc *Context, req Request) (*Authorization, error) {
	if !azc.RecordKeyProvided {
		return nil, nil
	}
	if !allowListed(recordKeyAllowList, req.ResourceKind, req.Action) {
		return nil, nil
	}
	if azc.RecordKeyPolicy == records.PolicySubjectfull &&
		req.SubjectType == records.SubjectUser && req.SubjectID == nil {
		return nil, &records.NotLoggedInError{}
	}
	p := syntheticAdminAssignment(azc.RecordName, "")
	p.ResourceKind = req.ResourceKind
	action := req.Action
	p.Action = &action
	return a.allow(azc, req, p, "Subject was granted access by a valid record key."), nil
}

func (a *Authorizer) authorizeStudioMember(azc *Context, req Request, markers []string) *Authorization {
	if azc.RecordStudioID == nil || req.SubjectType != records.SubjectUser || req.SubjectID == nil {
		return nil
	}
	if !memberAllowed(req.ResourceKind, req.Action, markers, req.ResourceID) {
		return nil
	}
	for _, m := range azc.RecordStudioMembers {
		if m.UserID == *req.SubjectID {
			return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectUser, *req.SubjectID, firstMarker(markers)),
				"User is a member of the record's studio.")
		}
	}
	return nil
}

// authorizeInstChain authorizes an inst transitively through the record its
// id names: the context record itself, a record owned by the same studio, or
// a record owned by the same user.
func (a *Authorizer) authorizeInstChain(ctx context.Context, azc *Context, req Request, markers []string) (*Authorization, error) {
	if req.SubjectType != records.SubjectInst || req.SubjectID == nil {
		return nil, nil
	}
	if !memberAllowed(req.ResourceKind, req.Action, markers, req.ResourceID) {
		return nil, nil
	}
	instRecordName, _, ok := records.ParseInstID(*req.SubjectID)
	if !ok || instRecordName == "" {
		return nil, nil
	}
	if instRecordName == azc.RecordName {
		return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectInst, *req.SubjectID, firstMarker(markers)),
			fmt.Sprintf("Inst belongs to the record %q.", azc.RecordName)), nil
	}
	instRecord, err := a.store.GetRecordByName(ctx, instRecordName)
	if err != nil {
		return nil, errors.Wrap(err, "get inst record")
	}
	if instRecord == nil {
		return nil, nil
	}
	if instRecord.StudioID != nil && azc.RecordStudioID != nil && *instRecord.StudioID == *azc.RecordStudioID {
		return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectInst, *req.SubjectID, firstMarker(markers)),
			fmt.Sprintf("Inst belongs to a record owned by the same studio (%s).", *azc.RecordStudioID)), nil
	}
	if instRecord.OwnerID != nil && azc.RecordOwnerID != nil && *instRecord.OwnerID == *azc.RecordOwnerID {
		return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectInst, *req.SubjectID, firstMarker(markers)),
			fmt.Sprintf("Inst belongs to a record owned by the same user (%s).", *azc.RecordOwnerID)), nil
	}
	return nil, nil
}

func (a *Authorizer) authorizePublicMarkers(azc *Context, req Request, markers []string) *Authorization {
	for _, marker := range markers {
		switch {
		case marker == records.PublicReadMarker && publicReadActions.contains(req.Action):
			return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectRole, everyoneRole, marker),
				"Resource has the publicRead marker.")
		case marker == records.PublicWriteMarker && publicWriteActions.contains(req.Action):
			return a.allow(azc, req, syntheticAssignment(azc, req, records.SubjectRole, everyoneRole, marker),
				"Resource has the publicWrite marker.")
		}
	}
	return nil
}

func (a *Authorizer) listSubjectRoles(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID *string) ([]records.AssignedRole, error) {
	if subjectID == nil {
		return nil, nil
	}
	now := a.clock.Now()
	switch subjectType {
	case records.SubjectUser:
		roles, err := a.store.ListRolesForUser(ctx, recordName, *subjectID, now)
		return roles, errors.Wrap(err, "list roles for user")
	case records.SubjectInst:
		roles, err := a.store.ListRolesForInst(ctx, recordName, *subjectID, now)
		return roles, errors.Wrap(err, "list roles for inst")
	default:
		return nil, nil
	}
}

func (a *Authorizer) allow(azc *Context, req Request, p *records.PermissionAssignment, explanation string) *Authorization {
	return &Authorization{
		RecordName:  azc.RecordName,
		SubjectType: req.SubjectType,
		SubjectID:   subjectID(req),
		Permission:  p,
		Explanation: explanation,
	}
}

// syntheticAdminAssignment is the permission shape returned for ownership
// and admin-role allows: the admin role, all resource kinds and actions,
// optionally scoped to a marker.
func syntheticAdminAssignment(recordName, marker string) *records.PermissionAssignment {
	return &records.PermissionAssignment{
		RecordName:  recordName,
		SubjectType: records.SubjectRole,
		SubjectID:   records.AdminRole,
		Marker:      marker,
	}
}

// syntheticAssignment is the permission shape for allow-list based allows:
// fixed to the request's resource kind and action.
func syntheticAssignment(azc *Context, req Request, subjectType records.SubjectType, subjectID, marker string) *records.PermissionAssignment {
	action := req.Action
	return &records.PermissionAssignment{
		RecordName:   azc.RecordName,
		SubjectType:  subjectType,
		SubjectID:    subjectID,
		ResourceKind: req.ResourceKind,
		Action:       &action,
		Marker:       marker,
	}
}

func hasRole(roles []records.AssignedRole, name string) bool {
	for _, r := range roles {
		if r.Role == name {
			return true
		}
	}
	return false
}

func hasPublicMarker(markers []string) bool {
	for _, m := range markers {
		if m == records.PublicReadMarker || m == records.PublicWriteMarker {
			return true
		}
	}
	return false
}

func firstMarker(markers []string) string {
	if len(markers) == 0 {
		return ""
	}
	return markers[0]
}

func subjectID(req Request) string {
	return derefOrEmpty(req.SubjectID)
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
