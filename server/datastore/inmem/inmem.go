// Package inmem implements the records datastore contracts over in-memory
// maps. It backs the engine's tests and is usable as a real backend through
// dependency injection.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casual-simulation/casualos-sub006/server/records"
)

type subjectKey struct {
	recordName  string
	subjectType records.SubjectType
	subjectID   string
}

type markerKey struct {
	subjectKey
	resourceKind records.ResourceKind
	marker       string
	// action is "" for all-actions grants.
	action string
}

type resourceKey struct {
	subjectKey
	resourceKind records.ResourceKind
	resourceID   string
	action       string
}

type policyKey struct {
	recordName string
	marker     string
}

// Datastore is the in-memory backend. Safe for concurrent use.
type Datastore struct {
	mtx sync.RWMutex

	records           map[string]*records.Record
	recordKeys        map[string][]*records.RecordKey
	studios           map[string]*records.Studio
	studioAssignments map[string][]*records.StudioAssignment
	users             map[string]*records.User

	staticRoles     map[subjectKey]map[string]struct{}
	roleAssignments map[subjectKey]map[string]*records.RoleAssignment

	markerPermissions   map[markerKey]*records.PermissionAssignment
	resourcePermissions map[resourceKey]*records.PermissionAssignment
	markerByID          map[string]*records.PermissionAssignment
	resourceByID        map[string]*records.PermissionAssignment

	userPolicies map[policyKey]*records.PolicyDocument
}

var (
	_ records.Datastore         = (*Datastore)(nil)
	_ records.AssignmentLister  = (*Datastore)(nil)
	_ records.LegacyPolicyStore = (*Datastore)(nil)
)

// New creates an empty in-memory datastore.
func New() *Datastore {
	return &Datastore{
		records:             make(map[string]*records.Record),
		recordKeys:          make(map[string][]*records.RecordKey),
		studios:             make(map[string]*records.Studio),
		studioAssignments:   make(map[string][]*records.StudioAssignment),
		users:               make(map[string]*records.User),
		staticRoles:         make(map[subjectKey]map[string]struct{}),
		roleAssignments:     make(map[subjectKey]map[string]*records.RoleAssignment),
		markerPermissions:   make(map[markerKey]*records.PermissionAssignment),
		resourcePermissions: make(map[resourceKey]*records.PermissionAssignment),
		markerByID:          make(map[string]*records.PermissionAssignment),
		resourceByID:        make(map[string]*records.PermissionAssignment),
		userPolicies:        make(map[policyKey]*records.PolicyDocument),
	}
}

///////////////////////////////////////////////////////////////////////////////
// Seeding helpers used by callers that administer the store directly.

// AddRecord stores a record.
func (d *Datastore) AddRecord(r *records.Record) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.records[r.Name] = r
}

// AddRecordKey stores an issued record key.
func (d *Datastore) AddRecordKey(k *records.RecordKey) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.recordKeys[k.RecordName] = append(d.recordKeys[k.RecordName], k)
}

// AddStudio stores a studio.
func (d *Datastore) AddStudio(s *records.Studio) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.studios[s.ID] = s
}

// AddStudioAssignment stores a studio membership.
func (d *Datastore) AddStudioAssignment(a *records.StudioAssignment) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.studioAssignments[a.StudioID] = append(d.studioAssignments[a.StudioID], a)
}

// AddUser stores a user.
func (d *Datastore) AddUser(u *records.User) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.users[u.ID] = u
}

// SetStaticRoles replaces the administrative (non-expiring, seeded) role set
// for a subject.
func (d *Datastore) SetStaticRoles(recordName string, subjectType records.SubjectType, subjectID string, roles ...string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	d.staticRoles[subjectKey{recordName, subjectType, subjectID}] = set
}

// SetUserPolicy stores a legacy policy document for a marker.
func (d *Datastore) SetUserPolicy(recordName, marker string, doc *records.PolicyDocument) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.userPolicies[policyKey{recordName, marker}] = doc
}

///////////////////////////////////////////////////////////////////////////////
// MetadataStore

func (d *Datastore) GetRecordByName(ctx context.Context, name string) (*records.Record, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.records[name], nil
}

func (d *Datastore) GetRecordKeys(ctx context.Context, recordName string) ([]*records.RecordKey, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return append([]*records.RecordKey{}, d.recordKeys[recordName]...), nil
}

func (d *Datastore) GetStudioByID(ctx context.Context, id string) (*records.Studio, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.studios[id], nil
}

func (d *Datastore) ListStudioAssignments(ctx context.Context, studioID string) ([]*records.StudioAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return append([]*records.StudioAssignment{}, d.studioAssignments[studioID]...), nil
}

func (d *Datastore) GetUserByID(ctx context.Context, id string) (*records.User, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.users[id], nil
}

///////////////////////////////////////////////////////////////////////////////
// PolicyStore: roles

func (d *Datastore) ListRolesForUser(ctx context.Context, recordName, userID string, now time.Time) ([]records.AssignedRole, error) {
	return d.listRoles(recordName, records.SubjectUser, userID, now), nil
}

func (d *Datastore) ListRolesForInst(ctx context.Context, recordName, instID string, now time.Time) ([]records.AssignedRole, error) {
	return d.listRoles(recordName, records.SubjectInst, instID, now), nil
}

func (d *Datastore) listRoles(recordName string, subjectType records.SubjectType, subjectID string, now time.Time) []records.AssignedRole {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	key := subjectKey{recordName, subjectType, subjectID}
	merged := make(map[string]records.AssignedRole)
	for role := range d.staticRoles[key] {
		merged[role] = records.AssignedRole{Role: role}
	}
	for role, row := range d.roleAssignments[key] {
		assigned := records.AssignedRole{Role: role, ExpireTime: row.ExpireTime}
		if assigned.Expired(now) {
			continue
		}
		if _, ok := merged[role]; !ok {
			merged[role] = assigned
		}
	}

	roles := make([]records.AssignedRole, 0, len(merged))
	for _, r := range merged {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Role < roles[j].Role })
	return roles
}

func (d *Datastore) AssignSubjectRole(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, role records.AssignedRole) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	key := subjectKey{recordName, subjectType, subjectID}
	rows := d.roleAssignments[key]
	if rows == nil {
		rows = make(map[string]*records.RoleAssignment)
		d.roleAssignments[key] = rows
	}
	rows[role.Role] = &records.RoleAssignment{
		RecordName:  recordName,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Role:        role.Role,
		ExpireTime:  role.ExpireTime,
	}
	return nil
}

func (d *Datastore) RevokeSubjectRole(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID, role string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.roleAssignments[subjectKey{recordName, subjectType, subjectID}], role)
	return nil
}

///////////////////////////////////////////////////////////////////////////////
// PolicyStore: permission assignments

func actionKey(a *records.ActionKind) string {
	if a == nil {
		return ""
	}
	return string(*a)
}

func (d *Datastore) AssignPermissionToSubjectAndMarker(ctx context.Context, p *records.PermissionAssignment) (*records.PermissionAssignment, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	key := markerKey{
		subjectKey:   subjectKey{p.RecordName, p.SubjectType, p.SubjectID},
		resourceKind: p.ResourceKind,
		marker:       p.Marker,
		action:       actionKey(p.Action),
	}
	if existing, ok := d.markerPermissions[key]; ok {
		if !existing.Options.Equal(p.Options) || !expiresEqual(existing.ExpireTime, p.ExpireTime) {
			existing.Options = p.Options
			existing.ExpireTime = p.ExpireTime
		}
		return clonePermission(existing), nil
	}

	stored := clonePermission(p)
	stored.ID = uuid.New().String()
	d.markerPermissions[key] = stored
	d.markerByID[stored.ID] = stored
	return clonePermission(stored), nil
}

func (d *Datastore) AssignPermissionToSubjectAndResource(ctx context.Context, p *records.PermissionAssignment) (*records.PermissionAssignment, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	key := resourceKey{
		subjectKey:   subjectKey{p.RecordName, p.SubjectType, p.SubjectID},
		resourceKind: p.ResourceKind,
		resourceID:   p.ResourceID,
		action:       actionKey(p.Action),
	}
	if existing, ok := d.resourcePermissions[key]; ok {
		if !existing.Options.Equal(p.Options) || !expiresEqual(existing.ExpireTime, p.ExpireTime) {
			existing.Options = p.Options
			existing.ExpireTime = p.ExpireTime
		}
		return clonePermission(existing), nil
	}

	stored := clonePermission(p)
	stored.ID = uuid.New().String()
	d.resourcePermissions[key] = stored
	d.resourceByID[stored.ID] = stored
	return clonePermission(stored), nil
}

func (d *Datastore) GetMarkerPermissionAssignmentByID(ctx context.Context, id string) (*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if p, ok := d.markerByID[id]; ok {
		return clonePermission(p), nil
	}
	return nil, nil
}

func (d *Datastore) GetResourcePermissionAssignmentByID(ctx context.Context, id string) (*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if p, ok := d.resourceByID[id]; ok {
		return clonePermission(p), nil
	}
	return nil, nil
}

func (d *Datastore) DeleteMarkerPermissionAssignmentByID(ctx context.Context, id string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	p, ok := d.markerByID[id]
	if !ok {
		return &records.PermissionNotFoundError{ID: id}
	}
	delete(d.markerByID, id)
	delete(d.markerPermissions, markerKey{
		subjectKey:   subjectKey{p.RecordName, p.SubjectType, p.SubjectID},
		resourceKind: p.ResourceKind,
		marker:       p.Marker,
		action:       actionKey(p.Action),
	})
	return nil
}

func (d *Datastore) DeleteResourcePermissionAssignmentByID(ctx context.Context, id string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	p, ok := d.resourceByID[id]
	if !ok {
		return &records.PermissionNotFoundError{ID: id}
	}
	delete(d.resourceByID, id)
	delete(d.resourcePermissions, resourceKey{
		subjectKey:   subjectKey{p.RecordName, p.SubjectType, p.SubjectID},
		resourceKind: p.ResourceKind,
		resourceID:   p.ResourceID,
		action:       actionKey(p.Action),
	})
	return nil
}

func (d *Datastore) GetMarkerPermission(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, resourceKind records.ResourceKind, marker string, action records.ActionKind) (*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	base := markerKey{
		subjectKey:   subjectKey{recordName, subjectType, subjectID},
		resourceKind: resourceKind,
		marker:       marker,
	}
	exact := base
	exact.action = string(action)
	if p, ok := d.markerPermissions[exact]; ok {
		return clonePermission(p), nil
	}
	if p, ok := d.markerPermissions[base]; ok {
		return clonePermission(p), nil
	}
	return nil, nil
}

func (d *Datastore) GetResourcePermission(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, resourceKind records.ResourceKind, resourceID string, action records.ActionKind) (*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	base := resourceKey{
		subjectKey:   subjectKey{recordName, subjectType, subjectID},
		resourceKind: resourceKind,
		resourceID:   resourceID,
	}
	exact := base
	exact.action = string(action)
	if p, ok := d.resourcePermissions[exact]; ok {
		return clonePermission(p), nil
	}
	if p, ok := d.resourcePermissions[base]; ok {
		return clonePermission(p), nil
	}
	return nil, nil
}

func (d *Datastore) ListPermissionsForMarker(ctx context.Context, recordName, marker, startingID string) ([]*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var matched []*records.PermissionAssignment
	for _, p := range d.markerPermissions {
		if p.RecordName == recordName && p.Marker == marker {
			matched = append(matched, p)
		}
	}
	return pageByID(matched, startingID), nil
}

func (d *Datastore) ListPermissionsForResource(ctx context.Context, recordName string, resourceKind records.ResourceKind, resourceID, startingID string) ([]*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var matched []*records.PermissionAssignment
	for _, p := range d.resourcePermissions {
		if p.RecordName == recordName && p.ResourceKind == resourceKind && p.ResourceID == resourceID {
			matched = append(matched, p)
		}
	}
	return pageByID(matched, startingID), nil
}

///////////////////////////////////////////////////////////////////////////////
// AssignmentLister (optional capability)

func (d *Datastore) ListPermissions(ctx context.Context, recordName, startingID string) ([]*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var matched []*records.PermissionAssignment
	for _, p := range d.markerPermissions {
		if p.RecordName == recordName {
			matched = append(matched, p)
		}
	}
	for _, p := range d.resourcePermissions {
		if p.RecordName == recordName {
			matched = append(matched, p)
		}
	}
	return pageByID(matched, startingID), nil
}

func (d *Datastore) ListPermissionsForSubject(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string) ([]*records.PermissionAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var matched []*records.PermissionAssignment
	for _, p := range d.markerPermissions {
		if p.RecordName == recordName && p.SubjectType == subjectType && p.SubjectID == subjectID {
			matched = append(matched, p)
		}
	}
	for _, p := range d.resourcePermissions {
		if p.RecordName == recordName && p.SubjectType == subjectType && p.SubjectID == subjectID {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	cloned := make([]*records.PermissionAssignment, len(matched))
	for i, p := range matched {
		cloned[i] = clonePermission(p)
	}
	return cloned, nil
}

func (d *Datastore) ListAssignmentsForRole(ctx context.Context, recordName, role, startingSubjectID string) ([]*records.RoleAssignment, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var matched []*records.RoleAssignment
	for key, rows := range d.roleAssignments {
		if key.recordName != recordName {
			continue
		}
		if row, ok := rows[role]; ok {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].SubjectID < matched[j].SubjectID })

	page := make([]*records.RoleAssignment, 0, records.PermissionsPageSize)
	for _, row := range matched {
		if startingSubjectID != "" && row.SubjectID <= startingSubjectID {
			continue
		}
		page = append(page, row)
		if len(page) == records.PermissionsPageSize {
			break
		}
	}
	return page, nil
}

///////////////////////////////////////////////////////////////////////////////
// LegacyPolicyStore (optional capability)

func (d *Datastore) GetUserPolicy(ctx context.Context, recordName, marker string) (*records.PolicyDocument, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.userPolicies[policyKey{recordName, marker}], nil
}

func (d *Datastore) ListPoliciesForMarker(ctx context.Context, recordName, marker string) ([]*records.PolicyDocument, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var docs []*records.PolicyDocument
	if doc, ok := d.userPolicies[policyKey{recordName, marker}]; ok {
		docs = append(docs, doc)
	}
	if marker == records.PublicReadMarker {
		docs = append(docs, records.DefaultPublicReadPolicyDocument())
	}
	docs = append(docs, records.DefaultAnyResourcePolicyDocument())
	return docs, nil
}

///////////////////////////////////////////////////////////////////////////////

func pageByID(matched []*records.PermissionAssignment, startingID string) []*records.PermissionAssignment {
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	page := make([]*records.PermissionAssignment, 0, records.PermissionsPageSize)
	for _, p := range matched {
		if startingID != "" && p.ID <= startingID {
			continue
		}
		page = append(page, clonePermission(p))
		if len(page) == records.PermissionsPageSize {
			break
		}
	}
	return page
}

func clonePermission(p *records.PermissionAssignment) *records.PermissionAssignment {
	clone := *p
	if p.Action != nil {
		action := *p.Action
		clone.Action = &action
	}
	if p.ExpireTime != nil {
		t := *p.ExpireTime
		clone.ExpireTime = &t
	}
	if p.Options.MaxFileSizeInBytes != nil {
		v := *p.Options.MaxFileSizeInBytes
		clone.Options.MaxFileSizeInBytes = &v
	}
	return &clone
}

func expiresEqual(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}
