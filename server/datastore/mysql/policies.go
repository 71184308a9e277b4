package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/casual-simulation/casualos-sub006/server/records"
)

func (d *Datastore) ListRolesForUser(ctx context.Context, recordName, userID string, now time.Time) ([]records.AssignedRole, error) {
	return d.listRoles(ctx, recordName, records.SubjectUser, userID, now)
}

func (d *Datastore) ListRolesForInst(ctx context.Context, recordName, instID string, now time.Time) ([]records.AssignedRole, error) {
	return d.listRoles(ctx, recordName, records.SubjectInst, instID, now)
}

type roleRow struct {
	Role       string       `db:"role"`
	ExpireTime sql.NullTime `db:"expire_time"`
}

func (d *Datastore) listRoles(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, now time.Time) ([]records.AssignedRole, error) {
	// Static roles win over expiring assignments with the same name, so a
	// seeded role never inherits an expiry.
	sqlStatement := `
		SELECT role, NULL AS expire_time
		FROM static_roles
		WHERE record_name = ? AND subject_type = ? AND subject_id = ?
		UNION
		SELECT ra.role, ra.expire_time
		FROM role_assignments ra
		WHERE ra.record_name = ? AND ra.subject_type = ? AND ra.subject_id = ?
			AND (ra.expire_time IS NULL OR ra.expire_time > ?)
			AND ra.role NOT IN (
				SELECT role FROM static_roles
				WHERE record_name = ? AND subject_type = ? AND subject_id = ?
			)
		ORDER BY role
	`
	rows := []roleRow{}
	err := d.db.SelectContext(ctx, &rows, sqlStatement,
		recordName, subjectType, subjectID,
		recordName, subjectType, subjectID, now,
		recordName, subjectType, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, "list roles")
	}

	roles := make([]records.AssignedRole, 0, len(rows))
	for _, row := range rows {
		role := records.AssignedRole{Role: row.Role}
		if row.ExpireTime.Valid {
			t := row.ExpireTime.Time
			role.ExpireTime = &t
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (d *Datastore) AssignSubjectRole(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, role records.AssignedRole) error {
	sqlStatement := `
		INSERT INTO role_assignments (record_name, subject_type, subject_id, role, expire_time)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE expire_time = VALUES(expire_time)
	`
	_, err := d.db.ExecContext(ctx, sqlStatement, recordName, subjectType, subjectID, role.Role, nullTime(role.ExpireTime))
	return errors.Wrap(err, "assign subject role")
}

func (d *Datastore) RevokeSubjectRole(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID, role string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE record_name = ? AND subject_type = ? AND subject_id = ? AND role = ?`,
		recordName, subjectType, subjectID, role)
	return errors.Wrap(err, "revoke subject role")
}

type permissionRow struct {
	ID           string        `db:"id"`
	RecordName   string        `db:"record_name"`
	SubjectType  string        `db:"subject_type"`
	SubjectID    string        `db:"subject_id"`
	ResourceKind string        `db:"resource_kind"`
	ResourceID   string        `db:"resource_id"`
	Marker       string        `db:"marker"`
	Action       string        `db:"action"`
	MaxFileSize  sql.NullInt64 `db:"max_file_size"`
	ExpireTime   sql.NullTime  `db:"expire_time"`
}

func (r *permissionRow) toPermission() *records.PermissionAssignment {
	p := &records.PermissionAssignment{
		ID:           r.ID,
		RecordName:   r.RecordName,
		SubjectType:  records.SubjectType(r.SubjectType),
		SubjectID:    r.SubjectID,
		ResourceKind: records.ResourceKind(r.ResourceKind),
		ResourceID:   r.ResourceID,
		Marker:       r.Marker,
	}
	if r.Action != "" {
		action := records.ActionKind(r.Action)
		p.Action = &action
	}
	if r.MaxFileSize.Valid {
		v := r.MaxFileSize.Int64
		p.Options.MaxFileSizeInBytes = &v
	}
	if r.ExpireTime.Valid {
		t := r.ExpireTime.Time
		p.ExpireTime = &t
	}
	return p
}

func (d *Datastore) AssignPermissionToSubjectAndMarker(ctx context.Context, p *records.PermissionAssignment) (*records.PermissionAssignment, error) {
	// A single atomic upsert keyed by the natural unique tuple: concurrent
	// identical grants cannot produce duplicate rows.
	sqlStatement := `
		INSERT INTO marker_permissions
			(id, record_name, subject_type, subject_id, resource_kind, marker, action, max_file_size, expire_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			max_file_size = VALUES(max_file_size),
			expire_time = VALUES(expire_time)
	`
	_, err := d.db.ExecContext(ctx, sqlStatement,
		uuid.New().String(), p.RecordName, p.SubjectType, p.SubjectID,
		p.ResourceKind, p.Marker, actionColumn(p.Action),
		nullInt64(p.Options.MaxFileSizeInBytes), nullTime(p.ExpireTime))
	if err != nil {
		return nil, errors.Wrap(err, "assign marker permission")
	}

	var row permissionRow
	err = d.db.GetContext(ctx, &row, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, '' AS resource_id, marker, action, max_file_size, expire_time
		FROM marker_permissions
		WHERE record_name = ? AND subject_type = ? AND subject_id = ? AND resource_kind = ? AND marker = ? AND action = ?`,
		p.RecordName, p.SubjectType, p.SubjectID, p.ResourceKind, p.Marker, actionColumn(p.Action))
	if err != nil {
		return nil, errors.Wrap(err, "get assigned marker permission")
	}
	return row.toPermission(), nil
}

func (d *Datastore) AssignPermissionToSubjectAndResource(ctx context.Context, p *records.PermissionAssignment) (*records.PermissionAssignment, error) {
	sqlStatement := `
		INSERT INTO resource_permissions
			(id, record_name, subject_type, subject_id, resource_kind, resource_id, action, max_file_size, expire_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			max_file_size = VALUES(max_file_size),
			expire_time = VALUES(expire_time)
	`
	_, err := d.db.ExecContext(ctx, sqlStatement,
		uuid.New().String(), p.RecordName, p.SubjectType, p.SubjectID,
		p.ResourceKind, p.ResourceID, actionColumn(p.Action),
		nullInt64(p.Options.MaxFileSizeInBytes), nullTime(p.ExpireTime))
	if err != nil {
		return nil, errors.Wrap(err, "assign resource permission")
	}

	var row permissionRow
	err = d.db.GetContext(ctx, &row, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, resource_id, '' AS marker, action, max_file_size, expire_time
		FROM resource_permissions
		WHERE record_name = ? AND subject_type = ? AND subject_id = ? AND resource_kind = ? AND resource_id = ? AND action = ?`,
		p.RecordName, p.SubjectType, p.SubjectID, p.ResourceKind, p.ResourceID, actionColumn(p.Action))
	if err != nil {
		return nil, errors.Wrap(err, "get assigned resource permission")
	}
	return row.toPermission(), nil
}

func (d *Datastore) GetMarkerPermissionAssignmentByID(ctx context.Context, id string) (*records.PermissionAssignment, error) {
	var row permissionRow
	err := d.db.GetContext(ctx, &row, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, '' AS resource_id, marker, action, max_file_size, expire_time
		FROM marker_permissions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get marker permission by id")
	}
	return row.toPermission(), nil
}

func (d *Datastore) GetResourcePermissionAssignmentByID(ctx context.Context, id string) (*records.PermissionAssignment, error) {
	var row permissionRow
	err := d.db.GetContext(ctx, &row, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, resource_id, '' AS marker, action, max_file_size, expire_time
		FROM resource_permissions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get resource permission by id")
	}
	return row.toPermission(), nil
}

func (d *Datastore) DeleteMarkerPermissionAssignmentByID(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM marker_permissions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete marker permission")
	}
	return deletedOrNotFound(result, id)
}

func (d *Datastore) DeleteResourcePermissionAssignmentByID(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM resource_permissions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete resource permission")
	}
	return deletedOrNotFound(result, id)
}

func (d *Datastore) GetMarkerPermission(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, resourceKind records.ResourceKind, marker string, action records.ActionKind) (*records.PermissionAssignment, error) {
	// Prefer the exact action match over an all-actions ('') grant.
	var row permissionRow
	err := d.db.GetContext(ctx, &row, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, '' AS resource_id, marker, action, max_file_size, expire_time
		FROM marker_permissions
		WHERE record_name = ? AND subject_type = ? AND subject_id = ? AND resource_kind = ? AND marker = ? AND action IN (?, '')
		ORDER BY action DESC
		LIMIT 1`,
		recordName, subjectType, subjectID, resourceKind, marker, action)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get marker permission")
	}
	return row.toPermission(), nil
}

func (d *Datastore) GetResourcePermission(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string, resourceKind records.ResourceKind, resourceID string, action records.ActionKind) (*records.PermissionAssignment, error) {
	var row permissionRow
	err := d.db.GetContext(ctx, &row, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, resource_id, '' AS marker, action, max_file_size, expire_time
		FROM resource_permissions
		WHERE record_name = ? AND subject_type = ? AND subject_id = ? AND resource_kind = ? AND resource_id = ? AND action IN (?, '')
		ORDER BY action DESC
		LIMIT 1`,
		recordName, subjectType, subjectID, resourceKind, resourceID, action)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get resource permission")
	}
	return row.toPermission(), nil
}

func (d *Datastore) ListPermissionsForMarker(ctx context.Context, recordName, marker, startingID string) ([]*records.PermissionAssignment, error) {
	rows := []permissionRow{}
	err := d.db.SelectContext(ctx, &rows, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, '' AS resource_id, marker, action, max_file_size, expire_time
		FROM marker_permissions
		WHERE record_name = ? AND marker = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		recordName, marker, startingID, records.PermissionsPageSize)
	if err != nil {
		return nil, errors.Wrap(err, "list permissions for marker")
	}
	return rowsToPermissions(rows), nil
}

func (d *Datastore) ListPermissionsForResource(ctx context.Context, recordName string, resourceKind records.ResourceKind, resourceID, startingID string) ([]*records.PermissionAssignment, error) {
	rows := []permissionRow{}
	err := d.db.SelectContext(ctx, &rows, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, resource_id, '' AS marker, action, max_file_size, expire_time
		FROM resource_permissions
		WHERE record_name = ? AND resource_kind = ? AND resource_id = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		recordName, resourceKind, resourceID, startingID, records.PermissionsPageSize)
	if err != nil {
		return nil, errors.Wrap(err, "list permissions for resource")
	}
	return rowsToPermissions(rows), nil
}

func (d *Datastore) ListPermissions(ctx context.Context, recordName, startingID string) ([]*records.PermissionAssignment, error) {
	rows := []permissionRow{}
	err := d.db.SelectContext(ctx, &rows, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, '' AS resource_id, marker, action, max_file_size, expire_time
		FROM marker_permissions
		WHERE record_name = ? AND id > ?
		UNION ALL
		SELECT id, record_name, subject_type, subject_id, resource_kind, resource_id, '' AS marker, action, max_file_size, expire_time
		FROM resource_permissions
		WHERE record_name = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		recordName, startingID, recordName, startingID, records.PermissionsPageSize)
	if err != nil {
		return nil, errors.Wrap(err, "list permissions")
	}
	return rowsToPermissions(rows), nil
}

func (d *Datastore) ListPermissionsForSubject(ctx context.Context, recordName string, subjectType records.SubjectType, subjectID string) ([]*records.PermissionAssignment, error) {
	rows := []permissionRow{}
	err := d.db.SelectContext(ctx, &rows, `
		SELECT id, record_name, subject_type, subject_id, resource_kind, '' AS resource_id, marker, action, max_file_size, expire_time
		FROM marker_permissions
		WHERE record_name = ? AND subject_type = ? AND subject_id = ?
		UNION ALL
		SELECT id, record_name, subject_type, subject_id, resource_kind, resource_id, '' AS marker, action, max_file_size, expire_time
		FROM resource_permissions
		WHERE record_name = ? AND subject_type = ? AND subject_id = ?
		ORDER BY id`,
		recordName, subjectType, subjectID,
		recordName, subjectType, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, "list permissions for subject")
	}
	return rowsToPermissions(rows), nil
}

type roleAssignmentRow struct {
	RecordName  string       `db:"record_name"`
	SubjectType string       `db:"subject_type"`
	SubjectID   string       `db:"subject_id"`
	Role        string       `db:"role"`
	ExpireTime  sql.NullTime `db:"expire_time"`
}

func (d *Datastore) ListAssignmentsForRole(ctx context.Context, recordName, role, startingSubjectID string) ([]*records.RoleAssignment, error) {
	rows := []roleAssignmentRow{}
	err := d.db.SelectContext(ctx, &rows, `
		SELECT record_name, subject_type, subject_id, role, expire_time
		FROM role_assignments
		WHERE record_name = ? AND role = ? AND subject_id > ?
		ORDER BY subject_id
		LIMIT ?`,
		recordName, role, startingSubjectID, records.PermissionsPageSize)
	if err != nil {
		return nil, errors.Wrap(err, "list assignments for role")
	}

	assignments := make([]*records.RoleAssignment, 0, len(rows))
	for _, row := range rows {
		a := &records.RoleAssignment{
			RecordName:  row.RecordName,
			SubjectType: records.SubjectType(row.SubjectType),
			SubjectID:   row.SubjectID,
			Role:        row.Role,
		}
		if row.ExpireTime.Valid {
			t := row.ExpireTime.Time
			a.ExpireTime = &t
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

func (d *Datastore) GetUserPolicy(ctx context.Context, recordName, marker string) (*records.PolicyDocument, error) {
	var raw []byte
	err := d.db.GetContext(ctx, &raw, `SELECT document FROM user_policies WHERE record_name = ? AND marker = ?`, recordName, marker)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "get user policy")
	}

	var doc records.PolicyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal user policy")
	}
	return &doc, nil
}

func (d *Datastore) ListPoliciesForMarker(ctx context.Context, recordName, marker string) ([]*records.PolicyDocument, error) {
	var docs []*records.PolicyDocument
	doc, err := d.GetUserPolicy(ctx, recordName, marker)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		docs = append(docs, doc)
	}
	if marker == records.PublicReadMarker {
		docs = append(docs, records.DefaultPublicReadPolicyDocument())
	}
	docs = append(docs, records.DefaultAnyResourcePolicyDocument())
	return docs, nil
}

func rowsToPermissions(rows []permissionRow) []*records.PermissionAssignment {
	permissions := make([]*records.PermissionAssignment, 0, len(rows))
	for i := range rows {
		permissions = append(permissions, rows[i].toPermission())
	}
	return permissions
}

func deletedOrNotFound(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return &records.PermissionNotFoundError{ID: id}
	}
	return nil
}

func actionColumn(a *records.ActionKind) string {
	if a == nil {
		return ""
	}
	return string(*a)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
