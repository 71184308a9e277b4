package service

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casual-simulation/casualos-sub006/server/authz"
	"github.com/casual-simulation/casualos-sub006/server/datastore/inmem"
	"github.com/casual-simulation/casualos-sub006/server/ptr"
	"github.com/casual-simulation/casualos-sub006/server/records"
)

func newTestService(t *testing.T) (*inmem.Datastore, *Service) {
	t.Helper()
	ds := inmem.New()
	ds.AddRecord(&records.Record{Name: "testRecord", OwnerID: ptr.String("ownerUser")})
	ds.AddUser(&records.User{ID: "ownerUser"})
	return ds, NewService(ds, kitlog.NewNopLogger(), clock.NewMockClock())
}

func TestGrantMarkerPermission(t *testing.T) {
	ds, svc := newTestService(t)
	read := records.ActionRead

	stored, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		// The marker is reduced to its root before storage.
		Marker: "secret:history",
		Action: &read,
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.Equal(t, "secret", stored.Marker)
	assert.Equal(t, "testRecord", stored.RecordName)

	p, err := ds.GetMarkerPermission(context.Background(), "testRecord", records.SubjectRole, "developer", records.ResourceData, "secret", records.ActionRead)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, stored.ID, p.ID)

	// Re-granting is idempotent.
	again, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
		Action:                &read,
	})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, again.ID)
}

func TestGrantMarkerPermissionDenied(t *testing.T) {
	_, svc := newTestService(t)

	_, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("strangerUser"),
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
	})
	assert.Equal(t, records.CodeNotAuthorized, records.ErrorCode(err))

	_, err = svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
	})
	assert.Equal(t, records.CodeNotLoggedIn, records.ErrorCode(err))
}

func TestGrantMarkerPermissionBlockedByInstance(t *testing.T) {
	_, svc := newTestService(t)

	// The owner may grant, but every accompanying inst must be authorized
	// too.
	_, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		Instances:             []string{"/strangerRecord/inst1"},
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
	})
	assert.Equal(t, records.CodeNotAuthorized, records.ErrorCode(err))
}

func TestGrantResourcePermission(t *testing.T) {
	ds, svc := newTestService(t)
	read := records.ActionRead

	stored, err := svc.GrantResourcePermission(context.Background(), GrantResourcePermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectUser,
		SubjectID:             "grantedUser",
		ResourceKind:          records.ResourceFile,
		ResourceID:            "file1.txt",
		Action:                &read,
		Options:               records.PermissionOptions{MaxFileSizeInBytes: ptr.Int64(1024)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	p, err := ds.GetResourcePermission(context.Background(), "testRecord", records.SubjectUser, "grantedUser", records.ResourceFile, "file1.txt", records.ActionRead)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Options.MaxFileSizeInBytes)
	assert.Equal(t, int64(1024), *p.Options.MaxFileSizeInBytes)
}

func TestRevokePermission(t *testing.T) {
	ds, svc := newTestService(t)

	stored, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
	})
	require.NoError(t, err)

	err = svc.RevokePermission(context.Background(), RevokePermissionRequest{
		PermissionID: stored.ID,
		UserID:       ptr.String("ownerUser"),
	})
	require.NoError(t, err)

	p, err := ds.GetMarkerPermissionAssignmentByID(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRevokePermissionNotFound(t *testing.T) {
	_, svc := newTestService(t)

	err := svc.RevokePermission(context.Background(), RevokePermissionRequest{
		PermissionID: "missing",
		UserID:       ptr.String("ownerUser"),
	})
	assert.Equal(t, records.CodePermissionNotFound, records.ErrorCode(err))
}

func TestRevokePermissionDenied(t *testing.T) {
	_, svc := newTestService(t)

	stored, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
	})
	require.NoError(t, err)

	err = svc.RevokePermission(context.Background(), RevokePermissionRequest{
		PermissionID: stored.ID,
		UserID:       ptr.String("strangerUser"),
	})
	assert.Equal(t, records.CodeNotAuthorized, records.ErrorCode(err))
}

func TestRoleLifecycle(t *testing.T) {
	_, svc := newTestService(t)

	// A zero expiry means the role never expires.
	zero := time.Time{}
	err := svc.GrantRole(context.Background(), GrantRoleRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectUser,
		SubjectID:             "devUser",
		Role:                  "developer",
		ExpireTime:            &zero,
	})
	require.NoError(t, err)

	roles, err := svc.ListSubjectRoles(context.Background(), ListSubjectRolesRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectUser,
		SubjectID:             "devUser",
	})
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "developer", roles[0].Role)
	assert.Nil(t, roles[0].ExpireTime)

	err = svc.RevokeRole(context.Background(), RevokeRoleRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectUser,
		SubjectID:             "devUser",
		Role:                  "developer",
	})
	require.NoError(t, err)

	roles, err = svc.ListSubjectRoles(context.Background(), ListSubjectRolesRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectUser,
		SubjectID:             "devUser",
	})
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestGrantRoleNormalizesInstSubject(t *testing.T) {
	ds, svc := newTestService(t)

	err := svc.GrantRole(context.Background(), GrantRoleRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectInst,
		SubjectID:             "testRecord/inst1",
		Role:                  "developer",
	})
	require.NoError(t, err)

	roles, err := ds.ListRolesForInst(context.Background(), "testRecord", "/testRecord/inst1", time.Now())
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "developer", roles[0].Role)
}

func TestListPermissions(t *testing.T) {
	_, svc := newTestService(t)

	stored, err := svc.GrantMarkerPermission(context.Background(), GrantMarkerPermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectRole,
		SubjectID:             "developer",
		ResourceKind:          records.ResourceData,
		Marker:                "secret",
	})
	require.NoError(t, err)

	page, err := svc.ListPermissions(context.Background(), ListPermissionsRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, stored.ID, page[0].ID)

	page, err = svc.ListPermissionsForMarker(context.Background(), ListPermissionsForMarkerRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		Marker:                "secret",
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
}

func TestListPermissionsForResource(t *testing.T) {
	_, svc := newTestService(t)

	stored, err := svc.GrantResourcePermission(context.Background(), GrantResourcePermissionRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		SubjectType:           records.SubjectUser,
		SubjectID:             "grantedUser",
		ResourceKind:          records.ResourceFile,
		ResourceID:            "file1.txt",
	})
	require.NoError(t, err)

	page, err := svc.ListPermissionsForResource(context.Background(), ListPermissionsForResourceRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		ResourceKind:          records.ResourceFile,
		ResourceID:            "file1.txt",
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, stored.ID, page[0].ID)
}

func TestListRoleAssignments(t *testing.T) {
	_, svc := newTestService(t)

	for _, subject := range []string{"userA", "userB"} {
		require.NoError(t, svc.GrantRole(context.Background(), GrantRoleRequest{
			RecordKeyOrRecordName: "testRecord",
			UserID:                ptr.String("ownerUser"),
			SubjectType:           records.SubjectUser,
			SubjectID:             subject,
			Role:                  "developer",
		}))
	}

	page, err := svc.ListRoleAssignments(context.Background(), ListRoleAssignmentsRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		Role:                  "developer",
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "userA", page[0].SubjectID)
	assert.Equal(t, "userB", page[1].SubjectID)
}

// noListStore hides the optional listing capability of the wrapped store.
type noListStore struct {
	records.Datastore
}

func TestListingNotSupported(t *testing.T) {
	ds := inmem.New()
	ds.AddRecord(&records.Record{Name: "testRecord", OwnerID: ptr.String("ownerUser")})
	ds.AddUser(&records.User{ID: "ownerUser"})
	svc := NewService(noListStore{ds}, kitlog.NewNopLogger(), clock.NewMockClock())

	_, err := svc.ListPermissions(context.Background(), ListPermissionsRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
	})
	assert.Equal(t, records.CodeNotSupported, records.ErrorCode(err))

	_, err = svc.ListRoleAssignments(context.Background(), ListRoleAssignmentsRequest{
		RecordKeyOrRecordName: "testRecord",
		UserID:                ptr.String("ownerUser"),
		Role:                  "developer",
	})
	assert.Equal(t, records.CodeNotSupported, records.ErrorCode(err))
}

// panicStore panics on record lookups to exercise boundary normalization.
type panicStore struct {
	records.Datastore
}

func (panicStore) GetRecordByName(ctx context.Context, name string) (*records.Record, error) {
	panic("store corrupted")
}

func TestPanicsNormalizeToServerError(t *testing.T) {
	svc := NewService(panicStore{inmem.New()}, kitlog.NewNopLogger(), clock.NewMockClock())

	_, err := svc.BuildContext(context.Background(), authz.BuildContextRequest{
		RecordKeyOrRecordName: "testRecord",
	})
	require.Error(t, err)
	assert.Equal(t, records.CodeServerError, records.ErrorCode(err))
	assert.Contains(t, err.Error(), "server error")
}
