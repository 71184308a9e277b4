package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootMarker(t *testing.T) {
	testCases := []struct {
		marker   string
		expected string
	}{
		{"secret", "secret"},
		{"secret:tag", "secret"},
		{"secret:tag:nested", "secret"},
		{"publicRead", "publicRead"},
		{":leading", ""},
		{"", ""},
	}
	for _, tt := range testCases {
		assert.Equal(t, tt.expected, RootMarker(tt.marker), "marker %q", tt.marker)
	}
}

func TestRootMarkers(t *testing.T) {
	assert.Equal(t,
		[]string{"secret", "other"},
		RootMarkers([]string{"secret:tag", "other"}),
	)
}

func TestFormatAndParseInstID(t *testing.T) {
	id := FormatInstID("myRecord", "myInst")
	assert.Equal(t, "/myRecord/myInst", id)

	recordName, inst, ok := ParseInstID(id)
	require.True(t, ok)
	assert.Equal(t, "myRecord", recordName)
	assert.Equal(t, "myInst", inst)

	recordName, inst, ok = ParseInstID("/loneInst")
	require.True(t, ok)
	assert.Empty(t, recordName)
	assert.Equal(t, "loneInst", inst)

	_, _, ok = ParseInstID("notNormalized")
	assert.False(t, ok)
	_, _, ok = ParseInstID("/")
	assert.False(t, ok)
}

func TestNormalizeInstID(t *testing.T) {
	assert.Equal(t, "/inst", NormalizeInstID("inst"))
	assert.Equal(t, "/inst", NormalizeInstID("/inst"))
	assert.Equal(t, "/record/inst", NormalizeInstID("record/inst"))
}

func TestPermissionOptionsEqual(t *testing.T) {
	size := int64(1024)
	otherSize := int64(2048)

	assert.True(t, PermissionOptions{}.Equal(PermissionOptions{}))
	assert.True(t, PermissionOptions{MaxFileSizeInBytes: &size}.Equal(PermissionOptions{MaxFileSizeInBytes: &size}))
	assert.False(t, PermissionOptions{MaxFileSizeInBytes: &size}.Equal(PermissionOptions{}))
	assert.False(t, PermissionOptions{MaxFileSizeInBytes: &size}.Equal(PermissionOptions{MaxFileSizeInBytes: &otherSize}))
}

func TestPermissionAssignmentExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	neverExpires := &PermissionAssignment{}
	assert.False(t, neverExpires.Expired(now))

	expired := &PermissionAssignment{ExpireTime: &past}
	assert.True(t, expired.Expired(now))

	// An assignment expiring exactly now is expired.
	boundary := &PermissionAssignment{ExpireTime: &now}
	assert.True(t, boundary.Expired(now))

	live := &PermissionAssignment{ExpireTime: &future}
	assert.False(t, live.Expired(now))
}

func TestAssignedRoleExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	assert.False(t, AssignedRole{Role: "developer"}.Expired(now))
	assert.True(t, AssignedRole{Role: "developer", ExpireTime: &past}.Expired(now))
	assert.True(t, AssignedRole{Role: "developer", ExpireTime: &now}.Expired(now))
}

func TestPermissionAssignmentCovers(t *testing.T) {
	read := ActionRead
	p := &PermissionAssignment{Action: &read}
	assert.True(t, p.Covers(ActionRead))
	assert.False(t, p.Covers(ActionList))

	all := &PermissionAssignment{}
	assert.True(t, all.Covers(ActionRead))
	assert.True(t, all.Covers(ActionDelete))
}
